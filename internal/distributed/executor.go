package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"missionctl/internal/model"
	"missionctl/internal/worker"
)

// ExecutorWorkerOptions configures an ExecutorWorker, the distributed
// counterpart to worker.LocalBackend: instead of running a WorkUnit
// in-process, it registers itself on the bus, waits for dispatches
// addressed to it, runs the WorkUnit through a local worker.Backend, and
// publishes the resulting ResultEnvelope back to the Mastermind that sent
// it.
type ExecutorWorkerOptions struct {
	ID                string
	Bus               Bus
	Backend           worker.Backend
	Subjects          EventSubjects
	Capabilities      []Capability
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

type ExecutorWorker struct {
	id                string
	bus               Bus
	backend           worker.Backend
	subjects          EventSubjects
	capabilities      CapabilitySet
	heartbeatInterval time.Duration
	clock             func() time.Time
}

func NewExecutorWorker(cfg ExecutorWorkerOptions) *ExecutorWorker {
	subjects := cfg.Subjects
	if subjects.Register == "" {
		subjects = DefaultEventSubjects("missionctl")
	}
	w := &ExecutorWorker{
		id:                strings.TrimSpace(cfg.ID),
		bus:               cfg.Bus,
		backend:           cfg.Backend,
		subjects:          subjects,
		capabilities:      NewCapabilitySet(cfg.Capabilities...),
		heartbeatInterval: cfg.HeartbeatInterval,
		clock: func() time.Time {
			if cfg.Clock != nil {
				return cfg.Clock().UTC()
			}
			return time.Now().UTC()
		},
	}
	if w.id == "" {
		w.id = "executor-" + w.clock().Format("20060102150405.000")
	}
	return w
}

func (w *ExecutorWorker) ID() string {
	if strings.TrimSpace(w.id) != "" {
		return strings.TrimSpace(w.id)
	}
	return "executor-" + w.clock().Format("20060102150405.000")
}

// Start registers the executor, publishes heartbeats on an interval, and
// dispatches every WorkUnitDispatchPayload addressed to it (or unaddressed)
// to its backend, running each dispatch on its own goroutine so a slow
// WorkUnit never blocks the heartbeat loop.
func (w *ExecutorWorker) Start(ctx context.Context) error {
	if w == nil || w.bus == nil {
		return fmt.Errorf("executor worker bus is required")
	}
	if w.backend == nil {
		return fmt.Errorf("executor worker backend is required")
	}
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if err := w.publishRegistration(ctx); err != nil {
		return err
	}
	dispatchCh, unsubscribeDispatch, err := w.bus.Subscribe(ctx, w.subjects.WorkUnitDispatch)
	if err != nil {
		return err
	}
	defer unsubscribeDispatch()

	heartbeatTicker := time.NewTicker(interval)
	defer heartbeatTicker.Stop()
	if err := w.publishHeartbeat(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeatTicker.C:
			if err := w.publishHeartbeat(ctx); err != nil {
				return err
			}
		case raw, ok := <-dispatchCh:
			if !ok {
				return nil
			}
			go w.handleDispatch(ctx, raw)
		}
	}
}

func (w *ExecutorWorker) publishRegistration(ctx context.Context) error {
	registration := ExecutorRegistrationPayload{
		ExecutorID:   w.ID(),
		Capabilities: keys(w.capabilities),
		StartedAt:    w.clock(),
	}
	event, err := NewEventEnvelope(EventTypeExecutorRegistered, w.ID(), "", registration)
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, w.subjects.Register, event)
}

func (w *ExecutorWorker) publishHeartbeat(ctx context.Context) error {
	heartbeat := ExecutorHeartbeatPayload{
		ExecutorID: w.ID(),
		SeenAt:     w.clock(),
	}
	event, err := NewEventEnvelope(EventTypeExecutorHeartbeat, w.ID(), "", heartbeat)
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, w.subjects.Heartbeat, event)
}

func (w *ExecutorWorker) handleDispatch(ctx context.Context, env EventEnvelope) {
	if len(env.Payload) == 0 {
		return
	}
	payload := WorkUnitDispatchPayload{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	if strings.TrimSpace(payload.TargetExecutorID) != "" && payload.TargetExecutorID != w.ID() {
		return
	}
	if !w.capabilities.HasAll(payload.RequiredCapabilities...) {
		return
	}

	dispatchCtx := ctx
	if dispatchCtx == nil {
		dispatchCtx = context.Background()
	}

	result, err := w.backend.Dispatch(dispatchCtx, payload.Unit, payload.Workspace)
	response := WorkUnitResultPayload{
		CorrelationID: payload.CorrelationID,
		ExecutorID:    w.ID(),
		Result:        result,
	}
	if err != nil {
		response.Result = model.ResultEnvelope{ErrorKind: model.ErrorTransient, Summary: err.Error()}
		response.Error = err.Error()
	}

	responseEnv, envErr := NewEventEnvelope(EventTypeTaskResult, w.ID(), payload.CorrelationID, response)
	if envErr != nil {
		return
	}
	_ = w.bus.Publish(dispatchCtx, w.subjects.WorkUnitResult, responseEnv)
}

// RequestService round-trips a generic named service call (e.g. a review
// pass hosted on another executor) through the bus, correlating request and
// response by RequestID.
func (w *ExecutorWorker) RequestService(ctx context.Context, request ServiceRequestPayload) (ServiceResponsePayload, error) {
	if w == nil || w.bus == nil {
		return ServiceResponsePayload{}, fmt.Errorf("executor worker not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(request.RequestID) == "" {
		request.RequestID = strings.TrimSpace(request.UnitID) + "-" + strings.ReplaceAll(w.clock().Format(time.RFC3339Nano), ":", "")
	}
	request.ExecutorID = w.ID()
	if strings.TrimSpace(request.CorrelationID) == "" {
		request.CorrelationID = request.RequestID
	}

	responseCh, unsubscribeResponse, err := w.bus.Subscribe(ctx, w.subjects.ServiceResult)
	if err != nil {
		return ServiceResponsePayload{}, err
	}
	defer unsubscribeResponse()

	event, err := NewEventEnvelope(EventTypeServiceRequest, w.ID(), request.CorrelationID, request)
	if err != nil {
		return ServiceResponsePayload{}, err
	}
	if err := w.bus.Publish(ctx, w.subjects.ServiceRequest, event); err != nil {
		return ServiceResponsePayload{}, err
	}

	for {
		select {
		case raw, ok := <-responseCh:
			if !ok {
				return ServiceResponsePayload{}, fmt.Errorf("service response channel closed")
			}
			if raw.CorrelationID != request.CorrelationID {
				continue
			}
			response := ServiceResponsePayload{}
			if len(raw.Payload) == 0 {
				continue
			}
			if err := json.Unmarshal(raw.Payload, &response); err != nil {
				continue
			}
			if response.RequestID != request.RequestID {
				continue
			}
			if response.Error != "" {
				return response, fmt.Errorf("%s", response.Error)
			}
			return response, nil
		case <-ctx.Done():
			return ServiceResponsePayload{}, ctx.Err()
		}
	}
}

func keys(values CapabilitySet) []Capability {
	out := make([]Capability, 0, len(values))
	for value := range values {
		out = append(out, value)
	}
	return out
}
