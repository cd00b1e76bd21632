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

var _ worker.Backend = (*Mastermind)(nil)

// ServiceHandler answers a named service request published by an executor
// (e.g. a shared lookup the dispatcher side owns).
type ServiceHandler func(ctx context.Context, request ServiceRequestPayload) (ServiceResponsePayload, error)

// MastermindOptions configures a Mastermind, the dispatcher side of the
// distributed worker.Backend: it tracks live executors via
// register/heartbeat events and round-trips WorkUnit dispatches to whichever
// executor its ExecutorRegistry picks.
type MastermindOptions struct {
	ID             string
	Bus            Bus
	Subjects       EventSubjects
	RegistryTTL    time.Duration
	RequestTimeout time.Duration
	Clock          func() time.Time
	ServiceHandler ServiceHandler
}

type Mastermind struct {
	id             string
	bus            Bus
	subjects       EventSubjects
	registry       *ExecutorRegistry
	requestTimeout time.Duration
	clock          func() time.Time
	serviceHandler ServiceHandler
}

func NewMastermind(cfg MastermindOptions) *Mastermind {
	subjects := cfg.Subjects
	if subjects.Register == "" {
		subjects = DefaultEventSubjects("missionctl")
	}
	return &Mastermind{
		id:             strings.TrimSpace(cfg.ID),
		bus:            cfg.Bus,
		subjects:       subjects,
		registry:       NewExecutorRegistry(cfg.RegistryTTL, cfg.Clock),
		requestTimeout: cfg.RequestTimeout,
		clock: func() time.Time {
			if cfg.Clock != nil {
				return cfg.Clock().UTC()
			}
			return time.Now().UTC()
		},
		serviceHandler: cfg.ServiceHandler,
	}
}

func (m *Mastermind) Registry() *ExecutorRegistry {
	return m.registry
}

// Start subscribes to registration, heartbeat, and service-request
// subjects and services them until ctx is canceled.
func (m *Mastermind) Start(ctx context.Context) error {
	if m == nil || m.bus == nil {
		return fmt.Errorf("mastermind bus is required")
	}
	registerCh, unregister, err := m.bus.Subscribe(ctx, m.subjects.Register)
	if err != nil {
		return err
	}
	heartbeatCh, unsubscribeHeartbeat, err := m.bus.Subscribe(ctx, m.subjects.Heartbeat)
	if err != nil {
		unregister()
		return err
	}
	serviceCh, unsubscribeService, err := m.bus.Subscribe(ctx, m.subjects.ServiceRequest)
	if err != nil {
		unregister()
		unsubscribeHeartbeat()
		return err
	}

	go func() {
		defer unregister()
		for {
			select {
			case raw, ok := <-registerCh:
				if !ok {
					return
				}
				registration := ExecutorRegistrationPayload{}
				if len(raw.Payload) == 0 {
					continue
				}
				if err := json.Unmarshal(raw.Payload, &registration); err != nil {
					continue
				}
				m.registry.Register(registration)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer unsubscribeHeartbeat()
		for {
			select {
			case raw, ok := <-heartbeatCh:
				if !ok {
					return
				}
				heartbeat := ExecutorHeartbeatPayload{}
				if len(raw.Payload) == 0 {
					continue
				}
				if err := json.Unmarshal(raw.Payload, &heartbeat); err != nil {
					continue
				}
				m.registry.Heartbeat(heartbeat)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer unsubscribeService()
		for {
			select {
			case raw, ok := <-serviceCh:
				if !ok {
					return
				}
				_ = m.handleServiceRequest(ctx, raw)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Dispatch implements worker.Backend: it picks a live executor, publishes
// the WorkUnit dispatch, and blocks for the correlated result up to
// RequestTimeout. It is the RemoteBackend the controller uses when
// worker.backend is nats or redis instead of local.
func (m *Mastermind) Dispatch(ctx context.Context, unit model.WorkUnit, workspace string) (model.ResultEnvelope, error) {
	if m == nil {
		return model.ResultEnvelope{}, fmt.Errorf("mastermind is nil")
	}
	if m.bus == nil {
		return model.ResultEnvelope{}, fmt.Errorf("mastermind bus is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if unit.ID == "" {
		return model.ResultEnvelope{}, fmt.Errorf("unit id is required")
	}

	executor, err := m.registry.Pick(CapabilityImplement)
	if err != nil {
		return model.ResultEnvelope{}, err
	}

	correlationID := unit.ID + "-" + strings.ReplaceAll(m.clock().Format(time.RFC3339Nano), ":", "")
	dispatchTimeout := m.requestTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	resultCh, unsubResult, err := m.bus.Subscribe(ctx, m.subjects.WorkUnitResult)
	if err != nil {
		return model.ResultEnvelope{}, err
	}
	defer unsubResult()

	dispatch := WorkUnitDispatchPayload{
		CorrelationID:        correlationID,
		Unit:                 unit,
		Workspace:            workspace,
		TargetExecutorID:     executor.ID,
		RequiredCapabilities: []Capability{CapabilityImplement},
	}
	env, err := NewEventEnvelope(EventTypeTaskDispatch, m.id, correlationID, dispatch)
	if err != nil {
		return model.ResultEnvelope{}, err
	}
	env.CorrelationID = correlationID
	if err := m.bus.Publish(ctx, m.subjects.WorkUnitDispatch, env); err != nil {
		return model.ResultEnvelope{}, err
	}

	timeoutTicker := time.NewTicker(50 * time.Millisecond)
	defer timeoutTicker.Stop()
	for {
		select {
		case raw := <-resultCh:
			if raw.CorrelationID != correlationID {
				continue
			}
			payload := WorkUnitResultPayload{}
			if err := json.Unmarshal(raw.Payload, &payload); err != nil {
				continue
			}
			if strings.TrimSpace(payload.CorrelationID) != correlationID {
				continue
			}
			if payload.Error != "" {
				return model.ResultEnvelope{}, fmt.Errorf("executor failed: %s", payload.Error)
			}
			return payload.Result, nil
		case <-timeoutTicker.C:
			if !m.registry.IsAvailable(executor.ID, m.clock()) {
				return model.ResultEnvelope{}, fmt.Errorf("executor %s disconnected", executor.ID)
			}
		case <-ctx.Done():
			return model.ResultEnvelope{}, fmt.Errorf("work unit dispatch timed out: %w", ctx.Err())
		}
	}
}

func (m *Mastermind) handleServiceRequest(ctx context.Context, env EventEnvelope) error {
	if m == nil || m.serviceHandler == nil {
		return fmt.Errorf("service handler unavailable")
	}
	request := ServiceRequestPayload{}
	if len(env.Payload) == 0 {
		return fmt.Errorf("empty service request payload")
	}
	if err := json.Unmarshal(env.Payload, &request); err != nil {
		return err
	}
	response, err := m.serviceHandler(ctx, request)
	if err != nil {
		response.Error = err.Error()
	}
	response.RequestID = strings.TrimSpace(request.RequestID)
	response.CorrelationID = strings.TrimSpace(request.CorrelationID)
	response.ExecutorID = strings.TrimSpace(request.ExecutorID)
	response.Service = strings.TrimSpace(request.Service)
	responseEnv, err := NewEventEnvelope(EventTypeServiceResponse, m.id, response.CorrelationID, response)
	if err != nil {
		return err
	}
	responseEnv.CorrelationID = response.CorrelationID
	return m.bus.Publish(ctx, m.subjects.ServiceResult, responseEnv)
}
