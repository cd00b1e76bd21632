package distributed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"missionctl/internal/model"
)

const (
	EventSchemaVersionV1 SchemaVersion = "1"
	EventSchemaVersionV0 SchemaVersion = "0"
)

type SchemaVersion string

type EventType string

const (
	EventTypeExecutorRegistered EventType = "executor_registered"
	EventTypeExecutorHeartbeat  EventType = "executor_heartbeat"
	EventTypeExecutorOffline    EventType = "executor_offline"
	EventTypeTaskDispatch       EventType = "task_dispatch"
	EventTypeTaskResult         EventType = "task_result"
	EventTypeServiceRequest     EventType = "service_request"
	EventTypeServiceResponse    EventType = "service_response"
)

// Capability marks a distinguishing trait of an executor, e.g. one with a
// larger context window or one dedicated to fixup rounds. Mastermind
// dispatch requires CapabilityImplement of every executor it targets.
type Capability string

const (
	CapabilityImplement Capability = "implement"
	CapabilityFixup     Capability = "fixup"
)

type EventEnvelope struct {
	SchemaVersion SchemaVersion   `json:"schema_version"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type ExecutorRegistrationPayload struct {
	ExecutorID   string            `json:"executor_id"`
	Capabilities []Capability      `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
}

type ExecutorHeartbeatPayload struct {
	ExecutorID string            `json:"executor_id"`
	SeenAt     time.Time         `json:"seen_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// WorkUnitDispatchPayload is what the Mastermind side publishes to hand a
// WorkUnit to a chosen executor: the unit itself plus the workspace path the
// executor should run the backend command against. The workspace is assumed
// reachable from the executor (shared filesystem or a pre-provisioned clone
// keyed by unit ID) — missionctl's distributed backend targets a pool of
// trusted executors on the same fileserver, not machines with no shared
// storage at all.
type WorkUnitDispatchPayload struct {
	CorrelationID        string           `json:"correlation_id"`
	Unit                 model.WorkUnit   `json:"unit"`
	Workspace            string           `json:"workspace"`
	TargetExecutorID     string           `json:"target_executor_id,omitempty"`
	RequiredCapabilities []Capability     `json:"required_capabilities,omitempty"`
}

type WorkUnitResultPayload struct {
	CorrelationID string               `json:"correlation_id"`
	ExecutorID    string               `json:"executor_id"`
	Result        model.ResultEnvelope `json:"result"`
	Error         string               `json:"error,omitempty"`
}

type ServiceRequestPayload struct {
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id"`
	ExecutorID    string            `json:"executor_id"`
	UnitID        string            `json:"unit_id"`
	Service       string            `json:"service"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type ServiceResponsePayload struct {
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id"`
	ExecutorID    string            `json:"executor_id"`
	Service       string            `json:"service"`
	Artifacts     map[string]string `json:"artifacts,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func NewEventEnvelope(typ EventType, source string, correlationID string, payload any) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return EventEnvelope{
		SchemaVersion: EventSchemaVersionV1,
		Type:          typ,
		CorrelationID: correlationID,
		Source:        strings.TrimSpace(source),
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

func ParseEventEnvelope(raw []byte) (EventEnvelope, error) {
	var evt EventEnvelope
	if err := json.Unmarshal(raw, &evt); err == nil && evt.Type != "" {
		if strings.TrimSpace(string(evt.SchemaVersion)) == "" {
			evt.SchemaVersion = EventSchemaVersionV0
		}
		return evt, nil
	}

	var legacy struct {
		Type        EventType       `json:"type"`
		Source      string          `json:"source"`
		Correlation string          `json:"correlation_id"`
		Schema      SchemaVersion   `json:"schema_version"`
		Timestamp   time.Time       `json:"timestamp"`
		TS          string          `json:"ts"`
		Payload     json.RawMessage `json:"payload"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return EventEnvelope{}, err
	}
	if legacy.Type == "" {
		return EventEnvelope{}, fmt.Errorf("missing event type")
	}
	payload := legacy.Payload
	if len(payload) == 0 {
		payload = legacy.Data
	}
	parsed := EventEnvelope{
		SchemaVersion: legacy.Schema,
		Type:          legacy.Type,
		CorrelationID: legacy.Correlation,
		Source:        legacy.Source,
		Timestamp:     legacy.Timestamp,
		Payload:       payload,
	}
	if parsed.SchemaVersion == "" {
		parsed.SchemaVersion = EventSchemaVersionV0
	}
	if parsed.Timestamp.IsZero() && strings.TrimSpace(legacy.TS) != "" {
		if parsedTS, err := time.Parse(time.RFC3339, legacy.TS); err == nil {
			parsed.Timestamp = parsedTS
		}
	}
	return parsed, nil
}
