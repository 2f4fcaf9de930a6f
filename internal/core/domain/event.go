package domain

import "time"

// EventType identifies a bus event.
type EventType string

// Events published by the core.
const (
	EventSessionCreated       EventType = "session_created"
	EventMethodSelected       EventType = "method_selected"
	EventCodeRequested        EventType = "code_requested"
	EventCodeRequestFailed    EventType = "code_request_failed"
	EventAttemptSuccess       EventType = "attempt_success"
	EventAttemptFailed        EventType = "attempt_failed"
	EventAttemptDeferred      EventType = "attempt_deferred"
	EventSessionFailed        EventType = "session_failed"
	EventSessionCancelled     EventType = "session_cancelled"
	EventSessionVerified      EventType = "session_verified"
	EventPatternDetected      EventType = "pattern_detected"
	EventCircuitBreakerOpened EventType = "circuit_breaker_opened"
	EventProcessCrashed       EventType = "process_crashed"
	EventProcessUnhealthy     EventType = "process_unhealthy"
	EventProcessRecovered     EventType = "process_recovered"
	EventResourceAlert        EventType = "resource_alert"
	EventSystemAlert          EventType = "system_alert"
)

// Events consumed by the core from external collaborators.
const (
	EventAttemptDispatched EventType = "attempt_dispatched"
	EventAttemptCompleted  EventType = "attempt_completed"
	EventDeliveryRequested EventType = "delivery_requested"
	EventDeliveryCompleted EventType = "delivery_completed"
	EventTwoFactorRequired EventType = "second_factor_required"
	EventWorkerStarted     EventType = "worker_started"
	EventWorkerStopped     EventType = "worker_stopped"
)

// Event is the unit of communication on the bus. Identifier fields carry
// enough context for subscribers to correlate across subsystems.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Account   string         `json:"account,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Field returns a string field from the event payload, or "" when absent.
func (e Event) Field(key string) string {
	if e.Fields == nil {
		return ""
	}
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}
