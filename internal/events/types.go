// Package events provides the in-process event bus connecting ingestion,
// scheduling, and execution.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Ingestion events
	WebhookReceived EventType = "WEBHOOK_RECEIVED"
	SaleDetected    EventType = "SALE_DETECTED"
	ListingEnded    EventType = "LISTING_ENDED"

	// Execution events
	RuleFired        EventType = "RULE_FIRED"
	RuleCompleted    EventType = "RULE_COMPLETED"
	RuleDisabled     EventType = "RULE_DISABLED"
	SyncJobCompleted EventType = "SYNC_JOB_COMPLETED"
	JobDeadLettered  EventType = "JOB_DEAD_LETTERED"

	// Health events
	CircuitStateChanged EventType = "CIRCUIT_STATE_CHANGED"
	ConnectionDisabled  EventType = "CONNECTION_DISABLED"
	EmergencyStopSet    EventType = "EMERGENCY_STOP_SET"
	EmergencyStopLifted EventType = "EMERGENCY_STOP_LIFTED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event represents a system event with loosely-typed data.
// Data keys are stable per event type; see event_data.go for the typed forms.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
