package events

// EventData is the interface that all typed event data types implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SaleDetectedData contains data for SaleDetected events
type SaleDetectedData struct {
	UserID      int64  `json:"user_id"`
	ListingID   int64  `json:"listing_id"`
	Marketplace string `json:"marketplace"`
	ExternalID  string `json:"external_id"`
	EventID     int64  `json:"event_id"`
}

// EventType returns the event type for SaleDetectedData
func (d *SaleDetectedData) EventType() EventType { return SaleDetected }

// RuleFiredData contains data for RuleFired events
type RuleFiredData struct {
	RuleID     int64  `json:"rule_id"`
	ScheduleID int64  `json:"schedule_id"`
	RuleType   string `json:"rule_type"`
}

// EventType returns the event type for RuleFiredData
func (d *RuleFiredData) EventType() EventType { return RuleFired }

// RuleCompletedData contains data for RuleCompleted events
type RuleCompletedData struct {
	RuleID    int64  `json:"rule_id"`
	Status    string `json:"status"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// EventType returns the event type for RuleCompletedData
func (d *RuleCompletedData) EventType() EventType { return RuleCompleted }

// SyncJobCompletedData contains data for SyncJobCompleted events
type SyncJobCompletedData struct {
	SyncJobID string `json:"sync_job_id"`
	ListingID int64  `json:"listing_id"`
	Status    string `json:"status"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
}

// EventType returns the event type for SyncJobCompletedData
func (d *SyncJobCompletedData) EventType() EventType { return SyncJobCompleted }

// CircuitStateChangedData contains data for CircuitStateChanged events
type CircuitStateChangedData struct {
	Marketplace string `json:"marketplace"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// EventType returns the event type for CircuitStateChangedData
func (d *CircuitStateChangedData) EventType() EventType { return CircuitStateChanged }

// ConnectionDisabledData contains data for ConnectionDisabled events
type ConnectionDisabledData struct {
	UserID      int64  `json:"user_id"`
	Marketplace string `json:"marketplace"`
	Reason      string `json:"reason"`
}

// EventType returns the event type for ConnectionDisabledData
func (d *ConnectionDisabledData) EventType() EventType { return ConnectionDisabled }

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
