package mission

import "time"

// EventType enumerates the reducer's input events. The set is closed:
// Apply rejects anything else with ErrInvalidEvent.
type EventType string

const (
	// EventMissionStarted moves a mission from planning to executing and
	// releases dependency-free items.
	EventMissionStarted EventType = "mission_started"
	// EventWorkItemClaimed records that an instance took ownership of a
	// ready or reworking item.
	EventWorkItemClaimed EventType = "work_item_claimed"
	// EventWorkItemSubmitted is the owner handing the item over to its
	// gate chain.
	EventWorkItemSubmitted EventType = "work_item_submitted"
	EventReviewApproved    EventType = "review_approved"
	EventReviewRejected    EventType = "review_rejected"
	EventTestApproved      EventType = "test_approved"
	EventTestRejected      EventType = "test_rejected"
	// EventBudgetExhausted marks the owning item failed after the budget
	// supervisor already cancelled the instance. An empty InstanceID means
	// the mission-wide budget breached and every live item stops.
	EventBudgetExhausted EventType = "budget_exhausted"
	EventMissionCanceled EventType = "mission_cancelled"
)

// Event is one entry in a mission's durable event log. Fields beyond Type,
// MissionID and At are populated per event type.
type Event struct {
	Type       EventType `json:"type"`
	MissionID  string    `json:"mission_id"`
	ItemID     string    `json:"item_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// CommandType enumerates the side effects the reducer asks the runtime to
// perform. The reducer itself never performs them.
type CommandType string

const (
	// CommandSpawnWorkItem requests an agent for a newly-ready item.
	CommandSpawnWorkItem CommandType = "spawn_work_item"
	// CommandRespawnWorkItem requests a rework pass after a gate rejection.
	CommandRespawnWorkItem CommandType = "respawn_work_item"
	// CommandCancelInstance stops the named instance. Cancellation is
	// idempotent, so re-emitting it for an already-stopped instance is safe.
	CommandCancelInstance CommandType = "cancel_instance"
)

// Command is an effect emitted by Apply for the runtime to execute.
type Command struct {
	Type       CommandType `json:"type"`
	ItemID     string      `json:"item_id,omitempty"`
	Role       string      `json:"role,omitempty"`
	InstanceID string      `json:"instance_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
}
