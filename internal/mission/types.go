// Package mission holds the pure state machine for a mission's work-item
// graph. Apply has no I/O and is deterministic: replaying a mission's event
// log from an empty state reconstructs an identical MissionState.
package mission

import (
	"time"

	"github.com/basket/missiond/internal/budget"
)

// Mission statuses.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Work-item statuses.
type ItemStatus string

const (
	ItemPending    ItemStatus = "PENDING"
	ItemReady      ItemStatus = "READY"
	ItemInProgress ItemStatus = "IN_PROGRESS"
	ItemInReview   ItemStatus = "IN_REVIEW"
	ItemInTest     ItemStatus = "IN_TEST"
	ItemReworking  ItemStatus = "REWORKING"
	ItemCompleted  ItemStatus = "COMPLETED"
	ItemFailed     ItemStatus = "FAILED"
	ItemCancelled  ItemStatus = "CANCELLED"
)

// terminal reports whether an item status admits no further transitions.
func (s ItemStatus) terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// Gates configures the sign-off chain for a role: a submitted item passes
// review, then test, skipping whichever gate is absent.
type Gates struct {
	Review bool `json:"review" yaml:"review"`
	Test   bool `json:"test" yaml:"test"`
}

// ItemSpec declares one work item in a mission spec.
type ItemSpec struct {
	ID        string   `json:"id" yaml:"id"`
	Role      string   `json:"role" yaml:"role"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
}

// Spec is the immutable mission definition.
type Spec struct {
	MissionID string     `json:"mission_id" yaml:"mission_id"`
	Goal      string     `json:"goal" yaml:"goal"`
	WorkItems []ItemSpec `json:"work_items" yaml:"work_items"`
	// RoleGates maps a role to its review/test gate configuration.
	RoleGates map[string]Gates `json:"role_gates,omitempty" yaml:"role_gates"`
	// TotalBudget is the optional mission-wide resource ceiling.
	TotalBudget budget.Limit `json:"total_budget,omitempty" yaml:"total_budget"`
	// MaxReworkAttempts bounds the reject/rework loop per item. Defaults to 3.
	MaxReworkAttempts int `json:"max_rework_attempts,omitempty" yaml:"max_rework_attempts"`
}

const defaultMaxReworkAttempts = 3

// WorkItem is the mutable per-item state, owned exclusively by the reducer.
type WorkItem struct {
	ID              string     `json:"id"`
	Role            string     `json:"role"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Status          ItemStatus `json:"status"`
	OwnerInstanceID string     `json:"owner_instance_id,omitempty"`
	ReworkAttempts  int        `json:"rework_attempts"`
}

// State is the full mission state the reducer advances.
type State struct {
	MissionID string               `json:"mission_id"`
	Goal      string               `json:"goal"`
	Status    Status               `json:"status"`
	Items     map[string]*WorkItem `json:"items"`
	// Order preserves work-item declaration order for deterministic
	// command emission.
	Order             []string         `json:"order"`
	RoleGates         map[string]Gates `json:"role_gates,omitempty"`
	MaxReworkAttempts int              `json:"max_rework_attempts"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NewState builds the initial planning-phase state from a spec.
func NewState(spec Spec, at time.Time) State {
	maxRework := spec.MaxReworkAttempts
	if maxRework <= 0 {
		maxRework = defaultMaxReworkAttempts
	}
	items := make(map[string]*WorkItem, len(spec.WorkItems))
	order := make([]string, 0, len(spec.WorkItems))
	for _, is := range spec.WorkItems {
		items[is.ID] = &WorkItem{
			ID:        is.ID,
			Role:      is.Role,
			DependsOn: append([]string(nil), is.DependsOn...),
			Status:    ItemPending,
		}
		order = append(order, is.ID)
	}
	gates := make(map[string]Gates, len(spec.RoleGates))
	for role, g := range spec.RoleGates {
		gates[role] = g
	}
	return State{
		MissionID:         spec.MissionID,
		Goal:              spec.Goal,
		Status:            StatusPlanning,
		Items:             items,
		Order:             order,
		RoleGates:         gates,
		MaxReworkAttempts: maxRework,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// clone deep-copies the state so Apply never mutates its input.
func (s State) clone() State {
	out := s
	out.Items = make(map[string]*WorkItem, len(s.Items))
	for id, item := range s.Items {
		cp := *item
		cp.DependsOn = append([]string(nil), item.DependsOn...)
		out.Items[id] = &cp
	}
	out.Order = append([]string(nil), s.Order...)
	out.RoleGates = make(map[string]Gates, len(s.RoleGates))
	for role, g := range s.RoleGates {
		out.RoleGates[role] = g
	}
	return out
}

// gatesFor returns the gate chain for a role; roles without configuration
// have no gates.
func (s State) gatesFor(role string) Gates {
	return s.RoleGates[role]
}
