package bus

// Spawn lifecycle topics.
const (
	TopicSpawnRequested = "spawn.requested"
	TopicSpawnDenied    = "spawn.denied"
	TopicSpawnApproved  = "spawn.approved"
)

// Instance lifecycle topics.
const (
	TopicInstanceStarted   = "instance.started"
	TopicInstanceCompleted = "instance.completed"
	TopicInstanceFailed    = "instance.failed"
	TopicInstanceCancelled = "instance.cancelled"
)

// Budget topics.
const (
	TopicBudgetUsage            = "budget.usage"
	TopicBudgetExhausted        = "budget.exhausted"
	TopicMissionBudgetExhausted = "mission.budget.exhausted"
)

// Capability and routine topics.
const (
	TopicCapabilityDenied        = "capability.denied"
	TopicRoutineFired            = "routine.fired"
	TopicRoutineApprovalRequired = "routine.approval_required"
	TopicRoutineBlocked          = "routine.blocked"
)

// SpawnDecisionEvent is published for every Spawn Gate evaluation outcome.
type SpawnDecisionEvent struct {
	MissionID   string // Owning mission
	RequesterID string // Parent instance ID ("" for root spawns)
	Role        string // Requested role
	Caller      string // ui, tool, runtime, or routine (audit only)
	Outcome     string // allow, deny, or requires_approval
	Code        string // Stable decision code
	InstanceID  string // Draft instance ID on allow
	ApprovalID  string // Approval record ID on requires_approval
}

// InstanceLifecycleEvent is published on instance state transitions.
type InstanceLifecycleEvent struct {
	MissionID  string // Owning mission
	InstanceID string // Instance ID
	Role       string // Instance role
	OldStatus  string // Previous status (e.g. QUEUED)
	NewStatus  string // New status (e.g. RUNNING)
	Reason     string // Transition reason ("" for normal progress)
}

// BudgetUsageEvent is a throttled usage snapshot for one instance.
type BudgetUsageEvent struct {
	MissionID    string  // Owning mission
	InstanceID   string  // Instance ID
	Tokens       int64   // Tokens used so far
	Steps        int64   // Reasoning steps used so far
	ToolCalls    int64   // Tool calls used so far
	DurationMs   int64   // Wall time consumed so far
	CostUSD      float64 // Estimated cost so far
	MissionTotal float64 // Mission aggregate cost
}

// BudgetExhaustedEvent is published when an instance breaches a budget dimension.
type BudgetExhaustedEvent struct {
	MissionID  string // Owning mission
	InstanceID string // Breaching instance
	Dimension  string // tokens, steps, tool_calls, duration_ms, or cost_usd
	Used       int64  // Units consumed at breach (cost in micro-USD)
	Limit      int64  // Configured ceiling for the dimension
}

// MissionBudgetExhaustedEvent is published when mission aggregate usage
// breaches the mission total budget.
type MissionBudgetExhaustedEvent struct {
	MissionID string  // Mission whose aggregate breached
	Dimension string  // Breaching dimension
	CostUSD   float64 // Aggregate cost at breach
	Cancelled int     // Instances cancelled by the cascade
}

// CapabilityDeniedEvent is published when the guard refuses an action.
type CapabilityDeniedEvent struct {
	InstanceID string // Acting instance
	Kind       string // tool, filesystem, network, secret, or git
	Target     string // Tool name, path, host, alias, or remote
	Code       string // Stable denial code
}

// RoutineFireEvent is published on every routine fire attempt.
type RoutineFireEvent struct {
	RoutineID    string   // Routine definition ID
	RunID        string   // This fire's run record ID
	Outcome      string   // fired, approval_required, or blocked
	AllowedTools []string // Tools frozen at fire time
	MissionID    string   // Mission created by the fire ("" if parked)
	ApprovalID   string   // Approval record when parked
}
