package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/missiond/internal/bus"
)

var (
	// ErrUnknownInstance is returned for charges against untracked instances.
	ErrUnknownInstance = errors.New("budget: unknown instance")
	// ErrInstanceTerminal is returned for charges against instances already
	// cancelled or closed by the supervisor.
	ErrInstanceTerminal = errors.New("budget: instance is terminal")
)

// Canceller is the cancellation hook invoked on budget breach. The runtime
// implements it: it marks the instance Cancelled in the registry, asks the
// execution engine to stop, and feeds the reducer. Cancellation is invoked
// synchronously before the budget.exhausted event publishes.
type Canceller interface {
	CancelInstance(ctx context.Context, missionID, instanceID, reason string) error
}

// Reasons passed to the Canceller.
const (
	ReasonBudgetExhausted        = "budget_exhausted"
	ReasonMissionBudgetExhausted = "mission_budget_exhausted"
)

// Outcome is the result of a charge.
type Outcome struct {
	Exhausted bool   // true if this charge breached a dimension
	Dimension string // breaching dimension when Exhausted
	Usage     Usage  // usage after the charge
}

// Config holds the dependencies for the Supervisor.
type Config struct {
	Bus       *bus.Bus
	Logger    *slog.Logger
	Canceller Canceller
	// SnapshotMinInterval is the minimum gap between budget.usage snapshots
	// per instance. Defaults to 5s.
	SnapshotMinInterval time.Duration
	// SnapshotDeltaPercent is the relative cost change (in percent) that must
	// accumulate before a snapshot is due. Defaults to 10.
	SnapshotDeltaPercent float64
	// CostPer1KTokens is the flat fallback rate for unknown models.
	CostPer1KTokens float64
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

type instanceAccount struct {
	mu        sync.Mutex
	missionID string
	limit     Limit
	usage     Usage
	terminal  bool

	lastSnapshotAt   time.Time
	lastSnapshotCost float64
}

type missionAccount struct {
	mu       sync.Mutex
	total    Limit
	order    []string // instance IDs in registry insertion order
	usage    map[string]Usage
	dead     map[string]bool
	breached bool
}

// Supervisor tracks per-instance and per-mission usage. Charges on one
// instance are applied sequentially under that instance's lock; charges
// across instances proceed in parallel.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*instanceAccount
	missions  map[string]*missionAccount

	bus       *bus.Bus
	logger    *slog.Logger
	canceller Canceller
	clock     func() time.Time

	snapshotMinInterval  time.Duration
	snapshotDeltaPercent float64
	costPer1K            float64
}

// NewSupervisor creates a Supervisor with the given config.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	minInterval := cfg.SnapshotMinInterval
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	deltaPct := cfg.SnapshotDeltaPercent
	if deltaPct <= 0 {
		deltaPct = 10
	}
	return &Supervisor{
		instances:            make(map[string]*instanceAccount),
		missions:             make(map[string]*missionAccount),
		bus:                  cfg.Bus,
		logger:               logger,
		canceller:            cfg.Canceller,
		clock:                clock,
		snapshotMinInterval:  minInterval,
		snapshotDeltaPercent: deltaPct,
		costPer1K:            cfg.CostPer1KTokens,
	}
}

// SetCanceller wires the cancellation hook after construction. The runtime
// depends on the supervisor, so the hook arrives late.
func (s *Supervisor) SetCanceller(c Canceller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceller = c
}

// SetMissionBudget registers (or replaces) the mission total budget.
func (s *Supervisor) SetMissionBudget(missionID string, total Limit) {
	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	ma.total = total
	ma.mu.Unlock()
}

// Track registers an instance under a mission. Registration order defines
// the deterministic cascade order on mission budget exhaustion.
func (s *Supervisor) Track(missionID, instanceID string, limit Limit) {
	s.mu.Lock()
	if _, ok := s.instances[instanceID]; ok {
		s.mu.Unlock()
		return
	}
	s.instances[instanceID] = &instanceAccount{missionID: missionID, limit: limit}
	s.mu.Unlock()

	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	ma.order = append(ma.order, instanceID)
	ma.usage[instanceID] = Usage{}
	ma.mu.Unlock()
}

// Close marks an instance terminal: it stops accepting charges and is
// excluded from the mission aggregate. Idempotent.
func (s *Supervisor) Close(instanceID string) {
	s.mu.RLock()
	acct, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	acct.mu.Lock()
	acct.terminal = true
	missionID := acct.missionID
	acct.mu.Unlock()

	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	ma.dead[instanceID] = true
	ma.mu.Unlock()
}

// DropMission removes all accounting for a deleted mission.
func (s *Supervisor) DropMission(missionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ma, ok := s.missions[missionID]
	if !ok {
		return
	}
	for _, id := range ma.order {
		delete(s.instances, id)
	}
	delete(s.missions, missionID)
}

// UsageFor returns the current usage for an instance.
func (s *Supervisor) UsageFor(instanceID string) (Usage, bool) {
	s.mu.RLock()
	acct, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return Usage{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.usage, true
}

// RemainingFor returns the headroom left for an instance, for child budget
// derivation at spawn time.
func (s *Supervisor) RemainingFor(instanceID string) (Limit, bool) {
	s.mu.RLock()
	acct, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return Limit{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.limit.Remaining(acct.usage), true
}

// MissionUsage returns the aggregate usage over non-cancelled instances and
// the mission total budget.
func (s *Supervisor) MissionUsage(missionID string) (Usage, Limit) {
	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.aggregateLocked(), ma.total
}

// MissionBreached reports whether the mission total has ever been breached.
// The latch survives the cascade: once every instance is cancelled the
// aggregate over live instances drops back toward zero, and an exhausted
// mission must not look affordable again.
func (s *Supervisor) MissionBreached(missionID string) bool {
	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.breached
}

// Charge applies a usage delta to an instance. Each dimension is checked
// after the charge; the first breach cancels the instance via the Canceller
// before budget.exhausted publishes. The mission aggregate is recomputed on
// every charge; a mission-level breach cascades cancellation over every
// instance in registry insertion order.
func (s *Supervisor) Charge(ctx context.Context, instanceID string, d Delta) (Outcome, error) {
	s.mu.RLock()
	acct, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return Outcome{}, ErrUnknownInstance
	}

	acct.mu.Lock()
	if acct.terminal {
		acct.mu.Unlock()
		return Outcome{}, ErrInstanceTerminal
	}
	cost := EstimateCost(d, s.costPer1K)
	acct.usage.Add(d, cost)
	usage := acct.usage
	missionID := acct.missionID
	dim, breached := acct.limit.Exceeded(usage)
	if breached {
		acct.terminal = true
	}
	limit := acct.limit
	acct.mu.Unlock()

	// Update the mission-side usage cache.
	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	ma.usage[instanceID] = usage
	if breached {
		ma.dead[instanceID] = true
	}
	aggregate := ma.aggregateLocked()
	missionDim, missionBreached := ma.total.Exceeded(aggregate)
	if missionBreached && !ma.breached {
		ma.breached = true
	} else {
		missionBreached = false
	}
	ma.mu.Unlock()

	if breached {
		// Cancel-first: the instance must be cancelled before the
		// budget.exhausted event is considered delivered.
		s.cancel(ctx, missionID, instanceID, ReasonBudgetExhausted)
		s.publishExhausted(missionID, instanceID, dim, usage, limit)
		s.logger.Warn("budget exhausted",
			"instance_id", instanceID,
			"mission_id", missionID,
			"dimension", dim,
		)
	}

	// A single charge can breach both the instance limit and the mission
	// total; the mission-wide cascade must still fire, or the latch would
	// swallow it forever.
	if missionBreached {
		cancelled := s.cascadeMission(ctx, missionID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicMissionBudgetExhausted, bus.MissionBudgetExhaustedEvent{
				MissionID: missionID,
				Dimension: missionDim,
				CostUSD:   aggregate.CostUSD,
				Cancelled: cancelled,
			})
		}
		s.logger.Warn("mission budget exhausted",
			"mission_id", missionID,
			"dimension", missionDim,
			"cancelled", cancelled,
		)
	}

	if breached {
		return Outcome{Exhausted: true, Dimension: dim, Usage: usage}, nil
	}
	if missionBreached {
		return Outcome{Exhausted: true, Dimension: missionDim, Usage: usage}, nil
	}

	// Exhaustion takes strict precedence over snapshots; only a clean charge
	// may emit a throttled budget.usage event.
	s.maybeSnapshot(acct, missionID, instanceID, usage, aggregate)
	return Outcome{Usage: usage}, nil
}

// cascadeMission cancels every non-terminal instance of a mission in
// registry insertion order. Returns the number cancelled.
func (s *Supervisor) cascadeMission(ctx context.Context, missionID string) int {
	ma := s.missionAccount(missionID)
	ma.mu.Lock()
	var targets []string
	for _, id := range ma.order {
		if ma.dead[id] {
			continue
		}
		ma.dead[id] = true
		targets = append(targets, id)
	}
	ma.mu.Unlock()

	for _, id := range targets {
		s.mu.RLock()
		acct, ok := s.instances[id]
		s.mu.RUnlock()
		if ok {
			acct.mu.Lock()
			acct.terminal = true
			acct.mu.Unlock()
		}
		s.cancel(ctx, missionID, id, ReasonMissionBudgetExhausted)
	}
	return len(targets)
}

func (s *Supervisor) cancel(ctx context.Context, missionID, instanceID, reason string) {
	s.mu.RLock()
	canceller := s.canceller
	s.mu.RUnlock()
	if canceller == nil {
		return
	}
	if err := canceller.CancelInstance(ctx, missionID, instanceID, reason); err != nil {
		s.logger.Error("budget: cancel instance failed",
			"instance_id", instanceID,
			"reason", reason,
			"error", err,
		)
	}
}

func (s *Supervisor) publishExhausted(missionID, instanceID, dim string, usage Usage, limit Limit) {
	if s.bus == nil {
		return
	}
	var used, lim int64
	switch dim {
	case DimTokens:
		used, lim = usage.Tokens, limit.MaxTokens
	case DimSteps:
		used, lim = usage.Steps, limit.MaxSteps
	case DimToolCalls:
		used, lim = usage.ToolCalls, limit.MaxToolCalls
	case DimDurationMS:
		used, lim = usage.DurationMS, limit.MaxDurationMS
	case DimCostUSD:
		// Cost is reported in micro-USD to keep the payload integral.
		used, lim = int64(usage.CostUSD*1e6), int64(limit.MaxCostUSD*1e6)
	}
	s.bus.Publish(bus.TopicBudgetExhausted, bus.BudgetExhaustedEvent{
		MissionID:  missionID,
		InstanceID: instanceID,
		Dimension:  dim,
		Used:       used,
		Limit:      lim,
	})
}

// maybeSnapshot publishes a budget.usage event when both the minimum
// interval and the relative cost change threshold are met.
func (s *Supervisor) maybeSnapshot(acct *instanceAccount, missionID, instanceID string, usage Usage, aggregate Usage) {
	if s.bus == nil {
		return
	}
	now := s.clock()

	acct.mu.Lock()
	due := acct.lastSnapshotAt.IsZero() || now.Sub(acct.lastSnapshotAt) >= s.snapshotMinInterval
	if due && !acct.lastSnapshotAt.IsZero() && acct.lastSnapshotCost > 0 {
		change := (usage.CostUSD - acct.lastSnapshotCost) / acct.lastSnapshotCost * 100
		if change < s.snapshotDeltaPercent {
			due = false
		}
	}
	if due {
		acct.lastSnapshotAt = now
		acct.lastSnapshotCost = usage.CostUSD
	}
	acct.mu.Unlock()

	if !due {
		return
	}
	s.bus.Publish(bus.TopicBudgetUsage, bus.BudgetUsageEvent{
		MissionID:    missionID,
		InstanceID:   instanceID,
		Tokens:       usage.Tokens,
		Steps:        usage.Steps,
		ToolCalls:    usage.ToolCalls,
		DurationMs:   usage.DurationMS,
		CostUSD:      usage.CostUSD,
		MissionTotal: aggregate.CostUSD,
	})
}

func (s *Supervisor) missionAccount(missionID string) *missionAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	ma, ok := s.missions[missionID]
	if !ok {
		ma = &missionAccount{
			usage: make(map[string]Usage),
			dead:  make(map[string]bool),
		}
		s.missions[missionID] = ma
	}
	return ma
}

// aggregateLocked sums usage over non-cancelled instances. Caller holds ma.mu.
func (ma *missionAccount) aggregateLocked() Usage {
	var agg Usage
	for _, id := range ma.order {
		if ma.dead[id] {
			continue
		}
		agg.AddUsage(ma.usage[id])
	}
	return agg
}
