// Package runtime ties the pieces together: it owns per-mission
// serialization, commits reducer events before executing their commands,
// and exposes the operation surface callers use.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/missiond/internal/approval"
	"github.com/basket/missiond/internal/budget"
	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/capability"
	"github.com/basket/missiond/internal/mission"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/registry"
	"github.com/basket/missiond/internal/shared"
	"github.com/basket/missiond/internal/spawn"
	"github.com/basket/missiond/internal/template"
)

// ExecutionEngine runs admitted instances. The runtime never blocks on it:
// Start is expected to return once the run is launched, and the engine
// reports progress back through mission events and ReportInstanceDone.
type ExecutionEngine interface {
	Start(ctx context.Context, inst persistence.InstanceRecord, tmpl template.AgentTemplate) error
	StopInstance(ctx context.Context, instanceID, reason string) error
}

// Config holds the runtime's collaborators.
type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Gate      *spawn.Gate
	Budgets   *budget.Supervisor
	Registry  *registry.Registry
	Approvals *approval.Service
	Templates *template.Library
	Guard     *capability.Guard
	Engine    ExecutionEngine
	Tools     ToolExecutor
	Logger    *slog.Logger

	// ApprovalTTL is applied to spawn approvals parked by the gate.
	// Zero means they never expire.
	ApprovalTTL time.Duration
}

type Runtime struct {
	store     *persistence.Store
	bus       *bus.Bus
	gate      *spawn.Gate
	budgets   *budget.Supervisor
	registry  *registry.Registry
	approvals *approval.Service
	templates *template.Library
	guard     *capability.Guard
	engine    ExecutionEngine
	tools     ToolExecutor
	logger    *slog.Logger

	approvalTTL time.Duration

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex

	stop     context.CancelFunc
	loopDone chan struct{}
}

func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		store:       cfg.Store,
		bus:         cfg.Bus,
		gate:        cfg.Gate,
		budgets:     cfg.Budgets,
		registry:    cfg.Registry,
		approvals:   cfg.Approvals,
		templates:   cfg.Templates,
		guard:       cfg.Guard,
		engine:      cfg.Engine,
		tools:       cfg.Tools,
		logger:      logger,
		approvalTTL: cfg.ApprovalTTL,
		missionMu:   make(map[string]*sync.Mutex),
	}
	if r.approvals != nil {
		r.approvals.RegisterResumer(persistence.ApprovalKindSpawn, r.resumeSpawn)
		r.approvals.RegisterResumer(persistence.ApprovalKindTool, r.resumeTool)
		r.approvals.RegisterResumer(persistence.ApprovalKindRoutine, r.resumeRoutine)
	}
	return r
}

// lockMission returns the unlock for a mission's single-writer lock. All
// reducer applies and spawn admissions for one mission happen under it.
func (r *Runtime) lockMission(missionID string) func() {
	r.mu.Lock()
	mu, ok := r.missionMu[missionID]
	if !ok {
		mu = &sync.Mutex{}
		r.missionMu[missionID] = mu
	}
	r.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// CreateMission validates and persists a new mission in planning state.
func (r *Runtime) CreateMission(ctx context.Context, spec mission.Spec) (mission.State, error) {
	if spec.MissionID == "" {
		spec.MissionID = uuid.NewString()
	}
	state := mission.NewState(spec, time.Now().UTC())
	if err := r.store.CreateMission(ctx, spec, state); err != nil {
		return mission.State{}, err
	}
	if !spec.TotalBudget.IsZero() {
		r.budgets.SetMissionBudget(spec.MissionID, spec.TotalBudget)
	}
	r.logger.Info("mission created",
		"mission_id", spec.MissionID,
		"items", len(spec.WorkItems),
		"trace_id", shared.TraceID(ctx),
	)
	return state, nil
}

// StartMission moves a mission into executing and spawns agents for its
// dependency-free items.
func (r *Runtime) StartMission(ctx context.Context, missionID string) (mission.State, error) {
	return r.ApplyMissionEvent(ctx, mission.Event{
		Type:      mission.EventMissionStarted,
		MissionID: missionID,
		At:        time.Now().UTC(),
	})
}

// CancelMission cancels every live instance of a mission and marks it
// cancelled.
func (r *Runtime) CancelMission(ctx context.Context, missionID, reason string) (mission.State, error) {
	state, err := r.ApplyMissionEvent(ctx, mission.Event{
		Type:      mission.EventMissionCanceled,
		MissionID: missionID,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return state, err
	}
	r.budgets.DropMission(missionID)
	return state, nil
}

// ApplyMissionEvent is the reducer bridge: load the current state, apply
// the event, commit event and snapshot durably, then execute the emitted
// commands. Invalid events change nothing and return
// mission.ErrInvalidEvent.
func (r *Runtime) ApplyMissionEvent(ctx context.Context, ev mission.Event) (mission.State, error) {
	unlock := r.lockMission(ev.MissionID)
	defer unlock()

	_, state, err := r.store.GetMission(ctx, ev.MissionID)
	if err != nil {
		return mission.State{}, err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	next, commands, err := mission.Apply(state, ev)
	if err != nil {
		if errors.Is(err, mission.ErrInvalidEvent) {
			r.logger.Warn("mission event rejected",
				"mission_id", ev.MissionID,
				"event_type", string(ev.Type),
				"error", err,
			)
			return state, err
		}
		return state, err
	}

	eventID, err := r.store.CommitMissionEvent(ctx, ev, next)
	if err != nil {
		return state, fmt.Errorf("commit mission event: %w", err)
	}

	r.executeCommands(ctx, next, commands)

	r.logger.Info("mission event applied",
		"mission_id", ev.MissionID,
		"event_type", string(ev.Type),
		"event_id", eventID,
		"status", string(next.Status),
		"commands", len(commands),
		"trace_id", shared.TraceID(ctx),
	)
	return next, nil
}

// executeCommands performs the reducer's side effects. Effects run after
// the durable commit: a crash between commit and execution is repaired by
// startup recovery, never by losing the event.
func (r *Runtime) executeCommands(ctx context.Context, state mission.State, commands []mission.Command) {
	for _, cmd := range commands {
		switch cmd.Type {
		case mission.CommandSpawnWorkItem, mission.CommandRespawnWorkItem:
			r.spawnForItem(ctx, state, cmd)
		case mission.CommandCancelInstance:
			if err := r.registry.CancelInstance(ctx, state.MissionID, cmd.InstanceID, cmd.Reason); err != nil {
				r.logger.Warn("cancel command failed",
					"mission_id", state.MissionID,
					"instance_id", cmd.InstanceID,
					"error", err,
				)
			}
			r.budgets.Close(cmd.InstanceID)
			if r.guard != nil {
				r.guard.Drop(cmd.InstanceID)
			}
		default:
			r.logger.Error("unknown reducer command", "command", string(cmd.Type))
		}
	}
}

// spawnForItem runs a reducer-initiated spawn through the same gate as
// every other caller.
func (r *Runtime) spawnForItem(ctx context.Context, state mission.State, cmd mission.Command) {
	res, err := r.spawnLocked(ctx, SpawnRequest{
		MissionID: state.MissionID,
		Role:      cmd.Role,
		Caller:    shared.CallerRuntime,
		ItemID:    cmd.ItemID,
	})
	if err != nil {
		r.logger.Error("work item spawn failed",
			"mission_id", state.MissionID,
			"item_id", cmd.ItemID,
			"role", cmd.Role,
			"error", err,
		)
		return
	}
	if !res.Decision.Allowed() {
		r.logger.Warn("work item spawn not admitted",
			"mission_id", state.MissionID,
			"item_id", cmd.ItemID,
			"role", cmd.Role,
			"outcome", res.Decision.Outcome,
			"code", res.Decision.Code,
		)
	}
}

// ReportInstanceDone is the engine's terminal report: the registry keeps
// its terminal-sticky status, the budget account closes, and capability
// grants drop.
func (r *Runtime) ReportInstanceDone(ctx context.Context, instanceID string, status persistence.InstanceStatus, reason string) error {
	if err := r.registry.Reconcile(ctx, instanceID, status, reason); err != nil {
		return err
	}
	r.budgets.Close(instanceID)
	if r.guard != nil {
		r.guard.Drop(instanceID)
	}
	return nil
}

// CancelInstance stops one instance on operator request.
func (r *Runtime) CancelInstance(ctx context.Context, missionID, instanceID, reason string) error {
	if err := r.registry.CancelInstance(ctx, missionID, instanceID, reason); err != nil {
		return err
	}
	r.budgets.Close(instanceID)
	if r.guard != nil {
		r.guard.Drop(instanceID)
	}
	return nil
}

// ApproveSpawn resolves a parked spawn approval and admits the instance.
func (r *Runtime) ApproveSpawn(ctx context.Context, approvalID, resolvedBy, reason string) (persistence.ApprovalRecord, error) {
	return r.approvals.Approve(ctx, approvalID, resolvedBy, reason)
}

// DenySpawn resolves a parked spawn approval without admitting anything.
func (r *Runtime) DenySpawn(ctx context.Context, approvalID, resolvedBy, reason string) (persistence.ApprovalRecord, error) {
	return r.approvals.Deny(ctx, approvalID, resolvedBy, reason)
}

func (r *Runtime) GetMission(ctx context.Context, missionID string) (mission.Spec, mission.State, error) {
	return r.store.GetMission(ctx, missionID)
}

func (r *Runtime) ListMissions(ctx context.Context) ([]persistence.MissionRecord, error) {
	return r.store.ListMissions(ctx)
}

func (r *Runtime) ListInstances(missionID string) []persistence.InstanceRecord {
	return r.registry.List(missionID)
}

func (r *Runtime) ListTemplates() []template.AgentTemplate {
	return r.templates.List()
}

func (r *Runtime) ListApprovals(ctx context.Context, status persistence.ApprovalStatus) ([]persistence.ApprovalRecord, error) {
	return r.approvals.List(ctx, status)
}

// Start subscribes the runtime to budget exhaustion topics so breaches
// reach the reducer.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)
	sub := r.bus.Subscribe("budget.exhausted")
	missionSub := r.bus.Subscribe(bus.TopicMissionBudgetExhausted)
	r.loopDone = make(chan struct{})
	go func() {
		defer close(r.loopDone)
		defer r.bus.Unsubscribe(sub)
		defer r.bus.Unsubscribe(missionSub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if payload, ok := ev.Payload.(bus.BudgetExhaustedEvent); ok {
					r.onBudgetExhausted(ctx, payload.MissionID, payload.InstanceID, payload.Dimension)
				}
			case ev, ok := <-missionSub.Ch():
				if !ok {
					return
				}
				if payload, ok := ev.Payload.(bus.MissionBudgetExhaustedEvent); ok {
					r.onBudgetExhausted(ctx, payload.MissionID, "", payload.Dimension)
				}
			}
		}
	}()
}

// Stop halts the event loop.
func (r *Runtime) Stop() {
	if r.stop != nil {
		r.stop()
		<-r.loopDone
	}
}

// onBudgetExhausted feeds a supervisor breach into the reducer. The
// supervisor already cancelled the instance; the reducer only records the
// consequence for the owning work item (or the whole mission).
func (r *Runtime) onBudgetExhausted(ctx context.Context, missionID, instanceID, dimension string) {
	if missionID == "" {
		return
	}
	_, err := r.ApplyMissionEvent(ctx, mission.Event{
		Type:       mission.EventBudgetExhausted,
		MissionID:  missionID,
		InstanceID: instanceID,
		Reason:     dimension,
		At:         time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, mission.ErrInvalidEvent) {
		r.logger.Error("budget exhaustion event failed",
			"mission_id", missionID,
			"instance_id", instanceID,
			"error", err,
		)
	}
}

// Recover restores state after a restart: the registry reloads and fails
// orphaned instances, and every non-terminal mission's event log is
// replayed against its snapshot.
func (r *Runtime) Recover(ctx context.Context) error {
	if err := r.registry.Restore(ctx); err != nil {
		return err
	}

	records, err := r.store.ListMissions(ctx)
	if err != nil {
		return fmt.Errorf("list missions: %w", err)
	}
	for _, rec := range records {
		spec, state, err := r.store.GetMission(ctx, rec.MissionID)
		if err != nil {
			return err
		}
		if state.Status == mission.StatusCompleted ||
			state.Status == mission.StatusFailed ||
			state.Status == mission.StatusCancelled {
			continue
		}
		replayed, err := r.store.ReplayMission(ctx, rec.MissionID)
		if err != nil {
			return fmt.Errorf("replay mission %s: %w", rec.MissionID, err)
		}
		if replayed.Status != state.Status {
			r.logger.Error("mission snapshot diverges from event log",
				"mission_id", rec.MissionID,
				"snapshot_status", string(state.Status),
				"replayed_status", string(replayed.Status),
			)
		}
		if !spec.TotalBudget.IsZero() {
			r.budgets.SetMissionBudget(rec.MissionID, spec.TotalBudget)
		}
	}
	r.logger.Info("runtime recovered", "missions", len(records))
	return nil
}
