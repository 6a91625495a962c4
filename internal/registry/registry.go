// Package registry tracks every agent instance the runtime has admitted:
// lineage, status, and the authoritative counts the spawn gate reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrDuplicateID     = errors.New("instance id already registered")
)

// Stopper asks the execution engine to halt an instance's run. Stops are
// best effort and idempotent; the registry's status is authoritative
// regardless of what the engine does afterwards.
type Stopper interface {
	StopInstance(ctx context.Context, instanceID, reason string) error
}

const stopTimeout = 30 * time.Second

type Registry struct {
	store  *persistence.Store // may be nil in tests
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*persistence.InstanceRecord
	order     []string // admission order, the cascade order for mission stops
	stopper   Stopper
}

func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		bus:       b,
		logger:    logger,
		instances: make(map[string]*persistence.InstanceRecord),
	}
}

// SetStopper wires the execution engine in after construction; the engine
// needs the registry first.
func (r *Registry) SetStopper(s Stopper) {
	r.mu.Lock()
	r.stopper = s
	r.mu.Unlock()
}

// Admit registers a gate-approved instance in QUEUED state and persists it.
func (r *Registry) Admit(ctx context.Context, rec persistence.InstanceRecord) error {
	if rec.InstanceID == "" {
		return errors.New("instance_id must be non-empty")
	}
	rec.Status = persistence.InstanceQueued
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.instances[rec.InstanceID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.InstanceID)
	}
	cp := rec
	r.instances[rec.InstanceID] = &cp
	r.order = append(r.order, rec.InstanceID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.InsertInstance(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// MarkRunning moves a queued instance to RUNNING and announces it.
func (r *Registry) MarkRunning(ctx context.Context, instanceID string) error {
	return r.transition(ctx, instanceID, persistence.InstanceRunning, "", bus.TopicInstanceStarted)
}

// Reconcile applies an engine-reported terminal status. Reports against an
// already-terminal instance are dropped: a cancel that raced a completion
// stays a cancel.
func (r *Registry) Reconcile(ctx context.Context, instanceID string, status persistence.InstanceStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("reconcile requires a terminal status, got %s", status)
	}
	topic := bus.TopicInstanceCompleted
	if status == persistence.InstanceFailed {
		topic = bus.TopicInstanceFailed
	} else if status == persistence.InstanceCancelled {
		topic = bus.TopicInstanceCancelled
	}
	err := r.transition(ctx, instanceID, status, reason, topic)
	if errors.Is(err, errAlreadyTerminal) {
		r.logger.Debug("late engine report dropped", "instance_id", instanceID, "status", string(status))
		return nil
	}
	return err
}

// CancelInstance marks the instance cancelled immediately and asks the
// engine to stop it in the background. This is the budget supervisor's
// Canceller: by the time the exhaustion event is published the registry
// already shows CANCELLED.
func (r *Registry) CancelInstance(ctx context.Context, missionID, instanceID, reason string) error {
	err := r.transition(ctx, instanceID, persistence.InstanceCancelled, reason, bus.TopicInstanceCancelled)
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	r.mu.RLock()
	stopper := r.stopper
	r.mu.RUnlock()
	if stopper != nil {
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := stopper.StopInstance(stopCtx, instanceID, reason); err != nil {
				r.logger.Warn("engine stop failed",
					"instance_id", instanceID,
					"reason", reason,
					"error", err,
				)
			}
		}()
	}
	return nil
}

var errAlreadyTerminal = errors.New("instance already terminal")

func (r *Registry) transition(ctx context.Context, instanceID string, status persistence.InstanceStatus, reason, topic string) error {
	r.mu.Lock()
	rec, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", errAlreadyTerminal, instanceID, rec.Status)
	}
	old := rec.Status
	rec.Status = status
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	ev := bus.InstanceLifecycleEvent{
		MissionID:  rec.MissionID,
		InstanceID: instanceID,
		Role:       rec.Role,
		OldStatus:  string(old),
		NewStatus:  string(status),
		Reason:     reason,
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateInstanceStatus(ctx, instanceID, status, reason); err != nil {
			return err
		}
	}
	if r.bus != nil {
		r.bus.Publish(topic, ev)
	}
	return nil
}

// Get returns a copy of one instance record.
func (r *Registry) Get(instanceID string) (persistence.InstanceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.instances[instanceID]
	if !ok {
		return persistence.InstanceRecord{}, false
	}
	return *rec, true
}

// List returns instances in admission order, optionally filtered by
// mission.
func (r *Registry) List(missionID string) []persistence.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persistence.InstanceRecord, 0, len(r.order))
	for _, id := range r.order {
		rec := r.instances[id]
		if missionID != "" && rec.MissionID != missionID {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// ChildrenOf returns the instances spawned by a parent, in admission order.
func (r *Registry) ChildrenOf(parentID string) []persistence.InstanceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []persistence.InstanceRecord
	for _, id := range r.order {
		if rec := r.instances[id]; rec.ParentInstanceID == parentID {
			out = append(out, *rec)
		}
	}
	return out
}

// Counts returns the spawn gate's inputs for a mission: every instance
// ever admitted, and those currently live.
func (r *Registry) Counts(missionID string) (total, live int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		rec := r.instances[id]
		if rec.MissionID != missionID {
			continue
		}
		total++
		if !rec.Status.Terminal() {
			live++
		}
	}
	return total, live
}

// Restore loads all persisted instances into memory. Rows left QUEUED or
// RUNNING by a crash are marked FAILED: their engine runs died with the
// process.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListInstances(ctx, "")
	if err != nil {
		return fmt.Errorf("restore instances: %w", err)
	}

	r.mu.Lock()
	r.instances = make(map[string]*persistence.InstanceRecord, len(recs))
	r.order = r.order[:0]
	var orphans []string
	for i := range recs {
		rec := recs[i]
		if !rec.Status.Terminal() {
			orphans = append(orphans, rec.InstanceID)
			rec.Status = persistence.InstanceFailed
			rec.Reason = "orphaned_by_restart"
		}
		r.instances[rec.InstanceID] = &rec
		r.order = append(r.order, rec.InstanceID)
	}
	r.mu.Unlock()

	for _, id := range orphans {
		if err := r.store.UpdateInstanceStatus(ctx, id, persistence.InstanceFailed, "orphaned_by_restart"); err != nil {
			return fmt.Errorf("mark orphan %s: %w", id, err)
		}
		r.logger.Warn("instance orphaned by restart marked failed", "instance_id", id)
	}
	r.logger.Info("instance registry restored", "count", len(recs), "orphans", len(orphans))
	return nil
}
