package mission

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent marks an event the reducer refused: unknown type, unknown
// item or instance ID, or a transition the current state does not admit. The
// state is returned unchanged with no commands; the caller logs and drops it.
var ErrInvalidEvent = errors.New("invalid mission event")

// Rejection reasons recorded on items and surfaced in commands.
const (
	ReasonReworkExhausted = "rework_attempts_exhausted"
	ReasonDependencyDead  = "dependency_failed"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonMissionCanceled = "mission_cancelled"
)

// Apply advances the mission state by one event and returns the commands
// the runtime must execute. The input state is never mutated. Events that
// re-assert a state already reached (a second cancel, a duplicate approval
// on a terminal item) are invalid no-ops, never errors the caller should
// escalate past a log line.
func Apply(s State, ev Event) (State, []Command, error) {
	if ev.MissionID != s.MissionID {
		return s, nil, fmt.Errorf("%w: event for mission %q applied to %q", ErrInvalidEvent, ev.MissionID, s.MissionID)
	}
	if s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled {
		return s, nil, fmt.Errorf("%w: mission %s is %s", ErrInvalidEvent, s.MissionID, s.Status)
	}

	switch ev.Type {
	case EventMissionStarted:
		return applyMissionStarted(s, ev)
	case EventWorkItemClaimed:
		return applyClaimed(s, ev)
	case EventWorkItemSubmitted:
		return applySubmitted(s, ev)
	case EventReviewApproved:
		return applyGateApproved(s, ev, ItemInReview)
	case EventTestApproved:
		return applyGateApproved(s, ev, ItemInTest)
	case EventReviewRejected:
		return applyGateRejected(s, ev, ItemInReview)
	case EventTestRejected:
		return applyGateRejected(s, ev, ItemInTest)
	case EventBudgetExhausted:
		return applyBudgetExhausted(s, ev)
	case EventMissionCanceled:
		return applyMissionCanceled(s, ev)
	default:
		return s, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
}

func applyMissionStarted(s State, ev Event) (State, []Command, error) {
	if s.Status != StatusPlanning {
		return s, nil, fmt.Errorf("%w: mission %s already %s", ErrInvalidEvent, s.MissionID, s.Status)
	}
	next := s.clone()
	next.Status = StatusExecuting
	next.UpdatedAt = ev.At
	cmds := releaseReady(&next)
	return next, cmds, nil
}

func applyClaimed(s State, ev Event) (State, []Command, error) {
	item, ok := s.Items[ev.ItemID]
	if !ok {
		return s, nil, unknownItem(ev)
	}
	if item.Status != ItemReady && item.Status != ItemReworking {
		return s, nil, badTransition(ev, item.Status)
	}
	next := s.clone()
	it := next.Items[ev.ItemID]
	it.Status = ItemInProgress
	it.OwnerInstanceID = ev.InstanceID
	next.UpdatedAt = ev.At
	return next, nil, nil
}

func applySubmitted(s State, ev Event) (State, []Command, error) {
	item, ok := s.Items[ev.ItemID]
	if !ok {
		return s, nil, unknownItem(ev)
	}
	if item.Status != ItemInProgress && item.Status != ItemReworking && item.Status != ItemReady {
		return s, nil, badTransition(ev, item.Status)
	}
	next := s.clone()
	it := next.Items[ev.ItemID]
	var cmds []Command
	switch {
	case next.gatesFor(it.Role).Review:
		it.Status = ItemInReview
	case next.gatesFor(it.Role).Test:
		it.Status = ItemInTest
	default:
		it.Status = ItemCompleted
		cmds = releaseReady(&next)
	}
	next.UpdatedAt = ev.At
	finalize(&next)
	return next, cmds, nil
}

// applyGateApproved handles review_approved and test_approved; from is the
// only item status the approval is valid in.
func applyGateApproved(s State, ev Event, from ItemStatus) (State, []Command, error) {
	item, ok := s.Items[ev.ItemID]
	if !ok {
		return s, nil, unknownItem(ev)
	}
	if item.Status != from {
		return s, nil, badTransition(ev, item.Status)
	}
	next := s.clone()
	it := next.Items[ev.ItemID]
	var cmds []Command
	if from == ItemInReview && next.gatesFor(it.Role).Test {
		it.Status = ItemInTest
	} else {
		it.Status = ItemCompleted
		cmds = releaseReady(&next)
	}
	next.UpdatedAt = ev.At
	finalize(&next)
	return next, cmds, nil
}

func applyGateRejected(s State, ev Event, from ItemStatus) (State, []Command, error) {
	item, ok := s.Items[ev.ItemID]
	if !ok {
		return s, nil, unknownItem(ev)
	}
	if item.Status != from {
		return s, nil, badTransition(ev, item.Status)
	}
	next := s.clone()
	it := next.Items[ev.ItemID]
	it.ReworkAttempts++
	next.UpdatedAt = ev.At
	if it.ReworkAttempts >= next.MaxReworkAttempts {
		cmds := failItem(&next, it, ReasonReworkExhausted)
		finalize(&next)
		return next, cmds, nil
	}
	it.Status = ItemReworking
	cmds := []Command{{
		Type:       CommandRespawnWorkItem,
		ItemID:     it.ID,
		Role:       it.Role,
		InstanceID: it.OwnerInstanceID,
		Reason:     ev.Reason,
		Attempt:    it.ReworkAttempts,
	}}
	return next, cmds, nil
}

func applyBudgetExhausted(s State, ev Event) (State, []Command, error) {
	next := s.clone()
	next.UpdatedAt = ev.At
	if ev.InstanceID == "" {
		// Mission-wide breach: everything still live stops.
		cmds := cancelLive(&next, ReasonBudgetExhausted)
		next.Status = StatusFailed
		return next, cmds, nil
	}
	it := itemOwnedBy(&next, ev.InstanceID)
	if it == nil {
		return s, nil, fmt.Errorf("%w: no item owned by instance %s", ErrInvalidEvent, ev.InstanceID)
	}
	cmds := failItem(&next, it, ReasonBudgetExhausted)
	finalize(&next)
	return next, cmds, nil
}

func applyMissionCanceled(s State, ev Event) (State, []Command, error) {
	next := s.clone()
	cmds := cancelLive(&next, ReasonMissionCanceled)
	next.Status = StatusCancelled
	next.UpdatedAt = ev.At
	return next, cmds, nil
}

// releaseReady promotes every pending item whose dependencies are all
// completed and emits a spawn command per promotion, in declaration order.
func releaseReady(s *State) []Command {
	var cmds []Command
	for _, id := range s.Order {
		it := s.Items[id]
		if it.Status != ItemPending {
			continue
		}
		if !depsCompleted(s, it) {
			continue
		}
		it.Status = ItemReady
		cmds = append(cmds, Command{Type: CommandSpawnWorkItem, ItemID: it.ID, Role: it.Role})
	}
	return cmds
}

func depsCompleted(s *State, it *WorkItem) bool {
	for _, dep := range it.DependsOn {
		d, ok := s.Items[dep]
		if !ok || d.Status != ItemCompleted {
			return false
		}
	}
	return true
}

// failItem marks an item failed, cancels its owner, and cascades
// cancellation to every item that can no longer become ready.
func failItem(s *State, it *WorkItem, reason string) []Command {
	it.Status = ItemFailed
	var cmds []Command
	if it.OwnerInstanceID != "" && reason != ReasonBudgetExhausted {
		// Budget exhaustion already cancelled the owner before this event
		// was published; anything else still needs the stop.
		cmds = append(cmds, Command{Type: CommandCancelInstance, InstanceID: it.OwnerInstanceID, ItemID: it.ID, Reason: reason})
	}
	cmds = append(cmds, cascadeDead(s)...)
	return cmds
}

// cascadeDead cancels items whose dependency chain contains a failed or
// cancelled item. Repeats until a fixed point so chains of any depth settle
// in one Apply.
func cascadeDead(s *State) []Command {
	var cmds []Command
	for changed := true; changed; {
		changed = false
		for _, id := range s.Order {
			it := s.Items[id]
			if it.Status.terminal() {
				continue
			}
			if !depsDead(s, it) {
				continue
			}
			it.Status = ItemCancelled
			changed = true
			if it.OwnerInstanceID != "" {
				cmds = append(cmds, Command{Type: CommandCancelInstance, InstanceID: it.OwnerInstanceID, ItemID: it.ID, Reason: ReasonDependencyDead})
			}
		}
	}
	return cmds
}

func depsDead(s *State, it *WorkItem) bool {
	for _, dep := range it.DependsOn {
		d, ok := s.Items[dep]
		if ok && (d.Status == ItemFailed || d.Status == ItemCancelled) {
			return true
		}
	}
	return false
}

// cancelLive cancels every non-terminal item and emits stop commands for
// their owners, in declaration order.
func cancelLive(s *State, reason string) []Command {
	var cmds []Command
	for _, id := range s.Order {
		it := s.Items[id]
		if it.Status.terminal() {
			continue
		}
		it.Status = ItemCancelled
		if it.OwnerInstanceID != "" {
			cmds = append(cmds, Command{Type: CommandCancelInstance, InstanceID: it.OwnerInstanceID, ItemID: it.ID, Reason: reason})
		}
	}
	return cmds
}

// finalize settles the mission status once every item is terminal: failed
// if any item failed, completed otherwise. A mission with live items keeps
// executing even after an isolated failure, since independent items can
// still complete.
func finalize(s *State) {
	anyFailed := false
	for _, id := range s.Order {
		it := s.Items[id]
		if !it.Status.terminal() {
			return
		}
		if it.Status == ItemFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		s.Status = StatusFailed
	} else {
		s.Status = StatusCompleted
	}
}

func itemOwnedBy(s *State, instanceID string) *WorkItem {
	for _, id := range s.Order {
		if it := s.Items[id]; it.OwnerInstanceID == instanceID && !it.Status.terminal() {
			return it
		}
	}
	return nil
}

func unknownItem(ev Event) error {
	return fmt.Errorf("%w: unknown work item %q", ErrInvalidEvent, ev.ItemID)
}

func badTransition(ev Event, cur ItemStatus) error {
	return fmt.Errorf("%w: %s not valid for item %s in %s", ErrInvalidEvent, ev.Type, ev.ItemID, cur)
}
