// Package approval parks decisions that need an operator and resumes the
// original request once one answers.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/persistence"
)

// Resumer replays a parked request after the operator approves it. The
// subject is the exact JSON captured at park time.
type Resumer func(ctx context.Context, rec persistence.ApprovalRecord) error

type Service struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	resumers map[string]Resumer

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func NewService(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		bus:      b,
		logger:   logger,
		resumers: make(map[string]Resumer),
	}
}

// RegisterResumer installs the handler that resumes approved requests of
// one kind. Later registrations replace earlier ones.
func (s *Service) RegisterResumer(kind string, fn Resumer) {
	s.mu.Lock()
	s.resumers[kind] = fn
	s.mu.Unlock()
}

// Park records a pending approval. The subject must round-trip through
// JSON: it is everything the resumer needs to replay the request.
// expiresIn <= 0 means the approval never expires.
func (s *Service) Park(ctx context.Context, kind, missionID, requesterID string, subject any, expiresIn time.Duration) (persistence.ApprovalRecord, error) {
	raw, err := json.Marshal(subject)
	if err != nil {
		return persistence.ApprovalRecord{}, fmt.Errorf("marshal approval subject: %w", err)
	}
	rec := persistence.ApprovalRecord{
		ApprovalID:  uuid.NewString(),
		Kind:        kind,
		MissionID:   missionID,
		RequesterID: requesterID,
		SubjectJSON: string(raw),
		Status:      persistence.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	if expiresIn > 0 {
		at := rec.CreatedAt.Add(expiresIn)
		rec.ExpiresAt = &at
	}
	if err := s.store.CreateApproval(ctx, rec); err != nil {
		return persistence.ApprovalRecord{}, err
	}
	s.logger.Info("approval parked",
		"approval_id", rec.ApprovalID,
		"kind", kind,
		"mission_id", missionID,
		"requester_id", requesterID,
	)
	return rec, nil
}

// Approve resolves a pending approval and resumes the parked request.
// The first resolution stands: a second call returns
// persistence.ErrApprovalResolved. A resume failure does not reopen the
// approval; the record stays APPROVED and the error is returned.
func (s *Service) Approve(ctx context.Context, approvalID, resolvedBy, reason string) (persistence.ApprovalRecord, error) {
	rec, err := s.store.ResolveApproval(ctx, approvalID, persistence.ApprovalApproved, resolvedBy, reason)
	if err != nil {
		return persistence.ApprovalRecord{}, err
	}
	if s.bus != nil && rec.Kind == persistence.ApprovalKindSpawn {
		s.bus.Publish(bus.TopicSpawnApproved, bus.SpawnDecisionEvent{
			MissionID:   rec.MissionID,
			RequesterID: rec.RequesterID,
			Outcome:     "allow",
			ApprovalID:  rec.ApprovalID,
		})
	}

	s.mu.RLock()
	resume := s.resumers[rec.Kind]
	s.mu.RUnlock()
	if resume == nil {
		s.logger.Warn("approved with no resumer registered", "approval_id", approvalID, "kind", rec.Kind)
		return rec, nil
	}
	if err := resume(ctx, rec); err != nil {
		s.logger.Error("approved request failed to resume",
			"approval_id", approvalID,
			"kind", rec.Kind,
			"error", err,
		)
		return rec, fmt.Errorf("resume approved %s: %w", rec.Kind, err)
	}
	return rec, nil
}

// Deny resolves a pending approval without resuming anything.
func (s *Service) Deny(ctx context.Context, approvalID, resolvedBy, reason string) (persistence.ApprovalRecord, error) {
	rec, err := s.store.ResolveApproval(ctx, approvalID, persistence.ApprovalDenied, resolvedBy, reason)
	if err != nil {
		return persistence.ApprovalRecord{}, err
	}
	s.logger.Info("approval denied", "approval_id", approvalID, "resolved_by", resolvedBy, "reason", reason)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, approvalID string) (persistence.ApprovalRecord, error) {
	return s.store.GetApproval(ctx, approvalID)
}

func (s *Service) List(ctx context.Context, status persistence.ApprovalStatus) ([]persistence.ApprovalRecord, error) {
	return s.store.ListApprovals(ctx, status)
}

// Sweep expires overdue pending approvals. Expired requests are never
// resumed.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		s.logger.Info("approval expired", "approval_id", rec.ApprovalID, "kind", rec.Kind)
	}
	return len(expired), nil
}

// StartSweeper runs Sweep on an interval until Close.
func (s *Service) StartSweeper(interval time.Duration) {
	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.sweepStop:
				return
			case now := <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := s.Sweep(ctx, now.UTC()); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("approval sweep failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Close stops the background sweeper if one is running.
func (s *Service) Close() {
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
	s.sweepDone = nil
}
