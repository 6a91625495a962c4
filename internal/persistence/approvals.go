package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrApprovalResolved = errors.New("approval already resolved")
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Approval kinds: what the pending decision would unblock.
const (
	ApprovalKindSpawn   = "spawn"
	ApprovalKindTool    = "tool"
	ApprovalKindRoutine = "routine"
)

// ApprovalRecord is one parked decision awaiting an operator.
type ApprovalRecord struct {
	ApprovalID       string         `json:"approval_id"`
	Kind             string         `json:"kind"`
	MissionID        string         `json:"mission_id,omitempty"`
	RequesterID      string         `json:"requester_id,omitempty"`
	SubjectJSON      string         `json:"subject_json"`
	Status           ApprovalStatus `json:"status"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolutionReason string         `json:"resolution_reason,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CreateApproval parks a decision. SubjectJSON carries everything needed to
// resume the original request verbatim after approval.
func (s *Store) CreateApproval(ctx context.Context, rec ApprovalRecord) error {
	subject := rec.SubjectJSON
	if subject == "" {
		subject = "{}"
	}
	var expires any
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (approval_id, kind, mission_id, requester_id, subject_json, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, 'PENDING', ?, CURRENT_TIMESTAMP);
		`, rec.ApprovalID, rec.Kind, rec.MissionID, rec.RequesterID, subject, expires)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
}

// ResolveApproval flips a pending approval to approved or denied. Resolving
// twice returns ErrApprovalResolved; the first resolution stands.
func (s *Store) ResolveApproval(ctx context.Context, approvalID string, status ApprovalStatus, resolvedBy, reason string) (ApprovalRecord, error) {
	if status != ApprovalApproved && status != ApprovalDenied {
		return ApprovalRecord{}, fmt.Errorf("invalid resolution status %q", status)
	}
	var rec ApprovalRecord
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, resolved_by = ?, resolution_reason = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE approval_id = ? AND status = 'PENDING';
		`, string(status), resolvedBy, reason, approvalID)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approval rows affected: %w", err)
		}
		if affected != 1 {
			var cur string
			err := tx.QueryRowContext(ctx, `SELECT status FROM approvals WHERE approval_id = ?;`, approvalID).Scan(&cur)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
			}
			if err != nil {
				return fmt.Errorf("select approval status: %w", err)
			}
			return fmt.Errorf("%w: %s is %s", ErrApprovalResolved, approvalID, cur)
		}
		rec, err = getApprovalTx(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ApprovalRecord{}, err
	}
	return rec, nil
}

// ExpireApprovals marks pending approvals whose deadline passed. Returns
// the expired records so callers can notify requesters.
func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error) {
	var out []ApprovalRecord
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT approval_id FROM approvals
			WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("query expirable approvals: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expirable approval: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expirable approval rows: %w", err)
		}

		out = out[:0]
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE approvals SET status = 'EXPIRED', resolved_at = CURRENT_TIMESTAMP
				WHERE approval_id = ? AND status = 'PENDING';
			`, id); err != nil {
				return fmt.Errorf("expire approval: %w", err)
			}
			rec, err := getApprovalTx(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetApproval loads one approval record.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (ApprovalRecord, error) {
	var rec ApprovalRecord
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approval read tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		rec, err = getApprovalTx(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ApprovalRecord{}, err
	}
	return rec, nil
}

func getApprovalTx(ctx context.Context, tx *sql.Tx, approvalID string) (ApprovalRecord, error) {
	var (
		rec        ApprovalRecord
		status     string
		expiresAt  sql.NullTime
		resolvedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT approval_id, kind, mission_id, requester_id, subject_json,
			status, resolved_by, resolution_reason, expires_at, resolved_at, created_at
		FROM approvals
		WHERE approval_id = ?;
	`, approvalID).Scan(
		&rec.ApprovalID, &rec.Kind, &rec.MissionID, &rec.RequesterID, &rec.SubjectJSON,
		&status, &rec.ResolvedBy, &rec.ResolutionReason, &expiresAt, &resolvedAt, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRecord{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	if err != nil {
		return ApprovalRecord{}, fmt.Errorf("select approval: %w", err)
	}
	rec.Status = ApprovalStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// ListApprovals returns approvals, newest first, optionally filtered by
// status.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus) ([]ApprovalRecord, error) {
	query := `
		SELECT approval_id, kind, mission_id, requester_id, subject_json,
			status, resolved_by, resolution_reason, expires_at, resolved_at, created_at
		FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, approval_id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var (
			rec        ApprovalRecord
			st         string
			expiresAt  sql.NullTime
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(
			&rec.ApprovalID, &rec.Kind, &rec.MissionID, &rec.RequesterID, &rec.SubjectJSON,
			&st, &rec.ResolvedBy, &rec.ResolutionReason, &expiresAt, &resolvedAt, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.Status = ApprovalStatus(st)
		if expiresAt.Valid {
			t := expiresAt.Time
			rec.ExpiresAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}
