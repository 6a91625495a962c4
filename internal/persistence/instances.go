package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/missiond/internal/budget"
)

var ErrInstanceNotFound = errors.New("instance not found")

type InstanceStatus string

const (
	InstanceQueued    InstanceStatus = "QUEUED"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// InstanceRecord is the durable view of one agent instance.
type InstanceRecord struct {
	InstanceID       string         `json:"instance_id"`
	SessionID        string         `json:"session_id,omitempty"`
	MissionID        string         `json:"mission_id,omitempty"`
	Role             string         `json:"role"`
	TemplateID       string         `json:"template_id,omitempty"`
	ParentInstanceID string         `json:"parent_instance_id,omitempty"`
	WorkItemID       string         `json:"work_item_id,omitempty"`
	SkillHash        string         `json:"skill_hash,omitempty"`
	Status           InstanceStatus `json:"status"`
	Reason           string         `json:"reason,omitempty"`
	Caller           string         `json:"caller,omitempty"`
	Justification    string         `json:"justification,omitempty"`
	Limits           budget.Limit   `json:"limits"`
	Usage            budget.Usage   `json:"usage"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// InsertInstance persists a freshly admitted instance.
func (s *Store) InsertInstance(ctx context.Context, rec InstanceRecord) error {
	limits, err := json.Marshal(rec.Limits)
	if err != nil {
		return fmt.Errorf("marshal instance limits: %w", err)
	}
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal instance usage: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO instances (
				instance_id, session_id, mission_id, role, template_id, parent_instance_id,
				work_item_id, skill_hash, status, reason, caller, justification, limits_json,
				usage_json, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.InstanceID, rec.SessionID, rec.MissionID, rec.Role, rec.TemplateID, rec.ParentInstanceID,
			rec.WorkItemID, rec.SkillHash, string(rec.Status), rec.Reason, rec.Caller, rec.Justification,
			string(limits), string(usage))
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		return nil
	})
}

// UpdateInstanceStatus moves an instance to a new status. Terminal rows are
// never reopened; a stale update against one is a silent no-op so late
// engine reports cannot resurrect a cancelled instance.
func (s *Store) UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE instances
			SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
			WHERE instance_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');
		`, string(status), reason, instanceID)
		if err != nil {
			return fmt.Errorf("update instance status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("instance status rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE instance_id = ?;`, instanceID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
			}
		}
		return nil
	})
}

// UpdateInstanceUsage stores the latest accumulated usage snapshot.
func (s *Store) UpdateInstanceUsage(ctx context.Context, instanceID string, usage budget.Usage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal instance usage: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE instances SET usage_json = ?, updated_at = CURRENT_TIMESTAMP WHERE instance_id = ?;
		`, string(raw), instanceID)
		if err != nil {
			return fmt.Errorf("update instance usage: %w", err)
		}
		return nil
	})
}

// GetInstance loads one instance record.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, session_id, mission_id, role, template_id, parent_instance_id,
			work_item_id, skill_hash, status, reason, caller, justification, limits_json,
			usage_json, created_at, updated_at
		FROM instances
		WHERE instance_id = ?;
	`, instanceID)
	rec, err := scanInstance(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return InstanceRecord{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return rec, err
}

// ListInstances returns instances in insertion order, optionally filtered
// by mission. Insertion order is the cascade order on mission-wide stops.
func (s *Store) ListInstances(ctx context.Context, missionID string) ([]InstanceRecord, error) {
	query := `
		SELECT instance_id, session_id, mission_id, role, template_id, parent_instance_id,
			work_item_id, skill_hash, status, reason, caller, justification, limits_json,
			usage_json, created_at, updated_at
		FROM instances`
	var args []any
	if missionID != "" {
		query += ` WHERE mission_id = ?`
		args = append(args, missionID)
	}
	query += ` ORDER BY created_at ASC, instance_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instance rows: %w", err)
	}
	return out, nil
}

// ListLiveInstances returns all non-terminal instances, used by startup
// recovery to mark rows orphaned by a crash.
func (s *Store) ListLiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, session_id, mission_id, role, template_id, parent_instance_id,
			work_item_id, skill_hash, status, reason, caller, justification, limits_json,
			usage_json, created_at, updated_at
		FROM instances
		WHERE status IN ('QUEUED', 'RUNNING')
		ORDER BY created_at ASC, instance_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query live instances: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("live instance rows: %w", err)
	}
	return out, nil
}

func scanInstance(scanFn func(dest ...any) error) (InstanceRecord, error) {
	var (
		rec           InstanceRecord
		status        string
		limits, usage string
	)
	if err := scanFn(
		&rec.InstanceID,
		&rec.SessionID,
		&rec.MissionID,
		&rec.Role,
		&rec.TemplateID,
		&rec.ParentInstanceID,
		&rec.WorkItemID,
		&rec.SkillHash,
		&status,
		&rec.Reason,
		&rec.Caller,
		&rec.Justification,
		&limits,
		&usage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return InstanceRecord{}, err
	}
	rec.Status = InstanceStatus(status)
	if err := json.Unmarshal([]byte(limits), &rec.Limits); err != nil {
		return InstanceRecord{}, fmt.Errorf("unmarshal instance limits: %w", err)
	}
	if err := json.Unmarshal([]byte(usage), &rec.Usage); err != nil {
		return InstanceRecord{}, fmt.Errorf("unmarshal instance usage: %w", err)
	}
	return rec, nil
}
