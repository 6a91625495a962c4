package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrRoutineNotFound = errors.New("routine not found")

// Routine run outcomes.
const (
	RunOutcomeSpawned          = "spawned"
	RunOutcomeApprovalRequired = "approval_required"
	RunOutcomeBlocked          = "blocked"
)

// RoutineRecord is a scheduled recurring mission definition.
type RoutineRecord struct {
	RoutineID            string     `json:"routine_id"`
	Name                 string     `json:"name"`
	CronExpr             string     `json:"cron_expr"`
	TemplateID           string     `json:"template_id,omitempty"`
	Goal                 string     `json:"goal,omitempty"`
	AllowedTools         []string   `json:"allowed_tools"`
	ExternalIntegrations []string   `json:"external_integrations,omitempty"`
	RequiresApproval     bool       `json:"requires_approval"`
	Enabled              bool       `json:"enabled"`
	NextRunAt            *time.Time `json:"next_run_at,omitempty"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RoutineRun is one firing of a routine. AllowedTools is frozen at fire
// time so later edits to the routine never widen an in-flight run.
type RoutineRun struct {
	RunID        string    `json:"run_id"`
	RoutineID    string    `json:"routine_id"`
	Outcome      string    `json:"outcome"`
	MissionID    string    `json:"mission_id,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	AllowedTools []string  `json:"allowed_tools"`
	Error        string    `json:"error,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
}

// CreateRoutine inserts a routine with its first scheduled run time.
func (s *Store) CreateRoutine(ctx context.Context, rec RoutineRecord) error {
	tools, err := json.Marshal(toolsOrEmpty(rec.AllowedTools))
	if err != nil {
		return fmt.Errorf("marshal routine tools: %w", err)
	}
	integrations, err := json.Marshal(toolsOrEmpty(rec.ExternalIntegrations))
	if err != nil {
		return fmt.Errorf("marshal routine integrations: %w", err)
	}
	var nextRun any
	if rec.NextRunAt != nil {
		nextRun = rec.NextRunAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO routines (
				routine_id, name, cron_expr, template_id, goal, allowed_tools_json,
				external_integrations_json, requires_approval, enabled, next_run_at,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.RoutineID, rec.Name, rec.CronExpr, rec.TemplateID, rec.Goal, string(tools),
			string(integrations), boolToInt(rec.RequiresApproval), boolToInt(rec.Enabled), nextRun)
		if err != nil {
			return fmt.Errorf("insert routine: %w", err)
		}
		return nil
	})
}

// SetRoutineEnabled pauses or resumes a routine.
func (s *Store) SetRoutineEnabled(ctx context.Context, routineID string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE routines SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE routine_id = ?;
		`, boolToInt(enabled), routineID)
		if err != nil {
			return fmt.Errorf("set routine enabled: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("routine rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrRoutineNotFound, routineID)
		}
		return nil
	})
}

// DeleteRoutine removes a routine. Its run history stays.
func (s *Store) DeleteRoutine(ctx context.Context, routineID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE routine_id = ?;`, routineID)
		if err != nil {
			return fmt.Errorf("delete routine: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("routine rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrRoutineNotFound, routineID)
		}
		return nil
	})
}

// GetRoutine loads one routine.
func (s *Store) GetRoutine(ctx context.Context, routineID string) (RoutineRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT routine_id, name, cron_expr, template_id, goal, allowed_tools_json,
			external_integrations_json, requires_approval, enabled, next_run_at,
			last_run_at, created_at, updated_at
		FROM routines WHERE routine_id = ?;
	`, routineID)
	rec, err := scanRoutine(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return RoutineRecord{}, fmt.Errorf("%w: %s", ErrRoutineNotFound, routineID)
	}
	return rec, err
}

// ListRoutines returns all routines ordered by name.
func (s *Store) ListRoutines(ctx context.Context) ([]RoutineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT routine_id, name, cron_expr, template_id, goal, allowed_tools_json,
			external_integrations_json, requires_approval, enabled, next_run_at,
			last_run_at, created_at, updated_at
		FROM routines ORDER BY name ASC, routine_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query routines: %w", err)
	}
	defer rows.Close()

	var out []RoutineRecord
	for rows.Next() {
		rec, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routine rows: %w", err)
	}
	return out, nil
}

// DueRoutines returns enabled routines whose next run time has passed.
func (s *Store) DueRoutines(ctx context.Context, now time.Time) ([]RoutineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT routine_id, name, cron_expr, template_id, goal, allowed_tools_json,
			external_integrations_json, requires_approval, enabled, next_run_at,
			last_run_at, created_at, updated_at
		FROM routines
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, routine_id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due routines: %w", err)
	}
	defer rows.Close()

	var out []RoutineRecord
	for rows.Next() {
		rec, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due routine rows: %w", err)
	}
	return out, nil
}

// MarkRoutineFired records a routine run and advances its schedule in one
// transaction.
func (s *Store) MarkRoutineFired(ctx context.Context, run RoutineRun, nextRun time.Time) error {
	tools, err := json.Marshal(toolsOrEmpty(run.AllowedTools))
	if err != nil {
		return fmt.Errorf("marshal run tools: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin routine run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routine_runs (run_id, routine_id, outcome, mission_id, approval_id, allowed_tools_json, error, fired_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, run.RunID, run.RoutineID, run.Outcome, run.MissionID, run.ApprovalID, string(tools), run.Error); err != nil {
			return fmt.Errorf("insert routine run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE routines
			SET next_run_at = ?, last_run_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE routine_id = ?;
		`, nextRun.UTC(), run.RoutineID); err != nil {
			return fmt.Errorf("advance routine schedule: %w", err)
		}
		return tx.Commit()
	})
}

// ListRoutineRuns returns a routine's run history, newest first.
func (s *Store) ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]RoutineRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, routine_id, outcome, mission_id, approval_id, allowed_tools_json, error, fired_at
		FROM routine_runs
		WHERE routine_id = ?
		ORDER BY fired_at DESC, run_id DESC
		LIMIT ?;
	`, routineID, limit)
	if err != nil {
		return nil, fmt.Errorf("query routine runs: %w", err)
	}
	defer rows.Close()

	var out []RoutineRun
	for rows.Next() {
		var (
			run   RoutineRun
			tools string
		)
		if err := rows.Scan(&run.RunID, &run.RoutineID, &run.Outcome, &run.MissionID, &run.ApprovalID, &tools, &run.Error, &run.FiredAt); err != nil {
			return nil, fmt.Errorf("scan routine run: %w", err)
		}
		if err := json.Unmarshal([]byte(tools), &run.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal run tools: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routine run rows: %w", err)
	}
	return out, nil
}

func scanRoutine(scanFn func(dest ...any) error) (RoutineRecord, error) {
	var (
		rec          RoutineRecord
		tools        string
		integrations string
		reqAppr      int
		enabled      int
		nextRun      sql.NullTime
		lastRun      sql.NullTime
	)
	if err := scanFn(
		&rec.RoutineID, &rec.Name, &rec.CronExpr, &rec.TemplateID, &rec.Goal, &tools,
		&integrations, &reqAppr, &enabled, &nextRun, &lastRun, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return RoutineRecord{}, err
	}
	if err := json.Unmarshal([]byte(tools), &rec.AllowedTools); err != nil {
		return RoutineRecord{}, fmt.Errorf("unmarshal routine tools: %w", err)
	}
	if err := json.Unmarshal([]byte(integrations), &rec.ExternalIntegrations); err != nil {
		return RoutineRecord{}, fmt.Errorf("unmarshal routine integrations: %w", err)
	}
	rec.RequiresApproval = reqAppr == 1
	rec.Enabled = enabled == 1
	if nextRun.Valid {
		t := nextRun.Time
		rec.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		rec.LastRunAt = &t
	}
	return rec, nil
}

func toolsOrEmpty(tools []string) []string {
	if tools == nil {
		return []string{}
	}
	return tools
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
