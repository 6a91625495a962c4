package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrSkillNotFound = errors.New("skill not found")

// Skill sources recorded at install time.
const (
	SkillSourceLocal     = "local"
	SkillSourceInstalled = "installed"
)

// SkillRecord pins a skill's identity to its content hash so the spawn
// gate can detect tampering between registration and use.
type SkillRecord struct {
	SkillID     string     `json:"skill_id"`
	Version     string     `json:"version,omitempty"`
	Source      string     `json:"source"`
	ContentHash string     `json:"content_hash"`
	Path        string     `json:"path,omitempty"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UpsertSkill registers a skill or refreshes its hash and path.
func (s *Store) UpsertSkill(ctx context.Context, rec SkillRecord) error {
	var installed any
	if rec.InstalledAt != nil {
		installed = rec.InstalledAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skill_registry (skill_id, version, source, content_hash, path, installed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(skill_id) DO UPDATE SET
				version = excluded.version,
				source = excluded.source,
				content_hash = excluded.content_hash,
				path = excluded.path,
				installed_at = excluded.installed_at,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.SkillID, rec.Version, rec.Source, rec.ContentHash, rec.Path, installed)
		if err != nil {
			return fmt.Errorf("upsert skill: %w", err)
		}
		return nil
	})
}

// GetSkill loads one skill record.
func (s *Store) GetSkill(ctx context.Context, skillID string) (SkillRecord, error) {
	var (
		rec       SkillRecord
		installed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT skill_id, version, source, content_hash, path, installed_at, created_at, updated_at
		FROM skill_registry WHERE skill_id = ?;
	`, skillID).Scan(&rec.SkillID, &rec.Version, &rec.Source, &rec.ContentHash, &rec.Path, &installed, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SkillRecord{}, fmt.Errorf("%w: %s", ErrSkillNotFound, skillID)
	}
	if err != nil {
		return SkillRecord{}, fmt.Errorf("select skill: %w", err)
	}
	if installed.Valid {
		t := installed.Time
		rec.InstalledAt = &t
	}
	return rec, nil
}

// ListSkills returns all registered skills ordered by id.
func (s *Store) ListSkills(ctx context.Context) ([]SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id, version, source, content_hash, path, installed_at, created_at, updated_at
		FROM skill_registry ORDER BY skill_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var out []SkillRecord
	for rows.Next() {
		var (
			rec       SkillRecord
			installed sql.NullTime
		)
		if err := rows.Scan(&rec.SkillID, &rec.Version, &rec.Source, &rec.ContentHash, &rec.Path, &installed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		if installed.Valid {
			t := installed.Time
			rec.InstalledAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("skill rows: %w", err)
	}
	return out, nil
}

// DeleteSkill removes a skill registration.
func (s *Store) DeleteSkill(ctx context.Context, skillID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM skill_registry WHERE skill_id = ?;`, skillID)
		if err != nil {
			return fmt.Errorf("delete skill: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("skill rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrSkillNotFound, skillID)
		}
		return nil
	})
}
