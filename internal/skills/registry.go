package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/missiond/internal/persistence"
)

// Registry is the in-memory skill index backed by the skill_registry table.
type Registry struct {
	store  *persistence.Store // may be nil in tests
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill // canonical name -> skill
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		skills: make(map[string]Skill),
	}
}

// Sync replaces the in-memory index with the loaded set and mirrors it to
// the skill_registry table so hashes survive restarts.
func (r *Registry) Sync(ctx context.Context, loaded []Skill) error {
	next := make(map[string]Skill, len(loaded))
	for _, s := range loaded {
		next[CanonicalKey(s.Name)] = s
	}
	r.mu.Lock()
	r.skills = next
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	now := time.Now().UTC()
	for _, s := range loaded {
		source := persistence.SkillSourceLocal
		if s.Source == SourceInstalled {
			source = persistence.SkillSourceInstalled
		}
		rec := persistence.SkillRecord{
			SkillID:     CanonicalKey(s.Name),
			Version:     s.Version,
			Source:      source,
			ContentHash: s.ContentHash,
			Path:        s.Dir,
			InstalledAt: &now,
		}
		if err := r.store.UpsertSkill(ctx, rec); err != nil {
			return fmt.Errorf("sync skill %s: %w", s.Name, err)
		}
	}
	r.logger.Info("skill registry synced", "count", len(loaded))
	return nil
}

// Lookup returns a skill by name.
func (r *Registry) Lookup(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[CanonicalKey(name)]
	return s, ok
}

// List returns all registered skills.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	return out
}

// Authorize resolves a required skill and checks it against the source
// policy. pins maps canonical skill names to required content hashes.
func (r *Registry) Authorize(name string, policy SourcePolicy, pins map[string]string) error {
	s, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillMissing, name)
	}
	return Authorize(s, policy, pins[CanonicalKey(name)])
}
