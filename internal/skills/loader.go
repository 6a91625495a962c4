package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

type Loader struct {
	projectDir   string // <workspace>/skills/
	userDir      string // $HOME/.missiond/skills/
	installedDir string // $HOME/.missiond/installed/
	logger       *slog.Logger
}

func NewLoader(projectDir, userDir, installedDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		projectDir:   projectDir,
		userDir:      userDir,
		installedDir: installedDir,
		logger:       logger,
	}
}

// LoadAll scans the three source directories in priority order. On a name
// collision the higher-priority source wins and the duplicate is skipped.
func (l *Loader) LoadAll(ctx context.Context) ([]Skill, error) {
	type scanSpec struct {
		dir    string
		source string
	}
	specs := []scanSpec{
		{dir: l.projectDir, source: SourceProject},
		{dir: l.userDir, source: SourceUser},
		{dir: l.installedDir, source: SourceInstalled},
	}

	seen := make(map[string]string) // canonical name -> winning source
	var out []Skill
	var errs []error

	for _, spec := range specs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if strings.TrimSpace(spec.dir) == "" {
			continue
		}
		base, err := filepath.Abs(spec.dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("abs skills dir (%s): %w", spec.dir, err))
			continue
		}

		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("read skills dir (%s): %w", base, err))
			continue
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !ent.IsDir() {
				// Symlinked skill directories are not followed.
				if ent.Type()&os.ModeSymlink != 0 {
					l.logger.Warn("skill directory is a symlink; symlinks are not followed",
						"name", ent.Name(),
						"dir", base,
					)
				}
				continue
			}
			key := CanonicalKey(ent.Name())
			if winner, ok := seen[key]; ok {
				l.logger.Info("skill collision: skipping lower-priority duplicate",
					"skill", ent.Name(),
					"winner_source", winner,
					"skipped_source", spec.source,
				)
				continue
			}

			skillDir := filepath.Join(base, ent.Name())
			s, err := l.loadOne(skillDir, spec.source)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				errs = append(errs, fmt.Errorf("load skill (%s): %w", ent.Name(), err))
				continue
			}
			out = append(out, s)
			seen[key] = spec.source
		}
	}

	return out, errors.Join(errs...)
}

func (l *Loader) loadOne(dir, source string) (Skill, error) {
	skillMD := filepath.Join(dir, "SKILL.md")
	fi, err := os.Stat(skillMD)
	if err != nil {
		return Skill{}, err
	}
	if fi.Size() > maxSkillMDSize {
		return Skill{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(skillMD)
	if err != nil {
		return Skill{}, fmt.Errorf("read SKILL.md: %w", err)
	}
	s, err := ParseSkillMD(data)
	if err != nil {
		return Skill{}, err
	}
	s.Source = source
	s.Dir = dir
	return s, nil
}
