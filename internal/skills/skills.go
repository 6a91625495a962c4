// Package skills discovers SKILL.md definitions, pins them to content
// hashes, and answers the spawn gate's skill checks.
package skills

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill sources, in collision priority order.
const (
	SourceProject   = "project"
	SourceUser      = "user"
	SourceInstalled = "installed"
)

// SourcePolicy controls which skill sources a spawn may draw from.
type SourcePolicy string

const (
	// SourceAny admits skills from every source.
	SourceAny SourcePolicy = "any"
	// SourceLocalOnly admits only project and user skills.
	SourceLocalOnly SourcePolicy = "local_only"
	// SourcePinned admits only skills whose content hash matches the pin
	// recorded in the policy.
	SourcePinned SourcePolicy = "pinned"
)

var (
	ErrSkillMissing = errors.New("skill not registered")
	ErrSourceDenied = errors.New("skill source denied by policy")
	ErrHashMismatch = errors.New("skill content hash mismatch")
)

// Skill is one discovered skill pinned to its content.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version,omitempty" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description"`
	Source      string `json:"source"`
	Dir         string `json:"dir"`
	ContentHash string `json:"content_hash"`
}

// CanonicalKey normalizes a skill name for collision detection and lookup.
func CanonicalKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HashContent returns the sha256 pin for a SKILL.md body.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashResolved pins a resolved skill set: the sha256 over each skill's
// canonical name and content pin, in name order. Order-insensitive, so the
// same set always yields the same hash. Empty set hashes to "".
func HashResolved(resolved []Skill) string {
	if len(resolved) == 0 {
		return ""
	}
	lines := make([]string, 0, len(resolved))
	for _, s := range resolved {
		lines = append(lines, CanonicalKey(s.Name)+"="+s.ContentHash)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseSkillMD reads the YAML front matter of a SKILL.md file. The markdown
// body after the closing marker is instruction text for the agent and is
// not interpreted here.
func ParseSkillMD(data []byte) (Skill, error) {
	const marker = "---"
	trimmed := bytes.TrimLeft(data, "\r\n \t")
	if !bytes.HasPrefix(trimmed, []byte(marker)) {
		return Skill{}, errors.New("SKILL.md missing front matter")
	}
	rest := trimmed[len(marker):]
	end := bytes.Index(rest, []byte("\n"+marker))
	if end < 0 {
		return Skill{}, errors.New("SKILL.md front matter not terminated")
	}
	var s Skill
	if err := yaml.Unmarshal(rest[:end], &s); err != nil {
		return Skill{}, fmt.Errorf("parse SKILL.md front matter: %w", err)
	}
	if strings.TrimSpace(s.Name) == "" {
		return Skill{}, errors.New("SKILL.md front matter missing name")
	}
	s.ContentHash = HashContent(data)
	return s, nil
}

// Authorize checks one skill against a source policy. pinnedHash is only
// consulted under SourcePinned.
func Authorize(s Skill, policy SourcePolicy, pinnedHash string) error {
	switch policy {
	case SourceAny, "":
		return nil
	case SourceLocalOnly:
		if s.Source == SourceInstalled {
			return fmt.Errorf("%w: %s is %s", ErrSourceDenied, s.Name, s.Source)
		}
		return nil
	case SourcePinned:
		if pinnedHash == "" || s.ContentHash != pinnedHash {
			return fmt.Errorf("%w: %s", ErrHashMismatch, s.Name)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrSourceDenied, policy)
	}
}
