// Package spawn is the policy engine deciding whether an agent may be
// created. Decisions depend on the requester's role and the mission's
// state, never on who carried the request in.
package spawn

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/basket/missiond/internal/budget"
	"github.com/basket/missiond/internal/skills"
	"gopkg.in/yaml.v3"
)

// EdgeBehavior is the closed set of spawn-edge outcomes. Every switch over
// it handles all three variants plus the unknown default.
type EdgeBehavior string

const (
	EdgeDeny            EdgeBehavior = "deny"
	EdgeAllow           EdgeBehavior = "allow"
	EdgeRequestApproval EdgeBehavior = "request_approval"
)

// Edge is one row of the role graph: what a requester role may spawn and
// how.
type Edge struct {
	Behavior EdgeBehavior `yaml:"behavior" json:"behavior"`
	CanSpawn []string     `yaml:"can_spawn" json:"can_spawn"`
}

// allows reports whether the edge covers the target role.
func (e Edge) allows(role string) bool {
	for _, r := range e.CanSpawn {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// Policy is the spawn policy document. The zero value denies everything.
type Policy struct {
	Enabled              bool                `yaml:"enabled" json:"enabled"`
	RequireJustification bool                `yaml:"require_justification" json:"require_justification"`
	MaxAgents            int                 `yaml:"max_agents" json:"max_agents"`
	MaxConcurrent        int                 `yaml:"max_concurrent" json:"max_concurrent"`
	ChildBudgetPercent   int                 `yaml:"child_budget_percent_of_parent_remaining" json:"child_budget_percent_of_parent_remaining"`
	Edges                map[string]Edge     `yaml:"spawn_edges" json:"spawn_edges"`
	RequiredSkills       []string            `yaml:"required_skills" json:"required_skills"`
	SkillSource          skills.SourcePolicy `yaml:"skill_source" json:"skill_source"`
	SkillPins            map[string]string   `yaml:"skill_pins" json:"skill_pins"`
	MissionTotalBudget   budget.Limit        `yaml:"mission_total_budget" json:"mission_total_budget"`
}

// Validate rejects edge behaviors outside the closed set.
func (p Policy) Validate() error {
	for role, edge := range p.Edges {
		switch edge.Behavior {
		case EdgeDeny, EdgeAllow, EdgeRequestApproval:
		default:
			return fmt.Errorf("spawn edge %q: unknown behavior %q", role, edge.Behavior)
		}
	}
	switch p.SkillSource {
	case "", skills.SourceAny, skills.SourceLocalOnly, skills.SourcePinned:
	default:
		return fmt.Errorf("unknown skill_source %q", p.SkillSource)
	}
	return nil
}

// Version returns a stable fnv-64a hash of the policy's decision-relevant
// fields, recorded with every audit entry.
func (p Policy) Version() string {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)) }
	write(fmt.Sprintf("enabled=%t|just=%t|max=%d|conc=%d|pct=%d|",
		p.Enabled, p.RequireJustification, p.MaxAgents, p.MaxConcurrent, p.ChildBudgetPercent))

	roles := make([]string, 0, len(p.Edges))
	for role := range p.Edges {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		e := p.Edges[role]
		targets := append([]string(nil), e.CanSpawn...)
		sort.Strings(targets)
		write("edge=" + role + ":" + string(e.Behavior) + ":" + strings.Join(targets, ",") + "|")
	}

	reqSkills := append([]string(nil), p.RequiredSkills...)
	sort.Strings(reqSkills)
	write("skills=" + strings.Join(reqSkills, ",") + "|source=" + string(p.SkillSource) + "|")
	pinned := make([]string, 0, len(p.SkillPins))
	for name, hash := range p.SkillPins {
		pinned = append(pinned, name+"="+hash)
	}
	sort.Strings(pinned)
	write("pins=" + strings.Join(pinned, ",") + "|")
	write(fmt.Sprintf("budget=%+v", p.MissionTotalBudget))
	return fmt.Sprintf("spawn-%x", h.Sum64())
}

// LivePolicy is the hot-reloadable policy holder. Readers always see a
// complete document; reload swaps atomically under the lock.
type LivePolicy struct {
	mu      sync.RWMutex
	policy  Policy
	version string
	loaded  bool
}

func NewLivePolicy(p Policy) *LivePolicy {
	lp := &LivePolicy{}
	lp.Replace(p)
	return lp
}

// EmptyLivePolicy holds no policy; Snapshot reports loaded=false and the
// gate denies with spawn_policy_missing.
func EmptyLivePolicy() *LivePolicy {
	return &LivePolicy{}
}

// Snapshot returns the current policy, its version, and whether one is
// loaded at all.
func (lp *LivePolicy) Snapshot() (Policy, string, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.policy, lp.version, lp.loaded
}

// Replace installs a new policy document.
func (lp *LivePolicy) Replace(p Policy) {
	version := p.Version()
	lp.mu.Lock()
	lp.policy = p
	lp.version = version
	lp.loaded = true
	lp.mu.Unlock()
}

// ReloadFromFile parses and validates a YAML policy file, then swaps it
// in. A broken file leaves the previous policy active.
func (lp *LivePolicy) ReloadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read spawn policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse spawn policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validate spawn policy: %w", err)
	}
	lp.Replace(p)
	return nil
}
