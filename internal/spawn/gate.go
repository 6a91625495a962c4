package spawn

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/missiond/internal/audit"
	"github.com/basket/missiond/internal/budget"
	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/shared"
	"github.com/basket/missiond/internal/skills"
)

// Decision outcomes.
const (
	OutcomeAllowed          = "allowed"
	OutcomeDenied           = "denied"
	OutcomeApprovalRequired = "approval_required"
)

// Stable decision codes, in pipeline order. The first failing check wins
// and the rest are not evaluated.
const (
	CodePolicyMissing          = "spawn_policy_missing"
	CodePolicyDisabled         = "spawn_policy_disabled"
	CodeDeniedEdge             = "spawn_denied_edge"
	CodeRequestOnly            = "spawn_request_only"
	CodeJustificationRequired  = "spawn_justification_required"
	CodeMaxAgents              = "spawn_max_agents"
	CodeMaxConcurrent          = "spawn_max_concurrent"
	CodeMissionBudgetExhausted = "spawn_mission_budget_exhausted"
	CodeMissingSkill           = "spawn_missing_skill"
	CodeSkillSourceDenied      = "spawn_skill_source_denied"
	CodeSkillHashMismatch      = "spawn_skill_hash_mismatch"
	CodeAllowed                = "spawn_allowed"
)

// Request is one spawn attempt. Caller records who carried the request in
// (ui, tool, routine, runtime) and is logged but never consulted: two
// requests differing only in Caller get identical decisions.
type Request struct {
	MissionID      string
	RequesterID    string // instance id; empty for operator-originated spawns
	RequesterRole  string
	Role           string // target role
	TemplateID     string
	Caller         string
	Justification  string
	RequiredSkills []string     // template-level skills, unioned with policy skills
	TemplateBudget budget.Limit // the template's per-spawn ceiling
}

// Counts is the registry's view of a mission at decision time.
type Counts struct {
	// TotalSpawned counts every instance ever admitted to the mission.
	TotalSpawned int
	// Concurrent counts currently live (queued or running) instances.
	Concurrent int
}

// CountsFunc supplies mission counts; the registry provides this.
type CountsFunc func(missionID string) Counts

// Decision is the gate's answer. ChildLimit and SkillHash are populated
// only for allowed spawns; SkillHash pins the resolved skill set the
// instance was admitted with.
type Decision struct {
	Outcome       string       `json:"outcome"`
	Code          string       `json:"code"`
	PolicyVersion string       `json:"policy_version"`
	ChildLimit    budget.Limit `json:"child_limit,omitempty"`
	SkillHash     string       `json:"skill_hash,omitempty"`
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

// Gate evaluates spawn requests against the live policy. Evaluate holds a
// per-mission lock so concurrent requests against the same mission see
// consistent counts; callers that admit instances must do so before
// releasing their own mission serialization.
type Gate struct {
	policy  *LivePolicy
	skills  *skills.Registry
	budgets *budget.Supervisor
	counts  CountsFunc
	bus     *bus.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	missionMu map[string]*sync.Mutex
}

type Config struct {
	Policy  *LivePolicy
	Skills  *skills.Registry
	Budgets *budget.Supervisor
	Counts  CountsFunc
	Bus     *bus.Bus
	Logger  *slog.Logger
}

func NewGate(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = EmptyLivePolicy()
	}
	counts := cfg.Counts
	if counts == nil {
		counts = func(string) Counts { return Counts{} }
	}
	return &Gate{
		policy:    policy,
		skills:    cfg.Skills,
		budgets:   cfg.Budgets,
		counts:    counts,
		bus:       cfg.Bus,
		logger:    logger,
		missionMu: make(map[string]*sync.Mutex),
	}
}

// Evaluate runs the request through the pipeline and returns the first
// decisive answer. Every decision is audited and published.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	unlock := g.lockMission(req.MissionID)
	defer unlock()

	g.publish(bus.TopicSpawnRequested, req, Decision{Outcome: "requested"})

	d := g.evaluate(req, false)
	g.record(ctx, req, d)
	return d
}

// EvaluateApproved re-runs the pipeline for a spawn whose approval was
// granted. The operator's decision satisfies the request_approval edge and
// nothing else: caps, mission budget, and skill pins still apply at
// admission time.
func (g *Gate) EvaluateApproved(ctx context.Context, req Request) Decision {
	unlock := g.lockMission(req.MissionID)
	defer unlock()

	d := g.evaluate(req, true)
	g.record(ctx, req, d)
	return d
}

func (g *Gate) evaluate(req Request, approved bool) Decision {
	policy, version, loaded := g.policy.Snapshot()
	if !loaded {
		return Decision{Outcome: OutcomeDenied, Code: CodePolicyMissing, PolicyVersion: version}
	}
	deny := func(code string) Decision {
		return Decision{Outcome: OutcomeDenied, Code: code, PolicyVersion: version}
	}

	if !policy.Enabled {
		return deny(CodePolicyDisabled)
	}

	edge, ok := policy.Edges[req.RequesterRole]
	if !ok || !edge.allows(req.Role) {
		return deny(CodeDeniedEdge)
	}
	switch edge.Behavior {
	case EdgeDeny:
		return deny(CodeDeniedEdge)
	case EdgeRequestApproval:
		if !approved {
			return Decision{Outcome: OutcomeApprovalRequired, Code: CodeRequestOnly, PolicyVersion: version}
		}
	case EdgeAllow:
	default:
		// Unknown behavior slipped past validation; fail closed.
		return deny(CodeDeniedEdge)
	}

	if policy.RequireJustification && req.Justification == "" {
		return deny(CodeJustificationRequired)
	}

	counts := g.counts(req.MissionID)
	if policy.MaxAgents > 0 && counts.TotalSpawned >= policy.MaxAgents {
		return deny(CodeMaxAgents)
	}
	if policy.MaxConcurrent > 0 && counts.Concurrent >= policy.MaxConcurrent {
		return deny(CodeMaxConcurrent)
	}

	if g.budgets != nil {
		// The breach latch outlives the cascade; the live aggregate alone
		// would look affordable again once every instance is cancelled.
		if g.budgets.MissionBreached(req.MissionID) {
			return deny(CodeMissionBudgetExhausted)
		}
		usage, limit := g.budgets.MissionUsage(req.MissionID)
		if limit.IsZero() {
			limit = policy.MissionTotalBudget
		}
		if _, exceeded := limit.Exceeded(usage); exceeded {
			return deny(CodeMissionBudgetExhausted)
		}
	}

	var skillHash string
	if g.skills != nil {
		required := append(append([]string(nil), policy.RequiredSkills...), req.RequiredSkills...)
		resolved := make([]skills.Skill, 0, len(required))
		for _, name := range required {
			err := g.skills.Authorize(name, policy.SkillSource, policy.SkillPins)
			switch {
			case err == nil:
			case errors.Is(err, skills.ErrSkillMissing):
				return deny(CodeMissingSkill)
			case errors.Is(err, skills.ErrSourceDenied):
				return deny(CodeSkillSourceDenied)
			case errors.Is(err, skills.ErrHashMismatch):
				return deny(CodeSkillHashMismatch)
			default:
				return deny(CodeSkillSourceDenied)
			}
			if s, ok := g.skills.Lookup(name); ok {
				resolved = append(resolved, s)
			}
		}
		skillHash = skills.HashResolved(resolved)
	}

	return Decision{
		Outcome:       OutcomeAllowed,
		Code:          CodeAllowed,
		PolicyVersion: version,
		ChildLimit:    g.childLimit(req),
		SkillHash:     skillHash,
	}
}

// childLimit derives the admitted instance's budget: each dimension is the
// smaller of the template's ceiling and the configured percentage of the
// parent's remaining budget. Operator spawns have no parent and get the
// template ceiling as-is.
func (g *Gate) childLimit(req Request) budget.Limit {
	policy, _, _ := g.policy.Snapshot()
	if g.budgets != nil && req.RequesterID != "" {
		if remaining, ok := g.budgets.RemainingFor(req.RequesterID); ok {
			return budget.ChildLimit(req.TemplateBudget, remaining, policy.ChildBudgetPercent)
		}
	}
	return req.TemplateBudget
}

func (g *Gate) record(ctx context.Context, req Request, d Decision) {
	decision := "deny"
	switch d.Outcome {
	case OutcomeAllowed:
		decision = "allow"
	case OutcomeApprovalRequired:
		decision = "approval"
	}
	audit.Record(decision, "spawn."+req.Role, d.Code, "caller="+req.Caller, d.PolicyVersion, req.RequesterID)

	switch d.Outcome {
	case OutcomeDenied:
		g.publish(bus.TopicSpawnDenied, req, d)
		g.logger.Info("spawn denied",
			"mission_id", req.MissionID,
			"requester_role", req.RequesterRole,
			"role", req.Role,
			"code", d.Code,
			"trace_id", shared.TraceID(ctx),
		)
	case OutcomeApprovalRequired:
		g.logger.Info("spawn parked for approval",
			"mission_id", req.MissionID,
			"requester_role", req.RequesterRole,
			"role", req.Role,
			"trace_id", shared.TraceID(ctx),
		)
	}
}

func (g *Gate) publish(topic string, req Request, d Decision) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, bus.SpawnDecisionEvent{
		MissionID:   req.MissionID,
		RequesterID: req.RequesterID,
		Role:        req.Role,
		Caller:      req.Caller,
		Outcome:     d.Outcome,
		Code:        d.Code,
	})
}

func (g *Gate) lockMission(missionID string) func() {
	g.mu.Lock()
	mu, ok := g.missionMu[missionID]
	if !ok {
		mu = &sync.Mutex{}
		g.missionMu[missionID] = mu
	}
	g.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}
