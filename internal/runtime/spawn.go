package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/missiond/internal/mission"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/routine"
	"github.com/basket/missiond/internal/shared"
	"github.com/basket/missiond/internal/spawn"
	"github.com/basket/missiond/internal/template"
)

// SpawnRequest is the runtime's spawn surface. Role or TemplateID selects
// the template; ItemID links the instance to the work item it serves.
type SpawnRequest struct {
	MissionID     string `json:"mission_id"`
	RequesterID   string `json:"requester_id,omitempty"`
	RequesterRole string `json:"requester_role,omitempty"`
	Role          string `json:"role,omitempty"`
	TemplateID    string `json:"template_id,omitempty"`
	Caller        string `json:"caller,omitempty"`
	Justification string `json:"justification,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
}

// SpawnResult carries the gate's decision plus whichever artifact the
// outcome produced: an admitted instance or a parked approval.
type SpawnResult struct {
	Decision SpawnDecision
	Instance *persistence.InstanceRecord
	Approval *persistence.ApprovalRecord
}

// SpawnDecision re-exports the gate decision for callers outside internal.
type SpawnDecision = spawn.Decision

// Spawn runs a request through the gate and, if allowed, admits and
// starts the instance. The mission lock covers evaluation and admission
// so concurrent spawns see consistent counts.
func (r *Runtime) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	unlock := r.lockMission(req.MissionID)
	defer unlock()
	return r.spawnLocked(ctx, req)
}

func (r *Runtime) spawnLocked(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	tmpl, gateReq, err := r.resolveRequest(ctx, req)
	if err != nil {
		return SpawnResult{}, err
	}

	d := r.gate.Evaluate(ctx, gateReq)
	switch d.Outcome {
	case spawn.OutcomeAllowed:
		inst, err := r.admit(ctx, req, tmpl, d)
		if err != nil {
			return SpawnResult{Decision: d}, err
		}
		return SpawnResult{Decision: d, Instance: inst}, nil

	case spawn.OutcomeApprovalRequired:
		rec, err := r.approvals.Park(ctx, persistence.ApprovalKindSpawn, req.MissionID, req.RequesterID, req, r.approvalTTL)
		if err != nil {
			return SpawnResult{Decision: d}, err
		}
		return SpawnResult{Decision: d, Approval: &rec}, nil

	default:
		return SpawnResult{Decision: d}, nil
	}
}

// resolveRequest resolves the template and builds the gate request. Caller
// defaults from the context when the request leaves it empty.
func (r *Runtime) resolveRequest(ctx context.Context, req SpawnRequest) (template.AgentTemplate, spawn.Request, error) {
	var (
		tmpl template.AgentTemplate
		err  error
	)
	if req.TemplateID != "" {
		tmpl, err = r.templates.Get(req.TemplateID)
	} else if req.Role != "" {
		tmpl, err = r.templates.GetByRole(req.Role)
	} else {
		err = fmt.Errorf("spawn request needs a role or template_id")
	}
	if err != nil {
		return template.AgentTemplate{}, spawn.Request{}, err
	}

	caller := req.Caller
	if caller == "" {
		caller = shared.Caller(ctx)
	}
	return tmpl, spawn.Request{
		MissionID:      req.MissionID,
		RequesterID:    req.RequesterID,
		RequesterRole:  req.RequesterRole,
		Role:           tmpl.Role,
		TemplateID:     tmpl.TemplateID,
		Caller:         caller,
		Justification:  req.Justification,
		RequiredSkills: tmpl.RequiredSkills,
		TemplateBudget: tmpl.Budget,
	}, nil
}

// admit registers the instance, opens its budget account and capability
// grants, and hands it to the engine. The session id minted here is what
// the execution engine runs against; the skill hash pins the resolved
// skill set for the instance's lifetime. An engine that refuses to start
// leaves the instance FAILED rather than stuck QUEUED.
func (r *Runtime) admit(ctx context.Context, req SpawnRequest, tmpl template.AgentTemplate, d spawn.Decision) (*persistence.InstanceRecord, error) {
	limit := d.ChildLimit
	rec := persistence.InstanceRecord{
		InstanceID:       uuid.NewString(),
		SessionID:        uuid.NewString(),
		MissionID:        req.MissionID,
		Role:             tmpl.Role,
		TemplateID:       tmpl.TemplateID,
		ParentInstanceID: req.RequesterID,
		WorkItemID:       req.ItemID,
		SkillHash:        d.SkillHash,
		Caller:           req.Caller,
		Justification:    req.Justification,
		Limits:           limit,
	}
	if rec.Caller == "" {
		rec.Caller = shared.Caller(ctx)
	}
	if err := r.registry.Admit(ctx, rec); err != nil {
		return nil, err
	}
	r.budgets.Track(req.MissionID, rec.InstanceID, limit)
	if r.guard != nil {
		r.guard.Register(rec.InstanceID, tmpl.Capabilities)
	}

	if r.engine != nil {
		if err := r.engine.Start(ctx, rec, tmpl); err != nil {
			if rErr := r.ReportInstanceDone(ctx, rec.InstanceID, persistence.InstanceFailed, "engine_start_failed"); rErr != nil {
				r.logger.Error("failed to mark unstartable instance", "instance_id", rec.InstanceID, "error", rErr)
			}
			return nil, fmt.Errorf("start instance %s: %w", rec.InstanceID, err)
		}
	}
	if err := r.registry.MarkRunning(ctx, rec.InstanceID); err != nil {
		return nil, err
	}
	rec.Status = persistence.InstanceRunning
	return &rec, nil
}

// resumeSpawn replays an approved spawn request. The gate is consulted
// again with the request_approval edge treated as satisfied, so hard caps,
// mission budget, and skill pins still hold at admission time.
func (r *Runtime) resumeSpawn(ctx context.Context, rec persistence.ApprovalRecord) error {
	var req SpawnRequest
	if err := json.Unmarshal([]byte(rec.SubjectJSON), &req); err != nil {
		return fmt.Errorf("decode spawn approval subject: %w", err)
	}

	unlock := r.lockMission(req.MissionID)
	defer unlock()

	tmpl, gateReq, err := r.resolveRequest(ctx, req)
	if err != nil {
		return err
	}
	d := r.gate.EvaluateApproved(ctx, gateReq)
	if d.Outcome != spawn.OutcomeAllowed {
		return fmt.Errorf("spawn no longer admissible: %s", d.Code)
	}
	inst, err := r.admit(ctx, req, tmpl, d)
	if err != nil {
		return err
	}
	r.logger.Info("approved spawn admitted",
		"approval_id", rec.ApprovalID,
		"instance_id", inst.InstanceID,
		"mission_id", req.MissionID,
		"role", tmpl.Role,
	)
	return nil
}

// LaunchRoutine satisfies routine.Launcher: a fire becomes a one-item
// mission executed by the routine's template.
func (r *Runtime) LaunchRoutine(ctx context.Context, subject routine.FireSubject) (string, error) {
	tmpl, err := r.templates.Get(subject.TemplateID)
	if err != nil {
		return "", err
	}
	spec := mission.Spec{
		MissionID: uuid.NewString(),
		Goal:      subject.Goal,
		WorkItems: []mission.ItemSpec{{ID: subject.RoutineID + "-work", Role: tmpl.Role}},
	}
	ctx = shared.WithCaller(ctx, shared.CallerRoutine)
	if _, err := r.CreateMission(ctx, spec); err != nil {
		return "", err
	}
	if _, err := r.StartMission(ctx, spec.MissionID); err != nil {
		return "", err
	}
	return spec.MissionID, nil
}

// resumeRoutine launches the mission for a routine fire an operator
// approved.
func (r *Runtime) resumeRoutine(ctx context.Context, rec persistence.ApprovalRecord) error {
	var subject routine.FireSubject
	if err := json.Unmarshal([]byte(rec.SubjectJSON), &subject); err != nil {
		return fmt.Errorf("decode routine approval subject: %w", err)
	}
	missionID, err := r.LaunchRoutine(ctx, subject)
	if err != nil {
		return fmt.Errorf("launch approved routine %s: %w", subject.RoutineID, err)
	}
	r.logger.Info("approved routine fire launched",
		"approval_id", rec.ApprovalID,
		"routine_id", subject.RoutineID,
		"run_id", subject.RunID,
		"mission_id", missionID,
	)
	return nil
}
