package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/missiond/internal/capability"
	"github.com/basket/missiond/internal/persistence"
)

// ToolExecutor performs the filesystem/shell/network actions the guard
// has authorized. Like the execution engine it lives outside this
// process's concerns; the runtime only ever reaches it through a guard
// decision.
type ToolExecutor interface {
	Execute(ctx context.Context, instanceID string, action capability.Action) error
}

// ToolResult reports how an attempted action was handled. Approval is
// set only when the action was parked for an operator.
type ToolResult struct {
	Decision capability.Decision         `json:"decision"`
	Approval *persistence.ApprovalRecord `json:"approval,omitempty"`
}

// ErrToolDenied wraps the guard code for a denied action.
type ErrToolDenied struct {
	Code string
}

func (e ErrToolDenied) Error() string { return "tool denied: " + e.Code }

// toolApprovalSubject is what a parked tool action carries through the
// approval queue.
type toolApprovalSubject struct {
	InstanceID string            `json:"instance_id"`
	Action     capability.Action `json:"action"`
}

// ExecuteTool routes one attempted action through the capability guard.
// Authorized actions run on the executor immediately; actions the grant
// set marks requires-approval (git push) park on the approval queue and
// run when an operator approves.
func (r *Runtime) ExecuteTool(ctx context.Context, instanceID string, action capability.Action) (ToolResult, error) {
	decision := r.guard.Authorize(instanceID, action)
	switch {
	case decision.Authorized:
		if r.tools == nil {
			return ToolResult{Decision: decision}, fmt.Errorf("no tool executor configured")
		}
		if err := r.tools.Execute(ctx, instanceID, action); err != nil {
			return ToolResult{Decision: decision}, fmt.Errorf("execute %s %s: %w", action.Kind, action.Target, err)
		}
		return ToolResult{Decision: decision}, nil

	case decision.RequiresApproval:
		missionID := ""
		if inst, ok := r.registry.Get(instanceID); ok {
			missionID = inst.MissionID
		}
		rec, err := r.approvals.Park(ctx, persistence.ApprovalKindTool, missionID, instanceID,
			toolApprovalSubject{InstanceID: instanceID, Action: action}, r.approvalTTL)
		if err != nil {
			return ToolResult{Decision: decision}, fmt.Errorf("park tool approval: %w", err)
		}
		r.logger.Info("tool action parked for approval",
			"approval_id", rec.ApprovalID,
			"instance_id", instanceID,
			"kind", action.Kind,
			"target", action.Target,
		)
		return ToolResult{Decision: decision, Approval: &rec}, nil

	default:
		return ToolResult{Decision: decision}, ErrToolDenied{Code: decision.Code}
	}
}

// resumeTool runs a tool action whose approval was granted. The grant
// set is not re-checked: the operator's decision stands in for it, but
// the instance must still be live.
func (r *Runtime) resumeTool(ctx context.Context, rec persistence.ApprovalRecord) error {
	var subject toolApprovalSubject
	if err := json.Unmarshal([]byte(rec.SubjectJSON), &subject); err != nil {
		return fmt.Errorf("decode tool approval subject: %w", err)
	}
	inst, ok := r.registry.Get(subject.InstanceID)
	if !ok || inst.Status.Terminal() {
		return fmt.Errorf("instance %s no longer live", subject.InstanceID)
	}
	if r.tools == nil {
		return fmt.Errorf("no tool executor configured")
	}
	if err := r.tools.Execute(ctx, subject.InstanceID, subject.Action); err != nil {
		return fmt.Errorf("execute approved %s %s: %w", subject.Action.Kind, subject.Action.Target, err)
	}
	r.logger.Info("approved tool action executed",
		"approval_id", rec.ApprovalID,
		"instance_id", subject.InstanceID,
		"kind", subject.Action.Kind,
		"target", subject.Action.Target,
	)
	return nil
}
