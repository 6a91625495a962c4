package capability

import (
	"log/slog"
	"sync"

	"github.com/basket/missiond/internal/audit"
	"github.com/basket/missiond/internal/bus"
)

// Guard holds the grant set for every live instance and evaluates attempted
// actions against it. Checks are independent per instance and safe to run in
// parallel.
type Guard struct {
	mu     sync.RWMutex
	grants map[string]Capabilities

	bus    *bus.Bus
	logger *slog.Logger
}

// NewGuard creates a Guard publishing denials on the given bus.
func NewGuard(b *bus.Bus, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		grants: make(map[string]Capabilities),
		bus:    b,
		logger: logger,
	}
}

// Register attaches a grant set to an instance. Called by the registry when
// an instance is created; the grants are fixed for the instance's lifetime.
func (g *Guard) Register(instanceID string, caps Capabilities) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[instanceID] = caps
}

// Drop removes an instance's grants once it is terminal.
func (g *Guard) Drop(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, instanceID)
}

// Authorize evaluates one action for one instance. It never returns an
// error and never cancels the instance: callers branch on the decision
// code. Every decision is audited; denials additionally publish
// capability.denied.
func (g *Guard) Authorize(instanceID string, action Action) Decision {
	g.mu.RLock()
	caps, ok := g.grants[instanceID]
	g.mu.RUnlock()

	if !ok {
		decision := denied(CodeUnknownInstance)
		g.record(instanceID, action, decision, "")
		return decision
	}

	decision := caps.Evaluate(action)
	g.record(instanceID, action, decision, caps.Version())
	return decision
}

func (g *Guard) record(instanceID string, action Action, decision Decision, version string) {
	verdict := "deny"
	switch {
	case decision.Authorized:
		verdict = "allow"
	case decision.RequiresApproval:
		verdict = "requires_approval"
	}
	audit.Record(verdict, "capability."+action.Kind, decision.Code, action.Target, version, instanceID)

	if decision.Authorized {
		return
	}
	g.logger.Debug("capability denied",
		"instance_id", instanceID,
		"kind", action.Kind,
		"target", action.Target,
		"code", decision.Code,
	)
	if g.bus != nil {
		g.bus.Publish(bus.TopicCapabilityDenied, bus.CapabilityDeniedEvent{
			InstanceID: instanceID,
			Kind:       action.Kind,
			Target:     action.Target,
			Code:       decision.Code,
		})
	}
}
