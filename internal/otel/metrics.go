package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all missiond metrics instruments.
type Metrics struct {
	SpawnDecisions   metric.Int64Counter
	SpawnDenied      metric.Int64Counter
	ReducerApply     metric.Float64Histogram
	MissionEvents    metric.Int64Counter
	BudgetCharges    metric.Int64Counter
	BudgetExhausted  metric.Int64Counter
	TokensUsed       metric.Int64Counter
	ActiveInstances  metric.Int64UpDownCounter
	ApprovalsPending metric.Int64UpDownCounter
	RoutineFires     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SpawnDecisions, err = meter.Int64Counter("missiond.spawn.decisions",
		metric.WithDescription("Spawn gate evaluations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDenied, err = meter.Int64Counter("missiond.spawn.denied",
		metric.WithDescription("Spawn gate denials by decision code"),
	)
	if err != nil {
		return nil, err
	}

	m.ReducerApply, err = meter.Float64Histogram("missiond.reducer.apply.duration",
		metric.WithDescription("Mission reducer apply duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MissionEvents, err = meter.Int64Counter("missiond.mission.events",
		metric.WithDescription("Mission events committed to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetCharges, err = meter.Int64Counter("missiond.budget.charges",
		metric.WithDescription("Budget supervisor charges applied"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetExhausted, err = meter.Int64Counter("missiond.budget.exhausted",
		metric.WithDescription("Budget exhaustion events by dimension"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("missiond.tokens",
		metric.WithDescription("Total tokens consumed across instances"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveInstances, err = meter.Int64UpDownCounter("missiond.instances.active",
		metric.WithDescription("Instances currently queued or running"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("missiond.approvals.pending",
		metric.WithDescription("Approvals awaiting an operator"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutineFires, err = meter.Int64Counter("missiond.routine.fires",
		metric.WithDescription("Routine fires by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
