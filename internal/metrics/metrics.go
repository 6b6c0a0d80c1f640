package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("opsline-pipeline")

// Pipeline counts everything the statistics endpoint reports. Counters are
// kept twice: atomics back the Snapshot API, otel instruments feed whatever
// meter provider the host process installs.
type Pipeline struct {
	eventsIngested    atomic.Int64
	eventsDuplicate   atomic.Int64
	eventsUnparseable atomic.Int64
	decisionsRule     atomic.Int64
	decisionsEscal    atomic.Int64
	escalationFailed  atomic.Int64
	recsCreated       atomic.Int64
	recsApproved      atomic.Int64
	recsRejected      atomic.Int64
	recsExpired       atomic.Int64
	execSucceeded     atomic.Int64
	execFailed        atomic.Int64

	eventsCounter    metric.Int64Counter
	decisionsCounter metric.Int64Counter
	recsCounter      metric.Int64Counter
	execCounter      metric.Int64Counter
	execDuration     metric.Float64Histogram
}

func NewPipeline() (*Pipeline, error) {
	eventsCounter, err := meter.Int64Counter(
		"opsline.events",
		metric.WithDescription("Events seen by the listener, by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	decisionsCounter, err := meter.Int64Counter(
		"opsline.decisions",
		metric.WithDescription("Decisions produced, by source"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	recsCounter, err := meter.Int64Counter(
		"opsline.recommendations",
		metric.WithDescription("Recommendation lifecycle transitions"),
		metric.WithUnit("{recommendation}"),
	)
	if err != nil {
		return nil, err
	}
	execCounter, err := meter.Int64Counter(
		"opsline.executions",
		metric.WithDescription("Plan executions, by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}
	execDuration, err := meter.Float64Histogram(
		"opsline.execution.duration",
		metric.WithDescription("Duration of plan execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		eventsCounter:    eventsCounter,
		decisionsCounter: decisionsCounter,
		recsCounter:      recsCounter,
		execCounter:      execCounter,
		execDuration:     execDuration,
	}, nil
}

func (p *Pipeline) EventIngested(ctx context.Context, source string) {
	p.eventsIngested.Add(1)
	p.eventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", "ingested"),
	))
}

func (p *Pipeline) EventDuplicate(ctx context.Context, source string) {
	p.eventsDuplicate.Add(1)
	p.eventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", "duplicate"),
	))
}

func (p *Pipeline) EventUnparseable(ctx context.Context, source string) {
	p.eventsUnparseable.Add(1)
	p.eventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", "unparseable"),
	))
}

func (p *Pipeline) DecisionMade(ctx context.Context, escalated bool) {
	source := "rule"
	if escalated {
		source = "escalation"
		p.decisionsEscal.Add(1)
	} else {
		p.decisionsRule.Add(1)
	}
	p.decisionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (p *Pipeline) EscalationFailed(ctx context.Context) {
	p.escalationFailed.Add(1)
	p.decisionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "escalation_failed")))
}

func (p *Pipeline) RecommendationCreated(ctx context.Context) {
	p.recsCreated.Add(1)
	p.recsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", "created")))
}

func (p *Pipeline) RecommendationResolved(ctx context.Context, status string) {
	switch status {
	case "approved":
		p.recsApproved.Add(1)
	case "rejected":
		p.recsRejected.Add(1)
	case "expired":
		p.recsExpired.Add(1)
	}
	p.recsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("transition", status)))
}

func (p *Pipeline) ExecutionFinished(ctx context.Context, succeeded bool, duration time.Duration) {
	outcome := "failed"
	if succeeded {
		outcome = "completed"
		p.execSucceeded.Add(1)
	} else {
		p.execFailed.Add(1)
	}
	p.execCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	p.execDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Snapshot is the point-in-time view served on the statistics endpoint.
type Snapshot struct {
	EventsIngested          int64   `json:"events_ingested"`
	EventsDuplicate         int64   `json:"events_duplicate"`
	EventsUnparseable       int64   `json:"events_unparseable"`
	DecisionsMade           int64   `json:"decisions_made"`
	DecisionsByRule         int64   `json:"decisions_by_rule"`
	DecisionsEscalated      int64   `json:"decisions_escalated"`
	EscalationsFailed       int64   `json:"escalations_failed"`
	EscalationRate          float64 `json:"escalation_rate"`
	RecommendationsCreated  int64   `json:"recommendations_created"`
	RecommendationsApproved int64   `json:"recommendations_approved"`
	RecommendationsRejected int64   `json:"recommendations_rejected"`
	RecommendationsExpired  int64   `json:"recommendations_expired"`
	ExecutionsSucceeded     int64   `json:"executions_succeeded"`
	ExecutionsFailed        int64   `json:"executions_failed"`
	ExecutionSuccessRate    float64 `json:"execution_success_rate"`
}

func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		EventsIngested:          p.eventsIngested.Load(),
		EventsDuplicate:         p.eventsDuplicate.Load(),
		EventsUnparseable:       p.eventsUnparseable.Load(),
		DecisionsByRule:         p.decisionsRule.Load(),
		DecisionsEscalated:      p.decisionsEscal.Load(),
		EscalationsFailed:       p.escalationFailed.Load(),
		RecommendationsCreated:  p.recsCreated.Load(),
		RecommendationsApproved: p.recsApproved.Load(),
		RecommendationsRejected: p.recsRejected.Load(),
		RecommendationsExpired:  p.recsExpired.Load(),
		ExecutionsSucceeded:     p.execSucceeded.Load(),
		ExecutionsFailed:        p.execFailed.Load(),
	}
	s.DecisionsMade = s.DecisionsByRule + s.DecisionsEscalated
	if s.DecisionsMade > 0 {
		s.EscalationRate = float64(s.DecisionsEscalated) / float64(s.DecisionsMade)
	}
	if total := s.ExecutionsSucceeded + s.ExecutionsFailed; total > 0 {
		s.ExecutionSuccessRate = float64(s.ExecutionsSucceeded) / float64(total)
	}
	return s
}
