package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/metrics"
	"opsline/internal/oplog"
)

// ContextProvider rebuilds the decision context for an event. The context is
// ephemeral; nothing from it is persisted except through the Recommendation.
type ContextProvider interface {
	BuildContext(ctx context.Context, evt domain.Event) (domain.Context, error)
}

// Reasoner is the escalation path for cases the rule table cannot settle.
type Reasoner interface {
	Propose(ctx context.Context, dc domain.Context) (domain.Decision, error)
}

// Saver persists a finished Recommendation behind the approval gate.
type Saver interface {
	SaveRecommendation(ctx context.Context, rec domain.Recommendation) error
}

// Orchestrator runs the sense, think, decide, coordinate and present phases
// for each event. Events sharing a resource key are handled serially.
type Orchestrator struct {
	Provider ContextProvider
	Reasoner Reasoner
	Saver    Saver
	Oplog    oplog.Writer
	Metrics  *metrics.Pipeline
	Now      func() time.Time

	ConfidenceFloor     float64
	AcceptanceThreshold float64
	NearTieMargin       float64
	ContextTimeout      time.Duration
	ReasonerTimeout     time.Duration
	Scoring             config.Scoring

	NewID func() string

	locks *keyedMutex
}

func New(cfg *config.Config, provider ContextProvider, reasoner Reasoner, saver Saver, ol oplog.Writer, m *metrics.Pipeline) *Orchestrator {
	return &Orchestrator{
		Provider:            provider,
		Reasoner:            reasoner,
		Saver:               saver,
		Oplog:               ol,
		Metrics:             m,
		Now:                 time.Now,
		ConfidenceFloor:     cfg.Orchestrator.ConfidenceFloor,
		AcceptanceThreshold: cfg.Orchestrator.AcceptanceThreshold,
		NearTieMargin:       cfg.Orchestrator.NearTieMargin,
		ContextTimeout:      cfg.Orchestrator.ContextTimeout.Std(),
		ReasonerTimeout:     cfg.Reasoner.Timeout.Std(),
		Scoring:             cfg.Orchestrator.Scoring,
		locks:               newKeyedMutex(),
	}
}

// HandleEvent decides one event. At most one Decision comes out; a discarded
// or failed decision leaves only oplog entries behind.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt domain.Event) error {
	key := resourceKeyFor(evt)
	if key != "" {
		o.locks.Lock(key)
		defer o.locks.Unlock(key)
	}

	senseCtx, cancel := context.WithTimeout(ctx, o.ContextTimeout)
	defer cancel()
	dc, err := o.Provider.BuildContext(senseCtx, evt)
	if err != nil {
		return fmt.Errorf("build context for event %s: %w", evt.ID, err)
	}

	decision, err := o.decide(ctx, dc)
	if err != nil {
		return err
	}
	if decision == nil {
		return nil
	}
	decision.EventID = evt.ID
	if decision.ResourceKey == "" {
		decision.ResourceKey = key
	}
	decision.Confidence = clamp01(decision.Confidence)

	if decision.Confidence < o.ConfidenceFloor {
		if err := o.Oplog.AppendDB(ctx, oplog.DecisionDiscarded, "event", evt.ID, oplog.Payload{
			"type":       string(decision.Type),
			"confidence": decision.Confidence,
			"floor":      o.ConfidenceFloor,
			"rationale":  decision.Rationale,
		}); err != nil {
			log.Printf("orchestrator: oplog append: %v", err)
		}
		return nil
	}

	o.Metrics.DecisionMade(ctx, decision.Source == domain.DecisionByEscalation)
	if err := o.Oplog.AppendDB(ctx, oplog.DecisionMade, "event", evt.ID, oplog.Payload{
		"type": string(decision.Type), "source": string(decision.Source), "confidence": decision.Confidence,
	}); err != nil {
		log.Printf("orchestrator: oplog append: %v", err)
	}

	plan, impact, err := o.coordinate(*decision, dc)
	if err != nil {
		return fmt.Errorf("coordinate plan for event %s: %w", evt.ID, err)
	}

	rec := domain.Recommendation{
		ID:          o.newID(),
		EventID:     evt.ID,
		Summary:     summarize(*decision, dc),
		Decision:    *decision,
		Plan:        plan,
		Impact:      impact,
		Confidence:  decision.Confidence,
		Status:      domain.StatusPendingApproval,
		ResourceKey: decision.ResourceKey,
		CreatedAt:   o.Now().UTC().Format(time.RFC3339),
	}
	if err := o.Saver.SaveRecommendation(ctx, rec); err != nil {
		return fmt.Errorf("save recommendation for event %s: %w", evt.ID, err)
	}
	return nil
}

// decide runs the rule table, escalating when no rule settles the event. A
// nil decision with nil error means the event was deliberately dropped.
func (o *Orchestrator) decide(ctx context.Context, dc domain.Context) (*domain.Decision, error) {
	decision, err := o.applyRules(dc)
	if err == nil {
		return decision, nil
	}
	if err != domain.ErrNoApplicableRule {
		return nil, err
	}
	return o.escalate(ctx, dc)
}

func (o *Orchestrator) escalate(ctx context.Context, dc domain.Context) (*domain.Decision, error) {
	evtID := dc.Event.ID
	if o.Reasoner == nil {
		if err := o.Oplog.AppendDB(ctx, oplog.EscalationFailed, "event", evtID, oplog.Payload{
			"error": "no reasoner configured",
		}); err != nil {
			log.Printf("orchestrator: oplog append: %v", err)
		}
		o.Metrics.EscalationFailed(ctx)
		return nil, nil
	}
	if err := o.Oplog.AppendDB(ctx, oplog.DecisionEscalated, "event", evtID, nil); err != nil {
		log.Printf("orchestrator: oplog append: %v", err)
	}
	proposeCtx, cancel := context.WithTimeout(ctx, o.ReasonerTimeout)
	defer cancel()
	decision, err := o.Reasoner.Propose(proposeCtx, dc)
	if err != nil {
		o.Metrics.EscalationFailed(ctx)
		escErr := &domain.EscalationError{EventID: evtID, Err: err}
		log.Printf("orchestrator: %v", escErr)
		if err := o.Oplog.AppendDB(ctx, oplog.EscalationFailed, "event", evtID, oplog.Payload{
			"error": err.Error(),
		}); err != nil {
			log.Printf("orchestrator: oplog append: %v", err)
		}
		return nil, nil
	}
	decision.Source = domain.DecisionByEscalation
	return &decision, nil
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return newUUID()
}

// resourceKeyFor derives the contention key before any decision is made, so
// serialization covers the whole pipeline run.
func resourceKeyFor(evt domain.Event) string {
	switch evt.Type {
	case domain.EventSlotCancelled:
		if id, _ := evt.Payload["slot_id"].(string); id != "" {
			return "slot:" + id
		}
	case domain.EventResourceAvailable:
		if id, _ := evt.Payload["resource_id"].(string); id != "" {
			return "slot:" + id
		}
	case domain.EventReadinessChanged, domain.EventDeadlineApproaching:
		if len(evt.SubjectIDs) > 0 {
			return "subject:" + evt.SubjectIDs[0]
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
