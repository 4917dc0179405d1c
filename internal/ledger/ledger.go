// Package ledger persists evaluation outcomes. Every evaluation call writes
// one append-only row, folds each rule's timing into the per-rule rolling
// stats, and announces the outcome on the event bus.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openutility/flume/internal/domain"
)

// Ledger records completed evaluations. The bus and cache are optional;
// a nil bus skips publication and a nil cache skips the daily counter
// (used by the standalone profile during tests).
type Ledger struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	logger *slog.Logger
}

func New(repo domain.Repository, cache domain.Cache, bus domain.EventBus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, cache: cache, bus: bus, logger: logger}
}

// Record writes the evaluation row, updates rule stats and publishes the
// completion event. The row write is authoritative; stats and bus failures
// are logged but never fail a finished evaluation.
func (l *Ledger) Record(ctx context.Context, tenantID string, eval *domain.RuleEvaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if eval.ID == "" {
		eval.ID = uuid.New().String()
	}
	if eval.EvaluationID == "" {
		eval.EvaluationID = eval.ID
	}
	eval.TenantID = tenantID

	if err := l.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
		return fmt.Errorf("saving evaluation %s: %w", eval.EvaluationID, err)
	}

	l.recordStats(ctx, tenantID, eval)
	l.countEvaluation(ctx, tenantID)
	l.publish(ctx, tenantID, eval)
	return nil
}

// countEvaluation bumps the tenant's rolling 24h evaluation counter. The
// counter is advisory; failures only log.
func (l *Ledger) countEvaluation(ctx context.Context, tenantID string) {
	if l.cache == nil {
		return
	}
	n, err := l.cache.IncrementCounter(ctx, tenantID, "evaluations:daily", 24*time.Hour)
	if err != nil {
		l.logger.Warn("incrementing evaluation counter", "tenant_id", tenantID, "error", err)
		return
	}
	l.logger.Debug("evaluation counted", "tenant_id", tenantID, "daily_count", n)
}

// Get returns one ledger row by evaluation ID.
func (l *Ledger) Get(ctx context.Context, tenantID string, evaluationID string) (*domain.RuleEvaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return l.repo.GetEvaluation(ctx, tenantID, evaluationID)
}

// RuleStats returns the rolling aggregate for one rule.
func (l *Ledger) RuleStats(ctx context.Context, tenantID string, ruleID string) (*domain.RuleExecutionStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return l.repo.GetRuleStats(ctx, tenantID, ruleID)
}

// recordStats folds every rule trace into its rolling aggregate. A rule
// counts as successful when it terminated without error, matched or not.
func (l *Ledger) recordStats(ctx context.Context, tenantID string, eval *domain.RuleEvaluation) {
	if eval.Result == nil {
		return
	}
	at := eval.End
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for ruleID, trace := range eval.Result.ByRule {
		success := trace.Outcome == domain.OutcomeMatched || trace.Outcome == domain.OutcomeNotMatched
		if err := l.repo.RecordRuleExecution(ctx, tenantID, ruleID, trace.ElapsedMs, success, trace.Outcome, at); err != nil {
			l.logger.Warn("recording rule stats",
				"rule_id", ruleID,
				"evaluation_id", eval.EvaluationID,
				"error", err)
		}
	}
}

// evaluationEvent is the bus payload for completed and failed evaluations.
type evaluationEvent struct {
	EvaluationID string                  `json:"evaluationId"`
	PolicyID     string                  `json:"policyId"`
	RuleID       string                  `json:"ruleId,omitempty"`
	ConsumerID   string                  `json:"consumerId"`
	Status       domain.EvaluationStatus `json:"status"`
	Matched      bool                    `json:"matched"`
	TotalAmount  float64                 `json:"totalAmount,omitempty"`
	EvaluatedAt  time.Time               `json:"evaluatedAt"`
}

func (l *Ledger) publish(ctx context.Context, tenantID string, eval *domain.RuleEvaluation) {
	if l.bus == nil {
		return
	}

	event := evaluationEvent{
		EvaluationID: eval.EvaluationID,
		PolicyID:     eval.PolicyID,
		RuleID:       eval.RuleID,
		ConsumerID:   eval.ConsumerID,
		Status:       eval.Status,
		EvaluatedAt:  eval.End,
	}
	if eval.Result != nil {
		event.Matched = eval.Result.Matched
		if eval.Result.Charge != nil {
			event.TotalAmount = eval.Result.Charge.TotalAmount
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("encoding evaluation event", "evaluation_id", eval.EvaluationID, "error", err)
		return
	}

	topic := domain.TopicEvaluationCompleted
	if eval.Status == domain.EvalFailed {
		topic = domain.TopicEvaluationFailed
	}
	if err := l.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		l.logger.Warn("publishing evaluation event",
			"evaluation_id", eval.EvaluationID,
			"topic", topic,
			"error", err)
	}
}
