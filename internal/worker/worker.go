// Package worker runs evaluations requested over the event bus. Billing
// batch jobs publish flume.evaluation.requested; the worker resolves the
// policy, evaluates and records through the same pipeline the HTTP surface
// uses.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/engine"
	"github.com/openutility/flume/internal/ledger"
	"github.com/openutility/flume/internal/policy"
)

// Worker consumes evaluation requests from the EventBus.
type Worker struct {
	bus    domain.EventBus
	store  *policy.Store
	engine *engine.Engine
	ledger *ledger.Ledger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, store *policy.Store, eng *engine.Engine, led *ledger.Ledger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		store:  store,
		engine: eng,
		ledger: led,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing evaluation requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started", "tenant_count", len(cfg.TenantIDs))
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEvaluationRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEvaluationRequested,
	)
	return nil
}

// EvaluationRequest is the message payload for an async evaluation. Either
// PolicyID names the policy directly, or the worker resolves the active
// policy from the context's utilityId and categoryId.
type EvaluationRequest struct {
	PolicyID string                   `json:"policyId,omitempty"`
	RuleID   string                   `json:"ruleId,omitempty"`
	Context  domain.EvaluationContext `json:"context"`
}

// processRequest runs one requested evaluation end to end.
func (w *Worker) processRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req EvaluationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse evaluation request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	policyID := req.PolicyID
	if policyID == "" {
		p, err := w.store.ActivePolicy(ctx, tenantID,
			req.Context.String("utilityId"), req.Context.String("categoryId"), time.Now().UTC())
		if err != nil {
			slog.Error("policy resolution failed",
				"message_id", msg.ID,
				"error", err,
			)
			return err
		}
		policyID = p.ID
	}

	graph, err := w.store.Graph(ctx, tenantID, policyID)
	if err != nil {
		slog.Error("failed to load policy graph",
			"policy_id", policyID,
			"error", err,
		)
		return err
	}

	var (
		result *domain.EvaluationResult
		status domain.EvaluationStatus
	)
	if req.RuleID != "" {
		result, status, err = w.engine.EvaluateRule(ctx, graph, req.RuleID, req.Context)
	} else {
		result, status, err = w.engine.Evaluate(ctx, graph, req.Context)
	}
	if err != nil {
		slog.Error("evaluation failed",
			"policy_id", policyID,
			"rule_id", req.RuleID,
			"error", err,
		)
		return err
	}

	eval := &domain.RuleEvaluation{
		ConsumerID:  req.Context.String("consumerId"),
		PolicyID:    policyID,
		RuleID:      req.RuleID,
		Context:     req.Context,
		Result:      result,
		Status:      status,
		Start:       start,
		End:         time.Now().UTC(),
		InitiatedBy: req.Context.String("initiatedBy"),
	}
	if err := w.ledger.Record(ctx, tenantID, eval); err != nil {
		slog.Error("failed to record evaluation",
			"policy_id", policyID,
			"error", err,
		)
		return err
	}

	slog.Info("evaluation processed",
		"evaluation_id", eval.EvaluationID,
		"tenant_id", tenantID,
		"policy_id", policyID,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.reply(ctx, tenantID, msg, eval)
	return nil
}

// EvaluationReply is the response payload for a synchronous bus request.
type EvaluationReply struct {
	EvaluationID string                   `json:"evaluationId"`
	Status       domain.EvaluationStatus  `json:"status"`
	Result       *domain.EvaluationResult `json:"result"`
}

// reply answers a request-reply evaluation when the message names a reply
// topic. Fire-and-forget requests carry none and skip this.
func (w *Worker) reply(ctx context.Context, tenantID string, msg *domain.Message, eval *domain.RuleEvaluation) {
	replyTo := msg.Metadata[domain.MetaReplyTo]
	if replyTo == "" {
		return
	}

	payload, err := json.Marshal(EvaluationReply{
		EvaluationID: eval.EvaluationID,
		Status:       eval.Status,
		Result:       eval.Result,
	})
	if err != nil {
		slog.Error("failed to encode evaluation reply",
			"evaluation_id", eval.EvaluationID,
			"error", err,
		)
		return
	}
	if err := w.bus.Publish(ctx, tenantID, replyTo, payload); err != nil {
		slog.Error("failed to publish evaluation reply",
			"evaluation_id", eval.EvaluationID,
			"reply_topic", replyTo,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
