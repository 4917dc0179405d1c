package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openutility/flume/internal/bus"
	"github.com/openutility/flume/internal/cache"
	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/engine"
	"github.com/openutility/flume/internal/ledger"
	"github.com/openutility/flume/internal/policy"
	"github.com/openutility/flume/internal/repository"
)

const testTenant = "tenant-1"

type fixture struct {
	bus    domain.EventBus
	store  *policy.Store
	ledger *ledger.Ledger
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "flume-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	store := policy.NewStore(repo, cache.NewLRUCache(100), b, nil)
	eng, err := engine.New(domain.EngineConfig{MaxWorkers: 4}, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	led := ledger.New(repo, nil, b, nil)

	w := NewWorker(b, store, eng, led)
	t.Cleanup(func() { w.Stop() })

	return &fixture{bus: b, store: store, ledger: led, worker: w}
}

func seedPolicy(t *testing.T, fx *fixture) string {
	t.Helper()
	ctx := context.Background()

	p := &domain.Policy{
		ID:            "pol-1",
		Name:          "Domestic Water 2026",
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CategoryID:    "cat-domestic",
		UtilityTypeID: "util-water",
	}
	if err := fx.store.CreatePolicy(ctx, testTenant, p); err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	cond, _ := json.Marshal(map[string]any{"<=": []any{map[string]any{"var": "consumption"}, 10}})
	action, _ := json.Marshal(map[string]any{"type": "expression", "expr": "consumption * 1.5"})
	if err := fx.store.SaveRule(ctx, testTenant, &domain.Rule{
		ID:         "rule-band",
		PolicyID:   p.ID,
		Name:       "consumption band",
		Conditions: cond,
		Actions:    action,
	}); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	if err := fx.store.ActivatePolicy(ctx, testTenant, p.ID); err != nil {
		t.Fatalf("ActivatePolicy: %v", err)
	}
	return p.ID
}

func TestWorkerProcessesRequest(t *testing.T) {
	fx := newFixture(t)
	policyID := seedPolicy(t, fx)

	if err := fx.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Register the completion listener before publishing the request.
	completed := make(chan string, 1)
	sub, err := fx.bus.Subscribe(context.Background(), testTenant, domain.TopicEvaluationCompleted,
		func(ctx context.Context, msg *domain.Message) error {
			var event struct {
				EvaluationID string `json:"evaluationId"`
			}
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				return err
			}
			select {
			case completed <- event.EvaluationID:
			default:
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(EvaluationRequest{
		PolicyID: policyID,
		Context: domain.EvaluationContext{
			"consumerId":  "consumer-1",
			"consumption": 8.0,
		},
	})
	if err := fx.bus.Publish(context.Background(), testTenant, domain.TopicEvaluationRequested, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var evaluationID string
	select {
	case evaluationID = <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the worker")
	}

	eval, err := fx.ledger.Get(context.Background(), testTenant, evaluationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if eval.PolicyID != policyID {
		t.Errorf("expected policy %s, got %s", policyID, eval.PolicyID)
	}
	if eval.Status != domain.EvalSuccess {
		t.Errorf("expected Success, got %s", eval.Status)
	}
	if eval.Result == nil || !eval.Result.Matched {
		t.Error("expected a matched result")
	}
	if v := eval.Result.ByRule["rule-band"].Value; v != 12.0 {
		t.Errorf("expected action value 12, got %v", v)
	}
}

func TestWorkerResolvesPolicyFromScope(t *testing.T) {
	fx := newFixture(t)
	policyID := seedPolicy(t, fx)

	if err := fx.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	completed := make(chan struct{}, 1)
	sub, err := fx.bus.Subscribe(context.Background(), testTenant, domain.TopicEvaluationCompleted,
		func(ctx context.Context, msg *domain.Message) error {
			var event struct {
				PolicyID string `json:"policyId"`
			}
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				return err
			}
			if event.PolicyID == policyID {
				select {
				case completed <- struct{}{}:
				default:
				}
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// No policyId in the request; the worker resolves the active policy
	// for the utility + category scope.
	payload, _ := json.Marshal(EvaluationRequest{
		Context: domain.EvaluationContext{
			"utilityId":   "util-water",
			"categoryId":  "cat-domestic",
			"consumption": 5.0,
		},
	})
	if err := fx.bus.Publish(context.Background(), testTenant, domain.TopicEvaluationRequested, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scope-resolved evaluation")
	}
}

func TestWorkerAnswersRequestReply(t *testing.T) {
	fx := newFixture(t)
	policyID := seedPolicy(t, fx)

	if err := fx.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	payload, _ := json.Marshal(EvaluationRequest{
		PolicyID: policyID,
		Context: domain.EvaluationContext{
			"consumerId":  "consumer-sync",
			"consumption": 8.0,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := fx.bus.Request(ctx, testTenant, domain.TopicEvaluationRequested, payload)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var reply EvaluationReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.EvaluationID == "" {
		t.Error("expected a ledger-assigned evaluation ID")
	}
	if reply.Status != domain.EvalSuccess {
		t.Errorf("expected Success, got %s", reply.Status)
	}
	if reply.Result == nil || !reply.Result.Matched {
		t.Error("expected a matched result in the reply")
	}
}

func TestWorkerStats(t *testing.T) {
	fx := newFixture(t)

	if err := fx.worker.Start(Config{TenantIDs: []string{testTenant}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats := fx.worker.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicEvaluationRequested {
		t.Errorf("unexpected topics: %v", stats.Topics)
	}

	if err := fx.worker.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fx.worker.GetStats().SubscriptionCount != 0 {
		t.Error("expected subscriptions cleared after Stop")
	}
}
