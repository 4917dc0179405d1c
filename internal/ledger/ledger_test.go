package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openutility/flume/internal/bus"
	"github.com/openutility/flume/internal/cache"
	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/repository"
)

const testTenant = "tenant-1"

func newTestLedger(t *testing.T) (*Ledger, domain.EventBus) {
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
	return New(repo, cache.NewLRUCache(100), b, nil), b
}

func testEvaluation(status domain.EvaluationStatus) *domain.RuleEvaluation {
	now := time.Now().UTC()
	return &domain.RuleEvaluation{
		ConsumerID: "consumer-1",
		PolicyID:   "pol-1",
		Context:    map[string]any{"consumption": 8.0},
		Result: &domain.EvaluationResult{
			Matched: status == domain.EvalSuccess,
			ByRule: map[string]*domain.RuleTrace{
				"rule-1": {RuleID: "rule-1", Outcome: domain.OutcomeMatched, ElapsedMs: 12},
				"rule-2": {RuleID: "rule-2", Outcome: domain.OutcomeNotMatched, ElapsedMs: 4},
			},
		},
		Status: status,
		Start:  now.Add(-20 * time.Millisecond),
		End:    now,
	}
}

func TestRecordAssignsIDs(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	eval := testEvaluation(domain.EvalSuccess)
	if err := l.Record(ctx, testTenant, eval); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if eval.ID == "" || eval.EvaluationID == "" {
		t.Fatal("expected generated identifiers")
	}

	got, err := l.Get(ctx, testTenant, eval.EvaluationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.EvalSuccess {
		t.Errorf("expected Success, got %s", got.Status)
	}
	if got.ConsumerID != "consumer-1" {
		t.Errorf("expected consumer-1, got %s", got.ConsumerID)
	}
	if got.Result == nil || !got.Result.Matched {
		t.Error("expected persisted result to be matched")
	}
}

func TestRecordRequiresTenant(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.Record(context.Background(), "", testEvaluation(domain.EvalSuccess))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRecordUpdatesRuleStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, testTenant, testEvaluation(domain.EvalSuccess)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	stats, err := l.RuleStats(ctx, testTenant, "rule-1")
	if err != nil {
		t.Fatalf("RuleStats: %v", err)
	}
	if stats.EvaluationCount != 3 {
		t.Errorf("expected 3 executions, got %d", stats.EvaluationCount)
	}
	if stats.AvgExecutionTimeMs != 12 {
		t.Errorf("expected average 12ms, got %.2f", stats.AvgExecutionTimeMs)
	}
	if stats.SuccessCount != 3 {
		t.Errorf("expected 3 successes, got %d", stats.SuccessCount)
	}
	if stats.LastStatus != domain.OutcomeMatched {
		t.Errorf("expected last status Matched, got %s", stats.LastStatus)
	}
}

func TestRecordPublishesByStatus(t *testing.T) {
	l, b := newTestLedger(t)
	ctx := context.Background()

	var mu sync.Mutex
	topics := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(2)

	for _, topic := range []string{domain.TopicEvaluationCompleted, domain.TopicEvaluationFailed} {
		_, err := b.Subscribe(ctx, testTenant, topic, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			topics[msg.Topic]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %s: %v", topic, err)
		}
	}

	if err := l.Record(ctx, testTenant, testEvaluation(domain.EvalSuccess)); err != nil {
		t.Fatalf("Record success: %v", err)
	}
	if err := l.Record(ctx, testTenant, testEvaluation(domain.EvalFailed)); err != nil {
		t.Fatalf("Record failure: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus events")
	}

	mu.Lock()
	defer mu.Unlock()
	if topics[domain.TopicEvaluationCompleted] != 1 {
		t.Errorf("expected one completed event, got %d", topics[domain.TopicEvaluationCompleted])
	}
	if topics[domain.TopicEvaluationFailed] != 1 {
		t.Errorf("expected one failed event, got %d", topics[domain.TopicEvaluationFailed])
	}
}

func TestRecordBumpsDailyCounter(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := led.Record(ctx, testTenant, testEvaluation(domain.EvalSuccess)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := led.cache.IncrementCounter(ctx, testTenant, "evaluations:daily", 24*time.Hour)
	if err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}
	if n != 3 {
		t.Errorf("expected counter at 3 after two records plus probe, got %d", n)
	}
}
