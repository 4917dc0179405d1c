package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openutility/flume/internal/domain"
)

const testTenant = "tenant-1"

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "flume-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testPolicy(id string) *domain.Policy {
	return &domain.Policy{
		ID:             id,
		Name:           "Domestic Water Tariff",
		Status:         domain.StatusActive,
		ApprovalStatus: domain.ApprovalApproved,
		EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		CategoryID:     "cat-domestic",
		UtilityTypeID:  "util-water",
		CreatedBy:      "admin",
	}
}

func TestSaveAndGetPolicy(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := testPolicy("pol-1")
	p.Metadata = map[string]any{"region": "north"}
	if err := repo.SavePolicy(ctx, testTenant, p); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	got, err := repo.GetPolicy(ctx, testTenant, "pol-1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Name != p.Name || got.Status != domain.StatusActive {
		t.Errorf("unexpected policy: %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("new policy should be version 1, got %d", got.Version)
	}
	if got.Metadata["region"] != "north" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}
	if got.EffectiveTo != nil {
		t.Errorf("expected open-ended validity, got %v", got.EffectiveTo)
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.GetPolicy(context.Background(), testTenant, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SavePolicy(ctx, "tenant-a", testPolicy("pol-1")); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	if _, err := repo.GetPolicy(ctx, "tenant-b", "pol-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("tenant-b should not see tenant-a's policy, got %v", err)
	}

	if err := repo.SavePolicy(ctx, "", testPolicy("pol-2")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty tenant should be rejected, got %v", err)
	}
}

func TestListActivePolicies(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	active := testPolicy("pol-active")
	if err := repo.SavePolicy(ctx, testTenant, active); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	expired := testPolicy("pol-expired")
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expired.EffectiveFrom = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	expired.EffectiveTo = &end
	if err := repo.SavePolicy(ctx, testTenant, expired); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	draft := testPolicy("pol-draft")
	draft.Status = domain.StatusDraft
	if err := repo.SavePolicy(ctx, testTenant, draft); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	asOf := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := repo.ListActivePolicies(ctx, testTenant, "util-water", "cat-domestic", asOf)
	if err != nil {
		t.Fatalf("ListActivePolicies: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pol-active" {
		t.Errorf("expected only pol-active, got %d policies", len(got))
	}

	// Before the expired policy's end date both are in effect.
	asOf = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got, err = repo.ListActivePolicies(ctx, testTenant, "util-water", "cat-domestic", asOf)
	if err != nil {
		t.Fatalf("ListActivePolicies: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 policies in effect, got %d", len(got))
	}
}

func TestUpdatePolicyStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SavePolicy(ctx, testTenant, testPolicy("pol-1")); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	if err := repo.UpdatePolicyStatus(ctx, testTenant, "pol-1", domain.StatusInactive); err != nil {
		t.Fatalf("UpdatePolicyStatus: %v", err)
	}

	got, err := repo.GetPolicy(ctx, testTenant, "pol-1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Status != domain.StatusInactive {
		t.Errorf("expected Inactive, got %s", got.Status)
	}

	if err := repo.UpdatePolicyStatus(ctx, testTenant, "missing", domain.StatusActive); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePolicyVersion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SavePolicy(ctx, testTenant, testPolicy("pol-1")); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	v, err := repo.CreatePolicyVersion(ctx, testTenant, &domain.PolicyVersion{
		ID:           "ver-1",
		PolicyID:     "pol-1",
		Snapshot:     json.RawMessage(`{"name":"Domestic Water Tariff"}`),
		ChangedBy:    "admin",
		ChangeReason: "rate revision",
	})
	if err != nil {
		t.Fatalf("CreatePolicyVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	v, err = repo.CreatePolicyVersion(ctx, testTenant, &domain.PolicyVersion{
		ID:       "ver-2",
		PolicyID: "pol-1",
		Snapshot: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("CreatePolicyVersion: %v", err)
	}
	if v != 3 {
		t.Errorf("expected version 3, got %d", v)
	}

	// The live policy row tracks the version counter.
	p, err := repo.GetPolicy(ctx, testTenant, "pol-1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Version != 3 {
		t.Errorf("expected live version 3, got %d", p.Version)
	}

	versions, err := repo.ListPolicyVersions(ctx, testTenant, "pol-1")
	if err != nil {
		t.Fatalf("ListPolicyVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != 3 || versions[1].Version != 2 {
		t.Errorf("expected newest first: %d, %d", versions[0].Version, versions[1].Version)
	}
}

func TestCreatePolicyVersionMissingPolicy(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.CreatePolicyVersion(context.Background(), testTenant, &domain.PolicyVersion{
		ID:       "ver-1",
		PolicyID: "missing",
		Snapshot: json.RawMessage(`{}`),
	})
	if !errors.Is(err, domain.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestSaveAndGetRule(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.Rule{
		ID:          "rule-1",
		PolicyID:    "pol-1",
		Name:        "consumption band",
		IsMandatory: true,
		Conditions:  json.RawMessage(`{">=":[{"var":"consumption"},0]}`),
		Actions:     json.RawMessage(`[{"type":"tariff"}]`),
		RetryPolicy: &domain.RetryPolicy{MaxAttempts: 3, BaseDelayMs: 100},
	}
	if err := repo.SaveRule(ctx, testTenant, rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	got, err := repo.GetRule(ctx, testTenant, "rule-1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}

	// Zero-valued execution fields come back with their defaults.
	if got.Priority != domain.DefaultPriority {
		t.Errorf("expected default priority, got %d", got.Priority)
	}
	if got.TimeoutMs != domain.DefaultTimeoutMs {
		t.Errorf("expected default timeout, got %d", got.TimeoutMs)
	}
	if got.ExecutionMode != domain.ModeParallel {
		t.Errorf("expected Parallel, got %s", got.ExecutionMode)
	}
	if got.EvaluationPhase != domain.PhasePre {
		t.Errorf("expected Pre phase, got %s", got.EvaluationPhase)
	}
	if !got.IsMandatory {
		t.Error("mandatory flag lost")
	}
	if got.RetryPolicy == nil || got.RetryPolicy.MaxAttempts != 3 {
		t.Errorf("retry policy lost: %+v", got.RetryPolicy)
	}
}

func TestSaveRuleRequiresConditions(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.SaveRule(context.Background(), testTenant, &domain.Rule{ID: "rule-1", PolicyID: "pol-1", Name: "bad"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadPolicyGraph(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SavePolicy(ctx, testTenant, testPolicy("pol-1")); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if err := repo.SaveRuleGroup(ctx, testTenant, &domain.RuleGroup{
		ID: "grp-1", PolicyID: "pol-1", Name: "eligibility",
		LogicalOperator: domain.OperatorAnd, Status: domain.StatusActive,
	}); err != nil {
		t.Fatalf("SaveRuleGroup: %v", err)
	}

	for _, id := range []string{"rule-1", "rule-2"} {
		if err := repo.SaveRule(ctx, testTenant, &domain.Rule{
			ID: id, PolicyID: "pol-1", RuleGroupID: "grp-1", Name: id,
			Conditions: json.RawMessage(`{">=":[{"var":"consumption"},0]}`),
		}); err != nil {
			t.Fatalf("SaveRule %s: %v", id, err)
		}
	}

	if err := repo.SaveRuleException(ctx, testTenant, &domain.RuleException{
		ID: "ex-1", RuleID: "rule-1", IsActive: true,
		Condition: json.RawMessage(`{"==":[{"var":"category"},"BPL"]}`),
	}); err != nil {
		t.Fatalf("SaveRuleException: %v", err)
	}

	if err := repo.SaveTariffPlan(ctx, testTenant, &domain.TariffPlan{
		ID: "plan-1", PolicyID: "pol-1", Name: "standard", Currency: "INR",
		EffectiveStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("SaveTariffPlan: %v", err)
	}
	if err := repo.SaveTariffComponent(ctx, testTenant, &domain.TariffComponent{
		ID: "comp-1", TariffPlanID: "plan-1",
		ComponentType:    domain.ComponentVolumetricRate,
		CalculationModel: domain.ModelStepped,
		Parameters:       json.RawMessage(`{"slabs":[{"startUnit":0,"rate":5}]}`),
		IsActive:         true,
	}); err != nil {
		t.Fatalf("SaveTariffComponent: %v", err)
	}

	graph, err := repo.LoadPolicyGraph(ctx, testTenant, "pol-1")
	if err != nil {
		t.Fatalf("LoadPolicyGraph: %v", err)
	}

	if graph.Policy.ID != "pol-1" {
		t.Errorf("wrong policy: %s", graph.Policy.ID)
	}
	if len(graph.Groups) != 1 || len(graph.Rules) != 2 {
		t.Errorf("expected 1 group and 2 rules, got %d/%d", len(graph.Groups), len(graph.Rules))
	}
	if len(graph.Exceptions["rule-1"]) != 1 {
		t.Errorf("expected 1 exception on rule-1, got %d", len(graph.Exceptions["rule-1"]))
	}
	if len(graph.Plans) != 1 || len(graph.Components) != 1 {
		t.Errorf("expected 1 plan and 1 component, got %d/%d", len(graph.Plans), len(graph.Components))
	}
	if got := graph.GroupRules("grp-1"); len(got) != 2 {
		t.Errorf("GroupRules: expected 2, got %d", len(got))
	}
}

func TestEvaluationLedger(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	eval := &domain.RuleEvaluation{
		ID:           "row-1",
		EvaluationID: "eval-1",
		ConsumerID:   "consumer-9",
		PolicyID:     "pol-1",
		Context:      map[string]any{"consumption": 8.0},
		Result: &domain.EvaluationResult{
			Matched: true,
			ByRule: map[string]*domain.RuleTrace{
				"rule-1": {RuleID: "rule-1", Outcome: domain.OutcomeMatched},
			},
		},
		Status: domain.EvalSuccess,
		Start:  time.Now().UTC().Add(-time.Second),
		End:    time.Now().UTC(),
	}
	if err := repo.SaveEvaluation(ctx, testTenant, eval); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}

	got, err := repo.GetEvaluation(ctx, testTenant, "eval-1")
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if got.Status != domain.EvalSuccess || !got.Result.Matched {
		t.Errorf("unexpected evaluation: %+v", got)
	}
	if got.Result.ByRule["rule-1"].Outcome != domain.OutcomeMatched {
		t.Errorf("rule trace lost: %+v", got.Result.ByRule)
	}

	// Append-only: re-inserting the same row ID must fail.
	if err := repo.SaveEvaluation(ctx, testTenant, eval); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestRecordRuleExecution(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.RecordRuleExecution(ctx, testTenant, "rule-1", 100, true, domain.OutcomeMatched, now); err != nil {
		t.Fatalf("RecordRuleExecution: %v", err)
	}
	if err := repo.RecordRuleExecution(ctx, testTenant, "rule-1", 300, false, domain.OutcomeErrored, now); err != nil {
		t.Fatalf("RecordRuleExecution: %v", err)
	}

	stats, err := repo.GetRuleStats(ctx, testTenant, "rule-1")
	if err != nil {
		t.Fatalf("GetRuleStats: %v", err)
	}
	if stats.EvaluationCount != 2 {
		t.Errorf("expected 2 executions, got %d", stats.EvaluationCount)
	}
	if stats.AvgExecutionTimeMs != 200 {
		t.Errorf("expected running average 200, got %.1f", stats.AvgExecutionTimeMs)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Errorf("expected 1/1 success/failure, got %d/%d", stats.SuccessCount, stats.FailureCount)
	}
	if stats.LastStatus != domain.OutcomeErrored {
		t.Errorf("expected last status Errored, got %s", stats.LastStatus)
	}
}

func TestRecordRuleExecutionConcurrent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- repo.RecordRuleExecution(ctx, testTenant, "rule-1", 50, true, domain.OutcomeMatched, time.Now().UTC())
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("RecordRuleExecution: %v", err)
		}
	}

	stats, err := repo.GetRuleStats(ctx, testTenant, "rule-1")
	if err != nil {
		t.Fatalf("GetRuleStats: %v", err)
	}
	if stats.EvaluationCount != n {
		t.Errorf("expected %d executions, got %d", n, stats.EvaluationCount)
	}
}

func TestSaveAndGetCategory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cat := &domain.PolicyCategory{ID: "cat-1", Name: "Domestic", UtilityTypeID: "util-water"}
	if err := repo.SaveCategory(ctx, testTenant, cat); err != nil {
		t.Fatalf("SaveCategory: %v", err)
	}

	got, err := repo.GetCategory(ctx, testTenant, "cat-1")
	if err != nil {
		t.Fatalf("GetCategory: %v", err)
	}
	if got.Name != "Domestic" {
		t.Errorf("unexpected category: %+v", got)
	}

	if _, err := repo.GetCategory(ctx, testTenant, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
