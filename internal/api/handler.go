package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/engine"
	"github.com/openutility/flume/internal/ledger"
	"github.com/openutility/flume/internal/policy"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store   *policy.Store
	engine  *engine.Engine
	ledger  *ledger.Ledger
	cache   domain.Cache
	repo    domain.Repository
	version string
}

// NewHandler creates a new API handler.
func NewHandler(store *policy.Store, eng *engine.Engine, led *ledger.Ledger, cache domain.Cache, repo domain.Repository, version string) *Handler {
	return &Handler{
		store:   store,
		engine:  eng,
		ledger:  led,
		cache:   cache,
		repo:    repo,
		version: version,
	}
}

// EvaluateResponse is the response for both evaluation endpoints.
type EvaluateResponse struct {
	EvaluationID string                   `json:"evaluation_id"`
	Status       domain.EvaluationStatus  `json:"status"`
	Result       *domain.EvaluationResult `json:"result"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// EvaluatePolicy handles POST /api/policies/{id}/evaluate: the whole-policy
// run. The request body is the flat evaluation context document.
func (h *Handler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	var evalCtx domain.EvaluationContext
	if err := json.NewDecoder(r.Body).Decode(&evalCtx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	graph, err := h.store.Graph(ctx, tenantID, policyID)
	if err != nil {
		writeDomainError(w, "loading policy", err)
		return
	}

	result, status, err := h.engine.Evaluate(ctx, graph, evalCtx)
	if err != nil {
		writeDomainError(w, "evaluating policy", err)
		return
	}

	eval := &domain.RuleEvaluation{
		ConsumerID:  evalCtx.String("consumerId"),
		PolicyID:    policyID,
		Context:     evalCtx,
		Result:      result,
		Status:      status,
		Start:       start,
		End:         time.Now().UTC(),
		InitiatedBy: evalCtx.String("initiatedBy"),
		Notes:       evalCtx.String("notes"),
	}
	if err := h.ledger.Record(ctx, tenantID, eval); err != nil {
		slog.Error("failed to record evaluation", "policy_id", policyID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record evaluation")
		return
	}

	resp := EvaluateResponse{
		EvaluationID: eval.EvaluationID,
		Status:       status,
		Result:       result,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// EvaluateRule handles POST /api/rules/evaluate/{ruleId}: a single-rule run
// against the rule's owning policy.
func (h *Handler) EvaluateRule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "ruleId")

	var evalCtx domain.EvaluationContext
	if err := json.NewDecoder(r.Body).Decode(&evalCtx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	rule, err := h.store.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeDomainError(w, "loading rule", err)
		return
	}
	graph, err := h.store.Graph(ctx, tenantID, rule.PolicyID)
	if err != nil {
		writeDomainError(w, "loading policy", err)
		return
	}

	result, status, err := h.engine.EvaluateRule(ctx, graph, ruleID, evalCtx)
	if err != nil {
		writeDomainError(w, "evaluating rule", err)
		return
	}

	eval := &domain.RuleEvaluation{
		ConsumerID:  evalCtx.String("consumerId"),
		PolicyID:    rule.PolicyID,
		RuleID:      ruleID,
		Context:     evalCtx,
		Result:      result,
		Status:      status,
		Start:       start,
		End:         time.Now().UTC(),
		InitiatedBy: evalCtx.String("initiatedBy"),
	}
	if err := h.ledger.Record(ctx, tenantID, eval); err != nil {
		slog.Error("failed to record evaluation", "rule_id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record evaluation")
		return
	}

	resp := EvaluateResponse{
		EvaluationID: eval.EvaluationID,
		Status:       status,
		Result:       result,
	}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves a ledger row by evaluation ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	eval, err := h.ledger.Get(ctx, tenantID, evalID)
	if err != nil {
		writeDomainError(w, "loading evaluation", err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// CreateRule handles POST /api/rules/create. The condition document is
// validated at write time; a malformed AST is rejected before it can reach
// the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.PolicyID == "" || rule.Name == "" {
		writeError(w, http.StatusBadRequest, "policyId and name are required")
		return
	}

	if err := h.store.SaveRule(ctx, tenantID, &rule); err != nil {
		writeDomainError(w, "saving rule", err)
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "policy_id", rule.PolicyID)
	writeJSON(w, http.StatusCreated, map[string]any{"rule": rule})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.store.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeDomainError(w, "loading rule", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// GetRuleStats returns the rolling execution aggregate for a rule.
func (h *Handler) GetRuleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	stats, err := h.ledger.RuleStats(ctx, tenantID, ruleID)
	if err != nil {
		writeDomainError(w, "loading rule stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CreateRuleGroup handles POST /api/rule-groups.
func (h *Handler) CreateRuleGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var group domain.RuleGroup
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.store.SaveRuleGroup(ctx, tenantID, &group); err != nil {
		writeDomainError(w, "saving rule group", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ruleGroup": group})
}

// CreateRuleException handles POST /api/rule-exceptions.
func (h *Handler) CreateRuleException(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var exc domain.RuleException
	if err := json.NewDecoder(r.Body).Decode(&exc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if exc.RuleID == "" {
		writeError(w, http.StatusBadRequest, "ruleId is required")
		return
	}
	if err := h.store.SaveRuleException(ctx, tenantID, &exc); err != nil {
		writeDomainError(w, "saving rule exception", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ruleException": exc})
}

// CreatePolicy handles POST /api/policies.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.store.CreatePolicy(ctx, tenantID, &p); err != nil {
		writeDomainError(w, "creating policy", err)
		return
	}

	slog.Info("policy created", "policy_id", p.ID, "name", p.Name)
	writeJSON(w, http.StatusCreated, map[string]any{"policy": p})
}

// GetPolicy retrieves a policy by ID.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	p, err := h.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		writeDomainError(w, "loading policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ActivatePolicy handles POST /api/policies/{id}/activate. An activation
// whose validity interval would overlap another active policy in the same
// scope is rejected with 409.
func (h *Handler) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	if err := h.store.ActivatePolicy(ctx, tenantID, policyID); err != nil {
		writeDomainError(w, "activating policy", err)
		return
	}

	slog.Info("policy activated", "policy_id", policyID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusActive)})
}

// DeactivatePolicy handles POST /api/policies/{id}/deactivate.
func (h *Handler) DeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	if err := h.store.DeactivatePolicy(ctx, tenantID, policyID); err != nil {
		writeDomainError(w, "deactivating policy", err)
		return
	}

	slog.Info("policy deactivated", "policy_id", policyID)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusInactive)})
}

// CreateVersionRequest is the request body for POST /api/policies/{id}/versions.
type CreateVersionRequest struct {
	ChangedBy    string `json:"changedBy"`
	ChangeReason string `json:"changeReason,omitempty"`
}

// CreateVersion snapshots the policy and bumps its version.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	version, err := h.store.CreateVersion(ctx, tenantID, policyID, req.ChangedBy, req.ChangeReason)
	if err != nil {
		writeDomainError(w, "creating policy version", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"policyId": policyID, "version": version})
}

// ListVersions returns the append-only version history of a policy.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	versions, err := h.store.ListVersions(ctx, tenantID, policyID)
	if err != nil {
		writeDomainError(w, "listing policy versions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

// CreateCategory handles POST /api/policy-categories.
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var cat domain.PolicyCategory
	if err := json.NewDecoder(r.Body).Decode(&cat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if cat.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.store.SaveCategory(ctx, tenantID, &cat); err != nil {
		writeDomainError(w, "saving category", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"category": cat})
}

// PolicyWithCategoryRequest is the request body for POST
// /api/policiesWithCategories: a category and its first policy in one call.
type PolicyWithCategoryRequest struct {
	Category domain.PolicyCategory `json:"category"`
	Policy   domain.Policy         `json:"policy"`
}

// CreatePolicyWithCategory creates a category and a policy bound to it.
func (h *Handler) CreatePolicyWithCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req PolicyWithCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Category.Name == "" {
		writeError(w, http.StatusBadRequest, "category.name is required")
		return
	}

	if err := h.store.SaveCategory(ctx, tenantID, &req.Category); err != nil {
		writeDomainError(w, "saving category", err)
		return
	}
	req.Policy.CategoryID = req.Category.ID
	if req.Policy.UtilityTypeID == "" {
		req.Policy.UtilityTypeID = req.Category.UtilityTypeID
	}
	if err := h.store.CreatePolicy(ctx, tenantID, &req.Policy); err != nil {
		writeDomainError(w, "creating policy", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"category": req.Category,
		"policy":   req.Policy,
	})
}

// CreateTariffPlan handles POST /api/tariff-plans.
func (h *Handler) CreateTariffPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var plan domain.TariffPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if plan.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "policyId is required")
		return
	}
	if err := h.store.SaveTariffPlan(ctx, tenantID, &plan); err != nil {
		writeDomainError(w, "saving tariff plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tariffPlan": plan})
}

// CreateTariffComponent handles POST /api/tariff-components.
func (h *Handler) CreateTariffComponent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var comp domain.TariffComponent
	if err := json.NewDecoder(r.Body).Decode(&comp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if comp.TariffPlanID == "" {
		writeError(w, http.StatusBadRequest, "tariffPlanId is required")
		return
	}
	if err := h.store.SaveTariffComponent(ctx, tenantID, &comp); err != nil {
		writeDomainError(w, "saving tariff component", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tariffComponent": comp})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the error taxonomy onto HTTP statuses: ambiguous
// policy resolution is a conflict, missing records are 404, malformed or
// invalid input is 400, everything else is a server failure.
func writeDomainError(w http.ResponseWriter, context string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAmbiguousPolicy):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPolicyNotFound), errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrMalformedCondition), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		slog.Error(context, "error", err)
	}
	writeError(w, status, context+": "+err.Error())
}
