// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openutility/flume/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCategory stores a policy category with tenant isolation.
func (r *SQLRepository) SaveCategory(ctx context.Context, tenantID string, cat *domain.PolicyCategory) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO policy_categories (id, tenant_id, name, description, utility_type_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			utility_type_id = excluded.utility_type_id
	`

	createdAt := cat.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cat.ID, tenantID, cat.Name, cat.Description, cat.UtilityTypeID, createdAt,
	)
	return err
}

// GetCategory retrieves a policy category by ID with tenant isolation.
func (r *SQLRepository) GetCategory(ctx context.Context, tenantID string, catID string) (*domain.PolicyCategory, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, utility_type_id, created_at
		FROM policy_categories
		WHERE tenant_id = ? AND id = ?
	`

	var cat domain.PolicyCategory
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, catID).Scan(
		&cat.ID, &cat.TenantID, &cat.Name, &cat.Description, &cat.UtilityTypeID, &cat.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cat, nil
}

// SavePolicy stores a policy with tenant isolation. The version column is
// owned by CreatePolicyVersion and is only seeded here for new rows.
func (r *SQLRepository) SavePolicy(ctx context.Context, tenantID string, p *domain.Policy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	metadata, _ := json.Marshal(p.Metadata)
	now := time.Now().UTC()

	version := p.Version
	if version == 0 {
		version = 1
	}

	query := `
		INSERT INTO policies (
			id, tenant_id, external_id, name, description, version,
			status, approval_status, effective_from, effective_to,
			category_id, utility_type_id, created_by, approved_by,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			external_id = excluded.external_id,
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			approval_status = excluded.approval_status,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			category_id = excluded.category_id,
			utility_type_id = excluded.utility_type_id,
			approved_by = excluded.approved_by,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.ExternalID, p.Name, p.Description, version,
		p.Status, p.ApprovalStatus, p.EffectiveFrom, nullTime(p.EffectiveTo),
		p.CategoryID, p.UtilityTypeID, p.CreatedBy, p.ApprovedBy,
		string(metadata), now, now,
	)
	return err
}

const policyColumns = `id, tenant_id, external_id, name, description, version,
		status, approval_status, effective_from, effective_to,
		category_id, utility_type_id, created_by, approved_by,
		metadata, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*domain.Policy, error) {
	var p domain.Policy
	var effectiveTo sql.NullTime
	var metadata string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.ExternalID, &p.Name, &p.Description, &p.Version,
		&p.Status, &p.ApprovalStatus, &p.EffectiveFrom, &effectiveTo,
		&p.CategoryID, &p.UtilityTypeID, &p.CreatedBy, &p.ApprovedBy,
		&metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if effectiveTo.Valid {
		t := effectiveTo.Time
		p.EffectiveTo = &t
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &p.Metadata)
	}
	return &p, nil
}

// GetPolicy retrieves a policy by ID with tenant isolation.
func (r *SQLRepository) GetPolicy(ctx context.Context, tenantID string, policyID string) (*domain.Policy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = ? AND id = ?`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListActivePolicies retrieves the Active policies for a utility + category
// whose validity interval contains asOf.
func (r *SQLRepository) ListActivePolicies(ctx context.Context, tenantID, utilityTypeID, categoryID string, asOf time.Time) ([]*domain.Policy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE tenant_id = ?
		  AND utility_type_id = ?
		  AND category_id = ?
		  AND status = ?
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY effective_from DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		tenantID, utilityTypeID, categoryID, domain.StatusActive, asOf, asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListOverlappingPolicies returns the Active policies in the same scope
// whose half-open validity interval intersects [from, to).
func (r *SQLRepository) ListOverlappingPolicies(ctx context.Context, tenantID, utilityTypeID, categoryID string, from time.Time, to *time.Time) ([]*domain.Policy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE tenant_id = ?
		  AND utility_type_id = ?
		  AND category_id = ?
		  AND status = ?
		  AND (effective_to IS NULL OR effective_to > ?)
	`
	args := []any{tenantID, utilityTypeID, categoryID, domain.StatusActive, from}
	if to != nil {
		query += ` AND effective_from < ?`
		args = append(args, *to)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpdatePolicyStatus transitions a policy's lifecycle status.
func (r *SQLRepository) UpdatePolicyStatus(ctx context.Context, tenantID string, policyID string, status domain.PolicyStatus) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `UPDATE policies SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, time.Now().UTC(), tenantID, policyID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreatePolicyVersion appends a policy_versions snapshot and bumps the live
// policy version inside one transaction. Returns the new version number.
func (r *SQLRepository) CreatePolicyVersion(ctx context.Context, tenantID string, pv *domain.PolicyVersion) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	update := `UPDATE policies SET version = version + 1, updated_at = ? WHERE tenant_id = ? AND id = ?`
	result, err := tx.ExecContext(ctx, r.rebind(update), time.Now().UTC(), tenantID, pv.PolicyID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrPolicyNotFound
	}

	var newVersion int64
	sel := `SELECT version FROM policies WHERE tenant_id = ? AND id = ?`
	if err := tx.QueryRowContext(ctx, r.rebind(sel), tenantID, pv.PolicyID).Scan(&newVersion); err != nil {
		return 0, err
	}

	createdAt := pv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	insert := `
		INSERT INTO policy_versions (id, tenant_id, policy_id, version, snapshot, changed_by, change_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(insert),
		pv.ID, tenantID, pv.PolicyID, newVersion, string(pv.Snapshot),
		pv.ChangedBy, pv.ChangeReason, createdAt,
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ListPolicyVersions returns a policy's version history, newest first.
func (r *SQLRepository) ListPolicyVersions(ctx context.Context, tenantID string, policyID string) ([]*domain.PolicyVersion, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, policy_id, version, snapshot, changed_by, change_reason, created_at
		FROM policy_versions
		WHERE tenant_id = ? AND policy_id = ?
		ORDER BY version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*domain.PolicyVersion
	for rows.Next() {
		var pv domain.PolicyVersion
		var snapshot string
		if err := rows.Scan(&pv.ID, &pv.PolicyID, &pv.Version, &snapshot, &pv.ChangedBy, &pv.ChangeReason, &pv.CreatedAt); err != nil {
			return nil, err
		}
		pv.Snapshot = json.RawMessage(snapshot)
		versions = append(versions, &pv)
	}
	return versions, rows.Err()
}

// SaveRuleGroup stores a rule group with tenant isolation.
func (r *SQLRepository) SaveRuleGroup(ctx context.Context, tenantID string, g *domain.RuleGroup) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_groups (
			id, tenant_id, policy_id, name, description,
			evaluation_order, logical_operator, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			evaluation_order = excluded.evaluation_order,
			logical_operator = excluded.logical_operator,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		g.ID, tenantID, g.PolicyID, g.Name, g.Description,
		g.EvaluationOrder, g.LogicalOperator, g.Status, now, now,
	)
	return err
}

// SaveRule stores a rule with tenant isolation. Zero-valued execution
// fields are persisted with their defaults.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.Rule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("%w: rule conditions are required", domain.ErrInvalidInput)
	}

	rule.ApplyDefaults()

	retryPolicy, _ := json.Marshal(rule.RetryPolicy)
	circuitBreaker, _ := json.Marshal(rule.CircuitBreaker)
	metadata, _ := json.Marshal(rule.Metadata)

	mandatory := 0
	if rule.IsMandatory {
		mandatory = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, tenant_id, external_id, policy_id, rule_group_id, name, description,
			condition_type, evaluation_phase, priority, is_mandatory, status,
			error_action, execution_mode, timeout_ms, retry_policy, circuit_breaker,
			conditions, actions, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			external_id = excluded.external_id,
			rule_group_id = excluded.rule_group_id,
			name = excluded.name,
			description = excluded.description,
			condition_type = excluded.condition_type,
			evaluation_phase = excluded.evaluation_phase,
			priority = excluded.priority,
			is_mandatory = excluded.is_mandatory,
			status = excluded.status,
			error_action = excluded.error_action,
			execution_mode = excluded.execution_mode,
			timeout_ms = excluded.timeout_ms,
			retry_policy = excluded.retry_policy,
			circuit_breaker = excluded.circuit_breaker,
			conditions = excluded.conditions,
			actions = excluded.actions,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.ExternalID, rule.PolicyID, rule.RuleGroupID, rule.Name, rule.Description,
		rule.ConditionType, rule.EvaluationPhase, rule.Priority, mandatory, rule.Status,
		rule.ErrorAction, rule.ExecutionMode, rule.TimeoutMs, string(retryPolicy), string(circuitBreaker),
		string(rule.Conditions), string(rule.Actions), string(metadata), now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, external_id, policy_id, rule_group_id, name, description,
		condition_type, evaluation_phase, priority, is_mandatory, status,
		error_action, execution_mode, timeout_ms, retry_policy, circuit_breaker,
		conditions, actions, metadata, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*domain.Rule, error) {
	var rule domain.Rule
	var tenantID string
	var mandatory int
	var retryPolicy, circuitBreaker, conditions, actions, metadata string

	err := row.Scan(
		&rule.ID, &tenantID, &rule.ExternalID, &rule.PolicyID, &rule.RuleGroupID, &rule.Name, &rule.Description,
		&rule.ConditionType, &rule.EvaluationPhase, &rule.Priority, &mandatory, &rule.Status,
		&rule.ErrorAction, &rule.ExecutionMode, &rule.TimeoutMs, &retryPolicy, &circuitBreaker,
		&conditions, &actions, &metadata, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.IsMandatory = mandatory == 1
	rule.Conditions = json.RawMessage(conditions)
	if actions != "" {
		rule.Actions = json.RawMessage(actions)
	}
	if retryPolicy != "" && retryPolicy != "null" {
		json.Unmarshal([]byte(retryPolicy), &rule.RetryPolicy)
	}
	if circuitBreaker != "" && circuitBreaker != "null" {
		json.Unmarshal([]byte(circuitBreaker), &rule.CircuitBreaker)
	}
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &rule.Metadata)
	}
	return &rule, nil
}

// GetRule retrieves a rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// SaveRuleException stores a rule exception with tenant isolation.
func (r *SQLRepository) SaveRuleException(ctx context.Context, tenantID string, ex *domain.RuleException) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	active := 0
	if ex.IsActive {
		active = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_exceptions (id, tenant_id, rule_id, condition, override_action, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			condition = excluded.condition,
			override_action = excluded.override_action,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ex.ID, tenantID, ex.RuleID, string(ex.Condition), string(ex.OverrideAction), active, now, now,
	)
	return err
}

// LoadPolicyGraph resolves a policy's full rule graph and tariff plans in a
// bounded number of queries regardless of graph size.
func (r *SQLRepository) LoadPolicyGraph(ctx context.Context, tenantID string, policyID string) (*domain.PolicyGraph, error) {
	policy, err := r.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}

	graph := &domain.PolicyGraph{
		Policy:     policy,
		Exceptions: make(map[string][]*domain.RuleException),
	}

	groupQuery := `
		SELECT id, policy_id, name, description, evaluation_order, logical_operator, status, created_at, updated_at
		FROM rule_groups
		WHERE tenant_id = ? AND policy_id = ?
		ORDER BY evaluation_order
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(groupQuery), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var g domain.RuleGroup
		if err := rows.Scan(&g.ID, &g.PolicyID, &g.Name, &g.Description, &g.EvaluationOrder, &g.LogicalOperator, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		graph.Groups = append(graph.Groups, &g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ruleQuery := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = ? AND policy_id = ? ORDER BY priority, id`
	rows, err = r.db.QueryContext(ctx, r.rebind(ruleQuery), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		graph.Rules = append(graph.Rules, rule)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exQuery := `
		SELECT e.id, e.rule_id, e.condition, e.override_action, e.is_active, e.created_at, e.updated_at
		FROM rule_exceptions e
		JOIN rules r ON r.id = e.rule_id AND r.tenant_id = e.tenant_id
		WHERE e.tenant_id = ? AND r.policy_id = ? AND e.is_active = 1
	`
	rows, err = r.db.QueryContext(ctx, r.rebind(exQuery), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ex domain.RuleException
		var active int
		var condition, override string
		if err := rows.Scan(&ex.ID, &ex.RuleID, &condition, &override, &active, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		ex.IsActive = active == 1
		ex.Condition = json.RawMessage(condition)
		if override != "" {
			ex.OverrideAction = json.RawMessage(override)
		}
		graph.Exceptions[ex.RuleID] = append(graph.Exceptions[ex.RuleID], &ex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	planQuery := `
		SELECT id, policy_id, name, billing_frequency, currency, effective_start, effective_end, is_default, created_at
		FROM tariff_plans
		WHERE tenant_id = ? AND policy_id = ?
	`
	rows, err = r.db.QueryContext(ctx, r.rebind(planQuery), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var plan domain.TariffPlan
		var effectiveEnd sql.NullTime
		var isDefault int
		if err := rows.Scan(&plan.ID, &plan.PolicyID, &plan.Name, &plan.BillingFrequency, &plan.Currency, &plan.EffectiveStart, &effectiveEnd, &isDefault, &plan.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if effectiveEnd.Valid {
			t := effectiveEnd.Time
			plan.EffectiveEnd = &t
		}
		plan.IsDefault = isDefault == 1
		graph.Plans = append(graph.Plans, &plan)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	compQuery := `
		SELECT c.id, c.tariff_plan_id, c.component_type, c.calculation_model, c.parameters, c.precedence, c.is_active, c.created_at
		FROM tariff_components c
		JOIN tariff_plans p ON p.id = c.tariff_plan_id AND p.tenant_id = c.tenant_id
		WHERE c.tenant_id = ? AND p.policy_id = ? AND c.is_active = 1
		ORDER BY c.precedence
	`
	rows, err = r.db.QueryContext(ctx, r.rebind(compQuery), tenantID, policyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var comp domain.TariffComponent
		var params string
		var active int
		if err := rows.Scan(&comp.ID, &comp.TariffPlanID, &comp.ComponentType, &comp.CalculationModel, &params, &comp.Precedence, &active, &comp.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		comp.IsActive = active == 1
		comp.Parameters = json.RawMessage(params)
		graph.Components = append(graph.Components, &comp)
	}
	rows.Close()
	return graph, rows.Err()
}

// SaveTariffPlan stores a tariff plan with tenant isolation.
func (r *SQLRepository) SaveTariffPlan(ctx context.Context, tenantID string, plan *domain.TariffPlan) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	isDefault := 0
	if plan.IsDefault {
		isDefault = 1
	}

	createdAt := plan.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tariff_plans (id, tenant_id, policy_id, name, billing_frequency, currency, effective_start, effective_end, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			billing_frequency = excluded.billing_frequency,
			currency = excluded.currency,
			effective_start = excluded.effective_start,
			effective_end = excluded.effective_end,
			is_default = excluded.is_default
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		plan.ID, tenantID, plan.PolicyID, plan.Name, plan.BillingFrequency, plan.Currency,
		plan.EffectiveStart, nullTime(plan.EffectiveEnd), isDefault, createdAt,
	)
	return err
}

// SaveTariffComponent stores a tariff component with tenant isolation.
func (r *SQLRepository) SaveTariffComponent(ctx context.Context, tenantID string, comp *domain.TariffComponent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if len(comp.Parameters) == 0 {
		return fmt.Errorf("%w: component parameters are required", domain.ErrInvalidInput)
	}

	active := 0
	if comp.IsActive {
		active = 1
	}

	createdAt := comp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tariff_components (id, tenant_id, tariff_plan_id, component_type, calculation_model, parameters, precedence, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			component_type = excluded.component_type,
			calculation_model = excluded.calculation_model,
			parameters = excluded.parameters,
			precedence = excluded.precedence,
			is_active = excluded.is_active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		comp.ID, tenantID, comp.TariffPlanID, comp.ComponentType, comp.CalculationModel,
		string(comp.Parameters), comp.Precedence, active, createdAt,
	)
	return err
}

// SaveEvaluation appends an evaluation to the ledger. Inserts only; an
// existing row is never overwritten.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.RuleEvaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	evalContext, _ := json.Marshal(eval.Context)
	result, _ := json.Marshal(eval.Result)

	query := `
		INSERT INTO rule_evaluations (
			id, tenant_id, evaluation_id, consumer_id, policy_id, rule_id,
			evaluation_context, evaluation_result, status,
			evaluation_start, evaluation_end, initiated_by, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.EvaluationID, eval.ConsumerID, eval.PolicyID, eval.RuleID,
		string(evalContext), string(result), eval.Status,
		eval.Start, eval.End, eval.InitiatedBy, eval.Notes,
	)
	return err
}

// GetEvaluation retrieves a ledger row by evaluation ID with tenant
// isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evaluationID string) (*domain.RuleEvaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, evaluation_id, consumer_id, policy_id, rule_id,
			   evaluation_context, evaluation_result, status,
			   evaluation_start, evaluation_end, initiated_by, notes
		FROM rule_evaluations
		WHERE tenant_id = ? AND evaluation_id = ?
	`

	var eval domain.RuleEvaluation
	var evalContext, result string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evaluationID).Scan(
		&eval.ID, &eval.TenantID, &eval.EvaluationID, &eval.ConsumerID, &eval.PolicyID, &eval.RuleID,
		&evalContext, &result, &eval.Status,
		&eval.Start, &eval.End, &eval.InitiatedBy, &eval.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(evalContext), &eval.Context)
	json.Unmarshal([]byte(result), &eval.Result)
	return &eval, nil
}

// RecordRuleExecution folds one execution into the per-rule aggregate.
// The running average and counters update in a single upsert statement, so
// concurrent evaluations never lose increments.
func (r *SQLRepository) RecordRuleExecution(ctx context.Context, tenantID string, ruleID string, elapsedMs int64, success bool, outcome domain.RuleOutcome, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	successInc, failureInc := 0, 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	query := `
		INSERT INTO rule_execution_stats (
			rule_id, tenant_id, evaluation_count, avg_execution_time_ms,
			success_count, failure_count, last_executed, last_status
		) VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, tenant_id) DO UPDATE SET
			avg_execution_time_ms = (rule_execution_stats.avg_execution_time_ms * rule_execution_stats.evaluation_count + excluded.avg_execution_time_ms) / (rule_execution_stats.evaluation_count + 1),
			evaluation_count = rule_execution_stats.evaluation_count + 1,
			success_count = rule_execution_stats.success_count + excluded.success_count,
			failure_count = rule_execution_stats.failure_count + excluded.failure_count,
			last_executed = excluded.last_executed,
			last_status = excluded.last_status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ruleID, tenantID, float64(elapsedMs), successInc, failureInc, at, outcome,
	)
	return err
}

// GetRuleStats retrieves the per-rule execution aggregate.
func (r *SQLRepository) GetRuleStats(ctx context.Context, tenantID string, ruleID string) (*domain.RuleExecutionStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT rule_id, evaluation_count, avg_execution_time_ms, success_count, failure_count, last_executed, last_status
		FROM rule_execution_stats
		WHERE tenant_id = ? AND rule_id = ?
	`

	var stats domain.RuleExecutionStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&stats.RuleID, &stats.EvaluationCount, &stats.AvgExecutionTimeMs,
		&stats.SuccessCount, &stats.FailureCount, &stats.LastExecuted, &stats.LastStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
