package repository

// Schema definitions for the Flume policy store.
// Compatible with both SQLite and PostgreSQL.

const schemaPolicyCategories = `
CREATE TABLE IF NOT EXISTS policy_categories (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    utility_type_id TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_policy_categories_tenant ON policy_categories(tenant_id);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    external_id TEXT,
    name TEXT NOT NULL,
    description TEXT,
    version INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL,
    approval_status TEXT NOT NULL DEFAULT 'Pending',
    effective_from TIMESTAMP NOT NULL,
    effective_to TIMESTAMP,
    category_id TEXT,
    utility_type_id TEXT,
    created_by TEXT,
    approved_by TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies(tenant_id, utility_type_id, category_id, status);
CREATE INDEX IF NOT EXISTS idx_policies_effective ON policies(tenant_id, effective_from);
`

// policy_versions is append-only: rows are inserted by CreatePolicyVersion
// and never updated or deleted.
const schemaPolicyVersions = `
CREATE TABLE IF NOT EXISTS policy_versions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    changed_by TEXT,
    change_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id),
    UNIQUE (policy_id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_policy_versions_policy ON policy_versions(tenant_id, policy_id, version);
`

const schemaRuleGroups = `
CREATE TABLE IF NOT EXISTS rule_groups (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    name TEXT,
    description TEXT,
    evaluation_order INTEGER NOT NULL DEFAULT 0,
    logical_operator TEXT NOT NULL DEFAULT 'AND',
    status TEXT NOT NULL DEFAULT 'Active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_groups_policy ON rule_groups(tenant_id, policy_id);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    external_id TEXT,
    policy_id TEXT NOT NULL,
    rule_group_id TEXT,
    name TEXT NOT NULL,
    description TEXT,
    condition_type TEXT NOT NULL DEFAULT 'Simple',
    evaluation_phase TEXT NOT NULL DEFAULT 'Pre',
    priority INTEGER NOT NULL DEFAULT 1,
    is_mandatory INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'Active',
    error_action TEXT,
    execution_mode TEXT NOT NULL DEFAULT 'Parallel',
    timeout_ms INTEGER NOT NULL DEFAULT 5000,
    retry_policy TEXT,
    circuit_breaker TEXT,
    conditions TEXT NOT NULL,
    actions TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rules_policy ON rules(tenant_id, policy_id);
CREATE INDEX IF NOT EXISTS idx_rules_group ON rules(tenant_id, rule_group_id);
CREATE INDEX IF NOT EXISTS idx_rules_phase ON rules(tenant_id, policy_id, evaluation_phase, priority);
`

const schemaRuleExceptions = `
CREATE TABLE IF NOT EXISTS rule_exceptions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    condition TEXT NOT NULL,
    override_action TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_exceptions_rule ON rule_exceptions(tenant_id, rule_id, is_active);
`

const schemaTariffPlans = `
CREATE TABLE IF NOT EXISTS tariff_plans (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    name TEXT NOT NULL,
    billing_frequency TEXT,
    currency TEXT,
    effective_start TIMESTAMP NOT NULL,
    effective_end TIMESTAMP,
    is_default INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_tariff_plans_policy ON tariff_plans(tenant_id, policy_id);
`

const schemaTariffComponents = `
CREATE TABLE IF NOT EXISTS tariff_components (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tariff_plan_id TEXT NOT NULL,
    component_type TEXT NOT NULL,
    calculation_model TEXT NOT NULL,
    parameters TEXT NOT NULL,
    precedence INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_tariff_components_plan ON tariff_components(tenant_id, tariff_plan_id, precedence);
`

// rule_evaluations is the append-only evaluation ledger. Rows are inserted
// once and never updated.
const schemaRuleEvaluations = `
CREATE TABLE IF NOT EXISTS rule_evaluations (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    evaluation_id TEXT NOT NULL,
    consumer_id TEXT,
    policy_id TEXT NOT NULL,
    rule_id TEXT,
    evaluation_context TEXT NOT NULL,
    evaluation_result TEXT NOT NULL,
    status TEXT NOT NULL,
    evaluation_start TIMESTAMP NOT NULL,
    evaluation_end TIMESTAMP NOT NULL,
    initiated_by TEXT,
    notes TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_evaluations_eval ON rule_evaluations(tenant_id, evaluation_id);
CREATE INDEX IF NOT EXISTS idx_rule_evaluations_policy ON rule_evaluations(tenant_id, policy_id);
CREATE INDEX IF NOT EXISTS idx_rule_evaluations_consumer ON rule_evaluations(tenant_id, consumer_id);
CREATE INDEX IF NOT EXISTS idx_rule_evaluations_start ON rule_evaluations(tenant_id, evaluation_start);
`

const schemaRuleExecutionStats = `
CREATE TABLE IF NOT EXISTS rule_execution_stats (
    rule_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    evaluation_count INTEGER NOT NULL DEFAULT 0,
    avg_execution_time_ms REAL NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_executed TIMESTAMP NOT NULL,
    last_status TEXT,
    PRIMARY KEY (rule_id, tenant_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPolicyCategories,
		schemaPolicies,
		schemaPolicyVersions,
		schemaRuleGroups,
		schemaRules,
		schemaRuleExceptions,
		schemaTariffPlans,
		schemaTariffComponents,
		schemaRuleEvaluations,
		schemaRuleExecutionStats,
	}
}
