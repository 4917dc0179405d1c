package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Policy category operations
	SaveCategory(ctx context.Context, tenantID string, cat *PolicyCategory) error
	GetCategory(ctx context.Context, tenantID string, catID string) (*PolicyCategory, error)

	// Policy operations
	SavePolicy(ctx context.Context, tenantID string, p *Policy) error
	GetPolicy(ctx context.Context, tenantID string, policyID string) (*Policy, error)
	ListActivePolicies(ctx context.Context, tenantID, utilityTypeID, categoryID string, asOf time.Time) ([]*Policy, error)

	// ListOverlappingPolicies returns the Active policies in the same scope
	// whose validity interval intersects [from, to). A nil to means
	// open-ended.
	ListOverlappingPolicies(ctx context.Context, tenantID, utilityTypeID, categoryID string, from time.Time, to *time.Time) ([]*Policy, error)
	UpdatePolicyStatus(ctx context.Context, tenantID string, policyID string, status PolicyStatus) error

	// CreatePolicyVersion appends a policy_versions row and increments the
	// live policy version in one transaction: both writes or neither.
	CreatePolicyVersion(ctx context.Context, tenantID string, pv *PolicyVersion) (int64, error)
	ListPolicyVersions(ctx context.Context, tenantID string, policyID string) ([]*PolicyVersion, error)

	// Rule graph operations
	SaveRuleGroup(ctx context.Context, tenantID string, g *RuleGroup) error
	SaveRule(ctx context.Context, tenantID string, r *Rule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*Rule, error)
	SaveRuleException(ctx context.Context, tenantID string, ex *RuleException) error

	// LoadPolicyGraph resolves a policy's full rule graph and tariff plans
	// in a bounded number of queries.
	LoadPolicyGraph(ctx context.Context, tenantID string, policyID string) (*PolicyGraph, error)

	// Tariff operations
	SaveTariffPlan(ctx context.Context, tenantID string, plan *TariffPlan) error
	SaveTariffComponent(ctx context.Context, tenantID string, comp *TariffComponent) error

	// Evaluation ledger: append-only writes, never mutated.
	SaveEvaluation(ctx context.Context, tenantID string, eval *RuleEvaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evaluationID string) (*RuleEvaluation, error)

	// RecordRuleExecution folds one execution into the per-rule aggregate
	// atomically at the SQL layer; safe under concurrent evaluations.
	RecordRuleExecution(ctx context.Context, tenantID string, ruleID string, elapsedMs int64, success bool, outcome RuleOutcome, at time.Time) error
	GetRuleStats(ctx context.Context, tenantID string, ruleID string) (*RuleExecutionStats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
