package domain

import (
	"encoding/json"
	"time"
)

// ConditionType distinguishes single-operator conditions from nested trees.
type ConditionType string

const (
	ConditionSimple    ConditionType = "Simple"
	ConditionComposite ConditionType = "Composite"
)

// EvaluationPhase buckets rules into strictly ordered execution phases.
type EvaluationPhase string

const (
	PhasePre   EvaluationPhase = "Pre"
	PhasePost  EvaluationPhase = "Post"
	PhaseFinal EvaluationPhase = "Final"
)

// Phases lists evaluation phases in execution order.
var Phases = []EvaluationPhase{PhasePre, PhasePost, PhaseFinal}

// ErrorAction is the behavior applied when a rule's evaluation errors
// after all retries are exhausted.
type ErrorAction string

const (
	// ActionContinue marks the rule Errored and proceeds to the next rule.
	ActionContinue ErrorAction = "Continue"

	// ActionStop halts the remaining rules in the current phase.
	ActionStop ErrorAction = "Stop"

	// ActionRollback discards action side effects and fails the evaluation.
	ActionRollback ErrorAction = "Rollback"
)

// ExecutionMode controls how sibling rules at the same priority run.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "Parallel"
	ModeSequential ExecutionMode = "Sequential"
)

// RetryPolicy configures per-rule retry behavior. Delays are milliseconds,
// matching TimeoutMs. Backoff is exponential with full jitter.
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts"`
	BaseDelayMs int64 `json:"baseDelayMs"`
	MaxDelayMs  int64 `json:"maxDelayMs"`
}

// CircuitBreaker configures the per-rule failure breaker. After Threshold
// consecutive failures the rule is skipped for OpenDurationMs.
type CircuitBreaker struct {
	Threshold      int   `json:"threshold"`
	OpenDurationMs int64 `json:"openDurationMs"`
}

// Rule is a single condition -> action unit with execution and failure
// metadata. Conditions use the json-logic wire format; they are parsed once
// at load time, not per evaluation.
type Rule struct {
	ID          string `json:"id"`
	ExternalID  string `json:"externalId,omitempty"`
	PolicyID    string `json:"policyId"`
	RuleGroupID string `json:"ruleGroupId,omitempty"` // empty = ungrouped
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ConditionType   ConditionType   `json:"conditionType"`
	EvaluationPhase EvaluationPhase `json:"evaluationPhase"`
	Priority        int             `json:"priority"`
	IsMandatory     bool            `json:"isMandatory"`
	Status          PolicyStatus    `json:"status"`
	ErrorAction     ErrorAction     `json:"errorAction,omitempty"`
	ExecutionMode   ExecutionMode   `json:"executionMode"`
	TimeoutMs       int64           `json:"timeoutMs"`

	RetryPolicy    *RetryPolicy    `json:"retryPolicy,omitempty"`
	CircuitBreaker *CircuitBreaker `json:"circuitBreaker,omitempty"`

	Conditions json.RawMessage `json:"conditions"`
	Actions    json.RawMessage `json:"actions,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Default execution settings, matching the persisted column defaults.
const (
	DefaultPriority  = 1
	DefaultTimeoutMs = 5000
)

// ApplyDefaults fills zero-valued execution fields with their defaults.
func (r *Rule) ApplyDefaults() {
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = DefaultTimeoutMs
	}
	if r.ExecutionMode == "" {
		r.ExecutionMode = ModeParallel
	}
	if r.EvaluationPhase == "" {
		r.EvaluationPhase = PhasePre
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
}

// RuleException is an override evaluated before its parent rule. When its
// condition matches, OverrideAction is returned instead of running the
// rule's own action.
type RuleException struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"ruleId"`
	Condition      json.RawMessage `json:"condition"`
	OverrideAction json.RawMessage `json:"overrideAction,omitempty"`
	IsActive       bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt,omitempty"`
}
