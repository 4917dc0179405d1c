package domain

import (
	"time"
)

// EvaluationStatus is the terminal state of a policy evaluation.
type EvaluationStatus string

const (
	// EvalSuccess: no mandatory rule errored, no Stop/Rollback fired.
	EvalSuccess EvaluationStatus = "Success"

	// EvalFailed: a mandatory rule errored, a Rollback fired, or the
	// evaluation deadline expired.
	EvalFailed EvaluationStatus = "Failed"

	// EvalPartial: non-mandatory rules errored or were skipped, but the
	// policy still produced a result.
	EvalPartial EvaluationStatus = "Partial"
)

// RuleOutcome is the terminal sub-state of a single rule within an
// evaluation.
type RuleOutcome string

const (
	OutcomeMatched    RuleOutcome = "Matched"
	OutcomeNotMatched RuleOutcome = "NotMatched"
	OutcomeErrored    RuleOutcome = "Errored"
	OutcomeSkipped    RuleOutcome = "Skipped"
	OutcomeTimedOut   RuleOutcome = "TimedOut"
)

// RuleTrace records one rule's outcome inside an evaluation result.
type RuleTrace struct {
	RuleID    string      `json:"ruleId"`
	Outcome   RuleOutcome `json:"outcome"`
	Value     any         `json:"value,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	Override  bool        `json:"override,omitempty"` // matched via exception
	ElapsedMs int64       `json:"elapsedMs"`
}

// EvaluationResult is the structured output document of one evaluation.
type EvaluationResult struct {
	Matched bool                  `json:"matched"`
	ByRule  map[string]*RuleTrace `json:"byRule"`
	Charge  *ChargeBreakdown      `json:"charge,omitempty"`

	// Markers carries evaluation-level flags, e.g. "EvaluationTimeout".
	Markers []string `json:"markers,omitempty"`
}

// RuleEvaluation is the write-once ledger row for one evaluation call.
type RuleEvaluation struct {
	ID           string `json:"id"`
	EvaluationID string `json:"evaluationId"`
	TenantID     string `json:"tenantId,omitempty"`
	ConsumerID   string `json:"consumerId"`
	PolicyID     string `json:"policyId"`

	// RuleID is the triggering rule for single-rule runs; empty for
	// whole-policy runs.
	RuleID string `json:"ruleId,omitempty"`

	Context map[string]any    `json:"evaluationContext"`
	Result  *EvaluationResult `json:"evaluationResult"`
	Status  EvaluationStatus  `json:"status"`

	Start       time.Time `json:"evaluationStart"`
	End         time.Time `json:"evaluationEnd"`
	InitiatedBy string    `json:"initiatedBy,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// RuleExecutionStats is the per-rule rolling aggregate. Updated after every
// evaluation touching the rule; no historical granularity beyond this.
type RuleExecutionStats struct {
	RuleID             string      `json:"ruleId"`
	EvaluationCount    int64       `json:"evaluationCount"`
	AvgExecutionTimeMs float64     `json:"avgExecutionTimeMs"`
	SuccessCount       int64       `json:"successCount"`
	FailureCount       int64       `json:"failureCount"`
	LastExecuted       time.Time   `json:"lastExecuted"`
	LastStatus         RuleOutcome `json:"lastStatus"`
}

// EvaluationContext is the flat key/value input document. Expected keys for
// billing rules: consumerId, utilityId, categoryId, consumption, pipeSizeMM,
// connectionType, initiatedBy, notes.
type EvaluationContext map[string]any

// String returns the string value at key, or "" when absent or non-string.
func (c EvaluationContext) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value at key, or 0 when absent.
func (c EvaluationContext) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
