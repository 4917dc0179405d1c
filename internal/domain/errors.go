package domain

import "errors"

// Error taxonomy for the evaluation pipeline. Sentinels so callers can
// classify with errors.Is across package boundaries.
var (
	// ErrMalformedCondition: structurally invalid condition AST (missing
	// operator, wrong arity, excessive depth). Never retried; fails fast.
	ErrMalformedCondition = errors.New("malformed condition")

	// ErrPolicyNotFound: no active policy (or tariff configuration) covers
	// the requested utility/category/date. Surfaced as 404, never retried.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrAmbiguousPolicy: more than one active policy matched; overlapping
	// validity intervals must be prevented at write time. Surfaced as 409.
	ErrAmbiguousPolicy = errors.New("ambiguous policy")

	// ErrRuleTimeout: a single rule attempt exceeded its timeout_ms budget.
	// Retried per the rule's retry policy, then subject to its error action.
	ErrRuleTimeout = errors.New("rule timeout")

	// ErrRuleExecution: a rule's action threw. Same retry/error-action path
	// as ErrRuleTimeout.
	ErrRuleExecution = errors.New("rule execution error")

	// ErrEvaluationTimeout: the whole-evaluation deadline expired. Fatal;
	// aborts in-flight work.
	ErrEvaluationTimeout = errors.New("evaluation timeout")

	// ErrCircuitOpen: the rule's breaker is open; recorded as Skipped,
	// not treated as a failure.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrNotFound: generic record-not-found from storage.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput: caller supplied invalid parameters.
	ErrInvalidInput = errors.New("invalid input")
)
