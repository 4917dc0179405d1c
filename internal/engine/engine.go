// Package engine evaluates compiled policy graphs against billing contexts.
// Rules run in phase order (Pre, Post, Final); within a phase, groups run
// in evaluation order with rules bucketed by ascending priority inside
// each group, then ungrouped rules. Conditions and actions compile once
// per (policy, version); evaluation itself allocates no parsers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/openutility/flume/internal/condition"
	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/tariff"
)

var tracer = otel.Tracer("flume-engine")

const defaultEvaluationTimeout = 30 * time.Second

// Engine is the rule evaluation engine. Safe for concurrent use; compiled
// policies are cached by (policy, version) and shared across evaluations.
type Engine struct {
	env         *cel.Env
	maxWorkers  int
	evalTimeout time.Duration
	breakers    *breakerSet
	logger      *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*compiledPolicy
}

// compiledPolicy is a policy graph with every condition parsed and every
// action compiled. Immutable after load.
type compiledPolicy struct {
	graph  *domain.PolicyGraph
	groups map[string]*domain.RuleGroup
	rules  map[string]*compiledRule
	calc   *tariff.Calculator // nil when the policy carries no tariff plan
}

// runnable reports whether a rule can be scheduled: the rule is active
// and its group, if any, is active.
func (cp *compiledPolicy) runnable(r *domain.Rule) bool {
	if r.Status != domain.StatusActive {
		return false
	}
	if r.RuleGroupID == "" {
		return true
	}
	g, ok := cp.groups[r.RuleGroupID]
	return ok && g.Status == domain.StatusActive
}

type compiledRule struct {
	rule       *domain.Rule
	cond       *condition.Node
	actions    []*compiledAction
	exceptions []*compiledException
}

type compiledException struct {
	exc      *domain.RuleException
	cond     *condition.Node
	override []*compiledAction
}

// New constructs an engine from configuration. Zero-valued settings fall
// back to defaults (8 workers, 30s evaluation deadline).
func New(cfg domain.EngineConfig, logger *slog.Logger) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("building expression environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	evalTimeout := defaultEvaluationTimeout
	if cfg.EvaluationTimeoutMs > 0 {
		evalTimeout = time.Duration(cfg.EvaluationTimeoutMs) * time.Millisecond
	}

	return &Engine{
		env:         env,
		maxWorkers:  maxWorkers,
		evalTimeout: evalTimeout,
		breakers:    newBreakerSet(cfg.DefaultBreakerThreshold),
		loaded:      make(map[string]*compiledPolicy),
		logger:      logger,
	}, nil
}

// compiled returns the compiled form of a graph, compiling and caching it
// on first sight of (policy, version).
func (e *Engine) compiled(graph *domain.PolicyGraph) (*compiledPolicy, error) {
	key := fmt.Sprintf("%s:%d", graph.Policy.ID, graph.Policy.Version)

	e.mu.RLock()
	cp, ok := e.loaded[key]
	e.mu.RUnlock()
	if ok {
		return cp, nil
	}

	cp, err := e.compile(graph)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.loaded[key] = cp
	e.mu.Unlock()

	e.logger.Debug("compiled policy",
		"policy_id", graph.Policy.ID,
		"version", graph.Policy.Version,
		"rules", len(cp.rules))
	return cp, nil
}

func (e *Engine) compile(graph *domain.PolicyGraph) (*compiledPolicy, error) {
	cp := &compiledPolicy{
		graph:  graph,
		groups: make(map[string]*domain.RuleGroup, len(graph.Groups)),
		rules:  make(map[string]*compiledRule, len(graph.Rules)),
	}
	for _, g := range graph.Groups {
		cp.groups[g.ID] = g
	}

	for _, r := range graph.Rules {
		r.ApplyDefaults()

		cond, err := condition.Parse(r.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		actions, err := compileActions(e.env, r.Actions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}

		cr := &compiledRule{rule: r, cond: cond, actions: actions}
		for _, exc := range graph.Exceptions[r.ID] {
			if !exc.IsActive {
				continue
			}
			excCond, err := condition.Parse(exc.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %s exception %s: %w", r.ID, exc.ID, err)
			}
			override, err := compileActions(e.env, exc.OverrideAction)
			if err != nil {
				return nil, fmt.Errorf("rule %s exception %s: %w", r.ID, exc.ID, err)
			}
			cr.exceptions = append(cr.exceptions, &compiledException{
				exc:      exc,
				cond:     excCond,
				override: override,
			})
		}
		cp.rules[r.ID] = cr
	}

	if plan := defaultPlan(graph); plan != nil {
		var comps []*domain.TariffComponent
		for _, c := range graph.Components {
			if c.TariffPlanID == plan.ID {
				comps = append(comps, c)
			}
		}
		calc, err := tariff.NewCalculator(plan, comps)
		if err != nil {
			return nil, fmt.Errorf("policy %s tariff: %w", graph.Policy.ID, err)
		}
		cp.calc = calc
	}
	return cp, nil
}

// defaultPlan picks the plan marked IsDefault, falling back to the first.
func defaultPlan(graph *domain.PolicyGraph) *domain.TariffPlan {
	for _, p := range graph.Plans {
		if p.IsDefault {
			return p
		}
	}
	if len(graph.Plans) > 0 {
		return graph.Plans[0]
	}
	return nil
}

// evalState accumulates per-evaluation results across goroutines.
type evalState struct {
	mu       sync.Mutex
	traces   map[string]*domain.RuleTrace
	markers  []string
	charge   *domain.ChargeBreakdown
	stop     bool // remaining rules in current phase skip
	rollback bool
	failed   bool // a mandatory rule errored
	degraded bool // a non-mandatory rule errored, timed out or skipped
}

func (s *evalState) record(t *domain.RuleTrace, out *actionOutput, charge *domain.ChargeBreakdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[t.RuleID] = t
	if out != nil {
		s.markers = append(s.markers, out.markers...)
	}
	if charge != nil {
		s.charge = charge
	}
}

// Evaluate runs every active rule of the graph against the context and
// returns the structured result plus the terminal evaluation status.
// A non-nil error means the policy itself could not be compiled; rule
// execution failures are reported through the result, never the error.
func (e *Engine) Evaluate(ctx context.Context, graph *domain.PolicyGraph, evalCtx domain.EvaluationContext) (*domain.EvaluationResult, domain.EvaluationStatus, error) {
	cp, err := e.compiled(graph)
	if err != nil {
		return nil, domain.EvalFailed, err
	}

	ctx, span := tracer.Start(ctx, "engine.evaluate", oteltrace.WithAttributes(
		attribute.String("policy.id", graph.Policy.ID),
		attribute.Int64("policy.version", graph.Policy.Version),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	st := &evalState{traces: make(map[string]*domain.RuleTrace)}
	activation := activationFor(evalCtx)

	timedOut := false
phases:
	for _, phase := range domain.Phases {
		st.stop = false
		for _, bucket := range priorityBuckets(cp, phase) {
			if ctx.Err() != nil {
				timedOut = true
				break phases
			}
			if st.rollback {
				break phases
			}
			if st.stop {
				e.skipBucket(st, bucket, "phase stopped")
				continue
			}
			e.runBucket(ctx, cp, st, bucket, evalCtx, activation)
		}
		if st.rollback {
			break
		}
	}
	// The deadline can expire inside the last bucket, after the final
	// pre-bucket check already passed.
	if ctx.Err() != nil {
		timedOut = true
	}

	// Skip traces for every rule the evaluation never reached.
	for id, cr := range cp.rules {
		if !cp.runnable(cr.rule) {
			continue
		}
		st.mu.Lock()
		if _, ok := st.traces[id]; !ok {
			reason := "evaluation halted"
			if timedOut {
				reason = "evaluation deadline expired"
			}
			st.traces[id] = &domain.RuleTrace{RuleID: id, Outcome: domain.OutcomeSkipped, Errors: []string{reason}}
			st.degraded = true
		}
		st.mu.Unlock()
	}

	result := &domain.EvaluationResult{
		Matched: e.reduceMatched(cp, st),
		ByRule:  st.traces,
		Charge:  st.charge,
		Markers: st.markers,
	}

	status := domain.EvalSuccess
	switch {
	case timedOut:
		result.Markers = append(result.Markers, "EvaluationTimeout")
		result.Matched = false
		status = domain.EvalFailed
	case st.rollback:
		// Rollback discards everything the actions produced.
		result.Charge = nil
		result.Markers = nil
		result.Matched = false
		status = domain.EvalFailed
	case st.failed:
		result.Matched = false
		status = domain.EvalFailed
	case st.degraded:
		status = domain.EvalPartial
	}
	span.SetAttributes(attribute.String("evaluation.status", string(status)))
	return result, status, nil
}

// EvaluateRule runs a single rule of the graph in isolation. The rule's
// exceptions, retries and breaker apply exactly as in a full evaluation.
func (e *Engine) EvaluateRule(ctx context.Context, graph *domain.PolicyGraph, ruleID string, evalCtx domain.EvaluationContext) (*domain.EvaluationResult, domain.EvaluationStatus, error) {
	cp, err := e.compiled(graph)
	if err != nil {
		return nil, domain.EvalFailed, err
	}
	cr, ok := cp.rules[ruleID]
	if !ok {
		return nil, domain.EvalFailed, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	st := &evalState{traces: make(map[string]*domain.RuleTrace)}
	e.runRule(ctx, cp, st, cr, evalCtx, activationFor(evalCtx))

	trace := st.traces[ruleID]
	result := &domain.EvaluationResult{
		Matched: trace.Outcome == domain.OutcomeMatched,
		ByRule:  st.traces,
		Charge:  st.charge,
		Markers: st.markers,
	}

	status := domain.EvalSuccess
	switch {
	case st.rollback, st.failed:
		result.Charge = nil
		status = domain.EvalFailed
	case st.degraded:
		status = domain.EvalPartial
	}
	return result, status, nil
}

// priorityBuckets returns the phase's runnable rules as an ordered bucket
// list: active groups in ascending EvaluationOrder (graph order for ties),
// each group's rules bucketed by ascending priority, then ungrouped rules
// in their own priority buckets. Rules of inactive groups never schedule.
func priorityBuckets(cp *compiledPolicy, phase domain.EvaluationPhase) [][]*compiledRule {
	groups := make([]*domain.RuleGroup, 0, len(cp.graph.Groups))
	for _, g := range cp.graph.Groups {
		if g.Status != domain.StatusActive {
			continue
		}
		groups = append(groups, g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].EvaluationOrder < groups[j].EvaluationOrder
	})

	var buckets [][]*compiledRule
	for _, g := range groups {
		buckets = append(buckets, bucketByPriority(cp, phase, g.ID)...)
	}
	return append(buckets, bucketByPriority(cp, phase, "")...)
}

// bucketByPriority buckets one group's active rules of the phase by
// ascending priority. Rules inside a bucket keep graph order.
func bucketByPriority(cp *compiledPolicy, phase domain.EvaluationPhase, groupID string) [][]*compiledRule {
	var rules []*compiledRule
	for _, r := range cp.graph.Rules {
		if r.RuleGroupID != groupID || r.Status != domain.StatusActive || r.EvaluationPhase != phase {
			continue
		}
		rules = append(rules, cp.rules[r.ID])
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority < rules[j].rule.Priority
	})

	var buckets [][]*compiledRule
	for i := 0; i < len(rules); {
		j := i
		for j < len(rules) && rules[j].rule.Priority == rules[i].rule.Priority {
			j++
		}
		buckets = append(buckets, rules[i:j])
		i = j
	}
	return buckets
}

// runBucket executes one priority bucket. Sequential rules run first in
// graph order; Parallel rules then run concurrently under the worker cap.
func (e *Engine) runBucket(ctx context.Context, cp *compiledPolicy, st *evalState, bucket []*compiledRule, evalCtx domain.EvaluationContext, activation map[string]any) {
	var parallel []*compiledRule
	for _, cr := range bucket {
		if cr.rule.ExecutionMode == domain.ModeParallel {
			parallel = append(parallel, cr)
			continue
		}
		if st.stop || st.rollback {
			e.skipBucket(st, []*compiledRule{cr}, "phase stopped")
			continue
		}
		e.runRule(ctx, cp, st, cr, evalCtx, activation)
	}

	if st.stop || st.rollback {
		e.skipBucket(st, parallel, "phase stopped")
		return
	}

	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup
	for _, cr := range parallel {
		wg.Add(1)
		sem <- struct{}{}
		go func(cr *compiledRule) {
			defer wg.Done()
			defer func() { <-sem }()
			e.runRule(ctx, cp, st, cr, evalCtx, activation)
		}(cr)
	}
	wg.Wait()
}

func (e *Engine) skipBucket(st *evalState, bucket []*compiledRule, reason string) {
	for _, cr := range bucket {
		st.mu.Lock()
		if _, ok := st.traces[cr.rule.ID]; !ok {
			st.traces[cr.rule.ID] = &domain.RuleTrace{
				RuleID:  cr.rule.ID,
				Outcome: domain.OutcomeSkipped,
				Errors:  []string{reason},
			}
			st.degraded = true
		}
		st.mu.Unlock()
	}
}

// runRule evaluates one rule end to end: breaker gate, exceptions,
// condition, then the action chain under the per-attempt timeout and
// retry budget.
func (e *Engine) runRule(ctx context.Context, cp *compiledPolicy, st *evalState, cr *compiledRule, evalCtx domain.EvaluationContext, activation map[string]any) {
	r := cr.rule
	start := time.Now()

	br := e.breakers.forRule(r)
	if !br.allow(start) {
		st.record(&domain.RuleTrace{
			RuleID:  r.ID,
			Outcome: domain.OutcomeSkipped,
			Errors:  []string{"circuit breaker open"},
		}, nil, nil)
		st.mu.Lock()
		st.degraded = true
		st.mu.Unlock()
		return
	}

	// Exceptions short-circuit the rule. A matching exception counts as a
	// match with the override value; no retries apply.
	data := map[string]any(evalCtx)
	for _, exc := range cr.exceptions {
		if !condition.Truthy(condition.Eval(exc.cond, data)) {
			continue
		}
		out, err := runActions(exc.override, activation)
		trace := &domain.RuleTrace{
			RuleID:    r.ID,
			Outcome:   domain.OutcomeMatched,
			Override:  true,
			Attempts:  1,
			ElapsedMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			trace.Outcome = domain.OutcomeErrored
			trace.Errors = []string{err.Error()}
			st.record(trace, nil, nil)
			e.recordFailure(st, cr, br, err)
			return
		}
		trace.Value = out.value
		st.record(trace, out, nil)
		br.success()
		return
	}

	if !condition.Truthy(condition.Eval(cr.cond, data)) {
		st.record(&domain.RuleTrace{
			RuleID:    r.ID,
			Outcome:   domain.OutcomeNotMatched,
			ElapsedMs: time.Since(start).Milliseconds(),
		}, nil, nil)
		br.success()
		return
	}

	attempts := maxAttempts(r.RetryPolicy)
	timeout := time.Duration(r.TimeoutMs) * time.Millisecond

	var (
		out     *actionOutput
		charge  *domain.ChargeBreakdown
		lastErr error
		errs    []string
		made    int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		made++
		out, charge, lastErr = e.runAttempt(ctx, cp, cr, evalCtx, activation, timeout)
		if lastErr == nil {
			break
		}
		errs = append(errs, lastErr.Error())
		if errors.Is(lastErr, domain.ErrEvaluationTimeout) || attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(backoffDelay(attempt, r.RetryPolicy)):
		case <-ctx.Done():
			lastErr = domain.ErrEvaluationTimeout
			errs = append(errs, lastErr.Error())
		}
		if errors.Is(lastErr, domain.ErrEvaluationTimeout) {
			break
		}
	}

	trace := &domain.RuleTrace{
		RuleID:    r.ID,
		Attempts:  made,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if lastErr != nil {
		trace.Outcome = domain.OutcomeErrored
		if errors.Is(lastErr, domain.ErrRuleTimeout) {
			trace.Outcome = domain.OutcomeTimedOut
		}
		trace.Errors = errs
		st.record(trace, nil, nil)
		e.recordFailure(st, cr, br, lastErr)
		e.logger.Warn("rule failed",
			"rule_id", r.ID,
			"policy_id", cp.graph.Policy.ID,
			"attempts", made,
			"error", lastErr)
		return
	}

	trace.Outcome = domain.OutcomeMatched
	trace.Value = out.value
	st.record(trace, out, charge)
	br.success()
}

// runAttempt executes one action-chain attempt under the rule timeout.
func (e *Engine) runAttempt(ctx context.Context, cp *compiledPolicy, cr *compiledRule, evalCtx domain.EvaluationContext, activation map[string]any, timeout time.Duration) (*actionOutput, *domain.ChargeBreakdown, error) {
	return runWithTimeout(ctx, timeout, func() (*actionOutput, *domain.ChargeBreakdown, error) {
		out, err := runActions(cr.actions, activation)
		if err != nil {
			return nil, nil, err
		}
		var charge *domain.ChargeBreakdown
		if out.tariff {
			charge, err = e.computeCharge(cp, evalCtx)
			if err != nil {
				return nil, nil, err
			}
		}
		return out, charge, nil
	})
}

// runWithTimeout runs work in its own goroutine with a hard deadline.
// A timed-out goroutine is abandoned; actions have no side effects beyond
// their return values so the orphan is harmless.
func runWithTimeout(ctx context.Context, timeout time.Duration, work func() (*actionOutput, *domain.ChargeBreakdown, error)) (*actionOutput, *domain.ChargeBreakdown, error) {
	type attemptResult struct {
		out    *actionOutput
		charge *domain.ChargeBreakdown
		err    error
	}

	done := make(chan attemptResult, 1)
	go func() {
		out, charge, err := work()
		done <- attemptResult{out: out, charge: charge, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.out, res.charge, res.err
	case <-timer.C:
		return nil, nil, domain.ErrRuleTimeout
	case <-ctx.Done():
		return nil, nil, domain.ErrEvaluationTimeout
	}
}

func (e *Engine) computeCharge(cp *compiledPolicy, evalCtx domain.EvaluationContext) (*domain.ChargeBreakdown, error) {
	if cp.calc == nil {
		return nil, fmt.Errorf("%w: policy %s has no tariff plan", domain.ErrPolicyNotFound, cp.graph.Policy.ID)
	}
	unitCount := int(evalCtx.Float("unitCount"))
	if unitCount == 0 {
		unitCount = 1
	}
	return cp.calc.Compute(tariff.Input{
		Consumption:  evalCtx.Float("consumption"),
		Category:     evalCtx.String("categoryId"),
		PipeSizeMM:   evalCtx.Float("pipeSizeMM"),
		UnitCount:    unitCount,
		ConnectionID: evalCtx.String("connectionId"),
	})
}

// recordFailure applies the rule's error action after retries exhaust.
// An expired evaluation deadline says nothing about the rule's health and
// never counts against its breaker.
func (e *Engine) recordFailure(st *evalState, cr *compiledRule, br *breaker, err error) {
	if !errors.Is(err, domain.ErrEvaluationTimeout) {
		br.failure(time.Now())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if cr.rule.IsMandatory {
		st.failed = true
	} else {
		st.degraded = true
	}
	switch cr.rule.ErrorAction {
	case domain.ActionStop:
		st.stop = true
	case domain.ActionRollback:
		st.rollback = true
	}
}

// reduceMatched folds rule traces into the evaluation-level matched flag:
// AND across every group reduction and every ungrouped rule. A policy with
// no active rules matches vacuously.
func (e *Engine) reduceMatched(cp *compiledPolicy, st *evalState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	matched := func(r *domain.Rule) bool {
		t, ok := st.traces[r.ID]
		return ok && t.Outcome == domain.OutcomeMatched
	}

	for _, g := range cp.graph.Groups {
		if g.Status != domain.StatusActive {
			continue
		}
		members := cp.graph.GroupRules(g.ID)
		if len(members) == 0 {
			continue
		}
		groupMatched := g.LogicalOperator != domain.OperatorOr
		for _, r := range members {
			if g.LogicalOperator == domain.OperatorOr {
				if matched(r) {
					groupMatched = true
					break
				}
			} else if !matched(r) {
				groupMatched = false
				break
			}
		}
		if !groupMatched {
			return false
		}
	}

	for _, r := range cp.graph.GroupRules("") {
		if !matched(r) {
			return false
		}
	}
	return true
}
