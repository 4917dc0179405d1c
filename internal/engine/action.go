package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/openutility/flume/internal/domain"
)

// Action documents attach behavior to a matched rule. The document is a
// single object or an array of objects, dispatched on "type":
//
//	{"type":"result","value":...}   return a literal value
//	{"type":"expression","expr":..} return a CEL expression over the context
//	{"type":"tariff"}               compute the charge breakdown
//	{"type":"marker","value":"..."} append an evaluation marker
//
// Expressions compile once at rule-load time, so syntax errors surface on
// load rather than per evaluation.
type actionKind int

const (
	actionResult actionKind = iota
	actionExpression
	actionTariff
	actionMarker
)

type compiledAction struct {
	kind    actionKind
	value   any
	program cel.Program
}

type actionDoc struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
	Expr  string `json:"expr,omitempty"`
}

// actionOutput accumulates what a rule's action chain produced.
type actionOutput struct {
	value   any
	markers []string
	tariff  bool
}

// newCELEnv builds the expression environment. Billing context fields are
// exposed both as top-level variables and through the ctx map.
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("consumption", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("pipeSizeMM", cel.DoubleType),
		cel.Variable("connectionType", cel.StringType),
		cel.Variable("unitCount", cel.IntType),
		cel.Variable("consumerId", cel.StringType),
	)
}

// compileActions parses and compiles an action document. A nil or empty
// document compiles to no actions.
func compileActions(env *cel.Env, raw json.RawMessage) ([]*compiledAction, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var docs []actionDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		// Allow a bare object in place of a one-element array.
		var single actionDoc
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("%w: malformed action document: %v", domain.ErrInvalidInput, err)
		}
		docs = []actionDoc{single}
	}

	compiled := make([]*compiledAction, 0, len(docs))
	for _, doc := range docs {
		switch doc.Type {
		case "result":
			compiled = append(compiled, &compiledAction{kind: actionResult, value: doc.Value})

		case "expression":
			if doc.Expr == "" {
				return nil, fmt.Errorf("%w: expression action requires expr", domain.ErrInvalidInput)
			}
			ast, issues := env.Compile(doc.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: expression %q: %v", domain.ErrInvalidInput, doc.Expr, issues.Err())
			}
			program, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("%w: expression %q: %v", domain.ErrInvalidInput, doc.Expr, err)
			}
			compiled = append(compiled, &compiledAction{kind: actionExpression, program: program})

		case "tariff":
			compiled = append(compiled, &compiledAction{kind: actionTariff})

		case "marker":
			marker, _ := doc.Value.(string)
			if marker == "" {
				return nil, fmt.Errorf("%w: marker action requires a string value", domain.ErrInvalidInput)
			}
			compiled = append(compiled, &compiledAction{kind: actionMarker, value: marker})

		default:
			return nil, fmt.Errorf("%w: unknown action type %q", domain.ErrInvalidInput, doc.Type)
		}
	}
	return compiled, nil
}

// runActions executes a compiled action chain against an activation.
// Expression errors abort the chain; they count as rule execution failures
// upstream.
func runActions(actions []*compiledAction, activation map[string]any) (*actionOutput, error) {
	out := &actionOutput{}

	for _, a := range actions {
		switch a.kind {
		case actionResult:
			out.value = a.value

		case actionExpression:
			val, _, err := a.program.Eval(activation)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrRuleExecution, err)
			}
			out.value = celToGo(val)

		case actionTariff:
			out.tariff = true

		case actionMarker:
			out.markers = append(out.markers, a.value.(string))
		}
	}
	return out, nil
}

// activationFor builds the CEL activation from an evaluation context.
func activationFor(evalCtx domain.EvaluationContext) map[string]any {
	return map[string]any{
		"ctx":            map[string]any(evalCtx),
		"consumption":    evalCtx.Float("consumption"),
		"category":       evalCtx.String("category"),
		"pipeSizeMM":     evalCtx.Float("pipeSizeMM"),
		"connectionType": evalCtx.String("connectionType"),
		"unitCount":      int64(evalCtx.Float("unitCount")),
		"consumerId":     evalCtx.String("consumerId"),
	}
}

// celToGo converts a CEL value to a plain Go value for the result trace.
func celToGo(val ref.Val) any {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	case types.String:
		return string(v)
	default:
		return v.Value()
	}
}
