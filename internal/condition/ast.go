// Package condition implements the json-logic condition format used by
// rule and exception documents: nested JSON objects keyed by operator name,
// e.g. {"and":[{">=":[{"var":"consumption"},0]},{"<=":[{"var":"consumption"},10]}]}.
//
// Documents are parsed once at rule-load time into a tagged-variant AST with
// validated arity, so shape errors surface when rules are loaded rather than
// on every evaluation.
package condition

import (
	"encoding/json"
	"fmt"

	"github.com/openutility/flume/internal/domain"
)

// Kind identifies an AST node's operator.
type Kind int

const (
	KindLiteral Kind = iota
	KindArray
	KindVar
	KindEq
	KindNeq
	KindGt
	KindGte
	KindLt
	KindLte
	KindIn
	KindAdd
	KindSub
	KindMul
	KindDiv
	KindMod
	KindMin
	KindMax
	KindAnd
	KindOr
	KindNot
	KindTruthy
	KindIf
	KindUnknown
)

// MaxDepth bounds AST nesting. Deeper documents are rejected at parse time
// with ErrMalformedCondition.
const MaxDepth = 64

// Node is one parsed AST node. Literal nodes carry Value; operator nodes
// carry Args.
type Node struct {
	Kind  Kind
	Op    string // original operator name, for diagnostics
	Value any    // literal payload
	Args  []*Node
}

// arity is the accepted argument-count range for an operator; max < 0 means
// unbounded.
type arity struct {
	min, max int
}

var operators = map[string]struct {
	kind Kind
	arity
}{
	"var": {KindVar, arity{1, 2}},
	"==":  {KindEq, arity{2, 2}},
	"!=":  {KindNeq, arity{2, 2}},
	">":   {KindGt, arity{2, 2}},
	">=":  {KindGte, arity{2, 2}},
	"<":   {KindLt, arity{2, 3}}, // 3-arity is the between form
	"<=":  {KindLte, arity{2, 3}},
	"in":  {KindIn, arity{2, 2}},
	"+":   {KindAdd, arity{1, -1}},
	"-":   {KindSub, arity{1, 2}},
	"*":   {KindMul, arity{1, -1}},
	"/":   {KindDiv, arity{2, 2}},
	"%":   {KindMod, arity{2, 2}},
	"min": {KindMin, arity{1, -1}},
	"max": {KindMax, arity{1, -1}},
	"and": {KindAnd, arity{2, -1}},
	"or":  {KindOr, arity{2, -1}},
	"!":   {KindNot, arity{1, 1}},
	"!!":  {KindTruthy, arity{1, 1}},
	"if":  {KindIf, arity{2, -1}},
}

// Parse decodes a json-logic document into an AST.
// Structural errors (multiple keys in an operator object, wrong arity,
// nesting past MaxDepth) return ErrMalformedCondition. Unknown operators
// parse into an Unknown node that evaluates to nil.
func Parse(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrMalformedCondition)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCondition, err)
	}

	return build(doc, 0)
}

func build(v any, depth int) (*Node, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting exceeds depth limit %d", domain.ErrMalformedCondition, MaxDepth)
	}

	switch val := v.(type) {
	case map[string]any:
		if len(val) != 1 {
			return nil, fmt.Errorf("%w: operator object must have exactly one key, got %d", domain.ErrMalformedCondition, len(val))
		}
		for op, args := range val {
			return buildOperator(op, args, depth)
		}
		return nil, fmt.Errorf("%w: missing operator", domain.ErrMalformedCondition)

	case []any:
		node := &Node{Kind: KindArray, Args: make([]*Node, 0, len(val))}
		for _, item := range val {
			child, err := build(item, depth+1)
			if err != nil {
				return nil, err
			}
			node.Args = append(node.Args, child)
		}
		return node, nil

	default:
		// Scalars and null are literals.
		return &Node{Kind: KindLiteral, Value: val}, nil
	}
}

func buildOperator(op string, rawArgs any, depth int) (*Node, error) {
	// json-logic allows a bare argument in place of a one-element list.
	args, ok := rawArgs.([]any)
	if !ok {
		args = []any{rawArgs}
	}

	spec, known := operators[op]
	if !known {
		// Unknown operators evaluate to nil rather than failing the rule.
		return &Node{Kind: KindUnknown, Op: op}, nil
	}

	if len(args) < spec.min || (spec.max >= 0 && len(args) > spec.max) {
		return nil, fmt.Errorf("%w: operator %q expects %s arguments, got %d",
			domain.ErrMalformedCondition, op, arityString(spec.arity), len(args))
	}

	node := &Node{Kind: spec.kind, Op: op, Args: make([]*Node, 0, len(args))}
	for _, a := range args {
		child, err := build(a, depth+1)
		if err != nil {
			return nil, err
		}
		node.Args = append(node.Args, child)
	}
	return node, nil
}

func arityString(a arity) string {
	if a.max < 0 {
		return fmt.Sprintf("at least %d", a.min)
	}
	if a.min == a.max {
		return fmt.Sprintf("exactly %d", a.min)
	}
	return fmt.Sprintf("%d to %d", a.min, a.max)
}
