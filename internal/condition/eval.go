package condition

import (
	"strings"
)

// Eval computes the value of a parsed AST against a context document.
// Pure: no I/O, no side effects, recursion bounded by the parse-time depth
// limit. Missing context keys and unknown operators resolve to nil.
func Eval(n *Node, ctx map[string]any) any {
	if n == nil {
		return nil
	}

	switch n.Kind {
	case KindLiteral:
		return n.Value

	case KindArray:
		out := make([]any, 0, len(n.Args))
		for _, a := range n.Args {
			out = append(out, Eval(a, ctx))
		}
		return out

	case KindVar:
		return evalVar(n, ctx)

	case KindEq:
		return looseEqual(Eval(n.Args[0], ctx), Eval(n.Args[1], ctx))
	case KindNeq:
		return !looseEqual(Eval(n.Args[0], ctx), Eval(n.Args[1], ctx))

	case KindGt:
		c, ok := compare(Eval(n.Args[0], ctx), Eval(n.Args[1], ctx))
		return ok && c > 0
	case KindGte:
		c, ok := compare(Eval(n.Args[0], ctx), Eval(n.Args[1], ctx))
		return ok && c >= 0
	case KindLt:
		return evalOrdered(n, ctx, func(c int) bool { return c < 0 })
	case KindLte:
		return evalOrdered(n, ctx, func(c int) bool { return c <= 0 })

	case KindIn:
		return evalIn(Eval(n.Args[0], ctx), Eval(n.Args[1], ctx))

	case KindAdd:
		sum := 0.0
		for _, a := range n.Args {
			sum += toNumber(Eval(a, ctx))
		}
		return sum
	case KindSub:
		if len(n.Args) == 1 {
			return -toNumber(Eval(n.Args[0], ctx))
		}
		return toNumber(Eval(n.Args[0], ctx)) - toNumber(Eval(n.Args[1], ctx))
	case KindMul:
		prod := 1.0
		for _, a := range n.Args {
			prod *= toNumber(Eval(a, ctx))
		}
		return prod
	case KindDiv:
		divisor := toNumber(Eval(n.Args[1], ctx))
		if divisor == 0 {
			return nil
		}
		return toNumber(Eval(n.Args[0], ctx)) / divisor
	case KindMod:
		divisor := toNumber(Eval(n.Args[1], ctx))
		if divisor == 0 {
			return nil
		}
		return float64(int64(toNumber(Eval(n.Args[0], ctx))) % int64(divisor))

	case KindMin:
		return evalFold(n, ctx, func(best, v float64) bool { return v < best })
	case KindMax:
		return evalFold(n, ctx, func(best, v float64) bool { return v > best })

	case KindAnd:
		// Returns the first falsy argument, or the last argument.
		var last any
		for _, a := range n.Args {
			last = Eval(a, ctx)
			if !Truthy(last) {
				return last
			}
		}
		return last
	case KindOr:
		// Returns the first truthy argument, or the last argument.
		var last any
		for _, a := range n.Args {
			last = Eval(a, ctx)
			if Truthy(last) {
				return last
			}
		}
		return last

	case KindNot:
		return !Truthy(Eval(n.Args[0], ctx))
	case KindTruthy:
		return Truthy(Eval(n.Args[0], ctx))

	case KindIf:
		return evalIf(n, ctx)

	default:
		// Unknown operator: defined default, never an error.
		return nil
	}
}

// Truthy follows json-logic semantics: nil, false, 0, "" and empty arrays
// are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func evalVar(n *Node, ctx map[string]any) any {
	name, _ := Eval(n.Args[0], ctx).(string)
	if name == "" {
		return nil
	}

	if v, ok := lookup(ctx, name); ok {
		return v
	}
	if len(n.Args) == 2 {
		return Eval(n.Args[1], ctx)
	}
	return nil
}

// lookup resolves a dotted path through nested objects.
func lookup(ctx map[string]any, path string) (any, bool) {
	if v, ok := ctx[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalOrdered handles < and <=, including the 3-arity between form
// {"<=":[lo, x, hi]}.
func evalOrdered(n *Node, ctx map[string]any, pass func(int) bool) bool {
	a := Eval(n.Args[0], ctx)
	b := Eval(n.Args[1], ctx)
	c1, ok := compare(a, b)
	if !ok || !pass(c1) {
		return false
	}
	if len(n.Args) == 3 {
		c2, ok := compare(b, Eval(n.Args[2], ctx))
		return ok && pass(c2)
	}
	return true
}

func evalFold(n *Node, ctx map[string]any, better func(best, v float64) bool) any {
	best := toNumber(Eval(n.Args[0], ctx))
	for _, a := range n.Args[1:] {
		if v := toNumber(Eval(a, ctx)); better(best, v) {
			best = v
		}
	}
	return best
}

// evalIf supports the variadic json-logic chain:
// [cond, then, cond2, then2, ..., else?].
func evalIf(n *Node, ctx map[string]any) any {
	i := 0
	for ; i+1 < len(n.Args); i += 2 {
		if Truthy(Eval(n.Args[i], ctx)) {
			return Eval(n.Args[i+1], ctx)
		}
	}
	if i < len(n.Args) {
		return Eval(n.Args[i], ctx)
	}
	return nil
}

func evalIn(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

// looseEqual compares with numeric cross-type coercion, matching the wire
// format's behavior for mixed int/float JSON payloads.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		return an == bn
	}

	return a == b
}

// compare returns -1, 0 or 1 for numerically or lexically ordered values.
// The second return is false for incomparable pairs, which every ordering
// operator treats as non-matching.
func compare(a, b any) (int, bool) {
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}

	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toNumber(v any) float64 {
	n, _ := asNumber(v)
	return n
}
