package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pulsekit/engage-go/internal/request"
	"github.com/pulsekit/engage-go/internal/vars"
)

// matchCriterion checks one trigger criterion against an incoming event:
// event name equality (NFC-canonical), context name equality when the
// criterion pins one, and every parameter predicate.
//
// A malformed criterion returns an error; the engine skips the whole
// definition in that case rather than aborting the evaluation.
func matchCriterion(c vars.Criterion, eventName, contextName string, contextual map[string]any) (bool, error) {
	if c.Event == "" {
		return false, fmt.Errorf("criterion has no event name")
	}
	if request.Canonical(c.Event) != eventName {
		return false, nil
	}
	if c.Context != "" && c.Context != contextName {
		return false, nil
	}
	for _, p := range c.Params {
		ok, err := matchPredicate(p, contextual)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchPredicate evaluates one parameter predicate. A missing parameter is
// a non-match, not an error; an unknown operator or an operand of the wrong
// shape is malformed.
func matchPredicate(p vars.Predicate, contextual map[string]any) (bool, error) {
	if p.Key == "" {
		return false, fmt.Errorf("predicate has no key")
	}
	actual, present := contextual[p.Key]

	switch p.Op {
	case vars.OpIs:
		return present && looseEqual(actual, p.Value), nil

	case vars.OpOneOf:
		options, ok := p.Value.([]any)
		if !ok {
			return false, fmt.Errorf("oneOf predicate %q: value is %T, want list", p.Key, p.Value)
		}
		if !present {
			return false, nil
		}
		for _, opt := range options {
			if looseEqual(actual, opt) {
				return true, nil
			}
		}
		return false, nil

	case vars.OpContains:
		needle, ok := asString(p.Value)
		if !ok {
			return false, fmt.Errorf("contains predicate %q: value is %T, want string", p.Key, p.Value)
		}
		haystack, ok := asString(actual)
		return present && ok && strings.Contains(haystack, needle), nil

	case vars.OpGTE, vars.OpLTE:
		threshold, ok := asFloat(p.Value)
		if !ok {
			return false, fmt.Errorf("%s predicate %q: value is %T, want number", p.Op, p.Key, p.Value)
		}
		val, ok := asFloat(actual)
		if !present || !ok {
			return false, nil
		}
		if p.Op == vars.OpGTE {
			return val >= threshold, nil
		}
		return val <= threshold, nil

	default:
		return false, fmt.Errorf("unknown predicate operator %q", p.Op)
	}
}

// looseEqual compares values across the representations JSON decoding can
// produce: numbers compare numerically whether they arrive as int, float64
// or json.Number; everything else compares as strings of the same type.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	sa, ok := asString(a)
	if !ok {
		return false
	}
	sb, ok := asString(b)
	return ok && sa == sb
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	default:
		return "", false
	}
}
