package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

type operator string

const (
	opEq       operator = "eq"
	opNe       operator = "ne"
	opLt       operator = "lt"
	opLte      operator = "lte"
	opGt       operator = "gt"
	opGte      operator = "gte"
	opContains operator = "contains"
	opIn       operator = "in"
	opExists   operator = "exists"
	opMatches  operator = "matches"
)

var operatorAliases = map[string]operator{
	"eq": opEq, "==": opEq, "equals": opEq,
	"ne": opNe, "!=": opNe, "not_equals": opNe,
	"lt": opLt, "<": opLt,
	"lte": opLte, "<=": opLte,
	"gt": opGt, ">": opGt,
	"gte": opGte, ">=": opGte,
	"contains": opContains,
	"in":       opIn,
	"exists":   opExists,
	"matches":  opMatches,
}

func lookupOperator(name string) (operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(name))]

	return op, ok
}

// Operators lists the canonical operator names.
func Operators() []string {
	return []string{
		string(opEq), string(opNe), string(opLt), string(opLte), string(opGt), string(opGte),
		string(opContains), string(opIn), string(opExists), string(opMatches),
	}
}

func compare(op operator, actual any, found bool, expected any) (bool, error) {
	if op == opExists {
		want := true
		if b, ok := expected.(bool); ok {
			want = b
		}

		return found == want, nil
	}

	if !found {
		return false, nil
	}

	switch op {
	case opEq:
		return equal(actual, expected), nil
	case opNe:
		return !equal(actual, expected), nil
	case opLt, opLte, opGt, opGte:
		cmp, ok := order(actual, expected)
		if !ok {
			return false, nil
		}

		switch op {
		case opLt:
			return cmp < 0, nil
		case opLte:
			return cmp <= 0, nil
		case opGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case opContains:
		return contains(actual, expected), nil
	case opIn:
		return contains(expected, actual), nil
	case opMatches:
		pattern, err := compilePattern(expected)
		if err != nil {
			return false, err
		}

		text, ok := actual.(string)
		if !ok {
			return false, nil
		}

		return pattern.MatchString(text), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

func compilePattern(value any) (*regexp.Regexp, error) {
	text, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("matches needs a string pattern, got %T", value)
	}

	pattern, err := regexp.Compile(text)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", text, err)
	}

	return pattern, nil
}

func equal(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}

	return reflect.DeepEqual(normalize(a), normalize(b))
}

// order returns -1, 0 or 1 for numbers or strings; false when the two are not comparable.
func order(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	x, okA := a.(string)
	y, okB := b.(string)

	if !okA || !okB {
		return 0, false
	}

	return strings.Compare(x, y), true
}

func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)

		return ok && strings.Contains(c, s)
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false
		}

		_, exists := c[key]

		return exists
	}

	value := reflect.ValueOf(container)
	if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
		return false
	}

	items := make([]any, value.Len())
	for i := range items {
		items[i] = value.Index(i).Interface()
	}

	return slices.ContainsFunc(items, func(candidate any) bool {
		return equal(candidate, item)
	})
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// normalize maps typed slices and maps onto their JSON-decoded shape so
// values from YAML, JSON and Go literals compare equal.
func normalize(value any) any {
	switch value.(type) {
	case nil, string, bool, float64:
		return value
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}

	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		return value
	}

	return decoded
}
