// Package conditions evaluates the declarative predicate sets used to select a
// flow and to skip steps. A predicate set is a map of "field_operator" keys to
// expected values; all predicates are AND-combined.
package conditions

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Operator is the comparison selected by a condition key's suffix.
type Operator int

const (
	OpBare Operator = iota
	OpGte
	OpGt
	OpLte
	OpLt
	OpEq
	OpNeq
	OpIn
	OpNotIn
	OpExists
	OpContains
)

// suffixes is ordered longest first so "_not_in" wins over "_in" and "_neq" over "_eq".
var suffixes = []struct {
	suffix string
	op     Operator
}{
	{"_contains", OpContains},
	{"_not_in", OpNotIn},
	{"_exists", OpExists},
	{"_gte", OpGte},
	{"_lte", OpLte},
	{"_neq", OpNeq},
	{"_gt", OpGt},
	{"_lt", OpLt},
	{"_eq", OpEq},
	{"_in", OpIn},
}

func (o Operator) String() string {
	switch o {
	case OpGte:
		return "gte"
	case OpGt:
		return "gt"
	case OpLte:
		return "lte"
	case OpLt:
		return "lt"
	case OpEq:
		return "eq"
	case OpNeq:
		return "neq"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not_in"
	case OpExists:
		return "exists"
	case OpContains:
		return "contains"
	default:
		return "bare"
	}
}

// Condition is one parsed predicate.
type Condition struct {
	Field    string
	Operator Operator
	Expected interface{}
}

// ParseKey splits a condition key into its field and operator. A key whose
// base name would be empty (e.g. "_gte") is treated as a bare field.
func ParseKey(key string) (string, Operator) {
	for _, s := range suffixes {
		if strings.HasSuffix(key, s.suffix) {
			field := strings.TrimSuffix(key, s.suffix)
			if field == "" {
				return key, OpBare
			}
			return field, s.op
		}
	}
	return key, OpBare
}

// Parse turns a predicate map into conditions.
func Parse(conditions map[string]interface{}) []Condition {
	parsed := make([]Condition, 0, len(conditions))
	for key, expected := range conditions {
		field, op := ParseKey(key)
		parsed = append(parsed, Condition{Field: field, Operator: op, Expected: expected})
	}
	return parsed
}

// Evaluate reports whether every condition holds against ctx. An empty set is
// always true. Evaluation never fails: a missing field or a value that cannot
// be coerced makes its condition false.
func Evaluate(conditions map[string]interface{}, ctx map[string]interface{}) bool {
	for _, c := range Parse(conditions) {
		if !c.Matches(ctx) {
			return false
		}
	}
	return true
}

// Matches evaluates a single condition.
func (c Condition) Matches(ctx map[string]interface{}) bool {
	actual, present := ctx[c.Field]

	switch c.Operator {
	case OpExists:
		want, ok := c.Expected.(bool)
		if !ok {
			return false
		}
		return present == want
	case OpGte, OpGt, OpLte, OpLt:
		if !present {
			return false
		}
		a, ok := ToNumber(actual)
		if !ok {
			return false
		}
		e, ok := ToNumber(c.Expected)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGte:
			return a >= e
		case OpGt:
			return a > e
		case OpLte:
			return a <= e
		default:
			return a < e
		}
	case OpEq, OpBare:
		if !present {
			return false
		}
		return equal(actual, c.Expected)
	case OpNeq:
		if !present {
			return false
		}
		return !equal(actual, c.Expected)
	case OpIn, OpNotIn:
		if !present {
			return false
		}
		list, ok := toList(c.Expected)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if equal(actual, item) {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found
		}
		return !found
	case OpContains:
		if !present || actual == nil || c.Expected == nil {
			return false
		}
		return strings.Contains(stringify(actual), stringify(c.Expected))
	}
	return false
}

// ToNumber coerces numbers and numeric strings to float64. Booleans are not numeric.
func ToNumber(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case interface{ Float64() (float64, error) }:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// equal is exact equality without string/number coercion. Numeric kinds are
// compared by value so that JSON-decoded float64(5) equals int(5).
func equal(a, b interface{}) bool {
	if isNumeric(a) && isNumeric(b) {
		x, _ := ToNumber(a)
		y, _ := ToNumber(b)
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func toList(v interface{}) ([]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]interface{}, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
