// Package expr implements the engine's template expression language:
// {{dotted.path}} interpolation, the default: filter, and the comparison
// operators used by gateway and step conditions. The interpreter is total:
// missing data never raises an error, only unparseable syntax does.
package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind discriminates Value variants. Missing is distinct from Null: a path
// that resolves to nothing is Missing, an explicit JSON null is Null. The
// distinction matters for gateway correctness and the default: filter.
type Kind int

const (
	Missing Kind = iota
	Null
	Bool
	Number
	String
	Array
	Object
)

// Value is the result of resolving or evaluating an expression term.
type Value struct {
	Kind Kind
	data interface{}
}

// MissingValue is returned for unresolved references.
func MissingValue() Value { return Value{Kind: Missing} }

// NullValue represents an explicit JSON null.
func NullValue() Value { return Value{Kind: Null} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: Bool, data: b} }

// NumberValue wraps a number. All numbers are float64, as after JSON decode.
func NumberValue(f float64) Value { return Value{Kind: Number, data: f} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: String, data: s} }

// FromJSON converts a decoded JSON tree into a Value.
func FromJSON(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case bool:
		return BoolValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case int64:
		return NumberValue(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String())
		}
		return NumberValue(f)
	case string:
		return StringValue(t)
	case []interface{}:
		return Value{Kind: Array, data: t}
	case map[string]interface{}:
		return Value{Kind: Object, data: t}
	default:
		// Unknown Go type; expose its JSON form as a string.
		b, err := json.Marshal(t)
		if err != nil {
			return MissingValue()
		}
		return StringValue(string(b))
	}
}

// Bool returns the boolean payload; only meaningful for Kind == Bool.
func (v Value) Bool() bool {
	b, _ := v.data.(bool)
	return b
}

// Number returns the numeric payload; only meaningful for Kind == Number.
func (v Value) Number() float64 {
	f, _ := v.data.(float64)
	return f
}

// Array returns the array payload; only meaningful for Kind == Array.
func (v Value) Array() []interface{} {
	a, _ := v.data.([]interface{})
	return a
}

// Object returns the object payload; only meaningful for Kind == Object.
func (v Value) Object() map[string]interface{} {
	m, _ := v.data.(map[string]interface{})
	return m
}

// Interface returns the underlying JSON-shaped value (nil for missing/null).
func (v Value) Interface() interface{} {
	return v.data
}

// IsEmpty reports missing, null, or empty string — the cases the default:
// filter replaces.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case Missing, Null:
		return true
	case String:
		return v.data.(string) == ""
	default:
		return false
	}
}

// Stringify renders a value for interpolation into text. Missing and null
// stringify to the empty string; arrays and objects render as JSON.
func (v Value) Stringify() string {
	switch v.Kind {
	case Missing, Null:
		return ""
	case Bool:
		if v.data.(bool) {
			return "true"
		}
		return "false"
	case Number:
		return strconv.FormatFloat(v.data.(float64), 'f', -1, 64)
	case String:
		return v.data.(string)
	default:
		b, err := json.Marshal(v.data)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Truthy defines single-operand condition semantics: missing and null are
// false, booleans are themselves, numbers are non-zero, strings are true
// unless empty or the literal "false", containers are true when non-empty.
func (v Value) Truthy() bool {
	switch v.Kind {
	case Missing, Null:
		return false
	case Bool:
		return v.data.(bool)
	case Number:
		return v.data.(float64) != 0
	case String:
		s := v.data.(string)
		return s != "" && s != "false"
	case Array:
		return len(v.data.([]interface{})) > 0
	case Object:
		return len(v.data.(map[string]interface{})) > 0
	}
	return false
}

// asNumber attempts a numeric view of the value. Strings that parse as
// numbers participate in numeric comparison.
func (v Value) asNumber() (float64, bool) {
	switch v.Kind {
	case Number:
		return v.data.(float64), true
	case String:
		f, err := strconv.ParseFloat(v.data.(string), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Equals implements the == operator. Missing compares unequal to anything,
// including another missing. Null equals only null. Numbers and numeric
// strings compare numerically; everything else compares by string form.
func (v Value) Equals(o Value) bool {
	if v.Kind == Missing || o.Kind == Missing {
		return false
	}
	if v.Kind == Null || o.Kind == Null {
		return v.Kind == Null && o.Kind == Null
	}
	if a, ok := v.asNumber(); ok {
		if b, ok := o.asNumber(); ok {
			return a == b
		}
	}
	if v.Kind == Bool || o.Kind == Bool {
		return v.Kind == o.Kind && v.data == o.data
	}
	return v.Stringify() == o.Stringify()
}

// Less implements the < operator; ok is false when the operands do not
// admit an ordering (missing, null, mixed container types).
func (v Value) Less(o Value) (less bool, ok bool) {
	if a, aok := v.asNumber(); aok {
		if b, bok := o.asNumber(); bok {
			return a < b, true
		}
	}
	if v.Kind == String && o.Kind == String {
		return v.data.(string) < o.data.(string), true
	}
	return false, false
}

// Contains implements the contains operator: substring match on strings,
// element match on arrays.
func (v Value) Contains(o Value) bool {
	switch v.Kind {
	case String:
		sub := o.Stringify()
		if sub == "" {
			return false
		}
		return strings.Contains(v.data.(string), sub)
	case Array:
		for _, item := range v.data.([]interface{}) {
			if FromJSON(item).Equals(o) {
				return true
			}
		}
	}
	return false
}

// ResolveJSON walks a decoded JSON tree along path segments. Numeric
// segments index arrays. Any miss yields Missing, never an error.
func ResolveJSON(root interface{}, path []string) Value {
	current := root
	for _, seg := range path {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return MissingValue()
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return MissingValue()
			}
			current = node[idx]
		default:
			return MissingValue()
		}
	}
	return FromJSON(current)
}
