// Package types defines the core entities of the task graph: nodes, edges,
// events, and knowledge entries, plus the tagged-value property bag that
// backs a node's freeform properties.
package types

import "encoding/json"

// Value wraps an arbitrary JSON-serializable property value. It exists so
// that Properties can distinguish "key absent" from "key present with a
// JSON null value" (which is the delete sentinel used by merge), and so
// reserved (engine) keys get typed accessors instead of raw map lookups.
type Value struct {
	raw json.RawMessage
}

// NewValue wraps v as a Value, marshaling it to JSON immediately so later
// mutations of v (if v is a pointer or slice) never leak back into the bag.
func NewValue(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: b}, nil
}

// IsNull reports whether the value is a JSON null (the merge delete sentinel).
func (v Value) IsNull() bool {
	return len(v.raw) == 0 || string(v.raw) == "null"
}

// Raw returns the underlying JSON bytes.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

// Decode unmarshals the value into dst.
func (v Value) Decode(dst any) error {
	if v.IsNull() {
		return nil
	}
	return json.Unmarshal(v.raw, dst)
}

// String returns the value as a string, or "" if it is not a JSON string.
func (v Value) String() string {
	var s string
	if err := v.Decode(&s); err != nil {
		return ""
	}
	return s
}

// SQLJSONLiteral wraps the value as a one-key JSON document, {"v": <value>},
// suitable for binding as a parameter to SQLite's json_extract(?, '$.v').
// Comparing two json_extract results (rather than a json_extract result
// against a plain bound string) keeps a properties filter type-correct for
// numbers, booleans, and objects, not just JSON strings: properties are
// arbitrary JSON, and a filter value of 3 or true must match the same way
// the stored property would compare against itself.
func (v Value) SQLJSONLiteral() string {
	if v.IsNull() {
		return `{"v":null}`
	}
	return `{"v":` + string(v.raw) + `}`
}

// Float returns the value as a float64 and whether decoding succeeded.
func (v Value) Float() (float64, bool) {
	var f float64
	if err := v.Decode(&f); err != nil {
		return 0, false
	}
	return f, true
}

// Bool returns the value as a bool, defaulting to false.
func (v Value) Bool() bool {
	var b bool
	_ = v.Decode(&b)
	return b
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	v.raw = append(json.RawMessage{}, b...)
	return nil
}
