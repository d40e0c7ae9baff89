package types

import "encoding/json"

// Reserved property keys. Engine-reserved keys are prefixed with an
// underscore; strict/priority are reserved but unprefixed because they are
// part of the public node schema rather than internal scheduler state.
const (
	PropClaimedBy   = "_claimed_by"
	PropClaimedAt   = "_claimed_at"
	PropSlug        = "_slug"
	PropPriority    = "priority"
	PropStrict      = "strict"
)

// Properties is the tagged-value bag attached to a node. Keys beginning with
// "_" are engine-reserved; callers should use the typed accessors below for
// those rather than reading the map directly.
type Properties map[string]Value

// Clone returns a shallow copy safe to mutate independently.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge applies updates on top of p, treating a JSON-null value as a
// delete instruction for that key (invariant: "a null value deletes a key").
// Merge returns a new map; p is not mutated.
func (p Properties) Merge(updates Properties) Properties {
	out := p.Clone()
	for k, v := range updates {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Priority returns the node's priority as a float64, and whether one is set.
// Stored as CAST(json_extract(properties,'$.priority') AS REAL) at the SQL
// layer; this mirrors that coercion in Go for in-process callers.
func (p Properties) Priority() (float64, bool) {
	v, ok := p[PropPriority]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Strict reports whether properties.strict == true.
func (p Properties) Strict() bool {
	v, ok := p[PropStrict]
	return ok && v.Bool()
}

// ClaimedBy returns the agent holding a soft claim, if any.
func (p Properties) ClaimedBy() (string, bool) {
	v, ok := p[PropClaimedBy]
	if !ok {
		return "", false
	}
	s := v.String()
	return s, s != ""
}

// Slug returns the cached human-friendly display slug, if any.
func (p Properties) Slug() string {
	if v, ok := p[PropSlug]; ok {
		return v.String()
	}
	return ""
}

// MarshalJSON renders properties as a plain JSON object, unwrapping Value.
func (p Properties) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	raw := make(map[string]json.RawMessage, len(p))
	for k, v := range p {
		raw[k] = v.Raw()
	}
	return json.Marshal(raw)
}

func (p *Properties) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Properties, len(raw))
	for k, v := range raw {
		out[k] = Value{raw: v}
	}
	*p = out
	return nil
}

// Set stores v under key, marshaling it to a Value.
func (p Properties) Set(key string, v any) error {
	val, err := NewValue(v)
	if err != nil {
		return err
	}
	p[key] = val
	return nil
}
