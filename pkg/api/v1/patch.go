package v1

import "encoding/json"

// Patch is a tri-state optional for PATCH bodies: it distinguishes a field
// that is absent (leave unchanged) from an explicit null (clear the value)
// from a concrete value (set it).
type Patch[T any] struct {
	Present bool
	Null    bool
	Value   T
}

// UnmarshalJSON records presence; explicit null sets Null instead of Value.
func (p *Patch[T]) UnmarshalJSON(data []byte) error {
	p.Present = true
	if string(data) == "null" {
		p.Null = true
		return nil
	}
	return json.Unmarshal(data, &p.Value)
}

// MarshalJSON emits null for cleared fields and the value otherwise.
func (p Patch[T]) MarshalJSON() ([]byte, error) {
	if !p.Present || p.Null {
		return []byte("null"), nil
	}
	return json.Marshal(p.Value)
}

// Ptr returns the patched value as a pointer, nil when absent or null.
func (p Patch[T]) Ptr() *T {
	if !p.Present || p.Null {
		return nil
	}
	v := p.Value
	return &v
}
