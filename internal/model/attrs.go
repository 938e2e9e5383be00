package model

import (
	"maps"
	"slices"
)

// Attrs is the attribute block of an operation. Values are int64, float32,
// string, bool, []int64 or []float32.
type Attrs map[string]any

// Has reports whether name is set.
func (a Attrs) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Int returns an integer attribute or defaultVal.
func (a Attrs) Int(name string, defaultVal int64) int64 {
	switch v := a[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return defaultVal
	}
}

// Ints returns an integer array attribute.
func (a Attrs) Ints(name string) []int64 {
	v, _ := a[name].([]int64)
	return v
}

// Float returns a float attribute or defaultVal.
func (a Attrs) Float(name string, defaultVal float32) float32 {
	switch v := a[name].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	default:
		return defaultVal
	}
}

// Floats returns a float array attribute.
func (a Attrs) Floats(name string) []float32 {
	v, _ := a[name].([]float32)
	return v
}

// String returns a string attribute or defaultVal.
func (a Attrs) String(name, defaultVal string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return defaultVal
}

// Bool returns a bool attribute or defaultVal.
func (a Attrs) Bool(name string, defaultVal bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return defaultVal
}

// Clone returns a copy of a whose slice values are not shared.
func (a Attrs) Clone() Attrs {
	c := maps.Clone(a)
	if c == nil {
		return Attrs{}
	}
	for k, v := range c {
		switch s := v.(type) {
		case []int64:
			c[k] = slices.Clone(s)
		case []float32:
			c[k] = slices.Clone(s)
		}
	}
	return c
}
