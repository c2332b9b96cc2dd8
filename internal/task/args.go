package task

import (
	"fmt"

	"github.com/spf13/cast"
)

// Args is a positional-argument view with coercing accessors. Payloads
// decoded from the wire carry numbers as uint64/int64/float64 depending on
// the encoder; handlers use these accessors instead of type-switching.
type Args []any

// Len returns the number of positional arguments
func (a Args) Len() int { return len(a) }

// Int returns argument i coerced to int
func (a Args) Int(i int) (int, error) {
	if i < 0 || i >= len(a) {
		return 0, fmt.Errorf("argument index %d out of range (have %d)", i, len(a))
	}
	v, err := cast.ToIntE(a[i])
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

// Float64 returns argument i coerced to float64
func (a Args) Float64(i int) (float64, error) {
	if i < 0 || i >= len(a) {
		return 0, fmt.Errorf("argument index %d out of range (have %d)", i, len(a))
	}
	v, err := cast.ToFloat64E(a[i])
	if err != nil {
		return 0, fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

// String returns argument i coerced to string
func (a Args) String(i int) (string, error) {
	if i < 0 || i >= len(a) {
		return "", fmt.Errorf("argument index %d out of range (have %d)", i, len(a))
	}
	v, err := cast.ToStringE(a[i])
	if err != nil {
		return "", fmt.Errorf("argument %d: %w", i, err)
	}
	return v, nil
}

// Kwargs is a named-argument view with coercing accessors
type Kwargs map[string]any

// Int returns the named argument coerced to int
func (k Kwargs) Int(name string) (int, error) {
	v, ok := k[name]
	if !ok {
		return 0, fmt.Errorf("missing kwarg %q", name)
	}
	out, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("kwarg %q: %w", name, err)
	}
	return out, nil
}

// String returns the named argument coerced to string
func (k Kwargs) String(name string) (string, error) {
	v, ok := k[name]
	if !ok {
		return "", fmt.Errorf("missing kwarg %q", name)
	}
	out, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("kwarg %q: %w", name, err)
	}
	return out, nil
}

// Bool returns the named argument coerced to bool, or def when absent
func (k Kwargs) Bool(name string, def bool) bool {
	v, ok := k[name]
	if !ok {
		return def
	}
	out, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return out
}
