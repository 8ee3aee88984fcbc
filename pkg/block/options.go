package block

import (
	"fmt"
	"strconv"
)

// Options is an ordered key to string-value mapping passed to open, create
// and reopen. Lookup does not depend on order, but Keys returns keys in first
// insertion order so diagnostics round-trip the way the user wrote them.
//
// Options values are always strings; drivers convert with the typed getters
// and report conversion failures as ErrInvalidOption.
type Options struct {
	keys   []string
	values map[string]string
}

// NewOptions returns an empty option set.
func NewOptions() *Options {
	return &Options{values: make(map[string]string)}
}

// OptionsFromMap builds an Options from a plain map. Order of iteration over
// a Go map is unspecified, so keys are recorded in sorted-by-insertion order
// of the range loop; callers that care about display order should Set keys
// one by one.
func OptionsFromMap(m map[string]string) *Options {
	o := NewOptions()
	for k, v := range m {
		o.Set(k, v)
	}
	return o
}

// Set stores value under key, preserving the key's original position when it
// was already present.
func (o *Options) Set(key, value string) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key and whether it was present.
func (o *Options) Get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// GetDefault returns the value for key, or def when absent.
func (o *Options) GetDefault(key, def string) string {
	if v, ok := o.values[key]; ok {
		return v
	}
	return def
}

// GetInt64 parses the value for key as a base-10 or 0x-prefixed integer.
// Absence yields def; a malformed value yields ErrInvalidOption.
func (o *Options) GetInt64(key string, def int64) (int64, error) {
	v, ok := o.values[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("option %q: value %q is not an integer: %w", key, v, ErrInvalidOption)
	}
	return n, nil
}

// GetBool parses the value for key as "on"/"off" or any strconv boolean.
// Absence yields def; a malformed value yields ErrInvalidOption.
func (o *Options) GetBool(key string, def bool) (bool, error) {
	v, ok := o.values[key]
	if !ok {
		return def, nil
	}
	switch v {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %q: value %q is not a boolean: %w", key, v, ErrInvalidOption)
	}
	return b, nil
}

// Delete removes key from the set. Removing an absent key is a no-op.
func (o *Options) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in first insertion order. The slice is a copy.
func (o *Options) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of stored options.
func (o *Options) Len() int { return len(o.keys) }

// Clone returns an independent copy preserving key order. Cloning nil yields
// an empty set.
func (o *Options) Clone() *Options {
	c := NewOptions()
	if o == nil {
		return c
	}
	for _, k := range o.keys {
		c.Set(k, o.values[k])
	}
	return c
}

// Merge overlays other on top of o: keys present in other replace o's values,
// new keys append in other's order.
func (o *Options) Merge(other *Options) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		o.Set(k, other.values[k])
	}
}
