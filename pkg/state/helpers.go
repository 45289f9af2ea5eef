package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// GetString returns the value under key as a string.
func (s *GraphState) GetString(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}

	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

// GetInt returns the value under key as an int64.
func (s *GraphState) GetInt(key string) (int64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}

	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}

		return 0, false
	case string:
		n, err := strconv.ParseInt(t, 10, 64)

		return n, err == nil
	default:
		return 0, false
	}
}

// GetFloat returns the value under key as a float64.
func (s *GraphState) GetFloat(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}

	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the value under key as a bool.
func (s *GraphState) GetBool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}

	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)

		return b, err == nil
	default:
		return false, false
	}
}

// Equal reports whether a and b hold value-equal arguments and metadata.
func Equal(a, b *GraphState) bool {
	if a == nil || b == nil {
		return a == b
	}

	return reflect.DeepEqual(a.Arguments(), b.Arguments()) &&
		reflect.DeepEqual(a.Metadata(), b.Metadata())
}

// Diff lists the argument keys whose values differ between a and b, sorted.
func Diff(a, b *GraphState) []string {
	left := a.Arguments()
	right := b.Arguments()

	changed := make([]string, 0)

	for k, lv := range left {
		rv, ok := right[k]
		if !ok || !valuesEqual(lv, rv) {
			changed = append(changed, k)
		}
	}

	for k := range right {
		if _, ok := left[k]; !ok {
			changed = append(changed, k)
		}
	}

	sort.Strings(changed)

	return changed
}

// normalize converts a value into the canonical form produced by decoding JSON:
// nil, bool, string, int64, float64, []any and map[string]any. Unknown types are
// round-tripped through JSON once; values that cannot be encoded are kept as-is.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t) //nolint:gosec // values above MaxInt64 are not supported in state
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t) //nolint:gosec // values above MaxInt64 are not supported in state
	case float32:
		return float64(t)
	case json.Number:
		return fromNumber(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}

		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}

		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = item
		}

		return out
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return t
		}

		decoded, err := decodeValue(raw)
		if err != nil {
			return t
		}

		return decoded
	}
}

func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}

	return normalize(out), nil
}

func fromNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}

	if f, err := n.Float64(); err == nil {
		return f
	}

	return n.String()
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}

		return out
	case map[string]any:
		return copyMap(t)
	default:
		return t
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}

	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
