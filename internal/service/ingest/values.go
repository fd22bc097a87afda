package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// lookup returns the first non-nil value found under keys.
func lookup(attrs map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := attrs[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := asString(attrs[key]); ok && s != "" {
			return s
		}
	}
	return ""
}

func lookupFloat(attrs map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if f, ok := asFloat(attrs[key]); ok {
			return &f
		}
	}
	return nil
}

func lookupInt(attrs map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		if n, ok := asInt(attrs[key]); ok {
			return &n
		}
	}
	return nil
}

func lookupBool(attrs map[string]any, keys ...string) *bool {
	for _, key := range keys {
		if b, ok := asBool(attrs[key]); ok {
			return &b
		}
	}
	return nil
}

func lookupMap(attrs map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if m, ok := attrs[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, false
		}
		return b, true
	}
	return false, false
}

// marshalValue encodes v as JSON, or returns nil when v is absent.
func marshalValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// lastSegment returns the part of a dotted name after the final dot.
func lastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
