package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is a raw telemetry event as received at the ingestion boundary.
type Envelope map[string]any

// legacyAttributeKeys are accepted in place of "attributes" for older emitters.
var legacyAttributeKeys = []string{"data", "payload"}

// String returns the string value stored under key.
func (e Envelope) String(key string) string {
	if v, ok := e[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// OptionalString returns a pointer to a non-empty string value, or nil.
func (e Envelope) OptionalString(key string) *string {
	v := e.String(key)
	if v == "" {
		return nil
	}
	return &v
}

// attributesKey returns the key holding the attribute payload.
func (e Envelope) attributesKey() (string, bool) {
	if _, ok := e["attributes"]; ok {
		return "attributes", true
	}
	for _, key := range legacyAttributeKeys {
		if _, ok := e[key]; ok {
			return key, true
		}
	}
	return "", false
}

// Attributes returns the attribute payload, falling back to legacy keys.
func (e Envelope) Attributes() map[string]any {
	key, ok := e.attributesKey()
	if !ok {
		return map[string]any{}
	}
	attrs, ok := e[key].(map[string]any)
	if !ok || attrs == nil {
		return map[string]any{}
	}
	return attrs
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses ISO-8601 timestamps. Values without a zone are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
