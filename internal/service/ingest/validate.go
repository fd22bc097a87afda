package ingest

import (
	"strings"
)

// DefaultSchemaVersions is the supported set when none is configured.
var DefaultSchemaVersions = []string{"1.0"}

var requiredFields = []string{"timestamp", "name", "level", "agent_id", "schema_version", "attributes"}

var stringFields = []string{"timestamp", "name", "level", "agent_id"}

// ValidationResult is the outcome of validating one envelope.
type ValidationResult struct {
	Valid bool
	Err   error
}

// Validator checks envelopes before any persistence happens.
type Validator struct {
	supported map[string]struct{}
}

// NewValidator constructs a Validator accepting the given schema versions.
func NewValidator(versions []string) *Validator {
	if len(versions) == 0 {
		versions = DefaultSchemaVersions
	}
	supported := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		if v = strings.TrimSpace(v); v != "" {
			supported[v] = struct{}{}
		}
	}
	return &Validator{supported: supported}
}

// Validate runs the ordered checks and reports the first failure.
func (v *Validator) Validate(env Envelope) ValidationResult {
	if err := v.check(env); err != nil {
		return ValidationResult{Err: err}
	}
	return ValidationResult{Valid: true}
}

func (v *Validator) check(env Envelope) error {
	for _, field := range requiredFields {
		if field == "attributes" {
			if _, ok := env.attributesKey(); !ok {
				return &MissingFieldError{Field: field}
			}
			continue
		}
		if value, ok := env[field]; !ok || value == nil {
			return &MissingFieldError{Field: field}
		}
	}

	version, ok := env["schema_version"].(string)
	if !ok {
		return &FieldTypeError{Field: "schema_version", Expected: "string", Got: typeName(env["schema_version"])}
	}
	if _, ok := v.supported[strings.TrimSpace(version)]; !ok {
		return &UnsupportedSchemaVersionError{Version: version}
	}

	for _, field := range stringFields {
		if _, ok := env[field].(string); !ok {
			return &FieldTypeError{Field: field, Expected: "string", Got: typeName(env[field])}
		}
	}
	for _, field := range []string{"name", "agent_id"} {
		if env.String(field) == "" {
			return &MissingFieldError{Field: field}
		}
	}
	if _, err := ParseTimestamp(env.String("timestamp")); err != nil {
		return &FieldTypeError{Field: "timestamp", Expected: "ISO-8601 timestamp", Got: env.String("timestamp")}
	}

	key, _ := env.attributesKey()
	if _, ok := env[key].(map[string]any); !ok {
		return &FieldTypeError{Field: "attributes", Expected: "object", Got: typeName(env[key])}
	}
	return nil
}
