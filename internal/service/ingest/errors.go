package ingest

import "fmt"

// MissingFieldError reports a required envelope field that is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// UnsupportedSchemaVersionError reports a schema version outside the supported set.
type UnsupportedSchemaVersionError struct {
	Version string
}

func (e *UnsupportedSchemaVersionError) Error() string {
	return fmt.Sprintf("unsupported schema version: %s", e.Version)
}

// FieldTypeError reports an envelope field with the wrong type or shape.
type FieldTypeError struct {
	Field    string
	Expected string
	Got      string
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("field %s must be %s, got %s", e.Field, e.Expected, e.Got)
}

// InvalidHierarchyError rejects a span whose parent chain is not a tree.
type InvalidHierarchyError struct {
	SpanID string
	Reason string
}

func (e *InvalidHierarchyError) Error() string {
	return fmt.Sprintf("invalid span hierarchy for %s: %s", e.SpanID, e.Reason)
}

// PersistenceError wraps a storage failure that aborts the enclosing unit of work.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
