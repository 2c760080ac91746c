// Package errors holds the error definitions shared by every feature store
// component.
//
// This file provides:
// - Numeric error codes for callers that map errors onto a transport
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Structured errors for schema violations and partial ingest failures
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xtxerr/featurestore/internal/constants"
)

// ============================================================================
// Error codes - stable numeric identifiers for outer API layers
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeInvalidRequest   int32 = 2
	CodeNotFound         int32 = 3
	CodeAlreadyExists    int32 = 4
	CodeSchemaViolation  int32 = 5
	CodePartialFailure   int32 = 6
	CodeTimeout          int32 = 7
	CodeStoreUnavailable int32 = 8
	CodeInternal         int32 = 9
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeSchemaViolation:
		return "SchemaViolation"
	case CodePartialFailure:
		return "PartialFailure"
	case CodeTimeout:
		return "Timeout"
	case CodeStoreUnavailable:
		return "StoreUnavailable"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrGroupNotFound   = fmt.Errorf("feature group %w", ErrNotFound)
	ErrFeatureNotFound = fmt.Errorf("feature %w", ErrNotFound)
	ErrEntityNotFound  = fmt.Errorf("entity %w", ErrNotFound)

	// Already exists errors
	ErrDuplicateName        = errors.New("duplicate name")
	ErrDuplicateFeatureName = errors.New("duplicate feature name")

	// Validation errors
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidSchema   = errors.New("invalid schema")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrSchemaViolation = errors.New("schema violation")

	// Path errors
	ErrPartialFailure   = errors.New("partial failure")
	ErrTimeout          = errors.New("timeout")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrOverloaded       = errors.New("overloaded")

	// State errors
	ErrClosed = errors.New("store is closed")

	// Internal errors
	ErrCorrupt = errors.New("corrupt data")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err is a duplicate-name error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrDuplicateName) ||
		errors.Is(err, ErrDuplicateFeatureName)
}

// IsValidation returns true if err rejects caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSchema) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrSchemaViolation)
}

// IsRetriable returns true if the error is potentially retriable.
// Retrying an ingest appends another offline row; see ingestion.Coordinator.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrPartialFailure)
}

// ============================================================================
// Error to code mapping
// ============================================================================

// ErrorToCode maps an error to its numeric code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrPartialFailure):
		return CodePartialFailure
	case Is(err, ErrSchemaViolation):
		return CodeSchemaViolation
	case IsNotFound(err):
		return CodeNotFound
	case IsAlreadyExists(err):
		return CodeAlreadyExists
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewGroupNotFound creates a group-not-found error.
func NewGroupNotFound(ref string) error {
	return fmt.Errorf("'%s': %w", ref, ErrGroupNotFound)
}

// NewDuplicateName creates a duplicate group name error.
func NewDuplicateName(name string) error {
	return fmt.Errorf("feature group '%s': %w", name, ErrDuplicateName)
}

// NewDuplicateFeatureName creates a duplicate feature name error.
func NewDuplicateFeatureName(group, name string) error {
	return fmt.Errorf("feature '%s' in group '%s': %w", name, group, ErrDuplicateFeatureName)
}

// NewInvalidSchema creates an invalid-schema error.
func NewInvalidSchema(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidSchema)
}

// NewStoreUnavailable wraps a storage failure.
func NewStoreUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ============================================================================
// Schema violations
// ============================================================================

// FieldViolation describes one offending field of a record.
type FieldViolation struct {
	Field  string
	Reason string
}

// SchemaViolationError lists every field of a record that failed
// validation against its feature group.
type SchemaViolationError struct {
	Group      string
	Violations []FieldViolation
}

// Add records a violation.
func (e *SchemaViolationError) Add(field, reason string) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Reason: reason})
}

// HasErrors returns true if any violation was recorded.
func (e *SchemaViolationError) HasErrors() bool {
	return len(e.Violations) > 0
}

// Fields returns the sorted names of the offending fields.
func (e *SchemaViolationError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	seen := make(map[string]struct{}, len(e.Violations))
	for _, v := range e.Violations {
		if _, ok := seen[v.Field]; ok {
			continue
		}
		seen[v.Field] = struct{}{}
		fields = append(fields, v.Field)
	}
	sort.Strings(fields)
	return fields
}

// Error implements the error interface.
func (e *SchemaViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema violation in group '%s'", e.Group)
	for i, v := range e.Violations {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", v.Field, v.Reason)
	}
	return b.String()
}

// Unwrap supports errors.Is(err, ErrSchemaViolation).
func (e *SchemaViolationError) Unwrap() error {
	return ErrSchemaViolation
}

// Err returns nil if no violations were recorded.
func (e *SchemaViolationError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// ============================================================================
// Partial failures
// ============================================================================

// Path names an ingestion storage path.
type Path string

const (
	PathOnline  Path = constants.PathOnline
	PathOffline Path = constants.PathOffline
)

// PartialFailureError reports that exactly one ingestion path failed while
// the other succeeded.
type PartialFailureError struct {
	Failed    Path
	Succeeded Path
	Cause     error
}

// Error implements the error interface.
func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure: %s write failed (%s write succeeded): %v",
		e.Failed, e.Succeeded, e.Cause)
}

// Unwrap supports errors.Is against both ErrPartialFailure and the cause.
func (e *PartialFailureError) Unwrap() []error {
	return []error{ErrPartialFailure, e.Cause}
}
