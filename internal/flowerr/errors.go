// Package flowerr defines the error taxonomy shared by the flow store,
// the coordinator and its transports.
package flowerr

import (
	"errors"
	"fmt"
)

// Category classifies errors for handling decisions.
type Category string

const (
	CatValidation  Category = "validation"  // malformed identifiers, invalid phase or status
	CatNotFound    Category = "not_found"   // missing or foreign record
	CatConcurrency Category = "concurrency" // conditional write affected zero rows
	CatConflict    Category = "conflict"    // duplicate business key
	CatStorage     Category = "storage"     // transport or database failure
)

// Error codes.
const (
	CodeInvalidTenant   = "INVALID_TENANT"
	CodeInvalidFlowID   = "INVALID_FLOW_ID"
	CodeInvalidFlowType = "INVALID_FLOW_TYPE"
	CodeInvalidPhase    = "INVALID_PHASE"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeFlowNotFound    = "FLOW_NOT_FOUND"
	CodeStaleVersion    = "STALE_VERSION"
	CodeDuplicateFlow   = "DUPLICATE_FLOW"
	CodeStorageFailure  = "STORAGE_FAILURE"
)

// Error is a structured error carrying its category and retry hint.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on category and code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound            = &Error{Category: CatNotFound, Code: CodeFlowNotFound}
	ErrConcurrencyConflict = &Error{Category: CatConcurrency, Code: CodeStaleVersion}
	ErrDuplicateFlow       = &Error{Category: CatConflict, Code: CodeDuplicateFlow}
)

// Validation creates a validation error.
func Validation(code, message string) *Error {
	return &Error{Category: CatValidation, Code: code, Message: message}
}

// Validationf creates a validation error with a formatted message.
func Validationf(code, format string, args ...any) *Error {
	return Validation(code, fmt.Sprintf(format, args...))
}

// NotFound creates a not-found error. The message never says whether the
// record exists under another tenant.
func NotFound(flowID string) *Error {
	return &Error{
		Category: CatNotFound,
		Code:     CodeFlowNotFound,
		Message:  fmt.Sprintf("flow not found: %s", flowID),
	}
}

// ConcurrencyConflict creates a retryable conflict for a lost OCC race.
func ConcurrencyConflict(flowID string) *Error {
	return &Error{
		Category:  CatConcurrency,
		Code:      CodeStaleVersion,
		Message:   fmt.Sprintf("flow %s was modified concurrently", flowID),
		Retryable: true,
	}
}

// DuplicateFlow creates a conflict error for an already used flow_id.
func DuplicateFlow(flowID string) *Error {
	return &Error{
		Category: CatConflict,
		Code:     CodeDuplicateFlow,
		Message:  fmt.Sprintf("flow already exists: %s", flowID),
	}
}

// Storage wraps a database or transport failure.
func Storage(op string, cause error) *Error {
	return &Error{
		Category: CatStorage,
		Code:     CodeStorageFailure,
		Message:  op,
		Cause:    cause,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// CategoryOf extracts the error category. Unknown errors count as storage
// failures so they are never mistaken for a benign miss.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CatStorage
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat Category) bool {
	return err != nil && CategoryOf(err) == cat
}
