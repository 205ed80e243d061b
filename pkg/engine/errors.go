package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassStructural indicates a malformed manifest or location.
	// Only the affected unit is skipped; siblings continue.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassTransient indicates an I/O failure. The whole transaction
	// is aborted and cleaned up; retrying may succeed.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPolicy indicates an operation the configuration forbids.
	// It is detected before any side effect.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassConflict classifies ambiguous or duplicate versions and broken
	// features. Conflicts surface as status values, not returned errors.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCancelled indicates cooperative cancellation. Cleanup has
	// already run and the operation is safe to retry.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the feature, site or archive involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel values work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return newError(ErrorClassStructural, ErrCodeMalformed, message, err)
}

// NewTransientError creates a new transient I/O error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeIO, message, err)
}

// NewPolicyError creates a new policy violation.
func NewPolicyError(code, message string) *EngineError {
	return newError(ErrorClassPolicy, code, message, nil)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return newError(ErrorClassCancelled, ErrCodeCancelled, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassStructural
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsPolicyViolation returns true if the error is a policy violation.
func IsPolicyViolation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPolicy
}

// IsCancelled returns true for cooperative cancellation.
func IsCancelled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassCancelled
}

// Common error codes.
const (
	ErrCodeMalformed         = "MALFORMED"
	ErrCodeIO                = "IO_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeImmutableSite     = "IMMUTABLE_SITE"
	ErrCodeSealed            = "SEALED_SNAPSHOT"
	ErrCodeFeatureConfigured = "FEATURE_CONFIGURED"
	ErrCodeNotDeclared       = "PLUGIN_NOT_DECLARED"
	ErrCodeVerifierVeto      = "VERIFIER_VETO"
	ErrCodeHandlerFailed     = "HANDLER_FAILED"
	ErrCodeSaveFailed        = "SAVE_FAILED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeDuplicateSite     = "DUPLICATE_SITE"
	ErrCodeLastSite          = "LAST_SITE"
	ErrCodeHistoryFull       = "PRESERVE_LIMIT"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
)

// Sentinel values for errors.Is. They match any EngineError with the same
// class and code.
var (
	ErrCancelled         = newError(ErrorClassCancelled, ErrCodeCancelled, "operation cancelled", nil)
	ErrImmutableSite     = newError(ErrorClassPolicy, ErrCodeImmutableSite, "site is not mutable", nil)
	ErrSealed            = newError(ErrorClassPolicy, ErrCodeSealed, "configuration snapshot is sealed", nil)
	ErrFeatureConfigured = newError(ErrorClassPolicy, ErrCodeFeatureConfigured, "feature is still configured", nil)
	ErrNotDeclared       = newError(ErrorClassPolicy, ErrCodeNotDeclared, "plugin is not declared by the feature", nil)
	ErrVerifierVeto      = newError(ErrorClassPolicy, ErrCodeVerifierVeto, "archive rejected by verifier", nil)
	ErrSaveFailed        = newError(ErrorClassTransient, ErrCodeSaveFailed, "failed to save configuration", nil)
)

// LifecycleError reports the first failure of a hook lifecycle together with
// cleanup failures that happened afterwards. Unwrap exposes only the cause.
type LifecycleError struct {
	Cause      error
	Suppressed []error
}

func (e *LifecycleError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Cause.Error()
	}
	msgs := make([]string, len(e.Suppressed))
	for i, s := range e.Suppressed {
		msgs[i] = s.Error()
	}
	return fmt.Sprintf("%s (suppressed: %s)", e.Cause, strings.Join(msgs, "; "))
}

// Unwrap returns the primary cause.
func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// mergeLifecycle keeps primary first and attaches any non-nil cleanup errors.
func mergeLifecycle(primary error, cleanup ...error) error {
	var suppressed []error
	for _, c := range cleanup {
		switch {
		case c == nil:
		case primary == nil:
			primary = c
		default:
			suppressed = append(suppressed, c)
		}
	}
	if primary == nil || len(suppressed) == 0 {
		return primary
	}
	return &LifecycleError{Cause: primary, Suppressed: suppressed}
}
