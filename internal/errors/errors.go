package errors

import (
	"errors"
	"fmt"
	"regexp"
)

// ServiceError is the structured error type for Patchsmith.
// It carries a stable code, a kind for HTTP mapping, and the underlying
// cause for error-chain support.
type ServiceError struct {
	// Code is the unique error code (e.g., "ERR_302_REPO_NOT_INDEXED").
	Code string

	// Kind classifies the error (input, auth, not-found, upstream, ...).
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the queue should retry the operation.
	Retryable bool
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *ServiceError) Is(target error) bool {
	if t, ok := target.(*ServiceError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *ServiceError) WithDetail(key, value string) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError with the given code and message.
// Kind and retryable flag are derived from the code.
func New(code string, message string, cause error) *ServiceError {
	kind := kindFromCode(code)
	return &ServiceError{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableKind(kind),
	}
}

// Wrap creates a ServiceError from an existing error.
// Returns nil when err is nil.
func Wrap(code string, err error) *ServiceError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// InvalidInput creates an invalid-input error.
func InvalidInput(message string, cause error) *ServiceError {
	return New(ErrCodeInvalidInput, message, cause)
}

// AuthFailure creates an authentication/authorization error.
func AuthFailure(message string, cause error) *ServiceError {
	return New(ErrCodeBadSignature, message, cause)
}

// NotFound creates a resource-not-found error.
func NotFound(message string, cause error) *ServiceError {
	return New(ErrCodeJobNotFound, message, cause)
}

// RepoNotIndexed creates the generation-time failure for a repository
// without committed index meta.
func RepoNotIndexed(repoID string) *ServiceError {
	return New(ErrCodeRepoNotIndexed, RepoNotIndexedMessage, nil).
		WithDetail("repo_id", repoID)
}

// Upstream creates a retryable upstream-provider error.
func Upstream(code string, message string, cause error) *ServiceError {
	return New(code, message, cause)
}

// ValidationExhausted creates the terminal error for a generate-validate
// loop that ran out of iterations. The message carries the final error list.
func ValidationExhausted(message string) *ServiceError {
	return New(ErrCodeValidationExhausted, message, nil)
}

// Integrity creates an index-integrity error.
func Integrity(code string, message string) *ServiceError {
	return New(code, message, nil)
}

// cloneURLPattern is the only accepted form for repository clone URLs.
var cloneURLPattern = regexp.MustCompile(`^https://github\.com/[\w-]+/[\w.-]+(?:\.git)?$`)

// ValidateCloneURL rejects anything outside the accepted GitHub HTTPS form.
func ValidateCloneURL(url string) error {
	if !cloneURLPattern.MatchString(url) {
		return New(ErrCodeInvalidRepoURL, fmt.Sprintf("invalid repository URL: %s", url), nil)
	}
	return nil
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for plain errors.
func KindOf(err error) Kind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// GetCode extracts the error code from an error chain.
// Returns empty string for plain errors.
func GetCode(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
