// Package errors defines the typed error taxonomy shared by the coordinator
// and its domain services. Handlers map these onto HTTP status codes; callers
// branch with errors.As / errors.Is rather than string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// API response messages
const (
	ErrInvalidRequestBody = "Invalid request body"
	ErrDBOperationFailed  = "Database operation failed"
	ErrDBRecordNotFound   = "Database record not found"
)

// Signature failure modes. InvalidSignatureError wraps one of these so
// callers can distinguish a malformed signature from a wrong signer.
var (
	ErrSignatureFormat   = errors.New("signature bytes are malformed")
	ErrSignatureMismatch = errors.New("recovered signer does not match claimed address")
)

// ValidationError reports malformed or inconsistent caller input.
type ValidationError struct {
	Field   string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, strings.Join(e.Reasons, "; "))
}

func NewValidationError(field string, reasons ...string) *ValidationError {
	return &ValidationError{Field: field, Reasons: reasons}
}

// UnqualifiedValidatorError reports a validator that failed one or more
// qualification checks. Reasons lists every failed check, not just the first.
type UnqualifiedValidatorError struct {
	Address string
	Reasons []string
}

func (e *UnqualifiedValidatorError) Error() string {
	return fmt.Sprintf("validator %s unqualified: %s", e.Address, strings.Join(e.Reasons, "; "))
}

// InsufficientValidatorsError reports that too few validators passed
// qualification to run an evaluation round.
type InsufficientValidatorsError struct {
	Got      int
	Required int
}

func (e *InsufficientValidatorsError) Error() string {
	return fmt.Sprintf("insufficient qualified validators: got %d, required %d", e.Got, e.Required)
}

// InvalidSignatureError reports a signature that failed verification.
// Index is the position in the submitted batch; Err is ErrSignatureFormat
// or ErrSignatureMismatch.
type InvalidSignatureError struct {
	Index  int
	Signer string
	Err    error
}

func (e *InvalidSignatureError) Error() string {
	if e.Signer != "" {
		return fmt.Sprintf("signature %d from %s invalid: %v", e.Index, e.Signer, e.Err)
	}
	return fmt.Sprintf("signature %d invalid: %v", e.Index, e.Err)
}

func (e *InvalidSignatureError) Unwrap() error {
	return e.Err
}

// InvalidConfigurationError reports a coordinator configuration value that
// fails validation at load or update time.
type InvalidConfigurationError struct {
	Field  string
	Detail string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Detail)
}

// RedoLimitExceededError reports a redo request past the per-task limit.
type RedoLimitExceededError struct {
	TaskID string
	Limit  int
}

func (e *RedoLimitExceededError) Error() string {
	return fmt.Sprintf("task %s has exhausted its %d redo attempts", e.TaskID, e.Limit)
}

// NotFoundError reports a missing record. Kind names the record type
// ("task", "output", "validator").
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvariantViolation reports a broken internal invariant detected at
// runtime. Severity escalates low, medium, high, critical; high and
// critical violations are alerted and critical ones may halt processing
// of the affected task.
type InvariantViolation struct {
	Name     string
	Severity string
	Detail   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated (%s): %s", e.Name, e.Severity, e.Detail)
}

// BootstrapRestrictedError reports a task whose deposit value is too large
// to process while the network runs in bootstrap mode.
type BootstrapRestrictedError struct {
	TaskID     string
	DepositUSD float64
}

func (e *BootstrapRestrictedError) Error() string {
	return fmt.Sprintf("task %s with deposit $%.2f exceeds bootstrap processing limit", e.TaskID, e.DepositUSD)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether an operation that returned err may be retried
// without changing its inputs. Taxonomy errors are deterministic rejections.
func IsRetryable(err error) bool {
	var (
		validation    *ValidationError
		unqualified   *UnqualifiedValidatorError
		insufficient  *InsufficientValidatorsError
		signature     *InvalidSignatureError
		configuration *InvalidConfigurationError
		redoLimit     *RedoLimitExceededError
		notFound      *NotFoundError
		invariant     *InvariantViolation
		bootstrap     *BootstrapRestrictedError
	)
	switch {
	case errors.As(err, &validation),
		errors.As(err, &unqualified),
		errors.As(err, &insufficient),
		errors.As(err, &signature),
		errors.As(err, &configuration),
		errors.As(err, &redoLimit),
		errors.As(err, &notFound),
		errors.As(err, &invariant),
		errors.As(err, &bootstrap):
		return false
	}
	return true
}
