package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// IsFatal reports whether err says outright that retrying cannot help. Errors that do not
// classify themselves are not fatal.
func IsFatal(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return !re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport failure talking to the ledger
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "send", "status")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// LedgerError is a rejection reported by the ledger itself. Dispatch failures are
// always retried by the settlement pipeline up to its attempt ceiling.
type LedgerError struct {
	Code    int
	Message string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error %d: %s", e.Code, e.Message)
}

func (e *LedgerError) IsRetriable() bool {
	return true
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a malformed or policy-violating order before it reaches the book.
// Err optionally carries the state error behind the rejection (closed or unknown window).
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	return "invalid order [" + e.Field + "]: " + reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// InvariantViolation signals corrupted book or matching state. The affected window stops matching.
type InvariantViolation struct {
	WindowID string
	Detail   string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation in window " + e.WindowID + ": " + e.Detail
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInvariantViolation reports whether err carries an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

var (
	// ErrInvalidState is the parent of every state error; match with errors.Is.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownWindow is returned for a window id the market has never opened.
	ErrUnknownWindow = fmt.Errorf("%w: unknown window", ErrInvalidState)

	// ErrWindowClosed is returned when a window no longer accepts orders.
	ErrWindowClosed = fmt.Errorf("%w: window closed", ErrInvalidState)

	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = fmt.Errorf("%w: order not found", ErrInvalidState)

	// ErrOrderTerminal is returned when an order is already filled, cancelled or expired.
	ErrOrderTerminal = fmt.Errorf("%w: order in terminal status", ErrInvalidState)

	// ErrSettlementNotFound is returned for an unknown settlement id.
	ErrSettlementNotFound = fmt.Errorf("%w: settlement not found", ErrInvalidState)

	// ErrSettlementTerminal is returned when a settlement is already confirmed or failed.
	ErrSettlementTerminal = fmt.Errorf("%w: settlement in terminal status", ErrInvalidState)

	// ErrWindowHalted is returned when a window stopped matching after an invariant violation.
	ErrWindowHalted = fmt.Errorf("%w: window halted", ErrInvalidState)

	// ErrConfirmationTimeout is returned when a transaction does not reach finality within the polling budget.
	ErrConfirmationTimeout = &timeoutError{}

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

type timeoutError struct{}

func (e *timeoutError) Error() string     { return "ledger confirmation timeout" }
func (e *timeoutError) IsRetriable() bool { return true }
