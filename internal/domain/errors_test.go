package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("send", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "send: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "send: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("dial", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("dial", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}
		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}
		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
		if !IsRetriable(fmt.Errorf("attempt 2: %w", retriable)) {
			t.Error("IsRetriable should see through wrapping")
		}
	})

	t.Run("IsFatal helper", func(t *testing.T) {
		if !IsFatal(NewFatalNetworkError("dial", baseErr)) {
			t.Error("IsFatal should return true for fatal error")
		}
		if IsFatal(NewNetworkError("dial", baseErr)) {
			t.Error("IsFatal should return false for retriable error")
		}
		if IsFatal(errors.New("rpc: 503 service unavailable")) {
			t.Error("IsFatal should return false for unclassified error")
		}
		if IsFatal(nil) {
			t.Error("IsFatal should return false for nil")
		}
	})
}

func TestLedgerErrors(t *testing.T) {
	if !IsRetriable(&LedgerError{Code: -32000, Message: "blockhash expired"}) {
		t.Error("LedgerError should be retriable")
	}
	if !IsRetriable(ErrConfirmationTimeout) {
		t.Error("confirmation timeout should be retriable")
	}
	if !errors.Is(fmt.Errorf("poll: %w", ErrConfirmationTimeout), ErrConfirmationTimeout) {
		t.Error("wrapped timeout should match ErrConfirmationTimeout")
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "ledger.url", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [ledger.url]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestStateErrors(t *testing.T) {
	for _, err := range []error{ErrUnknownWindow, ErrWindowClosed, ErrOrderNotFound, ErrOrderTerminal, ErrWindowHalted} {
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("Expected %v to be an InvalidState error", err)
		}
	}
	if errors.Is(ErrWindowClosed, ErrOrderNotFound) {
		t.Error("distinct state errors must not match each other")
	}
}

func TestValidationAndInvariant(t *testing.T) {
	var err error = &ValidationError{Field: "price", Reason: "must be positive"}
	if !IsValidation(fmt.Errorf("submit: %w", err)) {
		t.Error("Expected wrapped ValidationError to be detected")
	}
	if err.Error() != "invalid order [price]: must be positive" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	err = &ValidationError{Field: "window", Err: ErrWindowClosed}
	if !errors.Is(err, ErrWindowClosed) || !errors.Is(err, ErrInvalidState) {
		t.Error("Expected window rejection to match its state error")
	}
	if err.Error() != "invalid order [window]: invalid state: window closed" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	err = &InvariantViolation{WindowID: "w1", Detail: "negative remaining"}
	if !IsInvariantViolation(err) {
		t.Error("Expected InvariantViolation to be detected")
	}
	if IsInvariantViolation(errors.New("other")) {
		t.Error("plain error is not an invariant violation")
	}
}
