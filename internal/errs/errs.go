// Package errs defines the error taxonomy shared by the ledger, the task
// engine, the workflow engine and the HTTP surface.
//
// The engines never inspect error strings; they classify via errors.Is on
// the sentinel values below (or via Kind for wire serialization).
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Engine code wraps these with fmt.Errorf("...: %w", ...).
var (
	// ErrInsufficientBalance is a ledger debit precondition failure.
	// Terminal for the caller; retrying cannot help.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidInput covers schema violations: unknown task type, bad
	// config, bad graph. Terminal.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPricingUnavailable means no pricing row is configured for a task
	// type. Task creation fails terminally.
	ErrPricingUnavailable = errors.New("pricing unavailable")

	// ErrTransient covers lock timeouts, network flakes and provider 5xx.
	// Retried with backoff; retries are counted on the task row.
	ErrTransient = errors.New("transient failure")

	// ErrTransactionBusy is a row-lock timeout inside the ledger.
	// Retryable.
	ErrTransactionBusy = errors.New("transaction busy")

	// ErrProviderTerminal is a provider policy rejection (4xx, unsupported
	// input). The task fails and is fully refunded.
	ErrProviderTerminal = errors.New("provider rejected input")

	// ErrTimeout means a task exceeded its wall-clock budget. Handled like
	// a terminal provider error.
	ErrTimeout = errors.New("task timed out")

	// ErrStorage is an object-store failure. Retryable.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is a missing row (task, workflow, run, order).
	ErrNotFound = errors.New("not found")

	// ErrConflict is an illegal state transition request, e.g. cancelling
	// a completed task.
	ErrConflict = errors.New("conflicting state")
)

// Kind is the wire-level classification of an error.
type Kind string

const (
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInvalidInput        Kind = "invalid_input"
	KindTransient           Kind = "transient"
	KindProviderTerminal    Kind = "provider_terminal"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// KindOf maps an error chain to its Kind. Unrecognized errors are internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrPricingUnavailable):
		return KindInvalidInput
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTransactionBusy), errors.Is(err, ErrStorage):
		return KindTransient
	case errors.Is(err, ErrProviderTerminal):
		return KindProviderTerminal
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the engine should retry the operation that
// produced err instead of failing the row.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTransactionBusy) ||
		errors.Is(err, ErrStorage)
}

// Invalidf wraps ErrInvalidInput with a formatted reason.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...)
}
