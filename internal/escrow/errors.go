package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("escrow not found")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrTerminalState        = errors.New("escrow is in a terminal state")
	ErrConflict             = errors.New("concurrent modification")
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
	ErrValidation           = errors.New("invalid request")
	ErrStoreUnavailable     = errors.New("escrow store unavailable")
	ErrAlreadyExists        = errors.New("escrow already exists")
	ErrIdempotencyMismatch  = errors.New("idempotency key reused for a different escrow or action")
	ErrIdempotencyInFlight  = errors.New("idempotent request still in flight")
	ErrCorruptTrail         = errors.New("audit trail inconsistent")
)

// IllegalTransitionError reports an action that is not legal from the current status.
type IllegalTransitionError struct {
	Current   Status
	Attempted Action
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s from %s", e.Attempted, e.Current)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// TerminalStateError reports an action attempted on a released or disputed escrow.
type TerminalStateError struct {
	Current   Status
	Attempted Action
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("escrow is %s: %s not accepted", e.Current, e.Attempted)
}

func (e *TerminalStateError) Is(target error) bool { return target == ErrTerminalState }

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StoreError wraps an I/O failure from a Store or Ledger.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
