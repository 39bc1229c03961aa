/*
errors.go - Centralized error types for the reservation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so the transport layer can
  classify any failure with errors.Is / errors.As.

ERROR CATEGORIES:
  1. ValidationError      - malformed input, never retried
  2. InsufficientCapacity - well-formed but not satisfiable now, never retried
  3. Conflict             - optimistic concurrency collision, retried internally
  4. IllegalTransition    - status change not in the gate table
  5. PermissionDenied     - role not authorized for the change or action
  6. ConsistencyFault     - ledger invariant violated upstream, halts writes to the key

USAGE:
  if errors.Is(err, generic.ErrInsufficientCapacity) {
      var capErr *generic.InsufficientCapacityError
      errors.As(err, &capErr)
      ...
  }

SEE ALSO:
  - ledger.go: produces Conflict / InsufficientCapacity / ConsistencyFault
  - gate.go: produces IllegalTransition / PermissionDenied
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (empty lines, non-positive
	// quantity, unknown line key).
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCapacity is returned when a reservation would push the
	// committed quantity above the pool total.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrConflict is returned when optimistic locking detects a concurrent writer.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrIllegalTransition is returned when the requested status is not reachable
	// from the current status.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrPermissionDenied is returned when the actor's role may not perform the
	// transition or action in the current status.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConsistencyFault is returned when a ledger invariant was found violated.
	// Writes that add to the affected key are refused until an admin clears it.
	ErrConsistencyFault = errors.New("ledger consistency fault")

	// ErrNotFound is returned when a referenced record or ledger entry doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrOutcomeUnknown is returned when a write was interrupted (deadline or
	// cancellation) and it is not known whether it was applied.
	ErrOutcomeUnknown = errors.New("outcome unknown")

	// ErrDuplicateIdempotencyKey is returned by record stores when a record with
	// the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a single malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientCapacityError provides details about a capacity shortage.
type InsufficientCapacityError struct {
	Key       LedgerKey
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity on %s: requested %s, remaining %s",
		e.Key, e.Requested, e.Remaining)
}

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// TransitionError reports a rejected status change or gated action.
// Unwraps to ErrIllegalTransition or ErrPermissionDenied.
type TransitionError struct {
	Entity EntityType
	From   Status
	To     Status
	Action Action
	Role   Role
	Reason string
	cause  error
}

func (e *TransitionError) Error() string {
	what := fmt.Sprintf("%s -> %s", e.From, e.To)
	if e.Action != "" {
		what = fmt.Sprintf("%s in %s", e.Action, e.From)
	}
	msg := fmt.Sprintf("%s: %s %s for role %s", e.cause, e.Entity, what, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.cause }

// IllegalTransition builds a TransitionError for a status change missing from the table.
func IllegalTransition(entity EntityType, from, to Status, role Role) *TransitionError {
	return &TransitionError{Entity: entity, From: from, To: to, Role: role, cause: ErrIllegalTransition}
}

// PermissionDenied builds a TransitionError for an unauthorized role.
func PermissionDenied(entity EntityType, from, to Status, role Role, reason string) *TransitionError {
	return &TransitionError{Entity: entity, From: from, To: to, Role: role, Reason: reason, cause: ErrPermissionDenied}
}

// ActionDenied builds a TransitionError for a gated non-status action (edit, delete).
func ActionDenied(entity EntityType, status Status, action Action, role Role, reason string) *TransitionError {
	return &TransitionError{Entity: entity, From: status, Action: action, Role: role, Reason: reason, cause: ErrPermissionDenied}
}

// ConsistencyFaultError describes a detected ledger invariant violation.
type ConsistencyFaultError struct {
	Key       LedgerKey
	Committed decimal.Decimal
	Total     decimal.Decimal
	Detail    string
}

func (e *ConsistencyFaultError) Error() string {
	return fmt.Sprintf("ledger consistency fault on %s (committed %s, total %s): %s",
		e.Key, e.Committed, e.Total, e.Detail)
}

func (e *ConsistencyFaultError) Unwrap() error { return ErrConsistencyFault }

// NotFoundError names the missing thing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
