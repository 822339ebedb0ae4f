/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Business-rule rejections carry the limiting quantity (remaining credits,
  current points balance) so callers can report precisely, never a generic
  "operation failed".

ERROR CATEGORIES:
  1. Validation errors - malformed or out-of-range input (caller's fault)
  2. Not-found errors  - referenced entity absent (caller's fault)
  3. Business rejections - insufficient credits/points, carrying the balance
  4. Conflict errors   - concurrent-mutation race detected (retry once)
  5. Dependency errors - catalog/settings/branch lookup failed (transient)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientCredits) {
      var ice *ledger.InsufficientCreditsError
      errors.As(err, &ice)
      // ice.Remaining tells the user exactly how many credits are left
  }

SEE ALSO:
  - consume.go, loyalty.go: produce these errors
  - store.go: store implementations map constraint violations onto them
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or out-of-range input.
	// No retry without correction.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientCredits is returned when a consumption request exceeds
	// the membership's remaining credits. No partial consumption occurs.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInsufficientPoints is returned when a redemption exceeds the
	// loyalty account's current balance. No partial redemption occurs.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrConflict is returned when optimistic locking detects a concurrent
	// mutation. Safe to retry once.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDependency is returned when a catalog, settings, or branch lookup
	// fails. May be transient; retry with backoff is reasonable.
	ErrDependency = errors.New("dependency lookup failed")

	// ErrDuplicateSettlement is returned when a second obligation is created
	// for the same usage record. At most one obligation per usage record.
	ErrDuplicateSettlement = errors.New("settlement already exists for usage record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which input field failed and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports which entity was missing.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientCreditsError carries the remaining credit count so the caller
// can inform the end user precisely.
type InsufficientCreditsError struct {
	MembershipID MembershipID
	Remaining    int
	Requested    int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("only %d credit(s) remaining on membership %s, requested %d",
		e.Remaining, e.MembershipID, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// InsufficientPointsError carries the current balance.
type InsufficientPointsError struct {
	CustomerID CustomerID
	Balance    int64
	Requested  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for customer %s: balance %d, requested %d",
		e.CustomerID, e.Balance, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// DependencyError wraps a failed collaborator lookup.
type DependencyError struct {
	Dependency string // e.g. "branch", "membership type", "settings"
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s lookup failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDependency)
}

// IsClientError returns true if the error is due to invalid client input or
// a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrDuplicateSettlement)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
