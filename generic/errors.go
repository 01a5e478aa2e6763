/*
errors.go - Centralized error types for the compensation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Configuration errors - Missing or malformed plan tables
  2. Data errors - Unavailable trees, inconsistent cycle data
  3. Ledger errors - Duplicate credits, closed periods, bad transitions

USAGE:
  Callers branch with errors.Is:

    if errors.Is(err, generic.ErrPlacementUnavailable) {
        // render "unavailable", never zero
    }

SEE ALSO:
  - ledger.go: Uses these errors
  - plan/plan.go: Produces PlanError
  - cycles/accounting.go: Produces CycleDataError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPlanInvalid is returned when a plan configuration is missing a
	// table or carries values that cannot be evaluated. Calculations never
	// fall back to zero in that case.
	ErrPlanInvalid = errors.New("plan configuration invalid")

	// ErrPlanNotFound is returned when no plan version is effective at the
	// requested instant.
	ErrPlanNotFound = errors.New("plan configuration not found")

	// ErrPlacementUnavailable is returned when the placement tree source
	// cannot be reached. The result is unknown, not zero.
	ErrPlacementUnavailable = errors.New("placement tree unavailable")

	// ErrInconsistentCycles is returned when cycle data fails validation at
	// ingestion (negative counts, out-of-range levels, gaps in sequences).
	ErrInconsistentCycles = errors.New("inconsistent cycle data")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrMemberExists is returned when enrolling an ID that is taken.
	ErrMemberExists = errors.New("member already enrolled")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. This is the ledger's "conflict".
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAlreadyClosed is returned when a member or rank period has already
	// been credited for the requested closing period.
	ErrAlreadyClosed = errors.New("period already closed")

	// ErrInvalidTransition is returned for payout status moves other than
	// pending → released → paid.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEntryNotFound is returned when a ledger entry doesn't exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidPeriod is returned when a period ID cannot be parsed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrPeriodOpen is returned when closing a period that hasn't ended.
	ErrPeriodOpen = errors.New("period has not ended")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PlanError names the offending plan field.
type PlanError struct {
	Version PlanVersion
	Field   string
	Reason  string
}

func (e *PlanError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("plan: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("plan %s: %s: %s", e.Version, e.Field, e.Reason)
}

func (e *PlanError) Unwrap() error {
	return ErrPlanInvalid
}

// CycleDataError describes a rejected cycle record or count.
type CycleDataError struct {
	Member MemberID
	Level  int
	Reason string
}

func (e *CycleDataError) Error() string {
	return fmt.Sprintf("cycle data for %s level %d: %s", e.Member, e.Level, e.Reason)
}

func (e *CycleDataError) Unwrap() error {
	return ErrInconsistentCycles
}

// TransitionError provides details about a rejected payout status change.
type TransitionError struct {
	EntryID EntryID
	From    EntryStatus
	To      EntryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("entry %s: cannot move from %s to %s", e.EntryID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ComponentError reports which calculator failed inside an evaluation.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrPlanInvalid) ||
		errors.Is(err, ErrInconsistentCycles) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrPeriodOpen)
}

// IsConflict returns true if the write was rejected because it already happened.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrMemberExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsUnavailable returns true if a collaborator could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrPlacementUnavailable)
}
