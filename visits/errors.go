/*
errors.go - Failure taxonomy for the visit and fulfillment lifecycles

PURPOSE:
  Every validation failure is a typed error the caller can branch on with
  errors.Is, and whose Error() text can be shown to a user as is.

ERROR CATEGORIES:
  1. Lookup:     ErrNotFound
  2. Temporal:   ErrInThePast, ErrAlreadyOccurred, ErrVisitAlreadyStarted,
                 ErrNotYetFinished
  3. Balance:    ErrInsufficientMinutes (carries the available amount)
  4. State:      ErrAlreadyCancelled, ErrAlreadyCompleted,
                 ErrAlreadyScheduled, ErrVisitCancelled
  5. Input:      ErrVisitTooShort, ErrInvalidPlan, ErrOwnVisit
  6. Storage:    ErrConflict (lost a concurrent write), ledger.ErrStorage

USAGE:
  if _, err := svc.CreateVisit(ctx, id, when, 90, "groceries"); err != nil {
      var short *visits.InsufficientMinutesError
      if errors.As(err, &short) {
          fmt.Println(short.Available)
      }
  }
*/
package visits

import (
	"errors"
	"fmt"

	"github.com/warp/timebank/ledger"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInThePast           = errors.New("visits must be scheduled in advance")
	ErrAlreadyOccurred     = errors.New("that visit has already occurred")
	ErrVisitAlreadyStarted = errors.New("that visit has already started")
	ErrNotYetFinished      = errors.New("that visit is not yet over")
	ErrInsufficientMinutes = errors.New("insufficient minutes")
	ErrAlreadyCancelled    = errors.New("already cancelled")
	ErrAlreadyCompleted    = errors.New("that fulfillment has already been completed")
	ErrAlreadyScheduled    = errors.New("that visit has already been scheduled with another provider")
	ErrVisitCancelled      = errors.New("that visit was cancelled by the requester")
	ErrVisitTooShort       = fmt.Errorf("visits must be at least %d minutes long", MinVisitMinutes)
	ErrInvalidPlan         = errors.New("plan minutes must not be negative")
	ErrOwnVisit            = errors.New("you cannot fulfill your own visit")

	// ErrConflict is returned by stores when a concurrent writer won: a
	// uniqueness constraint fired or a serializable transaction aborted.
	ErrConflict = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names what was looked up.
type NotFoundError struct {
	Kind string // "visit", "fulfillment", "account"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Kind)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientMinutesError reports how many minutes were available when a
// visit was refused.
type InsufficientMinutesError struct {
	AccountID ledger.AccountID
	Available int
	Requested int
}

func (e *InsufficientMinutesError) Error() string {
	return fmt.Sprintf("you have %d minutes remaining this month; you can earn more minutes by visiting other members, cancelling planned visits, or scheduling farther into the future",
		e.Available)
}

func (e *InsufficientMinutesError) Unwrap() error { return ErrInsufficientMinutes }

// GuardError is a state guard failure with a message specific to the
// entity it was raised for.
type GuardError struct {
	Kind    error
	Message string
}

func (e *GuardError) Error() string { return e.Message }
func (e *GuardError) Unwrap() error { return e.Kind }

var (
	errVisitAlreadyCancelled       = &GuardError{Kind: ErrAlreadyCancelled, Message: "that visit has already been cancelled"}
	errFulfillmentAlreadyCancelled = &GuardError{Kind: ErrAlreadyCancelled, Message: "that fulfillment was cancelled"}
)

func visitNotFound(id ledger.VisitID) error {
	return &NotFoundError{Kind: "visit", ID: string(id)}
}

func fulfillmentNotFound(id FulfillmentID) error {
	return &NotFoundError{Kind: "fulfillment", ID: string(id)}
}

func accountNotFound(id ledger.AccountID) error {
	return &NotFoundError{Kind: "account", ID: string(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is a rejected precondition rather
// than a failure of the system.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInThePast, ErrAlreadyOccurred, ErrVisitAlreadyStarted, ErrNotYetFinished,
		ErrInsufficientMinutes, ErrAlreadyCancelled, ErrAlreadyCompleted,
		ErrAlreadyScheduled, ErrVisitCancelled, ErrVisitTooShort, ErrInvalidPlan,
		ErrOwnVisit,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
