/*
service.go - Validate/apply operations for visits and fulfillments

PURPOSE:
  Exposes each lifecycle step as a pair: a Validate* method that only
  reads and returns the entity or a typed error, and an apply method that
  performs the mutation and its ledger side effect in one unit of work.

TWO WAYS TO CALL:
  1. Two-step, for callers that want to show validation errors before
     committing to anything:

       visit, err := svc.ValidateVisitCancellation(ctx, requesterID, visitID)
       if err != nil { ... }
       err = svc.CancelVisit(ctx, visit)

  2. Fused, validation re-run inside the same transaction as the write so
     there is no gap between check and use:

       visit, err := svc.CancelRequestedVisit(ctx, requesterID, visitID)

  The HTTP layer uses the fused forms. The two-step apply methods also
  re-check the stored state inside their transaction, so a copy that has
  gone stale since validation is refused with the same typed error.

TIME:
  Every "now" comes from Service.Clock.

SEE ALSO:
  - validate.go: The pure checks
  - store.go: TxStore used for units of work
*/
package visits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/timebank/ledger"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store TxStore
	Clock ledger.Clock
}

func NewService(store TxStore, clock ledger.Clock) *Service {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Service{Store: store, Clock: clock}
}

// Ledger returns an engine reading the service's store outside any
// transaction.
func (s *Service) Ledger() *ledger.Engine {
	return ledger.NewEngine(s.Store, s.Clock)
}

// atomically runs fn in one transaction with an engine bound to it.
func (s *Service) atomically(ctx context.Context, fn func(st Store, eng *ledger.Engine) error) error {
	err := s.Store.WithTx(ctx, func(st Store) error {
		return fn(st, ledger.NewEngine(st, s.Clock))
	})
	return surface(err)
}

// =============================================================================
// VISIT LIFECYCLE
// =============================================================================

// ValidateNewVisit checks that requesterID may schedule a visit of minutes
// starting at when. It returns the requester profile.
func (s *Service) ValidateNewVisit(ctx context.Context, requesterID ledger.AccountID, when time.Time, minutes int) (*Requester, error) {
	r, err := validateNewVisit(ctx, s.Store, s.Ledger(), s.Clock.Now(), requesterID, when, minutes)
	return r, surface(err)
}

// CreateVisit schedules a visit and debits its minutes from the requester.
// The availability check runs inside the same transaction as the debit.
func (s *Service) CreateVisit(ctx context.Context, requesterID ledger.AccountID, when time.Time, minutes int, description string) (*Visit, error) {
	var visit *Visit
	err := s.atomically(ctx, func(st Store, eng *ledger.Engine) error {
		now := s.Clock.Now()
		if _, err := validateNewVisit(ctx, st, eng, now, requesterID, when, minutes); err != nil {
			return err
		}

		v := Visit{
			ID:          ledger.VisitID(uuid.NewString()),
			RequesterID: requesterID,
			When:        when.UTC(),
			Minutes:     minutes,
			Description: description,
			CreatedAt:   now,
		}
		if err := st.CreateVisit(ctx, v); err != nil {
			return fmt.Errorf("failed to save visit: %w", err)
		}
		if _, err := eng.AppendEntry(ctx, requesterID, v.ID, -minutes, ledger.ReasonScheduled); err != nil {
			return err
		}
		visit = &v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return visit, nil
}

// ValidateVisitCancellation checks that requesterID may cancel visitID.
func (s *Service) ValidateVisitCancellation(ctx context.Context, requesterID ledger.AccountID, visitID ledger.VisitID) (*Visit, error) {
	v, err := validateVisitCancellation(ctx, s.Store, s.Clock.Now(), requesterID, visitID)
	return v, surface(err)
}

// CancelVisit cancels the visit together with every fulfillment and ledger
// entry referencing it. Callers gate on ValidateVisitCancellation.
func (s *Service) CancelVisit(ctx context.Context, visit *Visit) error {
	err := s.atomically(ctx, func(st Store, eng *ledger.Engine) error {
		return cancelVisit(ctx, st, eng, visit.ID)
	})
	if err != nil {
		return err
	}
	visit.Cancelled = true
	return nil
}

// CancelRequestedVisit validates and cancels in one transaction.
func (s *Service) CancelRequestedVisit(ctx context.Context, requesterID ledger.AccountID, visitID ledger.VisitID) (*Visit, error) {
	var visit *Visit
	err := s.atomically(ctx, func(st Store, eng *ledger.Engine) error {
		v, err := validateVisitCancellation(ctx, st, s.Clock.Now(), requesterID, visitID)
		if err != nil {
			return err
		}
		if err := cancelVisit(ctx, st, eng, v.ID); err != nil {
			return err
		}
		v.Cancelled = true
		visit = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return visit, nil
}

func cancelVisit(ctx context.Context, st Store, eng *ledger.Engine, id ledger.VisitID) error {
	if err := st.CancelVisit(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel visit: %w", err)
	}
	if _, err := st.CancelFulfillmentsForVisit(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel fulfillments: %w", err)
	}
	if _, err := eng.CancelEntriesForVisit(ctx, id); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// FULFILLMENT LIFECYCLE
// =============================================================================

// ValidateFulfillment checks that providerID may claim visitID.
func (s *Service) ValidateFulfillment(ctx context.Context, providerID ledger.AccountID, visitID ledger.VisitID) (*Visit, error) {
	v, err := validateFulfillment(ctx, s.Store, s.Clock.Now(), providerID, visitID)
	return v, surface(err)
}

// AcceptVisit records providerID's claim on visit. Nothing is credited
// until completion. The visit is checked again inside the transaction, so
// one cancelled or claimed since ValidateFulfillment is refused. A claim
// that loses a race with a concurrent one fails with ErrAlreadyScheduled.
func (s *Service) AcceptVisit(ctx context.Context, providerID ledger.AccountID, visit *Visit) (*Fulfillment, error) {
	return s.AcceptRequestedVisit(ctx, providerID, visit.ID)
}

// AcceptRequestedVisit validates and claims in one transaction.
func (s *Service) AcceptRequestedVisit(ctx context.Context, providerID ledger.AccountID, visitID ledger.VisitID) (*Fulfillment, error) {
	var f *Fulfillment
	err := s.atomically(ctx, func(st Store, _ *ledger.Engine) error {
		now := s.Clock.Now()
		if _, err := validateFulfillment(ctx, st, now, providerID, visitID); err != nil {
			return err
		}
		var err error
		f, err = createFulfillment(ctx, st, now, providerID, visitID)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return nil, ErrAlreadyScheduled
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func createFulfillment(ctx context.Context, st Store, now time.Time, providerID ledger.AccountID, visitID ledger.VisitID) (*Fulfillment, error) {
	f := Fulfillment{
		ID:         FulfillmentID(uuid.NewString()),
		ProviderID: providerID,
		VisitID:    visitID,
		CreatedAt:  now,
	}
	if err := st.CreateFulfillment(ctx, f); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save fulfillment: %w", err)
	}
	return &f, nil
}

// ValidateCompletion checks that the fulfillment can be completed now.
func (s *Service) ValidateCompletion(ctx context.Context, id FulfillmentID) (*Fulfillment, error) {
	f, _, err := validateCompletion(ctx, s.Store, s.Clock.Now(), id)
	return f, surface(err)
}

// CompleteFulfillment marks the fulfillment completed and credits the
// provider Payout(visit.Minutes). Returns the credit entry. The stored
// fulfillment is re-checked inside the transaction, so a second call
// fails with ErrAlreadyCompleted and never writes a second credit.
func (s *Service) CompleteFulfillment(ctx context.Context, f *Fulfillment) (ledger.Entry, error) {
	var credit ledger.Entry
	err := s.atomically(ctx, func(st Store, eng *ledger.Engine) error {
		got, v, err := validateCompletion(ctx, st, s.Clock.Now(), f.ID)
		if err != nil {
			return err
		}
		credit, err = completeFulfillment(ctx, st, eng, *got, *v)
		return err
	})
	if err != nil {
		return ledger.Entry{}, err
	}
	f.Completed = true
	return credit, nil
}

// CompleteProviderFulfillment validates and completes in one transaction.
// Only the provider holding the fulfillment may complete it.
func (s *Service) CompleteProviderFulfillment(ctx context.Context, providerID ledger.AccountID, id FulfillmentID) (*Fulfillment, ledger.Entry, error) {
	var (
		f      *Fulfillment
		credit ledger.Entry
	)
	err := s.atomically(ctx, func(st Store, eng *ledger.Engine) error {
		got, v, err := validateCompletion(ctx, st, s.Clock.Now(), id)
		if err != nil {
			return err
		}
		if got.ProviderID != providerID {
			return fulfillmentNotFound(id)
		}
		credit, err = completeFulfillment(ctx, st, eng, *got, *v)
		if err != nil {
			return err
		}
		got.Completed = true
		f = got
		return nil
	})
	if err != nil {
		return nil, ledger.Entry{}, err
	}
	return f, credit, nil
}

func completeFulfillment(ctx context.Context, st Store, eng *ledger.Engine, f Fulfillment, v Visit) (ledger.Entry, error) {
	f.Completed = true
	if err := st.UpdateFulfillment(ctx, f); err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to complete fulfillment: %w", err)
	}
	return eng.AppendEntry(ctx, f.ProviderID, v.ID, Payout(v.Minutes), ledger.ReasonFulfilled)
}

// ValidateFulfillmentCancellation checks that the fulfillment can still be
// given up.
func (s *Service) ValidateFulfillmentCancellation(ctx context.Context, id FulfillmentID) (*Fulfillment, error) {
	f, err := validateFulfillmentCancellation(ctx, s.Store, s.Clock.Now(), id)
	return f, surface(err)
}

// CancelFulfillment releases the provider's claim. The requester's debit
// stays; the visit goes back to unscheduled. The flags written are the
// stored ones re-checked inside the transaction, never the caller's copy.
func (s *Service) CancelFulfillment(ctx context.Context, f *Fulfillment) error {
	err := s.atomically(ctx, func(st Store, _ *ledger.Engine) error {
		got, err := validateFulfillmentCancellation(ctx, st, s.Clock.Now(), f.ID)
		if err != nil {
			return err
		}
		got.Cancelled = true
		if err := st.UpdateFulfillment(ctx, *got); err != nil {
			return fmt.Errorf("failed to cancel fulfillment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	f.Cancelled = true
	return nil
}

// CancelProviderFulfillment validates and cancels in one transaction.
func (s *Service) CancelProviderFulfillment(ctx context.Context, providerID ledger.AccountID, id FulfillmentID) (*Fulfillment, error) {
	var f *Fulfillment
	err := s.atomically(ctx, func(st Store, _ *ledger.Engine) error {
		got, err := validateFulfillmentCancellation(ctx, st, s.Clock.Now(), id)
		if err != nil {
			return err
		}
		if got.ProviderID != providerID {
			return fulfillmentNotFound(id)
		}
		got.Cancelled = true
		if err := st.UpdateFulfillment(ctx, *got); err != nil {
			return fmt.Errorf("failed to cancel fulfillment: %w", err)
		}
		f = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// surface passes taxonomy errors through and marks anything else as a
// storage failure.
func surface(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return ledger.Storage("unit of work", err)
}

// isDomainError reports whether err is part of the failure taxonomy and
// should reach the caller unwrapped.
func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) || IsRetryable(err) || ledger.IsStorage(err)
}
