package visits

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/timebank/ledger"
)

// =============================================================================
// PURE CHECKS
// =============================================================================
// Nothing in this file writes. Each check reads through the Store it is
// given, so the same code validates both outside and inside a transaction.

func validateNewVisit(ctx context.Context, st Store, eng *ledger.Engine, now time.Time, requesterID ledger.AccountID, when time.Time, minutes int) (*Requester, error) {
	requester, err := st.GetRequester(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load requester: %w", err)
	}
	if requester == nil {
		return nil, accountNotFound(requesterID)
	}

	if !when.After(now) {
		return nil, ErrInThePast
	}
	if minutes < MinVisitMinutes {
		return nil, ErrVisitTooShort
	}

	u := when.UTC()
	available, err := eng.AvailableMinutes(ctx, requesterID, requester.PlanMinutes, u.Month(), u.Year())
	if err != nil {
		return nil, err
	}
	if minutes > available {
		return nil, &InsufficientMinutesError{AccountID: requesterID, Available: available, Requested: minutes}
	}
	return requester, nil
}

func validateVisitCancellation(ctx context.Context, st Store, now time.Time, requesterID ledger.AccountID, visitID ledger.VisitID) (*Visit, error) {
	v, err := st.GetVisit(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load visit: %w", err)
	}
	if v == nil || v.RequesterID != requesterID {
		return nil, visitNotFound(visitID)
	}
	if v.Cancelled {
		return nil, errVisitAlreadyCancelled
	}
	if !v.When.After(now) {
		return nil, ErrAlreadyOccurred
	}
	return v, nil
}

func validateFulfillment(ctx context.Context, st Store, now time.Time, providerID ledger.AccountID, visitID ledger.VisitID) (*Visit, error) {
	v, err := st.GetVisit(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load visit: %w", err)
	}
	if v == nil {
		return nil, visitNotFound(visitID)
	}
	if v.Cancelled {
		return nil, &GuardError{Kind: ErrAlreadyCancelled, Message: "that visit has been cancelled"}
	}
	if !v.When.After(now) {
		return nil, ErrAlreadyOccurred
	}
	if v.RequesterID == providerID {
		return nil, ErrOwnVisit
	}

	active, err := st.ActiveFulfillment(ctx, visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fulfillment: %w", err)
	}
	if active != nil {
		return nil, ErrAlreadyScheduled
	}
	return v, nil
}

func validateCompletion(ctx context.Context, st Store, now time.Time, id FulfillmentID) (*Fulfillment, *Visit, error) {
	f, err := st.GetFulfillment(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load fulfillment: %w", err)
	}
	if f == nil {
		return nil, nil, fulfillmentNotFound(id)
	}
	if f.Completed {
		return nil, nil, ErrAlreadyCompleted
	}
	if f.Cancelled {
		return nil, nil, errFulfillmentAlreadyCancelled
	}

	v, err := st.GetVisit(ctx, f.VisitID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load visit: %w", err)
	}
	if v == nil {
		return nil, nil, visitNotFound(f.VisitID)
	}
	if v.Cancelled {
		return nil, nil, ErrVisitCancelled
	}
	if now.Before(v.End()) {
		return nil, nil, ErrNotYetFinished
	}
	return f, v, nil
}

func validateFulfillmentCancellation(ctx context.Context, st Store, now time.Time, id FulfillmentID) (*Fulfillment, error) {
	f, err := st.GetFulfillment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load fulfillment: %w", err)
	}
	if f == nil {
		return nil, fulfillmentNotFound(id)
	}
	if f.Completed {
		return nil, ErrAlreadyCompleted
	}
	if f.Cancelled {
		return nil, errFulfillmentAlreadyCancelled
	}

	v, err := st.GetVisit(ctx, f.VisitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load visit: %w", err)
	}
	if v == nil {
		return nil, visitNotFound(f.VisitID)
	}
	if !now.Before(v.When) {
		return nil, ErrVisitAlreadyStarted
	}
	return f, nil
}
