/*
Package visits implements the visit and fulfillment lifecycles.

PURPOSE:
  A requester books a visit and pays its minutes up front. A provider
  claims the visit (a Fulfillment), performs it and, once the visit is
  over, completes it and is credited 85% of its minutes. Every step that
  moves minutes writes the ledger in the same unit of work as the entity
  change.

LIFECYCLES:

  Visit (state derived, never stored except Cancelled)

    ┌─────────────┐  provider accepts  ┌───────────┐  provider completes  ┌───────────┐
    │ unscheduled │ ─────────────────▶ │ scheduled │ ───────────────────▶ │ completed │
    └─────────────┘ ◀───────────────── └───────────┘                      └───────────┘
          │           provider cancels        │
          │ requester cancels                 │ requester cancels
          ▼                                   ▼
    ┌──────────────────────────────────────────────┐
    │                  cancelled                   │  (absorbing)
    └──────────────────────────────────────────────┘

  Fulfillment

    active ──complete──▶ completed
      │
      └────cancel─────▶ cancelled

LEDGER EFFECTS:
  Scheduling:              -minutes on the requester     (visit_scheduled)
  Completing:              +Payout(minutes) on provider  (visit_fulfilled)
  Cancelling a visit:      cancels every entry of the visit
  Cancelling fulfillment:  none

SEE ALSO:
  - service.go: Validate/apply operations
  - errors.go: Failure taxonomy
  - store.go: Persistence gateway
  - ledger/engine.go: Availability computation
*/
package visits

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/timebank/ledger"
)

// =============================================================================
// CONFIGURATION CONSTANTS
// =============================================================================

const (
	MinVisitMinutes     = 10
	DefaultVisitMinutes = 60
)

// FulfillmentCut is the share of a visit's minutes credited to the provider.
// The remainder is the platform fee.
var FulfillmentCut = decimal.RequireFromString("0.85")

// Payout returns the whole minutes credited for completing a visit of the
// given length: FulfillmentCut * minutes rounded to the nearest minute,
// halves rounded up (30 -> 25.5 -> 26).
func Payout(minutes int) int {
	return int(decimal.NewFromInt(int64(minutes)).Mul(FulfillmentCut).Round(0).IntPart())
}

// =============================================================================
// PROFILES
// =============================================================================

type FulfillmentID string

// Requester is the booking side of an account. PlanMinutes is the monthly
// allotment and does not change once set.
type Requester struct {
	AccountID   ledger.AccountID
	PlanMinutes int
	CreatedAt   time.Time
}

// Provider is the fulfilling side of an account. Earnings live in the ledger.
type Provider struct {
	AccountID ledger.AccountID
	CreatedAt time.Time
}

// Account groups both profiles of one identity.
type Account struct {
	ID        ledger.AccountID
	Requester Requester
	Provider  Provider
}

// =============================================================================
// VISIT
// =============================================================================

type Visit struct {
	ID          ledger.VisitID
	RequesterID ledger.AccountID
	When        time.Time
	Minutes     int
	Description string
	Cancelled   bool
	CreatedAt   time.Time
}

// End is the instant the visit is over.
func (v Visit) End() time.Time {
	return v.When.Add(time.Duration(v.Minutes) * time.Minute)
}

// =============================================================================
// FULFILLMENT
// =============================================================================

type Fulfillment struct {
	ID         FulfillmentID
	ProviderID ledger.AccountID
	VisitID    ledger.VisitID
	Completed  bool
	Cancelled  bool
	CreatedAt  time.Time
}

// Active reports whether the fulfillment still holds its visit.
func (f Fulfillment) Active() bool { return !f.Cancelled }

// Open reports whether the fulfillment can still be completed or cancelled.
func (f Fulfillment) Open() bool { return !f.Cancelled && !f.Completed }

// =============================================================================
// DERIVED STATE
// =============================================================================

type State string

const (
	StateUnscheduled State = "unscheduled"
	StateScheduled   State = "scheduled"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
)

// StateOf projects a visit's lifecycle state from its cancelled flag and its
// active fulfillment (nil when there is none).
func StateOf(v Visit, active *Fulfillment) State {
	switch {
	case v.Cancelled:
		return StateCancelled
	case active == nil || active.Cancelled:
		return StateUnscheduled
	case active.Completed:
		return StateCompleted
	default:
		return StateScheduled
	}
}

// VisitView is a visit with its derived state, for listings.
type VisitView struct {
	Visit       Visit
	State       State
	Fulfillment *Fulfillment
}

// FulfillmentView is a fulfillment with the visit it claims.
type FulfillmentView struct {
	Fulfillment Fulfillment
	Visit       Visit
}
