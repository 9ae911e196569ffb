/*
Package ledger provides the minutes accounting engine.

PURPOSE:
  Every minute an account spends or earns is recorded as a signed Entry.
  Nothing else holds a balance: how many minutes an account may still
  spend is always computed by replaying its non-cancelled entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An append-only record of minutes debited or credited
  - Reason: Why the entry exists (visit scheduled, visit fulfilled)
  - EntryFilter: Query shape used by the engine and the stores
  - Account/Visit/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Append-only: Entries are never deleted; cancellation flips a flag
  2. Integer minutes: Amounts are whole minutes, negative = debit
  3. Derived balances: Availability is computed, never stored

USAGE:
  engine := ledger.NewEngine(store, ledger.SystemClock{})
  available, err := engine.AvailableMinutes(ctx, "acct-1", 300, time.March, 2025)

SEE ALSO:
  - engine.go: Availability computation
  - store.go: Persistence interface
  - clock.go: Injectable "now" and month boundaries
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type VisitID string
type EntryID string

// =============================================================================
// ENTRY - Append-only minutes record
// =============================================================================

type Reason string

const (
	ReasonScheduled Reason = "visit_scheduled" // Requester scheduled a visit (debit)
	ReasonFulfilled Reason = "visit_fulfilled" // Provider completed a visit (credit)
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	return r == ReasonScheduled || r == ReasonFulfilled
}

// Entry is one signed movement of minutes on an account.
// Only Cancelled ever changes after the entry is written.
type Entry struct {
	ID        EntryID
	AccountID AccountID
	VisitID   VisitID // empty when the entry is not tied to a visit
	Amount    int
	Reason    Reason
	CreatedAt time.Time
	Cancelled bool
}

func (e Entry) IsDebit() bool  { return e.Amount < 0 }
func (e Entry) IsCredit() bool { return e.Amount > 0 }

// =============================================================================
// QUERYING
// =============================================================================

type Sign int

const (
	AnySign Sign = iota
	Debits
	Credits
)

// Matches reports whether amount has the requested sign. Zero amounts only
// match AnySign.
func (s Sign) Matches(amount int) bool {
	switch s {
	case Debits:
		return amount < 0
	case Credits:
		return amount > 0
	default:
		return true
	}
}

// EntryFilter narrows an account's entries. Nil fields do not filter.
// From and To are both inclusive.
type EntryFilter struct {
	Cancelled *bool
	Sign      Sign
	From      *time.Time
	To        *time.Time
	VisitID   *VisitID
}

// Active returns a filter selecting non-cancelled entries of the given sign.
func Active(sign Sign) EntryFilter {
	cancelled := false
	return EntryFilter{Cancelled: &cancelled, Sign: sign}
}

// Between restricts f to entries created within [from, to].
func (f EntryFilter) Between(from, to time.Time) EntryFilter {
	f.From = &from
	f.To = &to
	return f
}

// Match applies the filter to a single entry. Stores without a query
// language use it directly; SQL stores translate the same fields.
func (f EntryFilter) Match(e Entry) bool {
	if f.Cancelled != nil && e.Cancelled != *f.Cancelled {
		return false
	}
	if !f.Sign.Matches(e.Amount) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if f.VisitID != nil && e.VisitID != *f.VisitID {
		return false
	}
	return true
}

// =============================================================================
// SUMMARY - Computed availability breakdown
// =============================================================================

// Summary is the breakdown behind AvailableMinutes for one account and month.
type Summary struct {
	AccountID       AccountID
	Month           time.Month
	Year            int
	PlanMinutes     int
	PlanRemaining   int
	BankedCredits   int
	MonthlyOverflow int // always <= 0
	Available       int
}
