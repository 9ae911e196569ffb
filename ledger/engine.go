/*
engine.go - Minutes availability engine

PURPOSE:
  Answers one question: how many minutes may this account still spend on
  new visits in a given month? The answer is derived from the entry
  history every time; there is no stored balance to drift.

THE FORMULA:
  available = planRemaining + bankedCredits + monthlyOverflow

  planRemaining    The unused part of this month's plan. Debits created
                   inside the month are summed; whatever is left of
                   planMinutes (never below zero) is still free.

  bankedCredits    Every non-cancelled credit ever earned by fulfilling
                   visits. Banked minutes never expire.

  monthlyOverflow  For every month with debits, (debits + planMinutes).
                   A negative result is spending beyond that month's plan
                   and is charged to banked credits. Always <= 0.

EXAMPLE:
  plan = 300, March debits = -100, no credits
  March:  planRemaining 200, banked 0, overflow 0     => 200

  plan = 300, March debits = -350, credits +85
  March:  planRemaining 0, banked 85, overflow -50    => 35
  April:  planRemaining 300, banked 85, overflow -50  => 335

  The plan is "use it or lose it" per month; overflow from any month is
  paid for out of banked credits.

CANCELLED ENTRIES:
  Entries with Cancelled=true are excluded from every sum. Cancelling a
  visit therefore restores exactly what scheduling it took.

SEE ALSO:
  - store.go: EntryStore
  - visits/service.go: Callers that validate before appending
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store EntryStore
	Clock Clock
}

func NewEngine(store EntryStore, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{Store: store, Clock: clock}
}

// AppendEntry records a signed amount for account. It performs no
// validation; callers check sufficiency first. visit may be empty.
func (e *Engine) AppendEntry(ctx context.Context, account AccountID, visit VisitID, amount int, reason Reason) (Entry, error) {
	entry := Entry{
		ID:        EntryID(uuid.NewString()),
		AccountID: account,
		VisitID:   visit,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: e.Clock.Now(),
	}
	if err := e.Store.AppendEntry(ctx, entry); err != nil {
		return Entry{}, Storage("append ledger entry", err)
	}
	return entry, nil
}

// CancelEntriesForVisit excludes every entry of the visit from aggregation.
func (e *Engine) CancelEntriesForVisit(ctx context.Context, visit VisitID) (int, error) {
	if visit == "" {
		return 0, nil
	}
	n, err := e.Store.CancelEntriesForVisit(ctx, visit)
	if err != nil {
		return 0, Storage("cancel ledger entries", err)
	}
	return n, nil
}

// Entries returns the account's history matching filter.
func (e *Engine) Entries(ctx context.Context, account AccountID, filter EntryFilter) ([]Entry, error) {
	entries, err := e.Store.QueryEntries(ctx, account, filter)
	if err != nil {
		return nil, Storage("query ledger entries", err)
	}
	return entries, nil
}

// PlanRemaining returns the unused part of planMinutes for the month.
func (e *Engine) PlanRemaining(ctx context.Context, account AccountID, planMinutes int, month time.Month, year int) (int, error) {
	from, to := MonthRange(month, year)
	debits, err := e.Entries(ctx, account, Active(Debits).Between(from, to))
	if err != nil {
		return 0, err
	}
	return planRemaining(debits, planMinutes, from, to), nil
}

// BankedCredits returns all non-cancelled credits ever earned.
func (e *Engine) BankedCredits(ctx context.Context, account AccountID) (int, error) {
	credits, err := e.Entries(ctx, account, Active(Credits))
	if err != nil {
		return 0, err
	}
	return bankedCredits(credits), nil
}

// MonthlyOverflow returns the sum, over all months, of spending beyond that
// month's plan. The result is zero or negative.
func (e *Engine) MonthlyOverflow(ctx context.Context, account AccountID, planMinutes int) (int, error) {
	debits, err := e.Entries(ctx, account, Active(Debits))
	if err != nil {
		return 0, err
	}
	return monthlyOverflow(debits, planMinutes), nil
}

// AvailableMinutes returns how many minutes the account may still spend
// scheduling visits in the given month.
func (e *Engine) AvailableMinutes(ctx context.Context, account AccountID, planMinutes int, month time.Month, year int) (int, error) {
	s, err := e.Summary(ctx, account, planMinutes, month, year)
	if err != nil {
		return 0, err
	}
	return s.Available, nil
}

// Summary computes every term of the availability formula from a single
// read of the account's active entries.
func (e *Engine) Summary(ctx context.Context, account AccountID, planMinutes int, month time.Month, year int) (Summary, error) {
	entries, err := e.Entries(ctx, account, Active(AnySign))
	if err != nil {
		return Summary{}, err
	}
	return Summarize(account, entries, planMinutes, month, year), nil
}

// =============================================================================
// PURE CALCULATIONS
// =============================================================================

// Summarize applies the availability formula to entries. Cancelled entries
// are skipped even if the caller passes them in.
func Summarize(account AccountID, entries []Entry, planMinutes int, month time.Month, year int) Summary {
	var debits, credits []Entry
	for _, entry := range entries {
		switch {
		case entry.Cancelled:
		case entry.IsDebit():
			debits = append(debits, entry)
		case entry.IsCredit():
			credits = append(credits, entry)
		}
	}

	from, to := MonthRange(month, year)
	s := Summary{
		AccountID:       account,
		Month:           month,
		Year:            year,
		PlanMinutes:     planMinutes,
		PlanRemaining:   planRemaining(debits, planMinutes, from, to),
		BankedCredits:   bankedCredits(credits),
		MonthlyOverflow: monthlyOverflow(debits, planMinutes),
	}
	s.Available = s.PlanRemaining + s.BankedCredits + s.MonthlyOverflow
	return s
}

func planRemaining(debits []Entry, planMinutes int, from, to time.Time) int {
	spent := 0
	for _, d := range debits {
		if d.Cancelled || !d.IsDebit() {
			continue
		}
		if d.CreatedAt.Before(from) || d.CreatedAt.After(to) {
			continue
		}
		spent += -d.Amount
	}
	if spent < planMinutes {
		return planMinutes - spent
	}
	return 0
}

func bankedCredits(credits []Entry) int {
	total := 0
	for _, c := range credits {
		if c.Cancelled || !c.IsCredit() {
			continue
		}
		total += c.Amount
	}
	return total
}

func monthlyOverflow(debits []Entry, planMinutes int) int {
	byMonth := make(map[monthKey]int)
	for _, d := range debits {
		if d.Cancelled || !d.IsDebit() {
			continue
		}
		byMonth[monthOf(d.CreatedAt)] += d.Amount
	}

	overflow := 0
	for _, total := range byMonth {
		if excess := total + planMinutes; excess < 0 {
			overflow += excess
		}
	}
	return overflow
}
