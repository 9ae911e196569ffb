package ledger

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable "now"
// =============================================================================

// Clock supplies the current instant. Every read of "now" in the engine and
// the state machines goes through a Clock so tests can pin time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d (backwards if d is negative).
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// =============================================================================
// MONTH BOUNDARIES
// =============================================================================
// Months are calendar months in UTC.

// StartOfMonth returns the first instant of the month.
func StartOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

// EndOfMonth returns the last representable instant of the month.
func EndOfMonth(year int, month time.Month) time.Time {
	return StartOfMonth(year, month).AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// MonthRange returns [first instant, last instant] of the month, both inclusive.
func MonthRange(month time.Month, year int) (time.Time, time.Time) {
	return StartOfMonth(year, month), EndOfMonth(year, month)
}

type monthKey struct {
	year  int
	month time.Month
}

func monthOf(t time.Time) monthKey {
	u := t.UTC()
	return monthKey{year: u.Year(), month: u.Month()}
}
