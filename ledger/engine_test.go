package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const alice ledger.AccountID = "alice"

func march(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, time.UTC)
}

func newTestEngine(start time.Time) (*ledger.Engine, *ledger.ManualClock) {
	clock := ledger.NewManualClock(start)
	return ledger.NewEngine(memory.New(), clock), clock
}

// appendAt records an entry with the clock pinned to at.
func appendAt(t *testing.T, eng *ledger.Engine, clock *ledger.ManualClock, at time.Time, visit ledger.VisitID, amount int) ledger.Entry {
	t.Helper()
	clock.Set(at)
	reason := ledger.ReasonScheduled
	if amount > 0 {
		reason = ledger.ReasonFulfilled
	}
	e, err := eng.AppendEntry(context.Background(), alice, visit, amount, reason)
	require.NoError(t, err)
	return e
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppendEntry_StampsIDAndClockTime(t *testing.T) {
	eng, clock := newTestEngine(march(3, 9))
	ctx := context.Background()

	e := appendAt(t, eng, clock, march(3, 9), "v-1", -60)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, march(3, 9), e.CreatedAt)
	assert.Equal(t, ledger.ReasonScheduled, e.Reason)
	assert.False(t, e.Cancelled)

	entries, err := eng.Entries(ctx, alice, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e, entries[0])
}

func TestAppendEntry_StoreFailureIsStorageError(t *testing.T) {
	boom := errors.New("disk full")
	eng := ledger.NewEngine(failingStore{err: boom}, ledger.NewManualClock(march(1, 0)))

	_, err := eng.AppendEntry(context.Background(), alice, "", -10, ledger.ReasonScheduled)

	require.Error(t, err)
	assert.True(t, ledger.IsStorage(err))
	assert.ErrorIs(t, err, boom)
	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append ledger entry", se.Op)
}

// =============================================================================
// PLAN REMAINING
// =============================================================================

func TestPlanRemaining_NeverNegative(t *testing.T) {
	// GIVEN: Plan of 300, 350 minutes debited in March
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, march(2, 10), "v-1", -200)
	appendAt(t, eng, clock, march(5, 10), "v-2", -150)

	// WHEN: Computing March's plan remainder
	got, err := eng.PlanRemaining(context.Background(), alice, 300, time.March, 2025)

	// THEN: It floors at zero
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestPlanRemaining_MonthBoundariesInclusive(t *testing.T) {
	// GIVEN: Debits at the first and last instant of March, and at the
	// first instant of April
	eng, clock := newTestEngine(march(1, 0))
	from, to := ledger.MonthRange(time.March, 2025)
	appendAt(t, eng, clock, from, "v-1", -10)
	appendAt(t, eng, clock, to, "v-2", -20)
	appendAt(t, eng, clock, ledger.StartOfMonth(2025, time.April), "v-3", -40)

	// WHEN: Computing March's plan remainder
	got, err := eng.PlanRemaining(context.Background(), alice, 100, time.March, 2025)

	// THEN: Both March instants count; April's does not
	require.NoError(t, err)
	assert.Equal(t, 70, got)
}

func TestPlanRemaining_IgnoresCredits(t *testing.T) {
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, march(2, 10), "v-1", -100)
	appendAt(t, eng, clock, march(3, 10), "v-9", 85)

	got, err := eng.PlanRemaining(context.Background(), alice, 300, time.March, 2025)

	require.NoError(t, err)
	assert.Equal(t, 200, got)
}

// =============================================================================
// BANKED CREDITS / OVERFLOW
// =============================================================================

func TestBankedCredits_AllTime(t *testing.T) {
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, time.Date(2024, time.November, 20, 0, 0, 0, 0, time.UTC), "v-1", 26)
	appendAt(t, eng, clock, march(2, 10), "v-2", 85)
	appendAt(t, eng, clock, march(3, 10), "v-3", -30)

	got, err := eng.BankedCredits(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, 111, got)
}

func TestMonthlyOverflow_OnlyOverspentMonthsCount(t *testing.T) {
	// GIVEN: Plan of 100. January overspends by 20, February underspends,
	// March overspends by 5
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC), "v-1", -120)
	appendAt(t, eng, clock, time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC), "v-2", -40)
	appendAt(t, eng, clock, march(10, 0), "v-3", -60)
	appendAt(t, eng, clock, march(11, 0), "v-4", -45)

	// WHEN
	got, err := eng.MonthlyOverflow(context.Background(), alice, 100)

	// THEN: February's slack does not offset anything
	require.NoError(t, err)
	assert.Equal(t, -25, got)
}

func TestAvailableMinutes_OverflowChargedToBankedCredits(t *testing.T) {
	// GIVEN: Plan 300, March debits of 350, 85 banked
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, march(1, 8), "v-earned", 85)
	appendAt(t, eng, clock, march(2, 8), "v-1", -300)
	appendAt(t, eng, clock, march(3, 8), "v-2", -50)
	ctx := context.Background()

	// WHEN: Checking March and April
	inMarch, err := eng.Summary(ctx, alice, 300, time.March, 2025)
	require.NoError(t, err)
	inApril, err := eng.AvailableMinutes(ctx, alice, 300, time.April, 2025)
	require.NoError(t, err)

	// THEN: March has 0 + 85 - 50, April gets a fresh plan
	assert.Equal(t, ledger.Summary{
		AccountID:       alice,
		Month:           time.March,
		Year:            2025,
		PlanMinutes:     300,
		PlanRemaining:   0,
		BankedCredits:   85,
		MonthlyOverflow: -50,
		Available:       35,
	}, inMarch)
	assert.Equal(t, 335, inApril)
}

func TestAvailableMinutes_EmptyHistoryIsPlan(t *testing.T) {
	eng, _ := newTestEngine(march(1, 0))

	got, err := eng.AvailableMinutes(context.Background(), alice, 240, time.March, 2025)

	require.NoError(t, err)
	assert.Equal(t, 240, got)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelEntriesForVisit_RestoresAvailability(t *testing.T) {
	// GIVEN: Two scheduled visits in March
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, march(2, 8), "v-1", -60)
	appendAt(t, eng, clock, march(2, 9), "v-2", -90)
	ctx := context.Background()

	before, err := eng.AvailableMinutes(ctx, alice, 300, time.March, 2025)
	require.NoError(t, err)
	require.Equal(t, 150, before)

	// WHEN: Cancelling v-2's entries (twice)
	n, err := eng.CancelEntriesForVisit(ctx, "v-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = eng.CancelEntriesForVisit(ctx, "v-2")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second cancel is a no-op")

	// THEN: Exactly v-2's minutes come back, and the entry is still there
	after, err := eng.AvailableMinutes(ctx, alice, 300, time.March, 2025)
	require.NoError(t, err)
	assert.Equal(t, 240, after)

	all, err := eng.Entries(ctx, alice, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Cancelled)
	assert.True(t, all[1].Cancelled)
}

func TestCancelEntriesForVisit_EmptyVisitIsNoop(t *testing.T) {
	eng, clock := newTestEngine(march(1, 0))
	appendAt(t, eng, clock, march(2, 8), "", -60)

	n, err := eng.CancelEntriesForVisit(context.Background(), "")

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummarize_SkipsCancelledEntries(t *testing.T) {
	entries := []ledger.Entry{
		{AccountID: alice, Amount: -400, CreatedAt: march(2, 0), Cancelled: true},
		{AccountID: alice, Amount: 500, CreatedAt: march(2, 0), Cancelled: true},
		{AccountID: alice, Amount: -30, CreatedAt: march(3, 0)},
		{AccountID: alice, Amount: 9, CreatedAt: march(4, 0)},
	}

	s := ledger.Summarize(alice, entries, 100, time.March, 2025)

	assert.Equal(t, 70, s.PlanRemaining)
	assert.Equal(t, 9, s.BankedCredits)
	assert.Equal(t, 0, s.MonthlyOverflow)
	assert.Equal(t, 79, s.Available)
}

// =============================================================================
// CLOCK / FILTER
// =============================================================================

func TestMonthRange_LeapFebruary(t *testing.T) {
	from, to := ledger.MonthRange(time.February, 2024)

	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, 29, to.Day())
	assert.Equal(t, time.March, to.Add(time.Nanosecond).Month())
}

func TestManualClock_Advance(t *testing.T) {
	clock := ledger.NewManualClock(march(1, 0))

	got := clock.Advance(90 * time.Minute)

	assert.Equal(t, march(1, 0).Add(90*time.Minute), got)
	assert.Equal(t, got, clock.Now())
}

func TestEntryFilter_Match(t *testing.T) {
	visit := ledger.VisitID("v-1")
	e := ledger.Entry{AccountID: alice, VisitID: visit, Amount: -10, CreatedAt: march(15, 0)}

	assert.True(t, ledger.Active(ledger.Debits).Match(e))
	assert.False(t, ledger.Active(ledger.Credits).Match(e))
	assert.True(t, ledger.Active(ledger.AnySign).Between(ledger.MonthRange(time.March, 2025)).Match(e))
	assert.False(t, ledger.Active(ledger.AnySign).Between(ledger.MonthRange(time.April, 2025)).Match(e))
	assert.True(t, ledger.EntryFilter{VisitID: &visit}.Match(e))

	e.Cancelled = true
	assert.False(t, ledger.Active(ledger.Debits).Match(e))
	assert.True(t, ledger.EntryFilter{}.Match(e))
}

// =============================================================================
// FAKES
// =============================================================================

type failingStore struct{ err error }

func (f failingStore) AppendEntry(context.Context, ledger.Entry) error { return f.err }

func (f failingStore) QueryEntries(context.Context, ledger.AccountID, ledger.EntryFilter) ([]ledger.Entry, error) {
	return nil, f.err
}

func (f failingStore) CancelEntriesForVisit(context.Context, ledger.VisitID) (int, error) {
	return 0, f.err
}
