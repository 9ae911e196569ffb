package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

var created = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestWithTx_RollbackRestoresSnapshot(t *testing.T) {
	// GIVEN: A store holding one visit
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreateVisit(ctx, visits.Visit{ID: "v-1", RequesterID: "acc-1", When: created, Minutes: 30}))
	boom := errors.New("boom")

	// WHEN: A unit of work writes and then fails
	err := m.WithTx(ctx, func(tx visits.Store) error {
		require.NoError(t, tx.CancelVisit(ctx, "v-1"))
		require.NoError(t, tx.AppendEntry(ctx, ledger.Entry{ID: "e-1", AccountID: "acc-1", VisitID: "v-1", Amount: -30, CreatedAt: created}))
		return boom
	})

	// THEN: Nothing it wrote is visible
	assert.ErrorIs(t, err, boom)
	v, err := m.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, v.Cancelled)
	entries, err := m.QueryEntries(ctx, "acc-1", ledger.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateFulfillment_OneActivePerVisit(t *testing.T) {
	m := New()
	ctx := context.Background()
	first := visits.Fulfillment{ID: "f-1", ProviderID: "acc-2", VisitID: "v-1"}
	require.NoError(t, m.CreateFulfillment(ctx, first))

	assert.ErrorIs(t, m.CreateFulfillment(ctx, visits.Fulfillment{ID: "f-2", VisitID: "v-1"}), visits.ErrConflict)
	assert.ErrorIs(t, m.CreateFulfillment(ctx, first), visits.ErrConflict, "duplicate id")

	n, err := m.CancelFulfillmentsForVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, m.CreateFulfillment(ctx, visits.Fulfillment{ID: "f-3", VisitID: "v-1"}))
}

func TestAppendEntry_KeepsTimeOrder(t *testing.T) {
	m := New()
	ctx := context.Background()
	for _, e := range []ledger.Entry{
		{ID: "late", AccountID: "acc-1", Amount: -10, CreatedAt: created.Add(time.Hour)},
		{ID: "early", AccountID: "acc-1", Amount: -10, CreatedAt: created},
		{ID: "late-2", AccountID: "acc-1", Amount: -10, CreatedAt: created.Add(time.Hour)},
	} {
		require.NoError(t, m.AppendEntry(ctx, e))
	}

	got, err := m.QueryEntries(ctx, "acc-1", ledger.EntryFilter{})

	require.NoError(t, err)
	ids := []ledger.EntryID{got[0].ID, got[1].ID, got[2].ID}
	assert.Equal(t, []ledger.EntryID{"early", "late", "late-2"}, ids)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreateVisit(ctx, visits.Visit{ID: "v-1", Minutes: 30}))

	v, err := m.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	v.Minutes = 999

	again, err := m.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, 30, again.Minutes)
}

func TestReset(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SaveRequester(ctx, visits.Requester{AccountID: "acc-1", PlanMinutes: 300}))

	require.NoError(t, m.Reset(ctx))

	r, err := m.GetRequester(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSaveRequester_PlanIsFixed(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.SaveRequester(ctx, visits.Requester{AccountID: "acc-1", PlanMinutes: 300}))

	err := m.SaveRequester(ctx, visits.Requester{AccountID: "acc-1", PlanMinutes: 120})

	assert.ErrorIs(t, err, visits.ErrConflict)
	r, err := m.GetRequester(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 300, r.PlanMinutes)
}
