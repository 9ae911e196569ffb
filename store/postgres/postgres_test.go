package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

var created = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// setupTestStore connects to TIMEBANK_TEST_DATABASE_URL, migrates and
// truncates. Tests are skipped when it is unset.
func setupTestStore(t *testing.T) *Store {
	dsn := os.Getenv("TIMEBANK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TIMEBANK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, dsn, "up"))

	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Reset(ctx))
	return store
}

func seed(t *testing.T, s *Store, account ledger.AccountID, visit ledger.VisitID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveRequester(ctx, visits.Requester{AccountID: account, PlanMinutes: 300, CreatedAt: created}))
	require.NoError(t, s.SaveProvider(ctx, visits.Provider{AccountID: account, CreatedAt: created}))
	require.NoError(t, s.CreateVisit(ctx, visits.Visit{
		ID: visit, RequesterID: account, When: created.Add(time.Hour), Minutes: 60, CreatedAt: created,
	}))
}

func TestClassify(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	serial := &pgconn.PgError{Code: "40001"}
	other := &pgconn.PgError{Code: "23503"}

	assert.ErrorIs(t, classify(unique), visits.ErrConflict)
	assert.ErrorIs(t, classify(unique), unique)
	assert.ErrorIs(t, classify(serial), visits.ErrConflict)
	assert.NotErrorIs(t, classify(other), visits.ErrConflict)
	assert.Nil(t, classify(nil))

	assert.True(t, isSerializationFailure(classify(serial)))
	assert.False(t, isSerializationFailure(unique))
}

func TestWhere(t *testing.T) {
	var w where
	assert.Equal(t, "", w.String())

	w.add("account_id = $%d", "acc-1")
	w.add("cancelled = false")
	w.add("created_at >= $%d", created)

	assert.Equal(t, " WHERE account_id = $1 AND cancelled = false AND created_at >= $2", w.String())
	assert.Equal(t, []any{"acc-1", created}, w.args)
}

func TestStore_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")

	v, err := s.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.When.Equal(created.Add(time.Hour)))
	assert.Equal(t, time.UTC, v.When.Location())

	missing, err := s.GetVisit(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_RequesterPlanIsFixed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")

	err := s.SaveRequester(ctx, visits.Requester{AccountID: "acc-1", PlanMinutes: 120, CreatedAt: created})

	assert.ErrorIs(t, err, visits.ErrConflict)
	r, err := s.GetRequester(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 300, r.PlanMinutes)
}

func TestStore_SecondActiveClaimConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")
	require.NoError(t, s.SaveProvider(ctx, visits.Provider{AccountID: "acc-2", CreatedAt: created}))
	require.NoError(t, s.CreateFulfillment(ctx, visits.Fulfillment{ID: "f-1", ProviderID: "acc-2", VisitID: "v-1", CreatedAt: created}))

	err := s.CreateFulfillment(ctx, visits.Fulfillment{ID: "f-2", ProviderID: "acc-2", VisitID: "v-1", CreatedAt: created})

	assert.ErrorIs(t, err, visits.ErrConflict)
}

func TestStore_ConcurrentClaimsOneWinner(t *testing.T) {
	// GIVEN: One open visit and ten providers
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")
	svc := visits.NewService(s, ledger.NewManualClock(created))

	providers := make([]ledger.AccountID, 10)
	for i := range providers {
		a, err := svc.RegisterAccount(ctx, 0)
		require.NoError(t, err)
		providers[i] = a.ID
	}

	// WHEN: They all claim at once
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AcceptRequestedVisit(ctx, p, "v-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.True(t, errors.Is(err, visits.ErrAlreadyScheduled), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	// THEN
	assert.Equal(t, 1, wins)
}

func TestStore_WithTxRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx visits.Store) error {
		if err := tx.CancelVisit(ctx, "v-1"); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	v, err := s.GetVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.False(t, v.Cancelled)
}

func TestStore_QueryEntriesOrderAndCancel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "acc-1", "v-1")
	for _, e := range []ledger.Entry{
		{ID: "e-2", AccountID: "acc-1", VisitID: "v-1", Amount: -60, Reason: ledger.ReasonScheduled, CreatedAt: created.Add(time.Minute)},
		{ID: "e-1", AccountID: "acc-1", Amount: 26, Reason: ledger.ReasonFulfilled, CreatedAt: created},
	} {
		require.NoError(t, s.AppendEntry(ctx, e))
	}

	n, err := s.CancelEntriesForVisit(ctx, "v-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.QueryEntries(ctx, "acc-1", ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.EntryID("e-1"), all[0].ID)
	assert.True(t, all[1].Cancelled)

	active, err := s.QueryEntries(ctx, "acc-1", ledger.Active(ledger.Debits))
	require.NoError(t, err)
	assert.Empty(t, active)
}
