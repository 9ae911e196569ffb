package visits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/store/memory"
	"github.com/warp/timebank/store/sqlite"
	"github.com/warp/timebank/visits"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// testNow is a Monday in the middle of March, far from any month boundary.
var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store visits.TxStore
	clock *ledger.ManualClock
	svc   *visits.Service
}

// forEachStore runs fn once per gateway implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	stores := map[string]func(t *testing.T) visits.TxStore{
		"memory": func(t *testing.T) visits.TxStore { return memory.New() },
		"sqlite": func(t *testing.T) visits.TxStore {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, open(t)))
		})
	}
}

func newFixture(t *testing.T, store visits.TxStore) *fixture {
	clock := ledger.NewManualClock(testNow)
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		clock: clock,
		svc:   visits.NewService(store, clock),
	}
}

func (f *fixture) register(plan int) ledger.AccountID {
	f.t.Helper()
	a, err := f.svc.RegisterAccount(f.ctx, plan)
	require.NoError(f.t, err)
	return a.ID
}

func (f *fixture) schedule(requester ledger.AccountID, in time.Duration, minutes int) *visits.Visit {
	f.t.Helper()
	v, err := f.svc.CreateVisit(f.ctx, requester, f.clock.Now().Add(in), minutes, "test visit")
	require.NoError(f.t, err)
	return v
}

func (f *fixture) accept(provider ledger.AccountID, visit ledger.VisitID) *visits.Fulfillment {
	f.t.Helper()
	ful, err := f.svc.AcceptRequestedVisit(f.ctx, provider, visit)
	require.NoError(f.t, err)
	return ful
}

// available returns the account's availability in the month of testNow.
func (f *fixture) available(id ledger.AccountID) int {
	f.t.Helper()
	s, err := f.svc.Balance(f.ctx, id, testNow.Month(), testNow.Year())
	require.NoError(f.t, err)
	return s.Available
}

func (f *fixture) entries(id ledger.AccountID) []ledger.Entry {
	f.t.Helper()
	es, err := f.svc.Entries(f.ctx, id)
	require.NoError(f.t, err)
	return es
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errLedgerOffline = errors.New("ledger offline")

// failingLedgerStore lets every write through except ledger appends made
// inside a unit of work.
type failingLedgerStore struct {
	visits.TxStore
}

func (s failingLedgerStore) WithTx(ctx context.Context, fn func(visits.Store) error) error {
	return s.TxStore.WithTx(ctx, func(st visits.Store) error {
		return fn(failingLedgerTx{st})
	})
}

type failingLedgerTx struct {
	visits.Store
}

func (failingLedgerTx) AppendEntry(context.Context, ledger.Entry) error {
	return errLedgerOffline
}
