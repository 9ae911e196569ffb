/*
store.go - Persistence gateway for accounts, visits and fulfillments

PURPOSE:
  Everything the lifecycles read or write goes through Store. TxStore adds
  the unit of work: a visit, its fulfillments and its ledger entries
  change together or not at all.

LOOKUPS:
  Get* methods return (nil, nil) when the row does not exist. The service
  turns that into a NotFoundError with context.

CONCURRENCY CONTRACT:
  Two claims on one visit race on read-then-write. Every implementation
  must make the loser fail detectably:
  - CreateFulfillment returns ErrConflict if the visit already has an
    active fulfillment (unique index on active claims, or a check under the
    write lock for the memory store).
  - WithTx runs serializably; a serialization failure surfaces as
    ErrConflict.

IMPLEMENTATIONS:
  - store/memory:   In-memory, for tests and dev
  - store/sqlite:   SQLite via database/sql
  - store/postgres: PostgreSQL via pgx
*/
package visits

import (
	"context"
	"time"

	"github.com/warp/timebank/ledger"
)

// VisitFilter selects visits. Zero values do not filter, except that
// cancelled visits are skipped unless IncludeCancelled is set.
type VisitFilter struct {
	RequesterID      *ledger.AccountID
	ExcludeRequester *ledger.AccountID
	StartsAfter      *time.Time
	Unscheduled      bool // no active fulfillment
	IncludeCancelled bool
}

// FulfillmentFilter selects fulfillments.
type FulfillmentFilter struct {
	ProviderID *ledger.AccountID
	VisitID    *ledger.VisitID
	OpenOnly   bool // neither completed nor cancelled
}

// Store is the persistence gateway. Lists are ordered by visit start
// (visits) or creation time (fulfillments), ascending.
type Store interface {
	ledger.EntryStore

	// SaveRequester inserts a requester profile. The plan is fixed once
	// saved; a second save of the same account fails with ErrConflict.
	SaveRequester(ctx context.Context, r Requester) error
	GetRequester(ctx context.Context, id ledger.AccountID) (*Requester, error)
	SaveProvider(ctx context.Context, p Provider) error
	GetProvider(ctx context.Context, id ledger.AccountID) (*Provider, error)

	CreateVisit(ctx context.Context, v Visit) error
	GetVisit(ctx context.Context, id ledger.VisitID) (*Visit, error)
	CancelVisit(ctx context.Context, id ledger.VisitID) error
	ListVisits(ctx context.Context, filter VisitFilter) ([]Visit, error)

	// CreateFulfillment fails with ErrConflict when the visit already has a
	// non-cancelled fulfillment.
	CreateFulfillment(ctx context.Context, f Fulfillment) error
	GetFulfillment(ctx context.Context, id FulfillmentID) (*Fulfillment, error)
	// UpdateFulfillment persists the Completed and Cancelled flags.
	UpdateFulfillment(ctx context.Context, f Fulfillment) error
	ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*Fulfillment, error)
	CancelFulfillmentsForVisit(ctx context.Context, visit ledger.VisitID) (int, error)
	ListFulfillments(ctx context.Context, filter FulfillmentFilter) ([]Fulfillment, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
