/*
Package postgres provides a PostgreSQL-backed implementation of visits.TxStore.

PURPOSE:
  The multi-process deployment target. Several server instances may share
  one database; correctness comes from the database, not from a mutex.

CONCURRENCY:
  - WithTx runs at SERIALIZABLE isolation. Two transactions that both read
    "no active fulfillment" and then insert one cannot both commit.
  - idx_fulfillments_one_active (UNIQUE(visit_id) WHERE NOT cancelled)
    backs that up at the row level.
  - A serialization failure (40001) or deadlock (40P01) reruns the unit
    of work, up to maxTxAttempts times. A unique violation (23505) is
    returned as visits.ErrConflict without retry.

SCHEMA:
  Managed by goose; see migrations/ and RunMigrations. New does not
  migrate.

SEE ALSO:
  - visits/store.go: Interface definitions
  - store/sqlite: Single-file implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

const maxTxAttempts = 3

// Store implements visits.TxStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ visits.TxStore = (*Store)(nil)

// New connects to the database at connString and pings it.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset truncates every table. Dev and demo use only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		"TRUNCATE ledger_entries, fulfillments, visits, providers, requesters RESTART IDENTITY")
	return err
}

// WithTx executes fn in a serializable transaction, retrying serialization
// failures.
func (s *Store) WithTx(ctx context.Context, fn func(visits.Store) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.withTx(ctx, fn)
		if !isSerializationFailure(err) {
			return classify(err)
		}
	}
	return classify(err)
}

func (s *Store) withTx(ctx context.Context, fn func(visits.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(conn{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// =============================================================================
// NON-TRANSACTIONAL ACCESS
// =============================================================================
// Every visits.Store method outside WithTx runs directly on the pool.

func (s *Store) conn() conn { return conn{q: s.pool} }

func (s *Store) SaveRequester(ctx context.Context, r visits.Requester) error {
	return s.conn().SaveRequester(ctx, r)
}

func (s *Store) GetRequester(ctx context.Context, id ledger.AccountID) (*visits.Requester, error) {
	return s.conn().GetRequester(ctx, id)
}

func (s *Store) SaveProvider(ctx context.Context, p visits.Provider) error {
	return s.conn().SaveProvider(ctx, p)
}

func (s *Store) GetProvider(ctx context.Context, id ledger.AccountID) (*visits.Provider, error) {
	return s.conn().GetProvider(ctx, id)
}

func (s *Store) CreateVisit(ctx context.Context, v visits.Visit) error {
	return s.conn().CreateVisit(ctx, v)
}

func (s *Store) GetVisit(ctx context.Context, id ledger.VisitID) (*visits.Visit, error) {
	return s.conn().GetVisit(ctx, id)
}

func (s *Store) CancelVisit(ctx context.Context, id ledger.VisitID) error {
	return s.conn().CancelVisit(ctx, id)
}

func (s *Store) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	return s.conn().ListVisits(ctx, filter)
}

func (s *Store) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	return s.conn().CreateFulfillment(ctx, f)
}

func (s *Store) GetFulfillment(ctx context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	return s.conn().GetFulfillment(ctx, id)
}

func (s *Store) UpdateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	return s.conn().UpdateFulfillment(ctx, f)
}

func (s *Store) ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	return s.conn().ActiveFulfillment(ctx, visit)
}

func (s *Store) CancelFulfillmentsForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	return s.conn().CancelFulfillmentsForVisit(ctx, visit)
}

func (s *Store) ListFulfillments(ctx context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	return s.conn().ListFulfillments(ctx, filter)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return s.conn().AppendEntry(ctx, e)
}

func (s *Store) QueryEntries(ctx context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	return s.conn().QueryEntries(ctx, account, filter)
}

func (s *Store) CancelEntriesForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	return s.conn().CancelEntriesForVisit(ctx, visit)
}

// =============================================================================
// CONN - Queries shared by the pool and transactions
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier
}

var _ visits.Store = conn{}

func (c conn) SaveRequester(ctx context.Context, r visits.Requester) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO requesters (account_id, plan_minutes, created_at)
		VALUES ($1, $2, $3)`,
		string(r.AccountID), r.PlanMinutes, r.CreatedAt)
	return classify(err)
}

func (c conn) GetRequester(ctx context.Context, id ledger.AccountID) (*visits.Requester, error) {
	var (
		r         visits.Requester
		accountID string
	)
	err := c.q.QueryRow(ctx,
		"SELECT account_id, plan_minutes, created_at FROM requesters WHERE account_id = $1", string(id),
	).Scan(&accountID, &r.PlanMinutes, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.AccountID = ledger.AccountID(accountID)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (c conn) SaveProvider(ctx context.Context, p visits.Provider) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO providers (account_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING`,
		string(p.AccountID), p.CreatedAt)
	return classify(err)
}

func (c conn) GetProvider(ctx context.Context, id ledger.AccountID) (*visits.Provider, error) {
	var (
		p         visits.Provider
		accountID string
	)
	err := c.q.QueryRow(ctx,
		"SELECT account_id, created_at FROM providers WHERE account_id = $1", string(id),
	).Scan(&accountID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.AccountID = ledger.AccountID(accountID)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (c conn) CreateVisit(ctx context.Context, v visits.Visit) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO visits (id, requester_id, starts_at, minutes, description, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(v.ID), string(v.RequesterID), v.When, v.Minutes, v.Description, v.Cancelled, v.CreatedAt)
	return classify(err)
}

const visitColumns = "v.id, v.requester_id, v.starts_at, v.minutes, v.description, v.cancelled, v.created_at"

func (c conn) GetVisit(ctx context.Context, id ledger.VisitID) (*visits.Visit, error) {
	rows, err := c.q.Query(ctx, "SELECT "+visitColumns+" FROM visits v WHERE v.id = $1", string(id))
	if err != nil {
		return nil, err
	}
	list, err := scanVisits(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c conn) CancelVisit(ctx context.Context, id ledger.VisitID) error {
	_, err := c.q.Exec(ctx, "UPDATE visits SET cancelled = TRUE WHERE id = $1", string(id))
	return err
}

func (c conn) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	var w where
	if !filter.IncludeCancelled {
		w.add("NOT v.cancelled")
	}
	if filter.RequesterID != nil {
		w.add("v.requester_id = $%d", string(*filter.RequesterID))
	}
	if filter.ExcludeRequester != nil {
		w.add("v.requester_id <> $%d", string(*filter.ExcludeRequester))
	}
	if filter.StartsAfter != nil {
		w.add("v.starts_at > $%d", *filter.StartsAfter)
	}
	if filter.Unscheduled {
		w.add("NOT EXISTS (SELECT 1 FROM fulfillments f WHERE f.visit_id = v.id AND NOT f.cancelled)")
	}

	rows, err := c.q.Query(ctx,
		"SELECT "+visitColumns+" FROM visits v"+w.String()+" ORDER BY v.starts_at ASC, v.id ASC",
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	return scanVisits(rows)
}

func scanVisits(rows pgx.Rows) ([]visits.Visit, error) {
	defer rows.Close()

	var result []visits.Visit
	for rows.Next() {
		var (
			v               visits.Visit
			id, requesterID string
		)
		if err := rows.Scan(&id, &requesterID, &v.When, &v.Minutes, &v.Description, &v.Cancelled, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		v.ID = ledger.VisitID(id)
		v.RequesterID = ledger.AccountID(requesterID)
		v.When = v.When.UTC()
		v.CreatedAt = v.CreatedAt.UTC()
		result = append(result, v)
	}
	return result, rows.Err()
}

func (c conn) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO fulfillments (id, provider_id, visit_id, completed, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(f.ID), string(f.ProviderID), string(f.VisitID), f.Completed, f.Cancelled, f.CreatedAt)
	return classify(err)
}

const fulfillmentColumns = "id, provider_id, visit_id, completed, cancelled, created_at"

func (c conn) GetFulfillment(ctx context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	rows, err := c.q.Query(ctx, "SELECT "+fulfillmentColumns+" FROM fulfillments WHERE id = $1", string(id))
	if err != nil {
		return nil, err
	}
	list, err := scanFulfillments(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c conn) UpdateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	_, err := c.q.Exec(ctx,
		"UPDATE fulfillments SET completed = $1, cancelled = $2 WHERE id = $3",
		f.Completed, f.Cancelled, string(f.ID))
	return classify(err)
}

func (c conn) ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	rows, err := c.q.Query(ctx,
		"SELECT "+fulfillmentColumns+" FROM fulfillments WHERE visit_id = $1 AND NOT cancelled", string(visit))
	if err != nil {
		return nil, err
	}
	list, err := scanFulfillments(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c conn) CancelFulfillmentsForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	tag, err := c.q.Exec(ctx,
		"UPDATE fulfillments SET cancelled = TRUE WHERE visit_id = $1 AND NOT cancelled", string(visit))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (c conn) ListFulfillments(ctx context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	var w where
	if filter.ProviderID != nil {
		w.add("provider_id = $%d", string(*filter.ProviderID))
	}
	if filter.VisitID != nil {
		w.add("visit_id = $%d", string(*filter.VisitID))
	}
	if filter.OpenOnly {
		w.add("NOT completed AND NOT cancelled")
	}

	rows, err := c.q.Query(ctx,
		"SELECT "+fulfillmentColumns+" FROM fulfillments"+w.String()+" ORDER BY created_at ASC, id ASC",
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fulfillments: %w", err)
	}
	return scanFulfillments(rows)
}

func scanFulfillments(rows pgx.Rows) ([]visits.Fulfillment, error) {
	defer rows.Close()

	var result []visits.Fulfillment
	for rows.Next() {
		var (
			f                       visits.Fulfillment
			id, providerID, visitID string
		)
		if err := rows.Scan(&id, &providerID, &visitID, &f.Completed, &f.Cancelled, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fulfillment: %w", err)
		}
		f.ID = visits.FulfillmentID(id)
		f.ProviderID = ledger.AccountID(providerID)
		f.VisitID = ledger.VisitID(visitID)
		f.CreatedAt = f.CreatedAt.UTC()
		result = append(result, f)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER ENTRIES (ledger.EntryStore interface)
// =============================================================================

func (c conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	var visitID *string
	if e.VisitID != "" {
		v := string(e.VisitID)
		visitID = &v
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, visit_id, amount, reason, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.ID), string(e.AccountID), visitID, e.Amount, string(e.Reason), e.Cancelled, e.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (c conn) QueryEntries(ctx context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var w where
	w.add("account_id = $%d", string(account))
	if filter.Cancelled != nil {
		w.add("cancelled = $%d", *filter.Cancelled)
	}
	switch filter.Sign {
	case ledger.Debits:
		w.add("amount < 0")
	case ledger.Credits:
		w.add("amount > 0")
	}
	if filter.From != nil {
		w.add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		w.add("created_at <= $%d", *filter.To)
	}
	if filter.VisitID != nil {
		w.add("visit_id = $%d", string(*filter.VisitID))
	}

	rows, err := c.q.Query(ctx, `
		SELECT id, account_id, visit_id, amount, reason, cancelled, created_at
		FROM ledger_entries`+w.String()+`
		ORDER BY created_at ASC, seq ASC`,
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e                     ledger.Entry
			id, accountID, reason string
			visitID               *string
		)
		if err := rows.Scan(&id, &accountID, &visitID, &e.Amount, &reason, &e.Cancelled, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.AccountID = ledger.AccountID(accountID)
		e.Reason = ledger.Reason(reason)
		if visitID != nil {
			e.VisitID = ledger.VisitID(*visitID)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c conn) CancelEntriesForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	tag, err := c.q.Exec(ctx,
		"UPDATE ledger_entries SET cancelled = TRUE WHERE visit_id = $1 AND NOT cancelled", string(visit))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// =============================================================================
// HELPERS
// =============================================================================

// where accumulates AND-ed predicates with positional arguments. A clause
// containing %d receives the next placeholder number.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	if len(args) > 0 {
		w.args = append(w.args, args[0])
		clause = fmt.Sprintf(clause, len(w.args))
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// classify maps unique violations and serialization failures to
// visits.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %w", visits.ErrConflict, err)
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}
