/*
Package sqlite provides a SQLite-backed implementation of visits.TxStore.

PURPOSE:
  Persists accounts, visits, fulfillments and ledger entries in one SQLite
  database so that a visit and its ledger side effect commit together.

KEY TABLES:
  requesters:     One row per account that can book visits (plan_minutes)
  providers:      One row per account that can fulfill visits
  visits:         Requested slots, soft-cancelled via the cancelled flag
  fulfillments:   Provider claims, soft-cancelled/completed via flags
  ledger_entries: Append-only minutes ledger

INDEXES:
  - idx_fulfillments_one_active: UNIQUE(visit_id) WHERE cancelled = 0.
    This is the storage-level guard for "at most one active fulfillment
    per visit"; a second concurrent claim fails with ErrConflict.
  - idx_ledger_account_created: availability queries (hot path)
  - idx_ledger_visit: cascade on visit cancellation

APPEND-ONLY ENFORCEMENT:
  ledger_entries has no DELETE path. The only UPDATE sets cancelled = 1.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so a
  transaction opened by WithTx is serial with every other writer.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexicographic order is time order.

USAGE:
  store, err := sqlite.New("./data/timebank.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := visits.NewService(store, ledger.SystemClock{})

SEE ALSO:
  - visits/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements visits.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ visits.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requesters (
		account_id TEXT PRIMARY KEY,
		plan_minutes INTEGER NOT NULL CHECK (plan_minutes >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		account_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL REFERENCES requesters(account_id),
		starts_at TEXT NOT NULL,
		minutes INTEGER NOT NULL CHECK (minutes > 0),
		description TEXT NOT NULL DEFAULT '',
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visits_requester
		ON visits(requester_id, starts_at);
	CREATE INDEX IF NOT EXISTS idx_visits_starts_at
		ON visits(starts_at) WHERE cancelled = 0;

	CREATE TABLE IF NOT EXISTS fulfillments (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES providers(account_id),
		visit_id TEXT NOT NULL REFERENCES visits(id),
		completed INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active (non-cancelled) fulfillment per visit
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fulfillments_one_active
		ON fulfillments(visit_id) WHERE cancelled = 0;

	CREATE INDEX IF NOT EXISTS idx_fulfillments_provider
		ON fulfillments(provider_id, created_at);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		visit_id TEXT REFERENCES visits(id),
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account_created
		ON ledger_entries(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_visit
		ON ledger_entries(visit_id) WHERE visit_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ACCESS (visits.Store interface)
// =============================================================================

// conn returns the unlocked view over the shared connection. Callers hold mu.
func (s *Store) conn() conn { return conn{q: s.db} }

func (s *Store) SaveRequester(ctx context.Context, r visits.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveRequester(ctx, r)
}

func (s *Store) GetRequester(ctx context.Context, id ledger.AccountID) (*visits.Requester, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetRequester(ctx, id)
}

func (s *Store) SaveProvider(ctx context.Context, p visits.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveProvider(ctx, p)
}

func (s *Store) GetProvider(ctx context.Context, id ledger.AccountID) (*visits.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetProvider(ctx, id)
}

func (s *Store) CreateVisit(ctx context.Context, v visits.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreateVisit(ctx, v)
}

func (s *Store) GetVisit(ctx context.Context, id ledger.VisitID) (*visits.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetVisit(ctx, id)
}

func (s *Store) CancelVisit(ctx context.Context, id ledger.VisitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CancelVisit(ctx, id)
}

func (s *Store) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListVisits(ctx, filter)
}

func (s *Store) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CreateFulfillment(ctx, f)
}

func (s *Store) GetFulfillment(ctx context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetFulfillment(ctx, id)
}

func (s *Store) UpdateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateFulfillment(ctx, f)
}

func (s *Store) ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ActiveFulfillment(ctx, visit)
}

func (s *Store) CancelFulfillmentsForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CancelFulfillmentsForVisit(ctx, visit)
}

func (s *Store) ListFulfillments(ctx context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ListFulfillments(ctx, filter)
}

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().AppendEntry(ctx, e)
}

func (s *Store) QueryEntries(ctx context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().QueryEntries(ctx, account, filter)
}

func (s *Store) CancelEntriesForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().CancelEntriesForVisit(ctx, visit)
}

// =============================================================================
// TRANSACTIONAL STORE (visits.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(visits.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Reset deletes every row. Dev and demo use only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_entries", "fulfillments", "visits", "providers", "requesters"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// CONN - Unlocked queries shared by Store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

var _ visits.Store = conn{}

func (c conn) SaveRequester(ctx context.Context, r visits.Requester) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO requesters (account_id, plan_minutes, created_at)
		VALUES (?, ?, ?)
	`, r.AccountID, r.PlanMinutes, formatTime(r.CreatedAt))
	return classify(err)
}

func (c conn) GetRequester(ctx context.Context, id ledger.AccountID) (*visits.Requester, error) {
	var (
		r         visits.Requester
		createdAt string
	)
	err := c.q.QueryRowContext(ctx,
		"SELECT account_id, plan_minutes, created_at FROM requesters WHERE account_id = ?", id,
	).Scan(&r.AccountID, &r.PlanMinutes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (c conn) SaveProvider(ctx context.Context, p visits.Provider) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO providers (account_id, created_at)
		VALUES (?, ?)
		ON CONFLICT(account_id) DO NOTHING
	`, p.AccountID, formatTime(p.CreatedAt))
	return classify(err)
}

func (c conn) GetProvider(ctx context.Context, id ledger.AccountID) (*visits.Provider, error) {
	var (
		p         visits.Provider
		createdAt string
	)
	err := c.q.QueryRowContext(ctx,
		"SELECT account_id, created_at FROM providers WHERE account_id = ?", id,
	).Scan(&p.AccountID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (c conn) CreateVisit(ctx context.Context, v visits.Visit) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO visits (id, requester_id, starts_at, minutes, description, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.RequesterID, formatTime(v.When), v.Minutes, v.Description, v.Cancelled, formatTime(v.CreatedAt))
	return classify(err)
}

const visitColumns = "id, requester_id, starts_at, minutes, description, cancelled, created_at"

func (c conn) GetVisit(ctx context.Context, id ledger.VisitID) (*visits.Visit, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+visitColumns+" FROM visits WHERE id = ?", id)
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
	_, err := c.q.ExecContext(ctx, "UPDATE visits SET cancelled = 1 WHERE id = ?", id)
	return err
}

func (c conn) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeCancelled {
		where = append(where, "v.cancelled = 0")
	}
	if filter.RequesterID != nil {
		where = append(where, "v.requester_id = ?")
		args = append(args, *filter.RequesterID)
	}
	if filter.ExcludeRequester != nil {
		where = append(where, "v.requester_id <> ?")
		args = append(args, *filter.ExcludeRequester)
	}
	if filter.StartsAfter != nil {
		where = append(where, "v.starts_at > ?")
		args = append(args, formatTime(*filter.StartsAfter))
	}
	if filter.Unscheduled {
		where = append(where, "NOT EXISTS (SELECT 1 FROM fulfillments f WHERE f.visit_id = v.id AND f.cancelled = 0)")
	}

	query := "SELECT v.id, v.requester_id, v.starts_at, v.minutes, v.description, v.cancelled, v.created_at FROM visits v"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY v.starts_at ASC, v.id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	return scanVisits(rows)
}

func scanVisits(rows *sql.Rows) ([]visits.Visit, error) {
	defer rows.Close()

	var result []visits.Visit
	for rows.Next() {
		var (
			v                 visits.Visit
			startsAt, created string
		)
		if err := rows.Scan(&v.ID, &v.RequesterID, &startsAt, &v.Minutes, &v.Description, &v.Cancelled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		v.When = parseTime(startsAt)
		v.CreatedAt = parseTime(created)
		result = append(result, v)
	}
	return result, rows.Err()
}

func (c conn) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO fulfillments (id, provider_id, visit_id, completed, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.ProviderID, f.VisitID, f.Completed, f.Cancelled, formatTime(f.CreatedAt))
	return classify(err)
}

const fulfillmentColumns = "id, provider_id, visit_id, completed, cancelled, created_at"

func (c conn) GetFulfillment(ctx context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+fulfillmentColumns+" FROM fulfillments WHERE id = ?", id)
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
	_, err := c.q.ExecContext(ctx,
		"UPDATE fulfillments SET completed = ?, cancelled = ? WHERE id = ?",
		f.Completed, f.Cancelled, f.ID,
	)
	return classify(err)
}

func (c conn) ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+fulfillmentColumns+" FROM fulfillments WHERE visit_id = ? AND cancelled = 0", visit)
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
	res, err := c.q.ExecContext(ctx,
		"UPDATE fulfillments SET cancelled = 1 WHERE visit_id = ? AND cancelled = 0", visit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c conn) ListFulfillments(ctx context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProviderID != nil {
		where = append(where, "provider_id = ?")
		args = append(args, *filter.ProviderID)
	}
	if filter.VisitID != nil {
		where = append(where, "visit_id = ?")
		args = append(args, *filter.VisitID)
	}
	if filter.OpenOnly {
		where = append(where, "completed = 0 AND cancelled = 0")
	}

	query := "SELECT " + fulfillmentColumns + " FROM fulfillments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fulfillments: %w", err)
	}
	return scanFulfillments(rows)
}

func scanFulfillments(rows *sql.Rows) ([]visits.Fulfillment, error) {
	defer rows.Close()

	var result []visits.Fulfillment
	for rows.Next() {
		var (
			f       visits.Fulfillment
			created string
		)
		if err := rows.Scan(&f.ID, &f.ProviderID, &f.VisitID, &f.Completed, &f.Cancelled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan fulfillment: %w", err)
		}
		f.CreatedAt = parseTime(created)
		result = append(result, f)
	}
	return result, rows.Err()
}

// =============================================================================
// LEDGER ENTRIES (ledger.EntryStore interface)
// =============================================================================

func (c conn) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, visit_id, amount, reason, cancelled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, nullString(string(e.VisitID)), e.Amount, e.Reason, e.Cancelled, formatTime(e.CreatedAt))
	if err != nil {
		return classify(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (c conn) QueryEntries(ctx context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	where := []string{"account_id = ?"}
	args := []any{account}

	if filter.Cancelled != nil {
		where = append(where, "cancelled = ?")
		args = append(args, *filter.Cancelled)
	}
	switch filter.Sign {
	case ledger.Debits:
		where = append(where, "amount < 0")
	case ledger.Credits:
		where = append(where, "amount > 0")
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if filter.VisitID != nil {
		where = append(where, "visit_id = ?")
		args = append(args, *filter.VisitID)
	}

	query := `
		SELECT id, account_id, visit_id, amount, reason, cancelled, created_at
		FROM ledger_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			visitID sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &visitID, &e.Amount, &e.Reason, &e.Cancelled, &created); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.VisitID = ledger.VisitID(visitID.String)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c conn) CancelEntriesForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	res, err := c.q.ExecContext(ctx,
		"UPDATE ledger_entries SET cancelled = 1 WHERE visit_id = ? AND cancelled = 0", visit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify maps constraint and locking failures to visits.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) || isBusyError(err) {
		return fmt.Errorf("%w: %w", visits.ErrConflict, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
