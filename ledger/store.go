/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines what the engine needs from storage. Implementations live in
  store/memory, store/sqlite and store/postgres, and each of them also
  implements the wider visits.Store gateway.

APPEND-ONLY CONTRACT:
  - AppendEntry(): the only way an entry comes into existence
  - CancelEntriesForVisit(): the only mutation, flips Cancelled to true
  - NO Delete. Ever. Cancelled entries stay for audit.

SEE ALSO:
  - engine.go: Uses EntryStore
  - visits/store.go: Full gateway including visits and fulfillments
*/
package ledger

import "context"

// EntryStore persists ledger entries.
type EntryStore interface {
	// AppendEntry persists a new entry. The entry's ID and CreatedAt are set
	// by the caller.
	AppendEntry(ctx context.Context, e Entry) error

	// QueryEntries returns the account's entries matching filter, ordered by
	// CreatedAt ascending.
	QueryEntries(ctx context.Context, account AccountID, filter EntryFilter) ([]Entry, error)

	// CancelEntriesForVisit flags every entry referencing the visit as
	// cancelled and returns how many changed. Idempotent.
	CancelEntriesForVisit(ctx context.Context, visit VisitID) (int, error)
}
