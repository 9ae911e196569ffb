// Package memory provides an in-memory visits.TxStore.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a state with a RWMutex. WithTx holds the write lock for the
// whole unit of work, so transactions are serial.
type Memory struct {
	mu   sync.RWMutex
	data *state
}

var _ visits.TxStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{data: newState()}
}

func (m *Memory) SaveRequester(ctx context.Context, r visits.Requester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveRequester(ctx, r)
}

func (m *Memory) GetRequester(ctx context.Context, id ledger.AccountID) (*visits.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetRequester(ctx, id)
}

func (m *Memory) SaveProvider(ctx context.Context, p visits.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveProvider(ctx, p)
}

func (m *Memory) GetProvider(ctx context.Context, id ledger.AccountID) (*visits.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetProvider(ctx, id)
}

func (m *Memory) CreateVisit(ctx context.Context, v visits.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateVisit(ctx, v)
}

func (m *Memory) GetVisit(ctx context.Context, id ledger.VisitID) (*visits.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetVisit(ctx, id)
}

func (m *Memory) CancelVisit(ctx context.Context, id ledger.VisitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CancelVisit(ctx, id)
}

func (m *Memory) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListVisits(ctx, filter)
}

func (m *Memory) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateFulfillment(ctx, f)
}

func (m *Memory) GetFulfillment(ctx context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetFulfillment(ctx, id)
}

func (m *Memory) UpdateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateFulfillment(ctx, f)
}

func (m *Memory) ActiveFulfillment(ctx context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ActiveFulfillment(ctx, visit)
}

func (m *Memory) CancelFulfillmentsForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CancelFulfillmentsForVisit(ctx, visit)
}

func (m *Memory) ListFulfillments(ctx context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListFulfillments(ctx, filter)
}

func (m *Memory) AppendEntry(ctx context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendEntry(ctx, e)
}

func (m *Memory) QueryEntries(ctx context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.QueryEntries(ctx, account, filter)
}

func (m *Memory) CancelEntriesForVisit(ctx context.Context, visit ledger.VisitID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CancelEntriesForVisit(ctx, visit)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(visits.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newState()
	return nil
}

// =============================================================================
// STATE - Unlocked storage shared by Memory and its transactions
// =============================================================================

type state struct {
	requesters   map[ledger.AccountID]visits.Requester
	providers    map[ledger.AccountID]visits.Provider
	visits       map[ledger.VisitID]visits.Visit
	fulfillments map[visits.FulfillmentID]visits.Fulfillment
	entries      []ledger.Entry
}

var _ visits.Store = (*state)(nil)

func newState() *state {
	return &state{
		requesters:   make(map[ledger.AccountID]visits.Requester),
		providers:    make(map[ledger.AccountID]visits.Provider),
		visits:       make(map[ledger.VisitID]visits.Visit),
		fulfillments: make(map[visits.FulfillmentID]visits.Fulfillment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.requesters {
		c.requesters[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.visits {
		c.visits[k] = v
	}
	for k, v := range s.fulfillments {
		c.fulfillments[k] = v
	}
	c.entries = append([]ledger.Entry(nil), s.entries...)
	return c
}

func (s *state) SaveRequester(_ context.Context, r visits.Requester) error {
	if _, ok := s.requesters[r.AccountID]; ok {
		return visits.ErrConflict
	}
	s.requesters[r.AccountID] = r
	return nil
}

func (s *state) GetRequester(_ context.Context, id ledger.AccountID) (*visits.Requester, error) {
	r, ok := s.requesters[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) SaveProvider(_ context.Context, p visits.Provider) error {
	s.providers[p.AccountID] = p
	return nil
}

func (s *state) GetProvider(_ context.Context, id ledger.AccountID) (*visits.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) CreateVisit(_ context.Context, v visits.Visit) error {
	if _, exists := s.visits[v.ID]; exists {
		return visits.ErrConflict
	}
	s.visits[v.ID] = v
	return nil
}

func (s *state) GetVisit(_ context.Context, id ledger.VisitID) (*visits.Visit, error) {
	v, ok := s.visits[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *state) CancelVisit(_ context.Context, id ledger.VisitID) error {
	v, ok := s.visits[id]
	if !ok {
		return nil
	}
	v.Cancelled = true
	s.visits[id] = v
	return nil
}

func (s *state) ListVisits(ctx context.Context, filter visits.VisitFilter) ([]visits.Visit, error) {
	var result []visits.Visit
	for _, v := range s.visits {
		if v.Cancelled && !filter.IncludeCancelled {
			continue
		}
		if filter.RequesterID != nil && v.RequesterID != *filter.RequesterID {
			continue
		}
		if filter.ExcludeRequester != nil && v.RequesterID == *filter.ExcludeRequester {
			continue
		}
		if filter.StartsAfter != nil && !v.When.After(*filter.StartsAfter) {
			continue
		}
		if filter.Unscheduled {
			if active, _ := s.ActiveFulfillment(ctx, v.ID); active != nil {
				continue
			}
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].When.Equal(result[j].When) {
			return result[i].ID < result[j].ID
		}
		return result[i].When.Before(result[j].When)
	})
	return result, nil
}

// CreateFulfillment enforces at most one active fulfillment per visit.
func (s *state) CreateFulfillment(ctx context.Context, f visits.Fulfillment) error {
	if _, exists := s.fulfillments[f.ID]; exists {
		return visits.ErrConflict
	}
	if !f.Cancelled {
		if active, _ := s.ActiveFulfillment(ctx, f.VisitID); active != nil {
			return visits.ErrConflict
		}
	}
	s.fulfillments[f.ID] = f
	return nil
}

func (s *state) GetFulfillment(_ context.Context, id visits.FulfillmentID) (*visits.Fulfillment, error) {
	f, ok := s.fulfillments[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *state) UpdateFulfillment(_ context.Context, f visits.Fulfillment) error {
	existing, ok := s.fulfillments[f.ID]
	if !ok {
		return nil
	}
	existing.Completed = f.Completed
	existing.Cancelled = f.Cancelled
	s.fulfillments[f.ID] = existing
	return nil
}

func (s *state) ActiveFulfillment(_ context.Context, visit ledger.VisitID) (*visits.Fulfillment, error) {
	for _, f := range s.fulfillments {
		if f.VisitID == visit && f.Active() {
			found := f
			return &found, nil
		}
	}
	return nil, nil
}

func (s *state) CancelFulfillmentsForVisit(_ context.Context, visit ledger.VisitID) (int, error) {
	n := 0
	for id, f := range s.fulfillments {
		if f.VisitID == visit && !f.Cancelled {
			f.Cancelled = true
			s.fulfillments[id] = f
			n++
		}
	}
	return n, nil
}

func (s *state) ListFulfillments(_ context.Context, filter visits.FulfillmentFilter) ([]visits.Fulfillment, error) {
	var result []visits.Fulfillment
	for _, f := range s.fulfillments {
		if filter.ProviderID != nil && f.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.VisitID != nil && f.VisitID != *filter.VisitID {
			continue
		}
		if filter.OpenOnly && !f.Open() {
			continue
		}
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendEntry keeps entries ordered by CreatedAt; equal instants keep
// insertion order.
func (s *state) AppendEntry(_ context.Context, e ledger.Entry) error {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].CreatedAt.After(e.CreatedAt)
	})
	s.entries = append(s.entries, ledger.Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return nil
}

func (s *state) QueryEntries(_ context.Context, account ledger.AccountID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range s.entries {
		if e.AccountID == account && filter.Match(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *state) CancelEntriesForVisit(_ context.Context, visit ledger.VisitID) (int, error) {
	n := 0
	for i := range s.entries {
		if s.entries[i].VisitID == visit && !s.entries[i].Cancelled {
			s.entries[i].Cancelled = true
			n++
		}
	}
	return n, nil
}
