package visits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/timebank/ledger"
)

// RegisterAccount creates a new account holding both a requester profile
// with planMinutes per month and a provider profile.
func (s *Service) RegisterAccount(ctx context.Context, planMinutes int) (*Account, error) {
	if planMinutes < 0 {
		return nil, ErrInvalidPlan
	}

	now := s.Clock.Now()
	id := ledger.AccountID(uuid.NewString())
	account := &Account{
		ID:        id,
		Requester: Requester{AccountID: id, PlanMinutes: planMinutes, CreatedAt: now},
		Provider:  Provider{AccountID: id, CreatedAt: now},
	}

	err := s.atomically(ctx, func(st Store, _ *ledger.Engine) error {
		if err := st.SaveRequester(ctx, account.Requester); err != nil {
			return fmt.Errorf("failed to save requester: %w", err)
		}
		if err := st.SaveProvider(ctx, account.Provider); err != nil {
			return fmt.Errorf("failed to save provider: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns both profiles of id.
func (s *Service) GetAccount(ctx context.Context, id ledger.AccountID) (*Account, error) {
	r, err := s.Store.GetRequester(ctx, id)
	if err != nil {
		return nil, ledger.Storage("load requester", err)
	}
	p, err := s.Store.GetProvider(ctx, id)
	if err != nil {
		return nil, ledger.Storage("load provider", err)
	}
	if r == nil || p == nil {
		return nil, accountNotFound(id)
	}
	return &Account{ID: id, Requester: *r, Provider: *p}, nil
}

// Balance returns the availability breakdown for the account in the given
// month.
func (s *Service) Balance(ctx context.Context, id ledger.AccountID, month time.Month, year int) (ledger.Summary, error) {
	r, err := s.Store.GetRequester(ctx, id)
	if err != nil {
		return ledger.Summary{}, ledger.Storage("load requester", err)
	}
	if r == nil {
		return ledger.Summary{}, accountNotFound(id)
	}
	return s.Ledger().Summary(ctx, id, r.PlanMinutes, month, year)
}

// CurrentBalance is Balance for the month containing now.
func (s *Service) CurrentBalance(ctx context.Context, id ledger.AccountID) (ledger.Summary, error) {
	now := s.Clock.Now()
	return s.Balance(ctx, id, now.Month(), now.Year())
}

// Entries returns the account's ledger history, oldest first.
func (s *Service) Entries(ctx context.Context, id ledger.AccountID) ([]ledger.Entry, error) {
	return s.Ledger().Entries(ctx, id, ledger.EntryFilter{})
}
