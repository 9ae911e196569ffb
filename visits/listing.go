package visits

import (
	"context"
	"sort"

	"github.com/warp/timebank/ledger"
)

// ListRequesterVisits returns the requester's non-cancelled visits, latest
// start first, each with its derived state.
func (s *Service) ListRequesterVisits(ctx context.Context, requesterID ledger.AccountID) ([]VisitView, error) {
	list, err := s.Store.ListVisits(ctx, VisitFilter{RequesterID: &requesterID})
	if err != nil {
		return nil, ledger.Storage("list visits", err)
	}

	views := make([]VisitView, 0, len(list))
	for _, v := range list {
		active, err := s.Store.ActiveFulfillment(ctx, v.ID)
		if err != nil {
			return nil, ledger.Storage("load fulfillment", err)
		}
		views = append(views, VisitView{Visit: v, State: StateOf(v, active), Fulfillment: active})
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Visit.When.After(views[j].Visit.When)
	})
	return views, nil
}

// ListOpenVisits returns visits providerID could claim right now: future,
// not cancelled, unscheduled and owned by someone else. Soonest first.
func (s *Service) ListOpenVisits(ctx context.Context, providerID ledger.AccountID) ([]VisitView, error) {
	now := s.Clock.Now()
	list, err := s.Store.ListVisits(ctx, VisitFilter{
		ExcludeRequester: &providerID,
		StartsAfter:      &now,
		Unscheduled:      true,
	})
	if err != nil {
		return nil, ledger.Storage("list visits", err)
	}

	views := make([]VisitView, 0, len(list))
	for _, v := range list {
		views = append(views, VisitView{Visit: v, State: StateUnscheduled})
	}
	return views, nil
}

// ListProviderFulfillments returns the provider's open fulfillments ordered
// by visit start.
func (s *Service) ListProviderFulfillments(ctx context.Context, providerID ledger.AccountID) ([]FulfillmentView, error) {
	list, err := s.Store.ListFulfillments(ctx, FulfillmentFilter{ProviderID: &providerID, OpenOnly: true})
	if err != nil {
		return nil, ledger.Storage("list fulfillments", err)
	}

	views := make([]FulfillmentView, 0, len(list))
	for _, f := range list {
		v, err := s.Store.GetVisit(ctx, f.VisitID)
		if err != nil {
			return nil, ledger.Storage("load visit", err)
		}
		if v == nil {
			continue
		}
		views = append(views, FulfillmentView{Fulfillment: f, Visit: *v})
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Visit.When.Before(views[j].Visit.When)
	})
	return views, nil
}
