/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with members,
	visits and fulfillments so the API can be explored without typing
	every request by hand.

AVAILABLE SCENARIOS:

	empty:        Wipe everything
	marketplace:  Three members, open visits, one already claimed
	overbooked:   A member who has spent the whole month's plan

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register accounts through visits.Service
 3. Schedule and accept visits through the same service calls the API
    uses, so every ledger entry is real

Visits are placed relative to the service clock. Completion cannot be
seeded because a visit has to be in the future when it is scheduled.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "marketplace"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "empty",
		Name:        "Empty",
		Description: "No members, no visits",
	},
	{
		ID:          "marketplace",
		Name:        "Marketplace",
		Description: "Alice and Bob have open visits; Carol has claimed one of Alice's",
	},
	{
		ID:          "overbooked",
		Name:        "Overbooked",
		Description: "Dana has scheduled her whole 60-minute plan and cannot book more",
	},
}

type scenarioLoader func(ctx context.Context, svc *visits.Service) (map[string]string, error)

var scenarioLoaders = map[string]scenarioLoader{
	"empty":       func(context.Context, *visits.Service) (map[string]string, error) { return map[string]string{}, nil },
	"marketplace": loadMarketplaceScenario,
	"overbooked":  loadOverbookedScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}

	accounts, err := load(r.Context(), h.Service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.setScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: req.ScenarioID, Accounts: accounts})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Service.Store.(Resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Service.Store)
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}
	h.setScenario("")
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadMarketplaceScenario(ctx context.Context, svc *visits.Service) (map[string]string, error) {
	members, err := registerMembers(ctx, svc, map[string]int{"alice": 300, "bob": 300, "carol": 120})
	if err != nil {
		return nil, err
	}

	day := startOfTomorrow(svc.Clock.Now())
	plan := []struct {
		requester   string
		at          time.Time
		minutes     int
		description string
	}{
		{"alice", day.Add(10 * time.Hour), 60, "Grocery run"},
		{"alice", day.Add(3*24*time.Hour + 14*time.Hour), 90, "Garden weeding"},
		{"bob", day.Add(24*time.Hour + 9*time.Hour), 30, "Help setting up a new phone"},
	}

	var first *visits.Visit
	for _, p := range plan {
		v, err := svc.CreateVisit(ctx, members[p.requester], p.at, p.minutes, p.description)
		if err != nil {
			return nil, fmt.Errorf("schedule %q for %s: %w", p.description, p.requester, err)
		}
		if first == nil {
			first = v
		}
	}

	if _, err := svc.AcceptRequestedVisit(ctx, members["carol"], first.ID); err != nil {
		return nil, fmt.Errorf("carol accepts %q: %w", first.Description, err)
	}

	return toNames(members), nil
}

func loadOverbookedScenario(ctx context.Context, svc *visits.Service) (map[string]string, error) {
	members, err := registerMembers(ctx, svc, map[string]int{"dana": 60})
	if err != nil {
		return nil, err
	}

	// Book inside the current month so the whole plan is spent against it.
	now := svc.Clock.Now()
	at := now.Add(time.Hour)
	if at.Month() != now.Month() {
		at = now.Add(time.Minute)
	}
	if _, err := svc.CreateVisit(ctx, members["dana"], at, 60, "Weekly check-in call"); err != nil {
		return nil, fmt.Errorf("schedule for dana: %w", err)
	}

	return toNames(members), nil
}

func registerMembers(ctx context.Context, svc *visits.Service, plans map[string]int) (map[string]ledger.AccountID, error) {
	members := make(map[string]ledger.AccountID, len(plans))
	for name, plan := range plans {
		a, err := svc.RegisterAccount(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		members[name] = a.ID
	}
	return members, nil
}

func toNames(members map[string]ledger.AccountID) map[string]string {
	out := make(map[string]string, len(members))
	for name, id := range members {
		out[name] = string(id)
	}
	return out
}

func startOfTomorrow(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
