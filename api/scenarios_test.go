/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the store in the advertised state:
	- Members are registered with their plans
	- Visits are scheduled and debited
	- Claims are recorded
	- Loading twice starts from a clean store
*/
package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/store/sqlite"
)

func loadScenario(t *testing.T, s *testServer, id string) LoadScenarioResponse {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[LoadScenarioResponse](t, rec)
}

func TestScenario_Marketplace(t *testing.T) {
	// GIVEN: A fresh server
	s := setupTestServer(t)

	// WHEN: Loading the marketplace scenario
	resp := loadScenario(t, s, "marketplace")

	// THEN: Three members, Alice with two visits, Carol holding one claim
	require.Len(t, resp.Accounts, 3)
	alice, bob, carol := resp.Accounts["alice"], resp.Accounts["bob"], resp.Accounts["carol"]

	assert.Equal(t, 300-60-90, s.balance(alice).Available)
	assert.Equal(t, 300-30, s.balance(bob).Available)
	assert.Equal(t, 120, s.balance(carol).Available)

	aliceVisits := decode[[]VisitDTO](t, s.do(http.MethodGet, "/api/visits", alice, nil))
	require.Len(t, aliceVisits, 2)
	states := map[string]string{}
	for _, v := range aliceVisits {
		states[v.Description] = v.State
	}
	assert.Equal(t, map[string]string{"Grocery run": "scheduled", "Garden weeding": "unscheduled"}, states)

	claims := decode[[]FulfillmentDTO](t, s.do(http.MethodGet, "/api/fulfillments", carol, nil))
	require.Len(t, claims, 1)
	assert.Equal(t, "Grocery run", claims[0].Visit.Description)

	open := decode[[]VisitDTO](t, s.do(http.MethodGet, "/api/visits/open", carol, nil))
	assert.Len(t, open, 2)

	current := s.do(http.MethodGet, "/api/scenarios/current", "", nil)
	assert.Equal(t, "marketplace", decode[ScenarioDTO](t, current).ID)
}

func TestScenario_Overbooked(t *testing.T) {
	s := setupTestServer(t)

	resp := loadScenario(t, s, "overbooked")

	dana := resp.Accounts["dana"]
	assert.Equal(t, 0, s.balance(dana).Available)

	rec := s.do(http.MethodPost, "/api/visits", dana, CreateVisitRequest{
		When: s.clock.Now().Add(2 * time.Hour).Format(time.RFC3339), Minutes: 10,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s := newTestServer(t, store, RouterOptions{})

	first := loadScenario(t, s, "marketplace")
	second := loadScenario(t, s, "marketplace")

	assert.NotEqual(t, first.Accounts["alice"], second.Accounts["alice"])
	missing := s.do(http.MethodGet, "/api/accounts/"+first.Accounts["alice"], "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	entries, err := s.handler.Service.Entries(t.Context(), ledger.AccountID(second.Accounts["alice"]))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestScenario_EmptyAndReset(t *testing.T) {
	s := setupTestServer(t)
	resp := loadScenario(t, s, "marketplace")

	rec := s.do(http.MethodPost, "/api/scenarios/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	gone := s.do(http.MethodGet, "/api/accounts/"+resp.Accounts["bob"], "", nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
	assert.Equal(t, "null\n", s.do(http.MethodGet, "/api/scenarios/current", "", nil).Body.String())

	empty := loadScenario(t, s, "empty")
	assert.Empty(t, empty.Accounts)
}

func TestScenario_Unknown(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown scenario", decode[ErrorResponse](t, rec).Error)
}

func TestListScenarios(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
	}
	assert.Equal(t, []string{"empty", "marketplace", "overbooked"}, ids)
	for _, id := range ids {
		assert.Contains(t, scenarioLoaders, id)
	}
}

func TestScenario_CurrentUnderConcurrentLoads(t *testing.T) {
	// GIVEN: A server taking loads and reads at the same time
	s := setupTestServer(t)

	// WHEN: Several clients load and query the current scenario together
	var wg sync.WaitGroup
	codes := make(chan int, 20)
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/scenarios/load", strings.NewReader(`{"scenario_id":"empty"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scenarios/current", nil))
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	// THEN: Every request succeeded and the loaded scenario is current
	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	current := decode[ScenarioDTO](t, s.do(http.MethodGet, "/api/scenarios/current", "", nil))
	assert.Equal(t, "empty", current.ID)
}
