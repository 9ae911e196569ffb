/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the visits and ledger packages from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Accounts:     AccountDTO, CreateAccountRequest, BalanceDTO, EntryDTO
  Visits:       VisitDTO, CreateVisitRequest
  Fulfillments: FulfillmentDTO, CompletionDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

TIMES:
  Every instant is RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccountRequest is the request to open an account. PlanMinutes
// defaults to the server's configured plan when omitted.
type CreateAccountRequest struct {
	PlanMinutes *int `json:"plan_minutes,omitempty"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID          string `json:"id"`
	PlanMinutes int    `json:"plan_minutes"`
	CreatedAt   string `json:"created_at"`
}

// BalanceDTO is the availability breakdown for one month.
type BalanceDTO struct {
	AccountID       string `json:"account_id"`
	Month           int    `json:"month"`
	Year            int    `json:"year"`
	PlanMinutes     int    `json:"plan_minutes"`
	PlanRemaining   int    `json:"plan_remaining"`
	BankedCredits   int    `json:"banked_credits"`
	MonthlyOverflow int    `json:"monthly_overflow"`
	Available       int    `json:"available"`
}

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID        string `json:"id"`
	VisitID   string `json:"visit_id,omitempty"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
	Cancelled bool   `json:"cancelled"`
	CreatedAt string `json:"created_at"`
}

// =============================================================================
// VISITS
// =============================================================================

// CreateVisitRequest schedules a visit for the calling account. Minutes
// defaults to visits.DefaultVisitMinutes.
type CreateVisitRequest struct {
	When        string `json:"when"`
	Minutes     int    `json:"minutes,omitempty"`
	Description string `json:"description"`
}

// VisitDTO represents a visit and its derived state.
type VisitDTO struct {
	ID            string `json:"id"`
	RequesterID   string `json:"requester_id"`
	When          string `json:"when"`
	Ends          string `json:"ends"`
	Minutes       int    `json:"minutes"`
	Description   string `json:"description"`
	State         string `json:"state,omitempty"`
	FulfillmentID string `json:"fulfillment_id,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// FULFILLMENTS
// =============================================================================

// FulfillmentDTO represents a provider's claim on a visit.
type FulfillmentDTO struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	VisitID    string    `json:"visit_id"`
	Completed  bool      `json:"completed"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  string    `json:"created_at"`
	Visit      *VisitDTO `json:"visit,omitempty"`
}

// CompletionDTO is returned when a fulfillment is completed.
type CompletionDTO struct {
	Fulfillment FulfillmentDTO `json:"fulfillment"`
	Credit      EntryDTO       `json:"credit"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse lists the accounts a scenario created, by role name.
type LoadScenarioResponse struct {
	Scenario string            `json:"scenario"`
	Accounts map[string]string `json:"accounts"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toAccountDTO(a *visits.Account) AccountDTO {
	return AccountDTO{
		ID:          string(a.ID),
		PlanMinutes: a.Requester.PlanMinutes,
		CreatedAt:   formatTime(a.Requester.CreatedAt),
	}
}

func toBalanceDTO(s ledger.Summary) BalanceDTO {
	return BalanceDTO{
		AccountID:       string(s.AccountID),
		Month:           int(s.Month),
		Year:            s.Year,
		PlanMinutes:     s.PlanMinutes,
		PlanRemaining:   s.PlanRemaining,
		BankedCredits:   s.BankedCredits,
		MonthlyOverflow: s.MonthlyOverflow,
		Available:       s.Available,
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		VisitID:   string(e.VisitID),
		Amount:    e.Amount,
		Reason:    string(e.Reason),
		Cancelled: e.Cancelled,
		CreatedAt: formatTime(e.CreatedAt),
	}
}

func toVisitDTO(v visits.Visit) VisitDTO {
	return VisitDTO{
		ID:          string(v.ID),
		RequesterID: string(v.RequesterID),
		When:        formatTime(v.When),
		Ends:        formatTime(v.End()),
		Minutes:     v.Minutes,
		Description: v.Description,
		CreatedAt:   formatTime(v.CreatedAt),
	}
}

func toVisitViewDTO(view visits.VisitView) VisitDTO {
	dto := toVisitDTO(view.Visit)
	dto.State = string(view.State)
	if view.Fulfillment != nil {
		dto.FulfillmentID = string(view.Fulfillment.ID)
		dto.ProviderID = string(view.Fulfillment.ProviderID)
	}
	return dto
}

func toFulfillmentDTO(f visits.Fulfillment) FulfillmentDTO {
	return FulfillmentDTO{
		ID:         string(f.ID),
		ProviderID: string(f.ProviderID),
		VisitID:    string(f.VisitID),
		Completed:  f.Completed,
		Cancelled:  f.Cancelled,
		CreatedAt:  formatTime(f.CreatedAt),
	}
}
