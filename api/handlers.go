/*
handlers.go - HTTP API handlers for the time bank

PURPOSE:
  Exposes the visits service via a JSON API. Handles HTTP request/response
  and JSON serialization, and delegates every decision to visits.Service.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                     Open an account
    GET    /api/accounts/{id}                Account details
    GET    /api/accounts/{id}/balance        Availability for ?month=&year=
    GET    /api/accounts/{id}/entries        Ledger history

  Visits (caller is the requester):
    POST   /api/visits                       Schedule a visit
    GET    /api/visits                       Caller's visits with state
    GET    /api/visits/open                  Visits the caller could fulfill
    POST   /api/visits/{id}/cancel           Cancel a visit
    POST   /api/visits/{id}/accept           Claim a visit (caller is provider)

  Fulfillments (caller is the provider):
    GET    /api/fulfillments                 Caller's open fulfillments
    POST   /api/fulfillments/{id}/complete   Complete and get credited
    POST   /api/fulfillments/{id}/cancel     Give the visit back

CALLER IDENTITY:
  The X-Account-ID header names the acting account. There is no
  authentication; put this service behind something that sets the header.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input (bad JSON, bad time, missing header)
  - 404: Visit, fulfillment or account not found
  - 409: Lost a concurrent write; safe to retry
  - 422: Refused by a lifecycle guard; "error" holds the user-facing text
  - 500: Storage failure

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/timebank/ledger"
	"github.com/warp/timebank/visits"
)

// AccountHeader carries the acting account id.
const AccountHeader = "X-Account-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can wipe their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service            *visits.Service
	DefaultPlanMinutes int

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

func (h *Handler) scenario() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentScenario
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

// NewHandler creates a new handler around svc.
func NewHandler(svc *visits.Service, defaultPlanMinutes int) *Handler {
	return &Handler{Service: svc, DefaultPlanMinutes: defaultPlanMinutes}
}

// Health reports liveness, including the database when there is one.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Service.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount opens an account with a requester and a provider profile.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plan := h.DefaultPlanMinutes
	if req.PlanMinutes != nil {
		plan = *req.PlanMinutes
	}

	account, err := h.Service.RegisterAccount(r.Context(), plan)
	if err != nil {
		writeDomainError(w, "create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	account, err := h.Service.GetAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, "get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the availability breakdown for a month. Month and
// year default to the current month.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	now := h.Service.Clock.Now()
	month, year := now.Month(), now.Year()

	if s := r.URL.Query().Get("month"); s != "" {
		m, err := strconv.Atoi(s)
		if err != nil || m < 1 || m > 12 {
			writeError(w, http.StatusBadRequest, "month must be 1-12", err)
			return
		}
		month = time.Month(m)
	}
	if s := r.URL.Query().Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil || y < 1 {
			writeError(w, http.StatusBadRequest, "invalid year", err)
			return
		}
		year = y
	}

	summary, err := h.Service.Balance(r.Context(), id, month, year)
	if err != nil {
		writeDomainError(w, "get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(summary))
}

// GetEntries returns the account's ledger history, oldest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	if _, err := h.Service.GetAccount(r.Context(), id); err != nil {
		writeDomainError(w, "get entries", err)
		return
	}

	entries, err := h.Service.Entries(r.Context(), id)
	if err != nil {
		writeDomainError(w, "get entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VISIT HANDLERS
// =============================================================================

// CreateVisit schedules a visit for the calling requester.
func (h *Handler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	var req CreateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	when, err := time.Parse(time.RFC3339, req.When)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid when format (use RFC 3339)", err)
		return
	}
	minutes := req.Minutes
	if minutes == 0 {
		minutes = visits.DefaultVisitMinutes
	}

	visit, err := h.Service.CreateVisit(r.Context(), caller, when, minutes, req.Description)
	if err != nil {
		rejected("create_visit", err)
		writeDomainError(w, "create visit", err)
		return
	}

	visitsScheduledTotal.Inc()
	minutesDebitedTotal.Add(float64(visit.Minutes))

	dto := toVisitDTO(*visit)
	dto.State = string(visits.StateUnscheduled)
	writeJSON(w, http.StatusCreated, dto)
}

// ListVisits returns the caller's visits, latest first.
func (h *Handler) ListVisits(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	views, err := h.Service.ListRequesterVisits(r.Context(), caller)
	if err != nil {
		writeDomainError(w, "list visits", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitViewDTOs(views))
}

// ListOpenVisits returns the visits the caller could claim.
func (h *Handler) ListOpenVisits(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	views, err := h.Service.ListOpenVisits(r.Context(), caller)
	if err != nil {
		writeDomainError(w, "list open visits", err)
		return
	}
	writeJSON(w, http.StatusOK, toVisitViewDTOs(views))
}

// CancelVisit cancels one of the caller's visits and releases its minutes.
func (h *Handler) CancelVisit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := ledger.VisitID(chi.URLParam(r, "id"))

	visit, err := h.Service.CancelRequestedVisit(r.Context(), caller, id)
	if err != nil {
		rejected("cancel_visit", err)
		writeDomainError(w, "cancel visit", err)
		return
	}

	dto := toVisitDTO(*visit)
	dto.State = string(visits.StateCancelled)
	writeJSON(w, http.StatusOK, dto)
}

// AcceptVisit claims a visit for the calling provider.
func (h *Handler) AcceptVisit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := ledger.VisitID(chi.URLParam(r, "id"))

	f, err := h.Service.AcceptRequestedVisit(r.Context(), caller, id)
	if err != nil {
		rejected("accept_visit", err)
		writeDomainError(w, "accept visit", err)
		return
	}

	writeJSON(w, http.StatusCreated, toFulfillmentDTO(*f))
}

// =============================================================================
// FULFILLMENT HANDLERS
// =============================================================================

// ListFulfillments returns the caller's open fulfillments by visit start.
func (h *Handler) ListFulfillments(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}

	views, err := h.Service.ListProviderFulfillments(r.Context(), caller)
	if err != nil {
		writeDomainError(w, "list fulfillments", err)
		return
	}

	dtos := make([]FulfillmentDTO, len(views))
	for i, view := range views {
		visit := toVisitDTO(view.Visit)
		visit.State = string(visits.StateScheduled)
		dtos[i] = toFulfillmentDTO(view.Fulfillment)
		dtos[i].Visit = &visit
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CompleteFulfillment marks the caller's fulfillment done and credits them.
func (h *Handler) CompleteFulfillment(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := visits.FulfillmentID(chi.URLParam(r, "id"))

	f, credit, err := h.Service.CompleteProviderFulfillment(r.Context(), caller, id)
	if err != nil {
		rejected("complete_fulfillment", err)
		writeDomainError(w, "complete fulfillment", err)
		return
	}

	minutesCreditedTotal.Add(float64(credit.Amount))

	writeJSON(w, http.StatusOK, CompletionDTO{
		Fulfillment: toFulfillmentDTO(*f),
		Credit:      toEntryDTO(credit),
	})
}

// CancelFulfillment gives a claimed visit back to the pool.
func (h *Handler) CancelFulfillment(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id := visits.FulfillmentID(chi.URLParam(r, "id"))

	f, err := h.Service.CancelProviderFulfillment(r.Context(), caller, id)
	if err != nil {
		rejected("cancel_fulfillment", err)
		writeDomainError(w, "cancel fulfillment", err)
		return
	}

	writeJSON(w, http.StatusOK, toFulfillmentDTO(*f))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the visits failure taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case visits.IsNotFound(err):
		return http.StatusNotFound
	case visits.IsRetryable(err):
		return http.StatusConflict
	case visits.IsClientError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError shows client-facing errors verbatim and hides storage
// failures behind a generic message naming op.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "Failed to "+op, err)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func rejected(operation string, err error) {
	if status := statusFor(err); status < http.StatusInternalServerError {
		lifecycleRejectionsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	}
}

// callerID reads the acting account, writing a 400 when it is missing.
func callerID(w http.ResponseWriter, r *http.Request) (ledger.AccountID, bool) {
	id := r.Header.Get(AccountHeader)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing "+AccountHeader+" header", nil)
		return "", false
	}
	return ledger.AccountID(id), true
}

func toVisitViewDTOs(views []visits.VisitView) []VisitDTO {
	dtos := make([]VisitDTO, len(views))
	for i, v := range views {
		dtos[i] = toVisitViewDTO(v)
	}
	return dtos
}
