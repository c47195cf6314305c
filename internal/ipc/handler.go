// Package ipc provides the HTTP API operators use to watch a run and answer
// its blocked queries.
package ipc

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/driver"
	"github.com/rogers-f/crucible/internal/store"
	"github.com/rogers-f/crucible/internal/workflow"
)

// defaultPollInterval is how often the event stream polls the journal.
const defaultPollInterval = 2 * time.Second

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	RunID     string
	Runner    *driver.Runner
	Breaker   *breaker.Breaker
	Governor  *workflow.BudgetGovernor
	DB        *sql.DB
	EventRepo *store.EventRepo
	UsageRepo *store.UsageRepo
	AuditRepo *store.AuditRepo

	// PollInterval overrides defaultPollInterval for the event stream.
	PollInterval time.Duration
}

// RunView is the response for GET /api/v1/run.
type RunView struct {
	RunID     string           `json:"run_id"`
	Kind      domain.StateKind `json:"kind"`
	Phase     domain.Phase     `json:"phase"`
	Step      domain.Step      `json:"step,omitempty"`
	Query     string           `json:"query,omitempty"`
	Options   []string         `json:"options,omitempty"`
	Error     string           `json:"error,omitempty"`
	Tripped   bool             `json:"tripped"`
	Functions int              `json:"functions"`
	Pending   int              `json:"pending"`
}

// ResolveRequest is the body for POST /api/v1/run/resolve.
type ResolveRequest struct {
	Choice string `json:"choice"`
	Actor  string `json:"actor"`
	Note   string `json:"note"`
}

// ResetRequest is the body for POST /api/v1/functions/{id}/reset.
type ResetRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// TripRequest is the body for POST /api/v1/run/trip.
type TripRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// FunctionView summarizes one function for GET /api/v1/functions.
type FunctionView struct {
	ID             string                 `json:"id"`
	Module         string                 `json:"module"`
	Status         domain.FunctionStatus  `json:"status"`
	Tier           domain.Tier            `json:"tier"`
	Attempts       int                    `json:"attempts"`
	LastCategory   domain.FailureCategory `json:"last_category,omitempty"`
	LastDiagnostic string                 `json:"last_diagnostic,omitempty"`
	Resets         int                    `json:"resets"`
}

// CostSummary is the response for GET /api/v1/cost.
type CostSummary struct {
	SpentUnits float64            `json:"spent_units"`
	CapUnits   float64            `json:"cap_units"`
	CostAction domain.CostAction  `json:"cost_action"`
	Usage      []domain.TierUsage `json:"usage"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "run_id": h.RunID})
}

// GetRun handles GET /api/v1/run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	m := h.Runner.Machine()
	view := RunView{
		RunID: h.RunID,
		Phase: m.CurrentPhase(),
	}
	switch s := m.State().(type) {
	case domain.Active:
		view.Kind = domain.KindActive
		if s.Substate != nil {
			view.Step = s.Substate.CurrentStep()
		}
	case domain.Blocked:
		view.Kind = domain.KindBlocked
		view.Query = s.Query
		view.Options = s.Options
	case domain.Failed:
		view.Kind = domain.KindFailed
		view.Error = s.Error
	}
	if h.Breaker != nil {
		view.Tripped = h.Breaker.IsTrippedGlobally()
		view.Functions = len(h.Breaker.Functions())
		view.Pending = len(h.Breaker.Pending())
	}
	writeJSON(w, http.StatusOK, view)
}

// GetQuery handles GET /api/v1/run/query.
func (h *Handler) GetQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.Runner.Machine().PendingQuery()
	if !ok {
		writeError(w, domain.ErrNotBlocked)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": q.Query, "options": q.Options})
}

// Resolve handles POST /api/v1/run/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Choice == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "choice is required"})
		return
	}

	res := domain.Resolution{Choice: req.Choice, Actor: req.Actor, Note: req.Note}
	if err := h.Runner.Resolve(res); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFunctions handles GET /api/v1/functions.
func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	states := h.Breaker.Functions()
	out := make([]FunctionView, 0, len(states))
	for _, fs := range states {
		v := FunctionView{
			ID:       fs.ID,
			Module:   fs.Module,
			Status:   fs.Status,
			Tier:     fs.CurrentTier(),
			Attempts: len(fs.Attempts),
			Resets:   len(fs.Resets),
		}
		if n := len(fs.Attempts); n > 0 && !fs.Attempts[n-1].Passed {
			v.LastCategory = fs.Attempts[n-1].Category
			v.LastDiagnostic = fs.Attempts[n-1].Diagnostic
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetFunction handles POST /api/v1/functions/{id}/reset.
func (h *Handler) ResetFunction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	decision := domain.Decision{Actor: req.Actor, Reason: req.Reason}
	if err := h.Runner.ResetFunction(id, decision); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TripCircuit handles POST /api/v1/run/trip. A circuit that already tripped
// answers 409 and keeps its first reason.
func (h *Handler) TripCircuit(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	tripped, err := h.Runner.TripCircuit(domain.Decision{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeError(w, err)
		return
	}
	if !tripped {
		trip := h.Breaker.Trip()
		writeJSON(w, http.StatusConflict, APIError{Code: 409, Message: fmt.Sprintf("circuit already tripped: %s", trip.Reason)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetReport handles GET /api/v1/report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Breaker.GenerateStructuralDefectReport())
}

// GetStats handles GET /api/v1/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Breaker.ComputeStatistics())
}

// GetModule handles GET /api/v1/modules/{module}.
func (h *Handler) GetModule(w http.ResponseWriter, r *http.Request) {
	module := r.PathValue("module")
	summary := h.Breaker.ComputeModuleStatistics(module)
	if summary.Statistics.Total == 0 {
		writeJSON(w, http.StatusNotFound, APIError{Code: 404, Message: "unknown module " + module})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetCost handles GET /api/v1/cost.
func (h *Handler) GetCost(w http.ResponseWriter, r *http.Request) {
	summary := CostSummary{CostAction: domain.CostContinue}
	if h.Governor != nil {
		summary.SpentUnits = h.Governor.Spent()
		summary.CapUnits = h.Governor.Cap()
		summary.CostAction = h.Governor.CheckBudget()
	}
	usage, err := h.UsageRepo.ListByRun(r.Context(), h.DB, h.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	if usage == nil {
		usage = []domain.TierUsage{}
	}
	summary.Usage = usage
	writeJSON(w, http.StatusOK, summary)
}

// ListEvents handles GET /api/v1/events?since_seq=N&type=T&phase=P&limit=N.
// type may repeat or hold a comma-separated list.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: err.Error()})
		return
	}
	events, err := h.EventRepo.List(r.Context(), h.DB, h.RunID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.WorkflowEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListDecisions handles GET /api/v1/decisions?actor=A: the operator
// decisions recorded for the run.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	records, err := h.AuditRepo.List(r.Context(), h.DB, h.RunID, store.AuditFilter{
		Category: store.AuditOperator,
		Actor:    r.URL.Query().Get("actor"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func eventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var f store.EventFilter
	if s := q.Get("since_seq"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid since_seq %q", s)
		}
		f.SinceSeq = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", s)
		}
		f.Limit = n
	}
	if s := q.Get("phase"); s != "" {
		p, err := domain.ParsePhase(s)
		if err != nil {
			return f, err
		}
		f.Phase = p
	}
	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	return f, nil
}

// StreamEvents handles GET /api/v1/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	filter, err := eventFilter(r)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	filter.Limit = 0

	// Send initial batch of events.
	events, err := h.EventRepo.List(r.Context(), h.DB, h.RunID, filter)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}

	// Poll for new events.
	lastSeq := filter.SinceSeq
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			filter.SinceSeq = lastSeq
			newEvents, err := h.EventRepo.List(ctx, h.DB, h.RunID, filter)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrRunNotFound.Code, domain.ErrFunctionNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrNotBlocked.Code, domain.ErrFunctionNotDefective.Code, domain.ErrAlreadyBlocked.Code:
			status = http.StatusConflict
		case domain.ErrOverrideNeedsActor.Code, domain.ErrUnknownOption.Code:
			status = http.StatusBadRequest
		case domain.ErrIllegalTransition.Code, domain.ErrPhaseGateFailed.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.WorkflowEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.EventType, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
