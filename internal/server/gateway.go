package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/ingestion"
	"LoanLedger/internal/query"
	"LoanLedger/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// NewGatewayMux registers the JSON routes on a grpc-gateway ServeMux.
//
//	POST /v1/commands/{command}                       run a command
//	PUT  /v1/prices/{price_id}                        inject an oracle quote
//	GET  /v1/pools/{pool_id}                          pool policy
//	GET  /v1/pools/{pool_id}/portfolio                cached valuation
//	GET  /v1/pools/{pool_id}/valuations               valuation history
//	GET  /v1/pools/{pool_id}/balances                 cash journal balances
//	GET  /v1/pools/{pool_id}/loans/{loan_id}          loan with debt and value
//	GET  /v1/pools/{pool_id}/loans/{loan_id}/activity loan activity
//	GET  /v1/pools/{pool_id}/loans/{loan_id}/events   raw event log
//	GET  /v1/admin/integrity                          hash chain check
func NewGatewayMux(deps *ServerDeps) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingError))
	h := &handlers{commands: deps.Commands, queries: deps.Queries}

	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/commands/{command}", h.executeCommand},
		{http.MethodPut, "/v1/prices/{price_id}", h.injectPrice},
		{http.MethodGet, "/v1/pools/{pool_id}", h.getPool},
		{http.MethodGet, "/v1/pools/{pool_id}/portfolio", h.getPortfolio},
		{http.MethodGet, "/v1/pools/{pool_id}/valuations", h.getValuations},
		{http.MethodGet, "/v1/pools/{pool_id}/balances", h.getBalances},
		{http.MethodGet, "/v1/pools/{pool_id}/loans/{loan_id}", h.getLoan},
		{http.MethodGet, "/v1/pools/{pool_id}/loans/{loan_id}/activity", h.getLoanActivity},
		{http.MethodGet, "/v1/pools/{pool_id}/loans/{loan_id}/events", h.getLoanEvents},
		{http.MethodGet, "/v1/admin/integrity", h.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

type handlers struct {
	commands commandRunner
	queries  *query.QueryService
}

// commandRunner is implemented by *ingestion.CommandService.
type commandRunner interface {
	Execute(ctx context.Context, commandType string, body []byte) (*core.Result, error)
	InjectPrice(ctx context.Context, priceID string, body []byte) (ingestion.PriceUpdate, error)
}

// commandResponse is the JSON view of core.Result.
type commandResponse struct {
	Command   string                    `json:"command"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	LoanID    uint64                    `json:"loan_id,omitempty"`
	Cash      *decimal.Decimal          `json:"cash,omitempty"`
	Repaid    *state.RepaidAmount       `json:"repaid,omitempty"`
	WriteOff  *state.WriteOffStatus     `json:"write_off,omitempty"`
	Changed   bool                      `json:"changed,omitempty"`
	Valuation *state.PortfolioValuation `json:"valuation,omitempty"`
	Events    []eventRef                `json:"events,omitempty"`
}

type eventRef struct {
	Sequence  int64  `json:"sequence"`
	EventType string `json:"event_type"`
}

func newCommandResponse(res *core.Result) commandResponse {
	out := commandResponse{
		Command:   res.Op.String(),
		Duplicate: res.Duplicate,
		LoanID:    res.LoanID,
		Changed:   res.Changed,
		Valuation: res.Valuation,
	}
	if !res.Cash.IsZero() {
		out.Cash = &res.Cash
	}
	if !res.Repaid.Total().IsZero() {
		out.Repaid = &res.Repaid
	}
	if res.Changed {
		out.WriteOff = &res.WriteOff
	}
	for _, env := range res.Events {
		out.Events = append(out.Events, eventRef{Sequence: env.Sequence, EventType: env.EventType.String()})
	}
	return out
}

func (h *handlers) executeCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := h.commands.Execute(r.Context(), params["command"], body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCommandResponse(res))
}

func (h *handlers) injectPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	update, err := h.commands.InjectPrice(r.Context(), params["price_id"], body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"price_id": update.PriceID,
		"price":    update.Quote.Price,
		"as_of":    update.Quote.AsOf,
	})
}

func (h *handlers) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetPool(r.Context(), poolID)
	reply(w, resp, err)
}

func (h *handlers) getPortfolio(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetPortfolio(r.Context(), poolID)
	reply(w, resp, err)
}

func (h *handlers) getValuations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetValuationHistory(r.Context(), poolID, limit)
	reply(w, resp, err)
}

func (h *handlers) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, err := poolParam(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetPoolBalances(r.Context(), poolID)
	reply(w, resp, err)
}

func (h *handlers) getLoan(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, loanID, err := loanParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var at time.Time
	if s := r.URL.Query().Get("at"); s != "" {
		if at, err = time.Parse(time.RFC3339Nano, s); err != nil {
			writeError(w, fmt.Errorf("%w: at: %v", errBadRequest, err))
			return
		}
	}
	resp, err := h.queries.GetLoan(r.Context(), poolID, loanID, at)
	reply(w, resp, err)
}

func (h *handlers) getLoanActivity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, loanID, err := loanParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetLoanActivity(r.Context(), poolID, loanID, limit)
	reply(w, resp, err)
}

func (h *handlers) getLoanEvents(w http.ResponseWriter, r *http.Request, params map[string]string) {
	poolID, loanID, err := loanParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.queries.GetLoanEvents(r.Context(), poolID, loanID, limit)
	reply(w, resp, err)
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.queries.VerifyIntegrity(r.Context())
	reply(w, resp, err)
}

// --- params ---

func poolParam(params map[string]string) (uuid.UUID, error) {
	poolID, err := uuid.Parse(params["pool_id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: pool_id: %v", errBadRequest, err)
	}
	return poolID, nil
}

func loanParams(params map[string]string) (uuid.UUID, uint64, error) {
	poolID, err := poolParam(params)
	if err != nil {
		return uuid.Nil, 0, err
	}
	loanID, err := strconv.ParseUint(params["loan_id"], 10, 64)
	if err != nil || loanID == 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: loan_id %q", errBadRequest, params["loan_id"])
	}
	return poolID, loanID, nil
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit %q", errBadRequest, s)
	}
	return limit, nil
}

// --- responses ---

type errorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, query.ErrHistoryUnavailable):
		return http.StatusServiceUnavailable, "history_unavailable"
	case errors.Is(err, core.ErrRunnerStopped):
		return http.StatusServiceUnavailable, "engine_stopped"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}

	reason := state.Reason(err)
	switch reason {
	case "validation":
		return http.StatusBadRequest, reason
	case "invalid_state":
		return http.StatusConflict, reason
	case "restricted", "write_off_below_policy", "insufficient_capacity", "over_repayment":
		return http.StatusUnprocessableEntity, reason
	case "loan_not_found", "pool_not_found", "rate_not_found":
		return http.StatusNotFound, reason
	case "oracle_unavailable", "oracle_stale":
		return http.StatusServiceUnavailable, reason
	default:
		return http.StatusInternalServerError, reason
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, reason := statusFor(err)
	writeJSON(w, status, errorBody{Reason: reason, Message: err.Error()})
}

func reply(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	writeJSON(w, status, errorBody{Reason: "no_route", Message: fmt.Sprintf("%s %s", r.Method, r.URL.Path)})
}
