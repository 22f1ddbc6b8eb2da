// Package api exposes the market-data HTTP surface. Responses use a
// uniform envelope: {"success":true,"data":...} on the happy path and
// {"success":false,"error":{"code","message"}} for request errors.
// Upstream failures never surface as HTTP errors; the orchestrator
// degrades them into fallback payloads.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pmdata/market-data-api/internal/blacklist"
	"github.com/pmdata/market-data-api/internal/metrics"
	"github.com/pmdata/market-data-api/internal/observ"
	"github.com/pmdata/market-data-api/internal/quote"
)

// Request error codes.
const (
	CodeMissingParams = "MISSING_PARAMS"
	CodeInvalidParams = "INVALID_PARAMS"
)

// Service is the slice of the orchestrator the handlers need.
type Service interface {
	GetQuotes(ctx context.Context, symbols []string, refresh bool) ([]quote.Quote, error)
	GetExchangeRates(ctx context.Context, pairs [][2]string) []quote.ExchangeRate
	Blacklist() []blacklist.Entry
	Metrics() []metrics.SourceMetrics
}

type Handler struct {
	svc        Service
	maxSymbols int
}

func NewHandler(svc Service, maxSymbols int) *Handler {
	if maxSymbols <= 0 {
		maxSymbols = 50
	}
	return &Handler{svc: svc, maxSymbols: maxSymbols}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/market-data", h.marketData)
	mux.HandleFunc("GET /api/blacklist", h.blacklistEntries)
	mux.HandleFunc("GET /api/source-metrics", h.sourceMetrics)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	observ.IncCounter("api_request_errors_total", map[string]string{"code": code})
	writeJSON(w, status, envelope{Error: &errorBody{Code: code, Message: message}})
}

var validTypes = map[string]bool{
	quote.TypeUSStock:      true,
	quote.TypeJPStock:      true,
	quote.TypeMutualFund:   true,
	quote.TypeExchangeRate: true,
}

func (h *Handler) marketData(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	rawSymbols := strings.TrimSpace(q.Get("symbols"))
	if rawSymbols == "" {
		writeError(w, http.StatusBadRequest, CodeMissingParams, "symbols parameter is required")
		return
	}
	dataType := strings.TrimSpace(q.Get("type"))
	if dataType != "" && !validTypes[dataType] {
		writeError(w, http.StatusBadRequest, CodeInvalidParams, "unknown type: "+dataType)
		return
	}
	refresh := q.Get("refresh") == "true" || q.Get("refresh") == "1"

	symbols := splitSymbols(rawSymbols)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, CodeMissingParams, "symbols parameter is empty")
		return
	}
	if len(symbols) > h.maxSymbols {
		writeError(w, http.StatusBadRequest, CodeInvalidParams, "too many symbols in one request")
		return
	}

	if dataType == quote.TypeExchangeRate {
		pairs := make([][2]string, 0, len(symbols))
		for _, s := range symbols {
			base, target, ok := strings.Cut(strings.ToUpper(s), "-")
			if !ok || base == "" || target == "" {
				writeError(w, http.StatusBadRequest, CodeInvalidParams, "exchange rate symbols must look like USD-JPY")
				return
			}
			pairs = append(pairs, [2]string{base, target})
		}
		writeData(w, h.svc.GetExchangeRates(r.Context(), pairs))
		observ.RecordDuration("api_request", time.Since(start), map[string]string{"endpoint": "market-data"})
		return
	}

	quotes, err := h.svc.GetQuotes(r.Context(), symbols, refresh)
	if err != nil {
		// The only error the orchestrator returns here is empty input,
		// which the checks above already rule out; anything else is a
		// canceled request.
		writeError(w, http.StatusBadRequest, CodeInvalidParams, err.Error())
		return
	}
	writeData(w, quotes)
	observ.RecordDuration("api_request", time.Since(start), map[string]string{"endpoint": "market-data"})
}

func (h *Handler) blacklistEntries(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.Blacklist()
	if entries == nil {
		entries = []blacklist.Entry{}
	}
	writeData(w, entries)
}

func (h *Handler) sourceMetrics(w http.ResponseWriter, r *http.Request) {
	m := h.svc.Metrics()
	if m == nil {
		m = []metrics.SourceMetrics{}
	}
	writeData(w, m)
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]bool{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
