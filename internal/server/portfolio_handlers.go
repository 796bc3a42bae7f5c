package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/modules/metrics"
	"github.com/atlasalgo/portfolio-engine/internal/modules/portfolio"
)

// PortfolioHandlers serves the portfolio lifecycle and query surface
type PortfolioHandlers struct {
	service *portfolio.Service
	log     zerolog.Logger
}

// NewPortfolioHandlers creates portfolio handlers
func NewPortfolioHandlers(service *portfolio.Service, log zerolog.Logger) *PortfolioHandlers {
	return &PortfolioHandlers{
		service: service,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// RegisterRoutes registers portfolio routes
func (h *PortfolioHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)

		r.Route("/{portfolioID}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Post("/transactions", h.HandleProcessFill)
			r.Get("/transactions", h.HandleTransactionHistory)
			r.Get("/positions", h.HandlePositions)
			r.Post("/close-all", h.HandleCloseAll)

			r.Route("/metrics", func(r chi.Router) {
				r.Get("/", h.HandleCurrentMetrics)
				r.Get("/performance", h.HandlePerformance)
				r.Get("/drawdown", h.HandleDrawdown)
				r.Get("/distribution", h.HandleDistribution)
				r.Get("/export", h.HandleExport)
			})
		})
	})

	r.Post("/prices", h.HandleBroadcastPrices)
}

// lookup resolves the portfolio from the URL, writing the error
// response itself when the id is unknown
func (h *PortfolioHandlers) lookup(w http.ResponseWriter, r *http.Request) (*portfolio.Portfolio, bool) {
	id := chi.URLParam(r, "portfolioID")
	p, err := h.service.Get(id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return nil, false
	}
	return p, true
}

// HandleCreate registers a new portfolio
func (h *PortfolioHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req portfolio.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := h.service.Create(req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, p.Info())
}

// HandleList returns every registered portfolio
func (h *PortfolioHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	list := h.service.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolios": list,
		"count":      len(list),
	})
}

// HandleGet returns one portfolio's summary
func (h *PortfolioHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Info())
}

// HandleProcessFill runs a fill notification through the portfolio.
// The response carries the executed transaction, the affected position
// and any warnings; a rejected fill maps to a 4xx with no state change.
func (h *PortfolioHandlers) HandleProcessFill(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var fill portfolio.Fill
	if err := json.NewDecoder(r.Body).Decode(&fill); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := p.ProcessFill(fill)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// HandleTransactionHistory returns executed transactions, newest last.
// A positive ?limit= returns only the newest entries.
func (h *PortfolioHandlers) HandleTransactionHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	transactions := p.Transactions().History(queryInt(r, "limit", 0))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
		"pending":      p.Transactions().PendingCount(),
	})
}

// HandlePositions returns open positions with aggregates. Closed
// positions are included with ?include=closed.
func (h *PortfolioHandlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	pm := p.Positions()
	response := map[string]interface{}{
		"open":          pm.OpenPositions(),
		"summary":       pm.Summarize(),
		"concentration": pm.Concentration(),
	}
	if r.URL.Query().Get("include") == "closed" {
		response["closed"] = pm.ClosedPositions()
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleCloseAll liquidates every open position priced in the request
func (h *PortfolioHandlers) HandleCloseAll(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req struct {
		Prices    domain.PriceMap `json:"prices"`
		Timestamp time.Time       `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	at := req.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	closed, warnings := p.CloseAll(req.Prices, at)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"closed":       closed,
		"closed_count": len(closed),
		"warnings":     warnings,
	})
}

// HandleCurrentMetrics returns a live snapshot of the portfolio
func (h *PortfolioHandlers) HandleCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Metrics().CurrentMetrics())
}

// HandlePerformance computes performance metrics for ?period=
// (default ALL_TIME) ending at ?end= (default now)
func (h *PortfolioHandlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	period := metrics.PeriodAllTime
	if raw := r.URL.Query().Get("period"); raw != "" {
		parsed, err := metrics.PeriodFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = parsed
	}

	end := time.Now()
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end date %q", raw))
			return
		}
		end = parsed
	}

	performance, err := p.Metrics().Performance(period, end)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if performance == nil {
		// fewer than two snapshots in the window
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("not enough snapshots for period %s", period))
		return
	}

	writeJSON(w, http.StatusOK, performance)
}

// HandleDrawdown analyzes the deepest decline since ?start=
// (default: full history)
func (h *PortfolioHandlers) HandleDrawdown(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var start time.Time
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start date %q", raw))
			return
		}
		start = parsed
	}

	report, err := p.Metrics().DrawdownAnalysis(start)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleDistribution describes rolling returns over ?days= windows
func (h *PortfolioHandlers) HandleDistribution(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", 1)
	if days < 1 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	report, err := p.Metrics().ReturnDistribution(days)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleExport bundles metrics and the snapshot series for external
// consumers. ?format=msgpack streams the compact binary archive
// instead of JSON.
func (h *PortfolioHandlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("format") == "msgpack" {
		data, err := p.Metrics().ExportArchive()
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-snapshots.bin", p.PortfolioID()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	period := metrics.PeriodAllTime
	if raw := r.URL.Query().Get("period"); raw != "" {
		parsed, err := metrics.PeriodFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = parsed
	}

	export, err := p.Metrics().Export(period)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, export)
}

// HandleBroadcastPrices marks every portfolio to market with the
// posted price map
func (h *PortfolioHandlers) HandleBroadcastPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prices    domain.PriceMap `json:"prices"`
		Timestamp time.Time       `json:"timestamp,omitempty"`
		Source    string          `json:"source,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices are required")
		return
	}

	at := req.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	warnings := h.service.BroadcastPrices(req.Prices, at, source)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portfolios": h.service.Count(),
		"warnings":   warnings,
	})
}
