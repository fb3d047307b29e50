package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/metrics"
)

// MetricsHandlers serves the aggregated sales and inventory metrics.
type MetricsHandlers struct {
	aggregator *metrics.Aggregator
	daily      *metrics.DailySalesRepository
	demand     *metrics.ProductDemandRepository
	turnover   *metrics.InventoryTurnoverRepository
	clock      domain.Clock
	log        zerolog.Logger
}

func NewMetricsHandlers(aggregator *metrics.Aggregator, daily *metrics.DailySalesRepository,
	demand *metrics.ProductDemandRepository, turnover *metrics.InventoryTurnoverRepository,
	clock domain.Clock, log zerolog.Logger) *MetricsHandlers {

	return &MetricsHandlers{
		aggregator: aggregator,
		daily:      daily,
		demand:     demand,
		turnover:   turnover,
		clock:      clock,
		log:        log.With().Str("component", "metrics_handlers").Logger(),
	}
}

func validDay(s string) bool {
	_, err := domain.ParseDay(s)
	return err == nil
}

// HandleDailyRange lists daily sales metrics for a date range.
// GET /api/metrics/daily?from=&to= (defaults to the trailing 30 days)
func (h *MetricsHandlers) HandleDailyRange(w http.ResponseWriter, r *http.Request) {
	today := h.clock.Now()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = domain.Day(today.AddDate(0, 0, -30))
	}
	if to == "" {
		to = domain.Day(today)
	}
	if !validDay(from) || !validDay(to) {
		writeError(h.log, w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
		return
	}

	rows, err := h.daily.GetRange(r.Context(), from, to)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load daily metrics")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load daily metrics")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"count":   len(rows),
		"metrics": rows,
	})
}

// HandleDailyByDate loads one day's sales metric.
// GET /api/metrics/daily/{date}
func (h *MetricsHandlers) HandleDailyByDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !validDay(date) {
		writeError(h.log, w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	metric, err := h.daily.GetByDate(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", date).Msg("Failed to load daily metric")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load daily metric")
		return
	}
	if metric == nil {
		writeError(h.log, w, http.StatusNotFound, "no metric for date")
		return
	}
	writeJSON(h.log, w, http.StatusOK, metric)
}

type recalculateRequest struct {
	Date string `json:"date"`
}

// HandleRecalculateDaily recomputes one day's metric on demand.
// POST /api/metrics/daily/recalculate
func (h *MetricsHandlers) HandleRecalculateDaily(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Date == "" {
		req.Date = domain.Day(h.clock.Now().AddDate(0, 0, -1))
	}
	if !validDay(req.Date) {
		writeError(h.log, w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	result, err := h.aggregator.ComputeDaily(r.Context(), req.Date)
	if err != nil {
		h.log.Error().Err(err).Str("date", req.Date).Msg("Daily recalculation failed")
		writeError(h.log, w, http.StatusInternalServerError, "daily recalculation failed")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"status": result.Status,
		"metric": result.Metric,
	})
}

// HandleTopDemand lists the highest-revenue products by recent demand.
// GET /api/metrics/demand/top?n=&days=
func (h *MetricsHandlers) HandleTopDemand(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 10)
	days := queryInt(r, "days", 90)
	sinceDay := domain.Day(h.clock.Now().AddDate(0, 0, -days))

	rows, err := h.demand.TopByRevenue(r.Context(), n, sinceDay)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load top demand")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load top demand")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"since":   sinceDay,
		"count":   len(rows),
		"metrics": rows,
	})
}

// HandleProductDemand loads the latest demand metric for one product.
// GET /api/metrics/demand/{productID}
func (h *MetricsHandlers) HandleProductDemand(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	metric, err := h.demand.LatestForProduct(r.Context(), productID)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Failed to load demand metric")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load demand metric")
		return
	}
	if metric == nil {
		writeError(h.log, w, http.StatusNotFound, "no demand metric for product")
		return
	}
	writeJSON(h.log, w, http.StatusOK, metric)
}

// HandleTurnoverAtRisk lists turnover metrics flagged with stockout or
// overstock risk in the recent window.
// GET /api/metrics/turnover/at-risk?days=
func (h *MetricsHandlers) HandleTurnoverAtRisk(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	sinceDay := domain.Day(h.clock.Now().AddDate(0, 0, -days))

	rows, err := h.turnover.RecentAtRisk(r.Context(), sinceDay)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load at-risk turnover")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load at-risk turnover")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"since":   sinceDay,
		"count":   len(rows),
		"metrics": rows,
	})
}
