package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/config"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
)

// ForecastHandlers serves the forecast endpoints.
type ForecastHandlers struct {
	engine   *forecast.Engine
	accuracy *forecast.AccuracyRepository
	cfg      *config.Config
	log      zerolog.Logger
}

func NewForecastHandlers(engine *forecast.Engine, accuracy *forecast.AccuracyRepository,
	cfg *config.Config, log zerolog.Logger) *ForecastHandlers {

	return &ForecastHandlers{
		engine:   engine,
		accuracy: accuracy,
		cfg:      cfg,
		log:      log.With().Str("component", "forecast_handlers").Logger(),
	}
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// scopeParam resolves the scope query parameter. A bare product query is
// shorthand for the product scope.
func scopeParam(r *http.Request) string {
	if productID := r.URL.Query().Get("product_id"); productID != "" {
		return forecast.ProductScope(productID)
	}
	if scope := r.URL.Query().Get("scope"); scope != "" {
		return scope
	}
	return forecast.ScopeTotalSales
}

// HandleForecast returns the forecast frame for a scope.
// GET /api/forecast?scope=&product_id=&periods=&refresh=
func (h *ForecastHandlers) HandleForecast(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)
	useCache := r.URL.Query().Get("refresh") != "true"

	frame, err := h.engine.Forecast(r.Context(), scope, periods, useCache)
	if err != nil {
		h.writeForecastError(w, err)
		return
	}
	if frame == nil {
		writeError(h.log, w, http.StatusNotFound, "no usable history for scope")
		return
	}
	writeJSON(h.log, w, http.StatusOK, frame)
}

// HandleComponents decomposes the historical fit for a scope.
// GET /api/forecast/components?scope=
func (h *ForecastHandlers) HandleComponents(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	if !forecast.ValidScope(scope) {
		writeError(h.log, w, http.StatusBadRequest, "invalid forecast scope")
		return
	}

	components, err := h.engine.Components(r.Context(), scope)
	if err != nil {
		h.log.Error().Err(err).Str("scope", scope).Msg("Components failed")
		writeError(h.log, w, http.StatusInternalServerError, "failed to decompose forecast")
		return
	}
	if components == nil {
		writeError(h.log, w, http.StatusNotFound, "no trained model for scope")
		return
	}
	writeJSON(h.log, w, http.StatusOK, components)
}

// HandleAccuracy reports the in-sample fit for a scope.
// GET /api/forecast/accuracy?scope=
func (h *ForecastHandlers) HandleAccuracy(w http.ResponseWriter, r *http.Request) {
	scope := scopeParam(r)
	if !forecast.ValidScope(scope) {
		writeError(h.log, w, http.StatusBadRequest, "invalid forecast scope")
		return
	}

	stats, err := h.engine.Accuracy(r.Context(), scope)
	if err != nil {
		h.log.Error().Err(err).Str("scope", scope).Msg("Accuracy failed")
		writeError(h.log, w, http.StatusInternalServerError, "failed to compute accuracy")
		return
	}
	if stats == nil {
		writeError(h.log, w, http.StatusNotFound, "no trained model for scope")
		return
	}
	writeJSON(h.log, w, http.StatusOK, stats)
}

// HandleAccuracySummary aggregates resolved out-of-sample accuracy records.
// GET /api/forecast/accuracy/records?type=&scope_id=
func (h *ForecastHandlers) HandleAccuracySummary(w http.ResponseWriter, r *http.Request) {
	forecastType := domain.ForecastType(r.URL.Query().Get("type"))
	if forecastType == "" {
		forecastType = domain.ForecastSales
	}
	switch forecastType {
	case domain.ForecastSales, domain.ForecastProductDemand,
		domain.ForecastCategorySales, domain.ForecastWarehouseInventory:
	default:
		writeError(h.log, w, http.StatusBadRequest, "invalid forecast type")
		return
	}

	var scopeID *string
	if raw := r.URL.Query().Get("scope_id"); raw != "" {
		scopeID = &raw
	}

	summary, err := h.accuracy.Summarize(r.Context(), forecastType, scopeID)
	if err != nil {
		h.log.Error().Err(err).Msg("Accuracy summary failed")
		writeError(h.log, w, http.StatusInternalServerError, "failed to summarize accuracy")
		return
	}
	if summary == nil {
		writeError(h.log, w, http.StatusNotFound, "no resolved accuracy records")
		return
	}
	writeJSON(h.log, w, http.StatusOK, summary)
}

// HandleTopProducts forecasts the highest-revenue products.
// GET /api/forecast/top-products?n=&periods=
func (h *ForecastHandlers) HandleTopProducts(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", h.cfg.TopNDefault)
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)
	workers := queryInt(r, "workers", 1)

	results, err := h.engine.TopN(r.Context(), n, periods, workers)
	if err != nil {
		h.writeForecastError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"count":     len(results),
		"forecasts": results,
	})
}

// HandleCategory forecasts the summed series of a category.
// GET /api/forecast/category/{category}?periods=
func (h *ForecastHandlers) HandleCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)

	result, err := h.engine.Category(r.Context(), category, periods)
	if err != nil {
		h.writeForecastError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, result)
}

// HandleWarehouse forecasts the summed series of a warehouse's products.
// GET /api/forecast/warehouse/{warehouseID}?periods=
func (h *ForecastHandlers) HandleWarehouse(w http.ResponseWriter, r *http.Request) {
	warehouseID := chi.URLParam(r, "warehouseID")
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)

	result, err := h.engine.Warehouse(r.Context(), warehouseID, periods)
	if err != nil {
		h.writeForecastError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, result)
}

type invalidateRequest struct {
	ProductIDs []string `json:"product_ids"`
}

// HandleInvalidate drops cached models and frames for the given products.
// An empty product list invalidates the company-wide scope as well.
// POST /api/forecast/invalidate
func (h *ForecastHandlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	removed, err := h.engine.Invalidate(r.Context(), req.ProductIDs)
	if err != nil {
		h.log.Error().Err(err).Msg("Cache invalidation failed")
		writeError(h.log, w, http.StatusInternalServerError, "failed to invalidate cache")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// writeForecastError maps engine validation errors to 400.
func (h *ForecastHandlers) writeForecastError(w http.ResponseWriter, err error) {
	if errors.Is(err, forecast.ErrInvalidPeriods) || errors.Is(err, forecast.ErrInvalidScope) {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error().Err(err).Msg("Forecast failed")
	writeError(h.log, w, http.StatusInternalServerError, "forecast failed")
}
