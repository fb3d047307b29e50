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
	"github.com/demandline/demandline/internal/restock"
)

// RestockHandlers serves reorder analysis and the recommendation lifecycle.
type RestockHandlers struct {
	analyzer *restock.Analyzer
	repo     *restock.RecommendationRepository
	cfg      *config.Config
	clock    domain.Clock
	log      zerolog.Logger
}

func NewRestockHandlers(analyzer *restock.Analyzer, repo *restock.RecommendationRepository,
	cfg *config.Config, clock domain.Clock, log zerolog.Logger) *RestockHandlers {

	return &RestockHandlers{
		analyzer: analyzer,
		repo:     repo,
		cfg:      cfg,
		clock:    clock,
		log:      log.With().Str("component", "restock_handlers").Logger(),
	}
}

func queryFloat(r *http.Request, name string, fallback float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// HandleReorderPoint computes the reorder plan for one product.
// GET /api/restock/reorder-point/{productID}?lead_time_days=&service_level=&periods=
func (h *RestockHandlers) HandleReorderPoint(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	leadTime := queryInt(r, "lead_time_days", h.cfg.LeadTimeDaysDefault)
	serviceLevel := queryFloat(r, "service_level", h.cfg.ServiceLevelDefault)
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)

	plan, err := h.analyzer.ReorderPoint(r.Context(), productID, leadTime, serviceLevel, periods)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Reorder point failed")
		writeError(h.log, w, http.StatusInternalServerError, "reorder point analysis failed")
		return
	}
	writeJSON(h.log, w, http.StatusOK, plan)
}

// HandleStockoutRisk projects when a product runs out of stock.
// GET /api/restock/stockout-risk/{productID}?current_stock=&lead_time_days=&periods=
func (h *RestockHandlers) HandleStockoutRisk(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	rawStock := r.URL.Query().Get("current_stock")
	currentStock, err := strconv.ParseInt(rawStock, 10, 64)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, "current_stock must be an integer")
		return
	}
	leadTime := queryInt(r, "lead_time_days", h.cfg.LeadTimeDaysDefault)
	periods := queryInt(r, "periods", h.cfg.PeriodDaysDefault)

	risk, err := h.analyzer.StockoutRisk(r.Context(), productID, currentStock, leadTime, periods)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", productID).Msg("Stockout risk failed")
		writeError(h.log, w, http.StatusInternalServerError, "stockout risk analysis failed")
		return
	}
	writeJSON(h.log, w, http.StatusOK, risk)
}

type analyzeRequest struct {
	ProductID     string `json:"product_id"`
	WarehouseID   string `json:"warehouse_id"`
	CurrentStock  int64  `json:"current_stock"`
	MinStockLevel int64  `json:"min_stock_level"`
	LeadTimeDays  int    `json:"lead_time_days"`
}

// HandleAnalyze generates and persists a recommendation for one item.
// POST /api/restock/analyze
func (h *RestockHandlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProductID == "" || req.WarehouseID == "" {
		writeError(h.log, w, http.StatusBadRequest, "product_id and warehouse_id are required")
		return
	}
	if req.LeadTimeDays <= 0 {
		req.LeadTimeDays = h.cfg.LeadTimeDaysDefault
	}

	rec, err := h.analyzer.GenerateRecommendation(r.Context(), req.ProductID, req.WarehouseID,
		req.CurrentStock, req.MinStockLevel, req.LeadTimeDays)
	if err != nil {
		h.log.Error().Err(err).Str("product_id", req.ProductID).Msg("Recommendation analysis failed")
		writeError(h.log, w, http.StatusInternalServerError, "recommendation analysis failed")
		return
	}
	if err := h.repo.Upsert(r.Context(), rec); err != nil {
		h.log.Error().Err(err).Msg("Failed to persist recommendation")
		writeError(h.log, w, http.StatusInternalServerError, "failed to persist recommendation")
		return
	}
	writeJSON(h.log, w, http.StatusOK, rec)
}

// HandleBulk analyzes every stocked product, optionally scoped and filtered.
// POST /api/restock/bulk
func (h *RestockHandlers) HandleBulk(w http.ResponseWriter, r *http.Request) {
	var req restock.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MinPriority != "" && req.MinPriority.Rank() == 0 {
		writeError(h.log, w, http.StatusBadRequest, "invalid min_priority")
		return
	}
	if req.MaxProducts <= 0 || req.MaxProducts > h.cfg.BulkMaxProducts {
		req.MaxProducts = h.cfg.BulkMaxProducts
	}

	result, err := h.analyzer.Bulk(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Msg("Bulk analysis failed")
		writeError(h.log, w, http.StatusInternalServerError, "bulk analysis failed")
		return
	}
	writeJSON(h.log, w, http.StatusOK, result)
}

// HandleListRecommendations lists stored recommendations.
// GET /api/recommendations?status=&priority=&warehouse_id=&since=&limit=
func (h *RestockHandlers) HandleListRecommendations(w http.ResponseWriter, r *http.Request) {
	var filter restock.ListFilter

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseRecommendationStatus(raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("priority"); raw != "" {
		priority, err := domain.ParseReorderPriority(raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Priority = priority
	}
	filter.WarehouseID = r.URL.Query().Get("warehouse_id")
	filter.SinceDay = r.URL.Query().Get("since")
	filter.Limit = queryInt(r, "limit", 100)

	recs, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list recommendations")
		writeError(h.log, w, http.StatusInternalServerError, "failed to list recommendations")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"count":           len(recs),
		"recommendations": recs,
	})
}

// HandleGetRecommendation loads one recommendation.
// GET /api/recommendations/{id}
func (h *RestockHandlers) HandleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid recommendation id")
		return
	}

	rec, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, restock.ErrNotFound) {
		writeError(h.log, w, http.StatusNotFound, "recommendation not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("id", id).Msg("Failed to load recommendation")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load recommendation")
		return
	}
	writeJSON(h.log, w, http.StatusOK, rec)
}

type statusRequest struct {
	Status string `json:"status"`
}

// HandleUpdateStatus moves a recommendation through its review lifecycle.
// PATCH /api/recommendations/{id}/status
func (h *RestockHandlers) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid recommendation id")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	next, err := domain.ParseRecommendationStatus(req.Status)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.repo.UpdateStatus(r.Context(), id, next, h.clock.Now())
	switch {
	case errors.Is(err, restock.ErrNotFound):
		writeError(h.log, w, http.StatusNotFound, "recommendation not found")
		return
	case errors.Is(err, restock.ErrInvalidTransition):
		writeError(h.log, w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Int64("id", id).Msg("Status update failed")
		writeError(h.log, w, http.StatusInternalServerError, "status update failed")
		return
	}

	rec, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Int64("id", id).Msg("Failed to reload recommendation")
		writeError(h.log, w, http.StatusInternalServerError, "failed to reload recommendation")
		return
	}
	writeJSON(h.log, w, http.StatusOK, rec)
}
