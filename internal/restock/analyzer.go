// Package restock converts forecasts and demand history into inventory
// actions: reorder points, safety stock, stockout risk and prioritized
// recommendations.
package restock

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
)

const (
	defaultServiceLevel = 0.95
	demandWindowDays    = 90
	eoqCoverageDays     = 30
	defaultBulkWorkers  = 8
)

// Analyzer produces reorder analyses per product. Forecast frames come from
// the engine; demand history comes from the local order mirror.
type Analyzer struct {
	db     *database.DB
	engine *forecast.Engine
	clock  domain.Clock
	log    zerolog.Logger

	// Workers bounds concurrent bulk analyses. Defaults to 8.
	Workers int
}

func NewAnalyzer(db *database.DB, engine *forecast.Engine, clock domain.Clock, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		db:      db,
		engine:  engine,
		clock:   clock,
		log:     log.With().Str("component", "restock_analyzer").Logger(),
		Workers: defaultBulkWorkers,
	}
}

// ReorderPlan is the replenishment policy derived for one product.
type ReorderPlan struct {
	ReorderPoint    int64   `json:"reorder_point"`
	SafetyStock     int64   `json:"safety_stock"`
	LeadTimeDemand  float64 `json:"lead_time_demand"`
	EOQ             int64   `json:"eoq"`
	DailyDemandMean float64 `json:"daily_demand_mean"`
	DailyDemandStd  float64 `json:"daily_demand_std"`
	Forecast7d      float64 `json:"forecast_7d"`
	Forecast30d     float64 `json:"forecast_30d"`
	Status          string  `json:"status"`
}

// PlanFromStats derives the replenishment policy from demand statistics.
// The safety stock covers demand variability across the lead time at the
// requested service level; EOQ is the order-for-a-month policy.
func PlanFromStats(mean, std float64, leadTimeDays int, serviceLevel float64) ReorderPlan {
	if serviceLevel <= 0 || serviceLevel >= 1 {
		serviceLevel = defaultServiceLevel
	}
	if leadTimeDays < 0 {
		leadTimeDays = 0
	}

	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(serviceLevel)
	safety := z * std * math.Sqrt(float64(leadTimeDays))
	leadDemand := mean * float64(leadTimeDays)

	return ReorderPlan{
		ReorderPoint:    int64(math.Round(leadDemand + safety)),
		SafetyStock:     int64(math.Round(safety)),
		LeadTimeDemand:  leadDemand,
		EOQ:             int64(math.Round(mean * eoqCoverageDays)),
		DailyDemandMean: mean,
		DailyDemandStd:  std,
		Status:          "success",
	}
}

// ReorderPoint computes the replenishment policy for one product, annotated
// with the 7 and 30 day forecast totals when a forecast is available.
func (a *Analyzer) ReorderPoint(ctx context.Context, productID string, leadTimeDays int, serviceLevel float64, periods int) (*ReorderPlan, error) {
	mean, std, err := a.demandStats(ctx, productID)
	if err != nil {
		return nil, err
	}

	plan := PlanFromStats(mean, std, leadTimeDays, serviceLevel)

	frame := a.forecastFrame(ctx, productID, periods)
	plan.Forecast7d, plan.Forecast30d = forecastTotals(frame, mean)
	if frame == nil {
		plan.Status = "no_forecast"
	}

	return &plan, nil
}

// Risk is the stockout exposure for one product at its current stock level.
type Risk struct {
	Priority                 domain.ReorderPriority `json:"priority"`
	PriorityScore            int                    `json:"priority_score"`
	DaysUntilStockout        *int                   `json:"days_until_stockout,omitempty"`
	StockoutDate             *string                `json:"stockout_date,omitempty"`
	RecommendedOrderQuantity int64                  `json:"recommended_order_quantity"`
	ShouldReorder            bool                   `json:"should_reorder"`
	ReorderPoint             int64                  `json:"reorder_point"`
	SafetyStock              int64                  `json:"safety_stock"`
	CurrentStock             int64                  `json:"current_stock"`
}

// StockoutRisk simulates stock depletion against the forecast and grades the
// urgency of reordering.
func (a *Analyzer) StockoutRisk(ctx context.Context, productID string, currentStock int64, leadTimeDays, periods int) (*Risk, error) {
	mean, std, err := a.demandStats(ctx, productID)
	if err != nil {
		return nil, err
	}
	plan := PlanFromStats(mean, std, leadTimeDays, defaultServiceLevel)

	frame := a.forecastFrame(ctx, productID, periods)
	days := simulateStockout(frame, currentStock, mean)

	return a.buildRisk(plan, currentStock, leadTimeDays, days), nil
}

// buildRisk applies the priority rules and the order-quantity policy.
func (a *Analyzer) buildRisk(plan ReorderPlan, currentStock int64, leadTimeDays int, days *int) *Risk {
	priority, score := gradePriority(currentStock, plan.ReorderPoint, leadTimeDays, days)

	risk := &Risk{
		Priority:      priority,
		PriorityScore: score,
		CurrentStock:  currentStock,
		ReorderPoint:  plan.ReorderPoint,
		SafetyStock:   plan.SafetyStock,
	}

	if days != nil {
		risk.DaysUntilStockout = days
		date := domain.Day(a.clock.Now().AddDate(0, 0, *days))
		risk.StockoutDate = &date
	}

	if currentStock < plan.ReorderPoint {
		qty := plan.ReorderPoint - currentStock + plan.SafetyStock
		if plan.EOQ > qty {
			qty = plan.EOQ
		}
		risk.RecommendedOrderQuantity = qty
		risk.ShouldReorder = true
	}
	return risk
}

// gradePriority walks the escalation rules, first match wins. A stockout
// projected inside the lead time outranks the stock-fraction thresholds
// because no order can arrive in time.
func gradePriority(currentStock, reorderPoint int64, leadTimeDays int, days *int) (domain.ReorderPriority, int) {
	switch {
	case currentStock <= 0:
		return domain.PriorityCritical, 100
	case days != nil && *days < leadTimeDays:
		return domain.PriorityUrgent, 75
	case currentStock*2 <= reorderPoint:
		return domain.PriorityUrgent, 80
	case currentStock <= reorderPoint:
		return domain.PriorityHigh, 60
	case days != nil && *days < 2*leadTimeDays:
		return domain.PriorityHigh, 55
	case days != nil && *days < 30:
		return domain.PriorityMedium, 40
	}
	return domain.PriorityLow, 20
}

// GenerateRecommendation runs the full analysis for one stocked product and
// materializes a persistable recommendation.
func (a *Analyzer) GenerateRecommendation(ctx context.Context, productID, warehouseID string, currentStock, minStock int64, leadTimeDays int) (*domain.StockReorderRecommendation, error) {
	rec, _, err := a.analyze(ctx, productID, warehouseID, currentStock, minStock, leadTimeDays)
	return rec, err
}

// analyze is GenerateRecommendation plus the raw priority score, which the
// bulk pipeline sorts on.
func (a *Analyzer) analyze(ctx context.Context, productID, warehouseID string, currentStock, minStock int64, leadTimeDays int) (*domain.StockReorderRecommendation, int, error) {
	mean, std, err := a.demandStats(ctx, productID)
	if err != nil {
		return nil, 0, err
	}
	plan := PlanFromStats(mean, std, leadTimeDays, defaultServiceLevel)

	frame := a.forecastFrame(ctx, productID, 30)
	plan.Forecast7d, plan.Forecast30d = forecastTotals(frame, mean)
	days := simulateStockout(frame, currentStock, mean)
	risk := a.buildRisk(plan, currentStock, leadTimeDays, days)

	now := a.clock.Now()
	rec := &domain.StockReorderRecommendation{
		ProductID:                productID,
		ProductName:              a.productName(ctx, productID),
		WarehouseID:              warehouseID,
		CurrentStock:             currentStock,
		MinStockLevel:            minStock,
		AverageDailyDemand:       plan.DailyDemandMean,
		PredictedDemand7d:        plan.Forecast7d,
		PredictedDemand30d:       plan.Forecast30d,
		RecommendedOrderQuantity: risk.RecommendedOrderQuantity,
		ReorderPriority:          risk.Priority,
		SafetyStock:              plan.SafetyStock,
		ReorderPoint:             plan.ReorderPoint,
		StockoutDateEstimate:     risk.StockoutDate,
		Status:                   domain.StatusPending,
		CreatedDay:               domain.Day(now),
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if days != nil {
		orderIn := *days - leadTimeDays
		if orderIn < 0 {
			orderIn = 0
		}
		orderDate := domain.Day(now.AddDate(0, 0, orderIn))
		rec.RecommendedOrderDate = &orderDate
	}

	return rec, risk.PriorityScore, nil
}

// demandStats returns the population mean and standard deviation of daily
// demand over the trailing window. Days without sales count as zero demand.
func (a *Analyzer) demandStats(ctx context.Context, productID string) (float64, float64, error) {
	today := a.clock.Now()
	sinceDay := domain.Day(today.AddDate(0, 0, -demandWindowDays))

	rows, err := a.db.QueryContext(ctx, `
		SELECT o.order_date, SUM(i.quantity)
		FROM order_items i
		JOIN orders o ON o.id = i.order_id
		WHERE i.product_id = ? AND o.status = 'completed' AND o.order_date >= ?
		GROUP BY o.order_date`, productID, sinceDay)
	if err != nil {
		return 0, 0, fmt.Errorf("load demand history %s: %w", productID, err)
	}
	defer rows.Close()

	byDay := map[string]float64{}
	for rows.Next() {
		var day string
		var qty float64
		if err := rows.Scan(&day, &qty); err != nil {
			return 0, 0, fmt.Errorf("scan demand history: %w", err)
		}
		byDay[day] = qty
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	daily := make([]float64, demandWindowDays)
	for i := 0; i < demandWindowDays; i++ {
		day := domain.Day(today.AddDate(0, 0, i-demandWindowDays))
		daily[i] = byDay[day]
	}

	mean := stat.Mean(daily, nil)
	std := stat.PopStdDev(daily, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std, nil
}

// forecastFrame fetches the product forecast, tolerating failure. Restock
// analysis degrades to history-based estimates without a forecast.
func (a *Analyzer) forecastFrame(ctx context.Context, productID string, periods int) *forecast.Frame {
	if periods < 1 {
		periods = 30
	}
	frame, err := a.engine.Forecast(ctx, forecast.ProductScope(productID), periods, true)
	if err != nil {
		a.log.Warn().Err(err).Str("product_id", productID).Msg("Forecast unavailable for restock analysis")
		return nil
	}
	return frame
}

// forecastTotals sums the first 7 and 30 forecast points, extending with the
// historical mean when the frame is short or missing.
func forecastTotals(frame *forecast.Frame, mean float64) (float64, float64) {
	var total7, total30 float64
	points := 0
	if frame != nil {
		for i, p := range frame.Forecast {
			if i >= 30 {
				break
			}
			v := math.Max(0, p.Point)
			if i < 7 {
				total7 += v
			}
			total30 += v
			points++
		}
	}
	if points < 7 {
		total7 += mean * float64(7-minInt(points, 7))
	}
	if points < 30 {
		total30 += mean * float64(30-points)
	}
	return total7, total30
}

// simulateStockout walks the forecast day by day, decrementing stock. Past
// the frame it extends with the historical mean, bounded to a year out.
func simulateStockout(frame *forecast.Frame, currentStock int64, mean float64) *int {
	if currentStock <= 0 {
		zero := 0
		return &zero
	}

	remaining := float64(currentStock)
	day := 0
	if frame != nil {
		for _, p := range frame.Forecast {
			day++
			remaining -= math.Max(0, p.Point)
			if remaining <= 0 {
				return &day
			}
		}
	}

	if mean <= 0 {
		return nil
	}
	for day < 365 {
		day++
		remaining -= mean
		if remaining <= 0 {
			return &day
		}
	}
	return nil
}

func (a *Analyzer) productName(ctx context.Context, productID string) string {
	var name string
	err := a.db.QueryRowContext(ctx, `SELECT name FROM products WHERE id = ?`, productID).Scan(&name)
	if err != nil || name == "" {
		return productID
	}
	return name
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
