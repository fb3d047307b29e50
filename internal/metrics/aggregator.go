// Package metrics implements the metric aggregator: daily sales, per-product
// demand with trend, inventory turnover with classification, and the coarse
// scheduled recommendations. All computations are HTTP-first against the
// sales and inventory services with a direct-datastore SQL fallback over the
// local order mirror.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/clients/upstream"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// Status distinguishes how a metric computation was satisfied.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusNoData   Status = "no_data"
	StatusError    Status = "error"
)

// Aggregator computes and persists the aggregate metric tables.
type Aggregator struct {
	client   *upstream.Client
	db       *database.DB
	daily    *DailySalesRepository
	demand   *ProductDemandRepository
	turnover *InventoryTurnoverRepository
	clock    domain.Clock
	log      zerolog.Logger
}

// NewAggregator wires the aggregator.
func NewAggregator(client *upstream.Client, db *database.DB, daily *DailySalesRepository,
	demand *ProductDemandRepository, turnover *InventoryTurnoverRepository,
	clock domain.Clock, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		client:   client,
		db:       db,
		daily:    daily,
		demand:   demand,
		turnover: turnover,
		clock:    clock,
		log:      log.With().Str("component", "metric_aggregator").Logger(),
	}
}

// DailyResult is the outcome of a daily sales computation.
type DailyResult struct {
	Status Status
	Metric *domain.DailySalesMetric
}

// DemandResult is the outcome of a demand computation.
type DemandResult struct {
	Status  Status
	Metrics []domain.ProductDemandMetric
}

// TurnoverResult is the outcome of a turnover computation.
type TurnoverResult struct {
	Status  Status
	Metrics []domain.InventoryTurnoverMetric
}

// transientUpstream reports whether the failure warrants the SQL fallback:
// timeouts, refused connections, 5xx and 429 after retries are exhausted.
func transientUpstream(err error) bool {
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		return false
	}
	return upErr.Retryable()
}

// loadOrders fetches completed orders for [from, to], preferring the sales
// service and falling back to the local mirror on transient failure.
// The second return reports whether the fallback path was used.
func (a *Aggregator) loadOrders(ctx context.Context, from, to string) ([]Order, bool, error) {
	orders, err := a.fetchOrdersHTTP(ctx, from, to)
	if err == nil {
		return orders, false, nil
	}
	if !transientUpstream(err) {
		return nil, false, err
	}

	a.log.Warn().Err(err).
		Str("from", from).
		Str("to", to).
		Msg("Sales service unreachable, using local order mirror")

	orders, sqlErr := fetchOrdersSQL(ctx, a.db, from, to)
	if sqlErr != nil {
		return nil, true, sqlErr
	}
	return orders, true, nil
}

// ComputeDaily computes and upserts the DailySalesMetric for one date.
// A day without completed orders yields StatusNoData and no row.
func (a *Aggregator) ComputeDaily(ctx context.Context, date string) (DailyResult, error) {
	orders, usedFallback, err := a.loadOrders(ctx, date, date)
	if err != nil {
		return DailyResult{Status: StatusError}, fmt.Errorf("compute daily metric %s: %w", date, err)
	}
	if len(orders) == 0 {
		return DailyResult{Status: StatusNoData}, nil
	}

	metric := &domain.DailySalesMetric{Date: date, CalculatedAt: a.clock.Now()}
	products := map[string]struct{}{}
	customers := map[string]struct{}{}

	for _, o := range orders {
		metric.TotalSales += o.Total
		metric.TotalOrders++
		if o.CustomerID != "" {
			customers[o.CustomerID] = struct{}{}
		}
		for _, item := range o.Items {
			metric.ProductsSold += item.Quantity
			products[item.ProductID] = struct{}{}
		}
	}
	metric.UniqueProducts = int64(len(products))
	metric.UniqueCustomers = int64(len(customers))
	metric.Normalize()

	if err := a.daily.Upsert(ctx, metric); err != nil {
		return DailyResult{Status: StatusError}, err
	}

	status := StatusSuccess
	if usedFallback {
		status = StatusFallback
	}
	return DailyResult{Status: status, Metric: metric}, nil
}

// productAccumulator collects one product's raw aggregates over a period.
type productAccumulator struct {
	name     string
	sku      string
	quantity int64
	orders   int64
	revenue  int64
	daily    map[string]float64
}

// ComputeDemand recomputes ProductDemandMetric rows over the trailing
// period. Orders are fetched in weekly chunks; a transient failure on any
// chunk switches the whole window to the SQL fallback for a consistent view.
func (a *Aggregator) ComputeDemand(ctx context.Context, periodDays int) (DemandResult, error) {
	today := a.clock.Now()
	periodEnd := domain.Day(today)
	periodStart := domain.Day(today.AddDate(0, 0, -periodDays))

	orders, usedFallback, err := a.loadOrdersChunked(ctx, today, periodDays)
	if err != nil {
		return DemandResult{Status: StatusError}, fmt.Errorf("compute demand metrics: %w", err)
	}
	if len(orders) == 0 {
		return DemandResult{Status: StatusNoData}, nil
	}

	accs := map[string]*productAccumulator{}
	for _, o := range orders {
		for _, item := range o.Items {
			acc, ok := accs[item.ProductID]
			if !ok {
				acc = &productAccumulator{daily: map[string]float64{}}
				accs[item.ProductID] = acc
			}
			if item.ProductName != "" {
				acc.name = item.ProductName
			}
			if item.SKU != "" {
				acc.sku = item.SKU
			}
			acc.quantity += item.Quantity
			acc.orders++
			acc.revenue += item.Quantity * item.UnitPrice
			acc.daily[o.OrderDate] += float64(item.Quantity)
		}
	}

	productIDs := make([]string, 0, len(accs))
	for id := range accs {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	metrics := make([]domain.ProductDemandMetric, 0, len(accs))
	for _, productID := range productIDs {
		acc := accs[productID]
		series := calendarSeries(acc.daily, periodStart, periodDays)
		trend, trendPct := classifyTrend(series)

		m := domain.ProductDemandMetric{
			ProductID:          productID,
			ProductName:        acc.name,
			SKU:                acc.sku,
			PeriodStart:        periodStart,
			PeriodEnd:          periodEnd,
			PeriodDays:         periodDays,
			TotalQuantitySold:  acc.quantity,
			TotalOrders:        acc.orders,
			AverageDailyDemand: float64(acc.quantity) / float64(periodDays),
			MaxDailyDemand:     maxOf(series),
			MinDailyDemand:     minOf(series),
			TotalRevenue:       acc.revenue,
			Trend:              trend,
			TrendPercentage:    trendPct,
			CalculatedAt:       a.clock.Now(),
		}
		if acc.quantity > 0 {
			m.AveragePrice = acc.revenue / acc.quantity
		}

		if err := a.demand.Upsert(ctx, &m); err != nil {
			return DemandResult{Status: StatusError}, err
		}
		metrics = append(metrics, m)
	}

	status := StatusSuccess
	if usedFallback {
		status = StatusFallback
	}
	return DemandResult{Status: status, Metrics: metrics}, nil
}

// loadOrdersChunked fetches the trailing window in weekly chunks.
func (a *Aggregator) loadOrdersChunked(ctx context.Context, today time.Time, periodDays int) ([]Order, bool, error) {
	start := today.AddDate(0, 0, -periodDays)

	var orders []Order
	for chunkStart := start; !chunkStart.After(today); chunkStart = chunkStart.AddDate(0, 0, 7) {
		chunkEnd := chunkStart.AddDate(0, 0, 6)
		if chunkEnd.After(today) {
			chunkEnd = today
		}

		chunk, err := a.fetchOrdersHTTP(ctx, domain.Day(chunkStart), domain.Day(chunkEnd))
		if err != nil {
			if !transientUpstream(err) {
				return nil, false, err
			}
			a.log.Warn().Err(err).Msg("Sales service unreachable mid-window, using local order mirror")
			full, sqlErr := fetchOrdersSQL(ctx, a.db, domain.Day(start), domain.Day(today))
			if sqlErr != nil {
				return nil, true, sqlErr
			}
			return full, true, nil
		}
		orders = append(orders, chunk...)
	}
	return orders, false, nil
}

// calendarSeries expands a sparse day→quantity map into a dense series over
// the full period, zero-filling silent days.
func calendarSeries(daily map[string]float64, periodStart string, periodDays int) []float64 {
	start, err := domain.ParseDay(periodStart)
	if err != nil {
		return nil
	}

	series := make([]float64, periodDays+1)
	for i := 0; i <= periodDays; i++ {
		series[i] = daily[domain.Day(start.AddDate(0, 0, i))]
	}
	return series
}

// classifyTrend splits the series at its midpoint and compares per-day
// averages, so odd-length windows carry no half-size bias. A swing beyond
// ±10% moves the trend off stable.
func classifyTrend(series []float64) (domain.Trend, float64) {
	if len(series) < 2 {
		return domain.TrendStable, 0
	}

	mid := len(series) / 2
	var first, second float64
	for _, v := range series[:mid] {
		first += v
	}
	for _, v := range series[mid:] {
		second += v
	}
	firstAvg := first / float64(mid)
	secondAvg := second / float64(len(series)-mid)

	var pct float64
	switch {
	case firstAvg > 0:
		pct = (secondAvg - firstAvg) / firstAvg * 100
	case secondAvg > 0:
		pct = 100
	}

	switch {
	case pct > 10:
		return domain.TrendIncreasing, pct
	case pct < -10:
		return domain.TrendDecreasing, pct
	}
	return domain.TrendStable, pct
}

func maxOf(series []float64) float64 {
	var max float64
	for _, v := range series {
		if v > max {
			max = v
		}
	}
	return max
}

func minOf(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	min := series[0]
	for _, v := range series[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// ComputeTurnover computes turnover metrics per (product, warehouse) from
// the trailing sales window and current inventory levels. Successful HTTP
// pulls also refresh the local mirrors.
func (a *Aggregator) ComputeTurnover(ctx context.Context, periodDays int) (TurnoverResult, error) {
	today := a.clock.Now()
	periodEnd := domain.Day(today)
	periodStart := domain.Day(today.AddDate(0, 0, -periodDays))

	orders, ordersFellBack, err := a.loadOrders(ctx, periodStart, periodEnd)
	if err != nil {
		return TurnoverResult{Status: StatusError}, fmt.Errorf("compute turnover metrics: %w", err)
	}

	unitsSold := map[string]int64{}
	for _, o := range orders {
		for _, item := range o.Items {
			unitsSold[item.ProductID] += item.Quantity
		}
	}

	levels, levelsFellBack, err := a.loadInventory(ctx)
	if err != nil {
		return TurnoverResult{Status: StatusError}, fmt.Errorf("compute turnover metrics: %w", err)
	}
	if len(levels) == 0 {
		return TurnoverResult{Status: StatusNoData}, nil
	}

	unitCosts := a.loadUnitCosts(ctx)

	metrics := make([]domain.InventoryTurnoverMetric, 0, len(levels))
	for _, level := range levels {
		sold := unitsSold[level.ProductID]
		current := float64(level.Quantity)
		starting := current + float64(sold)
		average := (starting + current) / 2

		var rate float64
		if average > 0 {
			rate = float64(sold) / average
		}

		days := domain.MaxDaysOfInventory
		if rate > 0 {
			days = math.Min(float64(periodDays)/rate, domain.MaxDaysOfInventory)
		}

		dailyDemand := float64(sold) / float64(periodDays)

		m := domain.InventoryTurnoverMetric{
			ProductID:         level.ProductID,
			ProductName:       level.ProductName,
			WarehouseID:       level.WarehouseID,
			PeriodStart:       periodStart,
			PeriodEnd:         periodEnd,
			PeriodDays:        periodDays,
			AverageInventory:  average,
			StartingInventory: starting,
			EndingInventory:   current,
			UnitsSold:         sold,
			CostOfGoodsSold:   unitCosts[level.ProductID] * sold,
			TurnoverRate:      rate,
			DaysOfInventory:   days,
			Classification:    classifyMovement(rate),
			StockoutRisk:      stockoutRisk(current, dailyDemand),
			OverstockRisk:     overstockRisk(days),
			CalculatedAt:      a.clock.Now(),
		}

		if err := a.turnover.Upsert(ctx, &m); err != nil {
			return TurnoverResult{Status: StatusError}, err
		}
		metrics = append(metrics, m)
	}

	status := StatusSuccess
	if ordersFellBack || levelsFellBack {
		status = StatusFallback
	}
	return TurnoverResult{Status: status, Metrics: metrics}, nil
}

// loadInventory prefers the inventory service and mirrors successful pulls;
// transient failures fall back to the mirror.
func (a *Aggregator) loadInventory(ctx context.Context) ([]InventoryLevel, bool, error) {
	levels, err := a.fetchInventoryHTTP(ctx)
	if err == nil {
		now := a.clock.Now().UTC().Format(time.RFC3339)
		if mirrorErr := a.mirrorInventory(ctx, levels, now); mirrorErr != nil {
			a.log.Warn().Err(mirrorErr).Msg("Failed to mirror inventory levels")
		}
		return levels, false, nil
	}
	if !transientUpstream(err) {
		return nil, false, err
	}

	a.log.Warn().Err(err).Msg("Inventory service unreachable, using local mirror")
	levels, sqlErr := fetchInventorySQL(ctx, a.db)
	if sqlErr != nil {
		return nil, true, sqlErr
	}
	return levels, true, nil
}

// loadUnitCosts returns unit costs per product, best effort. HTTP catalog
// pulls refresh the mirror; failures degrade to mirrored values.
func (a *Aggregator) loadUnitCosts(ctx context.Context) map[string]int64 {
	costs := map[string]int64{}

	if products, err := a.fetchCatalogHTTP(ctx); err == nil {
		if mirrorErr := a.mirrorCatalog(ctx, products); mirrorErr != nil {
			a.log.Warn().Err(mirrorErr).Msg("Failed to mirror product catalog")
		}
		for _, p := range products {
			costs[p.ID] = p.UnitCost
		}
		return costs
	}

	rows, err := a.db.QueryContext(ctx, `SELECT id, unit_cost FROM products`)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to load mirrored unit costs")
		return costs
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var cost int64
		if err := rows.Scan(&id, &cost); err == nil {
			costs[id] = cost
		}
	}
	return costs
}

func classifyMovement(rate float64) domain.MovementClass {
	switch {
	case rate >= 4:
		return domain.MovementFast
	case rate >= 2:
		return domain.MovementMedium
	case rate >= 0.5:
		return domain.MovementSlow
	}
	return domain.MovementObsolete
}

// stockoutRisk grades current days-of-stock at the recent daily demand.
// Zero demand means stock never depletes.
func stockoutRisk(current, dailyDemand float64) domain.RiskLevel {
	if dailyDemand <= 0 {
		return domain.RiskLow
	}
	daysOfStock := current / dailyDemand
	switch {
	case daysOfStock < 7:
		return domain.RiskHigh
	case daysOfStock < 14:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

func overstockRisk(daysOfInventory float64) domain.RiskLevel {
	switch {
	case daysOfInventory > 90:
		return domain.RiskHigh
	case daysOfInventory > 60:
		return domain.RiskMedium
	}
	return domain.RiskLow
}

// GenerateRecommendations produces the coarse scheduled recommendations by
// joining recent at-risk turnover with the latest demand metrics. Only
// products needing stock (recommended quantity > 0) are emitted; persistence
// is the caller's concern.
func (a *Aggregator) GenerateRecommendations(ctx context.Context, leadTimeDays int) ([]domain.StockReorderRecommendation, error) {
	today := a.clock.Now()
	sinceDay := domain.Day(today.AddDate(0, 0, -35))

	atRisk, err := a.turnover.RecentAtRisk(ctx, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("generate recommendations: %w", err)
	}

	var recommendations []domain.StockReorderRecommendation
	for _, t := range atRisk {
		dailyDemand := float64(t.UnitsSold) / float64(t.PeriodDays)
		if demand, err := a.demand.LatestForProduct(ctx, t.ProductID); err == nil && demand != nil {
			dailyDemand = demand.AverageDailyDemand
		}
		if dailyDemand <= 0 {
			continue
		}

		current := t.EndingInventory
		safetyStock := dailyDemand * 14
		reorderPoint := dailyDemand*7 + safetyStock
		recommendedQty := dailyDemand*30 + safetyStock - current
		if recommendedQty <= 0 {
			continue
		}

		priority := coarsePriority(t.StockoutRisk, current <= reorderPoint)

		rec := domain.StockReorderRecommendation{
			ProductID:                t.ProductID,
			ProductName:              t.ProductName,
			WarehouseID:              t.WarehouseID,
			CurrentStock:             int64(current),
			AverageDailyDemand:       dailyDemand,
			PredictedDemand7d:        dailyDemand * 7,
			PredictedDemand30d:       dailyDemand * 30,
			RecommendedOrderQuantity: int64(math.Ceil(recommendedQty)),
			ReorderPriority:          priority,
			SafetyStock:              int64(math.Ceil(safetyStock)),
			ReorderPoint:             int64(math.Ceil(reorderPoint)),
			Status:                   domain.StatusPending,
			CreatedDay:               domain.Day(today),
			CreatedAt:                today,
			UpdatedAt:                today,
		}

		daysUntilStockout := current / dailyDemand
		stockoutDate := domain.Day(today.AddDate(0, 0, int(daysUntilStockout)))
		rec.StockoutDateEstimate = &stockoutDate
		orderDate := domain.Day(today.AddDate(0, 0, int(daysUntilStockout)-leadTimeDays))
		rec.RecommendedOrderDate = &orderDate

		recommendations = append(recommendations, rec)
	}

	return recommendations, nil
}

// coarsePriority maps turnover stockout risk and the reorder-point breach
// into a recommendation priority.
func coarsePriority(risk domain.RiskLevel, belowReorderPoint bool) domain.ReorderPriority {
	switch risk {
	case domain.RiskHigh:
		if belowReorderPoint {
			return domain.PriorityUrgent
		}
		return domain.PriorityHigh
	case domain.RiskMedium:
		if belowReorderPoint {
			return domain.PriorityHigh
		}
		return domain.PriorityMedium
	}
	return domain.PriorityLow
}
