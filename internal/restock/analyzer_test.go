package restock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
	"github.com/demandline/demandline/internal/metrics"
	"github.com/demandline/demandline/internal/quality"
	apptesting "github.com/demandline/demandline/internal/testing"
)

var testClock = domain.FixedClock{Time: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}

func newTestAnalyzer(t *testing.T) (*Analyzer, *database.DB) {
	t.Helper()

	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	_, client := apptesting.NewTestRedis(t)
	c := cache.New(client, "test", zerolog.Nop())

	engine := forecast.NewEngine(db, c, quality.NewValidator(zerolog.Nop()),
		metrics.NewProductDemandRepository(db), testClock, forecast.Config{}, zerolog.Nop())
	return NewAnalyzer(db, engine, testClock, zerolog.Nop()), db
}

// seedSales mirrors `days` consecutive completed orders for one product,
// ending the day before the test clock.
func seedSales(t *testing.T, db *database.DB, productID string, days int, qtyPerDay int) {
	t.Helper()

	end := testClock.Now().AddDate(0, 0, -1)
	for i := 0; i < days; i++ {
		day := domain.Day(end.AddDate(0, 0, i-days+1))
		orderID := fmt.Sprintf("ord-%s-%03d", productID, i)
		apptesting.MustExec(t, db,
			`INSERT INTO orders (id, customer_id, order_date, status, total, created_at) VALUES (?, 'c1', ?, 'completed', ?, ?)`,
			orderID, day, qtyPerDay*100, day+"T00:00:00Z")
		apptesting.MustExec(t, db,
			`INSERT INTO order_items (order_id, product_id, product_name, sku, quantity, unit_price) VALUES (?, ?, 'P', 'S', ?, 100)`,
			orderID, productID, qtyPerDay)
	}
}

func TestPlanFromStats(t *testing.T) {
	plan := PlanFromStats(10, 2, 7, 0.95)

	assert.Equal(t, int64(9), plan.SafetyStock)
	assert.Equal(t, int64(79), plan.ReorderPoint)
	assert.Equal(t, int64(300), plan.EOQ)
	assert.InDelta(t, 70.0, plan.LeadTimeDemand, 1e-9)
	assert.Equal(t, "success", plan.Status)
}

func TestPlanFromStatsEdgeCases(t *testing.T) {
	// Zero variability means the reorder point is pure lead-time demand.
	plan := PlanFromStats(10, 0, 7, 0.95)
	assert.Equal(t, int64(0), plan.SafetyStock)
	assert.Equal(t, int64(70), plan.ReorderPoint)

	// An out-of-range service level falls back to the default.
	fallback := PlanFromStats(10, 2, 7, 1.5)
	assert.Equal(t, PlanFromStats(10, 2, 7, 0.95), fallback)

	// Zero lead time needs no stock on order.
	instant := PlanFromStats(10, 2, 0, 0.95)
	assert.Equal(t, int64(0), instant.ReorderPoint)
	assert.Equal(t, int64(0), instant.SafetyStock)
}

func TestGradePriority(t *testing.T) {
	days3 := 3
	days10 := 10
	days20 := 20
	days60 := 60

	cases := []struct {
		name     string
		current  int64
		reorder  int64
		lead     int
		days     *int
		priority domain.ReorderPriority
		score    int
	}{
		{"out of stock", 0, 50, 7, nil, domain.PriorityCritical, 100},
		{"negative stock", -5, 50, 7, &days3, domain.PriorityCritical, 100},
		{"stockout inside lead time", 20, 50, 7, &days3, domain.PriorityUrgent, 75},
		{"below half reorder point", 20, 50, 7, nil, domain.PriorityUrgent, 80},
		{"below reorder point", 40, 50, 7, nil, domain.PriorityHigh, 60},
		{"stockout inside double lead time", 100, 50, 7, &days10, domain.PriorityHigh, 55},
		{"stockout inside a month", 100, 50, 7, &days20, domain.PriorityMedium, 40},
		{"comfortable", 100, 50, 7, &days60, domain.PriorityLow, 20},
		{"no projection", 100, 50, 7, nil, domain.PriorityLow, 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			priority, score := gradePriority(tc.current, tc.reorder, tc.lead, tc.days)
			assert.Equal(t, tc.priority, priority)
			assert.Equal(t, tc.score, score)
		})
	}
}

func TestSimulateStockout(t *testing.T) {
	frame := &forecast.Frame{Forecast: []forecast.Point{
		{Point: 10}, {Point: 10}, {Point: 10}, {Point: 10},
	}}

	days := simulateStockout(frame, 25, 0)
	require.NotNil(t, days)
	assert.Equal(t, 3, *days)

	zero := simulateStockout(frame, 0, 0)
	require.NotNil(t, zero)
	assert.Equal(t, 0, *zero)

	// Past the frame the simulation extends with the historical mean.
	extended := simulateStockout(frame, 100, 5)
	require.NotNil(t, extended)
	assert.Equal(t, 16, *extended) // 40 over the frame, then 12 more days at 5

	assert.Nil(t, simulateStockout(nil, 100, 0))
	assert.Nil(t, simulateStockout(frame, 100000, 5))
}

func TestForecastTotals(t *testing.T) {
	points := make([]forecast.Point, 30)
	for i := range points {
		points[i] = forecast.Point{Point: 4}
	}
	total7, total30 := forecastTotals(&forecast.Frame{Forecast: points}, 99)
	assert.InDelta(t, 28.0, total7, 1e-9)
	assert.InDelta(t, 120.0, total30, 1e-9)

	// A short frame tops up with the historical mean.
	total7, total30 = forecastTotals(&forecast.Frame{Forecast: points[:3]}, 2)
	assert.InDelta(t, 4*3+2*4.0, total7, 1e-9)
	assert.InDelta(t, 4*3+2*27.0, total30, 1e-9)

	total7, total30 = forecastTotals(nil, 3)
	assert.InDelta(t, 21.0, total7, 1e-9)
	assert.InDelta(t, 90.0, total30, 1e-9)
}

func TestDemandStatsZeroFillsQuietDays(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	seedSales(t, db, "p1", 45, 6)

	mean, std, err := analyzer.demandStats(context.Background(), "p1")
	require.NoError(t, err)

	// 45 selling days of 6 units across a 90-day window.
	assert.InDelta(t, 3.0, mean, 1e-9)
	assert.InDelta(t, 3.0, std, 1e-9)
}

func TestDemandStatsWithoutHistory(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)

	mean, std, err := analyzer.demandStats(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

func TestReorderPointUsesForecastWhenAvailable(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	seedSales(t, db, "p1", 40, 5)

	plan, err := analyzer.ReorderPoint(context.Background(), "p1", 7, 0.95, 30)
	require.NoError(t, err)

	assert.Equal(t, "success", plan.Status)
	assert.Greater(t, plan.ReorderPoint, int64(0))
	assert.Greater(t, plan.Forecast7d, 0.0)
	assert.Greater(t, plan.Forecast30d, plan.Forecast7d)
}

func TestReorderPointDegradesWithoutForecast(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	// 10 selling days is below the forecast quality gate.
	seedSales(t, db, "p1", 10, 5)

	plan, err := analyzer.ReorderPoint(context.Background(), "p1", 7, 0.95, 30)
	require.NoError(t, err)

	assert.Equal(t, "no_forecast", plan.Status)
	assert.InDelta(t, plan.DailyDemandMean*7, plan.Forecast7d, 1e-9)
	assert.InDelta(t, plan.DailyDemandMean*30, plan.Forecast30d, 1e-9)
}

func TestStockoutRiskEscalatesLowStock(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	seedSales(t, db, "p1", 40, 5)

	risk, err := analyzer.StockoutRisk(context.Background(), "p1", 10, 7, 30)
	require.NoError(t, err)

	// Roughly five units a day against ten in stock runs out inside the
	// lead time.
	assert.Equal(t, domain.PriorityUrgent, risk.Priority)
	assert.Equal(t, 75, risk.PriorityScore)
	require.NotNil(t, risk.DaysUntilStockout)
	assert.Less(t, *risk.DaysUntilStockout, 7)
	assert.True(t, risk.ShouldReorder)
	assert.Greater(t, risk.RecommendedOrderQuantity, int64(0))
}

func TestStockoutRiskComfortableStock(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	seedSales(t, db, "p1", 40, 1)

	risk, err := analyzer.StockoutRisk(context.Background(), "p1", 5000, 7, 30)
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityLow, risk.Priority)
	assert.False(t, risk.ShouldReorder)
	assert.Zero(t, risk.RecommendedOrderQuantity)
}

func TestGenerateRecommendation(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	apptesting.MustExec(t, db, `INSERT INTO products (id, name, sku, category, unit_cost) VALUES ('p1', 'Espresso Beans', 'EB-1', 'coffee', 900)`)
	seedSales(t, db, "p1", 40, 5)

	rec, err := analyzer.GenerateRecommendation(context.Background(), "p1", "wh-east", 10, 20, 7)
	require.NoError(t, err)

	assert.Equal(t, "p1", rec.ProductID)
	assert.Equal(t, "Espresso Beans", rec.ProductName)
	assert.Equal(t, "wh-east", rec.WarehouseID)
	assert.Equal(t, int64(10), rec.CurrentStock)
	assert.Equal(t, int64(20), rec.MinStockLevel)
	assert.Equal(t, domain.PriorityUrgent, rec.ReorderPriority)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, "2025-03-10", rec.CreatedDay)
	assert.GreaterOrEqual(t, rec.RecommendedOrderQuantity, rec.ReorderPoint-rec.CurrentStock)

	require.NotNil(t, rec.StockoutDateEstimate)
	require.NotNil(t, rec.RecommendedOrderDate)
	// The projected stockout is inside the lead time, so the order date
	// clamps to today.
	assert.Equal(t, "2025-03-10", *rec.RecommendedOrderDate)
	assert.Less(t, *rec.StockoutDateEstimate, "2025-03-17")
}
