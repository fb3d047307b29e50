package forecast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/metrics"
	apptesting "github.com/demandline/demandline/internal/testing"
)

func seedDemandMetric(t *testing.T, db *database.DB, productID string, revenue int64) {
	t.Helper()

	repo := metrics.NewProductDemandRepository(db)
	require.NoError(t, repo.Upsert(context.Background(), &domain.ProductDemandMetric{
		ProductID:    productID,
		ProductName:  "Product " + productID,
		SKU:          "SKU-" + productID,
		PeriodStart:  "2025-02-08",
		PeriodEnd:    "2025-03-09",
		PeriodDays:   30,
		TotalRevenue: revenue,
		CalculatedAt: engineTestClock.Now(),
	}))
}

func TestTopNIsolatesPerProductFailures(t *testing.T) {
	engine, db := newTestEngine(t)

	// p1 has a full order history, p2 has none and cannot be forecast.
	seedProductOrders(t, db, "p1", 40, func(i int) int { return 5 + i%3 })
	seedDemandMetric(t, db, "p1", 200000)
	seedDemandMetric(t, db, "p2", 50000)

	results, err := engine.TopN(context.Background(), 5, 7, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "p1", results[0].ProductID)
	assert.Equal(t, int64(200000), results[0].TotalRevenue)
	require.NotNil(t, results[0].Frame)
	assert.Empty(t, results[0].Err)
	assert.Len(t, results[0].Frame.Forecast, 7)

	assert.Equal(t, "p2", results[1].ProductID)
	assert.Nil(t, results[1].Frame)
	assert.NotEmpty(t, results[1].Err)
}

func TestTopNWithoutDemandMetrics(t *testing.T) {
	engine, _ := newTestEngine(t)

	results, err := engine.TopN(context.Background(), 5, 7, 1)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCategoryForecastAggregatesMembers(t *testing.T) {
	engine, db := newTestEngine(t)

	apptesting.MustExec(t, db, `INSERT INTO products (id, name, sku, category, unit_cost) VALUES ('p1', 'Hammer', 'H-1', 'tools', 500)`)
	apptesting.MustExec(t, db, `INSERT INTO products (id, name, sku, category, unit_cost) VALUES ('p2', 'Wrench', 'W-1', 'tools', 700)`)
	apptesting.MustExec(t, db, `INSERT INTO products (id, name, sku, category, unit_cost) VALUES ('p3', 'Mug', 'M-1', 'kitchen', 200)`)
	seedProductOrders(t, db, "p1", 40, func(i int) int { return 4 })
	seedProductOrders(t, db, "p2", 40, func(i int) int { return 6 })
	seedProductOrders(t, db, "p3", 40, func(i int) int { return 100 })

	result, err := engine.Category(context.Background(), "tools", 7)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "tools", result.Group)
	assert.Equal(t, 2, result.Products)
	require.NotNil(t, result.Frame)
	require.Len(t, result.Frame.Forecast, 7)

	// The summed series runs near 10/day; the kitchen product must not leak in.
	for _, p := range result.Frame.Forecast {
		assert.InDelta(t, 10.0, p.Point, 3.0, "date %s", p.Date)
	}
}

func TestCategoryForecastEmptyCategory(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.Category(context.Background(), "missing", 7)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.Products)
	assert.Nil(t, result.Frame)
}

func TestWarehouseForecastAggregatesStockedProducts(t *testing.T) {
	engine, db := newTestEngine(t)

	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p1', 'wh-east', 100, 10, '2025-03-09T00:00:00Z')`)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p2', 'wh-west', 100, 10, '2025-03-09T00:00:00Z')`)
	seedProductOrders(t, db, "p1", 40, func(i int) int { return 8 })
	seedProductOrders(t, db, "p2", 40, func(i int) int { return 50 })

	result, err := engine.Warehouse(context.Background(), "wh-east", 7)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 1, result.Products)
	require.NotNil(t, result.Frame)
	for _, p := range result.Frame.Forecast {
		assert.InDelta(t, 8.0, p.Point, 3.0, "date %s", p.Date)
	}
}

func TestGroupForecastValidatesPeriods(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Category(context.Background(), "tools", 0)
	assert.ErrorIs(t, err, ErrInvalidPeriods)
}
