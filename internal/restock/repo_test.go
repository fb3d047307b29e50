package restock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/domain"
	apptesting "github.com/demandline/demandline/internal/testing"
)

func sampleRecommendation(productID, warehouseID, day string) *domain.StockReorderRecommendation {
	now := testClock.Now()
	stockout := "2025-03-14"
	return &domain.StockReorderRecommendation{
		ProductID:                productID,
		ProductName:              "Product " + productID,
		WarehouseID:              warehouseID,
		CurrentStock:             20,
		MinStockLevel:            10,
		AverageDailyDemand:       5,
		PredictedDemand7d:        35,
		PredictedDemand30d:       150,
		RecommendedOrderQuantity: 150,
		ReorderPriority:          domain.PriorityHigh,
		SafetyStock:              70,
		ReorderPoint:             105,
		StockoutDateEstimate:     &stockout,
		Status:                   domain.StatusPending,
		CreatedDay:               day,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func TestRecommendationUpsertKeepsStatus(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewRecommendationRepository(db)
	ctx := context.Background()

	rec := sampleRecommendation("p1", "wh-1", "2025-03-10")
	require.NoError(t, repo.Upsert(ctx, rec))

	recs, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NoError(t, repo.UpdateStatus(ctx, recs[0].ID, domain.StatusReviewed, testClock.Now()))

	// Re-running the analysis the same day refreshes the numbers but must
	// not reset the review status.
	rec.CurrentStock = 5
	rec.ReorderPriority = domain.PriorityUrgent
	require.NoError(t, repo.Upsert(ctx, rec))

	assert.Equal(t, 1, apptesting.CountRows(t, db, "stock_reorder_recommendations"))

	updated, err := repo.GetByID(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), updated.CurrentStock)
	assert.Equal(t, domain.PriorityUrgent, updated.ReorderPriority)
	assert.Equal(t, domain.StatusReviewed, updated.Status)
}

func TestRecommendationStatusLifecycle(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewRecommendationRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, sampleRecommendation("p1", "wh-1", "2025-03-10")))
	recs, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	id := recs[0].ID

	require.NoError(t, repo.UpdateStatus(ctx, id, domain.StatusReviewed, testClock.Now()))
	require.NoError(t, repo.UpdateStatus(ctx, id, domain.StatusOrdered, testClock.Now()))

	// Ordered is terminal.
	err = repo.UpdateStatus(ctx, id, domain.StatusDismissed, testClock.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrdered, got.Status)
}

func TestRecommendationStatusUnknownID(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewRecommendationRepository(db)

	err := repo.UpdateStatus(context.Background(), 404, domain.StatusReviewed, testClock.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecommendationListFiltersAndOrders(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewRecommendationRepository(db)
	ctx := context.Background()

	low := sampleRecommendation("p1", "wh-1", "2025-03-10")
	low.ReorderPriority = domain.PriorityLow
	critical := sampleRecommendation("p2", "wh-1", "2025-03-10")
	critical.ReorderPriority = domain.PriorityCritical
	medium := sampleRecommendation("p3", "wh-2", "2025-03-09")
	medium.ReorderPriority = domain.PriorityMedium
	for _, rec := range []*domain.StockReorderRecommendation{low, critical, medium} {
		require.NoError(t, repo.Upsert(ctx, rec))
	}

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "p2", all[0].ProductID)
	assert.Equal(t, "p3", all[1].ProductID)
	assert.Equal(t, "p1", all[2].ProductID)

	wh2, err := repo.List(ctx, ListFilter{WarehouseID: "wh-2"})
	require.NoError(t, err)
	require.Len(t, wh2, 1)
	assert.Equal(t, "p3", wh2[0].ProductID)

	recent, err := repo.List(ctx, ListFilter{SinceDay: "2025-03-10"})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := repo.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "p2", limited[0].ProductID)
}

func TestRecommendationRetentionKeepsOrdered(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewRecommendationRepository(db)
	ctx := context.Background()

	stale := sampleRecommendation("p1", "wh-1", "2024-11-01")
	ordered := sampleRecommendation("p2", "wh-1", "2024-11-01")
	fresh := sampleRecommendation("p3", "wh-1", "2025-03-10")
	for _, rec := range []*domain.StockReorderRecommendation{stale, ordered, fresh} {
		require.NoError(t, repo.Upsert(ctx, rec))
	}

	recs, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.ProductID == "p2" {
			require.NoError(t, repo.UpdateStatus(ctx, rec.ID, domain.StatusOrdered, testClock.Now()))
		}
	}

	deleted, err := repo.DeleteOlderThan(ctx, "2025-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	ids := []string{remaining[0].ProductID, remaining[1].ProductID}
	assert.ElementsMatch(t, []string{"p2", "p3"}, ids)
}

func TestBulkAnalyzesStockedProducts(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	ctx := context.Background()

	// p1 sells fast and is nearly out; p2 barely sells and is overstocked.
	seedSales(t, db, "p1", 40, 5)
	seedSales(t, db, "p2", 40, 1)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p1', 'wh-1', 8, 20, '2025-03-09T00:00:00Z')`)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p2', 'wh-1', 5000, 20, '2025-03-09T00:00:00Z')`)

	result, err := analyzer.Bulk(ctx, BulkRequest{LeadTimeDays: 7})
	require.NoError(t, err)

	require.Len(t, result.Recommendations, 2)
	assert.Equal(t, 2, result.Total)
	assert.Empty(t, result.Failures)
	assert.Equal(t, "p1", result.Recommendations[0].ProductID, "most urgent first")
	assert.Equal(t, domain.PriorityUrgent, result.Recommendations[0].ReorderPriority)
	assert.Equal(t, domain.PriorityLow, result.Recommendations[1].ReorderPriority)
	assert.Equal(t, 1, result.PriorityCounts[domain.PriorityUrgent])
	assert.Equal(t, 1, result.PriorityCounts[domain.PriorityLow])
	assert.GreaterOrEqual(t, result.ProcessingTimeMS, int64(0))
}

func TestBulkMinPriorityFilter(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)

	seedSales(t, db, "p1", 40, 5)
	seedSales(t, db, "p2", 40, 1)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p1', 'wh-1', 8, 20, '2025-03-09T00:00:00Z')`)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p2', 'wh-1', 5000, 20, '2025-03-09T00:00:00Z')`)

	result, err := analyzer.Bulk(context.Background(), BulkRequest{LeadTimeDays: 7, MinPriority: domain.PriorityHigh})
	require.NoError(t, err)

	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, "p1", result.Recommendations[0].ProductID)
	assert.Zero(t, result.PriorityCounts[domain.PriorityLow])
}

func TestBulkScopesByWarehouse(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)

	seedSales(t, db, "p1", 40, 2)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p1', 'wh-east', 10, 5, '2025-03-09T00:00:00Z')`)
	apptesting.MustExec(t, db, `INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at) VALUES ('p1', 'wh-west', 900, 5, '2025-03-09T00:00:00Z')`)

	result, err := analyzer.Bulk(context.Background(), BulkRequest{WarehouseID: "wh-east", LeadTimeDays: 7})
	require.NoError(t, err)

	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, "wh-east", result.Recommendations[0].WarehouseID)
}

func TestBulkEmptyInventory(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)

	result, err := analyzer.Bulk(context.Background(), BulkRequest{})
	require.NoError(t, err)
	assert.Empty(t, result.Recommendations)
	assert.Zero(t, result.Total)
}

// The analyzer must persist cleanly through the repository round trip.
func TestAnalyzeAndPersist(t *testing.T) {
	analyzer, db := newTestAnalyzer(t)
	repo := NewRecommendationRepository(db)
	ctx := context.Background()

	seedSales(t, db, "p1", 40, 5)
	rec, err := analyzer.GenerateRecommendation(ctx, "p1", "wh-1", 10, 5, 7)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, rec))

	stored, err := repo.List(ctx, ListFilter{Status: domain.StatusPending})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.ReorderPriority, stored[0].ReorderPriority)
	assert.Equal(t, rec.RecommendedOrderQuantity, stored[0].RecommendedOrderQuantity)
}
