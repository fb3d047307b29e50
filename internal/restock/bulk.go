package restock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/demandline/demandline/internal/domain"
)

// BulkRequest scopes a bulk analysis run.
type BulkRequest struct {
	WarehouseID  string                 `json:"warehouse_id,omitempty"`
	LeadTimeDays int                    `json:"lead_time_days,omitempty"`
	MaxProducts  int                    `json:"max_products,omitempty"`
	MinPriority  domain.ReorderPriority `json:"min_priority,omitempty"`
}

// BulkFailure reports one product whose analysis failed. Failures never
// abort the batch.
type BulkFailure struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Message     string `json:"message"`
}

// BulkResult is the outcome of a bulk analysis.
type BulkResult struct {
	Recommendations  []domain.StockReorderRecommendation `json:"recommendations"`
	Failures         []BulkFailure                       `json:"failures,omitempty"`
	Total            int                                 `json:"total"`
	PriorityCounts   map[domain.ReorderPriority]int      `json:"priority_counts"`
	ProcessingTimeMS int64                               `json:"processing_time_ms"`
}

// stockedItem is one (product, warehouse) inventory row under analysis.
type stockedItem struct {
	productID   string
	warehouseID string
	quantity    int64
	minStock    int64
}

// Bulk analyzes every stocked product in scope with bounded parallelism,
// filters by minimum priority, and sorts by urgency.
func (a *Analyzer) Bulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	started := a.clock.Now()

	if req.LeadTimeDays <= 0 {
		req.LeadTimeDays = 7
	}

	items, err := a.stockedItems(ctx, req.WarehouseID, req.MaxProducts)
	if err != nil {
		return nil, err
	}

	workers := a.Workers
	if workers < 1 {
		workers = 1
	}

	type scored struct {
		rec   *domain.StockReorderRecommendation
		score int
	}
	results := make([]scored, len(items))
	var mu sync.Mutex
	var failures []BulkFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			rec, score, err := a.analyze(gctx, item.productID, item.warehouseID,
				item.quantity, item.minStock, req.LeadTimeDays)
			if err != nil {
				a.log.Warn().Err(err).
					Str("product_id", item.productID).
					Str("warehouse_id", item.warehouseID).
					Msg("Bulk analysis failed for product")
				mu.Lock()
				failures = append(failures, BulkFailure{
					ProductID:   item.productID,
					WarehouseID: item.warehouseID,
					Message:     err.Error(),
				})
				mu.Unlock()
				return nil
			}
			results[i] = scored{rec: rec, score: score}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &BulkResult{PriorityCounts: map[domain.ReorderPriority]int{}}
	minRank := req.MinPriority.Rank()
	kept := results[:0]
	for _, s := range results {
		if s.rec == nil || s.rec.ReorderPriority.Rank() < minRank {
			continue
		}
		kept = append(kept, s)
	}

	// Most urgent first: highest score, then soonest projected stockout,
	// products with no projection last.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		di, dj := kept[i].rec.StockoutDateEstimate, kept[j].rec.StockoutDateEstimate
		switch {
		case di == nil && dj == nil:
			return kept[i].rec.ProductID < kept[j].rec.ProductID
		case di == nil:
			return false
		case dj == nil:
			return true
		}
		return *di < *dj
	})

	for _, s := range kept {
		result.Recommendations = append(result.Recommendations, *s.rec)
		result.PriorityCounts[s.rec.ReorderPriority]++
	}

	result.Failures = failures
	result.Total = len(result.Recommendations)
	result.ProcessingTimeMS = a.clock.Now().Sub(started).Milliseconds()
	return result, nil
}

// stockedItems enumerates inventory rows in scope.
func (a *Analyzer) stockedItems(ctx context.Context, warehouseID string, limit int) ([]stockedItem, error) {
	query := `SELECT product_id, warehouse_id, quantity, min_stock_level FROM inventory_levels`
	var args []interface{}
	if warehouseID != "" {
		query += ` WHERE warehouse_id = ?`
		args = append(args, warehouseID)
	}
	query += ` ORDER BY product_id, warehouse_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enumerate stocked products: %w", err)
	}
	defer rows.Close()

	var items []stockedItem
	for rows.Next() {
		var item stockedItem
		if err := rows.Scan(&item.productID, &item.warehouseID, &item.quantity, &item.minStock); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
