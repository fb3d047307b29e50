package forecast

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/demandline/demandline/internal/domain"
)

// ProductForecast is one entry of a top-N batch. Err is set instead of
// Frame when that product's forecast failed; the batch never aborts.
type ProductForecast struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	TotalRevenue int64  `json:"total_revenue"`
	Frame        *Frame `json:"frame,omitempty"`
	Err          string `json:"error,omitempty"`
}

// TopN forecasts the N products with the highest recent revenue. Work runs
// sequentially by default to keep the training CPU budget bounded; workers
// above 1 opt into parallelism.
func (e *Engine) TopN(ctx context.Context, n, periods, workers int) ([]ProductForecast, error) {
	sinceDay := domain.Day(e.clock.Now().AddDate(0, 0, -90))

	top, err := e.demand.TopByRevenue(ctx, n, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("top-n forecast: %w", err)
	}

	results := make([]ProductForecast, len(top))
	for i, m := range top {
		results[i] = ProductForecast{
			ProductID:    m.ProductID,
			ProductName:  m.ProductName,
			TotalRevenue: m.TotalRevenue,
		}
	}

	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range results {
		g.Go(func() error {
			frame, err := e.Forecast(gctx, ProductScope(results[i].ProductID), periods, true)
			if err != nil {
				results[i].Err = err.Error()
				return nil
			}
			if frame == nil {
				results[i].Err = "insufficient demand history"
				return nil
			}
			results[i].Frame = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// GroupForecast is the outcome of a category or warehouse aggregate.
type GroupForecast struct {
	Group    string `json:"group"`
	Products int    `json:"products"`
	Frame    *Frame `json:"frame,omitempty"`
}

// Category aggregates the daily series of every product in a category into
// one summed series and forecasts it with a freshly trained model.
func (e *Engine) Category(ctx context.Context, category string, periods int) (*GroupForecast, error) {
	productIDs, err := e.productsInCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	return e.groupForecast(ctx, category, productIDs, periods)
}

// Warehouse aggregates the daily series of every product stocked in a
// warehouse and forecasts the sum.
func (e *Engine) Warehouse(ctx context.Context, warehouseID string, periods int) (*GroupForecast, error) {
	productIDs, err := e.productsInWarehouse(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	return e.groupForecast(ctx, warehouseID, productIDs, periods)
}

// groupForecast trains a fresh model on the aggregated series. Group
// aggregates bypass the model cache: their fingerprints churn with any
// member product, so caching buys nothing.
func (e *Engine) groupForecast(ctx context.Context, group string, productIDs []string, periods int) (*GroupForecast, error) {
	if periods < 1 || periods > maxPeriods {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriods, periods)
	}

	result := &GroupForecast{Group: group, Products: len(productIDs)}
	if len(productIDs) == 0 {
		return result, nil
	}

	raw, err := e.aggregateSeries(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	prep := cleanSeries(raw)
	if len(prep.Series) == 0 {
		return result, nil
	}

	report := e.validator.Validate(prep.Series)
	if !report.IsValid {
		return result, nil
	}
	series := prep.Series
	if report.QualityScore < 100 {
		series = e.validator.AutoClean(series)
	}

	e.trainings.Add(1)
	model, err := e.train(series, e.clock.Now())
	if err != nil {
		result.Frame = e.movingAverageFrame(series, periods)
		return result, nil
	}

	result.Frame = e.predictFrame(model, series, periods)
	return result, nil
}

func (e *Engine) productsInCategory(ctx context.Context, category string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id FROM products WHERE category = ? ORDER BY id`, category)
	if err != nil {
		return nil, fmt.Errorf("load category products %s: %w", category, err)
	}
	defer rows.Close()
	return scanIDs(rows.Next, rows.Scan, rows.Err)
}

func (e *Engine) productsInWarehouse(ctx context.Context, warehouseID string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT DISTINCT product_id FROM inventory_levels WHERE warehouse_id = ? ORDER BY product_id`, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("load warehouse products %s: %w", warehouseID, err)
	}
	defer rows.Close()
	return scanIDs(rows.Next, rows.Scan, rows.Err)
}

func scanIDs(next func() bool, scan func(...interface{}) error, rowsErr func() error) ([]string, error) {
	var ids []string
	for next() {
		var id string
		if err := scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rowsErr()
}

// aggregateSeries sums the daily sold quantity across a product set.
func (e *Engine) aggregateSeries(ctx context.Context, productIDs []string) ([]domain.SeriesPoint, error) {
	sinceDay := domain.Day(e.clock.Now().AddDate(0, 0, -e.historyDays))

	placeholders := strings.Repeat("?,", len(productIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(productIDs)+1)
	for _, id := range productIDs {
		args = append(args, id)
	}
	args = append(args, sinceDay)

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT o.order_date, SUM(i.quantity)
		FROM order_items i
		JOIN orders o ON o.id = i.order_id
		WHERE i.product_id IN (%s) AND o.status = 'completed' AND o.order_date >= ?
		GROUP BY o.order_date
		ORDER BY o.order_date ASC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate group series: %w", err)
	}
	defer rows.Close()

	var series []domain.SeriesPoint
	for rows.Next() {
		var day string
		var quantity float64
		if err := rows.Scan(&day, &quantity); err != nil {
			return nil, fmt.Errorf("scan group series point: %w", err)
		}
		date, perr := domain.ParseDay(day)
		if perr != nil {
			continue
		}
		series = append(series, domain.SeriesPoint{Date: date, Value: quantity})
	}
	return series, rows.Err()
}
