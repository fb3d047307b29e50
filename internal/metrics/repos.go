package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// DailySalesRepository persists one DailySalesMetric row per date.
type DailySalesRepository struct {
	db *database.DB
}

func NewDailySalesRepository(db *database.DB) *DailySalesRepository {
	return &DailySalesRepository{db: db}
}

// Upsert writes the metric keyed by date.
func (r *DailySalesRepository) Upsert(ctx context.Context, m *domain.DailySalesMetric) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_sales_metrics
			(date, total_sales, total_orders, average_order_value, products_sold, unique_products, unique_customers, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total_sales = excluded.total_sales,
			total_orders = excluded.total_orders,
			average_order_value = excluded.average_order_value,
			products_sold = excluded.products_sold,
			unique_products = excluded.unique_products,
			unique_customers = excluded.unique_customers,
			calculated_at = excluded.calculated_at`,
		m.Date, m.TotalSales, m.TotalOrders, m.AverageOrderValue, m.ProductsSold,
		m.UniqueProducts, m.UniqueCustomers, m.CalculatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert daily sales metric %s: %w", m.Date, err)
	}
	return nil
}

// GetByDate returns the metric for one day, or nil.
func (r *DailySalesRepository) GetByDate(ctx context.Context, date string) (*domain.DailySalesMetric, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, date, total_sales, total_orders, average_order_value, products_sold,
		       unique_products, unique_customers, calculated_at
		FROM daily_sales_metrics WHERE date = ?`, date)

	m, err := scanDailyMetric(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load daily sales metric %s: %w", date, err)
	}
	return m, nil
}

// GetRange returns metrics with from ≤ date ≤ to in ascending date order.
func (r *DailySalesRepository) GetRange(ctx context.Context, from, to string) ([]domain.DailySalesMetric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, date, total_sales, total_orders, average_order_value, products_sold,
		       unique_products, unique_customers, calculated_at
		FROM daily_sales_metrics WHERE date >= ? AND date <= ? ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load daily sales range: %w", err)
	}
	defer rows.Close()

	var metrics []domain.DailySalesMetric
	for rows.Next() {
		m, err := scanDailyMetric(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan daily sales metric: %w", err)
		}
		metrics = append(metrics, *m)
	}
	return metrics, rows.Err()
}

// DeleteOlderThan removes metrics before the cutoff day and returns the count.
func (r *DailySalesRepository) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM daily_sales_metrics WHERE date < ?`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("delete old daily sales metrics: %w", err)
	}
	return res.RowsAffected()
}

func scanDailyMetric(scan func(...interface{}) error) (*domain.DailySalesMetric, error) {
	var m domain.DailySalesMetric
	var calculatedAt string
	err := scan(&m.ID, &m.Date, &m.TotalSales, &m.TotalOrders, &m.AverageOrderValue,
		&m.ProductsSold, &m.UniqueProducts, &m.UniqueCustomers, &calculatedAt)
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339, calculatedAt); perr == nil {
		m.CalculatedAt = t
	}
	return &m, nil
}

// ProductDemandRepository persists per-product demand metrics.
type ProductDemandRepository struct {
	db *database.DB
}

func NewProductDemandRepository(db *database.DB) *ProductDemandRepository {
	return &ProductDemandRepository{db: db}
}

// Upsert writes the metric keyed by (product_id, period_start, period_end).
func (r *ProductDemandRepository) Upsert(ctx context.Context, m *domain.ProductDemandMetric) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_demand_metrics
			(product_id, product_name, sku, period_start, period_end, period_days,
			 total_quantity_sold, total_orders, average_daily_demand, max_daily_demand,
			 min_daily_demand, total_revenue, average_price, trend, trend_percentage, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, period_start, period_end) DO UPDATE SET
			product_name = excluded.product_name,
			sku = excluded.sku,
			period_days = excluded.period_days,
			total_quantity_sold = excluded.total_quantity_sold,
			total_orders = excluded.total_orders,
			average_daily_demand = excluded.average_daily_demand,
			max_daily_demand = excluded.max_daily_demand,
			min_daily_demand = excluded.min_daily_demand,
			total_revenue = excluded.total_revenue,
			average_price = excluded.average_price,
			trend = excluded.trend,
			trend_percentage = excluded.trend_percentage,
			calculated_at = excluded.calculated_at`,
		m.ProductID, m.ProductName, m.SKU, m.PeriodStart, m.PeriodEnd, m.PeriodDays,
		m.TotalQuantitySold, m.TotalOrders, m.AverageDailyDemand, m.MaxDailyDemand,
		m.MinDailyDemand, m.TotalRevenue, m.AveragePrice, string(m.Trend), m.TrendPercentage,
		m.CalculatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert product demand metric %s: %w", m.ProductID, err)
	}
	return nil
}

// LatestForProduct returns the most recently calculated metric for a
// product, or nil when none exists.
func (r *ProductDemandRepository) LatestForProduct(ctx context.Context, productID string) (*domain.ProductDemandMetric, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, product_id, product_name, sku, period_start, period_end, period_days,
		       total_quantity_sold, total_orders, average_daily_demand, max_daily_demand,
		       min_daily_demand, total_revenue, average_price, trend, trend_percentage, calculated_at
		FROM product_demand_metrics
		WHERE product_id = ?
		ORDER BY period_end DESC, calculated_at DESC LIMIT 1`, productID)

	m, err := scanDemandMetric(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load demand metric for %s: %w", productID, err)
	}
	return m, nil
}

// TopByRevenue returns the N products with the highest revenue among
// metrics whose period ends on or after sinceDay, one row per product.
func (r *ProductDemandRepository) TopByRevenue(ctx context.Context, n int, sinceDay string) ([]domain.ProductDemandMetric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, sku, period_start, period_end, period_days,
		       total_quantity_sold, total_orders, average_daily_demand, max_daily_demand,
		       min_daily_demand, total_revenue, average_price, trend, trend_percentage, calculated_at
		FROM product_demand_metrics
		WHERE period_end >= ?
		  AND id IN (
			SELECT id FROM product_demand_metrics p2
			WHERE p2.product_id = product_demand_metrics.product_id
			ORDER BY p2.period_end DESC, p2.calculated_at DESC LIMIT 1
		  )
		ORDER BY total_revenue DESC LIMIT ?`, sinceDay, n)
	if err != nil {
		return nil, fmt.Errorf("load top products by revenue: %w", err)
	}
	defer rows.Close()

	var metrics []domain.ProductDemandMetric
	for rows.Next() {
		m, err := scanDemandMetric(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan demand metric: %w", err)
		}
		metrics = append(metrics, *m)
	}
	return metrics, rows.Err()
}

// DeleteOlderThan removes metrics whose period ended before the cutoff.
func (r *ProductDemandRepository) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM product_demand_metrics WHERE period_end < ?`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("delete old demand metrics: %w", err)
	}
	return res.RowsAffected()
}

func scanDemandMetric(scan func(...interface{}) error) (*domain.ProductDemandMetric, error) {
	var m domain.ProductDemandMetric
	var trend, calculatedAt string
	err := scan(&m.ID, &m.ProductID, &m.ProductName, &m.SKU, &m.PeriodStart, &m.PeriodEnd,
		&m.PeriodDays, &m.TotalQuantitySold, &m.TotalOrders, &m.AverageDailyDemand,
		&m.MaxDailyDemand, &m.MinDailyDemand, &m.TotalRevenue, &m.AveragePrice,
		&trend, &m.TrendPercentage, &calculatedAt)
	if err != nil {
		return nil, err
	}
	m.Trend = domain.Trend(trend)
	if t, perr := time.Parse(time.RFC3339, calculatedAt); perr == nil {
		m.CalculatedAt = t
	}
	return &m, nil
}

// InventoryTurnoverRepository persists turnover metrics.
type InventoryTurnoverRepository struct {
	db *database.DB
}

func NewInventoryTurnoverRepository(db *database.DB) *InventoryTurnoverRepository {
	return &InventoryTurnoverRepository{db: db}
}

// Upsert writes the metric keyed by (product, warehouse, period).
func (r *InventoryTurnoverRepository) Upsert(ctx context.Context, m *domain.InventoryTurnoverMetric) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_turnover_metrics
			(product_id, product_name, warehouse_id, period_start, period_end, period_days,
			 average_inventory, starting_inventory, ending_inventory, units_sold,
			 cost_of_goods_sold, turnover_rate, days_of_inventory, classification,
			 stockout_risk, overstock_risk, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, warehouse_id, period_start, period_end) DO UPDATE SET
			product_name = excluded.product_name,
			period_days = excluded.period_days,
			average_inventory = excluded.average_inventory,
			starting_inventory = excluded.starting_inventory,
			ending_inventory = excluded.ending_inventory,
			units_sold = excluded.units_sold,
			cost_of_goods_sold = excluded.cost_of_goods_sold,
			turnover_rate = excluded.turnover_rate,
			days_of_inventory = excluded.days_of_inventory,
			classification = excluded.classification,
			stockout_risk = excluded.stockout_risk,
			overstock_risk = excluded.overstock_risk,
			calculated_at = excluded.calculated_at`,
		m.ProductID, m.ProductName, m.WarehouseID, m.PeriodStart, m.PeriodEnd, m.PeriodDays,
		m.AverageInventory, m.StartingInventory, m.EndingInventory, m.UnitsSold,
		m.CostOfGoodsSold, m.TurnoverRate, m.DaysOfInventory, string(m.Classification),
		string(m.StockoutRisk), string(m.OverstockRisk), m.CalculatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert turnover metric %s/%s: %w", m.ProductID, m.WarehouseID, err)
	}
	return nil
}

// RecentAtRisk returns the latest turnover row per (product, warehouse)
// whose period ended on or after sinceDay and whose stockout risk is medium
// or high. Feeds the coarse recommendation job.
func (r *InventoryTurnoverRepository) RecentAtRisk(ctx context.Context, sinceDay string) ([]domain.InventoryTurnoverMetric, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, warehouse_id, period_start, period_end, period_days,
		       average_inventory, starting_inventory, ending_inventory, units_sold,
		       cost_of_goods_sold, turnover_rate, days_of_inventory, classification,
		       stockout_risk, overstock_risk, calculated_at
		FROM inventory_turnover_metrics
		WHERE period_end >= ?
		  AND stockout_risk IN ('medium', 'high')
		  AND id IN (
			SELECT id FROM inventory_turnover_metrics t2
			WHERE t2.product_id = inventory_turnover_metrics.product_id
			  AND t2.warehouse_id = inventory_turnover_metrics.warehouse_id
			ORDER BY t2.period_end DESC, t2.calculated_at DESC LIMIT 1
		  )
		ORDER BY product_id, warehouse_id`, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("load at-risk turnover metrics: %w", err)
	}
	defer rows.Close()

	var metrics []domain.InventoryTurnoverMetric
	for rows.Next() {
		var m domain.InventoryTurnoverMetric
		var classification, stockoutRisk, overstockRisk, calculatedAt string
		err := rows.Scan(&m.ID, &m.ProductID, &m.ProductName, &m.WarehouseID, &m.PeriodStart,
			&m.PeriodEnd, &m.PeriodDays, &m.AverageInventory, &m.StartingInventory,
			&m.EndingInventory, &m.UnitsSold, &m.CostOfGoodsSold, &m.TurnoverRate,
			&m.DaysOfInventory, &classification, &stockoutRisk, &overstockRisk, &calculatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan turnover metric: %w", err)
		}
		m.Classification = domain.MovementClass(classification)
		m.StockoutRisk = domain.RiskLevel(stockoutRisk)
		m.OverstockRisk = domain.RiskLevel(overstockRisk)
		if t, perr := time.Parse(time.RFC3339, calculatedAt); perr == nil {
			m.CalculatedAt = t
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// DeleteOlderThan removes turnover metrics whose period ended before the cutoff.
func (r *InventoryTurnoverRepository) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM inventory_turnover_metrics WHERE period_end < ?`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("delete old turnover metrics: %w", err)
	}
	return res.RowsAffected()
}
