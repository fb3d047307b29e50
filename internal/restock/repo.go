package restock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// ErrInvalidTransition rejects disallowed recommendation status changes.
var ErrInvalidTransition = errors.New("invalid recommendation status transition")

// ErrNotFound reports a missing recommendation.
var ErrNotFound = errors.New("recommendation not found")

// RecommendationRepository persists reorder recommendations. Rows are unique
// by (product_id, warehouse_id, created_day); re-running an analysis on the
// same day overwrites the mutable fields.
type RecommendationRepository struct {
	db *database.DB
}

func NewRecommendationRepository(db *database.DB) *RecommendationRepository {
	return &RecommendationRepository{db: db}
}

// Upsert writes one recommendation keyed by (product, warehouse, day).
// The review status is not overwritten on conflict.
func (r *RecommendationRepository) Upsert(ctx context.Context, rec *domain.StockReorderRecommendation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stock_reorder_recommendations
			(product_id, product_name, warehouse_id, current_stock, min_stock_level,
			 average_daily_demand, predicted_demand_7d, predicted_demand_30d,
			 recommended_order_quantity, reorder_priority, safety_stock, reorder_point,
			 stockout_date_estimate, recommended_order_date, status, created_day,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, warehouse_id, created_day) DO UPDATE SET
			product_name = excluded.product_name,
			current_stock = excluded.current_stock,
			min_stock_level = excluded.min_stock_level,
			average_daily_demand = excluded.average_daily_demand,
			predicted_demand_7d = excluded.predicted_demand_7d,
			predicted_demand_30d = excluded.predicted_demand_30d,
			recommended_order_quantity = excluded.recommended_order_quantity,
			reorder_priority = excluded.reorder_priority,
			safety_stock = excluded.safety_stock,
			reorder_point = excluded.reorder_point,
			stockout_date_estimate = excluded.stockout_date_estimate,
			recommended_order_date = excluded.recommended_order_date,
			updated_at = excluded.updated_at`,
		rec.ProductID, rec.ProductName, rec.WarehouseID, rec.CurrentStock, rec.MinStockLevel,
		rec.AverageDailyDemand, rec.PredictedDemand7d, rec.PredictedDemand30d,
		rec.RecommendedOrderQuantity, string(rec.ReorderPriority), rec.SafetyStock,
		rec.ReorderPoint, rec.StockoutDateEstimate, rec.RecommendedOrderDate,
		string(rec.Status), rec.CreatedDay,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert recommendation %s/%s: %w", rec.ProductID, rec.WarehouseID, err)
	}
	return nil
}

// GetByID loads one recommendation.
func (r *RecommendationRepository) GetByID(ctx context.Context, id int64) (*domain.StockReorderRecommendation, error) {
	row := r.db.QueryRowContext(ctx, selectRecommendation+` WHERE id = ?`, id)

	rec, err := scanRecommendation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recommendation %d: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows List. Zero values mean "no constraint".
type ListFilter struct {
	Status      domain.RecommendationStatus
	Priority    domain.ReorderPriority
	WarehouseID string
	SinceDay    string
	Limit       int
}

// List returns recommendations matching the filter, most urgent first.
func (r *RecommendationRepository) List(ctx context.Context, f ListFilter) ([]domain.StockReorderRecommendation, error) {
	query := selectRecommendation + ` WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += ` AND reorder_priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.WarehouseID != "" {
		query += ` AND warehouse_id = ?`
		args = append(args, f.WarehouseID)
	}
	if f.SinceDay != "" {
		query += ` AND created_day >= ?`
		args = append(args, f.SinceDay)
	}

	query += ` ORDER BY
		CASE reorder_priority
			WHEN 'critical' THEN 5 WHEN 'urgent' THEN 4 WHEN 'high' THEN 3
			WHEN 'medium' THEN 2 ELSE 1
		END DESC, created_day DESC, product_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()

	var recs []domain.StockReorderRecommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// UpdateStatus applies a status transition under the lifecycle rules.
func (r *RecommendationRepository) UpdateStatus(ctx context.Context, id int64, next domain.RecommendationStatus, now time.Time) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM stock_reorder_recommendations WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load recommendation status %d: %w", id, err)
		}

		if !domain.RecommendationStatus(current).CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE stock_reorder_recommendations SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), now.UTC().Format(time.RFC3339), id)
		if err != nil {
			return fmt.Errorf("update recommendation status %d: %w", id, err)
		}
		return nil
	})
}

// DeleteOlderThan removes stale recommendations, keeping ordered ones as an
// audit trail regardless of age.
func (r *RecommendationRepository) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM stock_reorder_recommendations WHERE created_day < ? AND status != 'ordered'`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("delete old recommendations: %w", err)
	}
	return res.RowsAffected()
}

const selectRecommendation = `
	SELECT id, product_id, product_name, warehouse_id, current_stock, min_stock_level,
	       average_daily_demand, predicted_demand_7d, predicted_demand_30d,
	       recommended_order_quantity, reorder_priority, safety_stock, reorder_point,
	       stockout_date_estimate, recommended_order_date, status, created_day,
	       created_at, updated_at
	FROM stock_reorder_recommendations`

func scanRecommendation(scan func(...interface{}) error) (*domain.StockReorderRecommendation, error) {
	var rec domain.StockReorderRecommendation
	var priority, status, createdAt, updatedAt string
	err := scan(&rec.ID, &rec.ProductID, &rec.ProductName, &rec.WarehouseID,
		&rec.CurrentStock, &rec.MinStockLevel, &rec.AverageDailyDemand,
		&rec.PredictedDemand7d, &rec.PredictedDemand30d, &rec.RecommendedOrderQuantity,
		&priority, &rec.SafetyStock, &rec.ReorderPoint, &rec.StockoutDateEstimate,
		&rec.RecommendedOrderDate, &status, &rec.CreatedDay, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.ReorderPriority = domain.ReorderPriority(priority)
	rec.Status = domain.RecommendationStatus(status)
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		rec.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339, updatedAt); perr == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
