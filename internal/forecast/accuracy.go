package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// AccuracyRepository persists forecast points awaiting their actuals and
// resolves them once the predicted date has passed.
type AccuracyRepository struct {
	db *database.DB
}

func NewAccuracyRepository(db *database.DB) *AccuracyRepository {
	return &AccuracyRepository{db: db}
}

// scopeKey maps the company-wide scope (nil) to the empty string for
// storage. SQLite treats NULLs as distinct in unique constraints, so a
// NULL scope_id would never collide on re-save.
func scopeKey(scopeID *string) string {
	if scopeID == nil {
		return ""
	}
	return *scopeID
}

// SavePending upserts one predicted point keyed by
// (forecast_type, scope_id, forecast_date, predicted_date).
func (r *AccuracyRepository) SavePending(ctx context.Context, rec *domain.ForecastAccuracyRecord, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO forecast_accuracy_records
			(forecast_type, scope_id, forecast_date, predicted_date, horizon_days,
			 predicted_value, confidence_lower, confidence_upper, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (forecast_type, scope_id, forecast_date, predicted_date) DO UPDATE SET
			predicted_value = excluded.predicted_value,
			confidence_lower = excluded.confidence_lower,
			confidence_upper = excluded.confidence_upper,
			updated_at = excluded.updated_at`,
		string(rec.ForecastType), scopeKey(rec.ScopeID), rec.ForecastDate, rec.PredictedDate,
		rec.HorizonDays, rec.PredictedValue, rec.ConfidenceLower, rec.ConfidenceUpper, ts, ts)
	if err != nil {
		return fmt.Errorf("save pending accuracy record: %w", err)
	}
	return nil
}

// PendingDue returns unresolved records whose predicted date has passed.
func (r *AccuracyRepository) PendingDue(ctx context.Context, today string) ([]domain.ForecastAccuracyRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, forecast_type, scope_id, forecast_date, predicted_date, horizon_days,
		       predicted_value, confidence_lower, confidence_upper
		FROM forecast_accuracy_records
		WHERE actual_value IS NULL AND predicted_date <= ?
		ORDER BY predicted_date ASC`, today)
	if err != nil {
		return nil, fmt.Errorf("load due accuracy records: %w", err)
	}
	defer rows.Close()

	var records []domain.ForecastAccuracyRecord
	for rows.Next() {
		var rec domain.ForecastAccuracyRecord
		var forecastType, scope string
		err := rows.Scan(&rec.ID, &forecastType, &scope, &rec.ForecastDate,
			&rec.PredictedDate, &rec.HorizonDays, &rec.PredictedValue,
			&rec.ConfidenceLower, &rec.ConfidenceUpper)
		if err != nil {
			return nil, fmt.Errorf("scan accuracy record: %w", err)
		}
		rec.ForecastType = domain.ForecastType(forecastType)
		if scope != "" {
			rec.ScopeID = &scope
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ResolveActual fills in the actual value for one record and computes the
// error fields.
func (r *AccuracyRepository) ResolveActual(ctx context.Context, rec *domain.ForecastAccuracyRecord, actual float64, now time.Time) error {
	absErr := math.Abs(rec.PredictedValue - actual)

	var pctErr *float64
	if actual != 0 {
		v := absErr / math.Abs(actual) * 100
		pctErr = &v
	}

	within := 0
	if rec.ConfidenceLower != nil && rec.ConfidenceUpper != nil &&
		actual >= *rec.ConfidenceLower && actual <= *rec.ConfidenceUpper {
		within = 1
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE forecast_accuracy_records
		SET actual_value = ?, absolute_error = ?, percentage_error = ?,
		    within_confidence = ?, updated_at = ?
		WHERE id = ?`,
		actual, absErr, pctErr, within, now.UTC().Format(time.RFC3339), rec.ID)
	if err != nil {
		return fmt.Errorf("resolve accuracy record %d: %w", rec.ID, err)
	}
	return nil
}

// Summary aggregates resolved records for one forecast type and scope.
type Summary struct {
	MAPE          float64 `json:"mape"`
	MAE           float64 `json:"mae"`
	RMSE          float64 `json:"rmse"`
	WithinBand    float64 `json:"within_confidence_rate"`
	SampleSize    int     `json:"sample_size"`
	HorizonDaysTo int     `json:"horizon_days_max"`
}

// Summarize computes accuracy aggregates over resolved records. Returns
// nil when nothing is resolved yet.
func (r *AccuracyRepository) Summarize(ctx context.Context, forecastType domain.ForecastType, scopeID *string) (*Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT predicted_value, actual_value, absolute_error, percentage_error,
		       COALESCE(within_confidence, 0), horizon_days
		FROM forecast_accuracy_records
		WHERE forecast_type = ?
		  AND scope_id = ?
		  AND actual_value IS NOT NULL`,
		string(forecastType), scopeKey(scopeID))
	if err != nil {
		return nil, fmt.Errorf("summarize accuracy: %w", err)
	}
	defer rows.Close()

	var s Summary
	var sqSum, pctSum, absSum float64
	var pctSamples, withinCount int
	for rows.Next() {
		var predicted, actual, absErr float64
		var pctErr *float64
		var within, horizon int
		if err := rows.Scan(&predicted, &actual, &absErr, &pctErr, &within, &horizon); err != nil {
			return nil, fmt.Errorf("scan accuracy summary row: %w", err)
		}

		s.SampleSize++
		absSum += absErr
		sqSum += absErr * absErr
		if pctErr != nil {
			pctSum += *pctErr
			pctSamples++
		}
		withinCount += within
		if horizon > s.HorizonDaysTo {
			s.HorizonDaysTo = horizon
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if s.SampleSize == 0 {
		return nil, nil
	}

	s.MAE = absSum / float64(s.SampleSize)
	s.RMSE = math.Sqrt(sqSum / float64(s.SampleSize))
	if pctSamples > 0 {
		s.MAPE = pctSum / float64(pctSamples)
	}
	s.WithinBand = float64(withinCount) / float64(s.SampleSize)
	return &s, nil
}

// DeleteOlderThan removes records forecast before the cutoff day.
func (r *AccuracyRepository) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM forecast_accuracy_records WHERE forecast_date < ?`, cutoffDay)
	if err != nil {
		return 0, fmt.Errorf("delete old accuracy records: %w", err)
	}
	return res.RowsAffected()
}
