package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/clients/upstream"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
	"github.com/demandline/demandline/internal/metrics"
	"github.com/demandline/demandline/internal/restock"
)

// Backupper snapshots the analytics database to durable storage.
type Backupper interface {
	Backup(ctx context.Context) (string, error)
}

// JobsConfig tunes the scheduled jobs. Zero values take defaults.
type JobsConfig struct {
	RetentionDays   int
	TaskRunKeepDays int
	LeadTimeDays    int
	TopProducts     int
	ForecastPeriods int
}

// Jobs builds the registered tasks over the analytics subsystems.
type Jobs struct {
	db         *database.DB
	aggregator *metrics.Aggregator
	engine     *forecast.Engine
	accuracy   *forecast.AccuracyRepository
	analyzer   *restock.Analyzer
	recs       *restock.RecommendationRepository
	daily      *metrics.DailySalesRepository
	demand     *metrics.ProductDemandRepository
	turnover   *metrics.InventoryTurnoverRepository
	taskRuns   *TaskRunRepository
	client     *upstream.Client
	cache      *cache.Cache
	backup     Backupper
	clock      domain.Clock
	log        zerolog.Logger
	cfg        JobsConfig
}

func NewJobs(db *database.DB, aggregator *metrics.Aggregator, engine *forecast.Engine,
	accuracy *forecast.AccuracyRepository, analyzer *restock.Analyzer,
	recs *restock.RecommendationRepository, daily *metrics.DailySalesRepository,
	demand *metrics.ProductDemandRepository, turnover *metrics.InventoryTurnoverRepository,
	taskRuns *TaskRunRepository, client *upstream.Client, c *cache.Cache,
	backup Backupper, clock domain.Clock, cfg JobsConfig, log zerolog.Logger) *Jobs {

	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 365
	}
	if cfg.TaskRunKeepDays <= 0 {
		cfg.TaskRunKeepDays = 30
	}
	if cfg.LeadTimeDays <= 0 {
		cfg.LeadTimeDays = 7
	}
	if cfg.TopProducts <= 0 {
		cfg.TopProducts = 10
	}
	if cfg.ForecastPeriods <= 0 {
		cfg.ForecastPeriods = 30
	}

	return &Jobs{
		db:         db,
		aggregator: aggregator,
		engine:     engine,
		accuracy:   accuracy,
		analyzer:   analyzer,
		recs:       recs,
		daily:      daily,
		demand:     demand,
		turnover:   turnover,
		taskRuns:   taskRuns,
		client:     client,
		cache:      c,
		backup:     backup,
		clock:      clock,
		log:        log.With().Str("component", "scheduled_jobs").Logger(),
		cfg:        cfg,
	}
}

// RegisterAll installs the full schedule on a runner.
func (j *Jobs) RegisterAll(r *Runner) error {
	schedule := []struct {
		spec string
		task Task
	}{
		{"0 5 * * * *", j.CalculateDailyMetrics()},         // hourly
		{"0 15 */2 * * *", j.CalculateProductDemand()},     // every 2 hours
		{"0 30 1 * * *", j.CalculateInventoryTurnover()},   // daily, 01:30
		{"0 0 5 * * *", j.GenerateRestockRecommendations()}, // daily, early morning
		{"0 45 5 * * *", j.SaveDailyForecasts()},           // daily, 05:45
		{"0 30 6 * * *", j.UpdateForecastAccuracy()},       // daily, 06:30
		{"0 0 2 * * 0", j.CleanupOldData()},                // weekly, Sunday 02:00
		{"0 */5 * * * *", j.CheckServiceHealth()},          // every 5 minutes
	}
	if j.backup != nil {
		schedule = append(schedule, struct {
			spec string
			task Task
		}{"0 30 3 * * 0", j.BackupDatabase()}) // weekly, Sunday 03:30
	}

	for _, entry := range schedule {
		if err := r.Register(entry.spec, entry.task); err != nil {
			return err
		}
	}
	return nil
}

// CalculateDailyMetrics refreshes yesterday's daily sales metric.
func (j *Jobs) CalculateDailyMetrics() Task {
	return TaskFunc{TaskName: "calculate_daily_metrics", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		date := domain.Day(j.clock.Now().AddDate(0, 0, -1))

		result, err := j.aggregator.ComputeDaily(ctx, date)
		if err != nil {
			return nil, err
		}

		details := map[string]interface{}{"date": date, "status": string(result.Status)}
		if result.Metric != nil {
			details["total_sales"] = result.Metric.TotalSales
			details["total_orders"] = result.Metric.TotalOrders
		}
		return details, nil
	}}
}

// CalculateProductDemand recomputes demand metrics over a 30-day window.
func (j *Jobs) CalculateProductDemand() Task {
	return TaskFunc{TaskName: "calculate_product_demand", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		result, err := j.aggregator.ComputeDemand(ctx, 30)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":   string(result.Status),
			"products": len(result.Metrics),
		}, nil
	}}
}

// CalculateInventoryTurnover recomputes turnover and persists the coarse
// recommendations derived from it.
func (j *Jobs) CalculateInventoryTurnover() Task {
	return TaskFunc{TaskName: "calculate_inventory_turnover", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		result, err := j.aggregator.ComputeTurnover(ctx, 30)
		if err != nil {
			return nil, err
		}

		recs, err := j.aggregator.GenerateRecommendations(ctx, j.cfg.LeadTimeDays)
		if err != nil {
			return nil, err
		}
		stored := 0
		for i := range recs {
			if err := j.recs.Upsert(ctx, &recs[i]); err != nil {
				j.log.Warn().Err(err).Str("product_id", recs[i].ProductID).Msg("Failed to store coarse recommendation")
				continue
			}
			stored++
		}

		return map[string]interface{}{
			"status":          string(result.Status),
			"metrics":         len(result.Metrics),
			"recommendations": stored,
		}, nil
	}}
}

// GenerateRestockRecommendations runs the forecast-driven bulk analysis and
// persists every recommendation.
func (j *Jobs) GenerateRestockRecommendations() Task {
	return TaskFunc{TaskName: "generate_restock_recommendations", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		result, err := j.analyzer.Bulk(ctx, restock.BulkRequest{LeadTimeDays: j.cfg.LeadTimeDays})
		if err != nil {
			return nil, err
		}

		stored := 0
		for i := range result.Recommendations {
			if err := j.recs.Upsert(ctx, &result.Recommendations[i]); err != nil {
				j.log.Warn().Err(err).
					Str("product_id", result.Recommendations[i].ProductID).
					Msg("Failed to store recommendation")
				continue
			}
			stored++
		}

		return map[string]interface{}{
			"analyzed": result.Total,
			"stored":   stored,
			"failed":   len(result.Failures),
		}, nil
	}}
}

// SaveDailyForecasts persists today's forecasts as pending accuracy records
// awaiting their actuals.
func (j *Jobs) SaveDailyForecasts() Task {
	return TaskFunc{TaskName: "save_daily_forecasts", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		today := domain.Day(j.clock.Now())
		saved := 0

		frame, err := j.engine.Forecast(ctx, forecast.ScopeTotalSales, j.cfg.ForecastPeriods, true)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			n, err := j.savePendingFrame(ctx, domain.ForecastSales, nil, today, frame)
			if err != nil {
				return nil, err
			}
			saved += n
		}

		products, err := j.engine.TopN(ctx, j.cfg.TopProducts, j.cfg.ForecastPeriods, 1)
		if err != nil {
			return nil, err
		}
		forecasted := 0
		for _, p := range products {
			if p.Frame == nil {
				continue
			}
			scope := p.ProductID
			n, err := j.savePendingFrame(ctx, domain.ForecastProductDemand, &scope, today, p.Frame)
			if err != nil {
				return nil, err
			}
			saved += n
			forecasted++
		}

		return map[string]interface{}{
			"date":     today,
			"saved":    saved,
			"products": forecasted,
		}, nil
	}}
}

func (j *Jobs) savePendingFrame(ctx context.Context, forecastType domain.ForecastType,
	scopeID *string, today string, frame *forecast.Frame) (int, error) {

	saved := 0
	for i, point := range frame.Forecast {
		lower, upper := point.Lower, point.Upper
		rec := &domain.ForecastAccuracyRecord{
			ForecastType:    forecastType,
			ScopeID:         scopeID,
			ForecastDate:    today,
			PredictedDate:   point.Date,
			HorizonDays:     i + 1,
			PredictedValue:  point.Point,
			ConfidenceLower: &lower,
			ConfidenceUpper: &upper,
		}
		if err := j.accuracy.SavePending(ctx, rec, j.clock.Now()); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// UpdateForecastAccuracy joins due predictions with their realized actuals.
func (j *Jobs) UpdateForecastAccuracy() Task {
	return TaskFunc{TaskName: "update_forecast_accuracy", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		today := domain.Day(j.clock.Now())

		due, err := j.accuracy.PendingDue(ctx, today)
		if err != nil {
			return nil, err
		}

		resolved, missing := 0, 0
		for i := range due {
			actual, ok, err := j.actualFor(ctx, &due[i])
			if err != nil {
				return nil, err
			}
			if !ok {
				missing++
				continue
			}
			if err := j.accuracy.ResolveActual(ctx, &due[i], actual, j.clock.Now()); err != nil {
				return nil, err
			}
			resolved++
		}

		return map[string]interface{}{
			"due":      len(due),
			"resolved": resolved,
			"missing":  missing,
		}, nil
	}}
}

// actualFor looks up the realized value for one pending record.
func (j *Jobs) actualFor(ctx context.Context, rec *domain.ForecastAccuracyRecord) (float64, bool, error) {
	switch rec.ForecastType {
	case domain.ForecastSales:
		metric, err := j.daily.GetByDate(ctx, rec.PredictedDate)
		if err != nil {
			return 0, false, err
		}
		if metric == nil {
			return 0, false, nil
		}
		return float64(metric.TotalSales), true, nil

	case domain.ForecastProductDemand:
		if rec.ScopeID == nil {
			return 0, false, nil
		}
		var qty float64
		err := j.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(i.quantity), 0)
			FROM order_items i
			JOIN orders o ON o.id = i.order_id
			WHERE i.product_id = ? AND o.status = 'completed' AND o.order_date = ?`,
			*rec.ScopeID, rec.PredictedDate).Scan(&qty)
		if err != nil {
			return 0, false, err
		}
		return qty, true, nil
	}
	return 0, false, nil
}

// CleanupOldData applies retention across metric tables, recommendations,
// accuracy records and task runs, and reaps runs that never finished.
func (j *Jobs) CleanupOldData() Task {
	return TaskFunc{TaskName: "cleanup_old_data", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		now := j.clock.Now()
		cutoffDay := domain.Day(now.AddDate(0, 0, -j.cfg.RetentionDays))
		details := map[string]interface{}{"cutoff": cutoffDay}

		deletes := []struct {
			name string
			fn   func() (int64, error)
		}{
			{"daily_metrics", func() (int64, error) { return j.daily.DeleteOlderThan(ctx, cutoffDay) }},
			{"demand_metrics", func() (int64, error) { return j.demand.DeleteOlderThan(ctx, cutoffDay) }},
			{"turnover_metrics", func() (int64, error) { return j.turnover.DeleteOlderThan(ctx, cutoffDay) }},
			{"accuracy_records", func() (int64, error) { return j.accuracy.DeleteOlderThan(ctx, cutoffDay) }},
			{"recommendations", func() (int64, error) { return j.recs.DeleteOlderThan(ctx, cutoffDay) }},
			{"task_runs", func() (int64, error) {
				return j.taskRuns.DeleteOlderThan(ctx, now.AddDate(0, 0, -j.cfg.TaskRunKeepDays))
			}},
			{"reaped_runs", func() (int64, error) {
				return j.taskRuns.ReapStale(ctx, now.Add(-24*time.Hour))
			}},
		}

		for _, d := range deletes {
			n, err := d.fn()
			if err != nil {
				return details, fmt.Errorf("cleanup %s: %w", d.name, err)
			}
			details[d.name] = n
		}
		return details, nil
	}}
}

// CheckServiceHealth probes each upstream service and the cache. The probe
// is observational: unreachable services are recorded, not retried.
func (j *Jobs) CheckServiceHealth() Task {
	return TaskFunc{TaskName: "check_service_health", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		details := map[string]interface{}{}
		healthy := 0

		for _, service := range j.client.Services() {
			if err := j.client.Health(ctx, service, 5*time.Second); err != nil {
				j.log.Warn().Err(err).Str("service", service).Msg("Upstream service unhealthy")
				details[service] = err.Error()
				continue
			}
			details[service] = "ok"
			healthy++
		}

		if err := j.cache.Ping(ctx); err != nil {
			details["redis"] = err.Error()
		} else {
			details["redis"] = "ok"
			healthy++
		}

		details["healthy"] = healthy
		return details, nil
	}}
}

// BackupDatabase snapshots the analytics database to object storage.
func (j *Jobs) BackupDatabase() Task {
	return TaskFunc{TaskName: "backup_analytics_db", Fn: func(ctx context.Context) (map[string]interface{}, error) {
		key, err := j.backup.Backup(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"object_key": key}, nil
	}}
}
