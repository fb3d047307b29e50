// Package forecast trains and serves seasonal time-series forecasts per
// scope, with model caching keyed by data fingerprint, a moving-average
// degradation path, and batch variants for products, categories and
// warehouses.
package forecast

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/metrics"
	"github.com/demandline/demandline/internal/quality"
)

// ErrInvalidPeriods rejects forecast horizons outside [1, 365].
var ErrInvalidPeriods = errors.New("periods must be between 1 and 365")

// ErrInvalidScope rejects unknown scope strings.
var ErrInvalidScope = errors.New("invalid forecast scope")

const (
	maxPeriods = 365

	defaultModelTTL    = time.Hour
	defaultResultTTL   = 6 * time.Hour
	defaultHistoryDays = 365

	movingAverageWindow = 7
	movingAverageTag    = "moving_average"
)

// Point is one forecasted value with its 95% band.
type Point struct {
	Date  string  `json:"date" msgpack:"date"`
	Point float64 `json:"point" msgpack:"point"`
	Lower float64 `json:"lower" msgpack:"lower"`
	Upper float64 `json:"upper" msgpack:"upper"`
}

// Frame is a materialized forecast. Serialization is stable (fixed field
// order) so external collaborators can hash it for conditional responses.
type Frame struct {
	Status   string  `json:"status" msgpack:"status"`
	Forecast []Point `json:"forecast" msgpack:"forecast"`
	Periods  int     `json:"periods" msgpack:"periods"`
	ModelTag string  `json:"model_tag" msgpack:"model_tag"`
}

// modelEnvelope wraps a serialized model in the cache.
type modelEnvelope struct {
	Fingerprint string `msgpack:"fingerprint"`
	CreatedAt   int64  `msgpack:"created_at"`
	Version     int    `msgpack:"version"`
	Body        []byte `msgpack:"body"`
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	ModelTTL    time.Duration
	ResultTTL   time.Duration
	HistoryDays int
}

// Engine is the forecast service. The model cache entry per scope is owned
// exclusively by this engine; duplicate concurrent trainers are prevented
// best-effort by an in-process per-scope lock.
type Engine struct {
	db        *database.DB
	cache     *cache.Cache
	validator *quality.Validator
	demand    *metrics.ProductDemandRepository
	clock     domain.Clock
	log       zerolog.Logger

	modelTTL    time.Duration
	resultTTL   time.Duration
	historyDays int

	group     singleflight.Group
	trainings atomic.Int64

	// train is swapped by tests to force training failures.
	train func([]domain.SeriesPoint, time.Time) (*Model, error)
}

// NewEngine wires the engine.
func NewEngine(db *database.DB, c *cache.Cache, validator *quality.Validator,
	demand *metrics.ProductDemandRepository, clock domain.Clock, cfg Config, log zerolog.Logger) *Engine {
	e := &Engine{
		db:          db,
		cache:       c,
		validator:   validator,
		demand:      demand,
		clock:       clock,
		log:         log.With().Str("component", "forecast_engine").Logger(),
		modelTTL:    cfg.ModelTTL,
		resultTTL:   cfg.ResultTTL,
		historyDays: cfg.HistoryDays,
		train:       Train,
	}
	if e.modelTTL <= 0 {
		e.modelTTL = defaultModelTTL
	}
	if e.resultTTL <= 0 {
		e.resultTTL = defaultResultTTL
	}
	if e.historyDays <= 0 {
		e.historyDays = defaultHistoryDays
	}
	return e
}

// TrainingCount reports how many model trainings have run. Test seam for
// the cache-reuse properties.
func (e *Engine) TrainingCount() int64 {
	return e.trainings.Load()
}

func modelKey(scope string) string {
	return "model:" + scope
}

func resultKey(scope string, periods int) string {
	return fmt.Sprintf("forecast:%s:%d", scope, periods)
}

// Forecast produces a frame of length periods for the scope. It returns
// (nil, nil) when the scope has no usable history or fails quality gating.
// Training failures degrade to the moving-average fallback, which is
// returned as a normal success.
func (e *Engine) Forecast(ctx context.Context, scope string, periods int, useCache bool) (*Frame, error) {
	if periods < 1 || periods > maxPeriods {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriods, periods)
	}
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	if useCache {
		if data, found := e.cache.Get(ctx, resultKey(scope, periods)); found {
			var frame Frame
			if err := msgpack.Unmarshal(data, &frame); err == nil {
				return &frame, nil
			}
			// Corrupt cached frames fall through to recompute.
		}
	}

	series, err := e.gatedSeries(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	model, frame := e.modelOrFallback(ctx, scope, series, periods, useCache)
	if frame == nil {
		frame = e.predictFrame(model, series, periods)
	}

	if data, err := msgpack.Marshal(frame); err == nil {
		if err := e.cache.Set(ctx, resultKey(scope, periods), data, e.resultTTL); err != nil {
			e.log.Warn().Err(err).Str("scope", scope).Msg("Failed to cache forecast frame")
		}
	}

	return frame, nil
}

// gatedSeries prepares the scope series and runs it through quality gating.
// Error-level reports refuse training; warnings auto-clean and proceed.
func (e *Engine) gatedSeries(ctx context.Context, scope string) ([]domain.SeriesPoint, error) {
	prep, err := e.Prepare(ctx, scope, e.historyDays)
	if err != nil {
		return nil, err
	}
	if len(prep.Series) == 0 {
		return nil, nil
	}

	report := e.validator.Validate(prep.Series)
	if !report.IsValid {
		e.log.Warn().
			Str("scope", scope).
			Float64("quality_score", report.QualityScore).
			Int("issues", len(report.Issues)).
			Msg("Series failed quality gating, refusing to forecast")
		return nil, nil
	}

	series := prep.Series
	if report.QualityScore < 100 {
		series = e.validator.AutoClean(series)
	}
	return series, nil
}

// modelOrFallback returns a usable model, or a ready moving-average frame
// when training fails. Exactly one of the returns is non-nil.
func (e *Engine) modelOrFallback(ctx context.Context, scope string, series []domain.SeriesPoint, periods int, useCache bool) (*Model, *Frame) {
	fingerprint := Fingerprint(series)

	if useCache {
		if model := e.loadCachedModel(ctx, scope, fingerprint); model != nil {
			return model, nil
		}
	}

	v, err, _ := e.group.Do(scope, func() (interface{}, error) {
		e.trainings.Add(1)
		return e.train(series, e.clock.Now())
	})
	if err != nil {
		e.log.Warn().Err(err).Str("scope", scope).Msg("Training failed, using moving-average fallback")
		return nil, e.movingAverageFrame(series, periods)
	}

	model := v.(*Model)
	e.storeModel(ctx, scope, model, fingerprint)
	return model, nil
}

// loadCachedModel returns the cached model when present and its fingerprint
// matches. Decode failures and stale fingerprints mean retrain.
func (e *Engine) loadCachedModel(ctx context.Context, scope, fingerprint string) *Model {
	data, found := e.cache.Get(ctx, modelKey(scope))
	if !found {
		return nil
	}

	var envelope modelEnvelope
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		e.log.Warn().Err(err).Str("scope", scope).Msg("Corrupt model envelope, retraining")
		return nil
	}
	if envelope.Fingerprint != fingerprint {
		return nil
	}

	model, err := DeserializeModel(envelope.Body)
	if err != nil {
		e.log.Warn().Err(err).Str("scope", scope).Msg("Undecodable cached model, retraining")
		return nil
	}
	return model
}

func (e *Engine) storeModel(ctx context.Context, scope string, model *Model, fingerprint string) {
	body, err := model.Serialize()
	if err != nil {
		e.log.Warn().Err(err).Str("scope", scope).Msg("Failed to serialize model")
		return
	}

	envelope := modelEnvelope{
		Fingerprint: fingerprint,
		CreatedAt:   e.clock.Now().Unix(),
		Version:     modelVersion,
		Body:        body,
	}
	data, err := msgpack.Marshal(&envelope)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, modelKey(scope), data, e.modelTTL); err != nil {
		e.log.Warn().Err(err).Str("scope", scope).Msg("Failed to cache model")
	}
}

// predictFrame materializes the future frame from a trained model.
func (e *Engine) predictFrame(model *Model, series []domain.SeriesPoint, periods int) *Frame {
	start, _ := domain.ParseDay(model.StartDay)
	last, _ := domain.ParseDay(model.LastDay)

	offsets := make([]float64, periods)
	dates := make([]string, periods)
	for i := 0; i < periods; i++ {
		future := last.AddDate(0, 0, i+1)
		offsets[i] = dayOffset(start, future)
		dates[i] = domain.Day(future)
	}

	intervals := model.PredictIntervals(offsets, fingerprintSeed(Fingerprint(series)))

	points := make([]Point, periods)
	for i, iv := range intervals {
		points[i] = Point{Date: dates[i], Point: iv.Point, Lower: iv.Lower, Upper: iv.Upper}
	}
	return &Frame{
		Status:   "success",
		Forecast: points,
		Periods:  periods,
		ModelTag: fmt.Sprintf("seasonal-v%d-%s", model.Version, shortFingerprint(Fingerprint(series))),
	}
}

// movingAverageFrame is the degradation path: the mean of the trailing
// window extended flat, with a fixed ±20% band.
func (e *Engine) movingAverageFrame(series []domain.SeriesPoint, periods int) *Frame {
	window := movingAverageWindow
	if len(series) < window {
		window = len(series)
	}

	var sum float64
	for _, p := range series[len(series)-window:] {
		sum += p.Value
	}
	mean := sum / float64(window)

	last := series[len(series)-1].Date
	points := make([]Point, periods)
	for i := 0; i < periods; i++ {
		points[i] = Point{
			Date:  domain.Day(last.AddDate(0, 0, i+1)),
			Point: mean,
			Lower: 0.8 * mean,
			Upper: 1.2 * mean,
		}
	}
	return &Frame{
		Status:   "success",
		Forecast: points,
		Periods:  periods,
		ModelTag: movingAverageTag,
	}
}

// ForecastComponents is the additive decomposition over a scope's history.
type ForecastComponents struct {
	Dates      []string `json:"dates"`
	Components          // trend, weekly, yearly
}

// Components decomposes the historical fit for a scope.
func (e *Engine) Components(ctx context.Context, scope string) (*ForecastComponents, error) {
	series, err := e.gatedSeries(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	model, fallback := e.modelOrFallback(ctx, scope, series, 1, true)
	if fallback != nil || model == nil {
		return nil, nil
	}

	start, _ := domain.ParseDay(model.StartDay)
	offsets := make([]float64, len(series))
	dates := make([]string, len(series))
	for i, p := range series {
		offsets[i] = dayOffset(start, p.Date)
		dates[i] = domain.Day(p.Date)
	}

	return &ForecastComponents{
		Dates:      dates,
		Components: model.ComponentsAt(offsets),
	}, nil
}

// AccuracyStats summarize in-sample forecast error for a scope.
type AccuracyStats struct {
	MAPE       float64 `json:"mape"`
	RMSE       float64 `json:"rmse"`
	MAE        float64 `json:"mae"`
	SampleSize int     `json:"sample_size"`
}

// Accuracy joins the scope's history with the model's fitted values and
// computes MAPE/RMSE/MAE. Returns nil when there is no overlap.
func (e *Engine) Accuracy(ctx context.Context, scope string) (*AccuracyStats, error) {
	series, err := e.gatedSeries(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	model, fallback := e.modelOrFallback(ctx, scope, series, 1, true)
	if fallback != nil || model == nil {
		return nil, nil
	}

	start, _ := domain.ParseDay(model.StartDay)

	var absSum, sqSum, pctSum float64
	pctSamples := 0
	for _, p := range series {
		predicted := model.PredictPoint(dayOffset(start, p.Date))
		diff := math.Abs(p.Value - predicted)
		absSum += diff
		sqSum += diff * diff
		if p.Value != 0 {
			pctSum += diff / math.Abs(p.Value)
			pctSamples++
		}
	}

	n := len(series)
	if n == 0 {
		return nil, nil
	}

	stats := &AccuracyStats{
		MAE:        absSum / float64(n),
		RMSE:       math.Sqrt(sqSum / float64(n)),
		SampleSize: n,
	}
	if pctSamples > 0 {
		stats.MAPE = pctSum / float64(pctSamples) * 100
	}
	return stats, nil
}

// Invalidate drops cached models and frames for the given products.
// Called by upstream catalog/inventory services after mutations that change
// a product's demand fingerprint. Returns the number of cache entries
// removed.
func (e *Engine) Invalidate(ctx context.Context, productIDs []string) (int, error) {
	removed := 0
	for _, id := range productIDs {
		scope := ProductScope(id)

		if err := e.cache.Delete(ctx, modelKey(scope)); err != nil {
			return removed, fmt.Errorf("invalidate model for %s: %w", id, err)
		}
		removed++

		n, err := e.cache.DeletePattern(ctx, fmt.Sprintf("forecast:%s:*", scope))
		if err != nil {
			return removed, fmt.Errorf("invalidate frames for %s: %w", id, err)
		}
		removed += n
	}

	e.log.Info().Int("products", len(productIDs)).Int("removed", removed).Msg("Forecast caches invalidated")
	return removed, nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// fingerprintSeed derives a deterministic RNG seed from a fingerprint.
func fingerprintSeed(fp string) int64 {
	raw, err := hex.DecodeString(fp)
	if err != nil || len(raw) < 8 {
		return 1
	}
	return int64(binary.BigEndian.Uint64(raw[:8]))
}
