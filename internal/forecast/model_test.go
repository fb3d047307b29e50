package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/domain"
)

func seriesFrom(t *testing.T, startDay string, values []float64) []domain.SeriesPoint {
	t.Helper()

	start, err := domain.ParseDay(startDay)
	require.NoError(t, err)

	series := make([]domain.SeriesPoint, len(values))
	for i, v := range values {
		series[i] = domain.SeriesPoint{Date: start.AddDate(0, 0, i), Value: v}
	}
	return series
}

func TestTrainLinearTrendExtrapolates(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + 2*float64(i)
	}
	series := seriesFrom(t, "2025-01-01", values)

	model, err := Train(series, time.Now())
	require.NoError(t, err)

	// In-sample fit should be tight.
	assert.InDelta(t, 100.0, model.PredictPoint(0), 2)
	assert.InDelta(t, 158.0, model.PredictPoint(29), 2)

	// A ten-day extrapolation should continue the slope.
	assert.InDelta(t, 100+2*69.0, model.PredictPoint(69), 10)
}

func TestTrainRejectsDegenerateSeries(t *testing.T) {
	_, err := Train(nil, time.Now())
	assert.Error(t, err)

	_, err = Train(seriesFrom(t, "2025-01-01", []float64{5}), time.Now())
	assert.Error(t, err)

	day, _ := domain.ParseDay("2025-01-01")
	same := []domain.SeriesPoint{{Date: day, Value: 1}, {Date: day, Value: 2}}
	_, err = Train(same, time.Now())
	assert.Error(t, err)
}

func TestSeasonalityTogglesWithLength(t *testing.T) {
	short, err := Train(seriesFrom(t, "2025-01-01", make([]float64, 10)), time.Now())
	require.NoError(t, err)
	assert.False(t, short.Weekly)
	assert.False(t, short.Yearly)

	medium, err := Train(seriesFrom(t, "2025-01-01", make([]float64, 40)), time.Now())
	require.NoError(t, err)
	assert.True(t, medium.Weekly)
	assert.False(t, medium.Yearly)

	long, err := Train(seriesFrom(t, "2024-06-01", make([]float64, 120)), time.Now())
	require.NoError(t, err)
	assert.True(t, long.Weekly)
	assert.True(t, long.Yearly)
}

func TestPredictIntervalsBracketPointAndAreDeterministic(t *testing.T) {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 200 + 10*float64(i%7)
	}
	model, err := Train(seriesFrom(t, "2025-01-01", values), time.Now())
	require.NoError(t, err)

	offsets := []float64{50, 55, 60}
	first := model.PredictIntervals(offsets, 7)
	second := model.PredictIntervals(offsets, 7)

	require.Len(t, first, len(offsets))
	for i, iv := range first {
		assert.LessOrEqual(t, iv.Lower, iv.Point, "offset %v", iv.Offset)
		assert.GreaterOrEqual(t, iv.Upper, iv.Point, "offset %v", iv.Offset)
		assert.Equal(t, iv, second[i], "same seed must reproduce the band")
	}

	reseeded := model.PredictIntervals(offsets, 8)
	assert.NotEqual(t, first[0].Lower, reseeded[0].Lower)
}

func TestIntervalsWidenWithHorizon(t *testing.T) {
	// A kinked trend keeps the changepoint deltas material after shrinkage.
	values := make([]float64, 90)
	for i := range values {
		values[i] = 100
		if i >= 45 {
			values[i] += 8 * float64(i-45)
		}
	}
	model, err := Train(seriesFrom(t, "2025-01-01", values), time.Now())
	require.NoError(t, err)
	require.Greater(t, model.DeltaScale, 0.0)

	near := model.PredictIntervals([]float64{95}, 3)[0]
	far := model.PredictIntervals([]float64{360}, 3)[0]

	// The widening must be material, not a simulation-noise artifact.
	assert.Greater(t, far.Upper-far.Lower, 1.15*(near.Upper-near.Lower))
}

func TestChangepointGrid(t *testing.T) {
	assert.Empty(t, changepointGrid(4))

	grid := changepointGrid(50)
	require.Len(t, grid, 10)
	for i, cp := range grid {
		assert.Greater(t, cp, 0.0)
		assert.LessOrEqual(t, cp, changepointRange)
		if i > 0 {
			assert.Greater(t, cp, grid[i-1])
		}
	}

	assert.Len(t, changepointGrid(1000), maxChangepoints)
}

func TestModelSerializeRoundTrip(t *testing.T) {
	values := make([]float64, 45)
	for i := range values {
		values[i] = 50 + 3*float64(i%5)
	}
	model, err := Train(seriesFrom(t, "2025-01-01", values), time.Now())
	require.NoError(t, err)

	data, err := model.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeModel(data)
	require.NoError(t, err)

	assert.Equal(t, model.Coeffs, decoded.Coeffs)
	assert.Equal(t, model.Changepoints, decoded.Changepoints)
	assert.Equal(t, model.StartDay, decoded.StartDay)
	assert.Equal(t, model.YScale, decoded.YScale)
	assert.Equal(t, model.PredictPoint(44), decoded.PredictPoint(44))
}

func TestDeserializeModelRejectsVersionMismatch(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = float64(i)
	}
	model, err := Train(seriesFrom(t, "2025-01-01", values), time.Now())
	require.NoError(t, err)

	model.Version = 99
	data, err := model.Serialize()
	require.NoError(t, err)

	_, err = DeserializeModel(data)
	assert.ErrorContains(t, err, "version mismatch")
}

func TestQuantileSorted(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}

	assert.Equal(t, 1.0, quantileSorted(sorted, 0))
	assert.Equal(t, 3.0, quantileSorted(sorted, 0.5))
	assert.Equal(t, 5.0, quantileSorted(sorted, 1))
	assert.InDelta(t, 1.1, quantileSorted(sorted, 0.025), 1e-9)
	assert.Equal(t, 0.0, quantileSorted(nil, 0.5))
}

func TestComponentsSumToPrediction(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 300 + 5*float64(i) + 40*float64(i%7)
	}
	model, err := Train(seriesFrom(t, "2025-01-01", values), time.Now())
	require.NoError(t, err)
	require.True(t, model.Weekly)

	offsets := []float64{10, 30, 59}
	c := model.ComponentsAt(offsets)

	for i, offset := range offsets {
		sum := c.Trend[i] + c.Weekly[i] + c.Yearly[i]
		assert.InDelta(t, model.PredictPoint(offset), sum, 1e-6)
	}
}
