package forecast

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/demandline/demandline/internal/domain"
)

// Model configuration. The trend is piecewise linear with ridge-penalized
// changepoints; seasonality enters through Fourier terms. Point estimates
// only; uncertainty comes from seeded simulation draws.
const (
	modelVersion = 1

	changepointPriorScale = 0.05
	maxChangepoints       = 25
	changepointRange      = 0.8 // changepoints live in the first 80% of history

	weeklyMinPoints = 14
	weeklyOrder     = 3
	weeklyPeriod    = 7.0

	yearlyMinPoints = 90
	yearlyOrder     = 10
	yearlyPeriod    = 365.25

	uncertaintyDraws = 200

	// Lower bound on the trend-noise scale as a fraction of the observation
	// noise. The ridge penalty shrinks changepoint deltas hard, and without
	// a floor the simulated bands barely widen past the training window.
	trendScaleFloor = 0.25
)

// Model is a trained seasonal additive model. All fields are exported for
// serialization; treat the struct as opaque outside this package.
type Model struct {
	Version      int       `msgpack:"version"`
	StartDay     string    `msgpack:"start_day"`
	SpanDays     float64   `msgpack:"span_days"`
	LastDay      string    `msgpack:"last_day"`
	YScale       float64   `msgpack:"y_scale"`
	Coeffs       []float64 `msgpack:"coeffs"`
	Changepoints []float64 `msgpack:"changepoints"`
	Weekly       bool      `msgpack:"weekly"`
	Yearly       bool      `msgpack:"yearly"`
	Sigma        float64   `msgpack:"sigma"`
	DeltaScale   float64   `msgpack:"delta_scale"`
	TrainedAt    int64     `msgpack:"trained_at"`
}

// Train fits the model to a prepared series. The series must be sorted by
// date with unique days and at least two points spanning more than one day.
func Train(series []domain.SeriesPoint, now time.Time) (*Model, error) {
	n := len(series)
	if n < 2 {
		return nil, fmt.Errorf("series too short to train: %d points", n)
	}

	start := series[0].Date
	span := dayOffset(start, series[n-1].Date)
	if span <= 0 {
		return nil, fmt.Errorf("series spans zero days")
	}

	yScale := 0.0
	for _, p := range series {
		if a := math.Abs(p.Value); a > yScale {
			yScale = a
		}
	}
	if yScale == 0 {
		yScale = 1
	}

	m := &Model{
		Version:      modelVersion,
		StartDay:     domain.Day(start),
		SpanDays:     span,
		LastDay:      domain.Day(series[n-1].Date),
		YScale:       yScale,
		Weekly:       n >= weeklyMinPoints,
		Yearly:       n >= yearlyMinPoints,
		Changepoints: changepointGrid(n),
		TrainedAt:    now.Unix(),
	}

	p := m.featureCount()

	// Augmented least squares: the bottom block applies the ridge penalty
	// per coefficient, heavy on changepoint deltas, featherweight elsewhere
	// for conditioning.
	rows := n + p
	X := mat.NewDense(rows, p, nil)
	y := mat.NewVecDense(rows, nil)

	for i, point := range series {
		offset := dayOffset(start, point.Date)
		X.SetRow(i, m.designRow(offset))
		y.SetVec(i, point.Value/yScale)
	}

	penalties := m.penalties()
	for j := 0; j < p; j++ {
		X.Set(n+j, j, math.Sqrt(penalties[j]))
	}

	var qr mat.QR
	qr.Factorize(X)

	var beta mat.Dense
	if err := qr.SolveTo(&beta, false, y); err != nil {
		return nil, fmt.Errorf("least squares solve failed: %w", err)
	}

	m.Coeffs = make([]float64, p)
	for j := 0; j < p; j++ {
		m.Coeffs[j] = beta.At(j, 0)
	}

	// Residual spread on the training window (normalized units).
	var sse float64
	for _, point := range series {
		fitted := m.evalRow(m.designRow(dayOffset(start, point.Date)))
		resid := point.Value/yScale - fitted
		sse += resid * resid
	}
	m.Sigma = math.Sqrt(sse / float64(maxInt(1, n-1)))

	// Average changepoint delta magnitude drives future trend uncertainty.
	cpStart, cpEnd := m.changepointCoeffRange()
	var deltaSum float64
	for j := cpStart; j < cpEnd; j++ {
		deltaSum += math.Abs(m.Coeffs[j])
	}
	if cpEnd > cpStart {
		m.DeltaScale = deltaSum / float64(cpEnd-cpStart)
	}
	if floor := trendScaleFloor * m.Sigma; m.DeltaScale < floor {
		m.DeltaScale = floor
	}

	return m, nil
}

// changepointGrid places evenly spaced normalized changepoints in the
// first changepointRange of history.
func changepointGrid(n int) []float64 {
	count := n / 5
	if count > maxChangepoints {
		count = maxChangepoints
	}
	if count <= 0 {
		return nil
	}

	grid := make([]float64, count)
	for j := 0; j < count; j++ {
		grid[j] = changepointRange * float64(j+1) / float64(count+1)
	}
	return grid
}

func (m *Model) featureCount() int {
	p := 2 + len(m.Changepoints)
	if m.Weekly {
		p += 2 * weeklyOrder
	}
	if m.Yearly {
		p += 2 * yearlyOrder
	}
	return p
}

// changepointCoeffRange returns the [start, end) coefficient indexes of
// the changepoint deltas.
func (m *Model) changepointCoeffRange() (int, int) {
	return 2, 2 + len(m.Changepoints)
}

// penalties returns the per-coefficient ridge weights.
func (m *Model) penalties() []float64 {
	p := m.featureCount()
	penalties := make([]float64, p)
	for j := range penalties {
		penalties[j] = 1e-8
	}
	cpStart, cpEnd := m.changepointCoeffRange()
	for j := cpStart; j < cpEnd; j++ {
		penalties[j] = 1 / changepointPriorScale
	}
	return penalties
}

// designRow builds the regression features for one day offset from StartDay.
func (m *Model) designRow(offset float64) []float64 {
	t := offset / m.SpanDays

	row := make([]float64, 0, m.featureCount())
	row = append(row, 1, t)
	for _, cp := range m.Changepoints {
		row = append(row, math.Max(0, t-cp))
	}
	if m.Weekly {
		row = append(row, fourierTerms(offset, weeklyPeriod, weeklyOrder)...)
	}
	if m.Yearly {
		row = append(row, fourierTerms(offset, yearlyPeriod, yearlyOrder)...)
	}
	return row
}

func fourierTerms(offset, period float64, order int) []float64 {
	terms := make([]float64, 0, 2*order)
	for k := 1; k <= order; k++ {
		angle := 2 * math.Pi * float64(k) * offset / period
		terms = append(terms, math.Sin(angle), math.Cos(angle))
	}
	return terms
}

func (m *Model) evalRow(row []float64) float64 {
	var sum float64
	for j, v := range row {
		sum += v * m.Coeffs[j]
	}
	return sum
}

// PredictPoint returns the point estimate for a day offset from StartDay.
func (m *Model) PredictPoint(offset float64) float64 {
	return m.evalRow(m.designRow(offset)) * m.YScale
}

// Interval is one forecast point with its 95% band.
type Interval struct {
	Offset float64
	Point  float64
	Lower  float64
	Upper  float64
}

// PredictIntervals produces point estimates and 95% intervals for the given
// offsets. Uncertainty comes from seeded simulation draws: observation
// noise plus a trend perturbation that widens with horizon past the end of
// history.
func (m *Model) PredictIntervals(offsets []float64, seed int64) []Interval {
	results := make([]Interval, len(offsets))
	rng := rand.New(rand.NewSource(seed))

	samples := make([]float64, uncertaintyDraws)
	for i, offset := range offsets {
		point := m.PredictPoint(offset)

		// Horizon past the training window in normalized trend units.
		horizon := math.Max(0, (offset-m.SpanDays)/m.SpanDays)

		for d := 0; d < uncertaintyDraws; d++ {
			trendNoise := rng.NormFloat64() * m.DeltaScale * horizon
			obsNoise := rng.NormFloat64() * m.Sigma
			samples[d] = point + (trendNoise+obsNoise)*m.YScale
		}
		sort.Float64s(samples)

		results[i] = Interval{
			Offset: offset,
			Point:  point,
			Lower:  quantileSorted(samples, 0.025),
			Upper:  quantileSorted(samples, 0.975),
		}
	}
	return results
}

func quantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Components decomposes the prediction at the given offsets into trend and
// seasonal parts (original units).
type Components struct {
	Trend  []float64 `json:"trend"`
	Weekly []float64 `json:"weekly"`
	Yearly []float64 `json:"yearly"`
}

// ComponentsAt evaluates the additive components per offset.
func (m *Model) ComponentsAt(offsets []float64) Components {
	c := Components{
		Trend:  make([]float64, len(offsets)),
		Weekly: make([]float64, len(offsets)),
		Yearly: make([]float64, len(offsets)),
	}

	cpStart, cpEnd := m.changepointCoeffRange()
	for i, offset := range offsets {
		t := offset / m.SpanDays

		trend := m.Coeffs[0] + m.Coeffs[1]*t
		for j := cpStart; j < cpEnd; j++ {
			trend += m.Coeffs[j] * math.Max(0, t-m.Changepoints[j-cpStart])
		}
		c.Trend[i] = trend * m.YScale

		idx := cpEnd
		if m.Weekly {
			var weekly float64
			for _, v := range fourierTerms(offset, weeklyPeriod, weeklyOrder) {
				weekly += v * m.Coeffs[idx]
				idx++
			}
			c.Weekly[i] = weekly * m.YScale
		}
		if m.Yearly {
			var yearly float64
			for _, v := range fourierTerms(offset, yearlyPeriod, yearlyOrder) {
				yearly += v * m.Coeffs[idx]
				idx++
			}
			c.Yearly[i] = yearly * m.YScale
		}
	}
	return c
}

// Serialize encodes the model for the cache.
func (m *Model) Serialize() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DeserializeModel decodes a cached model, rejecting version mismatches.
func DeserializeModel(data []byte) (*Model, error) {
	var m Model
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if m.Version != modelVersion {
		return nil, fmt.Errorf("model version mismatch: have %d, want %d", m.Version, modelVersion)
	}
	return &m, nil
}

// dayOffset counts days from start to date.
func dayOffset(start, date time.Time) float64 {
	return date.Sub(start).Hours() / 24
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
