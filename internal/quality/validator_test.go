package quality

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/domain"
)

func day(s string) time.Time {
	t, err := domain.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// dailySeries builds n consecutive daily points starting at 2025-01-01.
func dailySeries(n int, value func(i int) float64) []domain.SeriesPoint {
	start := day("2025-01-01")
	series := make([]domain.SeriesPoint, n)
	for i := range series {
		series[i] = domain.SeriesPoint{Date: start.AddDate(0, 0, i), Value: value(i)}
	}
	return series
}

func hasIssue(report Report, kind IssueKind) *Issue {
	for i := range report.Issues {
		if report.Issues[i].Kind == kind {
			return &report.Issues[i]
		}
	}
	return nil
}

func TestEmptySeries(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	report := v.Validate(nil)
	assert.False(t, report.IsValid)
	assert.Equal(t, 80.0, report.QualityScore)
	require.NotNil(t, hasIssue(report, IssueEmptySeries))
}

func TestTooShort(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	report := v.Validate(dailySeries(10, func(int) float64 { return 5 }))
	assert.False(t, report.IsValid)
	issue := hasIssue(report, IssueTooShort)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityError, issue.Severity)
}

func TestCleanSeriesIsValid(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	report := v.Validate(dailySeries(60, func(i int) float64 { return 10 + float64(i%7) }))
	assert.True(t, report.IsValid)
	assert.Equal(t, 100.0, report.QualityScore)
	assert.Empty(t, report.Issues)
}

func TestNegativeValues(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(40, func(i int) float64 {
		if i == 5 {
			return -3
		}
		return 10
	})
	report := v.Validate(series)
	assert.False(t, report.IsValid)
	issue := hasIssue(report, IssueNegativeValues)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityError, issue.Severity)
	assert.Equal(t, []string{"2025-01-06=-3"}, issue.Examples)
}

func TestDuplicateDates(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(40, func(int) float64 { return 10 })
	series = append(series, domain.SeriesPoint{Date: day("2025-01-05"), Value: 12})

	report := v.Validate(series)
	assert.False(t, report.IsValid)
	require.NotNil(t, hasIssue(report, IssueDuplicateDates))
}

func TestMissingDatesSeverityThreshold(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	// 40-point span missing 4 dates: a warning.
	var few []domain.SeriesPoint
	start := day("2025-01-01")
	for i := 0; i < 44; i++ {
		if i%11 == 10 {
			continue
		}
		few = append(few, domain.SeriesPoint{Date: start.AddDate(0, 0, i), Value: 10})
	}
	report := v.Validate(few)
	issue := hasIssue(report, IssueMissingDates)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityWarning, issue.Severity)

	// Every other date missing across the span: an error.
	var sparse []domain.SeriesPoint
	for i := 0; i < 80; i += 2 {
		sparse = append(sparse, domain.SeriesPoint{Date: start.AddDate(0, 0, i), Value: 10})
	}
	report = v.Validate(sparse)
	issue = hasIssue(report, IssueMissingDates)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityError, issue.Severity)
}

func TestNaNSeverityThreshold(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	oneNaN := dailySeries(40, func(i int) float64 {
		if i == 3 {
			return math.NaN()
		}
		return 10
	})
	report := v.Validate(oneNaN)
	issue := hasIssue(report, IssueInvalidValues)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityWarning, issue.Severity)

	manyNaN := dailySeries(40, func(i int) float64 {
		if i%5 == 0 {
			return math.NaN()
		}
		return 10
	})
	report = v.Validate(manyNaN)
	issue = hasIssue(report, IssueInvalidValues)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityError, issue.Severity)
}

func TestOutlierDetection(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(60, func(i int) float64 {
		if i == 30 {
			return 100000
		}
		return 10 + float64(i%5)
	})
	report := v.Validate(series)
	issue := hasIssue(report, IssueOutliers)
	require.NotNil(t, issue)
	assert.Equal(t, SeverityWarning, issue.Severity)
}

func TestGapDetection(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(20, func(int) float64 { return 10 })
	start := day("2025-02-01") // 12 days after the 20th point
	for i := 0; i < 20; i++ {
		series = append(series, domain.SeriesPoint{Date: start.AddDate(0, 0, i), Value: 10})
	}

	report := v.Validate(series)
	require.NotNil(t, hasIssue(report, IssueGaps))
}

func TestPlausibilityBound(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	v.PlausibilityMax = 1000

	series := dailySeries(40, func(i int) float64 {
		if i == 7 {
			return 5000
		}
		return 10
	})
	report := v.Validate(series)
	require.NotNil(t, hasIssue(report, IssueImplausibleValues))
}

func TestScoreMonotonicity(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	clean := dailySeries(60, func(i int) float64 { return 10 + float64(i%7) })
	cleanScore := v.Validate(clean).QualityScore

	withError := make([]domain.SeriesPoint, len(clean))
	copy(withError, clean)
	withError[10].Value = -5

	report := v.Validate(withError)
	assert.LessOrEqual(t, report.QualityScore, cleanScore)
	assert.False(t, report.IsValid)

	// is_valid is false iff an error issue is present.
	for _, issue := range report.Issues {
		if issue.Severity == SeverityError {
			return
		}
	}
	t.Fatal("expected an error issue")
}

func TestScoreFloorsAtZero(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	// Short, negative, NaN-heavy, duplicated and gappy all at once.
	series := []domain.SeriesPoint{
		{Date: day("2025-01-01"), Value: -1},
		{Date: day("2025-01-01"), Value: math.NaN()},
		{Date: day("2025-01-02"), Value: math.NaN()},
		{Date: day("2025-01-09"), Value: -2},
		{Date: day("2025-01-20"), Value: math.NaN()},
	}
	report := v.Validate(series)
	assert.Equal(t, 0.0, report.QualityScore)
	assert.GreaterOrEqual(t, report.QualityScore, 0.0)
}

func TestAutoCleanClampsNegatives(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(40, func(i int) float64 {
		if i == 4 {
			return -7
		}
		return 10
	})
	cleaned := v.AutoClean(series)
	require.Len(t, cleaned, 40)
	// The clamped point stays at 0; winsorizing must not lift it back into
	// the percentile band.
	assert.Equal(t, 0.0, cleaned[4].Value)
	assert.Equal(t, 10.0, cleaned[3].Value)
	assert.Equal(t, 10.0, cleaned[5].Value)
}

func TestAutoCleanClampsNegativesAmongOutliers(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(60, func(i int) float64 {
		switch i {
		case 10:
			return -3
		case 30:
			return 100000
		default:
			return 10 + float64(i%5)
		}
	})
	cleaned := v.AutoClean(series)
	require.Len(t, cleaned, 60)
	assert.Equal(t, 0.0, cleaned[10].Value)
	assert.LessOrEqual(t, cleaned[30].Value, 15.0)
}

func TestAutoCleanInterpolatesMissingDates(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := []domain.SeriesPoint{
		{Date: day("2025-01-01"), Value: 10},
		{Date: day("2025-01-02"), Value: 12},
		// 03 and 04 missing
		{Date: day("2025-01-05"), Value: 18},
		{Date: day("2025-01-06"), Value: 20},
	}
	cleaned := v.AutoClean(series)
	require.Len(t, cleaned, 6)

	assert.Equal(t, "2025-01-03", domain.Day(cleaned[2].Date))
	assert.InDelta(t, 14.0, cleaned[2].Value, 1e-9)
	assert.Equal(t, "2025-01-04", domain.Day(cleaned[3].Date))
	assert.InDelta(t, 16.0, cleaned[3].Value, 1e-9)

	// Existing points keep their position and values.
	assert.Equal(t, 10.0, cleaned[0].Value)
	assert.Equal(t, 12.0, cleaned[1].Value)
	assert.Equal(t, 18.0, cleaned[4].Value)
	assert.Equal(t, 20.0, cleaned[5].Value)
}

func TestAutoCleanWinsorizesOutliers(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(60, func(i int) float64 {
		if i == 30 {
			return 100000
		}
		return 10 + float64(i%5)
	})
	cleaned := v.AutoClean(series)
	require.Len(t, cleaned, 60)
	assert.LessOrEqual(t, cleaned[30].Value, 15.0)
	assert.GreaterOrEqual(t, cleaned[30].Value, 10.0)
}

func TestAutoCleanPreservesOrdering(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	series := dailySeries(45, func(i int) float64 { return float64(i) })
	cleaned := v.AutoClean(series)
	for i := 1; i < len(cleaned); i++ {
		assert.True(t, cleaned[i].Date.After(cleaned[i-1].Date))
	}
}
