// Package quality gates time series before forecasting. A report carries
// issues with severities and a 0..100 quality score; bounded auto-cleaning
// is applied only when the forecast engine asks for it.
package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/demandline/demandline/internal/domain"
)

// Severity grades an issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IssueKind names a class of data problem.
type IssueKind string

const (
	IssueEmptySeries       IssueKind = "empty_series"
	IssueTooShort          IssueKind = "too_short"
	IssueMissingDates      IssueKind = "missing_dates"
	IssueNegativeValues    IssueKind = "negative_values"
	IssueInvalidValues     IssueKind = "invalid_values"
	IssueOutliers          IssueKind = "outliers"
	IssueDuplicateDates    IssueKind = "duplicate_dates"
	IssueGaps              IssueKind = "gaps"
	IssueImplausibleValues IssueKind = "implausible_values"
)

// Issue is one detected problem with up to five examples.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Examples    []string  `json:"examples,omitempty"`
}

// Report is the validation outcome. IsValid is true iff no error issues.
type Report struct {
	IsValid      bool    `json:"is_valid"`
	QualityScore float64 `json:"quality_score"`
	Issues       []Issue `json:"issues"`
}

const (
	minSeriesLength   = 30
	iqrMultiplier     = 3.0
	maxIssueExamples  = 5
	maxTolerableGap   = 2 // days between consecutive points
	missingErrorShare = 0.30
	nanErrorShare     = 0.10
)

// Validator inspects series ahead of model training.
type Validator struct {
	// PlausibilityMax flags values above this bound. Zero disables the check.
	PlausibilityMax float64

	log zerolog.Logger
}

// NewValidator creates a validator with the default thresholds.
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{
		log: log.With().Str("component", "quality_validator").Logger(),
	}
}

// Validate inspects a series and returns a report. The series does not need
// to be sorted.
func (v *Validator) Validate(series []domain.SeriesPoint) Report {
	var issues []Issue

	if len(series) == 0 {
		issues = append(issues, Issue{
			Kind:        IssueEmptySeries,
			Severity:    SeverityError,
			Description: "series contains no points",
		})
		return buildReport(issues)
	}

	if len(series) < minSeriesLength {
		issues = append(issues, Issue{
			Kind:        IssueTooShort,
			Severity:    SeverityError,
			Description: fmt.Sprintf("series has %d points, need at least %d", len(series), minSeriesLength),
		})
	}

	sorted := sortedByDate(series)

	issues = appendIfPresent(issues, v.checkDuplicates(sorted))
	issues = appendIfPresent(issues, v.checkMissingDates(sorted))
	issues = appendIfPresent(issues, v.checkGaps(sorted))
	issues = appendIfPresent(issues, v.checkNegatives(sorted))
	issues = appendIfPresent(issues, v.checkInvalid(sorted))
	issues = appendIfPresent(issues, v.checkOutliers(sorted))
	issues = appendIfPresent(issues, v.checkPlausibility(sorted))

	return buildReport(issues)
}

func appendIfPresent(issues []Issue, issue *Issue) []Issue {
	if issue == nil {
		return issues
	}
	return append(issues, *issue)
}

// buildReport scores the issues: 100 minus 20 per error, 5 per warning,
// 1 per info, floored at 0.
func buildReport(issues []Issue) Report {
	score := 100.0
	valid := true
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			score -= 20
			valid = false
		case SeverityWarning:
			score -= 5
		case SeverityInfo:
			score -= 1
		}
	}
	if score < 0 {
		score = 0
	}
	if issues == nil {
		issues = []Issue{}
	}
	return Report{IsValid: valid, QualityScore: score, Issues: issues}
}

func sortedByDate(series []domain.SeriesPoint) []domain.SeriesPoint {
	sorted := make([]domain.SeriesPoint, len(series))
	copy(sorted, series)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	return sorted
}

func (v *Validator) checkDuplicates(sorted []domain.SeriesPoint) *Issue {
	var examples []string
	count := 0
	for i := 1; i < len(sorted); i++ {
		if domain.Day(sorted[i].Date) == domain.Day(sorted[i-1].Date) {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, domain.Day(sorted[i].Date))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &Issue{
		Kind:        IssueDuplicateDates,
		Severity:    SeverityError,
		Description: fmt.Sprintf("%d duplicate dates", count),
		Examples:    examples,
	}
}

func (v *Validator) checkMissingDates(sorted []domain.SeriesPoint) *Issue {
	if len(sorted) < 2 {
		return nil
	}

	present := make(map[string]struct{}, len(sorted))
	for _, p := range sorted {
		present[domain.Day(p.Date)] = struct{}{}
	}

	first := sorted[0].Date
	last := sorted[len(sorted)-1].Date
	expected := int(last.Sub(first).Hours()/24) + 1
	if expected <= len(present) {
		return nil
	}

	var examples []string
	missing := 0
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if _, ok := present[domain.Day(d)]; !ok {
			missing++
			if len(examples) < maxIssueExamples {
				examples = append(examples, domain.Day(d))
			}
		}
	}
	if missing == 0 {
		return nil
	}

	severity := SeverityWarning
	if float64(missing)/float64(expected) >= missingErrorShare {
		severity = SeverityError
	}
	return &Issue{
		Kind:        IssueMissingDates,
		Severity:    severity,
		Description: fmt.Sprintf("%d of %d calendar dates missing", missing, expected),
		Examples:    examples,
	}
}

func (v *Validator) checkGaps(sorted []domain.SeriesPoint) *Issue {
	var examples []string
	count := 0
	for i := 1; i < len(sorted); i++ {
		gap := int(sorted[i].Date.Sub(sorted[i-1].Date).Hours() / 24)
		if gap > maxTolerableGap {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, fmt.Sprintf("%s→%s", domain.Day(sorted[i-1].Date), domain.Day(sorted[i].Date)))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &Issue{
		Kind:        IssueGaps,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("%d gaps longer than %d days", count, maxTolerableGap),
		Examples:    examples,
	}
}

func (v *Validator) checkNegatives(sorted []domain.SeriesPoint) *Issue {
	var examples []string
	count := 0
	for _, p := range sorted {
		if p.Value < 0 {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, fmt.Sprintf("%s=%g", domain.Day(p.Date), p.Value))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &Issue{
		Kind:        IssueNegativeValues,
		Severity:    SeverityError,
		Description: fmt.Sprintf("%d negative values", count),
		Examples:    examples,
	}
}

func (v *Validator) checkInvalid(sorted []domain.SeriesPoint) *Issue {
	var examples []string
	count := 0
	for _, p := range sorted {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, domain.Day(p.Date))
			}
		}
	}
	if count == 0 {
		return nil
	}

	severity := SeverityWarning
	if float64(count)/float64(len(sorted)) >= nanErrorShare {
		severity = SeverityError
	}
	return &Issue{
		Kind:        IssueInvalidValues,
		Severity:    severity,
		Description: fmt.Sprintf("%d non-finite values", count),
		Examples:    examples,
	}
}

func (v *Validator) checkOutliers(sorted []domain.SeriesPoint) *Issue {
	lower, upper, ok := iqrBounds(sorted)
	if !ok {
		return nil
	}

	var examples []string
	count := 0
	for _, p := range sorted {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		if p.Value < lower || p.Value > upper {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, fmt.Sprintf("%s=%g", domain.Day(p.Date), p.Value))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &Issue{
		Kind:        IssueOutliers,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("%d outliers beyond %gx IQR", count, iqrMultiplier),
		Examples:    examples,
	}
}

func (v *Validator) checkPlausibility(sorted []domain.SeriesPoint) *Issue {
	if v.PlausibilityMax <= 0 {
		return nil
	}

	var examples []string
	count := 0
	for _, p := range sorted {
		if p.Value > v.PlausibilityMax {
			count++
			if len(examples) < maxIssueExamples {
				examples = append(examples, fmt.Sprintf("%s=%g", domain.Day(p.Date), p.Value))
			}
		}
	}
	if count == 0 {
		return nil
	}
	return &Issue{
		Kind:        IssueImplausibleValues,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("%d values above plausibility bound %g", count, v.PlausibilityMax),
		Examples:    examples,
	}
}

// iqrBounds returns the acceptance interval [q1 − k·IQR, q3 + k·IQR] over
// the finite values. ok is false when the series is too small to bound.
func iqrBounds(series []domain.SeriesPoint) (float64, float64, bool) {
	values := finiteValues(series)
	if len(values) < 4 {
		return 0, 0, false
	}
	sort.Float64s(values)

	q1 := stat.Quantile(0.25, stat.Empirical, values, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, values, nil)
	iqr := q3 - q1
	return q1 - iqrMultiplier*iqr, q3 + iqrMultiplier*iqr, true
}

func finiteValues(series []domain.SeriesPoint) []float64 {
	values := make([]float64, 0, len(series))
	for _, p := range series {
		if !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0) {
			values = append(values, p.Value)
		}
	}
	return values
}

// AutoClean applies the bounded cleaning policy: negatives clamped to 0,
// IQR outliers winsorized into the [5th, 95th] percentile, missing calendar
// dates filled by linear interpolation on the index. Existing valid points
// keep their position and ordering.
func (v *Validator) AutoClean(series []domain.SeriesPoint) []domain.SeriesPoint {
	if len(series) == 0 {
		return nil
	}

	cleaned := sortedByDate(series)

	// Pinned points stay at 0; the winsorize pass must not pull a clamped
	// negative back up to the 5th percentile.
	pinned := make([]bool, len(cleaned))
	for i := range cleaned {
		if cleaned[i].Value < 0 {
			cleaned[i].Value = 0
			pinned[i] = true
		}
	}

	v.winsorizeOutliers(cleaned, pinned)
	cleaned = interpolateMissing(cleaned)

	return cleaned
}

// winsorizeOutliers pulls IQR outliers into the [p5, p95] band in place,
// leaving skipped indexes untouched and out of the percentile basis.
func (v *Validator) winsorizeOutliers(series []domain.SeriesPoint, skip []bool) {
	basis := make([]domain.SeriesPoint, 0, len(series))
	for i, p := range series {
		if !skip[i] {
			basis = append(basis, p)
		}
	}

	lower, upper, ok := iqrBounds(basis)
	if !ok {
		return
	}

	values := finiteValues(basis)
	sort.Float64s(values)
	p5 := stat.Quantile(0.05, stat.Empirical, values, nil)
	p95 := stat.Quantile(0.95, stat.Empirical, values, nil)

	clamped := 0
	for i := range series {
		if skip[i] {
			continue
		}
		switch {
		case series[i].Value < lower:
			series[i].Value = p5
			clamped++
		case series[i].Value > upper:
			series[i].Value = p95
			clamped++
		}
	}
	if clamped > 0 {
		v.log.Debug().Int("clamped", clamped).Msg("Winsorized outliers")
	}
}

// interpolateMissing fills missing calendar dates between the first and
// last point by linear interpolation between the surrounding known values.
func interpolateMissing(sorted []domain.SeriesPoint) []domain.SeriesPoint {
	if len(sorted) < 2 {
		return sorted
	}

	var filled []domain.SeriesPoint
	for i := 0; i < len(sorted)-1; i++ {
		filled = append(filled, sorted[i])

		gapDays := int(sorted[i+1].Date.Sub(sorted[i].Date).Hours() / 24)
		for d := 1; d < gapDays; d++ {
			fraction := float64(d) / float64(gapDays)
			filled = append(filled, domain.SeriesPoint{
				Date:  sorted[i].Date.AddDate(0, 0, d),
				Value: sorted[i].Value + fraction*(sorted[i+1].Value-sorted[i].Value),
			})
		}
	}
	return append(filled, sorted[len(sorted)-1])
}
