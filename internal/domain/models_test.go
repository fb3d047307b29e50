package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailySalesMetricNormalize(t *testing.T) {
	t.Run("computes average order value", func(t *testing.T) {
		m := DailySalesMetric{TotalSales: 1500, TotalOrders: 2}
		m.Normalize()
		assert.Equal(t, int64(750), m.AverageOrderValue)
	})

	t.Run("zero orders means zero average", func(t *testing.T) {
		m := DailySalesMetric{TotalSales: 0, TotalOrders: 0, AverageOrderValue: 99}
		m.Normalize()
		assert.Equal(t, int64(0), m.AverageOrderValue)
	})

	t.Run("floors negative totals at zero", func(t *testing.T) {
		m := DailySalesMetric{TotalSales: -500, TotalOrders: -1, ProductsSold: -3}
		m.Normalize()
		assert.Equal(t, int64(0), m.TotalSales)
		assert.Equal(t, int64(0), m.TotalOrders)
		assert.Equal(t, int64(0), m.ProductsSold)
	})
}

func TestReorderPriorityOrdering(t *testing.T) {
	// The ordering must be strictly low < medium < high < urgent < critical.
	ordered := []ReorderPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i-1].Rank(),
			"%s must outrank %s", ordered[i], ordered[i-1])
	}
	assert.Equal(t, 0, ReorderPriority("bogus").Rank())
}

func TestParseReorderPriority(t *testing.T) {
	p, err := ParseReorderPriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParseReorderPriority("extreme")
	assert.Error(t, err)
}

func TestRecommendationStatusTransitions(t *testing.T) {
	tests := []struct {
		from    RecommendationStatus
		to      RecommendationStatus
		allowed bool
	}{
		{StatusPending, StatusReviewed, true},
		{StatusPending, StatusOrdered, true},
		{StatusPending, StatusDismissed, true},
		{StatusReviewed, StatusOrdered, true},
		{StatusReviewed, StatusDismissed, true},
		{StatusReviewed, StatusPending, false},
		{StatusOrdered, StatusDismissed, false},
		{StatusDismissed, StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestDayRoundTrip(t *testing.T) {
	day := Day(time.Date(2025, 3, 10, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, "2025-03-10", day)

	parsed, err := ParseDay(day)
	require.NoError(t, err)
	assert.Equal(t, 2025, parsed.Year())
	assert.Equal(t, time.March, parsed.Month())
	assert.Equal(t, 10, parsed.Day())
}

func TestFixedClock(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := FixedClock{Time: instant}
	assert.Equal(t, instant, c.Now())
}
