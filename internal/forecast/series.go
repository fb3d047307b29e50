package forecast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// Scope names a forecastable series: company-wide sales or one product.
const (
	ScopeTotalSales    = "total_sales"
	productScopePrefix = "product:"
)

// ProductScope builds the scope string for one product.
func ProductScope(productID string) string {
	return productScopePrefix + productID
}

// scopeProductID extracts the product from a product scope, or "".
func scopeProductID(scope string) string {
	if strings.HasPrefix(scope, productScopePrefix) {
		return strings.TrimPrefix(scope, productScopePrefix)
	}
	return ""
}

// ValidScope reports whether the scope is forecastable.
func ValidScope(scope string) bool {
	return scope == ScopeTotalSales || scopeProductID(scope) != ""
}

// Prepared is a cleaned series ready for training, with preparation stats.
type Prepared struct {
	Series  []domain.SeriesPoint
	Dropped int
}

// Prepare pulls the historical series for a scope, in date order, limited
// to daysHistory trailing days. Invalid rows are dropped and counted,
// negatives clamped to 0, duplicate dates summed. A perfectly flat series
// gets near-zero seeded jitter so the optimizer converges.
func (e *Engine) Prepare(ctx context.Context, scope string, daysHistory int) (Prepared, error) {
	sinceDay := domain.Day(e.clock.Now().AddDate(0, 0, -daysHistory))

	var raw []domain.SeriesPoint
	var err error
	if productID := scopeProductID(scope); productID != "" {
		raw, err = productSeries(ctx, e.db, productID, sinceDay)
	} else if scope == ScopeTotalSales {
		raw, err = totalSalesSeries(ctx, e.db, sinceDay)
	} else {
		return Prepared{}, fmt.Errorf("unknown forecast scope %q", scope)
	}
	if err != nil {
		return Prepared{}, err
	}

	return cleanSeries(raw), nil
}

// cleanSeries applies the preparation rules to a raw pull.
func cleanSeries(raw []domain.SeriesPoint) Prepared {
	byDay := map[string]float64{}
	dropped := 0
	for _, p := range raw {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Date.IsZero() {
			dropped++
			continue
		}
		v := p.Value
		if v < 0 {
			v = 0
		}
		byDay[domain.Day(p.Date)] += v
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	series := make([]domain.SeriesPoint, 0, len(days))
	for _, d := range days {
		date, err := domain.ParseDay(d)
		if err != nil {
			dropped++
			continue
		}
		series = append(series, domain.SeriesPoint{Date: date, Value: byDay[d]})
	}

	if isFlat(series) {
		addJitter(series)
	}

	return Prepared{Series: series, Dropped: dropped}
}

func isFlat(series []domain.SeriesPoint) bool {
	if len(series) < 2 {
		return false
	}
	first := series[0].Value
	for _, p := range series[1:] {
		if p.Value != first {
			return false
		}
	}
	return true
}

// addJitter perturbs a flat series deterministically. The amplitude is
// small enough not to move forecasts visibly.
func addJitter(series []domain.SeriesPoint) {
	scale := math.Max(1, math.Abs(series[0].Value)) * 1e-6
	rng := rand.New(rand.NewSource(42))
	for i := range series {
		series[i].Value += (rng.Float64() - 0.5) * scale
	}
}

// totalSalesSeries pulls company-wide daily sales from the metric table.
func totalSalesSeries(ctx context.Context, db *database.DB, sinceDay string) ([]domain.SeriesPoint, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT date, total_sales FROM daily_sales_metrics WHERE date >= ? ORDER BY date ASC`, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("load total sales series: %w", err)
	}
	defer rows.Close()

	var series []domain.SeriesPoint
	for rows.Next() {
		var day string
		var total int64
		if err := rows.Scan(&day, &total); err != nil {
			return nil, fmt.Errorf("scan total sales point: %w", err)
		}
		date, perr := domain.ParseDay(day)
		if perr != nil {
			continue
		}
		series = append(series, domain.SeriesPoint{Date: date, Value: float64(total)})
	}
	return series, rows.Err()
}

// productSeries pulls one product's daily sold quantity from the order mirror.
func productSeries(ctx context.Context, db *database.DB, productID, sinceDay string) ([]domain.SeriesPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT o.order_date, SUM(i.quantity)
		FROM order_items i
		JOIN orders o ON o.id = i.order_id
		WHERE i.product_id = ? AND o.status = 'completed' AND o.order_date >= ?
		GROUP BY o.order_date
		ORDER BY o.order_date ASC`, productID, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("load product series %s: %w", productID, err)
	}
	defer rows.Close()

	var series []domain.SeriesPoint
	for rows.Next() {
		var day string
		var quantity float64
		if err := rows.Scan(&day, &quantity); err != nil {
			return nil, fmt.Errorf("scan product series point: %w", err)
		}
		date, perr := domain.ParseDay(day)
		if perr != nil {
			continue
		}
		series = append(series, domain.SeriesPoint{Date: date, Value: quantity})
	}
	return series, rows.Err()
}

// Fingerprint hashes (row count, value sum, last five values). It is the
// sole invalidation signal for a cached model.
func Fingerprint(series []domain.SeriesPoint) string {
	var sum float64
	for _, p := range series {
		sum += p.Value
	}

	tail := series
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d|%.6f", len(series), sum)
	for _, p := range tail {
		fmt.Fprintf(&b, "|%.6f", p.Value)
	}

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:16])
}
