// Package domain contains the core data records shared by the analytics,
// forecasting and restock subsystems. Records are plain structs with
// foreign-key identifiers; joins are explicit at query sites.
package domain

import (
	"fmt"
	"time"
)

// DateFormat is the wall-clock day format used everywhere a date is
// persisted or serialized. All dates are days in a fixed zone.
const DateFormat = "2006-01-02"

// MaxDaysOfInventory is the capped sentinel for "infinite" days of inventory
// when the turnover rate is zero.
const MaxDaysOfInventory = 999.0

// DailySalesMetric aggregates one day of completed sales. One row per date.
// AverageOrderValue is TotalSales / TotalOrders when TotalOrders > 0, else 0.
// Monetary amounts are integer cents in a single currency.
type DailySalesMetric struct {
	ID                int64
	Date              string
	TotalSales        int64
	TotalOrders       int64
	AverageOrderValue int64
	ProductsSold      int64
	UniqueProducts    int64
	UniqueCustomers   int64
	CalculatedAt      time.Time
}

// Normalize recomputes the derived average and floors negative counters at
// zero. Cancellation events may drive totals below zero; the metric never
// goes negative.
func (m *DailySalesMetric) Normalize() {
	if m.TotalSales < 0 {
		m.TotalSales = 0
	}
	if m.TotalOrders < 0 {
		m.TotalOrders = 0
	}
	if m.ProductsSold < 0 {
		m.ProductsSold = 0
	}
	if m.TotalOrders > 0 {
		m.AverageOrderValue = m.TotalSales / m.TotalOrders
	} else {
		m.AverageOrderValue = 0
	}
}

// Trend classifies demand direction over a period.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// ProductDemandMetric aggregates demand for one product over a period.
// Unique by (product_id, period_start, period_end).
type ProductDemandMetric struct {
	ID                 int64
	ProductID          string
	ProductName        string
	SKU                string
	PeriodStart        string
	PeriodEnd          string
	PeriodDays         int
	TotalQuantitySold  int64
	TotalOrders        int64
	AverageDailyDemand float64
	MaxDailyDemand     float64
	MinDailyDemand     float64
	TotalRevenue       int64
	AveragePrice       int64
	Trend              Trend
	TrendPercentage    float64
	CalculatedAt       time.Time
}

// MovementClass classifies inventory by turnover rate.
type MovementClass string

const (
	MovementFast     MovementClass = "fast_moving"
	MovementMedium   MovementClass = "medium_moving"
	MovementSlow     MovementClass = "slow_moving"
	MovementObsolete MovementClass = "obsolete"
)

// RiskLevel grades stockout and overstock exposure.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// InventoryTurnoverMetric measures how fast stock moves for one product in
// one warehouse over a period. Unique by (product_id, warehouse_id,
// period_start, period_end).
type InventoryTurnoverMetric struct {
	ID                int64
	ProductID         string
	ProductName       string
	WarehouseID       string
	PeriodStart       string
	PeriodEnd         string
	PeriodDays        int
	AverageInventory  float64
	StartingInventory float64
	EndingInventory   float64
	UnitsSold         int64
	CostOfGoodsSold   int64
	TurnoverRate      float64
	DaysOfInventory   float64
	Classification    MovementClass
	StockoutRisk      RiskLevel
	OverstockRisk     RiskLevel
	CalculatedAt      time.Time
}

// ReorderPriority orders recommendations from least to most urgent.
// The ordering is strict: low < medium < high < urgent < critical.
type ReorderPriority string

const (
	PriorityLow      ReorderPriority = "low"
	PriorityMedium   ReorderPriority = "medium"
	PriorityHigh     ReorderPriority = "high"
	PriorityUrgent   ReorderPriority = "urgent"
	PriorityCritical ReorderPriority = "critical"
)

// Rank returns the position of the priority in the strict ordering.
// Unknown values rank below low.
func (p ReorderPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	case PriorityCritical:
		return 5
	}
	return 0
}

// ParseReorderPriority validates a priority string.
func ParseReorderPriority(s string) (ReorderPriority, error) {
	p := ReorderPriority(s)
	if p.Rank() == 0 {
		return "", fmt.Errorf("invalid reorder priority: %q", s)
	}
	return p, nil
}

// RecommendationStatus tracks the review lifecycle of a recommendation.
type RecommendationStatus string

const (
	StatusPending   RecommendationStatus = "pending"
	StatusReviewed  RecommendationStatus = "reviewed"
	StatusOrdered   RecommendationStatus = "ordered"
	StatusDismissed RecommendationStatus = "dismissed"
)

// CanTransitionTo reports whether the status change is allowed.
// Recommendations are mutated only via explicit status transitions:
// pending may move to reviewed, ordered or dismissed; reviewed may move to
// ordered or dismissed. Ordered and dismissed are terminal.
func (s RecommendationStatus) CanTransitionTo(next RecommendationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusReviewed || next == StatusOrdered || next == StatusDismissed
	case StatusReviewed:
		return next == StatusOrdered || next == StatusDismissed
	}
	return false
}

// ParseRecommendationStatus validates a status string.
func ParseRecommendationStatus(s string) (RecommendationStatus, error) {
	switch RecommendationStatus(s) {
	case StatusPending, StatusReviewed, StatusOrdered, StatusDismissed:
		return RecommendationStatus(s), nil
	}
	return "", fmt.Errorf("invalid recommendation status: %q", s)
}

// StockReorderRecommendation is an inventory action for one product in one
// warehouse. Unique by (product_id, warehouse_id, created_day).
type StockReorderRecommendation struct {
	ID                       int64
	ProductID                string
	ProductName              string
	WarehouseID              string
	CurrentStock             int64
	MinStockLevel            int64
	AverageDailyDemand       float64
	PredictedDemand7d        float64
	PredictedDemand30d       float64
	RecommendedOrderQuantity int64
	ReorderPriority          ReorderPriority
	SafetyStock              int64
	ReorderPoint             int64
	StockoutDateEstimate     *string
	RecommendedOrderDate     *string
	Status                   RecommendationStatus
	CreatedDay               string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ForecastType names the series family a forecast belongs to.
type ForecastType string

const (
	ForecastSales              ForecastType = "sales"
	ForecastProductDemand      ForecastType = "product_demand"
	ForecastCategorySales      ForecastType = "category_sales"
	ForecastWarehouseInventory ForecastType = "warehouse_inventory"
)

// ForecastAccuracyRecord stores one predicted point awaiting (or joined
// with) its actual. Error fields are computed only once ActualValue is set.
// HorizonDays is PredictedDate minus ForecastDate in days.
type ForecastAccuracyRecord struct {
	ID               int64
	ForecastType     ForecastType
	ScopeID          *string
	ForecastDate     string
	PredictedDate    string
	HorizonDays      int
	PredictedValue   float64
	ActualValue      *float64
	ConfidenceLower  *float64
	ConfidenceUpper  *float64
	AbsoluteError    *float64
	PercentageError  *float64
	WithinConfidence *bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskRunStatus is the lifecycle state of a scheduled task run.
type TaskRunStatus string

const (
	TaskRunning TaskRunStatus = "running"
	TaskSuccess TaskRunStatus = "success"
	TaskError   TaskRunStatus = "error"
)

// TaskRun records one execution of a scheduled task. A running record must
// eventually transition to success or error, or be reaped by cleanup.
type TaskRun struct {
	ID         int64
	RunID      string
	TaskName   string
	Status     TaskRunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMS int64
	Details    map[string]interface{}
	Error      string
}

// EventStreamPosition is the durable read position of one consumer on one
// stream. LastEventID is monotonically non-decreasing per key.
type EventStreamPosition struct {
	ConsumerName string
	StreamName   string
	LastEventID  string
	UpdatedAt    time.Time
}

// SeriesPoint is one observation of a daily time series.
type SeriesPoint struct {
	Date  time.Time
	Value float64
}
