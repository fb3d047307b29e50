package streams

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// OrderHandlers applies orders-stream events to the daily sales metric and
// the local order mirror. All handlers are idempotent under replay of the
// last event at the row level: metric updates are deltas, so exactly-once
// application is approximated by per-event position persistence; the mirror
// writes are pure upserts.
type OrderHandlers struct {
	db    *database.DB
	clock domain.Clock
	log   zerolog.Logger
}

// NewOrderHandlers wires the handler set.
func NewOrderHandlers(db *database.DB, clock domain.Clock, log zerolog.Logger) *OrderHandlers {
	return &OrderHandlers{
		db:    db,
		clock: clock,
		log:   log.With().Str("component", "order_handlers").Logger(),
	}
}

// Register installs the handler catalog on a consumer.
func (h *OrderHandlers) Register(c *Consumer) {
	c.Handle(EventOrderCreated, h.HandleOrderCreated)
	c.Handle(EventOrderUpdated, h.HandleOrderUpdated)
	c.Handle(EventOrderCancelled, h.HandleOrderCancelled)
	c.Handle(EventPaymentCreated, h.HandlePaymentCreated)
}

// HandleOrderCreated adds the order to that day's sales metric and mirrors
// the order locally for the SQL fallback path.
func (h *OrderHandlers) HandleOrderCreated(ctx context.Context, raw []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode order.created: %w", err)
	}
	if ev.OrderID == "" {
		return fmt.Errorf("order.created missing order_id")
	}

	day := ev.OrderDate
	if day == "" {
		day = domain.Day(h.clock.Now())
	}

	var quantity int64
	for _, item := range ev.Items {
		quantity += item.Quantity
	}

	return database.WithTransaction(h.db.Conn(), func(tx *sql.Tx) error {
		if err := h.mirrorOrder(tx, ev, day); err != nil {
			return err
		}
		return h.applyMetricDelta(tx, day, ev.Total, 1, quantity)
	})
}

// HandleOrderUpdated refreshes the mirrored status. Metrics are untouched;
// the aggregator recomputes from completed orders on its own cadence.
func (h *OrderHandlers) HandleOrderUpdated(ctx context.Context, raw []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode order.updated: %w", err)
	}
	if ev.OrderID == "" {
		return fmt.Errorf("order.updated missing order_id")
	}
	if ev.Status == "" {
		return nil
	}

	_, err := h.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE id = ?`, ev.Status, ev.OrderID)
	if err != nil {
		return fmt.Errorf("update mirrored order %s: %w", ev.OrderID, err)
	}
	return nil
}

// HandleOrderCancelled subtracts the order from its day's metric, floored at
// zero. Cancellations carrying no order_date land on today's metric.
func (h *OrderHandlers) HandleOrderCancelled(ctx context.Context, raw []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode order.cancelled: %w", err)
	}
	if ev.OrderID == "" {
		return fmt.Errorf("order.cancelled missing order_id")
	}

	day := ev.OrderDate
	if day == "" {
		day = domain.Day(h.clock.Now())
	}

	return database.WithTransaction(h.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE orders SET status = 'cancelled' WHERE id = ?`, ev.OrderID); err != nil {
			return fmt.Errorf("cancel mirrored order %s: %w", ev.OrderID, err)
		}
		return h.applyMetricDelta(tx, day, -ev.Total, -1, 0)
	})
}

// HandlePaymentCreated is informational.
func (h *OrderHandlers) HandlePaymentCreated(ctx context.Context, raw []byte) error {
	var ev PaymentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode payment.created: %w", err)
	}
	h.log.Debug().Str("order_id", ev.OrderID).Int64("amount", ev.Amount).Msg("Payment recorded")
	return nil
}

// mirrorOrder upserts the order, its lines and the product catalog entries
// into the local mirror tables.
func (h *OrderHandlers) mirrorOrder(tx *sql.Tx, ev OrderEvent, day string) error {
	now := h.clock.Now().UTC().Format(time.RFC3339)

	status := ev.Status
	if status == "" {
		status = "completed"
	}

	_, err := tx.Exec(`
		INSERT INTO orders (id, customer_id, order_date, status, total, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = excluded.customer_id,
			order_date = excluded.order_date,
			status = excluded.status,
			total = excluded.total`,
		ev.OrderID, ev.CustomerID, day, status, ev.Total, now)
	if err != nil {
		return fmt.Errorf("mirror order %s: %w", ev.OrderID, err)
	}

	// Replace lines wholesale; replayed events rewrite identical rows.
	if _, err := tx.Exec(`DELETE FROM order_items WHERE order_id = ?`, ev.OrderID); err != nil {
		return fmt.Errorf("clear order items %s: %w", ev.OrderID, err)
	}

	for _, item := range ev.Items {
		_, err := tx.Exec(`
			INSERT INTO order_items (order_id, product_id, product_name, sku, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.OrderID, item.ProductID, item.ProductName, item.SKU, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("mirror order item %s/%s: %w", ev.OrderID, item.ProductID, err)
		}

		_, err = tx.Exec(`
			INSERT INTO products (id, name, sku)
			VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE products.name END,
				sku = CASE WHEN excluded.sku != '' THEN excluded.sku ELSE products.sku END`,
			item.ProductID, item.ProductName, item.SKU)
		if err != nil {
			return fmt.Errorf("mirror product %s: %w", item.ProductID, err)
		}
	}

	return nil
}

// applyMetricDelta adjusts one day's sales metric by the given deltas,
// flooring counters at zero and recomputing the average order value.
func (h *OrderHandlers) applyMetricDelta(tx *sql.Tx, day string, salesDelta, ordersDelta, quantityDelta int64) error {
	var m domain.DailySalesMetric
	err := tx.QueryRow(`
		SELECT total_sales, total_orders, products_sold, unique_products, unique_customers
		FROM daily_sales_metrics WHERE date = ?`, day,
	).Scan(&m.TotalSales, &m.TotalOrders, &m.ProductsSold, &m.UniqueProducts, &m.UniqueCustomers)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load daily metric %s: %w", day, err)
	}

	m.Date = day
	m.TotalSales += salesDelta
	m.TotalOrders += ordersDelta
	m.ProductsSold += quantityDelta
	m.Normalize()

	now := h.clock.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		INSERT INTO daily_sales_metrics
			(date, total_sales, total_orders, average_order_value, products_sold, unique_products, unique_customers, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total_sales = excluded.total_sales,
			total_orders = excluded.total_orders,
			average_order_value = excluded.average_order_value,
			products_sold = excluded.products_sold,
			calculated_at = excluded.calculated_at`,
		day, m.TotalSales, m.TotalOrders, m.AverageOrderValue, m.ProductsSold,
		m.UniqueProducts, m.UniqueCustomers, now)
	if err != nil {
		return fmt.Errorf("upsert daily metric %s: %w", day, err)
	}
	return nil
}
