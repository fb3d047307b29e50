package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	apptesting "github.com/demandline/demandline/internal/testing"
)

var testClock = domain.FixedClock{Time: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}

func newTestConsumer(t *testing.T) (*Consumer, *database.DB, *redis.Client) {
	t.Helper()

	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)
	_, client := apptesting.NewTestRedis(t)

	positions := NewPositionRepository(db)
	consumer := NewConsumer(client, positions, "analytics", testClock, zerolog.Nop())
	NewOrderHandlers(db, testClock, zerolog.Nop()).Register(consumer)
	return consumer, db, client
}

func addEvent(t *testing.T, client *redis.Client, stream string, payload interface{}) string {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	id, err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	require.NoError(t, err)
	return id
}

func orderCreated(orderID string, total int64, quantity int64) OrderEvent {
	return OrderEvent{
		EventType:  EventOrderCreated,
		Timestamp:  "2025-03-10T09:00:00Z",
		OrderID:    orderID,
		CustomerID: "cust-1",
		OrderDate:  "2025-03-10",
		Status:     "completed",
		Total:      total,
		Items: []OrderItem{
			{ProductID: "prod-1", ProductName: "Widget", SKU: "W-1", Quantity: quantity, UnitPrice: total / quantity},
		},
	}
}

func TestConsumeAppliesOrderCreated(t *testing.T) {
	consumer, db, client := newTestConsumer(t)
	ctx := context.Background()

	addEvent(t, client, "orders", orderCreated("ord-1", 3000, 3))
	lastID := addEvent(t, client, "orders", orderCreated("ord-2", 2000, 2))

	processed, position, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, lastID, position)

	var totalSales, totalOrders, avg, productsSold int64
	err = db.QueryRow(`
		SELECT total_sales, total_orders, average_order_value, products_sold
		FROM daily_sales_metrics WHERE date = '2025-03-10'`,
	).Scan(&totalSales, &totalOrders, &avg, &productsSold)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), totalSales)
	assert.Equal(t, int64(2), totalOrders)
	assert.Equal(t, int64(2500), avg)
	assert.Equal(t, int64(5), productsSold)

	assert.Equal(t, 2, apptesting.CountRows(t, db, "orders"))
	assert.Equal(t, 2, apptesting.CountRows(t, db, "order_items"))
	assert.Equal(t, 1, apptesting.CountRows(t, db, "products"))
}

func TestConsumeResumesFromPosition(t *testing.T) {
	consumer, _, client := newTestConsumer(t)
	ctx := context.Background()

	addEvent(t, client, "orders", orderCreated("ord-1", 1000, 1))

	processed, first, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	// Nothing new: no events processed, position unchanged.
	processed, position, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, first, position)

	second := addEvent(t, client, "orders", orderCreated("ord-2", 1000, 1))

	processed, position, err = consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, second, position)
}

func TestCancellationFlooredAtZero(t *testing.T) {
	consumer, db, client := newTestConsumer(t)
	ctx := context.Background()

	addEvent(t, client, "orders", orderCreated("ord-1", 3000, 3))
	addEvent(t, client, "orders", OrderEvent{
		EventType: EventOrderCancelled,
		OrderID:   "ord-1",
		OrderDate: "2025-03-10",
		Total:     5000, // exceeds the day's accumulated total
	})

	_, _, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)

	var totalSales, totalOrders int64
	var status string
	require.NoError(t, db.QueryRow(
		`SELECT total_sales, total_orders FROM daily_sales_metrics WHERE date = '2025-03-10'`,
	).Scan(&totalSales, &totalOrders))
	assert.Equal(t, int64(0), totalSales)
	assert.Equal(t, int64(0), totalOrders)

	require.NoError(t, db.QueryRow(`SELECT status FROM orders WHERE id = 'ord-1'`).Scan(&status))
	assert.Equal(t, "cancelled", status)
}

func TestMalformedEventStopsBatch(t *testing.T) {
	consumer, _, client := newTestConsumer(t)
	ctx := context.Background()

	goodID := addEvent(t, client, "orders", orderCreated("ord-1", 1000, 1))

	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "orders",
		Values: map[string]interface{}{"data": "{not json"},
	}).Result()
	require.NoError(t, err)

	addEvent(t, client, "orders", orderCreated("ord-2", 1000, 1))

	processed, position, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, goodID, position)

	// The bad event still blocks; restarts replay from the confirmed point.
	processed, position, err = consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, goodID, position)
}

func TestHandlerFailureSkipsEvent(t *testing.T) {
	consumer, _, client := newTestConsumer(t)
	ctx := context.Background()

	var attempts int
	consumer.Handle("order.created", func(ctx context.Context, raw []byte) error {
		attempts++
		return errors.New("downstream rejected event")
	})

	failedID := addEvent(t, client, "orders", orderCreated("ord-1", 1000, 1))

	processed, position, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, failedID, position)
	assert.Equal(t, 1, attempts)

	// Skipped, not retried.
	_, _, err = consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	consumer, _, client := newTestConsumer(t)
	ctx := context.Background()

	id := addEvent(t, client, "orders", map[string]string{
		"event_type": "shipment.dispatched",
		"timestamp":  "2025-03-10T09:00:00Z",
	})

	processed, position, err := consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, id, position)
}

func TestBatchLimit(t *testing.T) {
	consumer, _, client := newTestConsumer(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		addEvent(t, client, "orders", orderCreated(fmt.Sprintf("ord-%d", i), 1000, 1))
	}

	processed, _, err := consumer.Consume(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	processed, _, err = consumer.Consume(ctx, "orders", 100)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
}

func TestPositionRepository(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	repo := NewPositionRepository(db)

	pos, err := repo.Get(ctx, "analytics", "orders")
	require.NoError(t, err)
	assert.Equal(t, "0-0", pos)

	require.NoError(t, repo.Set(ctx, "analytics", "orders", "1700000000000-5", testClock.Now()))
	require.NoError(t, repo.Set(ctx, "analytics", "payments", "1700000000001-0", testClock.Now()))

	pos, err = repo.Get(ctx, "analytics", "orders")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-5", pos)

	positions, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}
