package streams

// Event type tags dispatched by the consumer.
const (
	EventOrderCreated   = "order.created"
	EventOrderUpdated   = "order.updated"
	EventOrderCancelled = "order.cancelled"
	EventPaymentCreated = "payment.created"
)

// Envelope is the decoded shape of a stream entry's data field. Only
// event_type and timestamp are universal; the rest depends on the type.
type Envelope struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
}

// OrderItem is one line of an order event.
type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// OrderEvent is the payload of order.* events. Total is integer cents.
// OrderDate may be empty on cancellations emitted by legacy producers.
type OrderEvent struct {
	EventType  string      `json:"event_type"`
	Timestamp  string      `json:"timestamp"`
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	OrderDate  string      `json:"order_date"`
	Status     string      `json:"status"`
	Total      int64       `json:"total"`
	Items      []OrderItem `json:"items"`
}

// PaymentEvent is the payload of payment.created. Informational for now.
type PaymentEvent struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}
