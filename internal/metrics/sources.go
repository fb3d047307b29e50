package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/demandline/demandline/internal/database"
)

// Upstream service names the aggregator talks to.
const (
	ServiceSales     = "sales"
	ServiceInventory = "inventory"
)

const ordersPageSize = 100

// Order is one completed order as returned by the sales service or the
// local mirror. Amounts are integer cents.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	OrderDate  string      `json:"order_date"`
	Status     string      `json:"status"`
	Total      int64       `json:"total"`
	Items      []OrderLine `json:"items"`
}

// OrderLine is one order line.
type OrderLine struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// ordersPage is the sales service list shape.
type ordersPage struct {
	Orders     []Order `json:"orders"`
	Page       int     `json:"page"`
	TotalPages int     `json:"total_pages"`
}

// InventoryLevel is current stock for one product in one warehouse.
type InventoryLevel struct {
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	WarehouseID   string `json:"warehouse_id"`
	Quantity      int64  `json:"quantity"`
	MinStockLevel int64  `json:"min_stock_level"`
}

type inventoryLevelsResponse struct {
	Levels []InventoryLevel `json:"levels"`
}

// CatalogProduct is a product catalog entry from the inventory service.
type CatalogProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SKU      string `json:"sku"`
	Category string `json:"category"`
	UnitCost int64  `json:"unit_cost"`
}

type productsResponse struct {
	Products []CatalogProduct `json:"products"`
}

// fetchOrdersHTTP pulls completed orders for [from, to] from the sales
// service in bounded pages.
func (a *Aggregator) fetchOrdersHTTP(ctx context.Context, from, to string) ([]Order, error) {
	var orders []Order

	for page := 1; ; page++ {
		query := url.Values{
			"status":    []string{"completed"},
			"date_from": []string{from},
			"date_to":   []string{to},
			"page":      []string{strconv.Itoa(page)},
			"page_size": []string{strconv.Itoa(ordersPageSize)},
		}

		var resp ordersPage
		if err := a.client.GetJSON(ctx, ServiceSales, "/api/orders", query, &resp); err != nil {
			return nil, err
		}

		orders = append(orders, resp.Orders...)
		if len(resp.Orders) == 0 || resp.TotalPages == 0 || page >= resp.TotalPages {
			break
		}
	}

	return orders, nil
}

// fetchOrdersSQL reads completed orders for [from, to] out of the local
// mirror. Same shape as the HTTP path so the aggregation code is shared.
func fetchOrdersSQL(ctx context.Context, db *database.DB, from, to string) ([]Order, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT o.id, o.customer_id, o.order_date, o.status, o.total,
		       i.product_id, i.product_name, i.sku, i.quantity, i.unit_price
		FROM orders o
		LEFT JOIN order_items i ON i.order_id = o.id
		WHERE o.status = 'completed' AND o.order_date >= ? AND o.order_date <= ?
		ORDER BY o.order_date, o.id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query mirrored orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	index := map[string]int{}
	for rows.Next() {
		var o Order
		var productID, productName, sku *string
		var quantity, unitPrice *int64
		err := rows.Scan(&o.ID, &o.CustomerID, &o.OrderDate, &o.Status, &o.Total,
			&productID, &productName, &sku, &quantity, &unitPrice)
		if err != nil {
			return nil, fmt.Errorf("scan mirrored order: %w", err)
		}

		pos, seen := index[o.ID]
		if !seen {
			orders = append(orders, o)
			pos = len(orders) - 1
			index[o.ID] = pos
		}

		if productID != nil {
			line := OrderLine{ProductID: *productID}
			if productName != nil {
				line.ProductName = *productName
			}
			if sku != nil {
				line.SKU = *sku
			}
			if quantity != nil {
				line.Quantity = *quantity
			}
			if unitPrice != nil {
				line.UnitPrice = *unitPrice
			}
			orders[pos].Items = append(orders[pos].Items, line)
		}
	}
	return orders, rows.Err()
}

// fetchInventoryHTTP pulls current stock levels from the inventory service.
func (a *Aggregator) fetchInventoryHTTP(ctx context.Context) ([]InventoryLevel, error) {
	var resp inventoryLevelsResponse
	if err := a.client.GetJSON(ctx, ServiceInventory, "/api/inventory/levels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Levels, nil
}

// fetchInventorySQL reads stock levels out of the local mirror.
func fetchInventorySQL(ctx context.Context, db *database.DB) ([]InventoryLevel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT l.product_id, COALESCE(p.name, ''), l.warehouse_id, l.quantity, l.min_stock_level
		FROM inventory_levels l
		LEFT JOIN products p ON p.id = l.product_id`)
	if err != nil {
		return nil, fmt.Errorf("query mirrored inventory levels: %w", err)
	}
	defer rows.Close()

	var levels []InventoryLevel
	for rows.Next() {
		var l InventoryLevel
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.WarehouseID, &l.Quantity, &l.MinStockLevel); err != nil {
			return nil, fmt.Errorf("scan mirrored inventory level: %w", err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// fetchCatalogHTTP pulls the product catalog from the inventory service.
func (a *Aggregator) fetchCatalogHTTP(ctx context.Context) ([]CatalogProduct, error) {
	var resp productsResponse
	if err := a.client.GetJSON(ctx, ServiceInventory, "/api/products", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// mirrorCatalog upserts catalog entries into the local products table so
// the SQL fallback and the category forecast batches see them.
func (a *Aggregator) mirrorCatalog(ctx context.Context, products []CatalogProduct) error {
	for _, p := range products {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO products (id, name, sku, category, unit_cost)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				sku = excluded.sku,
				category = excluded.category,
				unit_cost = excluded.unit_cost`,
			p.ID, p.Name, p.SKU, p.Category, p.UnitCost)
		if err != nil {
			return fmt.Errorf("mirror catalog product %s: %w", p.ID, err)
		}
	}
	return nil
}

// mirrorInventory upserts current levels into the local mirror.
func (a *Aggregator) mirrorInventory(ctx context.Context, levels []InventoryLevel, nowRFC3339 string) error {
	for _, l := range levels {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO inventory_levels (product_id, warehouse_id, quantity, min_stock_level, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (product_id, warehouse_id) DO UPDATE SET
				quantity = excluded.quantity,
				min_stock_level = excluded.min_stock_level,
				updated_at = excluded.updated_at`,
			l.ProductID, l.WarehouseID, l.Quantity, l.MinStockLevel, nowRFC3339)
		if err != nil {
			return fmt.Errorf("mirror inventory level %s/%s: %w", l.ProductID, l.WarehouseID, err)
		}
	}
	return nil
}
