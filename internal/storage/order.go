package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/lib/sqlfilter"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// строку заказа держит другая транзакция (FOR UPDATE NOWAIT)
	ErrOrderLocked = errors.New("order is locked by another operation, please try again")
	// условное обновление не сработало, состояние заказа уже другое
	ErrOrderStateChanged = errors.New("order state changed concurrently")
)

// OrderStorage описывает методы для работы с заказами и их позициями.
type OrderStorage interface {
	// CreateOrderTx вставляет заказ и все его позиции в рамках транзакции, заполняя ID.
	CreateOrderTx(ctx context.Context, tx *sql.Tx, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error)
	// LockOrderTx читает заказ с позициями и блокирует его строку до конца транзакции.
	LockOrderTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error)
	// UpdateStatusTx меняет статус; отметки shipped_at/delivered_at/cancelled_at ставятся один раз.
	UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.OrderStatus, trackingNumber *string) error
	// SetPaymentIntent заменяет интент, только если на заказе всё ещё expected (nil: интента не было).
	// Иначе ErrOrderStateChanged: интент успел записать другой запрос или заказ уже оплачен.
	SetPaymentIntent(ctx context.Context, id int64, expected *string, intentID string) error
	// MarkPaidByIntent и MarkPaymentFailedByIntent, идемпотентные перезаписи по id интента.
	// false означает, что заказ уже был в целевом (или более позднем) состоянии.
	MarkPaidByIntent(ctx context.Context, intentID string) (bool, error)
	MarkPaymentFailedByIntent(ctx context.Context, intentID string) (bool, error)
	RecordRefundTx(ctx context.Context, tx *sql.Tx, id int64, status models.PaymentStatus, refunded decimal.Decimal) error
}

// OrderFilter — параметры админского списка заказов. Пустые поля не фильтруют.
type OrderFilter struct {
	Status        models.OrderStatus
	PaymentStatus models.PaymentStatus
	UserID        int64
	From          *time.Time
	To            *time.Time
	Sort          string
	Desc          bool
	Limit         int
	Offset        int
}

// OrderListSchema перечисляет разрешённые для фильтрации и сортировки колонки
var OrderListSchema = sqlfilter.Schema{
	Filters: map[string]string{
		"status":         "status",
		"payment_status": "payment_status",
		"user_id":        "user_id",
		"from":           "created_at",
		"to":             "created_at",
	},
	Sorts: map[string]string{
		"created_at":   "created_at",
		"total":        "total",
		"order_number": "order_number",
		"status":       "status",
	},
	DefaultSort: "created_at",
	TieBreaker:  "id",
	MaxLimit:    100,
}

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт новый репозиторий заказов.
func NewOrderRepository(db *sql.DB) OrderStorage {
	return &orderRepository{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const orderColumns = `id, user_id, order_number, status, payment_status, subtotal, tax, shipping, total, refunded_amount,
	shipping_address, billing_address, payment_intent_id, tracking_number,
	created_at, updated_at, shipped_at, delivered_at, cancelled_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var shippingAddr, billingAddr []byte
	err := row.Scan(
		&o.ID, &o.UserID, &o.OrderNumber, &o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Total, &o.RefundedAmount,
		&shippingAddr, &billingAddr, &o.PaymentIntentID, &o.TrackingNumber,
		&o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(shippingAddr, &o.ShippingAddress); err != nil {
		return nil, err
	}
	if err := decodeJSON(billingAddr, &o.BillingAddress); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepository) CreateOrderTx(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	shippingAddr, err := encodeJSON(order.ShippingAddress)
	if err != nil {
		return err
	}
	billingAddr, err := encodeJSON(order.BillingAddress)
	if err != nil {
		return err
	}

	query := `INSERT INTO orders (user_id, order_number, status, payment_status, subtotal, tax, shipping, total, shipping_address, billing_address)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id, created_at, updated_at`
	err = tx.QueryRowContext(ctx, query,
		order.UserID, order.OrderNumber, order.Status, order.PaymentStatus,
		order.Subtotal, order.Tax, order.Shipping, order.Total, shippingAddr, billingAddr,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, line_total, variant)
	              VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		variant, err := encodeVariant(item.Variant)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, itemQuery,
			item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.LineTotal, variant,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return r.getOne(ctx, r.db, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (r *orderRepository) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*models.Order, error) {
	return r.getOne(ctx, r.db, "SELECT "+orderColumns+" FROM orders WHERE payment_intent_id = $1", intentID)
}

func (r *orderRepository) LockOrderTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order, err := r.getOne(ctx, tx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE NOWAIT", id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable {
			return nil, fmt.Errorf("%w: %v", ErrOrderLocked, err)
		}
		return nil, err
	}
	return order, nil
}

func (r *orderRepository) getOne(ctx context.Context, q queryer, query string, arg any) (*models.Order, error) {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	var order *models.Order
	if rows.Next() {
		order, err = scanOrder(rows)
	}
	if err == nil {
		err = rows.Err()
	}
	rows.Close()
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	if err := r.attachItems(ctx, q, []*models.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrdersByUserID возвращает заказы пользователя, новые первыми.
func (r *orderRepository) GetOrdersByUserID(ctx context.Context, userID int64) ([]*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC"
	return r.list(ctx, query, userID)
}

func (r *orderRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	q := OrderListSchema.NewQuery()
	var err error
	if filter.Status != "" {
		err = errors.Join(err, q.Where("status", sqlfilter.Eq, string(filter.Status)))
	}
	if filter.PaymentStatus != "" {
		err = errors.Join(err, q.Where("payment_status", sqlfilter.Eq, string(filter.PaymentStatus)))
	}
	if filter.UserID != 0 {
		err = errors.Join(err, q.Where("user_id", sqlfilter.Eq, filter.UserID))
	}
	if filter.From != nil {
		err = errors.Join(err, q.Where("from", sqlfilter.Gte, *filter.From))
	}
	if filter.To != nil {
		err = errors.Join(err, q.Where("to", sqlfilter.Lte, *filter.To))
	}
	if filter.Sort != "" {
		err = errors.Join(err, q.SortBy(filter.Sort, filter.Desc))
	}
	if err != nil {
		return nil, err
	}
	q.Page(filter.Limit, filter.Offset)

	query, args := q.Build("SELECT " + orderColumns + " FROM orders")
	return r.list(ctx, query, args...)
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, r.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems подгружает позиции одним запросом для всех заказов
func (r *orderRepository) attachItems(ctx context.Context, q queryer, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*models.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	query := `SELECT id, order_id, product_id, product_name, unit_price, quantity, line_total, variant
	          FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`
	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var variant []byte
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity, &item.LineTotal, &variant); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if item.Variant, err = decodeVariant(variant); err != nil {
			return err
		}
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

func (r *orderRepository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.OrderStatus, trackingNumber *string) error {
	query := `UPDATE orders SET
		status = $1,
		tracking_number = COALESCE($2, tracking_number),
		shipped_at = CASE WHEN $1 = 'shipped' AND shipped_at IS NULL THEN NOW() ELSE shipped_at END,
		delivered_at = CASE WHEN $1 = 'delivered' AND delivered_at IS NULL THEN NOW() ELSE delivered_at END,
		cancelled_at = CASE WHEN $1 = 'cancelled' AND cancelled_at IS NULL THEN NOW() ELSE cancelled_at END,
		updated_at = NOW()
		WHERE id = $3`
	res, err := tx.ExecContext(ctx, query, string(status), trackingNumber, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return expectAffected(res, ErrOrderNotFound)
}

func (r *orderRepository) SetPaymentIntent(ctx context.Context, id int64, expected *string, intentID string) error {
	query := `UPDATE orders SET payment_intent_id = $1, payment_status = 'pending', updated_at = NOW()
	          WHERE id = $2 AND payment_intent_id IS NOT DISTINCT FROM $3 AND payment_status IN ('pending', 'failed')`
	res, err := r.db.ExecContext(ctx, query, intentID, id, expected)
	if err != nil {
		return fmt.Errorf("failed to set payment intent: %w", err)
	}
	return expectAffected(res, ErrOrderStateChanged)
}

func (r *orderRepository) MarkPaidByIntent(ctx context.Context, intentID string) (bool, error) {
	query := `UPDATE orders SET
		payment_status = 'paid',
		status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END,
		updated_at = NOW()
		WHERE payment_intent_id = $1 AND payment_status IN ('pending', 'failed')`
	return r.applyByIntent(ctx, query, intentID)
}

func (r *orderRepository) MarkPaymentFailedByIntent(ctx context.Context, intentID string) (bool, error) {
	query := `UPDATE orders SET payment_status = 'failed', updated_at = NOW()
	          WHERE payment_intent_id = $1 AND payment_status = 'pending'`
	return r.applyByIntent(ctx, query, intentID)
}

func (r *orderRepository) applyByIntent(ctx context.Context, query, intentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, intentID)
	if err != nil {
		return false, fmt.Errorf("failed to apply payment result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *orderRepository) RecordRefundTx(ctx context.Context, tx *sql.Tx, id int64, status models.PaymentStatus, refunded decimal.Decimal) error {
	query := `UPDATE orders SET payment_status = $1, refunded_amount = $2, updated_at = NOW() WHERE id = $3`
	res, err := tx.ExecContext(ctx, query, string(status), refunded, id)
	if err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	return expectAffected(res, ErrOrderNotFound)
}
