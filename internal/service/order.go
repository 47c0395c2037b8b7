package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/lib/sqlfilter"
	"github.com/linemk/shop-orders/internal/metrics"
	"github.com/linemk/shop-orders/internal/notify"
	"github.com/linemk/shop-orders/internal/storage"
)

var tracer = otel.Tracer("github.com/linemk/shop-orders/internal/service")

// Caller описывает, кто выполняет операцию. Админ видит и меняет чужие заказы
type Caller struct {
	UserID  int64
	IsAdmin bool
}

type OrderItemInput struct {
	ProductID int64
	Quantity  int
	Variant   map[string]string
}

type CreateOrderInput struct {
	Items           []OrderItemInput
	ShippingAddress models.Address
	// BillingAddress == nil: используется адрес доставки
	BillingAddress *models.Address
}

type OrderService interface {
	CreateOrder(ctx context.Context, userID int64, in CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, caller Caller, id int64) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64) ([]*models.Order, error)
	ListOrders(ctx context.Context, filter storage.OrderFilter) ([]*models.Order, error)
	CancelOrder(ctx context.Context, caller Caller, id int64) (*models.Order, error)
	UpdateStatus(ctx context.Context, id int64, status models.OrderStatus, trackingNumber *string) (*models.Order, error)
}

type orderService struct {
	log         *slog.Logger
	db          *sql.DB
	productRepo storage.ProductStorage
	orderRepo   storage.OrderStorage
	cartRepo    storage.CartStorage
	pricer      *Pricer
	notifier    notify.Notifier
	metrics     *metrics.Metrics
}

func NewOrderService(
	log *slog.Logger,
	db *sql.DB,
	productRepo storage.ProductStorage,
	orderRepo storage.OrderStorage,
	cartRepo storage.CartStorage,
	pricer *Pricer,
	notifier notify.Notifier,
	m *metrics.Metrics,
) OrderService {
	return &orderService{
		log:         log,
		db:          db,
		productRepo: productRepo,
		orderRepo:   orderRepo,
		cartRepo:    cartRepo,
		pricer:      pricer,
		notifier:    notifier,
		metrics:     m,
	}
}

// CreateOrder оформляет заказ одной транзакцией: строки товаров блокируются, остатки проверяются
// и списываются, затем сохраняется заказ с позициями и очищается корзина. Любая ошибка откатывает всё.
func (s *orderService) CreateOrder(ctx context.Context, userID int64, in CreateOrderInput) (order *models.Order, err error) {
	const op = "service.OrderService.CreateOrder"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("userID", userID))

	requested, err := validateItems(in.Items)
	if err != nil {
		s.metrics.Order(metrics.OrderRejectedInvalid)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids := sortedIDs(requested)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin transaction", slog.Any("error", err))
		s.metrics.Order(metrics.OrderFailed)
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	products, err := s.productRepo.LockProductsTx(ctx, tx, ids)
	if err != nil {
		rollback(logger, tx)
		logger.Error("failed to lock products", slog.Any("error", err))
		s.metrics.Order(metrics.OrderFailed)
		return nil, fmt.Errorf("%s: failed to lock products: %w", op, err)
	}

	// все проверки до первой записи
	for _, id := range ids {
		p, ok := products[id]
		if !ok || !p.IsActive {
			rollback(logger, tx)
			logger.Warn("product unavailable", slog.Int64("productID", id))
			s.metrics.Order(metrics.OrderRejectedStock)
			return nil, fmt.Errorf("%s: product %d: %w", op, id, ErrProductUnavailable)
		}
		if p.StockQuantity < requested[id] {
			rollback(logger, tx)
			logger.Warn("insufficient stock",
				slog.Int64("productID", id),
				slog.Int("requested", requested[id]),
				slog.Int("available", p.StockQuantity),
			)
			s.metrics.Order(metrics.OrderRejectedStock)
			return nil, fmt.Errorf("%s: %w", op, &StockError{ProductID: id, Requested: requested[id], Available: p.StockQuantity})
		}
	}

	order = s.buildOrder(userID, in, products)

	if err := s.orderRepo.CreateOrderTx(ctx, tx, order); err != nil {
		rollback(logger, tx)
		logger.Error("failed to create order", slog.Any("error", err))
		s.metrics.Order(metrics.OrderFailed)
		return nil, fmt.Errorf("%s: failed to create order: %w", op, err)
	}

	for _, id := range ids {
		if err := s.productRepo.DecrementStockTx(ctx, tx, id, requested[id]); err != nil {
			rollback(logger, tx)
			if errors.Is(err, storage.ErrStockTooLow) {
				// строка заблокирована, сюда попадаем только если остаток изменили в обход блокировки
				s.metrics.Order(metrics.OrderRejectedStock)
				return nil, fmt.Errorf("%s: %w", op, &StockError{ProductID: id, Requested: requested[id], Available: products[id].StockQuantity})
			}
			logger.Error("failed to decrement stock", slog.Int64("productID", id), slog.Any("error", err))
			s.metrics.Order(metrics.OrderFailed)
			return nil, fmt.Errorf("%s: failed to decrement stock: %w", op, err)
		}
	}

	if err := s.cartRepo.ClearCartTx(ctx, tx, userID); err != nil {
		rollback(logger, tx)
		logger.Error("failed to clear cart", slog.Any("error", err))
		s.metrics.Order(metrics.OrderFailed)
		return nil, fmt.Errorf("%s: failed to clear cart: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit transaction", slog.Any("error", err))
		s.metrics.Order(metrics.OrderFailed)
		return nil, fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}

	s.metrics.Order(metrics.OrderPlaced)
	s.notifier.Dispatch(ctx, notify.NewOrderEvent(notify.EventOrderPlaced, order))

	logger.Info("order placed",
		slog.Int64("orderID", order.ID),
		slog.String("orderNumber", order.OrderNumber),
		slog.String("total", order.Total.StringFixed(2)),
	)
	return order, nil
}

// buildOrder снимает имя и цену товара на момент покупки и считает суммы
func (s *orderService) buildOrder(userID int64, in CreateOrderInput, products map[int64]*models.Product) *models.Order {
	items := make([]models.OrderItem, 0, len(in.Items))
	lineTotals := make([]decimal.Decimal, 0, len(in.Items))
	for _, it := range in.Items {
		p := products[it.ProductID]
		line := LineTotal(p.Price, it.Quantity)
		items = append(items, models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			Quantity:    it.Quantity,
			LineTotal:   line,
			Variant:     it.Variant,
		})
		lineTotals = append(lineTotals, line)
	}
	totals := s.pricer.Quote(lineTotals)

	billing := in.ShippingAddress
	if in.BillingAddress != nil {
		billing = *in.BillingAddress
	}

	return &models.Order{
		UserID:          userID,
		OrderNumber:     newOrderNumber(time.Now()),
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		Subtotal:        totals.Subtotal,
		Tax:             totals.Tax,
		Shipping:        totals.Shipping,
		Total:           totals.Total,
		RefundedAmount:  decimal.Zero,
		ShippingAddress: in.ShippingAddress,
		BillingAddress:  billing,
		Items:           items,
	}
}

func (s *orderService) GetOrder(ctx context.Context, caller Caller, id int64) (*models.Order, error) {
	const op = "service.OrderService.GetOrder"

	order, err := s.orderRepo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
		}
		s.log.Error("failed to get order", slog.String("op", op), slog.Int64("orderID", id), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// чужой заказ неотличим от несуществующего
	if !caller.canAccess(order) {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) ListUserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	const op = "service.OrderService.ListUserOrders"

	orders, err := s.orderRepo.GetOrdersByUserID(ctx, userID)
	if err != nil {
		s.log.Error("failed to list orders", slog.String("op", op), slog.Int64("userID", userID), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orders, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter storage.OrderFilter) ([]*models.Order, error) {
	const op = "service.OrderService.ListOrders"

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("status", "unknown order status"))
	}
	if filter.PaymentStatus != "" && !filter.PaymentStatus.Valid() {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("payment_status", "unknown payment status"))
	}

	orders, err := s.orderRepo.ListOrders(ctx, filter)
	if err != nil {
		if errors.Is(err, sqlfilter.ErrUnknownSort) {
			return nil, fmt.Errorf("%s: %w", op, NewValidationError("sort", "unsupported sort field"))
		}
		if errors.Is(err, sqlfilter.ErrUnknownField) || errors.Is(err, sqlfilter.ErrUnknownOperator) {
			return nil, fmt.Errorf("%s: %w", op, NewValidationError("filter", err.Error()))
		}
		s.log.Error("failed to list orders", slog.String("op", op), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return orders, nil
}

// CancelOrder отменяет заказ в статусе pending/processing и возвращает товар на склад в той же транзакции.
func (s *orderService) CancelOrder(ctx context.Context, caller Caller, id int64) (order *models.Order, err error) {
	const op = "service.OrderService.CancelOrder"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("order.id", id)))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", id), slog.Int64("callerID", caller.UserID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	order, err = s.lockOrder(ctx, tx, id)
	if err != nil {
		rollback(logger, tx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !caller.canAccess(order) {
		rollback(logger, tx)
		logger.Warn("cancel attempt on foreign order")
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}
	if !order.Status.Cancellable() {
		rollback(logger, tx)
		logger.Info("order not cancellable", slog.String("status", string(order.Status)))
		return nil, fmt.Errorf("%s: status %s: %w", op, order.Status, ErrNotCancellable)
	}

	if err := restoreOrderStock(ctx, tx, s.productRepo, order); err != nil {
		rollback(logger, tx)
		logger.Error("failed to restore stock", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.orderRepo.UpdateStatusTx(ctx, tx, id, models.OrderStatusCancelled, nil); err != nil {
		rollback(logger, tx)
		logger.Error("failed to update order status", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to update order status: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}

	s.metrics.Order(metrics.OrderCancelled)
	order = s.reload(ctx, logger, order, models.OrderStatusCancelled)
	s.notifier.Dispatch(ctx, notify.NewOrderEvent(notify.EventOrderCancelled, order))

	logger.Info("order cancelled", slog.String("orderNumber", order.OrderNumber))
	return order, nil
}

// UpdateStatus двигает заказ только вперёд по цепочке pending→processing→shipped→delivered.
// Тот же статус, без изменений; cancelled идёт через CancelOrder с возвратом остатков.
func (s *orderService) UpdateStatus(ctx context.Context, id int64, status models.OrderStatus, trackingNumber *string) (order *models.Order, err error) {
	const op = "service.OrderService.UpdateStatus"

	if !status.Valid() {
		return nil, fmt.Errorf("%s: %q: %w", op, status, ErrInvalidStatus)
	}
	if status == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, Caller{IsAdmin: true}, id)
	}

	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.status", string(status)),
	))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", id), slog.String("status", string(status)))

	// трек-номер имеет смысл только при отправке
	if status != models.OrderStatusShipped {
		trackingNumber = nil
	} else if trackingNumber != nil {
		if t := strings.TrimSpace(*trackingNumber); t != "" {
			trackingNumber = &t
		} else {
			trackingNumber = nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	order, err = s.lockOrder(ctx, tx, id)
	if err != nil {
		rollback(logger, tx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if order.Status == status && !trackingChanged(order.TrackingNumber, trackingNumber) {
		rollback(logger, tx)
		logger.Debug("status unchanged")
		return order, nil
	}
	if !order.Status.CanAdvanceTo(status) {
		rollback(logger, tx)
		logger.Info("transition rejected", slog.String("from", string(order.Status)))
		return nil, fmt.Errorf("%s: %s -> %s: %w", op, order.Status, status, ErrInvalidTransition)
	}

	if err := s.orderRepo.UpdateStatusTx(ctx, tx, id, status, trackingNumber); err != nil {
		rollback(logger, tx)
		logger.Error("failed to update order status", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to update order status: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}

	s.metrics.Order(metrics.OrderStatusChanged)
	order = s.reload(ctx, logger, order, status)
	s.notifier.Dispatch(ctx, notify.NewOrderEvent(notify.EventOrderStatusChanged, order))

	logger.Info("order status updated")
	return order, nil
}

func (s *orderService) lockOrder(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order, err := s.orderRepo.LockOrderTx(ctx, tx, id)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			return nil, ErrOrderNotFound
		case errors.Is(err, storage.ErrOrderLocked):
			return nil, ErrOrderBusy
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// restoreOrderStock возвращает на склад ровно то, что было списано при оформлении
func restoreOrderStock(ctx context.Context, tx *sql.Tx, productRepo storage.ProductStorage, order *models.Order) error {
	quantities := make(map[int64]int, len(order.Items))
	for _, it := range order.Items {
		quantities[it.ProductID] += it.Quantity
	}
	for _, id := range sortedIDs(quantities) {
		if err := productRepo.IncrementStockTx(ctx, tx, id, quantities[id]); err != nil {
			return fmt.Errorf("failed to restore stock for product %d: %w", id, err)
		}
	}
	return nil
}

// reload перечитывает заказ после коммита, чтобы вернуть проставленные базой отметки времени
func (s *orderService) reload(ctx context.Context, logger *slog.Logger, order *models.Order, status models.OrderStatus) *models.Order {
	fresh, err := s.orderRepo.GetOrderByID(ctx, order.ID)
	if err != nil {
		logger.Warn("failed to reload order after commit", slog.Any("error", err))
		order.Status = status
		return order
	}
	return fresh
}

func (c Caller) canAccess(order *models.Order) bool {
	return c.IsAdmin || order.UserID == c.UserID
}

// MaxItemQuantity ограничивает количество одного товара в заказе и в корзине.
// Сумма по товару тоже не может его превысить, иначе она переполнится до проверки остатка.
const MaxItemQuantity = 10000

// validateItems проверяет позиции и суммирует количество по товару
func validateItems(items []OrderItemInput) (map[int64]int, error) {
	if len(items) == 0 {
		return nil, NewValidationError("items", "at least one item is required")
	}
	verr := &ValidationError{Fields: map[string]string{}}
	requested := make(map[int64]int, len(items))
	for i, it := range items {
		if it.ProductID <= 0 {
			verr.Fields[fmt.Sprintf("items[%d].product_id", i)] = "must be a positive id"
		}
		field := fmt.Sprintf("items[%d].quantity", i)
		switch {
		case it.Quantity < 1:
			verr.Fields[field] = "must be at least 1"
			continue
		case it.Quantity > MaxItemQuantity:
			verr.Fields[field] = fmt.Sprintf("must be at most %d", MaxItemQuantity)
			continue
		case requested[it.ProductID] > MaxItemQuantity-it.Quantity:
			verr.Fields[field] = fmt.Sprintf("total quantity for product %d must be at most %d", it.ProductID, MaxItemQuantity)
			continue
		}
		requested[it.ProductID] += it.Quantity
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return requested, nil
}

// sortedIDs задаёт единый порядок блокировок строк товаров
func sortedIDs(m map[int64]int) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func trackingChanged(current, next *string) bool {
	if next == nil {
		return false
	}
	return current == nil || *current != *next
}

// newOrderNumber собирает "ORD-" + 8 последних цифр unix-миллисекунд + 6 случайных символов.
// Уникальность вероятностная, ограничения в базе нет.
func newOrderNumber(now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 8 {
		ms = ms[len(ms)-8:]
	}
	random := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return "ORD-" + ms + "-" + random
}

func rollback(logger *slog.Logger, tx *sql.Tx) {
	if rbErr := tx.Rollback(); rbErr != nil {
		logger.Error("transaction rollback failed", slog.Any("error", rbErr))
	}
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
