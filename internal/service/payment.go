package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linemk/shop-orders/internal/cache"
	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/metrics"
	"github.com/linemk/shop-orders/internal/notify"
	"github.com/linemk/shop-orders/internal/payment"
	"github.com/linemk/shop-orders/internal/storage"
)

type IntentResult struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

type ConfirmResult struct {
	IntentStatus   string               `json:"payment_intent_status"`
	PaymentStatus  models.PaymentStatus `json:"payment_status"`
	Status         models.OrderStatus   `json:"status"`
	RequiresAction bool                 `json:"requires_action"`
}

type PaymentService interface {
	CreateIntent(ctx context.Context, caller Caller, orderID int64) (*IntentResult, error)
	Confirm(ctx context.Context, caller Caller, orderID int64) (*ConfirmResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	// Refund без суммы (amount == nil) возвращает весь заказ.
	Refund(ctx context.Context, orderID int64, amount *decimal.Decimal) (*models.Order, error)
}

type paymentService struct {
	log         *slog.Logger
	db          *sql.DB
	orderRepo   storage.OrderStorage
	productRepo storage.ProductStorage
	gateway     payment.Gateway
	events      cache.EventMarker
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	currency    string
}

func NewPaymentService(
	log *slog.Logger,
	db *sql.DB,
	orderRepo storage.OrderStorage,
	productRepo storage.ProductStorage,
	gateway payment.Gateway,
	events cache.EventMarker,
	notifier notify.Notifier,
	m *metrics.Metrics,
	currency string,
) PaymentService {
	return &paymentService{
		log:         log,
		db:          db,
		orderRepo:   orderRepo,
		productRepo: productRepo,
		gateway:     gateway,
		events:      events,
		notifier:    notifier,
		metrics:     m,
		currency:    currency,
	}
}

// CreateIntent создаёт платёж на сумму заказа в центах. Для заказа, ожидающего оплаты,
// повторно отдаётся уже созданный интент; после неудачной оплаты создаётся новый.
func (s *paymentService) CreateIntent(ctx context.Context, caller Caller, orderID int64) (result *IntentResult, err error) {
	const op = "service.PaymentService.CreateIntent"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", orderID))

	order, err := s.getOwnedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if order.Status == models.OrderStatusCancelled {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderCancelled)
	}
	if order.PaymentStatus != models.PaymentStatusPending && order.PaymentStatus != models.PaymentStatusFailed {
		return nil, fmt.Errorf("%s: payment status %s: %w", op, order.PaymentStatus, ErrAlreadyPaid)
	}

	if order.PaymentStatus == models.PaymentStatusPending && order.PaymentIntentID != nil {
		existing, err := s.gateway.GetIntent(ctx, *order.PaymentIntentID)
		if err != nil {
			logger.Error("failed to retrieve existing intent", slog.Any("error", err))
			return nil, fmt.Errorf("%s: %w", op, newGatewayError(err))
		}
		switch existing.Status {
		case payment.IntentSucceeded:
			// вебхук ещё не дошёл: фиксируем оплату сами
			if _, err := s.reconcile(ctx, metrics.PaymentSourceConfirm, existing); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			return nil, fmt.Errorf("%s: %w", op, ErrAlreadyPaid)
		case payment.IntentCanceled:
			logger.Info("existing intent canceled, creating a new one", slog.String("intentID", existing.ID))
		default:
			logger.Info("reusing existing intent", slog.String("intentID", existing.ID))
			return intentResult(existing), nil
		}
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.CreateIntentRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         payment.ToMinorUnits(order.Total),
		Currency:       s.currency,
		IdempotencyKey: intentIdempotencyKey(order),
	})
	if err != nil {
		logger.Error("failed to create payment intent", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, newGatewayError(err))
	}

	if err := s.orderRepo.SetPaymentIntent(ctx, order.ID, order.PaymentIntentID, intent.ID); err != nil {
		if errors.Is(err, storage.ErrOrderStateChanged) {
			return s.concurrentIntent(ctx, logger, order.ID, intent)
		}
		logger.Error("failed to store payment intent", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to store payment intent: %w", op, err)
	}

	logger.Info("payment intent created", slog.String("intentID", intent.ID), slog.Int64("amount", intent.Amount))
	return intentResult(intent), nil
}

// concurrentIntent вызывается, когда другой запрос успел записать интент раньше нас.
// Клиенту отдаётся интент, сохранённый на заказе, чтобы вебхук нашёл заказ по любой оплате.
func (s *paymentService) concurrentIntent(ctx context.Context, logger *slog.Logger, orderID int64, ours *payment.Intent) (*IntentResult, error) {
	const op = "service.PaymentService.CreateIntent"

	current, err := s.orderRepo.GetOrderByID(ctx, orderID)
	if err != nil {
		logger.Error("failed to reload order after intent race", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to reload order: %w", op, err)
	}
	switch {
	case current.PaymentStatus != models.PaymentStatusPending:
		logger.Warn("order paid concurrently, intent left unused", slog.String("intentID", ours.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyPaid)
	case current.PaymentIntentID == nil:
		return nil, fmt.Errorf("%s: %w", op, ErrOrderBusy)
	case *current.PaymentIntentID == ours.ID:
		logger.Info("intent already stored by a concurrent request", slog.String("intentID", ours.ID))
		return intentResult(ours), nil
	}

	winner, err := s.gateway.GetIntent(ctx, *current.PaymentIntentID)
	if err != nil {
		logger.Error("failed to retrieve concurrent intent", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, newGatewayError(err))
	}
	logger.Warn("concurrent request stored another intent, returning it",
		slog.String("intentID", winner.ID), slog.String("unusedIntentID", ours.ID))
	return intentResult(winner), nil
}

// intentIdempotencyKey одинаков для всех попыток оплаты, начатых с одного состояния заказа,
// поэтому параллельные запросы получают от шлюза один и тот же интент.
func intentIdempotencyKey(order *models.Order) string {
	prev := "none"
	if order.PaymentIntentID != nil {
		prev = *order.PaymentIntentID
	}
	return fmt.Sprintf("order-%d-intent-after-%s", order.ID, prev)
}

// Confirm опрашивает шлюз и применяет статус интента к заказу
func (s *paymentService) Confirm(ctx context.Context, caller Caller, orderID int64) (result *ConfirmResult, err error) {
	const op = "service.PaymentService.Confirm"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", orderID))

	order, err := s.getOwnedOrder(ctx, caller, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if order.PaymentIntentID == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoPaymentIntent)
	}

	intent, err := s.gateway.GetIntent(ctx, *order.PaymentIntentID)
	if err != nil {
		logger.Error("failed to retrieve payment intent", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, newGatewayError(err))
	}

	if _, err := s.reconcile(ctx, metrics.PaymentSourceConfirm, intent); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fresh, err := s.orderRepo.GetOrderByID(ctx, order.ID)
	if err != nil {
		logger.Error("failed to reload order", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to reload order: %w", op, err)
	}

	return &ConfirmResult{
		IntentStatus:   string(intent.Status),
		PaymentStatus:  fresh.PaymentStatus,
		Status:         fresh.Status,
		RequiresAction: intent.Status == payment.IntentRequiresAction,
	}, nil
}

// HandleWebhook проверяет подпись и применяет событие. Повтор события даёт тот же результат,
// что и первое применение: обновления условные и ключуются id интента.
func (s *paymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) (err error) {
	const op = "service.PaymentService.HandleWebhook"

	event, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		s.log.Warn("webhook rejected", slog.String("op", op), slog.Any("error", err))
		s.metrics.Payment(metrics.PaymentSourceWebhook, metrics.PaymentOutcomeRejected)
		return fmt.Errorf("%s: %w", op, ErrInvalidSignature)
	}

	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
	))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.String("eventID", event.ID), slog.String("type", event.Type))

	seen, err := s.events.Seen(ctx, event.ID)
	if err != nil {
		logger.Warn("event marker unavailable", slog.Any("error", err))
	} else if seen {
		logger.Info("duplicate event skipped")
		s.metrics.Payment(metrics.PaymentSourceWebhook, metrics.PaymentOutcomeNoop)
		return nil
	}

	if event.Intent == nil {
		logger.Debug("event ignored")
		return nil
	}

	intent := *event.Intent
	// тип события точнее статуса в payload: payment_failed приходит с requires_payment_method
	switch event.Type {
	case payment.EventIntentSucceeded:
		intent.Status = payment.IntentSucceeded
	case payment.EventIntentPaymentFailed:
		intent.Status = payment.IntentRequiresPaymentMethod
	case payment.EventIntentCanceled:
		intent.Status = payment.IntentCanceled
	case payment.EventIntentRequiresAction:
		intent.Status = payment.IntentRequiresAction
	}

	if _, err := s.orderRepo.GetOrderByPaymentIntent(ctx, intent.ID); err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			logger.Error("event for unknown payment intent", slog.String("intentID", intent.ID))
			return nil
		}
		logger.Error("failed to find order by intent", slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.reconcile(ctx, metrics.PaymentSourceWebhook, &intent); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.events.Mark(ctx, event.ID); err != nil {
		logger.Warn("failed to mark event processed", slog.Any("error", err))
	}
	return nil
}

// reconcile переносит статус интента на заказ. Возвращает true, если заказ изменился.
//
//	succeeded                       → paid (pending → processing)
//	requires_payment_method/canceled → failed, статус заказа не меняется
//	requires_action и промежуточные  → без изменений, статус отдаётся вызывающему
func (s *paymentService) reconcile(ctx context.Context, source string, intent *payment.Intent) (bool, error) {
	const op = "service.PaymentService.reconcile"
	logger := s.log.With(
		slog.String("op", op),
		slog.String("source", source),
		slog.String("intentID", intent.ID),
		slog.String("intentStatus", string(intent.Status)),
	)

	var (
		applied bool
		err     error
	)
	switch intent.Status {
	case payment.IntentSucceeded:
		applied, err = s.orderRepo.MarkPaidByIntent(ctx, intent.ID)
	case payment.IntentRequiresPaymentMethod, payment.IntentCanceled:
		applied, err = s.orderRepo.MarkPaymentFailedByIntent(ctx, intent.ID)
	case payment.IntentRequiresAction, payment.IntentRequiresConfirmation,
		payment.IntentProcessing, payment.IntentRequiresCapture:
		s.metrics.Payment(source, metrics.PaymentOutcomeNoop)
		return false, nil
	default:
		logger.Warn("unrecognized payment intent status, ignoring")
		s.metrics.Payment(source, metrics.PaymentOutcomeNoop)
		return false, nil
	}
	if err != nil {
		logger.Error("failed to apply payment status", slog.Any("error", err))
		s.metrics.Payment(source, metrics.PaymentOutcomeError)
		return false, fmt.Errorf("failed to apply payment status: %w", err)
	}

	if applied {
		logger.Info("payment status applied")
		s.metrics.Payment(source, metrics.PaymentOutcomeApplied)
	} else {
		logger.Debug("payment status already applied")
		s.metrics.Payment(source, metrics.PaymentOutcomeNoop)
	}
	return applied, nil
}

// Refund возвращает деньги по оплаченному заказу. Строка заказа заблокирована на всё время операции,
// поэтому два параллельных возврата невозможны. Полный возврат возвращает товар на склад
// (кроме уже отменённого заказа: там остатки вернула отмена), частичный склад не трогает.
func (s *paymentService) Refund(ctx context.Context, orderID int64, amount *decimal.Decimal) (order *models.Order, err error) {
	const op = "service.PaymentService.Refund"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer func() { finishSpan(span, err) }()

	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", orderID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	order, err = s.orderRepo.LockOrderTx(ctx, tx, orderID)
	if err != nil {
		rollback(logger, tx)
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
		case errors.Is(err, storage.ErrOrderLocked):
			return nil, fmt.Errorf("%s: %w", op, ErrOrderBusy)
		}
		logger.Error("failed to lock order", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to lock order: %w", op, err)
	}

	if order.PaymentStatus != models.PaymentStatusPaid {
		rollback(logger, tx)
		return nil, fmt.Errorf("%s: payment status %s: %w", op, order.PaymentStatus, ErrNotPaid)
	}
	if order.PaymentIntentID == nil {
		rollback(logger, tx)
		return nil, fmt.Errorf("%s: %w", op, ErrNoPaymentIntent)
	}

	refundAmount, full, err := refundAmountFor(order.Total, amount)
	if err != nil {
		rollback(logger, tx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var cents int64
	if !full {
		cents = payment.ToMinorUnits(refundAmount)
	}
	refund, err := s.gateway.Refund(ctx, *order.PaymentIntentID, cents)
	if err != nil {
		rollback(logger, tx)
		logger.Error("gateway refund failed", slog.Any("error", err))
		s.metrics.Payment(metrics.PaymentSourceRefund, metrics.PaymentOutcomeError)
		return nil, fmt.Errorf("%s: %w", op, newGatewayError(err))
	}
	logger = logger.With(slog.String("refundID", refund.ID))

	status := models.PaymentStatusPartiallyRefunded
	if full {
		status = models.PaymentStatusRefunded
		if order.Status != models.OrderStatusCancelled {
			if err := restoreOrderStock(ctx, tx, s.productRepo, order); err != nil {
				rollback(logger, tx)
				logger.Error("refund issued but stock restore failed", slog.Any("error", err))
				return nil, fmt.Errorf("%s: %w", op, &RefundNotRecordedError{OrderID: order.ID, RefundID: refund.ID, err: err})
			}
		}
	}

	if err := s.orderRepo.RecordRefundTx(ctx, tx, order.ID, status, refundAmount); err != nil {
		rollback(logger, tx)
		logger.Error("refund issued but order update failed", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, &RefundNotRecordedError{OrderID: order.ID, RefundID: refund.ID, err: err})
	}

	if err := tx.Commit(); err != nil {
		logger.Error("refund issued but commit failed", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, &RefundNotRecordedError{OrderID: order.ID, RefundID: refund.ID, err: err})
	}

	s.metrics.Payment(metrics.PaymentSourceRefund, metrics.PaymentOutcomeApplied)

	order.PaymentStatus = status
	order.RefundedAmount = refundAmount
	if fresh, err := s.orderRepo.GetOrderByID(ctx, order.ID); err == nil {
		order = fresh
	} else {
		logger.Warn("failed to reload order after refund", slog.Any("error", err))
	}
	s.notifier.Dispatch(ctx, notify.NewOrderEvent(notify.EventOrderRefunded, order))

	logger.Info("order refunded", slog.String("amount", refundAmount.StringFixed(2)), slog.Bool("full", full))
	return order, nil
}

// refundAmountFor: без суммы возврат полный. Сумма, равная итогу, тоже считается полным возвратом.
func refundAmountFor(total decimal.Decimal, amount *decimal.Decimal) (decimal.Decimal, bool, error) {
	if amount == nil {
		return total, true, nil
	}
	a := amount.Round(2)
	if !a.IsPositive() || a.GreaterThan(total) {
		return decimal.Zero, false, NewValidationError("amount", ErrInvalidRefundAmount.Error())
	}
	if a.Equal(total) {
		return total, true, nil
	}
	return a, false, nil
}

func (s *paymentService) getOwnedOrder(ctx context.Context, caller Caller, orderID int64) (*models.Order, error) {
	order, err := s.orderRepo.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !caller.canAccess(order) {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func intentResult(intent *payment.Intent) *IntentResult {
	return &IntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
	}
}
