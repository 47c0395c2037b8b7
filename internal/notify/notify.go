// Package notify отправляет уведомления о заказах после коммита, не задерживая ответ клиенту.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/linemk/shop-orders/internal/domain/models"
)

const (
	EventOrderPlaced        = "order.placed"
	EventOrderCancelled     = "order.cancelled"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderRefunded      = "order.refunded"
)

// Event — снимок заказа для воркера рассылки писем
type Event struct {
	Type           string    `json:"type"`
	OrderID        int64     `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	UserID         int64     `json:"user_id"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	Total          string    `json:"total"`
	RefundedAmount string    `json:"refunded_amount,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewOrderEvent(eventType string, order *models.Order) Event {
	ev := Event{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Total:         order.Total.StringFixed(2),
		OccurredAt:    time.Now().UTC(),
	}
	if order.RefundedAmount.IsPositive() {
		ev.RefundedAmount = order.RefundedAmount.StringFixed(2)
	}
	if order.TrackingNumber != nil {
		ev.TrackingNumber = *order.TrackingNumber
	}
	return ev
}

type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Notifier ставит уведомление в очередь и сразу возвращает управление
type Notifier interface {
	Dispatch(ctx context.Context, ev Event)
}

type Dispatcher struct {
	log     *slog.Logger
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(log *slog.Logger, sender Sender, timeout time.Duration) *Dispatcher {
	return &Dispatcher{log: log, sender: sender, timeout: timeout}
}

// Dispatch возвращается сразу. Отправка идёт на контексте, отвязанном от запроса:
// отмена запроса её не прерывает, ошибка только логируется.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	const op = "notify.Dispatcher.Dispatch"

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("notification sender panicked",
					slog.String("op", op),
					slog.String("type", ev.Type),
					slog.Any("panic", r),
				)
			}
		}()

		if err := d.sender.Send(sendCtx, ev); err != nil {
			d.log.WarnContext(sendCtx, "notification dropped",
				slog.String("op", op),
				slog.String("type", ev.Type),
				slog.String("order_number", ev.OrderNumber),
				slog.Any("error", err),
			)
			return
		}
		d.log.DebugContext(sendCtx, "notification sent",
			slog.String("op", op),
			slog.String("type", ev.Type),
			slog.String("order_number", ev.OrderNumber),
		)
	}()
}

// Wait дожидается отправки уже поставленных уведомлений (graceful shutdown)
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender пишет уведомления в лог, когда брокер не настроен
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, ev Event) error {
	s.log.InfoContext(ctx, "order notification",
		slog.String("type", ev.Type),
		slog.Int64("order_id", ev.OrderID),
		slog.String("order_number", ev.OrderNumber),
		slog.Int64("user_id", ev.UserID),
		slog.String("status", ev.Status),
	)
	return nil
}
