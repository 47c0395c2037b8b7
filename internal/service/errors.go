package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/linemk/shop-orders/internal/payment"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")

	ErrProductNotFound  = errors.New("product not found")
	ErrCartItemNotFound = errors.New("cart item not found")
	ErrOrderNotFound    = errors.New("order not found")

	ErrProductUnavailable = errors.New("product unavailable")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrNotCancellable     = errors.New("order cannot be cancelled in its current status")
	ErrInvalidStatus      = errors.New("unknown order status")
	ErrInvalidTransition  = errors.New("order status transition not allowed")
	ErrOrderBusy          = errors.New("order is being modified, please try again")

	ErrAlreadyPaid         = errors.New("order already paid")
	ErrOrderCancelled      = errors.New("order is cancelled")
	ErrNoPaymentIntent     = errors.New("order has no payment intent")
	ErrNotPaid             = errors.New("order is not in paid status")
	ErrInvalidRefundAmount = errors.New("refund amount must be greater than zero and not exceed the order total")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrRefundNotRecorded   = errors.New("refund issued at the gateway but not recorded on the order")
)

// ValidationError — ошибка входных данных с детализацией по полям
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// GatewayError несёт сообщение шлюза, которое можно показать клиенту.
// errors.Is(err, ErrPaymentGateway) == true.
type GatewayError struct {
	Msg string
	err error
}

func newGatewayError(err error) *GatewayError {
	msg := strings.TrimPrefix(err.Error(), payment.ErrUpstream.Error()+": ")
	return &GatewayError{Msg: msg, err: err}
}

func (e *GatewayError) Error() string {
	return ErrPaymentGateway.Error() + ": " + e.Msg
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrPaymentGateway
}

func (e *GatewayError) Unwrap() error {
	return e.err
}

// RefundNotRecordedError: деньги уже вернул шлюз, а заказ обновить не удалось.
// RefundID нужен, чтобы сверить заказ вручную. errors.Is(err, ErrRefundNotRecorded) == true.
type RefundNotRecordedError struct {
	OrderID  int64
	RefundID string
	err      error
}

func (e *RefundNotRecordedError) Error() string {
	return fmt.Sprintf("%s: order %d, refund %s: %v", ErrRefundNotRecorded, e.OrderID, e.RefundID, e.err)
}

func (e *RefundNotRecordedError) Is(target error) bool {
	return target == ErrRefundNotRecorded
}

func (e *RefundNotRecordedError) Unwrap() error {
	return e.err
}

// StockError сообщает, какого товара не хватило. errors.Is(err, ErrInsufficientStock) == true.
type StockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}
