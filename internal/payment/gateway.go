// Package payment описывает порт платёжного шлюза и его реализацию на Stripe.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// шлюз ответил ошибкой или недоступен
	ErrUpstream = errors.New("payment gateway error")
)

type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
)

// типы событий вебхука, на которые мы реагируем
const (
	EventIntentSucceeded      = "payment_intent.succeeded"
	EventIntentPaymentFailed  = "payment_intent.payment_failed"
	EventIntentCanceled       = "payment_intent.canceled"
	EventIntentRequiresAction = "payment_intent.requires_action"
)

type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
}

type Refund struct {
	ID     string
	Status string
	Amount int64
}

type WebhookEvent struct {
	ID   string
	Type string
	// Intent заполнен для событий payment_intent.*
	Intent *Intent
}

type CreateIntentRequest struct {
	OrderID        int64
	OrderNumber    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	// Refund возвращает деньги по интенту; amount == 0 означает полный возврат.
	Refund(ctx context.Context, intentID string, amount int64) (*Refund, error)
	// ParseWebhook проверяет подпись и разбирает событие. Неверная подпись, ErrInvalidSignature.
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// ToMinorUnits переводит сумму в центы с округлением до целого
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
