package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return newStripeGateway(secretKey, webhookSecret, nil)
}

// backends == nil: стандартные адреса Stripe
func newStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", strconv.FormatInt(req.OrderID, 10))
	params.AddMetadata("order_number", req.OrderNumber)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, upstream("create payment intent", err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, upstream("retrieve payment intent", err)
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) Refund(ctx context.Context, intentID string, amount int64) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, upstream("create refund", err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data != nil && event.Data.Raw != nil && isIntentEvent(ev.Type) {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent from event %s: %w", event.ID, err)
		}
		ev.Intent = intentFromStripe(&pi)
	}
	return ev, nil
}

func isIntentEvent(t string) bool {
	switch t {
	case EventIntentSucceeded, EventIntentPaymentFailed, EventIntentCanceled, EventIntentRequiresAction:
		return true
	}
	return false
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// upstream заворачивает ошибку Stripe, сохраняя понятное сообщение для логов
func upstream(action string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s: %s (%s)", ErrUpstream, action, stripeErr.Msg, stripeErr.Code)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, action, err)
}
