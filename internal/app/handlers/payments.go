package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/linemk/shop-orders/internal/service"
)

// Stripe присылает события не больше 64 КБ
const maxWebhookBody = 64 << 10

type PaymentOrderRequest struct {
	OrderID int64 `json:"order_id" validate:"required,gt=0"`
}

type RefundRequest struct {
	OrderID int64 `json:"order_id" validate:"required,gt=0"`
	// без суммы возвращается весь заказ
	Amount *decimal.Decimal `json:"amount"`
}

// CreateIntentHandler обрабатывает POST /api/payments/intent
func CreateIntentHandler(log *slog.Logger, payments service.PaymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.CreateIntentHandler"
		logger := log.With(slog.String("op", op))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		var req PaymentOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		res, err := payments.CreateIntent(r.Context(), caller, req.OrderID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, res)
	}
}

// ConfirmPaymentHandler обрабатывает POST /api/payments/confirm
func ConfirmPaymentHandler(log *slog.Logger, payments service.PaymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.ConfirmPaymentHandler"
		logger := log.With(slog.String("op", op))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		var req PaymentOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		res, err := payments.Confirm(r.Context(), caller, req.OrderID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, res)
	}
}

// WebhookHandler обрабатывает POST /api/payments/webhook. Подпись проверяется по сырому телу,
// поэтому тело читается целиком до любого разбора.
func WebhookHandler(log *slog.Logger, payments service.PaymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.WebhookHandler"
		logger := log.With(slog.String("op", op))

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logger.Warn("webhook body too large", slog.Int64("limit", tooLarge.Limit))
				writeJSON(w, logger, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
				return
			}
			logger.Error("failed to read webhook body", slog.Any("error", err))
			writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
			return
		}

		if err := payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]bool{"received": true})
	}
}

// RefundHandler обрабатывает POST /api/admin/payments/refund
func RefundHandler(log *slog.Logger, payments service.PaymentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.RefundHandler"
		logger := log.With(slog.String("op", op))

		var req RefundRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		order, err := payments.Refund(r.Context(), req.OrderID, req.Amount)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, order)
	}
}
