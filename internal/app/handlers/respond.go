package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/linemk/shop-orders/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/shop-orders/internal/service"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// в ошибках валидации используем имена полей из json
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrorResponse описывает тело ответа при ошибке
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`

	ProductID *int64 `json:"product_id,omitempty"`
	Requested *int   `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`

	RefundID string `json:"refund_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// writeError переводит ошибку сервиса в HTTP-статус. Детали внутренних ошибок остаются в логах.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		verr     *service.ValidationError
		stockErr *service.StockError
		gwErr    *service.GatewayError
		refErr   *service.RefundNotRecordedError
	)
	switch {
	case errors.As(err, &refErr):
		// возврат прошёл в шлюзе: админ должен увидеть id, чтобы сверить заказ
		logger.Error("refund not recorded", slog.String("refundID", refErr.RefundID), slog.Any("error", err))
		writeJSON(w, logger, http.StatusInternalServerError, ErrorResponse{
			Error:    service.ErrRefundNotRecorded.Error(),
			RefundID: refErr.RefundID,
		})
	case errors.As(err, &verr):
		writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.As(err, &stockErr):
		writeJSON(w, logger, http.StatusConflict, ErrorResponse{
			Error:     service.ErrInsufficientStock.Error(),
			ProductID: &stockErr.ProductID,
			Requested: &stockErr.Requested,
			Available: &stockErr.Available,
		})
	case errors.As(err, &gwErr):
		logger.Error("payment gateway failure", slog.Any("error", err))
		writeJSON(w, logger, http.StatusBadGateway, ErrorResponse{Error: gwErr.Error()})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeJSON(w, logger, http.StatusUnauthorized, ErrorResponse{Error: service.ErrInvalidCredentials.Error()})
	case errors.Is(err, service.ErrInvalidStatus), errors.Is(err, service.ErrInvalidSignature):
		writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: sentinelMessage(err)})
	case errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrCartItemNotFound),
		errors.Is(err, service.ErrOrderNotFound):
		writeJSON(w, logger, http.StatusNotFound, ErrorResponse{Error: sentinelMessage(err)})
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrProductUnavailable),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrOrderBusy),
		errors.Is(err, service.ErrAlreadyPaid),
		errors.Is(err, service.ErrOrderCancelled),
		errors.Is(err, service.ErrNoPaymentIntent),
		errors.Is(err, service.ErrNotPaid):
		writeJSON(w, logger, http.StatusConflict, ErrorResponse{Error: sentinelMessage(err)})
	default:
		logger.Error("internal error", slog.Any("error", err))
		writeJSON(w, logger, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

var clientErrors = []error{
	service.ErrInvalidStatus,
	service.ErrInvalidSignature,
	service.ErrProductNotFound,
	service.ErrCartItemNotFound,
	service.ErrOrderNotFound,
	service.ErrEmailTaken,
	service.ErrProductUnavailable,
	service.ErrNotCancellable,
	service.ErrInvalidTransition,
	service.ErrOrderBusy,
	service.ErrAlreadyPaid,
	service.ErrOrderCancelled,
	service.ErrNoPaymentIntent,
	service.ErrNotPaid,
}

// sentinelMessage отдаёт клиенту текст известной ошибки без префиксов op
func sentinelMessage(err error) string {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "request failed"
}

// decodeJSON читает тело и проверяет теги validate
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return service.NewValidationError("body", "invalid JSON")
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			verr := &service.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
			for _, fe := range fieldErrs {
				verr.Fields[fieldPath(fe)] = fieldMessage(fe)
			}
			return verr
		}
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

// fieldPath: "CreateOrderRequest.items[0].quantity" -> "items[0].quantity"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid"
}

// idParam разбирает числовой параметр пути
func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, service.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

// callerFrom достаёт пользователя, которого положил JWT middleware
func callerFrom(r *http.Request) (service.Caller, bool) {
	userID, ok := jwtmiddleware.FromContext(r.Context())
	if !ok {
		return service.Caller{}, false
	}
	return service.Caller{UserID: userID, IsAdmin: jwtmiddleware.IsAdmin(r.Context())}, true
}

func unauthorized(w http.ResponseWriter, logger *slog.Logger) {
	logger.Error("userID not found in context")
	writeJSON(w, logger, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
}
