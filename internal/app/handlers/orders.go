package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/service"
	"github.com/linemk/shop-orders/internal/storage"
)

type OrderItemRequest struct {
	ProductID int64             `json:"product_id" validate:"required,gt=0"`
	Quantity  int               `json:"quantity" validate:"required,min=1,max=10000"`
	Variant   map[string]string `json:"variant"`
}

// CreateOrderRequest не содержит цен и сумм, они берутся из каталога
type CreateOrderRequest struct {
	Items           []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingAddress models.Address     `json:"shipping_address"`
	BillingAddress  *models.Address    `json:"billing_address" validate:"omitempty"`
}

type UpdateStatusRequest struct {
	Status         models.OrderStatus `json:"status" validate:"required"`
	TrackingNumber *string            `json:"tracking_number" validate:"omitempty,max=100"`
}

type OrdersResponse struct {
	Orders []*models.Order `json:"orders"`
}

// CreateOrderHandler обрабатывает POST /api/orders
func CreateOrderHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.CreateOrderHandler"
		logger := log.With(slog.String("op", op))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}

		var req CreateOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			logger.Info("invalid request", slog.Any("error", err))
			writeError(w, logger, err)
			return
		}

		in := service.CreateOrderInput{
			Items:           make([]service.OrderItemInput, 0, len(req.Items)),
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
		}
		for _, it := range req.Items {
			in.Items = append(in.Items, service.OrderItemInput{ProductID: it.ProductID, Quantity: it.Quantity, Variant: it.Variant})
		}

		order, err := orders.CreateOrder(r.Context(), caller.UserID, in)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusCreated, order)
	}
}

// ListMyOrdersHandler обрабатывает GET /api/orders, свои заказы от новых к старым
func ListMyOrdersHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.ListMyOrdersHandler"))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		list, err := orders.ListUserOrders(r.Context(), caller.UserID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOrders(w, logger, list)
	}
}

// GetOrderHandler обрабатывает GET /api/orders/{id}; чужой заказ отдаёт 404
func GetOrderHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.GetOrderHandler"))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		order, err := orders.GetOrder(r.Context(), caller, id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, order)
	}
}

// CancelOrderHandler обрабатывает POST /api/orders/{id}/cancel и /api/admin/orders/{id}/cancel
func CancelOrderHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.CancelOrderHandler"
		logger := log.With(slog.String("op", op))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		order, err := orders.CancelOrder(r.Context(), caller, id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, order)
	}
}

// AdminListOrdersHandler обрабатывает GET /api/admin/orders
func AdminListOrdersHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.AdminListOrdersHandler"))

		filter, err := parseOrderFilter(r.URL.Query())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		list, err := orders.ListOrders(r.Context(), filter)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOrders(w, logger, list)
	}
}

// UpdateOrderStatusHandler обрабатывает PATCH /api/admin/orders/{id}/status
func UpdateOrderStatusHandler(log *slog.Logger, orders service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.UpdateOrderStatusHandler"
		logger := log.With(slog.String("op", op))

		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		var req UpdateStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		order, err := orders.UpdateStatus(r.Context(), id, req.Status, req.TrackingNumber)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, order)
	}
}

func writeOrders(w http.ResponseWriter, logger *slog.Logger, list []*models.Order) {
	if list == nil {
		list = []*models.Order{}
	}
	writeJSON(w, logger, http.StatusOK, OrdersResponse{Orders: list})
}

// parseOrderFilter разбирает query админского списка. Имена колонок сюда не попадают:
// sort проверяется по белому списку в storage.
func parseOrderFilter(q url.Values) (storage.OrderFilter, error) {
	verr := &service.ValidationError{Fields: map[string]string{}}
	filter := storage.OrderFilter{
		Status:        models.OrderStatus(q.Get("status")),
		PaymentStatus: models.PaymentStatus(q.Get("payment_status")),
		Sort:          q.Get("sort"),
	}

	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			verr.Fields["user_id"] = "must be a positive integer"
		}
		filter.UserID = id
	}
	for _, key := range []string{"from", "to"} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			verr.Fields[key] = "must be RFC 3339 or YYYY-MM-DD"
			continue
		}
		if key == "from" {
			filter.From = &t
		} else {
			filter.To = &t
		}
	}
	switch strings.ToLower(q.Get("dir")) {
	case "", "desc":
		filter.Desc = true
	case "asc":
	default:
		verr.Fields["dir"] = "must be asc or desc"
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			verr.Fields[key] = "must be a non-negative integer"
			continue
		}
		*dst = n
	}

	if len(verr.Fields) > 0 {
		return storage.OrderFilter{}, verr
	}
	if filter.Sort == "" {
		filter.Sort = storage.OrderListSchema.DefaultSort
	}
	return filter, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
