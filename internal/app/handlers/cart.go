package handlers

import (
	"log/slog"
	"net/http"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/service"
)

type AddCartItemRequest struct {
	ProductID int64             `json:"product_id" validate:"required,gt=0"`
	Quantity  int               `json:"quantity" validate:"required,min=1,max=10000"`
	Variant   map[string]string `json:"variant"`
}

type CartResponse struct {
	Items []*models.CartItem `json:"items"`
}

func GetCartHandler(log *slog.Logger, cart service.CartService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.GetCartHandler"))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		items, err := cart.GetCart(r.Context(), caller.UserID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if items == nil {
			items = []*models.CartItem{}
		}
		writeJSON(w, logger, http.StatusOK, CartResponse{Items: items})
	}
}

func AddCartItemHandler(log *slog.Logger, cart service.CartService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.AddCartItemHandler"))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		var req AddCartItemRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		item, err := cart.AddItem(r.Context(), caller.UserID, req.ProductID, req.Quantity, req.Variant)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, item)
	}
}

func RemoveCartItemHandler(log *slog.Logger, cart service.CartService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.RemoveCartItemHandler"))

		caller, ok := callerFrom(r)
		if !ok {
			unauthorized(w, logger)
			return
		}
		productID, err := idParam(r, "productId")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := cart.RemoveItem(r.Context(), caller.UserID, productID); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
