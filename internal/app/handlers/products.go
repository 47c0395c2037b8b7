package handlers

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/service"
)

type CreateProductRequest struct {
	Name          string          `json:"name" validate:"required,max=200"`
	Description   string          `json:"description" validate:"max=2000"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity" validate:"gte=0"`
	IsActive      *bool           `json:"is_active"`
}

type SetStockRequest struct {
	StockQuantity *int `json:"stock_quantity" validate:"required,gte=0"`
}

type StockResponse struct {
	ID            int64 `json:"id"`
	StockQuantity int   `json:"stock_quantity"`
}

func ListProductsHandler(log *slog.Logger, catalog service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.ListProductsHandler"))

		products, err := catalog.ListProducts(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if products == nil {
			products = []*models.Product{}
		}
		writeJSON(w, logger, http.StatusOK, products)
	}
}

func GetProductHandler(log *slog.Logger, catalog service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(slog.String("op", "handlers.GetProductHandler"))

		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		product, err := catalog.GetProduct(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, product)
	}
}

// CreateProductHandler обрабатывает POST /api/admin/products
func CreateProductHandler(log *slog.Logger, catalog service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.CreateProductHandler"
		logger := log.With(slog.String("op", op))

		var req CreateProductRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}

		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}
		product, err := catalog.CreateProduct(r.Context(), &models.Product{
			Name:          req.Name,
			Description:   req.Description,
			Price:         req.Price,
			StockQuantity: req.StockQuantity,
			IsActive:      active,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusCreated, product)
	}
}

// SetStockHandler обрабатывает PATCH /api/admin/products/{id}/stock
func SetStockHandler(log *slog.Logger, catalog service.CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.SetStockHandler"
		logger := log.With(slog.String("op", op))

		id, err := idParam(r, "id")
		if err != nil {
			writeError(w, logger, err)
			return
		}
		var req SetStockRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if err := catalog.SetStock(r.Context(), id, *req.StockQuantity); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, StockResponse{ID: id, StockQuantity: *req.StockQuantity})
	}
}
