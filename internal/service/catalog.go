package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/storage"
)

type CatalogService interface {
	ListProducts(ctx context.Context) ([]*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	SetStock(ctx context.Context, id int64, quantity int) error
}

type catalogService struct {
	log         *slog.Logger
	productRepo storage.ProductStorage
}

func NewCatalogService(log *slog.Logger, productRepo storage.ProductStorage) CatalogService {
	return &catalogService{log: log, productRepo: productRepo}
}

func (s *catalogService) ListProducts(ctx context.Context) ([]*models.Product, error) {
	const op = "service.CatalogService.ListProducts"

	products, err := s.productRepo.ListActiveProducts(ctx)
	if err != nil {
		s.log.Error("failed to list products", slog.String("op", op), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return products, nil
}

func (s *catalogService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	const op = "service.CatalogService.GetProduct"

	p, err := s.productRepo.GetProductByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrProductNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrProductNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%s: %w", op, ErrProductNotFound)
	}
	return p, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	const op = "service.CatalogService.CreateProduct"
	logger := s.log.With(slog.String("op", op), slog.String("name", p.Name))

	if p.Price.LessThan(decimal.Zero) {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("price", "must not be negative"))
	}
	if p.StockQuantity < 0 {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("stock_quantity", "must not be negative"))
	}
	p.Price = p.Price.Round(2)

	created, err := s.productRepo.CreateProduct(ctx, p)
	if err != nil {
		logger.Error("failed to create product", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("product created", slog.Int64("productID", created.ID))
	return created, nil
}

// SetStock выполняет ручную корректировку остатка администратором (приход товара, инвентаризация)
func (s *catalogService) SetStock(ctx context.Context, id int64, quantity int) error {
	const op = "service.CatalogService.SetStock"
	logger := s.log.With(slog.String("op", op), slog.Int64("productID", id))

	if quantity < 0 {
		return fmt.Errorf("%s: %w", op, NewValidationError("stock_quantity", "must not be negative"))
	}
	if err := s.productRepo.SetStock(ctx, id, quantity); err != nil {
		if errors.Is(err, storage.ErrProductNotFound) {
			return fmt.Errorf("%s: %w", op, ErrProductNotFound)
		}
		logger.Error("failed to set stock", slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("stock adjusted", slog.Int("stock", quantity))
	return nil
}
