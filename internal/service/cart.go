package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/storage"
)

type CartService interface {
	GetCart(ctx context.Context, userID int64) ([]*models.CartItem, error)
	AddItem(ctx context.Context, userID, productID int64, quantity int, variant map[string]string) (*models.CartItem, error)
	RemoveItem(ctx context.Context, userID, productID int64) error
}

type cartService struct {
	log         *slog.Logger
	cartRepo    storage.CartStorage
	productRepo storage.ProductStorage
}

func NewCartService(log *slog.Logger, cartRepo storage.CartStorage, productRepo storage.ProductStorage) CartService {
	return &cartService{log: log, cartRepo: cartRepo, productRepo: productRepo}
}

func (s *cartService) GetCart(ctx context.Context, userID int64) ([]*models.CartItem, error) {
	const op = "service.CartService.GetCart"

	items, err := s.cartRepo.GetCart(ctx, userID)
	if err != nil {
		s.log.Error("failed to get cart", slog.String("op", op), slog.Int64("userID", userID), slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

// AddItem кладёт товар в корзину. Остаток здесь не резервируется: проверка будет при оформлении заказа.
func (s *cartService) AddItem(ctx context.Context, userID, productID int64, quantity int, variant map[string]string) (*models.CartItem, error) {
	const op = "service.CartService.AddItem"
	logger := s.log.With(slog.String("op", op), slog.Int64("userID", userID), slog.Int64("productID", productID))

	if quantity < 1 {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("quantity", "must be at least 1"))
	}
	if quantity > MaxItemQuantity {
		return nil, fmt.Errorf("%s: %w", op, NewValidationError("quantity", fmt.Sprintf("must be at most %d", MaxItemQuantity)))
	}

	product, err := s.productRepo.GetProductByID(ctx, productID)
	if err != nil {
		if errors.Is(err, storage.ErrProductNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrProductNotFound)
		}
		logger.Error("failed to get product", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !product.IsActive {
		return nil, fmt.Errorf("%s: %w", op, ErrProductUnavailable)
	}

	item := &models.CartItem{
		UserID:    userID,
		ProductID: productID,
		Name:      product.Name,
		Price:     product.Price,
		Quantity:  quantity,
		Variant:   variant,
	}
	if err := s.cartRepo.AddItem(ctx, item); err != nil {
		logger.Error("failed to add cart item", slog.Any("error", err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (s *cartService) RemoveItem(ctx context.Context, userID, productID int64) error {
	const op = "service.CartService.RemoveItem"

	if err := s.cartRepo.RemoveItem(ctx, userID, productID); err != nil {
		if errors.Is(err, storage.ErrCartItemNotFound) {
			return fmt.Errorf("%s: %w", op, ErrCartItemNotFound)
		}
		s.log.Error("failed to remove cart item", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
