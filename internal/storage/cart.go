package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/linemk/shop-orders/internal/domain/models"
)

var ErrCartItemNotFound = errors.New("cart item not found")

// CartStorage описывает методы для работы с корзиной.
type CartStorage interface {
	GetCart(ctx context.Context, userID int64) ([]*models.CartItem, error)
	// AddItem добавляет количество к существующей позиции или создаёт новую.
	AddItem(ctx context.Context, item *models.CartItem) error
	RemoveItem(ctx context.Context, userID, productID int64) error
	// ClearCartTx очищает корзину в рамках транзакции оформления заказа.
	ClearCartTx(ctx context.Context, tx *sql.Tx, userID int64) error
}

type cartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) CartStorage {
	return &cartRepository{db: db}
}

func (r *cartRepository) GetCart(ctx context.Context, userID int64) ([]*models.CartItem, error) {
	query := `
		SELECT c.id, c.user_id, c.product_id, p.name, p.price, c.quantity, c.variant
		FROM cart_items c
		JOIN products p ON c.product_id = p.id
		WHERE c.user_id = $1
		ORDER BY c.id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart: %w", err)
	}
	defer rows.Close()

	var items []*models.CartItem
	for rows.Next() {
		item := &models.CartItem{}
		var variant []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.ProductID, &item.Name, &item.Price, &item.Quantity, &variant); err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		if item.Variant, err = decodeVariant(variant); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *cartRepository) AddItem(ctx context.Context, item *models.CartItem) error {
	variant, err := encodeVariant(item.Variant)
	if err != nil {
		return err
	}
	query := `INSERT INTO cart_items (user_id, product_id, quantity, variant)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (user_id, product_id, variant) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
	          RETURNING id, quantity`
	if err := r.db.QueryRowContext(ctx, query, item.UserID, item.ProductID, item.Quantity, variant).Scan(&item.ID, &item.Quantity); err != nil {
		return fmt.Errorf("failed to add cart item: %w", err)
	}
	return nil
}

func (r *cartRepository) RemoveItem(ctx context.Context, userID, productID int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2", userID, productID)
	if err != nil {
		return fmt.Errorf("failed to remove cart item: %w", err)
	}
	return expectAffected(res, ErrCartItemNotFound)
}

func (r *cartRepository) ClearCartTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
