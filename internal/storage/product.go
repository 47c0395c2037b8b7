package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/linemk/shop-orders/internal/domain/models"
)

var (
	ErrProductNotFound = errors.New("product not found")
	// условное списание не затронуло строку, остаток меньше запрошенного
	ErrStockTooLow = errors.New("stock too low")
)

// ProductStorage описывает методы для работы с каталогом и остатками.
type ProductStorage interface {
	ListActiveProducts(ctx context.Context) ([]*models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error)
	SetStock(ctx context.Context, id int64, quantity int) error
	// LockProductsTx блокирует строки товаров (FOR UPDATE) в порядке id, чтобы параллельные заказы не ловили deadlock.
	LockProductsTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Product, error)
	// DecrementStockTx списывает остаток, но никогда не уводит его ниже нуля.
	DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error
	IncrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error
}

type productRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) ProductStorage {
	return &productRepository{db: db}
}

const productColumns = "id, name, description, price, stock_quantity, is_active, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	p := &models.Product{}
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.StockQuantity, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *productRepository) ListActiveProducts(ctx context.Context) ([]*models.Product, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+productColumns+" FROM products WHERE is_active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *productRepository) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *productRepository) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	query := `INSERT INTO products (name, description, price, stock_quantity, is_active)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, p.Name, p.Description, p.Price, p.StockQuantity, p.IsActive).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return p, nil
}

func (r *productRepository) SetStock(ctx context.Context, id int64, quantity int) error {
	res, err := r.db.ExecContext(ctx, "UPDATE products SET stock_quantity = $1, updated_at = NOW() WHERE id = $2", quantity, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrProductNotFound)
}

func (r *productRepository) LockProductsTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Product, error) {
	query := "SELECT " + productColumns + " FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE"
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*models.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *productRepository) DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity - $1, updated_at = NOW() WHERE id = $2 AND stock_quantity >= $1",
		quantity, id)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	return expectAffected(res, ErrStockTooLow)
}

func (r *productRepository) IncrementStockTx(ctx context.Context, tx *sql.Tx, id int64, quantity int) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE products SET stock_quantity = stock_quantity + $1, updated_at = NOW() WHERE id = $2",
		quantity, id)
	if err != nil {
		return fmt.Errorf("failed to increment stock: %w", err)
	}
	return expectAffected(res, ErrProductNotFound)
}

// expectAffected возвращает notFound, если запрос не изменил ни одной строки
func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
