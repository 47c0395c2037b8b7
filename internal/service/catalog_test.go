package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linemk/shop-orders/internal/domain/models"
	"github.com/linemk/shop-orders/internal/service"
)

func TestCatalogService_HidesInactive(t *testing.T) {
	hidden := product(2, "5.00", 1)
	hidden.IsActive = false
	svc := service.NewCatalogService(newLogger(), newFakeProductRepo(product(1, "5.00", 1), hidden))

	list, err := svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].ID)

	_, err = svc.GetProduct(context.Background(), 2)
	assert.ErrorIs(t, err, service.ErrProductNotFound)
	_, err = svc.GetProduct(context.Background(), 3)
	assert.ErrorIs(t, err, service.ErrProductNotFound)
}

func TestCatalogService_CreateAndSetStock(t *testing.T) {
	repo := newFakeProductRepo()
	svc := service.NewCatalogService(newLogger(), repo)

	created, err := svc.CreateProduct(context.Background(), &models.Product{Name: "Mug", Price: dec("7.499"), StockQuantity: 3, IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, "7.50", created.Price.StringFixed(2))

	require.NoError(t, svc.SetStock(context.Background(), created.ID, 12))
	assert.Equal(t, 12, repo.stock(created.ID))

	var verr *service.ValidationError
	err = svc.SetStock(context.Background(), created.ID, -1)
	assert.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, svc.SetStock(context.Background(), 99, 1), service.ErrProductNotFound)

	_, err = svc.CreateProduct(context.Background(), &models.Product{Name: "Bad", Price: dec("-1")})
	assert.True(t, errors.As(err, &verr))
}

func TestCartService_AddAndRemove(t *testing.T) {
	inactive := product(2, "5.00", 1)
	inactive.IsActive = false
	carts := newFakeCartRepo()
	svc := service.NewCartService(newLogger(), carts, newFakeProductRepo(product(1, "5.00", 1), inactive))
	ctx := context.Background()

	item, err := svc.AddItem(ctx, 7, 1, 2, map[string]string{"size": "M"})
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)

	item, err = svc.AddItem(ctx, 7, 1, 3, map[string]string{"size": "M"})
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity, "same product and variant accumulates")

	// в корзину можно положить больше остатка: проверка при оформлении
	_, err = svc.AddItem(ctx, 7, 1, 50, nil)
	assert.NoError(t, err)

	_, err = svc.AddItem(ctx, 7, 2, 1, nil)
	assert.ErrorIs(t, err, service.ErrProductUnavailable)
	_, err = svc.AddItem(ctx, 7, 9, 1, nil)
	assert.ErrorIs(t, err, service.ErrProductNotFound)
	_, err = svc.AddItem(ctx, 7, 1, 0, nil)
	var verr *service.ValidationError
	assert.True(t, errors.As(err, &verr))

	items, err := svc.GetCart(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, svc.RemoveItem(ctx, 7, 1))
	assert.ErrorIs(t, svc.RemoveItem(ctx, 8, 1), service.ErrCartItemNotFound)
}
