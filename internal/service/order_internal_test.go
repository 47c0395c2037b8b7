package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderNumber(t *testing.T) {
	now := time.UnixMilli(1718000123456)
	n := newOrderNumber(now)
	assert.Regexp(t, `^ORD-00123456-[0-9A-F]{6}$`, n)
	assert.NotEqual(t, n, newOrderNumber(now), "random suffix should differ")
}

func TestValidateItems_SumsPerProduct(t *testing.T) {
	requested, err := validateItems([]OrderItemInput{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 2, 3: 5}, requested)
	assert.Equal(t, []int64{1, 3}, sortedIDs(requested))
}

func TestValidateItems_QuantityBounds(t *testing.T) {
	_, err := validateItems([]OrderItemInput{{ProductID: 1, Quantity: MaxItemQuantity + 1}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must be at most 10000", verr.Fields["items[0].quantity"])

	requested, err := validateItems([]OrderItemInput{
		{ProductID: 1, Quantity: MaxItemQuantity - 1},
		{ProductID: 1, Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, MaxItemQuantity, requested[1])

	_, err = validateItems([]OrderItemInput{
		{ProductID: 1, Quantity: MaxItemQuantity},
		{ProductID: 2, Quantity: MaxItemQuantity},
		{ProductID: 1, Quantity: 1},
	})
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 1)
	assert.Contains(t, verr.Fields, "items[2].quantity")
}

func TestRefundAmountFor(t *testing.T) {
	total := decimal.RequireFromString("64.00")

	amount, full, err := refundAmountFor(total, nil)
	require.NoError(t, err)
	assert.True(t, full)
	assert.True(t, total.Equal(amount))

	partial := decimal.RequireFromString("10.004")
	amount, full, err = refundAmountFor(total, &partial)
	require.NoError(t, err)
	assert.False(t, full)
	assert.Equal(t, "10.00", amount.StringFixed(2))

	over := decimal.RequireFromString("64.01")
	_, _, err = refundAmountFor(total, &over)
	assert.ErrorAs(t, err, new(*ValidationError))
}

func TestTrackingChanged(t *testing.T) {
	a, b := "A", "B"
	assert.False(t, trackingChanged(&a, nil))
	assert.True(t, trackingChanged(nil, &a))
	assert.True(t, trackingChanged(&a, &b))
	assert.False(t, trackingChanged(&a, &a))
}
