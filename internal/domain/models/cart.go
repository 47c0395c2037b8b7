package models

import "github.com/shopspring/decimal"

// CartItem описывает позицию корзины пользователя
type CartItem struct {
	ID        int64             `json:"id"`
	UserID    int64             `json:"user_id"`
	ProductID int64             `json:"product_id"`
	Name      string            `json:"name"`  // заполняется через JOIN с products
	Price     decimal.Decimal   `json:"price"` // текущая цена из каталога
	Quantity  int               `json:"quantity"`
	Variant   map[string]string `json:"variant,omitempty"`
}
