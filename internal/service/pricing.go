package service

import (
	"github.com/shopspring/decimal"

	"github.com/linemk/shop-orders/internal/config"
)

// Totals содержит суммы заказа в валюте магазина с точностью до центов
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Pricer считает суммы только по ценам из каталога
type Pricer struct {
	taxRate   decimal.Decimal
	flatFee   decimal.Decimal
	threshold decimal.Decimal
}

func NewPricer(taxRate, shippingFee, freeShippingThreshold decimal.Decimal) *Pricer {
	return &Pricer{taxRate: taxRate, flatFee: shippingFee, threshold: freeShippingThreshold}
}

func NewPricerFromConfig(cfg config.PricingConfig) (*Pricer, error) {
	taxRate, fee, threshold, err := cfg.Decimals()
	if err != nil {
		return nil, err
	}
	return NewPricer(taxRate, fee, threshold), nil
}

// LineTotal возвращает цену × количество
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Quote считает итоги. Доставка бесплатна строго выше порога, налог округляется до цента.
func (p *Pricer) Quote(lineTotals []decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, lt := range lineTotals {
		subtotal = subtotal.Add(lt)
	}
	subtotal = subtotal.Round(2)

	tax := subtotal.Mul(p.taxRate).Round(2)
	shipping := p.flatFee
	if subtotal.GreaterThan(p.threshold) {
		shipping = decimal.Zero
	}
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}
}
