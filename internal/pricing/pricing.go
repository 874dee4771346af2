package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Source quotes the USD price of one unit of a currency.
type Source interface {
	UnitPriceUSD(ctx context.Context, currency string) (decimal.Decimal, error)
}

// StaticSource serves prices from a fixed table. It backs deployments where
// operators pin quotes through configuration rather than a market feed.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	copied := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	return &StaticSource{prices: copied}
}

func (s *StaticSource) UnitPriceUSD(_ context.Context, currency string) (decimal.Decimal, error) {
	price, ok := s.prices[currency]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no USD price configured for %s", currency)
	}
	return price, nil
}
