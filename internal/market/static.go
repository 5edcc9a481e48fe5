package market

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

var _ Provider = (*StaticProvider)(nil)

// StaticProvider serves fixed reference prices. Used offline and in tests.
type StaticProvider struct {
	prices map[string]decimal.Decimal
}

// NewStaticProvider builds a StaticProvider from symbol -> price.
func NewStaticProvider(prices map[string]float64) *StaticProvider {
	m := make(map[string]decimal.Decimal, len(prices))
	for sym, p := range prices {
		m[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return &StaticProvider{prices: m}
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) Snapshot(_ context.Context, symbol string) (domain.Snapshot, error) {
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return domain.Snapshot{}, ErrUnknownSymbol
	}
	now := time.Now().UTC()
	return domain.Snapshot{Symbol: strings.ToUpper(symbol), Price: p, AsOf: now, FetchedAt: now, Source: s.Name()}, nil
}
