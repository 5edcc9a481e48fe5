// Package market fetches best-effort market snapshots for trade enrichment.
package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// ErrUnknownSymbol is returned by providers that have no data for a symbol.
var ErrUnknownSymbol = errors.New("market: unknown symbol")

// Provider returns the current snapshot for one symbol.
type Provider interface {
	Name() string
	Snapshot(ctx context.Context, symbol string) (domain.Snapshot, error)
}

// Fetch calls p bounded by timeout and folds every failure mode (error,
// timeout, panic, nil provider) into an Unavailable result. Errors from the
// provider never escape.
func Fetch(ctx context.Context, p Provider, symbol string, timeout time.Duration) domain.Result[domain.Snapshot] {
	if p == nil {
		return domain.Unavailable[domain.Snapshot]("no market data provider configured")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	snap, err := util.CallWithTimeout(ctx, timeout, func(ctx context.Context) (domain.Snapshot, error) {
		return p.Snapshot(ctx, symbol)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Unavailable[domain.Snapshot](p.Name() + ": timed out")
	case err != nil:
		return domain.Unavailable[domain.Snapshot](p.Name() + ": " + err.Error())
	case snap.Price.Sign() <= 0:
		return domain.Unavailable[domain.Snapshot](p.Name() + ": no usable price")
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	if snap.Source == "" {
		snap.Source = p.Name()
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	return domain.Ok(snap)
}
