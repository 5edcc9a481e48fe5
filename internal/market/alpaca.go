package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

var _ Provider = (*AlpacaProvider)(nil)

// snapshotClient is the slice of marketdata.Client used here.
type snapshotClient interface {
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
}

// AlpacaProvider reads the latest trade and daily volume from the Alpaca
// market-data API.
type AlpacaProvider struct {
	client snapshotClient
	log    *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials.
// An empty dataURL uses the SDK default.
func NewAlpacaProvider(apiKey, apiSecret, dataURL string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaProvider{
		client: marketdata.NewClient(opts),
		log:    slog.Default().With("provider", "alpaca"),
	}
}

func (a *AlpacaProvider) Name() string { return "alpaca" }

// Snapshot fetches the symbol's snapshot. The SDK call takes no context;
// callers bound it with Fetch.
func (a *AlpacaProvider) Snapshot(ctx context.Context, symbol string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := a.client.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("alpaca snapshot %s: %w", symbol, err)
	}
	if snap == nil || snap.LatestTrade == nil {
		return domain.Snapshot{}, ErrUnknownSymbol
	}

	out := domain.Snapshot{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(snap.LatestTrade.Price),
		AsOf:      snap.LatestTrade.Timestamp.UTC(),
		Source:    a.Name(),
		FetchedAt: time.Now().UTC(),
	}
	if snap.DailyBar != nil {
		out.Volume = decimal.NewFromInt(int64(snap.DailyBar.Volume))
	}
	a.log.Debug("snapshot", "symbol", symbol, "price", out.Price.String())
	return out, nil
}
