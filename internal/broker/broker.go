// Package broker defines the execution backend that trade attempts are
// dispatched to, and provides a simulated implementation.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Order is one dispatch of an approved trade.
type Order struct {
	AttemptID string
	Request   domain.TradeRequest
	// ReferencePrice is the last market price, nil when market data was
	// unavailable.
	ReferencePrice *decimal.Decimal
}

// Broker abstracts the execution backend.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Execute dispatches the order once. A business rejection is reported as
	// a result with status rejected; transport or backend faults are errors.
	Execute(ctx context.Context, order Order) (domain.ExecutionResult, error)
}
