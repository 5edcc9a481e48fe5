package broker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/errs"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorOptions tunes the simulated backend.
type SimulatorOptions struct {
	MinLatency      time.Duration
	MaxLatency      time.Duration
	PartialFillRate float64 // probability of a partial fill, 0..1
	RejectRate      float64 // probability of a rejection, 0..1
	Seed            uint64
}

// SimulatorBroker implements the Broker interface for paper trading. It
// fills orders in memory after a random latency without making external API
// calls.
type SimulatorBroker struct {
	opts SimulatorOptions
	now  func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
	seq int64
}

// NewSimulatorBroker creates a SimulatorBroker. Identical seeds yield
// identical fill sequences.
func NewSimulatorBroker(opts SimulatorOptions) *SimulatorBroker {
	return &SimulatorBroker{
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Execute simulates one dispatch. Limit orders fill at their limit; market
// orders fill at the reference price and need one.
func (b *SimulatorBroker) Execute(ctx context.Context, order Order) (domain.ExecutionResult, error) {
	var price decimal.Decimal
	switch {
	case order.Request.LimitPrice != nil:
		price = *order.Request.LimitPrice
	case order.ReferencePrice != nil:
		price = *order.ReferencePrice
	default:
		return domain.ExecutionResult{}, errs.New(errs.CodePriceRequired,
			errs.WithAttempt(order.AttemptID),
			errs.WithMessage("No market price was available to execute a market order."),
			errs.WithRemediation("Resubmit as a new trade with a limit price."))
	}

	latency, reject, partial, ref := b.roll()
	select {
	case <-ctx.Done():
		return domain.ExecutionResult{}, ctx.Err()
	case <-time.After(latency):
	}

	res := domain.ExecutionResult{
		ExecutedAt: b.now(),
		Reference:  fmt.Sprintf("sim-%d", ref),
	}
	qty := order.Request.Quantity.Abs()
	switch {
	case reject:
		res.Status = domain.ExecRejected
		res.Reason = "simulated venue rejection"
	case partial > 0 && qty.GreaterThan(decimal.NewFromInt(1)):
		res.Status = domain.ExecPartial
		res.FilledQty = partialQty(qty, partial)
		res.FillPrice = price
	default:
		res.Status = domain.ExecFilled
		res.FilledQty = qty
		res.FillPrice = price
	}
	return res, nil
}

// roll draws every random input for one execution under the lock.
func (b *SimulatorBroker) roll() (latency time.Duration, reject bool, partial float64, ref int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	latency = b.opts.MinLatency
	if span := b.opts.MaxLatency - b.opts.MinLatency; span > 0 {
		latency += time.Duration(b.rng.Int64N(int64(span)))
	}
	reject = b.rng.Float64() < b.opts.RejectRate
	if b.rng.Float64() < b.opts.PartialFillRate {
		// Strictly inside (0, 1) so at least one share fills and one remains.
		partial = 0.01 + b.rng.Float64()*0.98
	}
	return latency, reject, partial, b.seq
}

// partialQty returns a whole quantity in [1, qty-1] for qty > 1.
func partialQty(qty decimal.Decimal, frac float64) decimal.Decimal {
	n := qty.Mul(decimal.NewFromFloat(frac)).Floor()
	if n.LessThan(decimal.NewFromInt(1)) {
		n = decimal.NewFromInt(1)
	}
	if limit := qty.Sub(decimal.NewFromInt(1)).Floor(); n.GreaterThan(limit) {
		n = limit
	}
	return n
}
