package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/errs"
)

func order(qty int64, limit, ref *decimal.Decimal) Order {
	return Order{
		AttemptID:      "a1",
		Request:        domain.TradeRequest{Symbol: "TST", Quantity: decimal.NewFromInt(qty), LimitPrice: limit},
		ReferencePrice: ref,
	}
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(SimulatorOptions{})
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorFill(t *testing.T) {
	b := NewSimulatorBroker(SimulatorOptions{})

	res, err := b.Execute(context.Background(), order(-10, nil, dec(100)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != domain.ExecFilled || !res.FilledQty.Equal(decimal.NewFromInt(10)) || !res.FillPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("result = %+v", res)
	}
	if res.Reference == "" || res.ExecutedAt.IsZero() {
		t.Errorf("missing reference/timestamp: %+v", res)
	}

	res, _ = b.Execute(context.Background(), order(5, dec(90), dec(100)))
	if !res.FillPrice.Equal(decimal.NewFromInt(90)) {
		t.Errorf("limit order filled at %s, want 90", res.FillPrice)
	}
}

func TestSimulatorPriceRequired(t *testing.T) {
	b := NewSimulatorBroker(SimulatorOptions{})
	_, err := b.Execute(context.Background(), order(10, nil, nil))
	if errs.CodeOf(err) != errs.CodePriceRequired {
		t.Errorf("err = %v, want price_required", err)
	}
}

func TestSimulatorRejectAndPartial(t *testing.T) {
	rej := NewSimulatorBroker(SimulatorOptions{RejectRate: 1})
	res, err := rej.Execute(context.Background(), order(10, dec(5), nil))
	if err != nil || res.Status != domain.ExecRejected || res.Status.Succeeded() {
		t.Errorf("reject result = %+v, %v", res, err)
	}

	part := NewSimulatorBroker(SimulatorOptions{PartialFillRate: 1, Seed: 42})
	for i := 0; i < 50; i++ {
		res, err := part.Execute(context.Background(), order(10, dec(5), nil))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.Status != domain.ExecPartial {
			t.Fatalf("status = %s, want partial", res.Status)
		}
		if res.FilledQty.LessThan(decimal.NewFromInt(1)) || res.FilledQty.GreaterThan(decimal.NewFromInt(9)) {
			t.Fatalf("partial qty %s outside [1, 9]", res.FilledQty)
		}
	}

	// A single share cannot be partially filled.
	res, _ = part.Execute(context.Background(), order(1, dec(5), nil))
	if res.Status != domain.ExecFilled {
		t.Errorf("qty 1 status = %s, want filled", res.Status)
	}
}

func TestSimulatorDeterministicSeed(t *testing.T) {
	opts := SimulatorOptions{PartialFillRate: 0.5, RejectRate: 0.2, Seed: 7}
	a, b := NewSimulatorBroker(opts), NewSimulatorBroker(opts)
	for i := 0; i < 20; i++ {
		ra, _ := a.Execute(context.Background(), order(100, dec(1), nil))
		rb, _ := b.Execute(context.Background(), order(100, dec(1), nil))
		if ra.Status != rb.Status || !ra.FilledQty.Equal(rb.FilledQty) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestSimulatorHonoursContext(t *testing.T) {
	b := NewSimulatorBroker(SimulatorOptions{MinLatency: time.Hour, MaxLatency: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.Execute(ctx, order(1, dec(1), nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
