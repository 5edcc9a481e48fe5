// Package ledger maintains per-user, per-symbol positions. Positions change
// only through Apply, which applies one confirmed fill as a pure function of
// the prior position and commits it together with the settlement audit
// record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/errs"
	"tradegate/internal/store"
)

// Ledger serializes mutations per (user, symbol) and delegates durability to
// a PositionStore.
type Ledger struct {
	positions  store.PositionStore
	allowShort bool

	mu   sync.Mutex
	busy map[key]struct{}
}

type key struct{ user, symbol string }

// New creates a Ledger. When allowShort is false a fill that would take a
// position below zero fails with a ledger policy error.
func New(positions store.PositionStore, allowShort bool) *Ledger {
	return &Ledger{
		positions:  positions,
		allowShort: allowShort,
		busy:       make(map[key]struct{}),
	}
}

// Application is one fill to apply plus the records committed with it.
type Application struct {
	UserID string
	Symbol string
	Fill   domain.Fill
	// Audit is the Executing -> Settled record.
	Audit domain.AuditRecord
	// Attempt is the attempt snapshot as it will read once settled.
	Attempt *domain.TradeAttempt
}

// Apply applies one confirmed fill. It returns a ledger_conflict error if
// another apply for the same key is in progress or the stored version moved
// underneath it; callers retry those with a fresh read. Any other store
// failure is fatal because the audit write could not be guaranteed.
func (l *Ledger) Apply(ctx context.Context, app Application) (domain.Position, error) {
	k := key{app.UserID, strings.ToUpper(app.Symbol)}
	if !l.tryLock(k) {
		return domain.Position{}, errs.New(errs.CodeLedgerConflict,
			errs.WithAttempt(app.Fill.AttemptID),
			errs.WithMessage("concurrent apply for "+k.user+"/"+k.symbol))
	}
	defer l.unlock(k)

	prior, err := l.positions.GetPosition(ctx, k.user, k.symbol)
	if err != nil {
		return domain.Position{}, errs.New(errs.CodeLedgerConflict,
			errs.WithAttempt(app.Fill.AttemptID), errs.WithCause(err))
	}

	next, err := ApplyFill(prior, app.Fill, l.allowShort)
	if err != nil {
		return domain.Position{}, err
	}

	err = l.positions.Settle(ctx, store.Settlement{
		PriorVersion: prior.Version,
		Position:     next,
		Fill:         app.Fill,
		Audit:        app.Audit,
		Attempt:      app.Attempt,
	})
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, store.ErrVersionConflict):
		return domain.Position{}, errs.New(errs.CodeLedgerConflict,
			errs.WithAttempt(app.Fill.AttemptID), errs.WithCause(err))
	default:
		return domain.Position{}, errs.New(errs.CodeFatal,
			errs.WithAttempt(app.Fill.AttemptID),
			errs.WithMessage("settlement write failed"),
			errs.WithCause(err))
	}
}

// Position returns the current position for (userID, symbol).
func (l *Ledger) Position(ctx context.Context, userID, symbol string) (domain.Position, error) {
	return l.positions.GetPosition(ctx, userID, strings.ToUpper(symbol))
}

// Positions returns every recorded position for userID.
func (l *Ledger) Positions(ctx context.Context, userID string) ([]domain.Position, error) {
	return l.positions.ListPositions(ctx, userID)
}

func (l *Ledger) tryLock(k key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.busy[k]; held {
		return false
	}
	l.busy[k] = struct{}{}
	return true
}

func (l *Ledger) unlock(k key) {
	l.mu.Lock()
	delete(l.busy, k)
	l.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Pure position arithmetic
// ---------------------------------------------------------------------------

// ApplyFill returns the position that results from applying fill to prior.
//
// Cost basis is re-averaged when the fill grows the position in its current
// direction, reset to the fill price when the fill flips the sign, and left
// unchanged when the fill only reduces or closes the position.
func ApplyFill(prior domain.Position, fill domain.Fill, allowShort bool) (domain.Position, error) {
	if fill.Quantity.IsZero() {
		return domain.Position{}, errs.New(errs.CodeInvalidRequest,
			errs.WithAttempt(fill.AttemptID), errs.WithMessage("fill quantity is zero"))
	}

	qty := prior.Quantity.Add(fill.Quantity)
	if !allowShort && qty.Sign() < 0 {
		held := decimal.Max(prior.Quantity, decimal.Zero)
		return domain.Position{}, errs.New(errs.CodeLedgerPolicy,
			errs.WithAttempt(fill.AttemptID),
			errs.WithMessage(fmt.Sprintf("selling %s %s would leave the position at %s; short selling is disabled",
				fill.Quantity.Abs(), prior.Symbol, qty)),
			errs.WithRemediation(fmt.Sprintf("Sell at most %s.", held)))
	}

	basis := prior.CostBasis
	switch {
	case prior.Quantity.IsZero():
		basis = fill.Price
	case prior.Quantity.Sign() == fill.Quantity.Sign():
		// |q0|*b0 + |f|*p over |q0+f|
		cost := prior.Quantity.Abs().Mul(prior.CostBasis).Add(fill.Quantity.Abs().Mul(fill.Price))
		basis = cost.Div(qty.Abs())
	case qty.Sign() != 0 && qty.Sign() != prior.Quantity.Sign():
		basis = fill.Price
	}

	return domain.Position{
		UserID:    prior.UserID,
		Symbol:    prior.Symbol,
		Quantity:  qty,
		CostBasis: basis,
		Version:   prior.Version + 1,
		UpdatedAt: fill.At,
	}, nil
}
