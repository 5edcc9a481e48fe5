// Package risk classifies proposed trades into low, medium and high tiers.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/util"
)

// Input is everything a classifier may consider.
type Input struct {
	Request domain.TradeRequest
	// Snapshot is nil when market data was unavailable.
	Snapshot *domain.Snapshot
	// Position is the requester's current holding in the symbol.
	Position domain.Position
}

// ReferencePrice returns the limit price if set, else the snapshot price.
func (in Input) ReferencePrice() (decimal.Decimal, bool) {
	if in.Request.LimitPrice != nil {
		return *in.Request.LimitPrice, true
	}
	if in.Snapshot != nil && in.Snapshot.Price.Sign() > 0 {
		return in.Snapshot.Price, true
	}
	return decimal.Zero, false
}

// Classifier scores a proposed trade.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, in Input) (domain.RiskAssessment, error)
}

// Classify calls c bounded by timeout and folds every failure into an
// Unavailable result.
func Classify(ctx context.Context, c Classifier, in Input, timeout time.Duration) domain.Result[domain.RiskAssessment] {
	if c == nil {
		return domain.Unavailable[domain.RiskAssessment]("no risk classifier configured")
	}
	ra, err := util.CallWithTimeout(ctx, timeout, func(ctx context.Context) (domain.RiskAssessment, error) {
		return c.Classify(ctx, in)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Unavailable[domain.RiskAssessment](c.Name() + ": timed out")
	case err != nil:
		return domain.Unavailable[domain.RiskAssessment](c.Name() + ": " + err.Error())
	}
	if _, perr := domain.ParseRiskTier(string(ra.Tier)); perr != nil {
		return domain.Unavailable[domain.RiskAssessment](c.Name() + ": " + perr.Error())
	}
	if ra.Source == "" {
		ra.Source = c.Name()
	}
	if ra.GeneratedAt.IsZero() {
		ra.GeneratedAt = time.Now().UTC()
	}
	return domain.Ok(ra)
}

// Degraded is the assessment recorded when the classifier is unavailable.
// It is medium so the trade proceeds without a confirmation gate but is
// never mistaken for a real low-risk verdict.
func Degraded(reason string, now time.Time) domain.RiskAssessment {
	return domain.RiskAssessment{
		Tier:            domain.RiskMedium,
		Score:           0.5,
		Rationale:       "Automated risk assessment unavailable: " + reason,
		PortfolioImpact: "unknown",
		Recommendations: []string{"Review this trade manually; it was not scored."},
		GeneratedAt:     now,
		Degraded:        true,
		Source:          "fallback",
	}
}
