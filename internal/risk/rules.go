package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

var _ Classifier = (*RulesClassifier)(nil)

// RulesClassifier enforces notional and concentration thresholds without
// calling any external service.
type RulesClassifier struct {
	mediumNotional   decimal.Decimal
	highNotional     decimal.Decimal
	maxConcentration decimal.Decimal
	now              func() time.Time
}

// NewRulesClassifier creates a RulesClassifier.
//
//   - mediumNotional, highNotional: notional value (quantity x price) at or
//     above which a trade is medium or high risk.
//   - maxConcentration: a trade that grows an existing position by more than
//     this fraction of it (e.g. 0.5 for 50%) is at least medium risk.
func NewRulesClassifier(mediumNotional, highNotional, maxConcentration float64) *RulesClassifier {
	return &RulesClassifier{
		mediumNotional:   decimal.NewFromFloat(mediumNotional),
		highNotional:     decimal.NewFromFloat(highNotional),
		maxConcentration: decimal.NewFromFloat(maxConcentration),
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (r *RulesClassifier) Name() string { return "rules" }

func (r *RulesClassifier) Classify(_ context.Context, in Input) (domain.RiskAssessment, error) {
	ra := domain.RiskAssessment{GeneratedAt: r.now(), Source: r.Name()}

	price, ok := in.ReferencePrice()
	if !ok {
		ra.Tier = domain.RiskMedium
		ra.Score = 0.5
		ra.Rationale = "No price available; notional could not be computed."
		ra.PortfolioImpact = "unknown"
		ra.Recommendations = []string{"Provide a limit price."}
		return ra, nil
	}

	notional := in.Request.Quantity.Abs().Mul(price)
	ra.Tier = domain.RiskLow
	switch {
	case notional.GreaterThanOrEqual(r.highNotional):
		ra.Tier = domain.RiskHigh
	case notional.GreaterThanOrEqual(r.mediumNotional):
		ra.Tier = domain.RiskMedium
	}
	if r.highNotional.Sign() > 0 {
		ra.Score, _ = decimal.Min(notional.Div(r.highNotional), decimal.NewFromInt(1)).Float64()
	}
	ra.Rationale = fmt.Sprintf("Notional %s %s at %s is %s.",
		in.Request.Side(), notional.StringFixed(2), price.StringFixed(2), ra.Tier)

	prior := in.Position.Quantity
	after := prior.Add(in.Request.Quantity)
	ra.PortfolioImpact = fmt.Sprintf("Position %s -> %s", prior, after)

	if after.Sign() < 0 && prior.Sign() >= 0 {
		ra.Tier = domain.RiskHigh
		ra.Score = 1
		ra.Recommendations = append(ra.Recommendations,
			fmt.Sprintf("Sell exceeds the %s held and would open a short position.", prior))
	}
	growing := !prior.IsZero() && prior.Sign() == in.Request.Quantity.Sign()
	if growing && in.Request.Quantity.Abs().GreaterThan(prior.Abs().Mul(r.maxConcentration)) {
		if !ra.Tier.AtLeast(domain.RiskMedium) {
			ra.Tier = domain.RiskMedium
		}
		ra.Recommendations = append(ra.Recommendations, "Trade grows an existing position sharply; consider scaling in.")
	}
	return ra, nil
}
