// Package domain defines the core types shared across the trade lifecycle:
// requests, attempts, risk assessments, execution results, and positions.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Requester identity
// ---------------------------------------------------------------------------

// Role is a coarse tag attached to a requester. Roles are consulted only for
// supervisor routing, never for lifecycle transitions.
type Role string

const (
	RoleTrader     Role = "trader"
	RoleAnalyst    Role = "analyst"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// ParseRole maps a free-form string onto the closed set of roles.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTrader:
		return RoleTrader, true
	case RoleAnalyst:
		return RoleAnalyst, true
	case RoleSupervisor:
		return RoleSupervisor, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Requester identifies the staff member submitting a trade.
type Requester struct {
	ID           string `json:"id"`
	Roles        []Role `json:"roles,omitempty"`
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// HasRole reports whether the requester carries role r.
func (r Requester) HasRole(role Role) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Trade request
// ---------------------------------------------------------------------------

// TradeRequest is the immutable input of one lifecycle run. Quantity is
// signed: positive buys, negative sells.
type TradeRequest struct {
	Requester      Requester        `json:"requester"`
	Symbol         string           `json:"symbol"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	Channel        string           `json:"channel,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Side returns "buy" or "sell" based on the sign of Quantity.
func (r TradeRequest) Side() string {
	if r.Quantity.Sign() < 0 {
		return "sell"
	}
	return "buy"
}

// Key returns the caller-supplied idempotency key, or derives one from the
// requester, symbol and original submission timestamp.
func (r TradeRequest) Key() string {
	if k := strings.TrimSpace(r.IdempotencyKey); k != "" {
		return k
	}
	return fmt.Sprintf("%s|%s|%d", r.Requester.ID, strings.ToUpper(r.Symbol), r.SubmittedAt.UnixNano())
}

// ---------------------------------------------------------------------------
// Market snapshot
// ---------------------------------------------------------------------------

// Snapshot is a best-effort view of the current market for one symbol.
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	AsOf      time.Time       `json:"as_of"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// ---------------------------------------------------------------------------
// Risk assessment
// ---------------------------------------------------------------------------

// RiskTier is the coarse classification gating explicit confirmation.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ParseRiskTier parses a tier name case-insensitively.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// rank orders tiers so they can be compared.
func (t RiskTier) rank() int {
	switch t {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return -1
}

// AtLeast reports whether t is at or above other.
func (t RiskTier) AtLeast(other RiskTier) bool { return t.rank() >= other.rank() }

// RequiresConfirmation reports whether trades at this tier must be
// explicitly confirmed before dispatch.
func (t RiskTier) RequiresConfirmation() bool { return t == RiskHigh }

// RiskAssessment is the classifier's verdict on a proposed trade.
type RiskAssessment struct {
	Tier            RiskTier  `json:"tier"`
	Score           float64   `json:"score"` // 0 to 1
	Rationale       string    `json:"rationale"`
	PortfolioImpact string    `json:"portfolio_impact"`
	Recommendations []string  `json:"recommendations,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
	Degraded        bool      `json:"degraded"`
	Source          string    `json:"source"`
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// ExecutionStatus is the backend's verdict on a dispatched order.
type ExecutionStatus string

const (
	ExecFilled   ExecutionStatus = "filled"
	ExecPartial  ExecutionStatus = "partial"
	ExecRejected ExecutionStatus = "rejected"
	ExecFailed   ExecutionStatus = "failed"
)

// Succeeded reports whether the status carries a fill that may settle.
func (s ExecutionStatus) Succeeded() bool { return s == ExecFilled || s == ExecPartial }

// ExecutionResult is what the backend reports for one dispatch. FilledQty is
// an unsigned magnitude; the direction comes from the request.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	ExecutedAt time.Time       `json:"executed_at"`
	Reference  string          `json:"reference"`
	Reason     string          `json:"reason,omitempty"`
}

// Fill is a confirmed execution expressed as a signed quantity change.
type Fill struct {
	AttemptID string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	At        time.Time
	Reference string
}

// FillFor converts a successful execution result into a signed fill.
func FillFor(attemptID string, req TradeRequest, res ExecutionResult) Fill {
	qty := res.FilledQty.Abs()
	if req.Quantity.Sign() < 0 {
		qty = qty.Neg()
	}
	return Fill{
		AttemptID: attemptID,
		Quantity:  qty,
		Price:     res.FillPrice,
		At:        res.ExecutedAt,
		Reference: res.Reference,
	}
}

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is the holding of one user in one symbol. Version increments on
// every applied fill and backs the store's conditional write.
type Position struct {
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool { return p.Quantity.IsZero() }
