package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
	"tradegate/internal/errs"
)

// SubmitTradeRequest is the JSON body of POST /api/v1/trades.
type SubmitTradeRequest struct {
	UserID         string           `json:"user_id"`
	Roles          []string         `json:"roles,omitempty"`
	SupervisorID   string           `json:"supervisor_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	Channel        string           `json:"channel,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	SubmittedAt    *time.Time       `json:"submitted_at,omitempty"`
}

// TradeRequest converts the wire form into a domain request.
func (b SubmitTradeRequest) TradeRequest() (domain.TradeRequest, error) {
	req := domain.TradeRequest{
		Requester: domain.Requester{
			ID:           strings.TrimSpace(b.UserID),
			SupervisorID: strings.TrimSpace(b.SupervisorID),
		},
		Symbol:         b.Symbol,
		Quantity:       b.Quantity,
		LimitPrice:     b.LimitPrice,
		Channel:        b.Channel,
		IdempotencyKey: b.IdempotencyKey,
	}
	for _, r := range b.Roles {
		role, ok := domain.ParseRole(r)
		if !ok {
			return domain.TradeRequest{}, errs.New(errs.CodeInvalidRequest,
				errs.WithMessage(fmt.Sprintf("unknown role %q", r)))
		}
		req.Requester.Roles = append(req.Requester.Roles, role)
	}
	if b.SubmittedAt != nil {
		req.SubmittedAt = b.SubmittedAt.UTC()
	}
	return req, nil
}

// ConfirmRequest is the JSON body of POST /api/v1/trades/{id}/confirm.
type ConfirmRequest struct {
	Token string `json:"token"`
}

// ErrorJSON is the user-visible error envelope.
type ErrorJSON struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
}

// ErrorResponse wraps ErrorJSON.
type ErrorResponse struct {
	Error ErrorJSON `json:"error"`
}

// AttemptResponse carries one attempt.
type AttemptResponse struct {
	Attempt domain.TradeAttempt `json:"attempt"`
}

// AuditResponse is the audit trail of one attempt.
type AuditResponse struct {
	AttemptID string               `json:"attempt_id"`
	Records   []domain.AuditRecord `json:"records"`
}

// PositionsResponse lists a user's positions.
type PositionsResponse struct {
	UserID    string            `json:"user_id"`
	Positions []domain.Position `json:"positions"`
}

// TradesResponse lists a user's recent attempts.
type TradesResponse struct {
	UserID string                `json:"user_id"`
	Trades []domain.TradeAttempt `json:"trades"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int64  `json:"subscribers"`
	Dropped     int64  `json:"dropped_events"`
}

func errorJSON(err error) ErrorJSON {
	p := errs.Public(err)
	return ErrorJSON{Code: string(p.Code), Message: p.Message, Remediation: p.Remediation, AttemptID: p.AttemptID}
}
