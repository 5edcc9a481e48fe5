// Package notify alerts supervisors about trades that need confirmation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// Alert describes one high-risk trade awaiting confirmation.
type Alert struct {
	AttemptID    string                `json:"attempt_id"`
	UserID       string                `json:"user_id"`
	SupervisorID string                `json:"supervisor_id"`
	Symbol       string                `json:"symbol"`
	Side         string                `json:"side"`
	Quantity     decimal.Decimal       `json:"quantity"`
	LimitPrice   *decimal.Decimal      `json:"limit_price,omitempty"`
	Assessment   domain.RiskAssessment `json:"assessment"`
	Degraded     []string              `json:"degraded,omitempty"`
	At           time.Time             `json:"at"`
}

// AlertFor builds the alert for an attempt.
func AlertFor(a *domain.TradeAttempt, supervisorID string, at time.Time) Alert {
	al := Alert{
		AttemptID:    a.ID,
		UserID:       a.UserID(),
		SupervisorID: supervisorID,
		Symbol:       strings.ToUpper(a.Request.Symbol),
		Side:         a.Request.Side(),
		Quantity:     a.Request.Quantity.Abs(),
		LimitPrice:   a.Request.LimitPrice,
		Degraded:     append([]string(nil), a.Degraded...),
		At:           at,
	}
	if a.Assessment != nil {
		al.Assessment = *a.Assessment
	}
	return al
}

// Text renders the alert as a single chat message.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, ":warning: High-risk trade awaiting confirmation\n%s wants to %s %s %s",
		a.UserID, a.Side, a.Quantity, a.Symbol)
	if a.LimitPrice != nil {
		fmt.Fprintf(&b, " @ %s", a.LimitPrice)
	}
	fmt.Fprintf(&b, "\nRisk: %s (score %.2f). %s", a.Assessment.Tier, a.Assessment.Score, a.Assessment.Rationale)
	if len(a.Degraded) > 0 {
		fmt.Fprintf(&b, "\nDegraded inputs: %s", strings.Join(a.Degraded, ", "))
	}
	fmt.Fprintf(&b, "\nAttempt: %s", a.AttemptID)
	return b.String()
}

// Notifier delivers alerts. Delivery is best effort; the caller records but
// does not act on failures.
type Notifier interface {
	NotifyHighRisk(ctx context.Context, alert Alert) error
}

// ---------------------------------------------------------------------------
// LogNotifier
// ---------------------------------------------------------------------------

var _ Notifier = (*LogNotifier)(nil)

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("notifier", "log")}
}

func (l *LogNotifier) NotifyHighRisk(ctx context.Context, a Alert) error {
	l.log.WarnContext(ctx, "high-risk trade awaiting confirmation",
		"attempt_id", a.AttemptID,
		"user_id", a.UserID,
		"supervisor_id", a.SupervisorID,
		"symbol", a.Symbol,
		"side", a.Side,
		"quantity", a.Quantity.String(),
		"tier", a.Assessment.Tier,
		"degraded", a.Degraded,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Multi
// ---------------------------------------------------------------------------

// localOnly marks notifiers that leave a trace on this host but reach no
// one.
type localOnly interface{ localOnly() }

func (*LogNotifier) localOnly() {}

// Multi tries each delivery channel in order and stops at the first that
// delivers. Local notifiers such as LogNotifier always run but only count
// as delivery when no other channel is configured. If nothing delivers, the
// joined errors are returned.
type Multi []Notifier

func (m Multi) NotifyHighRisk(ctx context.Context, a Alert) error {
	var remote []Notifier
	var errs []error
	locals := 0
	for _, n := range m {
		if _, ok := n.(localOnly); !ok {
			remote = append(remote, n)
			continue
		}
		locals++
		if err := n.NotifyHighRisk(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}

	if len(remote) == 0 {
		if locals == 0 {
			return errors.New("notify: no notifiers configured")
		}
		return errors.Join(errs...)
	}
	for _, n := range remote {
		err := n.NotifyHighRisk(ctx, a)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
