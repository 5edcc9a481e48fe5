package domain

import "time"

// State is a lifecycle state of a TradeAttempt.
type State string

const (
	StateReceived             State = "received"
	StateEnriched             State = "enriched"
	StateAssessed             State = "assessed"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateReadyToExecute       State = "ready_to_execute"
	StateExecuting            State = "executing"
	StateSettled              State = "settled"
	StateFailed               State = "failed"
	StateAborted              State = "aborted"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateAborted
}

// Cancellable reports whether an explicit cancel may still abort an attempt
// in state s. Once Executing is entered the order is irrevocably dispatched.
func (s State) Cancellable() bool {
	switch s {
	case StateReceived, StateEnriched, StateAssessed, StateAwaitingConfirmation, StateReadyToExecute:
		return true
	}
	return false
}

// Degraded provider names recorded on an attempt.
const (
	DegradedMarketData = "market_data"
	DegradedRisk       = "risk"
)

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Outcome is the terminal, user-visible result of an attempt.
type Outcome struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// NotificationStatus records the fate of the supervisor alert.
type NotificationStatus struct {
	SupervisorID string    `json:"supervisor_id,omitempty"`
	Sent         bool      `json:"sent"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// TradeAttempt is the unit of work tracked by the engine for one request.
type TradeAttempt struct {
	ID                     string              `json:"id"`
	IdempotencyKey         string              `json:"idempotency_key"`
	Request                TradeRequest        `json:"request"`
	State                  State               `json:"state"`
	Snapshot               *Snapshot           `json:"snapshot,omitempty"`
	Degraded               []string            `json:"degraded,omitempty"`
	Assessment             *RiskAssessment     `json:"assessment,omitempty"`
	Confirmed              bool                `json:"confirmed"`
	MalformedConfirmations int                 `json:"malformed_confirmations"`
	Result                 *ExecutionResult    `json:"result,omitempty"`
	Outcome                *Outcome            `json:"outcome,omitempty"`
	Transitions            []Transition        `json:"transitions"`
	Notification           *NotificationStatus `json:"notification,omitempty"`
	Fatal                  string              `json:"fatal,omitempty"`
}

// UserID is a shorthand for the requester's id.
func (a *TradeAttempt) UserID() string { return a.Request.Requester.ID }

// IsDegraded reports whether provider p was unavailable for this attempt.
func (a *TradeAttempt) IsDegraded(p string) bool {
	for _, d := range a.Degraded {
		if d == p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers.
func (a *TradeAttempt) Clone() TradeAttempt {
	out := *a
	if a.Request.LimitPrice != nil {
		lp := *a.Request.LimitPrice
		out.Request.LimitPrice = &lp
	}
	out.Request.Requester.Roles = append([]Role(nil), a.Request.Requester.Roles...)
	if a.Snapshot != nil {
		s := *a.Snapshot
		out.Snapshot = &s
	}
	out.Degraded = append([]string(nil), a.Degraded...)
	if a.Assessment != nil {
		ra := *a.Assessment
		ra.Recommendations = append([]string(nil), a.Assessment.Recommendations...)
		out.Assessment = &ra
	}
	if a.Result != nil {
		r := *a.Result
		out.Result = &r
	}
	if a.Outcome != nil {
		o := *a.Outcome
		out.Outcome = &o
	}
	out.Transitions = append([]Transition(nil), a.Transitions...)
	if a.Notification != nil {
		n := *a.Notification
		out.Notification = &n
	}
	return out
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditKind distinguishes audit record types.
type AuditKind string

const (
	AuditTransition   AuditKind = "transition"
	AuditNotification AuditKind = "notification"
)

// AuditRecord is one append-only entry in the audit trail.
type AuditRecord struct {
	Seq        int64            `json:"seq,omitempty"`
	AttemptID  string           `json:"attempt_id"`
	UserID     string           `json:"user_id"`
	Kind       AuditKind        `json:"kind"`
	From       State            `json:"from,omitempty"`
	To         State            `json:"to,omitempty"`
	At         time.Time        `json:"at"`
	Degraded   []string         `json:"degraded,omitempty"`
	Assessment *RiskAssessment  `json:"assessment,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// TransitionEvent is published to live subscribers on every state change.
type TransitionEvent struct {
	AttemptID string    `json:"attempt_id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
}
