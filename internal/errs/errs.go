// Package errs provides the structured error envelope used across tradegate.
// Every user-visible failure carries a stable Code plus a human-readable
// message; internal codes are masked by Public.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code is a stable, machine-readable reason code.
type Code string

const (
	// CodeInvalidRequest indicates a malformed request.
	CodeInvalidRequest Code = "invalid_request"
	// CodeNotFound indicates an unknown attempt or resource.
	CodeNotFound Code = "not_found"
	// CodeInvalidState indicates the operation does not apply to the attempt's current state.
	CodeInvalidState Code = "invalid_state"
	// CodeDuplicateInFlight indicates another attempt with the same idempotency key is running.
	CodeDuplicateInFlight Code = "duplicate_in_flight"
	// CodeThrottled indicates the requester exceeded the submission rate.
	CodeThrottled Code = "throttled"
	// CodeCancelRefused indicates the attempt already entered execution.
	CodeCancelRefused Code = "cancel_refused"
	// CodeCancelled indicates the requester cancelled the attempt.
	CodeCancelled Code = "cancelled"
	// CodeConfirmationMismatch indicates a confirmation token did not match.
	CodeConfirmationMismatch Code = "confirmation_mismatch"
	// CodeConfirmationExpired indicates the confirmation window elapsed.
	CodeConfirmationExpired Code = "confirmation_expired"
	// CodeExecutionRejected indicates the backend rejected the order.
	CodeExecutionRejected Code = "execution_rejected"
	// CodeExecutionFailed indicates the backend errored.
	CodeExecutionFailed Code = "execution_failed"
	// CodeExecutionTimeout indicates the backend did not answer in time.
	CodeExecutionTimeout Code = "execution_timeout"
	// CodePriceRequired indicates no price was available for execution.
	CodePriceRequired Code = "price_required"
	// CodeLedgerPolicy indicates the fill would breach the position floor.
	CodeLedgerPolicy Code = "ledger_policy"
	// CodeLedgerConflict indicates a concurrent apply on the same position. Internal.
	CodeLedgerConflict Code = "ledger_conflict"
	// CodeFatal indicates an audit/ledger integrity failure. Internal.
	CodeFatal Code = "fatal"
	// CodeInternal is what users see in place of internal codes.
	CodeInternal Code = "internal_error"
	// CodeShuttingDown indicates the engine no longer accepts work.
	CodeShuttingDown Code = "shutting_down"
)

// Internal reports whether c must never be shown to an end user.
func (c Code) Internal() bool {
	return c == CodeLedgerConflict || c == CodeFatal
}

// E is the structured error envelope.
type E struct {
	Code        Code
	Message     string
	Remediation string
	AttemptID   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches guidance on what the user can do next.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithAttempt records the attempt the error refers to.
func WithAttempt(id string) Option {
	return func(e *E) {
		e.AttemptID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts := []string{"code=" + code}
	if e.AttemptID != "" {
		parts = append(parts, "attempt="+e.AttemptID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the code of the first envelope in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Public returns the envelope safe to show an end user: internal codes and
// causes are replaced by a generic internal error.
func Public(err error) *E {
	if err == nil {
		return nil
	}
	var e *E
	if !errors.As(err, &e) || e.Code.Internal() {
		out := New(CodeInternal,
			WithMessage("The trade could not be completed because of an internal error."),
			WithRemediation("Contact support with the attempt id; do not resubmit until told to."),
		)
		if e != nil {
			out.AttemptID = e.AttemptID
		}
		return out
	}
	return &E{Code: e.Code, Message: e.Message, Remediation: e.Remediation, AttemptID: e.AttemptID}
}
