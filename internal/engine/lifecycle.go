package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/domain"
	"tradegate/internal/errs"
	"tradegate/internal/ledger"
	"tradegate/internal/market"
	"tradegate/internal/notify"
	"tradegate/internal/risk"
	"tradegate/internal/util"
)

// Ledger retry backoff bounds.
const (
	ledgerRetryBase = 5 * time.Millisecond
	ledgerRetryMax  = 200 * time.Millisecond
	auditTimeout    = 5 * time.Second
)

// run is the in-memory state of one attempt's lifecycle. The drive
// goroutine is the only writer of attempt.State; other goroutines read
// snapshots under mu and talk to it through the channels.
type run struct {
	mu      sync.Mutex
	attempt *domain.TradeAttempt
	started time.Time

	// changed is closed and replaced on every state change.
	changed chan struct{}

	confirmCh       chan confirmation
	cancelCh        chan struct{}
	cancelRequested bool

	halted   chan struct{}
	haltOnce sync.Once

	// notified is closed once a supervisor notification has been recorded.
	// nil if none was sent.
	notified chan struct{}
	retired  bool

	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type confirmation struct {
	token string
	reply chan error
}

func newRun(parent context.Context, a *domain.TradeAttempt, now time.Time) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		attempt:   a,
		started:   now,
		changed:   make(chan struct{}),
		confirmCh: make(chan confirmation),
		cancelCh:  make(chan struct{}),
		halted:    make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *run) snapshot() domain.TradeAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt.Clone()
}

func (r *run) snapshotOr(err error) (domain.TradeAttempt, error) {
	if r == nil {
		return domain.TradeAttempt{}, err
	}
	return r.snapshot(), err
}

// requestCancel must be called with mu held.
func (r *run) requestCancel() {
	if r.cancelRequested {
		return
	}
	r.cancelRequested = true
	close(r.cancelCh)
	r.cancel()
}

// signalLocked wakes Await callers. mu must be held.
func (r *run) signalLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// drive walks one attempt from Received to a terminal state.
func (e *Engine) drive(r *run) {
	defer close(r.done)
	defer r.cancel()

	first := r.snapshot()
	id, req := first.ID, first.Request

	// Enrich. Market data is best effort; the position read is needed for
	// risk classification and falls back to flat on error.
	snap := market.Fetch(r.ctx, e.market, req.Symbol, e.cfg.SnapshotTimeout)
	pos, err := e.ledger.Position(r.ctx, req.Requester.ID, req.Symbol)
	if err != nil {
		e.log.Warn("position read failed", "attempt_id", id, "error", err)
		pos = domain.Position{UserID: req.Requester.ID, Symbol: req.Symbol}
	}
	detail := ""
	if !snap.OK {
		detail = "market data unavailable: " + snap.Reason
	}
	if !e.advance(r, domain.StateEnriched, detail, func(a *domain.TradeAttempt) {
		if snap.OK {
			s := snap.Value
			a.Snapshot = &s
			return
		}
		a.Degraded = append(a.Degraded, domain.DegradedMarketData)
	}) {
		return
	}
	if !snap.OK {
		e.metrics.degraded(r.ctx, domain.DegradedMarketData)
		e.log.Warn("market data unavailable", "attempt_id", id, "symbol", req.Symbol, "reason", snap.Reason)
	}

	// Assess.
	in := risk.Input{Request: req, Position: pos}
	if snap.OK {
		in.Snapshot = &snap.Value
	}
	verdict := risk.Classify(r.ctx, e.risk, in, e.cfg.RiskTimeout)
	assessment := verdict.Value
	detail = ""
	if !verdict.OK {
		assessment = risk.Degraded(publicReason(verdict.Reason), e.now())
		detail = "risk classifier unavailable: " + verdict.Reason
	}
	if !e.advance(r, domain.StateAssessed, detail, func(a *domain.TradeAttempt) {
		ra := assessment
		a.Assessment = &ra
		if !verdict.OK {
			a.Degraded = append(a.Degraded, domain.DegradedRisk)
		}
	}) {
		return
	}
	if !verdict.OK {
		e.metrics.degraded(r.ctx, domain.DegradedRisk)
		e.log.Warn("risk classifier unavailable", "attempt_id", id, "reason", verdict.Reason)
	}

	// Gate.
	if assessment.Tier.RequiresConfirmation() {
		if !e.advance(r, domain.StateAwaitingConfirmation, "", nil) {
			return
		}
		e.notifySupervisor(r)
		if !e.awaitConfirmation(r, id) {
			return
		}
	} else if !e.advance(r, domain.StateReadyToExecute, "", nil) {
		return
	}

	// Dispatch. From here on the attempt cannot be cancelled.
	if !e.advance(r, domain.StateExecuting, "", nil) {
		return
	}
	e.execute(r, in)
}

// awaitConfirmation blocks in AwaitingConfirmation until the correct token
// arrives, the window expires, the requester cancels, or the engine stops.
// It returns true once the attempt is ReadyToExecute.
func (e *Engine) awaitConfirmation(r *run, id string) bool {
	timer := time.NewTimer(e.cfg.ConfirmationWindow)
	defer timer.Stop()

	for {
		select {
		case <-r.cancelCh:
			e.finish(r, domain.StateAborted, outcomeOf(cancelledErr(id)), "", nil)
			return false

		case <-r.halted:
			return false

		case <-e.baseCtx.Done():
			e.finish(r, domain.StateAborted, outcomeOf(shuttingDownErr(id)), "", nil)
			return false

		case <-timer.C:
			err := errs.New(errs.CodeConfirmationExpired, errs.WithAttempt(id),
				errs.WithMessage("The confirmation window elapsed without a confirmation."),
				errs.WithRemediation("Submit the trade again if it is still wanted."))
			e.finish(r, domain.StateAborted, outcomeOf(err), "", nil)
			return false

		case c := <-r.confirmCh:
			if c.token == id {
				ok := e.advance(r, domain.StateReadyToExecute, "confirmed by requester", func(a *domain.TradeAttempt) {
					a.Confirmed = true
				})
				if ok {
					c.reply <- nil
				} else {
					c.reply <- errs.New(errs.CodeInvalidState, errs.WithAttempt(id),
						errs.WithMessage("The trade was stopped before the confirmation was recorded."))
				}
				return ok
			}

			r.mu.Lock()
			r.attempt.MalformedConfirmations++
			n := r.attempt.MalformedConfirmations
			r.mu.Unlock()
			e.log.Warn("confirmation mismatch", "attempt_id", id, "count", n)

			limit := max(e.cfg.MaxConfirmationAttempts, 1)
			if n >= limit {
				err := errs.New(errs.CodeConfirmationMismatch, errs.WithAttempt(id),
					errs.WithMessage(fmt.Sprintf("%d confirmations did not match; the trade was aborted.", n)),
					errs.WithRemediation("Submit the trade again and confirm it with its attempt id."))
				e.finish(r, domain.StateAborted, outcomeOf(err), "", nil)
				c.reply <- err
				return false
			}
			c.reply <- errs.New(errs.CodeConfirmationMismatch, errs.WithAttempt(id),
				errs.WithMessage("The confirmation token does not match this trade."),
				errs.WithRemediation(fmt.Sprintf("Confirm with the attempt id. %d attempt(s) left.", limit-n)))
		}
	}
}

// execute dispatches the order and settles or fails the attempt.
func (e *Engine) execute(r *run, in risk.Input) {
	a := r.snapshot()
	if a.Assessment != nil && a.Assessment.Tier.RequiresConfirmation() && !a.Confirmed {
		r.mu.Lock()
		e.haltLocked(r, errs.New(errs.CodeFatal, errs.WithAttempt(a.ID),
			errs.WithMessage("high-risk attempt reached dispatch unconfirmed")))
		r.mu.Unlock()
		return
	}

	order := broker.Order{AttemptID: a.ID, Request: a.Request}
	if in.Snapshot != nil {
		p := in.Snapshot.Price
		order.ReferencePrice = &p
	}

	// Dispatch is irrevocable: cancellation and shutdown no longer apply.
	ctx := context.WithoutCancel(r.ctx)
	res, err := util.CallWithTimeout(ctx, e.cfg.ExecutionTimeout, func(ctx context.Context) (domain.ExecutionResult, error) {
		return e.broker.Execute(ctx, order)
	})
	if err != nil {
		e.log.Warn("execution failed", "attempt_id", a.ID, "broker", e.broker.Name(), "error", err)
		e.finish(r, domain.StateFailed, outcomeOf(executionErr(a.ID, err)), "execution error: "+err.Error(), nil)
		return
	}
	if res.ExecutedAt.IsZero() {
		res.ExecutedAt = e.now()
	}

	switch {
	case res.Status == domain.ExecRejected:
		msg := "The order was rejected."
		if res.Reason != "" {
			msg = "The order was rejected: " + res.Reason + "."
		}
		err := errs.New(errs.CodeExecutionRejected, errs.WithAttempt(a.ID), errs.WithMessage(msg),
			errs.WithRemediation("Review the order and submit it again as a new trade."))
		e.finish(r, domain.StateFailed, outcomeOf(err), "", withResult(res))
		return

	case !res.Status.Succeeded():
		e.finish(r, domain.StateFailed, outcomeOf(executionErr(a.ID, errors.New(res.Reason))), "", withResult(res))
		return

	case res.FilledQty.Sign() <= 0 || res.FilledQty.GreaterThan(a.Request.Quantity.Abs()) || res.FillPrice.Sign() <= 0:
		err := fmt.Errorf("invalid fill %s @ %s", res.FilledQty, res.FillPrice)
		e.finish(r, domain.StateFailed, outcomeOf(executionErr(a.ID, err)), err.Error(), withResult(res))
		return
	}

	e.settle(r, res)
}

// settle applies the fill and commits the Settled transition with it. Ledger
// conflicts are retried with a fresh read; a policy refusal fails the
// attempt; anything else halts it.
func (e *Engine) settle(r *run, res domain.ExecutionResult) {
	ctx := context.WithoutCancel(r.ctx)

	r.mu.Lock()
	if r.attempt.Fatal != "" {
		r.mu.Unlock()
		return
	}
	next := r.attempt.Clone()
	from := next.State
	at := e.now()
	next.State = domain.StateSettled
	next.Transitions = append(next.Transitions, domain.Transition{From: from, To: domain.StateSettled, At: at})
	next.Result = &res
	next.Outcome = settledOutcome(next.Request, res)
	rec := auditRecord(&next, from, at, "")
	fill := domain.FillFor(next.ID, next.Request, res)

	var conflicts int
	err := util.Retry(ctx, max(e.cfg.LedgerMaxRetries, 1), ledgerRetryBase, ledgerRetryMax, func() error {
		_, err := e.ledger.Apply(ctx, ledger.Application{
			UserID:  next.UserID(),
			Symbol:  next.Request.Symbol,
			Fill:    fill,
			Audit:   rec,
			Attempt: &next,
		})
		if errs.Is(err, errs.CodeLedgerConflict) {
			conflicts++
			e.metrics.conflict(ctx)
			return err
		}
		if err != nil {
			return util.Permanent(err)
		}
		return nil
	})

	switch {
	case err == nil:
		*r.attempt = next
		r.signalLocked()
		ev := eventFor(&next, from, at)
		r.mu.Unlock()
		e.retire(r, ev)
		return

	case errs.Is(err, errs.CodeLedgerPolicy):
		r.mu.Unlock()
		e.finish(r, domain.StateFailed, outcomeOf(err), err.Error(), withResult(res))
		return

	case errs.Is(err, errs.CodeLedgerConflict):
		err = errs.New(errs.CodeFatal, errs.WithAttempt(next.ID),
			errs.WithMessage(fmt.Sprintf("ledger conflict persisted after %d attempts", conflicts)),
			errs.WithCause(err))
	}
	e.haltLocked(r, err)
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// advance records a forward, non-terminal transition. It returns false if
// the run must stop: the attempt was halted, or a cancel or shutdown
// arrived and the attempt has been aborted instead.
func (e *Engine) advance(r *run, to domain.State, detail string, mutate func(*domain.TradeAttempt)) bool {
	r.mu.Lock()
	if r.attempt.Fatal != "" {
		r.mu.Unlock()
		return false
	}
	if r.attempt.State.Cancellable() {
		var stop error
		switch {
		case r.cancelRequested:
			stop = cancelledErr(r.attempt.ID)
		case e.baseCtx.Err() != nil:
			stop = shuttingDownErr(r.attempt.ID)
		}
		if stop != nil {
			r.mu.Unlock()
			e.finish(r, domain.StateAborted, outcomeOf(stop), "", nil)
			return false
		}
	}

	ev, ok := e.commitLocked(r, to, mutate, detail)
	snap := r.attempt.Clone()
	r.mu.Unlock()
	if ok {
		e.afterTransition(r.ctx, snap, ev)
	}
	return ok
}

// finish records a terminal transition and retires the run.
func (e *Engine) finish(r *run, to domain.State, out domain.Outcome, detail string, mutate func(*domain.TradeAttempt)) {
	r.mu.Lock()
	if r.attempt.Fatal != "" || r.attempt.State.Terminal() {
		r.mu.Unlock()
		return
	}
	ev, ok := e.commitLocked(r, to, func(a *domain.TradeAttempt) {
		if mutate != nil {
			mutate(a)
		}
		a.Outcome = &out
	}, detail)
	r.mu.Unlock()
	if ok {
		e.retire(r, ev)
	}
}

// commitLocked writes the audit record for a transition to `to` and, once
// the write is accepted, makes the transition visible. An audit failure
// halts the attempt. r.mu must be held.
func (e *Engine) commitLocked(r *run, to domain.State, mutate func(*domain.TradeAttempt), detail string) (domain.TransitionEvent, bool) {
	next := r.attempt.Clone()
	if mutate != nil {
		mutate(&next)
	}
	from := next.State
	at := e.now()
	next.State = to
	next.Transitions = append(next.Transitions, domain.Transition{From: from, To: to, At: at})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), auditTimeout)
	defer cancel()
	if err := e.store.Append(ctx, auditRecord(&next, from, at, detail)); err != nil {
		e.haltLocked(r, errs.New(errs.CodeFatal, errs.WithAttempt(next.ID),
			errs.WithMessage(fmt.Sprintf("audit write for %s -> %s rejected", from, to)),
			errs.WithCause(err)))
		return domain.TransitionEvent{}, false
	}
	*r.attempt = next
	r.signalLocked()
	return eventFor(&next, from, at), true
}

// haltLocked stops an attempt after an integrity failure. The attempt keeps
// its state and its idempotency key stays held so it cannot be resubmitted
// until an operator intervenes. r.mu must be held.
func (e *Engine) haltLocked(r *run, err error) {
	if r.attempt.Fatal != "" {
		return
	}
	r.attempt.Fatal = err.Error()
	r.signalLocked()
	r.haltOnce.Do(func() { close(r.halted) })

	e.log.Error("attempt halted",
		"attempt_id", r.attempt.ID,
		"user_id", r.attempt.UserID(),
		"state", r.attempt.State,
		"fatal", true,
		"error", err,
	)
	ctx := context.WithoutCancel(r.ctx)
	e.metrics.fatal(ctx)
	if serr := e.store.SaveAttempt(ctx, r.attempt); serr != nil {
		e.log.Error("save halted attempt", "attempt_id", r.attempt.ID, "error", serr)
	}
	if e.onFatal != nil {
		e.onFatal(r.attempt.ID, err)
	}
}

// afterTransition persists the attempt snapshot and publishes the event.
func (e *Engine) afterTransition(ctx context.Context, snap domain.TradeAttempt, ev domain.TransitionEvent) {
	if err := e.store.SaveAttempt(context.WithoutCancel(ctx), &snap); err != nil {
		e.log.Warn("save attempt", "attempt_id", snap.ID, "error", err)
	}
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// retire runs the terminal bookkeeping: persist, archive, free the key. A
// pending supervisor notification is given until NotifyTimeout to land so
// the stored attempt carries its result.
func (e *Engine) retire(r *run, ev domain.TransitionEvent) {
	ctx := context.WithoutCancel(r.ctx)
	e.awaitNotification(r, ev.AttemptID)

	r.mu.Lock()
	snap := r.attempt.Clone()
	if err := e.store.SaveAttempt(ctx, &snap); err != nil {
		e.log.Warn("save attempt", "attempt_id", snap.ID, "error", err)
	}
	r.retired = true
	r.mu.Unlock()
	if e.archive != nil {
		if err := e.archive.Archive(ctx, &snap); err != nil {
			e.log.Warn("archive attempt", "attempt_id", snap.ID, "error", err)
		}
	}
	e.release(snap.ID, snap.IdempotencyKey)
	if e.events != nil {
		e.events.Publish(ev)
	}

	code := ""
	if snap.Outcome != nil {
		code = snap.Outcome.Code
	}
	e.metrics.finished(ctx, snap.State, code, e.now().Sub(r.started))
	e.log.Info("trade finished",
		"attempt_id", snap.ID,
		"user_id", snap.UserID(),
		"symbol", snap.Request.Symbol,
		"state", snap.State,
		"outcome", code,
		"degraded", strings.Join(snap.Degraded, ","),
	)
}

// ---------------------------------------------------------------------------
// Supervisor notification
// ---------------------------------------------------------------------------

func (e *Engine) awaitNotification(r *run, id string) {
	r.mu.Lock()
	pending := r.notified
	r.mu.Unlock()
	if pending == nil {
		return
	}
	timer := time.NewTimer(e.cfg.NotifyTimeout + auditTimeout)
	defer timer.Stop()
	select {
	case <-pending:
	case <-timer.C:
		e.log.Warn("retiring before supervisor notification resolved", "attempt_id", id)
	}
}

// notifySupervisor alerts the requester's supervisor in the background. The
// result is recorded on the attempt and in the audit trail; a failed alert
// never blocks the lifecycle.
func (e *Engine) notifySupervisor(r *run) {
	snap := r.snapshot()
	supervisor := e.router.Resolve(snap.Request.Requester)
	alert := notify.AlertFor(&snap, supervisor, e.now())

	notified := make(chan struct{})
	r.mu.Lock()
	r.notified = notified
	r.mu.Unlock()

	e.wg.Go(func() {
		defer close(notified)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), e.cfg.NotifyTimeout)
		defer cancel()

		var err error
		switch {
		case supervisor == "":
			err = errors.New("no supervisor route for requester")
		case e.notifier == nil:
			err = errors.New("no notifier configured")
		default:
			err = e.notifier.NotifyHighRisk(ctx, alert)
		}

		status := domain.NotificationStatus{SupervisorID: supervisor, Sent: err == nil, At: e.now()}
		detail := "supervisor " + supervisor + " notified"
		if err != nil {
			status.Error = err.Error()
			detail = "supervisor notification failed: " + err.Error()
			e.metrics.notifyFailed(ctx)
			e.log.Warn("supervisor notification failed", "attempt_id", snap.ID, "supervisor", supervisor, "error", err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.attempt.Notification = &status
		rec := domain.AuditRecord{
			AttemptID: snap.ID,
			UserID:    snap.UserID(),
			Kind:      domain.AuditNotification,
			At:        status.At,
			Detail:    detail,
		}
		actx, acancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), auditTimeout)
		defer acancel()
		if aerr := e.store.Append(actx, rec); aerr != nil {
			if r.attempt.State.Terminal() {
				e.log.Error("audit write for notification rejected", "attempt_id", snap.ID, "state", r.attempt.State, "error", aerr)
			} else {
				e.haltLocked(r, errs.New(errs.CodeFatal, errs.WithAttempt(snap.ID),
					errs.WithMessage("audit write for notification rejected"), errs.WithCause(aerr)))
			}
		}
		// Already persisted as terminal; store the late result too.
		if r.retired {
			if serr := e.store.SaveAttempt(actx, r.attempt); serr != nil {
				e.log.Warn("save attempt", "attempt_id", snap.ID, "error", serr)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

func auditRecord(a *domain.TradeAttempt, from domain.State, at time.Time, detail string) domain.AuditRecord {
	rec := domain.AuditRecord{
		AttemptID: a.ID,
		UserID:    a.UserID(),
		Kind:      domain.AuditTransition,
		From:      from,
		To:        a.State,
		At:        at,
		Degraded:  append([]string(nil), a.Degraded...),
		Detail:    detail,
	}
	switch a.State {
	case domain.StateAssessed:
		rec.Assessment = a.Assessment
	case domain.StateSettled, domain.StateFailed:
		rec.Result = a.Result
	}
	if a.State.Terminal() && a.Outcome != nil && rec.Detail == "" {
		rec.Detail = a.Outcome.Code
	}
	return rec
}

func eventFor(a *domain.TradeAttempt, from domain.State, at time.Time) domain.TransitionEvent {
	return domain.TransitionEvent{
		AttemptID: a.ID,
		UserID:    a.UserID(),
		Symbol:    a.Request.Symbol,
		From:      from,
		To:        a.State,
		At:        at,
		Outcome:   a.Outcome,
	}
}

func withResult(res domain.ExecutionResult) func(*domain.TradeAttempt) {
	return func(a *domain.TradeAttempt) { a.Result = &res }
}

// outcomeOf renders err as the user-visible outcome. Internal codes are
// masked.
func outcomeOf(err error) domain.Outcome {
	p := errs.Public(err)
	return domain.Outcome{Code: string(p.Code), Message: p.Message, Remediation: p.Remediation}
}

func settledOutcome(req domain.TradeRequest, res domain.ExecutionResult) *domain.Outcome {
	verb := "Bought"
	if req.Side() == "sell" {
		verb = "Sold"
	}
	msg := fmt.Sprintf("%s %s %s at %s.", verb, res.FilledQty, req.Symbol, res.FillPrice)
	out := &domain.Outcome{Code: "settled", Message: msg}
	if res.Status == domain.ExecPartial {
		rest := req.Quantity.Abs().Sub(res.FilledQty)
		out.Message = fmt.Sprintf("%s Partially filled; %s not executed.", msg, rest)
		out.Remediation = "Submit a new trade for the remaining " + rest.String() + " if still wanted."
	}
	return out
}

func cancelledErr(id string) error {
	return errs.New(errs.CodeCancelled, errs.WithAttempt(id), errs.WithMessage("Cancelled by requester."))
}

func shuttingDownErr(id string) error {
	return errs.New(errs.CodeShuttingDown, errs.WithAttempt(id),
		errs.WithMessage("The trade service shut down before the trade was dispatched."),
		errs.WithRemediation("Submit the trade again."))
}

// executionErr maps a backend failure onto an execution code without
// exposing the backend's own error text.
func executionErr(id string, err error) error {
	if code := errs.CodeOf(err); code != "" && !code.Internal() {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.CodeExecutionTimeout, errs.WithAttempt(id), errs.WithCause(err),
			errs.WithMessage("The execution backend did not answer in time; the order status is unknown."),
			errs.WithRemediation("Check the position before submitting again."))
	}
	return errs.New(errs.CodeExecutionFailed, errs.WithAttempt(id), errs.WithCause(err),
		errs.WithMessage("The execution backend could not process the order."),
		errs.WithRemediation("Submit the trade again as a new trade."))
}

// publicReason reduces a provider failure reason to a form safe to show in
// a risk rationale.
func publicReason(reason string) string {
	if strings.Contains(reason, "timed out") {
		return "timed out"
	}
	return "unavailable"
}
