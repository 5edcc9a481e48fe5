// Package engine runs the trade lifecycle: it enriches a request with market
// data, classifies its risk, gates high-risk trades behind confirmation,
// dispatches to the execution backend and settles fills into the ledger,
// writing an audit record for every transition.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/errs"
	"tradegate/internal/events"
	"tradegate/internal/ledger"
	"tradegate/internal/market"
	"tradegate/internal/notify"
	"tradegate/internal/risk"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// Archiver receives every attempt that reaches a terminal state.
type Archiver interface {
	Archive(ctx context.Context, a *domain.TradeAttempt) error
}

// Deps are the collaborators an Engine calls. Market, Risk, Broker and Store
// are required; the rest are optional.
type Deps struct {
	Market   market.Provider
	Risk     risk.Classifier
	Broker   broker.Broker
	Store    store.Store
	Notifier notify.Notifier
	Router   *notify.Router
	Archive  Archiver
	Events   *events.Bus
	Meter    metric.Meter
	Logger   *slog.Logger

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string

	// OnFatal is called once when an attempt is halted by an integrity
	// failure. It must not call back into the Engine for that attempt.
	OnFatal func(attemptID string, err error)
}

// Engine orchestrates trade attempts.
type Engine struct {
	cfg      config.EngineConfig
	market   market.Provider
	risk     risk.Classifier
	broker   broker.Broker
	store    store.Store
	ledger   *ledger.Ledger
	notifier notify.Notifier
	router   *notify.Router
	archive  Archiver
	events   *events.Bus
	limiter  *util.KeyedLimiter
	metrics  *metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	onFatal  func(string, error)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      conc.WaitGroup

	mu       sync.Mutex
	closed   bool
	runs     map[string]*run   // attempt id -> live or halted run
	inflight map[string]string // idempotency key -> attempt id
}

// NewEngine creates an Engine wired with the given dependencies.
func NewEngine(cfg config.EngineConfig, d Deps) (*Engine, error) {
	if d.Market == nil || d.Risk == nil || d.Broker == nil || d.Store == nil {
		return nil, errors.New("engine: market, risk, broker and store are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	m, err := newMetrics(d.Meter)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		market:   d.Market,
		risk:     d.Risk,
		broker:   d.Broker,
		store:    d.Store,
		ledger:   ledger.New(d.Store, cfg.AllowShort),
		notifier: d.Notifier,
		router:   d.Router,
		archive:  d.Archive,
		events:   d.Events,
		limiter:  util.NewKeyedLimiter(cfg.SubmissionsPerMinute, max(cfg.SubmissionsPerMinute/6, 1)),
		metrics:  m,
		log:      d.Logger.With("component", "engine"),
		now:      d.Clock,
		newID:    d.NewID,
		onFatal:  d.OnFatal,
		baseCtx:  ctx,
		stop:     stop,
		runs:     make(map[string]*run),
		inflight: make(map[string]string),
	}, nil
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitTrade validates req, records it as Received and starts its
// lifecycle in the background. It returns the attempt as first recorded.
// A request whose idempotency key belongs to a non-terminal attempt is
// rejected with duplicate_in_flight.
func (e *Engine) SubmitTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeAttempt, error) {
	if err := validate(&req); err != nil {
		return domain.TradeAttempt{}, err
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = e.now()
	}
	key := req.Key()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.TradeAttempt{}, errs.New(errs.CodeShuttingDown,
			errs.WithMessage("The trade service is shutting down."),
			errs.WithRemediation("Submit again shortly."))
	}
	if id, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return domain.TradeAttempt{}, errs.New(errs.CodeDuplicateInFlight,
			errs.WithAttempt(id),
			errs.WithMessage("An identical trade is already being processed."),
			errs.WithRemediation("Wait for attempt "+id+" to finish."))
	}
	if !e.limiter.Allow(req.Requester.ID) {
		e.mu.Unlock()
		return domain.TradeAttempt{}, errs.New(errs.CodeThrottled,
			errs.WithMessage("Too many trades submitted."),
			errs.WithRemediation("Wait a minute before submitting again."))
	}
	a := &domain.TradeAttempt{
		ID:             e.newID(),
		IdempotencyKey: key,
		Request:        req,
	}
	r := newRun(e.baseCtx, a, e.now())
	e.inflight[key] = a.ID
	e.runs[a.ID] = r
	e.mu.Unlock()

	// The Received record is written before the caller gets an answer. If
	// it is rejected the attempt is halted with its key held.
	r.mu.Lock()
	ev, ok := e.commitLocked(r, domain.StateReceived, nil, "")
	snap := r.attempt.Clone()
	r.mu.Unlock()
	if !ok {
		close(r.done)
		r.cancel()
		return snap, errs.New(errs.CodeFatal, errs.WithAttempt(a.ID),
			errs.WithMessage("audit write rejected on submission"))
	}

	e.metrics.submitted(ctx)
	e.afterTransition(ctx, snap, ev)
	e.log.Info("trade received",
		"attempt_id", a.ID,
		"user_id", req.Requester.ID,
		"symbol", req.Symbol,
		"quantity", req.Quantity.String(),
	)

	// Start the run under mu so the WaitGroup is never grown while
	// Shutdown is waiting on it.
	e.mu.Lock()
	if !e.closed {
		e.wg.Go(func() { e.drive(r) })
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	e.finish(r, domain.StateAborted, outcomeOf(shuttingDownErr(a.ID)), "", nil)
	close(r.done)
	r.cancel()
	return r.snapshot(), nil
}

func validate(req *domain.TradeRequest) error {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	var problem string
	switch {
	case strings.TrimSpace(req.Requester.ID) == "":
		problem = "requester id is required"
	case req.Symbol == "":
		problem = "symbol is required"
	case req.Quantity.IsZero():
		problem = "quantity must be non-zero"
	case req.LimitPrice != nil && req.LimitPrice.Sign() <= 0:
		problem = "limit price must be positive"
	}
	if problem == "" {
		return nil
	}
	return errs.New(errs.CodeInvalidRequest, errs.WithMessage(problem))
}

// ---------------------------------------------------------------------------
// Confirmation and cancellation
// ---------------------------------------------------------------------------

// ConfirmTrade submits a confirmation token for an attempt awaiting
// confirmation. The token must equal the attempt id. A mismatch returns
// confirmation_mismatch; the configured number of consecutive mismatches
// aborts the attempt.
func (e *Engine) ConfirmTrade(ctx context.Context, attemptID, token string) (domain.TradeAttempt, error) {
	r, err := e.liveRun(ctx, attemptID)
	if err != nil {
		return r.snapshotOr(err)
	}

	r.mu.Lock()
	state := r.attempt.State
	r.mu.Unlock()
	if state != domain.StateAwaitingConfirmation {
		return r.snapshot(), errs.New(errs.CodeInvalidState, errs.WithAttempt(attemptID),
			errs.WithMessage("Attempt is "+string(state)+", not awaiting confirmation."))
	}

	c := confirmation{token: strings.TrimSpace(token), reply: make(chan error, 1)}
	select {
	case r.confirmCh <- c:
	case <-r.done:
		return r.snapshot(), errs.New(errs.CodeInvalidState, errs.WithAttempt(attemptID),
			errs.WithMessage("Attempt is no longer awaiting confirmation."))
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}

	select {
	case err = <-c.reply:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	return r.snapshot(), err
}

// CancelTrade aborts an attempt that has not yet been dispatched for
// execution and waits for the abort to be recorded. Once the attempt is
// Executing, cancellation is refused.
func (e *Engine) CancelTrade(ctx context.Context, attemptID string) (domain.TradeAttempt, error) {
	r, err := e.liveRun(ctx, attemptID)
	if err != nil {
		return r.snapshotOr(err)
	}

	r.mu.Lock()
	switch {
	case r.attempt.Fatal != "":
		r.mu.Unlock()
		return r.snapshot(), errs.New(errs.CodeFatal, errs.WithAttempt(attemptID))
	case !r.attempt.State.Cancellable():
		state := r.attempt.State
		r.mu.Unlock()
		return r.snapshot(), errs.New(errs.CodeCancelRefused, errs.WithAttempt(attemptID),
			errs.WithMessage("The trade is "+string(state)+" and can no longer be cancelled."))
	}
	r.requestCancel()
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
	snap := r.snapshot()
	if snap.State != domain.StateAborted {
		return snap, errs.New(errs.CodeFatal, errs.WithAttempt(attemptID))
	}
	return snap, nil
}

// liveRun returns the run for a non-terminal or halted attempt. For a
// terminal attempt it returns a detached run holding the stored snapshot and
// an invalid_state error.
func (e *Engine) liveRun(ctx context.Context, id string) (*run, error) {
	if r := e.lookup(id); r != nil {
		return r, nil
	}
	a, err := e.store.GetAttempt(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.New(errs.CodeNotFound, errs.WithAttempt(id), errs.WithMessage("Unknown trade attempt."))
		}
		return nil, errs.New(errs.CodeInternal, errs.WithAttempt(id), errs.WithCause(err))
	}
	return &run{attempt: a}, errs.New(errs.CodeInvalidState, errs.WithAttempt(id),
		errs.WithMessage("The trade already finished as "+string(a.State)+"."))
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// AttemptStatus returns a snapshot of an attempt, live or finished.
func (e *Engine) AttemptStatus(ctx context.Context, id string) (domain.TradeAttempt, error) {
	if r := e.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	a, err := e.store.GetAttempt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TradeAttempt{}, errs.New(errs.CodeNotFound, errs.WithAttempt(id), errs.WithMessage("Unknown trade attempt."))
	}
	if err != nil {
		return domain.TradeAttempt{}, err
	}
	return *a, nil
}

// ListAttempts returns a user's most recent attempts.
func (e *Engine) ListAttempts(ctx context.Context, userID string, limit int) ([]domain.TradeAttempt, error) {
	return e.store.ListAttempts(ctx, userID, limit)
}

// AuditTrail returns the audit records of an attempt in append order.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]domain.AuditRecord, error) {
	return e.store.ListAudit(ctx, id)
}

// Position returns the settled position for (userID, symbol).
func (e *Engine) Position(ctx context.Context, userID, symbol string) (domain.Position, error) {
	return e.ledger.Position(ctx, userID, symbol)
}

// Positions returns every settled position of userID.
func (e *Engine) Positions(ctx context.Context, userID string) ([]domain.Position, error) {
	return e.ledger.Positions(ctx, userID)
}

// Await blocks until the attempt's state satisfies pred, the attempt ends
// in a state that does not, or ctx is done.
func (e *Engine) Await(ctx context.Context, id string, pred func(domain.State) bool) (domain.TradeAttempt, error) {
	for {
		r := e.lookup(id)
		if r == nil {
			a, err := e.AttemptStatus(ctx, id)
			if err != nil {
				return a, err
			}
			if !pred(a.State) {
				return a, errs.New(errs.CodeInvalidState, errs.WithAttempt(id),
					errs.WithMessage("The trade finished as "+string(a.State)+"."))
			}
			return a, nil
		}

		r.mu.Lock()
		snap := r.attempt.Clone()
		changed := r.changed
		r.mu.Unlock()

		switch {
		case pred(snap.State):
			return snap, nil
		case snap.Fatal != "":
			return snap, errs.New(errs.CodeFatal, errs.WithAttempt(id))
		case snap.State.Terminal():
			return snap, errs.New(errs.CodeInvalidState, errs.WithAttempt(id),
				errs.WithMessage("The trade finished as "+string(snap.State)+"."))
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Wait blocks until the attempt is terminal.
func (e *Engine) Wait(ctx context.Context, id string) (domain.TradeAttempt, error) {
	return e.Await(ctx, id, domain.State.Terminal)
}

// Events returns the transition bus, or nil if none was configured.
func (e *Engine) Events() *events.Bus { return e.events }

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Shutdown stops accepting submissions, aborts attempts that have not been
// dispatched, and waits for in-flight executions to settle or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees an idempotency key and forgets the run.
func (e *Engine) release(id, key string) {
	e.mu.Lock()
	delete(e.runs, id)
	if e.inflight[key] == id {
		delete(e.inflight, key)
	}
	e.mu.Unlock()
}
