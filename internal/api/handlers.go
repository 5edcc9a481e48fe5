package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"tradegate/internal/domain"
	"tradegate/internal/errs"
)

const (
	maxBodyBytes = 1 << 16
	maxWait      = time.Minute
)

// Engine is the subset of the trade engine the transports call.
type Engine interface {
	SubmitTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeAttempt, error)
	ConfirmTrade(ctx context.Context, attemptID, token string) (domain.TradeAttempt, error)
	CancelTrade(ctx context.Context, attemptID string) (domain.TradeAttempt, error)
	AttemptStatus(ctx context.Context, attemptID string) (domain.TradeAttempt, error)
	Wait(ctx context.Context, attemptID string) (domain.TradeAttempt, error)
	AuditTrail(ctx context.Context, attemptID string) ([]domain.AuditRecord, error)
	Positions(ctx context.Context, userID string) ([]domain.Position, error)
	ListAttempts(ctx context.Context, userID string, limit int) ([]domain.TradeAttempt, error)
}

// RegisterRoutes registers all HTTP routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/trades", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/trades/{id}", s.handleStatus)
	mux.HandleFunc("POST /api/v1/trades/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/v1/trades/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/trades/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /api/v1/users/{user}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/users/{user}/trades", s.handleTrades)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.hub != nil {
		mux.Handle("GET /ws", s.hub)
	}
}

// Handler returns the HTTP handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), ErrorResponse{Error: errorJSON(err)})
}

// httpStatus maps an error code onto an HTTP status.
func httpStatus(err error) int {
	switch errs.Public(err).Code {
	case errs.CodeInvalidRequest:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidState, errs.CodeCancelRefused, errs.CodeDuplicateInFlight:
		return http.StatusConflict
	case errs.CodeThrottled:
		return http.StatusTooManyRequests
	case errs.CodeShuttingDown:
		return http.StatusServiceUnavailable
	case errs.CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errs.New(errs.CodeInvalidRequest, errs.WithMessage("malformed JSON body"), errs.WithCause(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitTradeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.TradeRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := s.engine.SubmitTrade(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	// ?wait=10s blocks until the attempt is terminal or the wait elapses.
	if wait := r.URL.Query().Get("wait"); wait != "" {
		d, perr := time.ParseDuration(wait)
		if perr != nil || d <= 0 {
			d = maxWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), min(d, maxWait))
		defer cancel()
		final, werr := s.engine.Wait(ctx, a.ID)
		switch {
		case werr == nil:
			writeJSON(w, http.StatusOK, AttemptResponse{Attempt: final})
			return
		case errors.Is(werr, context.DeadlineExceeded):
			writeJSON(w, http.StatusAccepted, AttemptResponse{Attempt: final})
			return
		default:
			writeError(w, werr)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, AttemptResponse{Attempt: a})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.AttemptStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body ConfirmRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.engine.ConfirmTrade(r.Context(), r.PathValue("id"), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.CancelTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.AttemptStatus(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.engine.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{AttemptID: id, Records: recs})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	positions, err := s.engine.Positions(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, PositionsResponse{UserID: user, Positions: positions})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errs.New(errs.CodeInvalidRequest, errs.WithMessage("limit must be a positive integer")))
			return
		}
		limit = min(n, 500)
	}
	trades, err := s.engine.ListAttempts(r.Context(), user, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []domain.TradeAttempt{}
	}
	writeJSON(w, http.StatusOK, TradesResponse{UserID: user, Trades: trades})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.hub != nil {
		resp.Subscribers = s.hub.Clients()
		resp.Dropped = s.hub.bus.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}
