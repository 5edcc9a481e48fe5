package tradegate

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"tradegate/internal/api"
	"tradegate/internal/domain"
	"tradegate/internal/events"
	"tradegate/internal/util"
)

func TestNewClient(t *testing.T) {
	baseURL := "http://localhost:8080"
	c := NewClient(baseURL)
	require.NotNil(t, c)
	assert.Equal(t, baseURL, c.baseURL)
	assert.NotNil(t, c.http)
}

func TestSubmitSendsWaitAndDecodes(t *testing.T) {
	var got api.SubmitTradeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/trades", r.URL.Path)
		assert.Equal(t, "5s", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.AttemptResponse{Attempt: domain.TradeAttempt{ID: "a1", State: domain.StateSettled}})
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL).Submit(context.Background(), SubmitTradeRequest{
		UserID:   "U1",
		Symbol:   "AAPL",
		Quantity: decimal.NewFromInt(3),
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, domain.StateSettled, a.State)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(3)))
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trades/a1/confirm", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.ErrorJSON{
			Code:        "confirmation_mismatch",
			Message:     "The confirmation token does not match this trade.",
			Remediation: "Confirm with the attempt id.",
			AttemptID:   "a1",
		}})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Confirm(context.Background(), "a1", "bad")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "confirmation_mismatch", apiErr.Code)
	assert.Equal(t, "a1", apiErr.AttemptID)
	assert.Contains(t, err.Error(), "does not match")
}

func TestReadEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/{user}/positions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.PositionsResponse{UserID: r.PathValue("user"), Positions: []domain.Position{
			{UserID: r.PathValue("user"), Symbol: "AAPL", Quantity: decimal.NewFromInt(7)},
		}})
	})
	mux.HandleFunc("GET /api/v1/users/{user}/trades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(api.TradesResponse{Trades: []domain.TradeAttempt{{ID: "a2"}, {ID: "a1"}}})
	})
	mux.HandleFunc("GET /api/v1/trades/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.AuditResponse{AttemptID: r.PathValue("id"), Records: []domain.AuditRecord{
			{AttemptID: r.PathValue("id"), To: domain.StateReceived},
		}})
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	positions, err := c.Positions(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "U1", positions[0].UserID)

	trades, err := c.Trades(ctx, "U1", 2)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	recs, err := c.Audit(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StateReceived, recs[0].To)
}

func TestStreamEventsFiltersByUser(t *testing.T) {
	bus := events.NewBus()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	api.NewTradeService(nil, bus, util.Discard()).RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan TransitionEvent, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- streamEvents(ctx, conn, "U1", func(ev TransitionEvent) error {
			got <- ev
			if ev.To.Terminal() {
				cancel()
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(domain.TransitionEvent{AttemptID: "x", UserID: "U2", To: domain.StateReceived})
	bus.Publish(domain.TransitionEvent{AttemptID: "a1", UserID: "U1", To: domain.StateReceived})
	bus.Publish(domain.TransitionEvent{AttemptID: "a1", UserID: "U1", To: domain.StateSettled})

	assert.NoError(t, <-errCh)
	require.Len(t, got, 2)
	first := <-got
	assert.Equal(t, "a1", first.AttemptID)
	assert.Equal(t, domain.StateReceived, first.To)
}
