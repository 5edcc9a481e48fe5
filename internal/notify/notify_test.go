package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

func sampleAlert() Alert {
	lp := decimal.NewFromInt(250)
	return Alert{
		AttemptID:    "a1",
		UserID:       "U123",
		SupervisorID: "U999",
		Symbol:       "TST",
		Side:         "buy",
		Quantity:     decimal.NewFromInt(1000),
		LimitPrice:   &lp,
		Assessment:   domain.RiskAssessment{Tier: domain.RiskHigh, Score: 0.9, Rationale: "Large notional."},
		Degraded:     []string{domain.DegradedMarketData},
		At:           time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestAlertText(t *testing.T) {
	text := sampleAlert().Text()
	for _, want := range []string{"U123 wants to buy 1000 TST @ 250", "high (score 0.90)", "market_data", "Attempt: a1"} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}
}

func TestAlertFor(t *testing.T) {
	a := &domain.TradeAttempt{
		ID:         "a7",
		Request:    domain.TradeRequest{Requester: domain.Requester{ID: "U1"}, Symbol: "tst", Quantity: decimal.NewFromInt(-3)},
		Assessment: &domain.RiskAssessment{Tier: domain.RiskHigh},
	}
	al := AlertFor(a, "S1", time.Now())
	if al.Side != "sell" || !al.Quantity.Equal(decimal.NewFromInt(3)) || al.Symbol != "TST" || al.SupervisorID != "S1" {
		t.Errorf("AlertFor = %+v", al)
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter("#risk", map[string]string{"U2": "S-user"}, map[string]string{"analyst": "S-analyst", "bogus": "x"})

	tests := []struct {
		name string
		req  domain.Requester
		want string
	}{
		{"explicit supervisor", domain.Requester{ID: "U2", SupervisorID: "S-own"}, "S-own"},
		{"per user", domain.Requester{ID: "U2", Roles: []domain.Role{domain.RoleAnalyst}}, "S-user"},
		{"per role", domain.Requester{ID: "U3", Roles: []domain.Role{domain.RoleTrader, domain.RoleAnalyst}}, "S-analyst"},
		{"default", domain.Requester{ID: "U4"}, "#risk"},
	}
	for _, tt := range tests {
		if got := r.Resolve(tt.req); got != tt.want {
			t.Errorf("%s: Resolve = %q, want %q", tt.name, got, tt.want)
		}
	}
	if len(r.ByRole) != 1 {
		t.Errorf("unknown role key kept: %v", r.ByRole)
	}
}

func TestSlackNotifier(t *testing.T) {
	var mu sync.Mutex
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		form = r.PostForm
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"channel":"U999","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", srv.URL+"/")
	if err := n.NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("NotifyHighRisk: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if form.Get("channel") != "U999" {
		t.Errorf("channel = %q, want U999", form.Get("channel"))
	}
	if !strings.Contains(form.Get("text"), "Attempt: a1") {
		t.Errorf("text = %q", form.Get("text"))
	}

	a := sampleAlert()
	a.SupervisorID = ""
	if err := n.NotifyHighRisk(context.Background(), a); err == nil {
		t.Error("missing supervisor should fail")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, time.Second).NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("NotifyHighRisk: %v", err)
	}
	if got["attempt_id"] != "a1" || got["supervisor_id"] != "U999" {
		t.Errorf("payload = %v", got)
	}
	if text, _ := got["text"].(string); !strings.Contains(text, "TST") {
		t.Errorf("payload text = %v", got["text"])
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()
	if err := NewWebhookNotifier(failing.URL, time.Second).NotifyHighRisk(context.Background(), sampleAlert()); err == nil {
		t.Error("5xx should fail")
	}
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) NotifyHighRisk(context.Context, Alert) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	bad := &stubNotifier{err: errors.New("down")}
	good := &stubNotifier{}
	after := &stubNotifier{}
	if err := (Multi{bad, good, after}).NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Multi: %v", err)
	}
	if bad.calls != 1 || good.calls != 1 || after.calls != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", bad.calls, good.calls, after.calls)
	}

	if err := (Multi{bad}).NotifyHighRisk(context.Background(), sampleAlert()); err == nil {
		t.Error("all failing should fail")
	}
	if err := (Multi{}).NotifyHighRisk(context.Background(), sampleAlert()); err == nil {
		t.Error("empty Multi should fail")
	}

	logged := NewLogNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := logged.NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Errorf("LogNotifier: %v", err)
	}
}

func TestMultiLogDoesNotMaskFailedDelivery(t *testing.T) {
	var buf strings.Builder
	logged := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	down := &stubNotifier{err: errors.New("slack down")}

	err := (Multi{down, logged}).NotifyHighRisk(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "slack down") {
		t.Fatalf("err = %v, want the slack failure", err)
	}
	if !strings.Contains(buf.String(), "attempt_id=a1") {
		t.Errorf("log notifier did not run: %q", buf.String())
	}

	up := &stubNotifier{}
	if err := (Multi{down, up, logged}).NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Errorf("second channel delivered, got %v", err)
	}
	if err := (Multi{logged}).NotifyHighRisk(context.Background(), sampleAlert()); err != nil {
		t.Errorf("log only: %v", err)
	}
}
