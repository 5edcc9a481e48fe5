package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTradeRequestKey(t *testing.T) {
	ts := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	req := TradeRequest{
		Requester:   Requester{ID: "U123"},
		Symbol:      "tst",
		Quantity:    decimal.NewFromInt(10),
		SubmittedAt: ts,
	}

	got := req.Key()
	if !strings.HasPrefix(got, "U123|TST|") {
		t.Errorf("Key() = %q, want prefix %q", got, "U123|TST|")
	}
	if again := req.Key(); again != got {
		t.Errorf("Key() not stable: %q != %q", again, got)
	}

	req.SubmittedAt = ts.Add(time.Nanosecond)
	if req.Key() == got {
		t.Error("Key() should change with submission timestamp")
	}

	req.IdempotencyKey = "  client-key  "
	if req.Key() != "client-key" {
		t.Errorf("Key() = %q, want caller-supplied %q", req.Key(), "client-key")
	}
}

func TestTradeRequestSide(t *testing.T) {
	buy := TradeRequest{Quantity: decimal.NewFromInt(5)}
	sell := TradeRequest{Quantity: decimal.NewFromInt(-5)}
	if buy.Side() != "buy" {
		t.Errorf("Side() = %q, want buy", buy.Side())
	}
	if sell.Side() != "sell" {
		t.Errorf("Side() = %q, want sell", sell.Side())
	}
}

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state       State
		terminal    bool
		cancellable bool
	}{
		{StateReceived, false, true},
		{StateEnriched, false, true},
		{StateAssessed, false, true},
		{StateAwaitingConfirmation, false, true},
		{StateReadyToExecute, false, true},
		{StateExecuting, false, false},
		{StateSettled, true, false},
		{StateFailed, true, false},
		{StateAborted, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.Cancellable(); got != tt.cancellable {
			t.Errorf("%s.Cancellable() = %v, want %v", tt.state, got, tt.cancellable)
		}
	}
}

func TestRiskTier(t *testing.T) {
	tier, err := ParseRiskTier(" HIGH ")
	if err != nil || tier != RiskHigh {
		t.Fatalf("ParseRiskTier(HIGH) = %q, %v", tier, err)
	}
	if _, err := ParseRiskTier("extreme"); err == nil {
		t.Error("ParseRiskTier(extreme) should fail")
	}
	if !RiskMedium.AtLeast(RiskMedium) || RiskLow.AtLeast(RiskMedium) || !RiskHigh.AtLeast(RiskMedium) {
		t.Error("AtLeast ordering is wrong")
	}
	if RiskMedium.RequiresConfirmation() || !RiskHigh.RequiresConfirmation() {
		t.Error("only high tier requires confirmation")
	}
}

func TestFillFor(t *testing.T) {
	req := TradeRequest{Quantity: decimal.NewFromInt(-10)}
	res := ExecutionResult{
		Status:    ExecPartial,
		FilledQty: decimal.NewFromInt(4),
		FillPrice: decimal.NewFromFloat(12.5),
		Reference: "sim-1",
	}
	fill := FillFor("a1", req, res)
	if !fill.Quantity.Equal(decimal.NewFromInt(-4)) {
		t.Errorf("fill.Quantity = %s, want -4", fill.Quantity)
	}
	if fill.AttemptID != "a1" || fill.Reference != "sim-1" {
		t.Errorf("fill ids = %q/%q", fill.AttemptID, fill.Reference)
	}
}

func TestAttemptCloneIsDeep(t *testing.T) {
	lp := decimal.NewFromInt(100)
	a := &TradeAttempt{
		ID:          "a1",
		Request:     TradeRequest{LimitPrice: &lp, Requester: Requester{Roles: []Role{RoleTrader}}},
		Degraded:    []string{DegradedRisk},
		Assessment:  &RiskAssessment{Tier: RiskMedium, Recommendations: []string{"size down"}},
		Transitions: []Transition{{From: "", To: StateReceived}},
	}

	c := a.Clone()
	c.Degraded[0] = "changed"
	c.Assessment.Recommendations[0] = "changed"
	c.Transitions[0].To = StateAborted
	*c.Request.LimitPrice = decimal.NewFromInt(1)
	c.Request.Requester.Roles[0] = RoleAdmin

	if a.Degraded[0] != DegradedRisk {
		t.Error("Clone shares Degraded slice")
	}
	if a.Assessment.Recommendations[0] != "size down" {
		t.Error("Clone shares Recommendations slice")
	}
	if a.Transitions[0].To != StateReceived {
		t.Error("Clone shares Transitions slice")
	}
	if !a.Request.LimitPrice.Equal(decimal.NewFromInt(100)) {
		t.Error("Clone shares LimitPrice pointer")
	}
	if a.Request.Requester.Roles[0] != RoleTrader {
		t.Error("Clone shares Roles slice")
	}
}

func TestResultConstructors(t *testing.T) {
	ok := Ok(42)
	if !ok.OK || ok.Value != 42 {
		t.Errorf("Ok(42) = %+v", ok)
	}
	un := Unavailable[int]("timeout")
	if un.OK || un.Reason != "timeout" {
		t.Errorf("Unavailable = %+v", un)
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("Supervisor"); !ok || r != RoleSupervisor {
		t.Errorf("ParseRole(Supervisor) = %q, %v", r, ok)
	}
	if _, ok := ParseRole("intern"); ok {
		t.Error("ParseRole(intern) should fail")
	}
	req := Requester{Roles: []Role{RoleAnalyst}}
	if !req.HasRole(RoleAnalyst) || req.HasRole(RoleAdmin) {
		t.Error("HasRole mismatch")
	}
}
