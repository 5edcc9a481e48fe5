package telemetry

import (
	"context"
	"testing"

	"tradegate/internal/config"
)

func TestNoopWithoutEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	c, err := p.Meter("test").Int64Counter("x")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	c.Add(context.Background(), 1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	for in, want := range map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		" collector:4318 ":       "collector:4318",
	} {
		if got := stripScheme(in); got != want {
			t.Errorf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
