package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	cause := errors.New("boom")
	e := New(CodeExecutionFailed,
		WithMessage(" backend exploded "),
		WithRemediation("retry as a new trade"),
		WithAttempt("a-1"),
		WithCause(cause),
	)

	got := e.Error()
	for _, want := range []string{
		"code=execution_failed",
		"attempt=a-1",
		`message="backend exploded"`,
		`remediation="retry as a new trade"`,
		`cause="boom"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should see the cause through Unwrap")
	}
}

func TestCodeOfWrapped(t *testing.T) {
	e := New(CodeDuplicateInFlight)
	wrapped := fmt.Errorf("submit: %w", e)
	if CodeOf(wrapped) != CodeDuplicateInFlight {
		t.Errorf("CodeOf = %q, want %q", CodeOf(wrapped), CodeDuplicateInFlight)
	}
	if !Is(wrapped, CodeDuplicateInFlight) {
		t.Error("Is should match wrapped code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
	if Is(nil, CodeFatal) {
		t.Error("Is(nil) should be false")
	}
}

func TestPublicMasksInternal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"user code kept", New(CodeLedgerPolicy, WithMessage("short selling disabled")), CodeLedgerPolicy},
		{"conflict masked", New(CodeLedgerConflict, WithAttempt("a-9")), CodeInternal},
		{"fatal masked", New(CodeFatal), CodeInternal},
		{"plain masked", errors.New("sql: database is closed"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Public(tt.err)
			if got.Code != tt.want {
				t.Errorf("Public().Code = %q, want %q", got.Code, tt.want)
			}
			if got.Unwrap() != nil {
				t.Error("Public() must not expose the cause")
			}
		})
	}

	if Public(New(CodeFatal, WithAttempt("a-9"))).AttemptID != "a-9" {
		t.Error("Public() should keep the attempt id")
	}
	if Public(nil) != nil {
		t.Error("Public(nil) should be nil")
	}
}
