package resilience

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, delay time.Duration) (*RetryGate, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	gate := NewRetryGate("test", delay, zaptest.NewLogger(t))
	gate.now = clock.Now
	return gate, clock
}

func TestRetryGateFirstAttemptImmediate(t *testing.T) {
	gate, _ := newTestGate(t, 5*time.Second)

	if !gate.Ready() {
		t.Fatal("first attempt should be allowed immediately")
	}
	if got := gate.GetStats().Attempts; got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestRetryGatePacesFailures(t *testing.T) {
	gate, clock := newTestGate(t, 5*time.Second)

	if !gate.Ready() {
		t.Fatal("first attempt should be allowed")
	}
	gate.Failure(errors.New("address in use"))

	if gate.Ready() {
		t.Fatal("retry before delay should be refused")
	}
	if state := gate.GetStats().State; state != StateWaiting {
		t.Errorf("expected waiting state, got %s", state)
	}

	clock.Advance(2 * time.Second)
	if gate.Ready() {
		t.Fatal("retry before delay should still be refused")
	}

	clock.Advance(3 * time.Second)
	if !gate.Ready() {
		t.Fatal("retry after delay should be allowed")
	}

	stats := gate.GetStats()
	if stats.Attempts != 2 || stats.Failures != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRetryGateNeverGivesUp(t *testing.T) {
	gate, clock := newTestGate(t, time.Second)

	for i := 0; i < 50; i++ {
		if !gate.Ready() {
			t.Fatalf("attempt %d refused after waiting a full delay", i)
		}
		gate.Failure(errors.New("busy"))
		clock.Advance(time.Second)
	}

	if got := gate.GetStats().Failures; got != 50 {
		t.Errorf("expected 50 failures, got %d", got)
	}
}

func TestRetryGateSuccessKeepsGateOpen(t *testing.T) {
	gate, _ := newTestGate(t, time.Hour)

	gate.Ready()
	gate.Success()

	for i := 0; i < 3; i++ {
		if !gate.Ready() {
			t.Fatal("gate should stay open after success")
		}
	}
	if gate.LastError() != nil {
		t.Errorf("expected no last error, got %v", gate.LastError())
	}
}

func TestRetryGateLastError(t *testing.T) {
	gate, _ := newTestGate(t, time.Second)
	cause := errors.New("permission denied")

	gate.Ready()
	gate.Failure(cause)

	err := gate.LastError()
	if err == nil {
		t.Fatal("expected last error")
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected error to wrap cause, got %v", err)
	}
	var gateErr *RetryGateError
	if !errors.As(err, &gateErr) || gateErr.Attempts != 1 {
		t.Errorf("unexpected gate error: %v", err)
	}
}

func TestGateStateString(t *testing.T) {
	tests := []struct {
		state GateState
		want  string
	}{
		{StateReady, "ready"},
		{StateWaiting, "waiting"},
		{StateSucceeded, "succeeded"},
		{GateState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("GateState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
