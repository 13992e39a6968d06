package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GateState represents the state of a retry gate
type GateState int

const (
	StateReady GateState = iota
	StateWaiting
	StateSucceeded
)

func (s GateState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// RetryGateStats provides metrics about gate operation
type RetryGateStats struct {
	State           GateState `json:"state"`
	Attempts        int64     `json:"attempts"`
	Failures        int64     `json:"failures"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	NextRetryTime   time.Time `json:"next_retry_time,omitempty"`
}

// RetryGate paces attempts of an operation at a fixed delay without ever
// giving up. Callers ask Ready before each attempt instead of sleeping, so a
// failing operation never blocks unrelated work.
//
// Usage:
//
//	gate := NewRetryGate("bind /tmp/touchstone/ns-pod/.client", 5*time.Second, logger)
//	if gate.Ready() {
//	    if err := bind(); err != nil {
//	        gate.Failure(err)
//	    } else {
//	        gate.Success()
//	    }
//	}
type RetryGate struct {
	name    string
	delay   time.Duration
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu              sync.Mutex
	state           GateState
	attempts        int64
	failures        int64
	lastFailureTime time.Time
	lastErr         error
}

// NewRetryGate creates a gate allowing one attempt immediately and then at
// most one attempt per delay.
func NewRetryGate(name string, delay time.Duration, logger *zap.Logger) *RetryGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryGate{
		name:    name,
		delay:   delay,
		logger:  logger.Named("retry-gate").With(zap.String("name", name)),
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		now:     time.Now,
		state:   StateReady,
	}
}

// Ready reports whether an attempt may be made now and, if so, consumes it
func (g *RetryGate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateSucceeded {
		return true
	}
	if !g.limiter.AllowN(g.now(), 1) {
		g.state = StateWaiting
		return false
	}
	g.state = StateReady
	g.attempts++
	return true
}

// Failure records a failed attempt
func (g *RetryGate) Failure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.lastErr = err
	g.lastFailureTime = g.now()
	g.state = StateWaiting

	g.logger.Warn("Attempt failed, will retry",
		zap.Int64("attempts", g.attempts),
		zap.Duration("retry_in", g.delay),
		zap.Error(err))
}

// Success records a successful attempt; the gate stays open afterwards
func (g *RetryGate) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failures > 0 {
		g.logger.Info("Attempt succeeded after retries", zap.Int64("attempts", g.attempts))
	}
	g.state = StateSucceeded
}

// LastError returns the most recent failure, wrapped with the gate name
func (g *RetryGate) LastError() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastErr == nil {
		return nil
	}
	return &RetryGateError{Name: g.name, Attempts: g.attempts, Cause: g.lastErr}
}

// GetStats returns a snapshot of the gate
func (g *RetryGate) GetStats() RetryGateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := RetryGateStats{
		State:           g.state,
		Attempts:        g.attempts,
		Failures:        g.failures,
		LastFailureTime: g.lastFailureTime,
	}
	if g.lastErr != nil {
		stats.LastError = g.lastErr.Error()
	}
	if g.state == StateWaiting && !g.lastFailureTime.IsZero() {
		stats.NextRetryTime = g.lastFailureTime.Add(g.delay)
	}
	return stats
}

// RetryGateError reports the last failure seen by a gate
type RetryGateError struct {
	Name     string
	Attempts int64
	Cause    error
}

func (e *RetryGateError) Error() string {
	return fmt.Sprintf("retry gate '%s' after %d attempt(s): %v", e.Name, e.Attempts, e.Cause)
}

func (e *RetryGateError) Unwrap() error {
	return e.Cause
}
