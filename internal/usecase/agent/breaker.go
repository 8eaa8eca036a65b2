package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breaker wraps gobreaker with a decaying failure counter: each failure adds
// one, each success removes one. The circuit opens once the counter reaches
// maxFailures, rejects work for resetTime, then lets a single probe through.
type breaker struct {
	cb          *gobreaker.CircuitBreaker[struct{}]
	maxFailures int

	mu       sync.Mutex
	failures int
	openedAt time.Time
	// settled is closed when a half-open period ends.
	settled chan struct{}
}

func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *breaker {
	b := &breaker{maxFailures: cfg.MaxFailures}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "agent:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cfg.ResetTime,
		ReadyToTrip: func(gobreaker.Counts) bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.failures >= b.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			if from == gobreaker.StateHalfOpen && b.settled != nil {
				close(b.settled)
				b.settled = nil
			}
			switch to {
			case gobreaker.StateHalfOpen:
				b.settled = make(chan struct{})
			case gobreaker.StateOpen:
				b.openedAt = time.Now()
			case gobreaker.StateClosed:
				b.failures = 0
				b.openedAt = time.Time{}
			}
			b.mu.Unlock()
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// IsSuccessful runs before gobreaker evaluates ReadyToTrip, so the
		// decaying counter is current when the trip decision is made.
		IsSuccessful: func(err error) bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			if err == nil {
				if b.failures > 0 {
					b.failures--
				}
				return true
			}
			b.failures++
			return false
		},
	})
	return b
}

// Execute runs fn through the breaker. An open circuit yields errOpen without calling fn.
func (b *breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// IsOpen reports whether the circuit currently rejects work.
func (b *breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Busy reports whether new work would be turned away: the circuit is open,
// or it is half-open and the probe is already running.
func (b *breaker) Busy() bool {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return true
	case gobreaker.StateHalfOpen:
		return b.cb.Counts().Requests >= 1
	}
	return false
}

// waitSettled blocks while the circuit is half-open.
func (b *breaker) waitSettled(ctx context.Context) error {
	b.cb.State()
	b.mu.Lock()
	ch := b.settled
	b.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the breaker state for monitoring.
func (b *breaker) State() gobreaker.State {
	return b.cb.State()
}

// Failures returns the current decayed failure count.
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenedAt returns when the circuit last opened, or zero when closed.
func (b *breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}
