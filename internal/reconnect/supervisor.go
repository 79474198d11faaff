// Package reconnect bounds and paces reconnection attempts after an
// unexpected connection loss.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// ErrAttemptsExhausted is returned by [Supervisor.Run] when every attempt failed.
var ErrAttemptsExhausted = errors.New("reconnect: attempts exhausted")

// ErrStopped is returned by [Supervisor.Run] after [Supervisor.Stop].
var ErrStopped = errors.New("reconnect: supervisor stopped")

// Config configures a [Supervisor].
type Config struct {
	// Name identifies the supervised connection in logs.
	Name string

	// MaxAttempts bounds the number of attempts per [Supervisor.Run].
	// Defaults to 5 if zero.
	MaxAttempts int

	// Backoff is the per-attempt delay step: attempt n waits n×Backoff.
	// Defaults to 2s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnAttempt is called before the backoff sleep of every attempt. May be nil.
	OnAttempt func(attempt, maxAttempts int, delay time.Duration)
}

// Supervisor runs a bounded series of reconnection attempts with a linear,
// capped backoff. The attempt counter resets to zero after any success.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	name        string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	onAttempt   func(attempt, maxAttempts int, delay time.Duration)

	mu       sync.Mutex
	attempts int
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a [Supervisor] with the given configuration.
func New(cfg Config) *Supervisor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Supervisor{
		name:        cfg.Name,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onAttempt:   cfg.OnAttempt,
		done:        make(chan struct{}),
	}
}

// MaxAttempts returns the attempt bound.
func (s *Supervisor) MaxAttempts() int { return s.maxAttempts }

// Delay returns the backoff before the given 1-based attempt.
func (s *Supervisor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(attempt) * s.backoff
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	return d
}

// Attempts returns the number of attempts made in the current run, or zero
// after a success or [Supervisor.Reset].
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Reset zeroes the attempt counter. Call it after a connection opened by
// other means than [Supervisor.Run].
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Run calls attempt until it succeeds, the bound is reached, ctx is
// cancelled, or [Supervisor.Stop] is called. Each attempt is preceded by a
// cancellable backoff sleep. When all attempts fail the returned error wraps
// both [ErrAttemptsExhausted] and the last attempt error.
func (s *Supervisor) Run(ctx context.Context, attempt func(context.Context) error) error {
	var lastErr error
	for n := 1; n <= s.maxAttempts; n++ {
		s.mu.Lock()
		s.attempts = n
		s.mu.Unlock()

		delay := s.Delay(n)
		if s.onAttempt != nil {
			s.onAttempt(n, s.maxAttempts, delay)
		}
		slog.Info("reconnect: attempting",
			"name", s.name,
			"attempt", n,
			"max_attempts", s.maxAttempts,
			"backoff", delay,
		)

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}

		err := attempt(ctx)
		if err == nil {
			s.Reset()
			slog.Info("reconnect: succeeded", "name", s.name, "attempt", n)
			return nil
		}
		lastErr = err
		slog.Warn("reconnect: attempt failed", "name", s.name, "attempt", n, "err", err)
	}

	slog.Error("reconnect: giving up", "name", s.name, "max_attempts", s.maxAttempts)
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, s.maxAttempts, lastErr)
}

// Stop cancels any in-flight backoff sleep and makes future runs return
// [ErrStopped]. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	case <-t.C:
		return nil
	}
}
