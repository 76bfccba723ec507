// Package breaker provides per-dependency failure isolation for the
// retrieval pipeline's external calls.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	ErrOpen          = errors.New("circuit breaker open")
	ErrTooManyProbes = errors.New("too many half-open probes")
)

type Config struct {
	FailureThreshold       int           // consecutive failures before opening
	SuccessThreshold       int           // consecutive half-open successes before closing
	OpenDuration           time.Duration // time spent open before probing
	HalfOpenMaxConcurrency int
	OnStateChange          func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:       3,
		SuccessThreshold:       2,
		OpenDuration:           30 * time.Second,
		HalfOpenMaxConcurrency: 1,
	}
}

// Breaker is a closed -> open -> half_open state machine guarding one
// dependency. State is process-local and observable.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenMaxConcurrency <= 0 {
		cfg.HalfOpenMaxConcurrency = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half_open once the
// open duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Allow reports whether a call may proceed right now without running it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.probes < b.cfg.HalfOpenMaxConcurrency
	}
	return false
}

// Do runs fn under the breaker. Short-circuits with ErrOpen when open;
// admits a bounded number of probes when half-open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		return ErrOpen
	default: // half-open
		if b.probes >= b.cfg.HalfOpenMaxConcurrency {
			return ErrTooManyProbes
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}

	if err != nil {
		b.successes = 0
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			// Any probe failure reopens and restarts the timer.
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// maybeProbe flips open to half_open after the open duration. Callers
// must hold the mutex.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
		b.probes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
		b.probes = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Reset forces the breaker closed. Used by tests and admin tooling.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
}
