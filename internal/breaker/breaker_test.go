package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	fail := func(context.Context) error { return errBoom }

	for i := 0; i < 3; i++ {
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i)
		}
		_ = b.Do(ctx, fail)
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(ctx, fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return nil })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	*now = now.Add(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	_ = b.Do(ctx, func(context.Context) error { return nil })
	if b.State() != StateHalfOpen {
		t.Fatalf("closed after one success, want two")
	}
	_ = b.Do(ctx, func(context.Context) error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	*now = now.Add(31 * time.Second)
	_ = b.Do(ctx, func(context.Context) error { return errBoom })

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	// Timer restarted: still open just before the new deadline.
	*now = now.Add(29 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("open timer was not reset")
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold:       1,
		SuccessThreshold:       2,
		OpenDuration:           time.Second,
		HalfOpenMaxConcurrency: 1,
	})
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	*now = now.Add(2 * time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to occupy the slot.
	deadline := time.After(time.Second)
	for b.State() != StateHalfOpen || b.Allow() {
		select {
		case <-deadline:
			t.Fatal("probe never occupied the half-open slot")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := b.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrTooManyProbes) {
		t.Fatalf("second probe err = %v, want ErrTooManyProbes", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe err = %v", err)
	}
}
