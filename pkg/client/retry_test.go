package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var quietLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", config.MaxAttempts)
	}
	if config.InitialBackoff != 600*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 600ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigFrom(t *testing.T) {
	rc := retryConfigFrom(Config{MaxRetries: 0})
	if rc.MaxAttempts != 1 {
		t.Errorf("MaxRetries=0 -> MaxAttempts = %d, want 1", rc.MaxAttempts)
	}

	rc = retryConfigFrom(Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	if rc.MaxAttempts != 3 || rc.InitialBackoff != time.Millisecond || rc.MaxBackoff != 5*time.Millisecond {
		t.Errorf("retryConfigFrom() = %+v", rc)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	rc := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		min, max   time.Duration
	}{
		{name: "first retry", attempt: 1, min: 80 * time.Millisecond, max: 120 * time.Millisecond},
		{name: "second retry", attempt: 2, min: 160 * time.Millisecond, max: 240 * time.Millisecond},
		{name: "capped", attempt: 10, min: 800 * time.Millisecond, max: time.Second},
		{name: "retry-after wins", attempt: 1, retryAfter: 300 * time.Millisecond, min: 300 * time.Millisecond, max: 300 * time.Millisecond},
		{name: "retry-after capped", attempt: 1, retryAfter: time.Hour, min: time.Second, max: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				got := rc.backoff(tt.attempt, tt.retryAfter)
				if got < tt.min || got > tt.max {
					t.Fatalf("backoff(%d, %v) = %v, want [%v, %v]", tt.attempt, tt.retryAfter, got, tt.min, tt.max)
				}
			}
		})
	}
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryWithBackoff_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), quietLogger, func(int) attemptOutcome {
		calls++
		if calls < 3 {
			return attemptOutcome{err: errors.New("boom"), class: ErrorClassServer}
		}
		return attemptOutcome{}
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_NoRetryForClientErrors(t *testing.T) {
	calls := 0
	want := errors.New("bad request")
	err := retryWithBackoff(context.Background(), fastRetry(5), quietLogger, func(int) attemptOutcome {
		calls++
		return attemptOutcome{err: want, class: ErrorClassClient}
	})

	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	calls := 0
	inner := &TransportError{URL: "http://x", Err: errors.New("connection refused")}
	err := retryWithBackoff(context.Background(), fastRetry(3), quietLogger, func(int) attemptOutcome {
		calls++
		return attemptOutcome{err: inner, class: ErrorClassNetwork}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Error("exhausted error should still expose *TransportError")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_SingleAttemptReturnsErrorAsIs(t *testing.T) {
	inner := &TransportError{URL: "http://x", Err: errors.New("reset")}
	err := retryWithBackoff(context.Background(), fastRetry(1), quietLogger, func(int) attemptOutcome {
		return attemptOutcome{err: inner, class: ErrorClassNetwork}
	})

	if err != inner {
		t.Errorf("error = %v, want the attempt error unchanged", err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rc := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 2}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, rc, quietLogger, func(int) attemptOutcome {
		calls++
		return attemptOutcome{err: errors.New("503"), class: ErrorClassServer}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
