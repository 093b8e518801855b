package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker(rps float64) *Tracker {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(nil, rps, logger)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "empty", value: "", wantOK: false},
		{name: "seconds", value: "3", want: 3 * time.Second, wantOK: true},
		{name: "fractional seconds", value: "0.5", want: 500 * time.Millisecond, wantOK: true},
		{name: "negative", value: "-1", wantOK: false},
		{name: "http date", value: now.Add(7 * time.Second).Format(http.TimeFormat), want: 7 * time.Second, wantOK: true},
		{name: "date in the past", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, wantOK: true},
		{name: "garbage", value: "soon", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK {
				t.Fatalf("ParseRetryAfter(%q) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestUpdateFromResponse(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		retryAfter   string
		wantCooldown time.Duration
	}{
		{name: "ok response ignored", status: http.StatusOK, retryAfter: "10", wantCooldown: 0},
		{name: "429 with retry-after", status: http.StatusTooManyRequests, retryAfter: "2", wantCooldown: 2 * time.Second},
		{name: "429 without retry-after", status: http.StatusTooManyRequests, wantCooldown: DefaultCooldown},
		{name: "503 with retry-after", status: http.StatusServiceUnavailable, retryAfter: "1", wantCooldown: time.Second},
		{name: "503 without retry-after", status: http.StatusServiceUnavailable, wantCooldown: 0},
		{name: "capped", status: http.StatusTooManyRequests, retryAfter: "86400", wantCooldown: MaxCooldown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(0)
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}

			got, err := tracker.UpdateFromResponse(context.Background(), resp)
			if err != nil {
				t.Fatalf("UpdateFromResponse() error = %v", err)
			}
			if got != tt.wantCooldown {
				t.Errorf("cooldown = %v, want %v", got, tt.wantCooldown)
			}

			state, err := tracker.GetState(context.Background())
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if (tt.wantCooldown > 0) != state.IsCoolingDown() {
				t.Errorf("IsCoolingDown() = %v, want %v", state.IsCoolingDown(), tt.wantCooldown > 0)
			}
		})
	}
}

func TestWait_NoCooldown(t *testing.T) {
	tracker := newTestTracker(0)

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait() should return immediately without cooldown")
	}
}

func TestWait_HonoursCooldown(t *testing.T) {
	tracker := newTestTracker(0)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "0.2")

	if _, err := tracker.UpdateFromResponse(context.Background(), resp); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to wait for the cooldown", elapsed)
	}
}

func TestWait_ContextCancelledDuringCooldown(t *testing.T) {
	tracker := newTestTracker(0)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "30")

	if _, err := tracker.UpdateFromResponse(context.Background(), resp); err != nil {
		t.Fatalf("UpdateFromResponse() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tracker.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestWait_Pacing(t *testing.T) {
	tracker := newTestTracker(10)
	ctx := context.Background()

	// burst of 10, the 11th request waits roughly 100ms
	start := time.Now()
	for i := 0; i < 11; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("11 requests at 10 rps finished in %v, expected pacing", elapsed)
	}
}
