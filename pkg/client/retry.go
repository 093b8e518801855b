package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	arcgisRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	arcgisRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arcgis_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	arcgisRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration. Retry-After values are capped to it too.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       7,
		InitialBackoff:    600 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryConfigFrom derives the retry configuration from a client config.
func retryConfigFrom(cfg Config) RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxAttempts = cfg.MaxRetries + 1
	if cfg.InitialBackoff > 0 {
		rc.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rc.MaxBackoff = cfg.MaxBackoff
	}
	return rc
}

// backoff returns the wait before the attempt following attempt (1-based).
// A positive retryAfter from the server wins over the exponential schedule.
func (rc RetryConfig) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > rc.MaxBackoff {
			return rc.MaxBackoff
		}
		return retryAfter
	}

	d := float64(rc.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= rc.BackoffMultiplier
		if d >= float64(rc.MaxBackoff) {
			d = float64(rc.MaxBackoff)
			break
		}
	}

	// ±20% jitter
	jittered := time.Duration(d * (0.8 + rand.Float64()*0.4))
	if jittered > rc.MaxBackoff {
		jittered = rc.MaxBackoff
	}
	return jittered
}

// attemptOutcome is what a single attempt reports to the retry loop.
type attemptOutcome struct {
	err        error
	class      ErrorClass
	retryAfter time.Duration
}

// retryWithBackoff executes fn until it succeeds, returns a non-retriable
// error, or the attempts run out. It respects context cancellation.
func retryWithBackoff(ctx context.Context, rc RetryConfig, logger zerolog.Logger, fn func(attempt int) attemptOutcome) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}

	var last attemptOutcome

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		out := fn(attempt)
		if out.err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(last.class)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		last = out

		if !shouldRetry(out.class) || ctx.Err() != nil {
			return out.err
		}

		if attempt >= rc.MaxAttempts {
			break
		}

		arcgisRetriesTotal.WithLabelValues(string(out.class)).Inc()

		wait := rc.backoff(attempt, out.retryAfter)
		arcgisRetryBackoffSeconds.WithLabelValues(string(out.class)).Observe(wait.Seconds())

		logger.Warn().
			Err(out.err).
			Str("error_class", string(out.class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	if rc.MaxAttempts == 1 {
		return last.err
	}

	arcgisRetryExhaustedTotal.WithLabelValues(string(last.class)).Inc()
	logger.Error().
		Err(last.err).
		Str("error_class", string(last.class)).
		Int("max_attempts", rc.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, rc.MaxAttempts, last.err)
}
