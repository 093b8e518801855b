package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	arcgisCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arcgis_rate_limit_cooldown_seconds",
		Help: "Cooldown most recently requested by the ArcGIS service via Retry-After",
	})

	arcgisRateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_rate_limit_waits_total",
		Help: "Total number of requests held back before sending, by reason",
	}, []string{"reason"})
)

// Store persists cooldown state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// Tracker paces outgoing requests and gates them during server cooldowns.
type Tracker struct {
	store   Store
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time

	// mu serialises read-modify-write of the cooldown state within a process.
	mu sync.Mutex
}

// NewTracker creates a new tracker. A nil redisClient keeps state in memory.
// requestsPerSecond <= 0 disables steady pacing.
func NewTracker(redisClient *redis.Client, requestsPerSecond float64, logger zerolog.Logger) *Tracker {
	var store Store = &memoryStore{}
	if redisClient != nil {
		store = &redisStore{redis: redisClient}
	}
	return NewTrackerWithStore(store, requestsPerSecond, logger)
}

// NewTrackerWithStore creates a tracker over an explicit store.
func NewTrackerWithStore(store Store, requestsPerSecond float64, logger zerolog.Logger) *Tracker {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Tracker{
		store:   store,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// GetState retrieves the current cooldown state.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", err)
	}
	return state, nil
}

// Wait blocks until a request may be sent or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	if d := state.TimeUntilReset(); d > 0 {
		t.logger.Warn().
			Dur("wait_duration", d).
			Msg("ArcGIS cooldown active - holding request")
		arcgisRateLimitWaitsTotal.WithLabelValues("cooldown").Inc()

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if t.limiter != nil {
		if r := t.limiter.Reserve(); r.OK() {
			if delay := r.Delay(); delay > 0 {
				arcgisRateLimitWaitsTotal.WithLabelValues("pacing").Inc()
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					r.Cancel()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	return nil
}

// UpdateFromResponse records the cooldown requested by a 429 or 503 response.
// It returns the cooldown that applies to the next attempt, or 0.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) (time.Duration, error) {
	if resp == nil {
		return 0, nil
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, nil
	}

	now := t.now()
	d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	if !ok {
		if resp.StatusCode != http.StatusTooManyRequests {
			return 0, nil
		}
		d = DefaultCooldown
	}
	if d > MaxCooldown {
		d = MaxCooldown
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.store.Load(ctx)
	if err != nil {
		return d, fmt.Errorf("load rate limit state: %w", err)
	}
	if state.Extend(now.Add(d), now) {
		if err := t.store.Save(ctx, state); err != nil {
			return d, fmt.Errorf("store rate limit state: %w", err)
		}
	}

	arcgisCooldownSeconds.Set(d.Seconds())
	t.logger.Warn().
		Int("status", resp.StatusCode).
		Dur("cooldown", d).
		Time("cooldown_until", state.CooldownUntil).
		Msg("ArcGIS service requested cooldown")

	return d, nil
}

// ParseRetryAfter parses a Retry-After value given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type memoryStore struct {
	mu    sync.Mutex
	state State
}

func (m *memoryStore) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return &s, nil
}

func (m *memoryStore) Save(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *state
	return nil
}

type redisStore struct {
	redis *redis.Client
}

func (r *redisStore) Load(ctx context.Context) (*State, error) {
	until, err := r.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	last, err2 := r.redis.Get(ctx, RedisKeyLastUpdate).Int64()
	if err2 != nil && !errors.Is(err2, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err2)
	}

	state := &State{}
	if until > 0 {
		state.CooldownUntil = time.UnixMilli(until)
	}
	if last > 0 {
		state.LastUpdate = time.UnixMilli(last)
	}
	return state, nil
}

func (r *redisStore) Save(ctx context.Context, state *State) error {
	ttl := time.Until(state.CooldownUntil)
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, state.CooldownUntil.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}
	return nil
}
