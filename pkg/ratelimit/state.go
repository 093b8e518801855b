// Package ratelimit paces requests to the ArcGIS service and tracks the
// cooldown window the server asks for through Retry-After on 429 and 503
// responses.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil = "arcgis:rate_limit:cooldown_until"
	RedisKeyLastUpdate    = "arcgis:rate_limit:last_update"
)

const (
	// DefaultCooldown applies to a 429 response that carries no Retry-After.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps any server supplied Retry-After value.
	MaxCooldown = 2 * time.Minute
)

// State represents the current cooldown state.
// It is shared across processes when the tracker is backed by Redis.
type State struct {
	// CooldownUntil is the earliest time the next request may be sent.
	// Zero means no cooldown is active.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastUpdate is the timestamp when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsCoolingDown returns true while requests must be held back.
func (s *State) IsCoolingDown() bool {
	return s.TimeUntilReset() > 0
}

// TimeUntilReset returns the remaining cooldown.
// Returns 0 if the cooldown has already passed.
func (s *State) TimeUntilReset() time.Duration {
	if s.CooldownUntil.IsZero() {
		return 0
	}
	d := time.Until(s.CooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// Extend moves CooldownUntil forward to until. An existing later cooldown is
// kept. It reports whether the state changed.
func (s *State) Extend(until, now time.Time) bool {
	s.LastUpdate = now
	if until.After(s.CooldownUntil) {
		s.CooldownUntil = until
		return true
	}
	return false
}
