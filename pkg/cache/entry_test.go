package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{name: "future expiry", expires: time.Now().Add(time.Hour), want: false},
		{name: "past expiry", expires: time.Now().Add(-time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &CacheEntry{Expires: tt.expires}
			if got := e.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_TTL(t *testing.T) {
	e := &CacheEntry{Expires: time.Now().Add(-time.Minute)}
	if ttl := e.TTL(); ttl != 0 {
		t.Errorf("TTL() of expired entry = %v, want 0", ttl)
	}

	e = NewEntry([]byte(`{}`), time.Minute)
	if ttl := e.TTL(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL() = %v, want (0, 1m]", ttl)
	}
}

func TestNewEntry(t *testing.T) {
	data := []byte(`{"currentVersion":10.91}`)
	e := NewEntry(data, time.Hour)

	if string(e.Data) != string(data) {
		t.Errorf("Data = %s, want %s", e.Data, data)
	}
	if e.CachedAt.IsZero() {
		t.Error("CachedAt should be set")
	}
	if e.Age() < 0 || e.Age() > time.Second {
		t.Errorf("Age() = %v, want about 0", e.Age())
	}
	if !e.Expires.After(e.CachedAt) {
		t.Error("Expires should be after CachedAt")
	}
}
