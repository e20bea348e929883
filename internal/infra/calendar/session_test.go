package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestFallbackSessionHours(t *testing.T) {
	loc := newYork(t)
	s := &Session{location: loc, fallback: true}

	// Wednesday 2025-06-18
	require.True(t, s.IsOpen(time.Date(2025, 6, 18, 10, 0, 0, 0, loc)))
	require.False(t, s.IsOpen(time.Date(2025, 6, 18, 9, 29, 0, 0, loc)))
	require.False(t, s.IsOpen(time.Date(2025, 6, 18, 16, 0, 0, 0, loc)))
	// Saturday
	require.False(t, s.IsOpen(time.Date(2025, 6, 21, 12, 0, 0, 0, loc)))
}

func TestTTLSwitchesOnSession(t *testing.T) {
	loc := newYork(t)
	s := &Session{location: loc, fallback: true}
	ttl := s.TTL(15*time.Minute, time.Hour)

	require.Equal(t, 15*time.Minute, ttl(time.Date(2025, 6, 18, 11, 0, 0, 0, loc)))
	require.Equal(t, time.Hour, ttl(time.Date(2025, 6, 18, 20, 0, 0, 0, loc)))
}

func TestNewSessionWeekendClosed(t *testing.T) {
	loc := newYork(t)
	s := NewSession("xnys")
	require.False(t, s.IsOpen(time.Date(2025, 6, 22, 12, 0, 0, 0, loc)))
}

func TestNilSessionIsClosed(t *testing.T) {
	var s *Session
	require.False(t, s.IsOpen(time.Now()))
}
