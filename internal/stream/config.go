package stream

import (
	"time"

	"github.com/coachpo/quotestream/internal/domain/market"
)

const (
	defaultBaseDelay           = time.Second
	defaultMaxDelay            = 30 * time.Second
	defaultJitter              = time.Second
	defaultMaxAttempts         = 10
	defaultCooldown            = 5 * time.Minute
	defaultLivenessWindow      = 60 * time.Second
	defaultPingInterval        = 30 * time.Second
	defaultPingTimeout         = 5 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultAuthTimeout         = 10 * time.Second
	defaultMaxChannelsPerFrame = 100
	defaultReadLimit           = 2 * 1024 * 1024
)

// Config tunes the Connection Manager.
type Config struct {
	// URLs maps each segment to its streaming endpoint.
	URLs   map[market.Segment]string
	APIKey string
	// Channels lists the channel prefixes subscribed per symbol, e.g. T and Q.
	Channels map[market.Segment][]string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int
	Cooldown    time.Duration

	LivenessWindow time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	AuthTimeout    time.Duration

	MaxChannelsPerFrame int
	// ControlInterval paces outbound control frames; zero disables pacing.
	ControlInterval time.Duration
	ReadLimit       int64
}

// DefaultConfig returns the production tuning without endpoints or credentials.
func DefaultConfig() Config {
	return Config{
		URLs:                map[market.Segment]string{},
		Channels:            defaultChannels(),
		BaseDelay:           defaultBaseDelay,
		MaxDelay:            defaultMaxDelay,
		Jitter:              defaultJitter,
		MaxAttempts:         defaultMaxAttempts,
		Cooldown:            defaultCooldown,
		LivenessWindow:      defaultLivenessWindow,
		PingInterval:        defaultPingInterval,
		PingTimeout:         defaultPingTimeout,
		WriteTimeout:        defaultWriteTimeout,
		AuthTimeout:         defaultAuthTimeout,
		MaxChannelsPerFrame: defaultMaxChannelsPerFrame,
		ReadLimit:           defaultReadLimit,
	}
}

func defaultChannels() map[market.Segment][]string {
	return map[market.Segment][]string{
		market.SegmentEquity: {"T", "Q"},
		market.SegmentOption: {"T", "Q"},
	}
}

func (c Config) normalize() Config {
	if c.URLs == nil {
		c.URLs = map[market.Segment]string{}
	}
	if len(c.Channels) == 0 {
		c.Channels = defaultChannels()
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = defaultLivenessWindow
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.MaxChannelsPerFrame <= 0 {
		c.MaxChannelsPerFrame = defaultMaxChannelsPerFrame
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}
