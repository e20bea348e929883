// Package throttle decides how often updates for each priority tier may be
// forwarded to listeners.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/quotestream/internal/domain/market"
)

// Limit caps deliveries for a tier within each interval. On the tick path
// MaxUpdates applies to every symbol of the tier, so each held symbol keeps
// its own cadence instead of competing for one shared slot.
type Limit struct {
	Interval   time.Duration
	MaxUpdates int
}

// Config configures a Policy.
type Config struct {
	Limits      map[market.Tier]Limit
	ForceWindow time.Duration
}

// DefaultConfig returns one delivery per 5s/15s/30s for High/Medium/Low.
func DefaultConfig() Config {
	return Config{
		Limits: map[market.Tier]Limit{
			market.TierHigh:   {Interval: 5 * time.Second, MaxUpdates: 1},
			market.TierMedium: {Interval: 15 * time.Second, MaxUpdates: 1},
			market.TierLow:    {Interval: 30 * time.Second, MaxUpdates: 1},
		},
		ForceWindow: time.Second,
	}
}

// Policy tracks per-tier delivery counters. Each tier's counter is reset by
// its own ticker so tiers never interact.
type Policy struct {
	cfg Config

	mu        sync.Mutex
	counts    map[market.Tier]int
	delivered map[market.Tier]map[string]int
	overrides map[string]*time.Timer

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Policy. Start must be called to arm the reset timers.
func New(cfg Config) *Policy {
	if cfg.Limits == nil {
		cfg.Limits = DefaultConfig().Limits
	}
	if cfg.ForceWindow <= 0 {
		cfg.ForceWindow = time.Second
	}
	return &Policy{
		cfg:       cfg,
		counts:    make(map[market.Tier]int, len(cfg.Limits)),
		delivered: make(map[market.Tier]map[string]int, len(cfg.Limits)),
		overrides: make(map[string]*time.Timer),
	}
}

// Start launches one reset loop per limited tier. Calling Start twice is a no-op.
func (p *Policy) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for tier, limit := range p.cfg.Limits {
		if tier == market.TierCritical || tier == market.TierPaused || limit.Interval <= 0 {
			continue
		}
		p.wg.Add(1)
		go p.resetLoop(runCtx, tier, limit.Interval)
	}
}

// Stop halts the reset loops and clears pending force windows.
func (p *Policy) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for symbol, timer := range p.overrides {
		timer.Stop()
		delete(p.overrides, symbol)
	}
	p.mu.Unlock()
}

func (p *Policy) resetLoop(ctx context.Context, tier market.Tier, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reset(tier)
		}
	}
}

func (p *Policy) reset(tier market.Tier) {
	p.mu.Lock()
	p.counts[tier] = 0
	delete(p.delivered, tier)
	p.mu.Unlock()
}

// ShouldThrottle reports whether tier has used up its budget for the current window.
func (p *Policy) ShouldThrottle(tier market.Tier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttledLocked(tier)
}

func (p *Policy) throttledLocked(tier market.Tier) bool {
	switch tier {
	case market.TierCritical:
		return false
	case market.TierPaused:
		return true
	}
	limit, ok := p.cfg.Limits[tier]
	if !ok || limit.MaxUpdates <= 0 {
		return false
	}
	return p.counts[tier] >= limit.MaxUpdates
}

// TrackUpdate counts one delivery against tier.
func (p *Policy) TrackUpdate(tier market.Tier) {
	if tier == market.TierCritical || tier == market.TierPaused {
		return
	}
	p.mu.Lock()
	p.counts[tier]++
	p.mu.Unlock()
}

// Admit resolves the effective tier for symbol and, when symbol still has
// budget in the tier's current window, counts the delivery against both the
// symbol and the tier. It reports the tier used and whether the update may
// be forwarded.
func (p *Policy) Admit(symbol string, tier market.Tier) (market.Tier, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, forced := p.overrides[symbol]; forced {
		tier = market.TierCritical
	}
	switch tier {
	case market.TierCritical:
		return tier, true
	case market.TierPaused:
		return tier, false
	}
	limit, ok := p.cfg.Limits[tier]
	if ok && limit.MaxUpdates > 0 {
		perSymbol := p.delivered[tier]
		if perSymbol == nil {
			perSymbol = make(map[string]int)
			p.delivered[tier] = perSymbol
		}
		if perSymbol[symbol] >= limit.MaxUpdates {
			return tier, false
		}
		perSymbol[symbol]++
	}
	p.counts[tier]++
	return tier, true
}

// ForceUpdate promotes symbol to Critical for the force window so the next
// tick is delivered regardless of its tier. Repeated calls extend the window.
func (p *Policy) ForceUpdate(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.overrides[symbol]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(p.cfg.ForceWindow, func() {
		p.mu.Lock()
		if p.overrides[symbol] == timer {
			delete(p.overrides, symbol)
		}
		p.mu.Unlock()
	})
	p.overrides[symbol] = timer
}

// EffectiveTier returns Critical while symbol is inside a force window, tier otherwise.
func (p *Policy) EffectiveTier(symbol string, tier market.Tier) market.Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, forced := p.overrides[symbol]; forced {
		return market.TierCritical
	}
	return tier
}

// Count returns the deliveries counted for tier in the current window.
func (p *Policy) Count(tier market.Tier) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[tier]
}
