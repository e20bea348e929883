// Package registry tracks which symbols are of interest, why, and at what
// priority, and mediates between callers and the streaming connections.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

// DefaultHolder is used when a caller does not name its reason for subscribing.
const DefaultHolder = "default"

// DefaultBatchWindow is how long connect requests are coalesced.
const DefaultBatchWindow = 300 * time.Millisecond

// Connector is the slice of the Connection Manager the registry drives.
type Connector interface {
	State(segment market.Segment) market.ConnectionState
	Connect(segment market.Segment) error
	Subscribe(segment market.Segment, symbols ...string) error
	Unsubscribe(segment market.Segment, symbols ...string) error
}

// Config tunes the registry.
type Config struct {
	BatchWindow time.Duration
}

// Member is one symbol a holder wants, used by Reconcile.
type Member struct {
	Symbol  string
	Segment market.Segment
	Tier    market.Tier
}

type key struct {
	segment market.Segment
	symbol  string
}

type entry struct {
	symbol     string
	segment    market.Segment
	holders    map[string]market.Tier
	lastUpdate time.Time
	paused     bool
}

// effective is the most urgent holder tier, Paused while paused. A live entry
// whose holders are all Paused falls back to the segment default.
func (e *entry) effective() market.Tier {
	if e.paused {
		return market.TierPaused
	}
	tiers := make([]market.Tier, 0, len(e.holders))
	for _, tier := range e.holders {
		tiers = append(tiers, tier)
	}
	best := market.MinTier(tiers...)
	if best == market.TierPaused {
		return market.DefaultTier(e.segment)
	}
	return best
}

func (e *entry) snapshot() market.Subscription {
	holders := make(map[string]market.Tier, len(e.holders))
	for name, tier := range e.holders {
		holders[name] = tier
	}
	return market.Subscription{
		Symbol:     e.symbol,
		Segment:    e.segment,
		Tier:       e.effective(),
		LastUpdate: e.lastUpdate,
		Paused:     e.paused,
		Holders:    holders,
	}
}

// Registry is the single mutation point for subscription state.
type Registry struct {
	cfg    Config
	conn   Connector
	logger *zap.Logger

	mu           sync.Mutex
	entries      map[key]*entry
	backgrounded bool
	pending      map[market.Segment]*time.Timer
	generation   map[market.Segment]uint64
	coalesced    map[market.Segment]int
	closed       bool

	batchConnects metric.Int64Counter
}

// New constructs a Registry driving conn.
func New(cfg Config, conn Connector, logger *zap.Logger) *Registry {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultBatchWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:        cfg,
		conn:       conn,
		logger:     logger,
		entries:    make(map[key]*entry),
		pending:    make(map[market.Segment]*time.Timer),
		generation: make(map[market.Segment]uint64),
		coalesced:  make(map[market.Segment]int),
	}
	meter := otel.Meter("registry")
	r.batchConnects, _ = meter.Int64Counter("quotestream_registry_batch_connects",
		metric.WithDescription("Connect requests issued after the batching window"),
		metric.WithUnit("{connect}"))
	return r
}

func resolve(symbol string, segment market.Segment) (key, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return key{}, err
	}
	if segment == "" {
		segment = market.SegmentOf(normalized)
	}
	if !segment.Valid() {
		return key{}, errs.New("registry/segment", errs.CodeInvalid,
			errs.WithSymbol(normalized),
			errs.WithMessage(fmt.Sprintf("unknown segment %q", segment)))
	}
	return key{segment: segment, symbol: normalized}, nil
}

func holderName(holder string) string {
	if h := strings.TrimSpace(holder); h != "" {
		return h
	}
	return DefaultHolder
}

// Subscribe registers holder's interest in symbol. An existing holder's tier
// only moves to a more urgent one here; use UpdatePriority to lower it.
// While backgrounded the entry is created paused and nothing connects.
func (r *Registry) Subscribe(symbol string, segment market.Segment, tier market.Tier, holder string) (market.Subscription, error) {
	k, err := resolve(symbol, segment)
	if err != nil {
		return market.Subscription{}, err
	}
	if !tier.Valid() || tier == market.TierPaused {
		return market.Subscription{}, errs.New("registry/subscribe", errs.CodeInvalid,
			errs.WithSymbol(k.symbol),
			errs.WithMessage(fmt.Sprintf("cannot subscribe at tier %s", tier)))
	}
	holder = holderName(holder)

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		e = &entry{
			symbol:  k.symbol,
			segment: k.segment,
			holders: make(map[string]market.Tier, 1),
			paused:  r.backgrounded,
		}
		r.entries[k] = e
	}
	if current, held := e.holders[holder]; !held || tier.MoreUrgent(current) {
		e.holders[holder] = tier
	}
	sub := e.snapshot()
	backgrounded := r.backgrounded
	r.mu.Unlock()

	if !backgrounded {
		r.attach(k)
	}
	return sub, nil
}

// attach puts k on the wire when its segment is connected, or asks for a
// connection whose replay will carry it.
func (r *Registry) attach(k key) {
	switch r.conn.State(k.segment) {
	case market.StateConnected:
		if err := r.conn.Subscribe(k.segment, k.symbol); err != nil {
			r.logger.Warn("wire subscribe", zap.String("symbol", k.symbol), zap.Error(err))
		}
	case market.StateDisconnected:
		r.RequestConnect(k.segment)
	}
}

// Unsubscribe drops holder's interest. The entry goes away, and the wire
// unsubscribe is sent, when no holder is left. It reports whether the entry
// was removed.
func (r *Registry) Unsubscribe(symbol string, segment market.Segment, holder string) (bool, error) {
	k, err := resolve(symbol, segment)
	if err != nil {
		return false, err
	}
	holder = holderName(holder)

	r.mu.Lock()
	e, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(e.holders, holder)
	removed := len(e.holders) == 0
	if removed {
		delete(r.entries, k)
	}
	r.mu.Unlock()

	if removed {
		r.unsubscribeWire(k)
	}
	return removed, nil
}

// Remove drops every holder of symbol at once.
func (r *Registry) Remove(symbol string, segment market.Segment) error {
	k, err := resolve(symbol, segment)
	if err != nil {
		return err
	}
	r.mu.Lock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	r.mu.Unlock()
	if ok {
		r.unsubscribeWire(k)
	}
	return nil
}

func (r *Registry) unsubscribeWire(k key) {
	if r.conn.State(k.segment) != market.StateConnected {
		return
	}
	if err := r.conn.Unsubscribe(k.segment, k.symbol); err != nil {
		r.logger.Warn("wire unsubscribe", zap.String("symbol", k.symbol), zap.Error(err))
	}
}

// UpdatePriority sets holder's tier exactly, downgrades included, without
// touching connection state.
func (r *Registry) UpdatePriority(symbol string, segment market.Segment, holder string, tier market.Tier) (market.Subscription, error) {
	k, err := resolve(symbol, segment)
	if err != nil {
		return market.Subscription{}, err
	}
	if !tier.Valid() {
		return market.Subscription{}, errs.New("registry/priority", errs.CodeInvalid,
			errs.WithSymbol(k.symbol),
			errs.WithMessage(fmt.Sprintf("invalid tier %d", int(tier))))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		return market.Subscription{}, errs.New("registry/priority", errs.CodeNotFound,
			errs.WithSymbol(k.symbol),
			errs.WithMessage("not subscribed"))
	}
	e.holders[holderName(holder)] = tier
	return e.snapshot(), nil
}

// Reconcile makes holder's membership exactly members: the holder is added
// to every listed symbol and dropped from every other one.
func (r *Registry) Reconcile(holder string, members []Member) error {
	holder = holderName(holder)
	want := make(map[key]market.Tier, len(members))
	for _, m := range members {
		k, err := resolve(m.Symbol, m.Segment)
		if err != nil {
			return err
		}
		tier := m.Tier
		if !tier.Valid() || tier == market.TierPaused {
			tier = market.DefaultTier(k.segment)
		}
		if current, ok := want[k]; !ok || tier.MoreUrgent(current) {
			want[k] = tier
		}
	}

	r.mu.Lock()
	var dropped []key
	for k, e := range r.entries {
		if _, keep := want[k]; keep {
			continue
		}
		if _, held := e.holders[holder]; !held {
			continue
		}
		delete(e.holders, holder)
		if len(e.holders) == 0 {
			delete(r.entries, k)
			dropped = append(dropped, k)
		}
	}
	var added []key
	for k, tier := range want {
		e, ok := r.entries[k]
		if !ok {
			e = &entry{
				symbol:  k.symbol,
				segment: k.segment,
				holders: make(map[string]market.Tier, 1),
				paused:  r.backgrounded,
			}
			r.entries[k] = e
			added = append(added, k)
		}
		e.holders[holder] = tier
	}
	backgrounded := r.backgrounded
	r.mu.Unlock()

	for _, k := range dropped {
		r.unsubscribeWire(k)
	}
	if !backgrounded {
		for _, k := range added {
			r.attach(k)
		}
	}
	return nil
}

// PauseAll demotes every subscription to Paused, keeping holder tiers so
// ResumeAll can restore them, and holds back connection requests.
func (r *Registry) PauseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backgrounded = true
	for segment, timer := range r.pending {
		timer.Stop()
		delete(r.pending, segment)
		delete(r.coalesced, segment)
	}
	paused := 0
	for _, e := range r.entries {
		if !e.paused {
			e.paused = true
			paused++
		}
	}
	return paused
}

// ResumeAll restores every paused subscription to its holder-derived tier
// and returns the segments that now have active subscriptions.
func (r *Registry) ResumeAll() []market.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backgrounded = false
	seen := make(map[market.Segment]struct{})
	for _, e := range r.entries {
		e.paused = false
		seen[e.segment] = struct{}{}
	}
	segments := make([]market.Segment, 0, len(seen))
	for _, segment := range market.Segments {
		if _, ok := seen[segment]; ok {
			segments = append(segments, segment)
		}
	}
	return segments
}

// Backgrounded reports whether the registry is holding back connections.
func (r *Registry) Backgrounded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backgrounded
}

// Active returns the non-paused symbols of segment in sorted order.
func (r *Registry) Active(segment market.Segment) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for k, e := range r.entries {
		if k.segment == segment && !e.paused {
			out = append(out, k.symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Tier returns the effective tier of a subscription.
func (r *Registry) Tier(segment market.Segment, symbol string) (market.Tier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key{segment: segment, symbol: market.NormalizeSymbol(symbol)}]
	if !ok {
		return market.TierPaused, false
	}
	return e.effective(), true
}

// Touch records the arrival time of the latest tick for a subscription.
func (r *Registry) Touch(segment market.Segment, symbol string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key{segment: segment, symbol: market.NormalizeSymbol(symbol)}]; ok {
		e.lastUpdate = at
	}
}

// Get returns one subscription.
func (r *Registry) Get(symbol string, segment market.Segment) (market.Subscription, bool) {
	k, err := resolve(symbol, segment)
	if err != nil {
		return market.Subscription{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		return market.Subscription{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns every subscription ordered by segment then symbol.
func (r *Registry) Snapshot() []market.Subscription {
	r.mu.Lock()
	out := make([]market.Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Segment != out[j].Segment {
			return out[i].Segment < out[j].Segment
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// RequestConnect asks for segment to be connected after the batching window.
// Each call within the window restarts it, so a burst of requests ends in a
// single Connect, which replays every active symbol as one bulk subscribe.
// While backgrounded the request is dropped; ResumeAll callers re-issue it.
func (r *Registry) RequestConnect(segment market.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backgrounded || r.closed {
		return
	}
	r.coalesced[segment]++
	if timer, ok := r.pending[segment]; ok && timer.Stop() {
		timer.Reset(r.cfg.BatchWindow)
		return
	}
	r.generation[segment]++
	gen := r.generation[segment]
	r.pending[segment] = time.AfterFunc(r.cfg.BatchWindow, func() {
		r.flush(segment, gen)
	})
}

func (r *Registry) flush(segment market.Segment, gen uint64) {
	r.mu.Lock()
	if _, ok := r.pending[segment]; !ok || r.generation[segment] != gen {
		r.mu.Unlock()
		return
	}
	delete(r.pending, segment)
	requests := r.coalesced[segment]
	delete(r.coalesced, segment)
	active := false
	for k, e := range r.entries {
		if k.segment == segment && !e.paused {
			active = true
			break
		}
	}
	skip := r.backgrounded || r.closed || !active
	r.mu.Unlock()
	if skip {
		return
	}

	if r.batchConnects != nil {
		r.batchConnects.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.SegmentAttributes(telemetry.Environment(), segment.String())...))
	}
	r.logger.Debug("batched connect",
		zap.String("segment", segment.String()),
		zap.Int("coalesced_requests", requests))
	if err := r.conn.Connect(segment); err != nil {
		r.logger.Warn("connect", zap.String("segment", segment.String()), zap.Error(err))
	}
}

// Close cancels pending connection requests.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for segment, timer := range r.pending {
		timer.Stop()
		delete(r.pending, segment)
	}
}
