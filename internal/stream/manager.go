// Package stream owns the streaming market-data connections, one per
// market segment, and turns inbound ticks into cache writes and bus events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/eventbus"
	"github.com/coachpo/quotestream/internal/throttle"
)

var (
	errAuthFailed   = errors.New("authentication failed")
	errRemoteClosed = errors.New("remote closed connection")
	errLiveness     = errors.New("liveness window elapsed without inbound messages")
)

// SubscriptionSource is the subscription state the manager replays and
// consults for tiers. The registry implements it.
type SubscriptionSource interface {
	Active(segment market.Segment) []string
	Tier(segment market.Segment, symbol string) (market.Tier, bool)
	Touch(segment market.Segment, symbol string, at time.Time)
}

// Manager maintains one persistent streaming connection per segment.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	bus     eventbus.Bus
	policy  *throttle.Policy
	prices  *cache.Store[market.Quote]
	metrics *streamMetrics
	now     func() time.Time

	srcMu  sync.RWMutex
	source SubscriptionSource

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	segments map[market.Segment]*segmentConn

	liveMu sync.RWMutex
	live   map[string]market.Tick
}

type segmentConn struct {
	segment  market.Segment
	url      string
	prefixes []string
	control  *rate.Limiter

	// opMu serialises Connect and Disconnect for the segment.
	opMu sync.Mutex

	mu       sync.Mutex
	state    market.ConnectionState
	conn     *websocket.Conn
	wire     map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int

	writeMu     sync.Mutex
	lastInbound atomic.Int64
}

// NewManager constructs a Manager. The subscription source is attached
// later with SetSource because the registry itself depends on the manager.
func NewManager(cfg Config, bus eventbus.Bus, policy *throttle.Policy, prices *cache.Store[market.Quote], logger *zap.Logger) *Manager {
	cfg = cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = throttle.New(throttle.DefaultConfig())
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		policy:   policy,
		prices:   prices,
		metrics:  newStreamMetrics(),
		now:      time.Now,
		segments: make(map[market.Segment]*segmentConn, len(market.Segments)),
		live:     make(map[string]market.Tick),
	}
	for _, segment := range market.Segments {
		limit := rate.Inf
		if cfg.ControlInterval > 0 {
			limit = rate.Every(cfg.ControlInterval)
		}
		m.segments[segment] = &segmentConn{
			segment:  segment,
			url:      cfg.URLs[segment],
			prefixes: cfg.Channels[segment],
			control:  rate.NewLimiter(limit, 1),
			state:    market.StateDisconnected,
			wire:     make(map[string]struct{}),
		}
	}
	return m
}

// SetSource attaches the subscription source consulted on connect and per tick.
func (m *Manager) SetSource(src SubscriptionSource) {
	m.srcMu.Lock()
	m.source = src
	m.srcMu.Unlock()
}

func (m *Manager) subscriptionSource() SubscriptionSource {
	m.srcMu.RLock()
	defer m.srcMu.RUnlock()
	return m.source
}

// Start arms the manager. Connections are opened on demand by Connect.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop disconnects every segment and waits for the connection loops to exit.
func (m *Manager) Stop() {
	for _, segment := range market.Segments {
		if err := m.Disconnect(segment); err != nil {
			m.logger.Warn("disconnect on stop", zap.String("segment", segment.String()), zap.Error(err))
		}
	}
	m.runMu.Lock()
	cancel := m.cancel
	m.ctx, m.cancel = nil, nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) segment(segment market.Segment) (*segmentConn, error) {
	sc, ok := m.segments[segment]
	if !ok {
		return nil, errs.New("stream/segment", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown segment %q", segment)))
	}
	return sc, nil
}

// Connect establishes the segment's connection in the background. It is a
// no-op while a connection loop for the segment is already running.
func (m *Manager) Connect(segment market.Segment) error {
	sc, err := m.segment(segment)
	if err != nil {
		return err
	}
	m.runMu.Lock()
	parent := m.ctx
	m.runMu.Unlock()
	if parent == nil {
		return errs.New("stream/connect", errs.CodeUnavailable, errs.WithMessage("manager not started"))
	}
	if sc.url == "" {
		return errs.New("stream/connect", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("no stream url configured for %s", segment)))
	}

	sc.opMu.Lock()
	defer sc.opMu.Unlock()
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	sc.cancel = cancel
	sc.done = done
	sc.attempts = 0
	sc.mu.Unlock()

	m.setState(sc, market.StateConnecting, "connect requested")
	go m.run(ctx, sc, done)
	return nil
}

// Disconnect unsubscribes every live symbol, closes the transport, cancels
// pending reconnects and resets the state to Disconnected.
func (m *Manager) Disconnect(segment market.Segment) error {
	sc, err := m.segment(segment)
	if err != nil {
		return err
	}
	sc.opMu.Lock()
	defer sc.opMu.Unlock()

	sc.mu.Lock()
	cancel, done, conn := sc.cancel, sc.done, sc.conn
	symbols := wireSymbols(sc.wire)
	sc.mu.Unlock()

	if conn != nil && len(symbols) > 0 {
		ctx, stop := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		if err := m.sendControl(ctx, sc, conn, actionUnsubscribe, symbols); err != nil {
			m.logger.Debug("unsubscribe on disconnect", zap.String("segment", segment.String()), zap.Error(err))
		}
		stop()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	sc.mu.Lock()
	cleared := len(sc.wire)
	sc.wire = make(map[string]struct{})
	sc.conn = nil
	sc.cancel = nil
	sc.done = nil
	sc.attempts = 0
	sc.mu.Unlock()
	m.metrics.adjustWire(context.Background(), segment, -cleared)

	m.setState(sc, market.StateDisconnected, "disconnect requested")
	return nil
}

// Subscribe sends a wire subscribe for symbols not yet on the wire. While
// the segment is not connected it does nothing; the symbols are replayed
// from the source on the next connect.
func (m *Manager) Subscribe(segment market.Segment, symbols ...string) error {
	sc, err := m.segment(segment)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	if sc.state != market.StateConnected || sc.conn == nil {
		sc.mu.Unlock()
		return nil
	}
	fresh := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = market.NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}
		if _, ok := sc.wire[symbol]; ok {
			continue
		}
		sc.wire[symbol] = struct{}{}
		fresh = append(fresh, symbol)
	}
	conn := sc.conn
	sc.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	m.metrics.adjustWire(context.Background(), segment, len(fresh))
	return m.sendControl(m.runContext(), sc, conn, actionSubscribe, fresh)
}

// Unsubscribe sends a wire unsubscribe for symbols currently on the wire.
func (m *Manager) Unsubscribe(segment market.Segment, symbols ...string) error {
	sc, err := m.segment(segment)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	if sc.conn == nil {
		sc.mu.Unlock()
		return nil
	}
	existing := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = market.NormalizeSymbol(symbol)
		if _, ok := sc.wire[symbol]; ok {
			delete(sc.wire, symbol)
			existing = append(existing, symbol)
		}
	}
	conn := sc.conn
	sc.mu.Unlock()
	if len(existing) == 0 {
		return nil
	}
	m.metrics.adjustWire(context.Background(), segment, -len(existing))
	return m.sendControl(m.runContext(), sc, conn, actionUnsubscribe, existing)
}

// State returns the segment's connection state.
func (m *Manager) State(segment market.Segment) market.ConnectionState {
	sc, err := m.segment(segment)
	if err != nil {
		return market.StateDisconnected
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// States returns every segment's connection state.
func (m *Manager) States() map[market.Segment]market.ConnectionState {
	out := make(map[market.Segment]market.ConnectionState, len(m.segments))
	for segment := range m.segments {
		out[segment] = m.State(segment)
	}
	return out
}

// Attempts returns the consecutive failed attempts in the current reconnect cycle.
func (m *Manager) Attempts(segment market.Segment) int {
	sc, err := m.segment(segment)
	if err != nil {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.attempts
}

// WireSymbols returns the symbols currently subscribed on the segment's wire.
func (m *Manager) WireSymbols(segment market.Segment) []string {
	sc, err := m.segment(segment)
	if err != nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return wireSymbols(sc.wire)
}

// Fresh returns the last streamed tick for symbol when it arrived within the
// liveness window.
func (m *Manager) Fresh(symbol string) (market.Tick, bool) {
	symbol = market.NormalizeSymbol(symbol)
	m.liveMu.RLock()
	tick, ok := m.live[symbol]
	m.liveMu.RUnlock()
	if !ok {
		return market.Tick{}, false
	}
	if m.now().Sub(tick.ReceivedAt) > m.cfg.LivenessWindow {
		return market.Tick{}, false
	}
	return tick, true
}

func (m *Manager) runContext() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m *Manager) setState(sc *segmentConn, next market.ConnectionState, reason string) {
	sc.mu.Lock()
	prev := sc.state
	sc.state = next
	sc.mu.Unlock()
	if prev != next {
		m.announceState(sc.segment, prev, next, reason)
	}
}

func (m *Manager) announceState(segment market.Segment, prev, next market.ConnectionState, reason string) {
	m.metrics.recordState(context.Background(), segment, next)
	m.logger.Info("connection state changed",
		zap.String("segment", segment.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	m.publish(eventbus.NewStateEvent(eventbus.StateChange{
		Segment:  segment,
		Previous: prev,
		Current:  next,
		Reason:   reason,
		At:       m.now(),
	}))
}

func (m *Manager) publish(evt eventbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), evt); err != nil {
		m.logger.Debug("publish event", zap.String("event_type", string(evt.Type)), zap.Error(err))
	}
}

func wireSymbols(wire map[string]struct{}) []string {
	out := make([]string, 0, len(wire))
	for symbol := range wire {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
