package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/eventbus"
	"github.com/coachpo/quotestream/internal/throttle"
)

// fakeFeed is a minimal streaming endpoint that answers auth and records
// control frames.
type fakeFeed struct {
	server  *httptest.Server
	authOK  bool
	silent  bool
	quit    chan struct{}
	accepts atomic.Int32

	mu     sync.Mutex
	frames []controlFrame
	conn   *websocket.Conn
}

func newFakeFeed(t *testing.T, authOK bool) *fakeFeed {
	t.Helper()
	return startFeed(t, &fakeFeed{authOK: authOK})
}

// newSilentFeed accepts connections and then never reads or writes.
func newSilentFeed(t *testing.T) *fakeFeed {
	t.Helper()
	return startFeed(t, &fakeFeed{silent: true})
}

func startFeed(t *testing.T, f *fakeFeed) *fakeFeed {
	t.Helper()
	f.quit = make(chan struct{})
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(func() {
		close(f.quit)
		f.server.Close()
	})
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	f.accepts.Add(1)
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	ctx := context.Background()
	if f.silent {
		<-f.quit
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"ev":"status","status":"connected","message":"Connected Successfully"}]`))
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Action == actionAuth {
			status := statusAuthSuccess
			if !f.authOK {
				status = statusAuthFailed
			}
			reply := fmt.Sprintf(`[{"ev":"status","status":%q,"message":"auth"}]`, status)
			_ = conn.Write(ctx, websocket.MessageText, []byte(reply))
			continue
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		f.mu.Unlock()
	}
}

func (f *fakeFeed) push(t *testing.T, payload string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(payload)))
}

func (f *fakeFeed) drop() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (f *fakeFeed) controlFrames() []controlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controlFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

type fakeSource struct {
	mu      sync.Mutex
	active  map[market.Segment][]string
	tiers   map[string]market.Tier
	touched map[string]time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		active:  map[market.Segment][]string{},
		tiers:   map[string]market.Tier{},
		touched: map[string]time.Time{},
	}
}

func (s *fakeSource) add(segment market.Segment, symbol string, tier market.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[segment] = append(s.active[segment], symbol)
	s.tiers[symbol] = tier
}

func (s *fakeSource) Active(segment market.Segment) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active[segment]...)
}

func (s *fakeSource) Tier(_ market.Segment, symbol string) (market.Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tier, ok := s.tiers[symbol]
	return tier, ok
}

func (s *fakeSource) Touch(_ market.Segment, symbol string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[symbol] = at
}

func (s *fakeSource) lastTouch(symbol string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.touched[symbol]
	return at, ok
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URLs = map[market.Segment]string{market.SegmentEquity: url}
	cfg.APIKey = "test-key"
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	cfg.Jitter = 0
	cfg.PingInterval = time.Second
	cfg.LivenessWindow = 5 * time.Second
	return cfg
}

type harness struct {
	manager *Manager
	bus     *eventbus.MemoryBus
	source  *fakeSource
	prices  *cache.Store[market.Quote]
}

func newHarness(t *testing.T, cfg Config, policy *throttle.Policy) *harness {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 64}, nil)
	prices := cache.New[market.Quote](cache.Config{Kind: cache.KindPrice, TTL: cache.Fixed(time.Minute)})
	m := NewManager(cfg, bus, policy, prices, nil)
	src := newFakeSource()
	m.SetSource(src)
	m.Start(context.Background())
	t.Cleanup(func() {
		m.Stop()
		bus.Close()
	})
	return &harness{manager: m, bus: bus, source: src, prices: prices}
}

func waitState(t *testing.T, m *Manager, segment market.Segment, want market.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State(segment) == want
	}, 2*time.Second, 5*time.Millisecond, "segment %s never reached %s", segment, want)
}

func TestConnectAuthenticatesAndReplaysActiveSymbols(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	h.source.add(market.SegmentEquity, "MSFT", market.TierHigh)
	h.source.add(market.SegmentEquity, "AAPL", market.TierHigh)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)

	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 1 }, time.Second, 5*time.Millisecond)
	frame := feed.controlFrames()[0]
	require.Equal(t, actionSubscribe, frame.Action)
	require.Equal(t, "T.AAPL,Q.AAPL,T.MSFT,Q.MSFT", frame.Params)
	require.Equal(t, []string{"AAPL", "MSFT"}, h.manager.WireSymbols(market.SegmentEquity))

	// Already connected: no second dial.
	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, feed.accepts.Load())
}

func TestConnectRequiresStartAndURL(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, nil, nil)
	require.Error(t, m.Connect(market.SegmentEquity))

	m.Start(context.Background())
	defer m.Stop()
	require.Error(t, m.Connect(market.SegmentOption), "no url configured")
	require.Error(t, m.Connect(market.Segment("futures")))
}

func TestSubscribeWhileConnectedSendsOnlyNewSymbols(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	h.source.add(market.SegmentEquity, "AAPL", market.TierHigh)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)

	require.NoError(t, h.manager.Subscribe(market.SegmentEquity, "aapl", "tsla"))
	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := feed.controlFrames()
	require.Equal(t, "T.TSLA,Q.TSLA", frames[1].Params)

	require.NoError(t, h.manager.Unsubscribe(market.SegmentEquity, "TSLA", "NFLX"))
	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 3 }, time.Second, 5*time.Millisecond)
	frames = feed.controlFrames()
	require.Equal(t, actionUnsubscribe, frames[2].Action)
	require.Equal(t, "T.TSLA,Q.TSLA", frames[2].Params)
}

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	require.NoError(t, h.manager.Subscribe(market.SegmentEquity, "AAPL"))
	require.Empty(t, h.manager.WireSymbols(market.SegmentEquity))
	require.EqualValues(t, 0, feed.accepts.Load())
}

func TestTickUpdatesCacheAndPublishes(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	h.source.add(market.SegmentEquity, "AAPL", market.TierCritical)

	id, ticks, err := h.bus.Subscribe(context.Background(), eventbus.ForSymbol(eventbus.EventTickReceived, "AAPL"))
	require.NoError(t, err)
	defer h.bus.Unsubscribe(id)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	feed.push(t, `[{"ev":"T","sym":"AAPL","p":190.25,"s":100,"t":1718700000000}]`)

	select {
	case evt := <-ticks:
		require.Equal(t, "AAPL", evt.Tick.Symbol)
		require.True(t, evt.Tick.Price.Equal(decimal.RequireFromString("190.25")))
	case <-time.After(2 * time.Second):
		t.Fatal("tick not delivered")
	}

	entry, ok := h.prices.Get("AAPL")
	require.True(t, ok)
	require.Equal(t, market.SourceStream, entry.Value.Source)
	require.True(t, entry.Value.Price.Equal(decimal.RequireFromString("190.25")))

	fresh, ok := h.manager.Fresh("aapl")
	require.True(t, ok)
	require.True(t, fresh.Price.Equal(entry.Value.Price))
	_, touched := h.source.lastTouch("AAPL")
	require.True(t, touched)
}

func TestThrottledTicksStillRefreshCache(t *testing.T) {
	feed := newFakeFeed(t, true)
	policy := throttle.New(throttle.Config{Limits: map[market.Tier]throttle.Limit{
		market.TierLow: {Interval: time.Hour, MaxUpdates: 1},
	}})
	h := newHarness(t, testConfig(feed.url()), policy)
	h.source.add(market.SegmentEquity, "SPY", market.TierLow)

	id, ticks, err := h.bus.Subscribe(context.Background(), eventbus.Global(eventbus.EventTickReceived))
	require.NoError(t, err)
	defer h.bus.Unsubscribe(id)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	feed.push(t, `{"ev":"T","sym":"SPY","p":500,"s":1}`)
	feed.push(t, `{"ev":"T","sym":"SPY","p":501,"s":1}`)
	feed.push(t, `{"ev":"Q","sym":"SPY","bp":501.5,"ap":502.5}`)

	require.Eventually(t, func() bool {
		entry, ok := h.prices.Get("SPY")
		return ok && entry.Value.Price.Equal(decimal.NewFromInt(502))
	}, 2*time.Second, 5*time.Millisecond, "cache must hold the latest price even when throttled")

	delivered := 0
	timeout := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case <-ticks:
			delivered++
		case <-timeout:
			break loop
		}
	}
	require.Equal(t, 1, delivered)
}

func TestUnknownSymbolIsCachedButNotDelivered(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)

	id, ticks, err := h.bus.Subscribe(context.Background(), eventbus.Global(eventbus.EventTickReceived))
	require.NoError(t, err)
	defer h.bus.Unsubscribe(id)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	feed.push(t, `{"ev":"T","sym":"GME","p":25,"s":1}`)

	require.Eventually(t, func() bool {
		_, ok := h.prices.Get("GME")
		return ok
	}, time.Second, 5*time.Millisecond)
	select {
	case evt := <-ticks:
		t.Fatalf("unexpected delivery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectUnsubscribesAndResets(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	h.source.add(market.SegmentEquity, "AAPL", market.TierHigh)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.Disconnect(market.SegmentEquity))
	require.Equal(t, market.StateDisconnected, h.manager.State(market.SegmentEquity))
	require.Empty(t, h.manager.WireSymbols(market.SegmentEquity))

	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 2 }, time.Second, 5*time.Millisecond)
	frame := feed.controlFrames()[1]
	require.Equal(t, actionUnsubscribe, frame.Action)
	require.Equal(t, "T.AAPL,Q.AAPL", frame.Params)
}

func TestReconnectsAndReplaysAfterServerDrop(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	h.source.add(market.SegmentEquity, "NVDA", market.TierHigh)

	states, err := collectStates(h.bus)
	require.NoError(t, err)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	require.Eventually(t, func() bool { return len(feed.controlFrames()) == 1 }, time.Second, 5*time.Millisecond)

	feed.drop()
	require.Eventually(t, func() bool {
		return feed.accepts.Load() == 2 && len(feed.controlFrames()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	require.Equal(t, "T.NVDA,Q.NVDA", feed.controlFrames()[1].Params)
	require.Contains(t, states.seen(), market.StateReconnecting)
}

func TestAuthFailureEntersErrorState(t *testing.T) {
	feed := newFakeFeed(t, false)
	cfg := testConfig(feed.url())
	cfg.BaseDelay = 200 * time.Millisecond
	cfg.MaxDelay = 200 * time.Millisecond
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	waitState(t, h.manager, market.SegmentEquity, market.StateError)
	require.Empty(t, feed.controlFrames(), "no subscriptions before auth succeeds")
}

func TestLivenessWindowForcesReconnect(t *testing.T) {
	feed := newSilentFeed(t)
	cfg := testConfig(feed.url())
	cfg.APIKey = ""
	cfg.LivenessWindow = 80 * time.Millisecond
	cfg.PingInterval = time.Minute
	h := newHarness(t, cfg, nil)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	require.Eventually(t, func() bool { return feed.accepts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestMaxReconnectEmitsOnceThenStartsFreshCycle(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	cfg := testConfig(url)
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.Cooldown = 300 * time.Millisecond
	h := newHarness(t, cfg, nil)

	id, events, err := h.bus.Subscribe(context.Background(), eventbus.Global(eventbus.EventMaxReconnectReached))
	require.NoError(t, err)
	defer h.bus.Unsubscribe(id)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))

	var first eventbus.Event
	select {
	case first = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("max reconnect event not emitted")
	}
	require.Equal(t, 3, first.MaxReconnect.Attempts)
	require.Equal(t, market.StateError, h.manager.State(market.SegmentEquity))

	// Nothing else during the cooldown.
	select {
	case evt := <-events:
		t.Fatalf("second event during cooldown: %+v", evt)
	case <-time.After(150 * time.Millisecond):
	}

	// After the cooldown the counter restarts and a new cycle ends the same way.
	select {
	case second := <-events:
		require.Equal(t, 3, second.MaxReconnect.Attempts)
		require.True(t, second.MaxReconnect.At.After(first.MaxReconnect.At))
	case <-time.After(2 * time.Second):
		t.Fatal("no fresh attempt cycle after cooldown")
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []market.ConnectionState
}

func (l *stateLog) seen() []market.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]market.ConnectionState(nil), l.states...)
}

func collectStates(bus eventbus.Bus) (*stateLog, error) {
	_, ch, err := bus.Subscribe(context.Background(), eventbus.Global(eventbus.EventConnectionStateChanged))
	if err != nil {
		return nil, err
	}
	log := &stateLog{}
	go func() {
		for evt := range ch {
			log.mu.Lock()
			log.states = append(log.states, evt.State.Current)
			log.mu.Unlock()
		}
	}()
	return log, nil
}

// slowSource pauses after taking its snapshot so a subscription can land
// while the connect is still in flight.
type slowSource struct {
	*fakeSource
	once    sync.Once
	snapped chan struct{}
}

func (s *slowSource) Active(segment market.Segment) []string {
	symbols := s.fakeSource.Active(segment)
	s.once.Do(func() {
		close(s.snapped)
		time.Sleep(100 * time.Millisecond)
	})
	return symbols
}

func TestSubscribeDuringConnectReachesWire(t *testing.T) {
	feed := newFakeFeed(t, true)
	h := newHarness(t, testConfig(feed.url()), nil)
	src := &slowSource{fakeSource: h.source, snapped: make(chan struct{})}
	h.manager.SetSource(src)
	h.source.add(market.SegmentEquity, "AAPL", market.TierHigh)

	require.NoError(t, h.manager.Connect(market.SegmentEquity))
	select {
	case <-src.snapped:
	case <-time.After(2 * time.Second):
		t.Fatal("replay snapshot never taken")
	}

	// Same steps the registry takes on Subscribe: record interest, then
	// put it on the wire only if the segment reads Connected.
	h.source.add(market.SegmentEquity, "MSFT", market.TierHigh)
	if h.manager.State(market.SegmentEquity) == market.StateConnected {
		require.NoError(t, h.manager.Subscribe(market.SegmentEquity, "MSFT"))
	}

	waitState(t, h.manager, market.SegmentEquity, market.StateConnected)
	require.Eventually(t, func() bool {
		wire := h.manager.WireSymbols(market.SegmentEquity)
		return len(wire) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"AAPL", "MSFT"}, h.manager.WireSymbols(market.SegmentEquity))
}
