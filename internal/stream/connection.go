package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/eventbus"
)

// run keeps one segment connected until ctx ends. Failed sessions are
// retried with exponential backoff; after MaxAttempts consecutive failures
// the manager announces it once, cools down, resets the cycle and carries on.
func (m *Manager) run(ctx context.Context, sc *segmentConn, done chan struct{}) {
	defer close(done)
	delays := newReconnectDelays(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Jitter)
	log := m.logger.With(zap.String("segment", sc.segment.String()))

	for {
		err := m.session(ctx, sc, delays)
		if ctx.Err() != nil {
			return
		}

		sc.mu.Lock()
		sc.attempts++
		attempts := sc.attempts
		sc.mu.Unlock()
		log.Warn("stream session ended", zap.Int("attempt", attempts), zap.Error(err))

		if attempts >= m.cfg.MaxAttempts {
			m.setState(sc, market.StateError, "max reconnect attempts reached")
			m.publish(eventbus.NewMaxReconnectEvent(eventbus.MaxReconnect{
				Segment:  sc.segment,
				Attempts: attempts,
				Cooldown: m.cfg.Cooldown,
				At:       m.now(),
			}))
			if !sleepContext(ctx, m.cfg.Cooldown) {
				return
			}
			sc.mu.Lock()
			sc.attempts = 0
			sc.mu.Unlock()
			delays.Reset()
			m.setState(sc, market.StateReconnecting, "cooldown elapsed")
			continue
		}

		if errors.Is(err, errAuthFailed) {
			m.setState(sc, market.StateError, err.Error())
		} else {
			m.setState(sc, market.StateReconnecting, errorReason(err))
		}
		delay := delays.Next()
		m.metrics.recordDelay(ctx, sc.segment, delay)
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// session dials, authenticates, replays subscriptions and then runs the
// read, ping and liveness loops until one of them fails.
func (m *Manager) session(ctx context.Context, sc *segmentConn, delays *reconnectDelays) error {
	conn, _, err := websocket.Dial(ctx, sc.url, nil)
	if err != nil {
		m.metrics.recordReconnect(ctx, sc.segment, "dial_error")
		return fmt.Errorf("dial %s: %w", sc.segment, err)
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	if err := m.authenticate(ctx, conn); err != nil {
		m.metrics.recordReconnect(ctx, sc.segment, "auth_error")
		_ = conn.CloseNow()
		return err
	}
	m.metrics.recordReconnect(ctx, sc.segment, "success")
	delays.Reset()
	sc.lastInbound.Store(m.now().UnixNano())

	symbols := m.activate(sc, conn)
	if err := m.sendControl(ctx, sc, conn, actionSubscribe, symbols); err != nil {
		m.detach(sc, conn)
		_ = conn.CloseNow()
		return fmt.Errorf("replay subscriptions: %w", err)
	}

	// Each session runs isolated loops that cancel one another.
	connCtx, connCancel := context.WithCancel(ctx)
	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		errCh <- m.readLoop(connCtx, sc, conn)
	}()

	go func() {
		defer wg.Done()
		errCh <- m.pingLoop(connCtx, sc, conn)
	}()

	go func() {
		defer wg.Done()
		errCh <- m.watchLiveness(connCtx, sc)
	}()

	firstErr := <-errCh
	connCancel()
	m.detach(sc, conn)

	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	} else {
		_ = conn.CloseNow()
	}

	wg.Wait()
	close(errCh)

	aggregatedErr := firstErr
	for e := range errCh {
		if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) {
			aggregatedErr = e
		}
	}
	if aggregatedErr == nil {
		aggregatedErr = errRemoteClosed
	}
	return aggregatedErr
}

// authenticate sends the auth frame and waits for the feed's verdict.
// Without an API key the handshake is skipped.
func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if m.cfg.APIKey == "" {
		return nil
	}
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	frame, err := encodeControl(actionAuth, []string{m.cfg.APIKey})
	if err != nil {
		return err
	}
	if err := conn.Write(authCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}
	for {
		_, data, err := conn.Read(authCtx)
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		msgs, err := decodeMessages(data)
		if err != nil {
			m.logger.Warn("skipping malformed frame during auth", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			if msg.Ev != evStatus {
				continue
			}
			switch msg.Status {
			case statusAuthSuccess:
				return nil
			case statusAuthFailed:
				return fmt.Errorf("%w: %s", errAuthFailed, msg.Message)
			}
		}
	}
}

// activate installs conn, marks the segment connected and returns the
// symbols to replay. The replay set is read under the segment lock: a
// concurrent Subscribe either lands in it or blocks on State until the
// segment reads Connected. Lock order is segment, then registry.
func (m *Manager) activate(sc *segmentConn, conn *websocket.Conn) []string {
	src := m.subscriptionSource()

	sc.mu.Lock()
	var symbols []string
	if src != nil {
		symbols = src.Active(sc.segment)
	}
	sc.conn = conn
	sc.wire = make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		sc.wire[symbol] = struct{}{}
	}
	prev := sc.state
	sc.state = market.StateConnected
	sc.attempts = 0
	replay := wireSymbols(sc.wire)
	sc.mu.Unlock()

	m.metrics.adjustWire(context.Background(), sc.segment, len(replay))
	if prev != market.StateConnected {
		m.announceState(sc.segment, prev, market.StateConnected, "authenticated")
	}
	return replay
}

func (m *Manager) detach(sc *segmentConn, conn *websocket.Conn) {
	sc.mu.Lock()
	if sc.conn != conn {
		sc.mu.Unlock()
		return
	}
	cleared := len(sc.wire)
	sc.conn = nil
	sc.wire = make(map[string]struct{})
	sc.mu.Unlock()
	m.metrics.adjustWire(context.Background(), sc.segment, -cleared)
}

// sendControl writes subscribe or unsubscribe frames, chunked at the
// per-frame channel limit.
func (m *Manager) sendControl(ctx context.Context, sc *segmentConn, conn *websocket.Conn, action string, symbols []string) error {
	if len(symbols) == 0 || conn == nil {
		return nil
	}
	channels := channelsFor(sc.prefixes, symbols)
	for _, chunk := range chunkChannels(channels, m.cfg.MaxChannelsPerFrame) {
		data, err := encodeControl(action, chunk)
		if err != nil {
			return err
		}
		if err := sc.control.Wait(ctx); err != nil {
			return fmt.Errorf("pace %s frame: %w", action, err)
		}

		sc.writeMu.Lock()
		writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		sc.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write %s frame: %w", action, err)
		}

		m.metrics.recordControl(ctx, sc.segment, action, len(chunk))
		m.logger.Debug("control frame sent",
			zap.String("segment", sc.segment.String()),
			zap.String("action", action),
			zap.Int("channels", len(chunk)))
	}
	return nil
}

// readLoop continuously reads frames and dispatches ticks in arrival order.
func (m *Manager) readLoop(ctx context.Context, sc *segmentConn, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return errRemoteClosed
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return errRemoteClosed
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		sc.lastInbound.Store(m.now().UnixNano())
		if msgType != websocket.MessageText {
			continue
		}
		m.metrics.recordMessage(ctx, sc.segment, len(data))

		msgs, err := decodeMessages(data)
		if err != nil {
			m.logger.Warn("skipping malformed frame", zap.String("segment", sc.segment.String()), zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			switch msg.Ev {
			case evStatus:
				if msg.Status == statusAuthFailed {
					return fmt.Errorf("%w: %s", errAuthFailed, msg.Message)
				}
				m.logger.Debug("status message",
					zap.String("segment", sc.segment.String()),
					zap.String("status", msg.Status),
					zap.String("message", msg.Message))
			case evTrade, evQuote:
				tick, ok := msg.toTick(sc.segment, m.now())
				if !ok {
					m.logger.Debug("skipping incomplete tick", zap.String("segment", sc.segment.String()), zap.String("symbol", msg.Sym))
					continue
				}
				m.handleTick(ctx, tick)
			}
		}
	}
}

// pingLoop sends heartbeats; a successful pong counts as inbound traffic.
func (m *Manager) pingLoop(ctx context.Context, sc *segmentConn, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			m.metrics.recordPing(ctx, sc.segment, time.Since(start), result)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
			sc.lastInbound.Store(m.now().UnixNano())
		}
	}
}

// watchLiveness fails the session when nothing arrived within the liveness
// window; a half-open socket is treated as a failure.
func (m *Manager) watchLiveness(ctx context.Context, sc *segmentConn) error {
	interval := m.cfg.LivenessWindow / 4
	if interval <= 0 {
		interval = m.cfg.LivenessWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			last := time.Unix(0, sc.lastInbound.Load())
			if m.now().Sub(last) > m.cfg.LivenessWindow {
				return errLiveness
			}
		}
	}
}

// handleTick always refreshes the live map, the price cache and the
// subscription's last update; delivery to listeners is subject to the throttle.
func (m *Manager) handleTick(ctx context.Context, tick market.Tick) {
	m.liveMu.Lock()
	m.live[tick.Symbol] = tick
	m.liveMu.Unlock()

	if m.prices != nil {
		asOf := tick.ExchangeTS
		if asOf.IsZero() {
			asOf = tick.ReceivedAt
		}
		m.prices.Set(tick.Symbol, market.Quote{
			Symbol: tick.Symbol,
			Price:  tick.Price,
			Bid:    tick.Bid,
			Ask:    tick.Ask,
			AsOf:   asOf,
			Source: market.SourceStream,
		})
	}

	src := m.subscriptionSource()
	if src == nil {
		return
	}
	tier, known := src.Tier(tick.Segment, tick.Symbol)
	if !known {
		return
	}
	src.Touch(tick.Segment, tick.Symbol, tick.ReceivedAt)

	effective, ok := m.policy.Admit(tick.Symbol, tier)
	m.metrics.recordTick(ctx, tick.Segment, effective, ok)
	if !ok {
		return
	}
	m.publish(eventbus.NewTickEvent(tick))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
