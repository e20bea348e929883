// Package lifecycle reshapes subscriptions and connections when the host
// application moves between foreground and background.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
	"github.com/coachpo/quotestream/internal/registry"
)

// AppState is the visibility of the host application.
type AppState string

const (
	// StateForeground means the user is looking at the app.
	StateForeground AppState = "foreground"
	// StateBackground means the app is hidden or suspended.
	StateBackground AppState = "background"
)

// ParseAppState resolves a state name.
func ParseAppState(value string) (AppState, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StateForeground), "active":
		return StateForeground, nil
	case string(StateBackground), "inactive", "hidden":
		return StateBackground, nil
	default:
		return "", errs.New("lifecycle/state", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown app state %q", value)))
	}
}

// BackgroundPolicy selects what happens to open connections in the background.
type BackgroundPolicy string

const (
	// PolicyDisconnect closes every connection; foreground reconnects.
	PolicyDisconnect BackgroundPolicy = "disconnect"
	// PolicyPause keeps connections open while every subscription sits at Paused.
	PolicyPause BackgroundPolicy = "pause"
)

// PortfolioHolder is the holder name used for reconciled positions.
const PortfolioHolder = "portfolio"

// Config configures a Monitor.
type Config struct {
	Policy BackgroundPolicy
}

// Registry is the subscription state the monitor drives.
type Registry interface {
	PauseAll() int
	ResumeAll() []market.Segment
	Active(segment market.Segment) []string
	RequestConnect(segment market.Segment)
	Reconcile(holder string, members []registry.Member) error
}

// Connections is the slice of the Connection Manager the monitor drives.
type Connections interface {
	State(segment market.Segment) market.ConnectionState
	Subscribe(segment market.Segment, symbols ...string) error
	Disconnect(segment market.Segment) error
}

// MembershipSource lists the symbols that should be held on foreground, such
// as the current portfolio positions.
type MembershipSource interface {
	Members(ctx context.Context) ([]registry.Member, error)
}

// Monitor applies app state transitions.
type Monitor struct {
	cfg    Config
	reg    Registry
	conns  Connections
	logger *zap.Logger

	mu      sync.Mutex
	state   AppState
	members MembershipSource

	transitions metric.Int64Counter
}

// New constructs a Monitor that starts in the foreground.
func New(cfg Config, reg Registry, conns Connections, logger *zap.Logger) *Monitor {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDisconnect
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:    cfg,
		reg:    reg,
		conns:  conns,
		logger: logger,
		state:  StateForeground,
	}
	meter := otel.Meter("lifecycle")
	m.transitions, _ = meter.Int64Counter("quotestream_lifecycle_transitions",
		metric.WithDescription("App state transitions applied"),
		metric.WithUnit("{transition}"))
	return m
}

// SetMembership configures the source reconciled on every foreground transition.
func (m *Monitor) SetMembership(src MembershipSource) {
	m.mu.Lock()
	m.members = src
	m.mu.Unlock()
}

// State returns the last applied app state.
func (m *Monitor) State() AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies state. Repeating the current state is a no-op.
func (m *Monitor) Transition(ctx context.Context, state AppState) error {
	m.mu.Lock()
	if state != StateForeground && state != StateBackground {
		m.mu.Unlock()
		return errs.New("lifecycle/transition", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown app state %q", state)))
	}
	if m.state == state {
		m.mu.Unlock()
		return nil
	}
	m.state = state
	members := m.members
	m.mu.Unlock()

	var err error
	if state == StateBackground {
		err = m.background()
	} else {
		err = m.foreground(ctx, members)
	}
	m.record(ctx, state, err)
	return err
}

// Observe applies every state received until states closes or ctx ends.
func (m *Monitor) Observe(ctx context.Context, states <-chan AppState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-states:
			if !ok {
				return nil
			}
			if err := m.Transition(ctx, state); err != nil {
				m.logger.Warn("app state transition", zap.String("state", string(state)), zap.Error(err))
			}
		}
	}
}

func (m *Monitor) background() error {
	paused := m.reg.PauseAll()
	m.logger.Info("entering background",
		zap.Int("paused", paused),
		zap.String("policy", string(m.cfg.Policy)))
	if m.cfg.Policy != PolicyDisconnect {
		return nil
	}
	var firstErr error
	for _, segment := range market.Segments {
		if err := m.conns.Disconnect(segment); err != nil {
			m.logger.Warn("disconnect", zap.String("segment", segment.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Monitor) foreground(ctx context.Context, members MembershipSource) error {
	segments := m.reg.ResumeAll()
	if members != nil {
		list, err := members.Members(ctx)
		switch {
		case err != nil:
			m.logger.Warn("load membership", zap.Error(err))
		default:
			if err := m.reg.Reconcile(PortfolioHolder, list); err != nil {
				m.logger.Warn("reconcile membership", zap.Error(err))
			}
		}
	}

	requested := 0
	for _, segment := range market.Segments {
		active := m.reg.Active(segment)
		if len(active) == 0 {
			continue
		}
		switch m.conns.State(segment) {
		case market.StateDisconnected:
			m.reg.RequestConnect(segment)
			requested++
		case market.StateConnected:
			// Symbols added while paused never reached the wire.
			if err := m.conns.Subscribe(segment, active...); err != nil {
				m.logger.Warn("resubscribe", zap.String("segment", segment.String()), zap.Error(err))
			}
		}
	}
	m.logger.Info("entering foreground",
		zap.Int("segments", len(segments)),
		zap.Int("connect_requests", requested))
	return nil
}

func (m *Monitor) record(ctx context.Context, state AppState, err error) {
	if m.transitions == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrAppState.String(string(state)),
		telemetry.AttrResult.String(result),
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}
