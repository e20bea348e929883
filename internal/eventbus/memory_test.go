package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quotestream/internal/domain/market"
)

func tick(symbol string, price int64) market.Tick {
	return market.Tick{
		Symbol:  symbol,
		Segment: market.SegmentOf(symbol),
		Kind:    market.TickTrade,
		Price:   decimal.NewFromInt(price),
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestMemoryBusPublishUnknownType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()

	err := bus.Publish(context.Background(), Event{Type: "price_changed"})
	require.Error(t, err)
}

func TestMemoryBusSubscribeUnknownType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()

	_, _, err := bus.Subscribe(context.Background(), Topic{})
	require.Error(t, err)
}

func TestMemoryBusGlobalAndSymbolTopics(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()
	ctx := context.Background()

	globalID, global, err := bus.Subscribe(ctx, Global(EventTickReceived))
	require.NoError(t, err)
	defer bus.Unsubscribe(globalID)

	aaplID, aapl, err := bus.Subscribe(ctx, ForSymbol(EventTickReceived, "aapl"))
	require.NoError(t, err)
	defer bus.Unsubscribe(aaplID)

	msftID, msft, err := bus.Subscribe(ctx, ForSymbol(EventTickReceived, "MSFT"))
	require.NoError(t, err)
	defer bus.Unsubscribe(msftID)

	require.NoError(t, bus.Publish(ctx, NewTickEvent(tick("AAPL", 190))))

	evt := receive(t, global)
	require.Equal(t, "AAPL", evt.Tick.Symbol)
	evt = receive(t, aapl)
	require.Equal(t, EventTickReceived, evt.Type)
	require.True(t, evt.Tick.Price.Equal(decimal.NewFromInt(190)))

	select {
	case evt := <-msft:
		t.Fatalf("unexpected event for MSFT subscriber: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 128, FanoutWorkers: 8}, nil)
	defer bus.Close()
	ctx := context.Background()

	id, ch, err := bus.Subscribe(ctx, ForSymbol(EventTickReceived, "SPY"))
	require.NoError(t, err)
	defer bus.Unsubscribe(id)

	for i := int64(0); i < 100; i++ {
		require.NoError(t, bus.Publish(ctx, NewTickEvent(tick("SPY", i))))
	}
	for i := int64(0); i < 100; i++ {
		evt := receive(t, ch)
		require.True(t, evt.Tick.Price.Equal(decimal.NewFromInt(i)), "event %d out of order", i)
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2}, nil)
	defer bus.Close()
	ctx := context.Background()

	id, ch, err := bus.Subscribe(ctx, Global(EventTickReceived))
	require.NoError(t, err)
	defer bus.Unsubscribe(id)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, NewTickEvent(tick("QQQ", i))))
	}
	require.True(t, receive(t, ch).Tick.Price.Equal(decimal.NewFromInt(2)))
	require.True(t, receive(t, ch).Tick.Price.Equal(decimal.NewFromInt(3)))
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), Global(EventConnectionStateChanged))
	require.NoError(t, err)
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}
	require.NoError(t, bus.Publish(context.Background(), NewStateEvent(StateChange{Segment: market.SegmentEquity})))
}

func TestMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, Global(EventMaxReconnectReached))
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10}, nil)

	_, ch, err := bus.Subscribe(context.Background(), Global(EventTickReceived))
	require.NoError(t, err)
	bus.Close()
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)
	require.Error(t, bus.Publish(context.Background(), NewTickEvent(tick("AAPL", 1))))
	_, _, err = bus.Subscribe(context.Background(), Global(EventTickReceived))
	require.Error(t, err)
}

func TestEventConstructorsSetMatchingPayload(t *testing.T) {
	state := NewStateEvent(StateChange{Segment: market.SegmentOption, Current: market.StateConnected})
	require.Equal(t, EventConnectionStateChanged, state.Type)
	require.Equal(t, market.SegmentOption, state.Segment)
	require.NotNil(t, state.State)
	require.Nil(t, state.Tick)

	maxed := NewMaxReconnectEvent(MaxReconnect{Segment: market.SegmentEquity, Attempts: 10})
	require.Equal(t, EventMaxReconnectReached, maxed.Type)
	require.Equal(t, 10, maxed.MaxReconnect.Attempts)
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{}.normalize()
	require.Positive(t, cfg.BufferSize)
	require.Positive(t, cfg.FanoutWorkers)
}
