package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quotestream/internal/domain/market"
)

func TestDecodeMessagesAcceptsObjectAndArray(t *testing.T) {
	single, err := decodeMessages([]byte(` {"ev":"status","status":"auth_success","message":"authenticated"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.Equal(t, statusAuthSuccess, single[0].Status)

	batch, err := decodeMessages([]byte(`[{"ev":"T","sym":"AAPL","p":1.5,"s":10},{"ev":"Q","sym":"MSFT","bp":10,"ap":12}]`))
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, evQuote, batch[1].Ev)

	_, err = decodeMessages([]byte(`{"ev":`))
	require.Error(t, err)

	empty, err := decodeMessages([]byte("  "))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestToTick(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	trade := inboundMessage{Ev: evTrade, Sym: "aapl", Price: decimal.RequireFromString("190.5"), Size: decimal.NewFromInt(5), Timestamp: 1_700_000_000_000}
	tick, ok := trade.toTick(market.SegmentEquity, now)
	require.True(t, ok)
	require.Equal(t, "AAPL", tick.Symbol)
	require.Equal(t, market.TickTrade, tick.Kind)
	require.Equal(t, now, tick.ReceivedAt)
	require.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), tick.ExchangeTS)

	quote := inboundMessage{Ev: evQuote, Sym: "O:SPY250620C00500000", BidPrice: decimal.RequireFromString("4.10"), AskPrice: decimal.RequireFromString("4.30")}
	tick, ok = quote.toTick(market.SegmentOption, now)
	require.True(t, ok)
	require.True(t, tick.Price.Equal(decimal.RequireFromString("4.2")))

	oneSided := inboundMessage{Ev: evQuote, Sym: "SPY", BidPrice: decimal.NewFromInt(1)}
	_, ok = oneSided.toTick(market.SegmentEquity, now)
	require.False(t, ok, "a quote without both sides has no price")

	_, ok = inboundMessage{Ev: evTrade, Price: decimal.NewFromInt(1)}.toTick(market.SegmentEquity, now)
	require.False(t, ok, "missing symbol")

	_, ok = inboundMessage{Ev: "A", Sym: "SPY"}.toTick(market.SegmentEquity, now)
	require.False(t, ok, "aggregates are not ticks")
}

func TestChannelsAndChunks(t *testing.T) {
	channels := channelsFor([]string{"T", "Q"}, []string{"AAPL", "MSFT"})
	require.Equal(t, []string{"T.AAPL", "Q.AAPL", "T.MSFT", "Q.MSFT"}, channels)

	chunks := chunkChannels(channels, 3)
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 3)
	require.Len(t, chunks[1], 1)

	require.Len(t, chunkChannels(channels, 0), 1)
	require.Nil(t, chunkChannels(nil, 10))
}

func TestEncodeControl(t *testing.T) {
	data, err := encodeControl(actionSubscribe, []string{"T.AAPL", "Q.AAPL"})
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"subscribe","params":"T.AAPL,Q.AAPL"}`, string(data))
}
