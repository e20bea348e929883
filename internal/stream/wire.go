package stream

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quotestream/internal/domain/market"
)

const (
	actionAuth        = "auth"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	evStatus = "status"
	evTrade  = "T"
	evQuote  = "Q"

	statusConnected   = "connected"
	statusAuthSuccess = "auth_success"
	statusAuthFailed  = "auth_failed"
)

type controlFrame struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// inboundMessage covers every message shape the feed sends; unused fields
// stay zero.
type inboundMessage struct {
	Ev      string `json:"ev"`
	Status  string `json:"status"`
	Message string `json:"message"`

	Sym       string          `json:"sym"`
	Price     decimal.Decimal `json:"p"`
	Size      decimal.Decimal `json:"s"`
	BidPrice  decimal.Decimal `json:"bp"`
	AskPrice  decimal.Decimal `json:"ap"`
	Timestamp int64           `json:"t"`
}

func encodeControl(action string, params []string) ([]byte, error) {
	frame := controlFrame{Action: action, Params: strings.Join(params, ",")}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", action, err)
	}
	return data, nil
}

// decodeMessages accepts a single object or an array of objects.
func decodeMessages(data []byte) ([]inboundMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var batch []inboundMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decode message batch: %w", err)
		}
		return batch, nil
	}
	var single inboundMessage
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []inboundMessage{single}, nil
}

// toTick converts a trade or quote message. Quotes are priced at the mid.
func (msg inboundMessage) toTick(segment market.Segment, received time.Time) (market.Tick, bool) {
	symbol := market.NormalizeSymbol(msg.Sym)
	if symbol == "" {
		return market.Tick{}, false
	}
	tick := market.Tick{
		Symbol:     symbol,
		Segment:    segment,
		ReceivedAt: received,
	}
	if msg.Timestamp > 0 {
		tick.ExchangeTS = time.UnixMilli(msg.Timestamp).UTC()
	}
	switch msg.Ev {
	case evTrade:
		tick.Kind = market.TickTrade
		tick.Price = msg.Price
		tick.Size = msg.Size
	case evQuote:
		tick.Kind = market.TickQuote
		tick.Bid = msg.BidPrice
		tick.Ask = msg.AskPrice
		tick.Price = market.PriceFromMid(msg.BidPrice, msg.AskPrice)
	default:
		return market.Tick{}, false
	}
	if !tick.Price.IsPositive() {
		return market.Tick{}, false
	}
	return tick, true
}

// channelsFor expands symbols into wire channels such as T.AAPL and Q.AAPL.
func channelsFor(prefixes []string, symbols []string) []string {
	out := make([]string, 0, len(prefixes)*len(symbols))
	for _, symbol := range symbols {
		for _, prefix := range prefixes {
			out = append(out, prefix+"."+symbol)
		}
	}
	return out
}

func chunkChannels(channels []string, size int) [][]string {
	if len(channels) == 0 {
		return nil
	}

	if size <= 0 || len(channels) <= size {
		snapshot := make([]string, len(channels))
		copy(snapshot, channels)
		return [][]string{snapshot}
	}

	chunks := make([][]string, 0, (len(channels)+size-1)/size)
	for start := 0; start < len(channels); start += size {
		end := start + size
		if end > len(channels) {
			end = len(channels)
		}
		chunk := make([]string, end-start)
		copy(chunk, channels[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
