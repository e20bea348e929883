package quotes

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/eventbus"
)

// DetailHolderPrefix names the holders generated for anonymous handles.
const DetailHolderPrefix = "detail:"

type holdKey struct {
	symbol  string
	segment market.Segment
	holder  string
}

// Handle is one caller's subscription. Handles sharing a holder share its
// tier; the holder is dropped when the last of them is released.
type Handle struct {
	svc     *Service
	id      string
	symbol  string
	segment market.Segment
	holder  string

	subID eventbus.SubscriptionID
	ticks chan market.Tick
	done  chan struct{}
	once  sync.Once
}

// Subscribe registers holder's interest in symbol at tier and returns a
// handle streaming its delivered ticks. An empty holder gets a unique
// detail:<uuid> name.
func (s *Service) Subscribe(symbol string, tier market.Tier, holder string) (*Handle, error) {
	normalized, err := market.ValidateSymbol(symbol)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if holder == "" {
		holder = DetailHolderPrefix + id
	}
	segment := market.SegmentOf(normalized)

	events, err := s.subscribeBus(normalized)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.Subscribe(normalized, segment, tier, holder); err != nil {
		s.bus.Unsubscribe(events.id)
		return nil, err
	}

	h := &Handle{
		svc:     s,
		id:      id,
		symbol:  normalized,
		segment: segment,
		holder:  holder,
		subID:   events.id,
		ticks:   make(chan market.Tick, 16),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[id] = h
	s.holds[h.key()]++
	s.mu.Unlock()

	go h.forward(events.ch)
	return h, nil
}

type busSubscription struct {
	id eventbus.SubscriptionID
	ch <-chan eventbus.Event
}

func (s *Service) subscribeBus(symbol string) (busSubscription, error) {
	id, ch, err := s.bus.Subscribe(context.Background(), eventbus.ForSymbol(eventbus.EventTickReceived, symbol))
	if err != nil {
		return busSubscription{}, err
	}
	return busSubscription{id: id, ch: ch}, nil
}

func (h *Handle) key() holdKey {
	return holdKey{symbol: h.symbol, segment: h.segment, holder: h.holder}
}

func (h *Handle) forward(events <-chan eventbus.Event) {
	defer close(h.ticks)
	for {
		select {
		case <-h.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Tick == nil {
				continue
			}
			select {
			case h.ticks <- *evt.Tick:
			case <-h.done:
				return
			}
		}
	}
}

// ID returns the handle's unique ID.
func (h *Handle) ID() string { return h.id }

// Symbol returns the subscribed symbol.
func (h *Handle) Symbol() string { return h.symbol }

// Holder returns the registry holder the handle subscribes under.
func (h *Handle) Holder() string { return h.holder }

// Ticks streams the ticks delivered for the symbol. The channel is closed on
// Release.
func (h *Handle) Ticks() <-chan market.Tick { return h.ticks }

// SetTier changes the holder's tier. Unlike Subscribe it may downgrade.
func (h *Handle) SetTier(tier market.Tier) error {
	select {
	case <-h.done:
		return errs.New("quotes/handle", errs.CodeInvalid,
			errs.WithSymbol(h.symbol),
			errs.WithMessage("handle released"))
	default:
	}
	_, err := h.svc.registry.UpdatePriority(h.symbol, h.segment, h.holder, tier)
	return err
}

// Release stops delivery and drops the holder once no other handle uses it.
// It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		last := h.svc.forget(h)
		close(h.done)
		h.svc.bus.Unsubscribe(h.subID)
		if !last {
			return
		}
		if _, err := h.svc.registry.Unsubscribe(h.symbol, h.segment, h.holder); err != nil {
			h.svc.logger.Warn("release handle",
				zap.String("symbol", h.symbol),
				zap.String("holder", h.holder),
				zap.Error(err))
		}
	})
}

// detach closes the handle without touching the registry.
func (h *Handle) detach() {
	h.once.Do(func() {
		h.svc.forget(h)
		close(h.done)
		h.svc.bus.Unsubscribe(h.subID)
	})
}

// forget removes h and reports whether it was the last handle of its holder.
func (s *Service) forget(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h.id)
	k := h.key()
	s.holds[k]--
	if s.holds[k] > 0 {
		return false
	}
	delete(s.holds, k)
	return true
}
