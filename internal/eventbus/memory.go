package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[Topic]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	topic  Topic
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Event

	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig, logger *zap.Logger) *MemoryBus {
	cfg = cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[Topic]map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("quotestream_eventbus_published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("quotestream_eventbus_subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("quotestream_eventbus_dropped",
		metric.WithDescription("Events dropped because a subscriber buffer was full"),
		metric.WithUnit("{event}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("quotestream_eventbus_fanout",
		metric.WithDescription("Number of subscribers per publish"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("quotestream_eventbus_publish_duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish delivers evt to the global topic of its type and, when the event
// carries a symbol, to that symbol's topic. Delivery to a single subscriber
// preserves publish order.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !evt.Type.Valid() {
		return errs.New("eventbus/publish", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", evt.Type)))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	eventType := string(evt.Type)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[Global(evt.Type)]))
	for _, sub := range b.subscribers[Global(evt.Type)] {
		subs = append(subs, sub)
	}
	if evt.Symbol != "" {
		for _, sub := range b.subscribers[ForSymbol(evt.Type, evt.Symbol)] {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	attrs := []attribute.KeyValue{telemetry.AttrEnvironment.String(telemetry.Environment()), telemetry.AttrEventType.String(eventType)}
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(attrs...))
	}
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	if len(subs) == 0 {
		return nil
	}
	if err := b.dispatch(ctx, subs, evt); err != nil {
		return err
	}
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe registers for events matching topic and returns a subscription
// ID and channel. The channel is closed on Unsubscribe, when ctx ends, or
// when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic) (SubscriptionID, <-chan Event, error) {
	if !topic.Type.Valid() {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown event type %q", topic.Type)))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	topic.Symbol = ForSymbol(topic.Type, topic.Symbol).Symbol
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		topic:  topic,
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Event, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	b.recordSubscribers(topic, 1)
	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			b.recordSubscribers(topic, -1)
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if subs := b.subscribers[sub.topic]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, sub.topic)
			}
		}
	}
	b.mu.Unlock()
	if removed {
		b.recordSubscribers(sub.topic, -1)
	}
	sub.close()
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt Event) error {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	errCh := make(chan error, len(subs))
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			if err := b.deliver(ctx, sub, evt); err != nil {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// deliver never blocks: a full buffer drops its oldest event to make room.
// The subscriber lock keeps sends and close from racing.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt Event) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	b.logger.Debug("subscriber buffer full; dropped oldest event",
		zap.String("event_type", string(evt.Type)),
		zap.String("symbol", evt.Symbol))
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(evt.Type))))
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *MemoryBus) recordSubscribers(topic Topic, delta int64) {
	if b.subscriberGauge == nil {
		return
	}
	b.subscriberGauge.Add(context.Background(), delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEventType.String(string(topic.Type))))
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
