package fetcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/rest"
)

// GetPrices resolves many symbols. Symbols answerable from the stream or the
// fresh cache return immediately; the rest join a debounced batch shared with
// every other caller inside the window. The returned map holds every symbol
// that resolved; the error joins the failures of the others.
func (f *Fetcher) GetPrices(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	out := make(map[string]market.Quote, len(symbols))
	var failures []error
	seen := make(map[string]struct{}, len(symbols))
	remaining := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		normalized, err := market.ValidateSymbol(symbol)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if quote, ok := f.local(normalized); ok {
			f.metrics.recordSource(ctx, quote.Source)
			out[normalized] = quote
			continue
		}
		remaining = append(remaining, normalized)
	}
	if len(remaining) == 0 {
		return out, errors.Join(failures...)
	}

	select {
	case <-ctx.Done():
		failures = append(failures, errs.New("fetcher/batch", errs.CodeNetwork, errs.WithCause(ctx.Err())))
	case res := <-f.batcher.enqueue(remaining):
		for _, symbol := range remaining {
			if quote, ok := res.quotes[symbol]; ok {
				out[symbol] = quote
				continue
			}
			if err, ok := res.errs[symbol]; ok {
				failures = append(failures, err)
			}
		}
	}
	return out, errors.Join(failures...)
}

type batchResult struct {
	quotes map[string]market.Quote
	errs   map[string]error
}

type batchWaiter struct {
	symbols []string
	done    chan batchResult
}

// batcher coalesces GetPrices callers. Each enqueue restarts the debounce
// timer; when it fires, the union of pending symbols is fetched in chunks.
type batcher struct {
	f *Fetcher

	mu         sync.Mutex
	pending    map[string]struct{}
	waiters    []*batchWaiter
	timer      *time.Timer
	generation uint64
	closed     bool
}

func newBatcher(f *Fetcher) *batcher {
	return &batcher{f: f, pending: make(map[string]struct{})}
}

func (b *batcher) enqueue(symbols []string) <-chan batchResult {
	w := &batchWaiter{symbols: symbols, done: make(chan batchResult, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		w.done <- failAll(symbols, errs.New("fetcher/batch", errs.CodeUnavailable, errs.WithMessage("fetcher closed")))
		return w.done
	}
	for _, symbol := range symbols {
		b.pending[symbol] = struct{}{}
	}
	b.waiters = append(b.waiters, w)
	window := b.f.cfg.DebounceWindow
	if b.timer != nil && b.timer.Stop() {
		b.timer.Reset(window)
		return w.done
	}
	b.generation++
	gen := b.generation
	b.timer = time.AfterFunc(window, func() { b.flush(gen) })
	return w.done
}

func (b *batcher) flush(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.generation || len(b.waiters) == 0 {
		b.mu.Unlock()
		return
	}
	symbols := make([]string, 0, len(b.pending))
	for symbol := range b.pending {
		symbols = append(symbols, symbol)
	}
	waiters := b.waiters
	b.pending = make(map[string]struct{})
	b.waiters = nil
	b.timer = nil
	b.mu.Unlock()

	sort.Strings(symbols)
	res := b.f.fetchBatch(context.Background(), symbols)
	for _, w := range waiters {
		w.done <- res
	}
}

func (b *batcher) close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	waiters := b.waiters
	b.waiters = nil
	b.pending = make(map[string]struct{})
	b.mu.Unlock()

	closedErr := errs.New("fetcher/batch", errs.CodeUnavailable, errs.WithMessage("fetcher closed"))
	for _, w := range waiters {
		w.done <- failAll(w.symbols, closedErr)
	}
}

func failAll(symbols []string, err error) batchResult {
	res := batchResult{errs: make(map[string]error, len(symbols))}
	for _, symbol := range symbols {
		res.errs[symbol] = err
	}
	return res
}

func chunk(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(symbols)
	}
	out := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}

// fetchBatch issues one snapshot request per chunk. Symbols a response leaves
// out fall back to the single-symbol chain.
func (f *Fetcher) fetchBatch(ctx context.Context, symbols []string) batchResult {
	res := batchResult{
		quotes: make(map[string]market.Quote, len(symbols)),
		errs:   make(map[string]error),
	}
	var mu sync.Mutex
	chunks := chunk(symbols, f.cfg.PerCallLimit)
	f.metrics.recordBatch(ctx, len(symbols), len(chunks))

	p := concpool.New().WithMaxGoroutines(f.cfg.BatchWorkers)
	for _, part := range chunks {
		part := part
		p.Go(func() {
			quotes, route, err := viaRoutes(ctx, f, func(ctx context.Context, route rest.Route) (map[string]market.Quote, error) {
				return f.vendor.Snapshots(ctx, route, part)
			})
			if err != nil {
				f.logger.Debug("batch snapshot failed", zap.Int("symbols", len(part)), zap.Error(err))
				return
			}
			for _, symbol := range part {
				quote, ok := quotes[symbol]
				if !ok {
					continue
				}
				entry := f.storePrice(symbol, quote)
				quote = entry.Value
				quote.Source = routeSource(route)
				quote.ExpiresAt = entry.ExpiresAt
				f.metrics.recordSource(ctx, quote.Source)
				mu.Lock()
				res.quotes[symbol] = quote
				mu.Unlock()
			}
		})
	}
	p.Wait()

	var missing []string
	for _, symbol := range symbols {
		if _, ok := res.quotes[symbol]; !ok {
			missing = append(missing, symbol)
		}
	}
	if len(missing) == 0 {
		return res
	}
	p = concpool.New().WithMaxGoroutines(f.cfg.BatchWorkers)
	for _, symbol := range missing {
		symbol := symbol
		p.Go(func() {
			quote, err := f.remote(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.errs[symbol] = err
				return
			}
			res.quotes[symbol] = quote
		})
	}
	p.Wait()
	return res
}
