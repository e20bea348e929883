// Package httpserver exposes the HTTP control surface of the quote service.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/errs"
	"github.com/coachpo/quotestream/internal/domain/advisor"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/domain/portfolio"
	"github.com/coachpo/quotestream/internal/lifecycle"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Service is the part of the quote service the handlers drive.
type Service interface {
	GetPrice(ctx context.Context, symbol string) (market.Quote, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]market.Quote, error)
	ForceRefresh(ctx context.Context, symbol string) (market.Quote, error)
	GetOptionChain(ctx context.Context, underlying, expiration string) (market.OptionChain, error)
	GetExpirations(ctx context.Context, underlying string) ([]string, error)
	Search(ctx context.Context, query string) ([]market.TickerMatch, error)
	CompanyProfile(ctx context.Context, symbol string) (market.CompanyProfile, error)
	Aggregates(ctx context.Context, symbol, span, from, to string) ([]market.Bar, error)
	Subscriptions() []market.Subscription
	Unsubscribe(symbol string) error
	ConnectionStates() map[market.Segment]market.ConnectionState
	SetAppState(ctx context.Context, state lifecycle.AppState) error
	AppState() lifecycle.AppState
	Portfolio(ctx context.Context, principal string) (portfolio.Summary, error)
	Recommend(ctx context.Context, principal, underlying string) ([]advisor.Suggestion, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler creates the HTTP handler for svc.
func NewHandler(svc Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &httpServer{svc: svc, logger: logger}
	mux := http.NewServeMux()

	mux.Handle("/healthz", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	mux.Handle("/quotes", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getQuotes,
	}))
	mux.Handle("/quotes/{symbol}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getQuote,
	}))
	mux.Handle("/quotes/{symbol}/refresh", server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.refreshQuote,
	}))

	mux.Handle("/options/{underlying}/expirations", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getExpirations,
	}))
	mux.Handle("/options/{underlying}/chain", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getChain,
	}))

	mux.Handle("/search", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.search,
	}))
	mux.Handle("/tickers/{symbol}/profile", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getProfile,
	}))
	mux.Handle("/tickers/{symbol}/aggregates", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAggregates,
	}))

	mux.Handle("/subscriptions", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSubscriptions,
	}))
	mux.Handle("/subscriptions/{symbol}", server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.deleteSubscription,
	}))
	mux.Handle("/connections", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listConnections,
	}))
	mux.Handle("/lifecycle", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.getLifecycle,
		http.MethodPost: server.setLifecycle,
	}))

	mux.Handle("/portfolios/{principal}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPortfolio,
	}))
	mux.Handle("/portfolios/{principal}/recommendations", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRecommendations,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	AsOf      time.Time       `json:"asOf"`
	Source    market.Source   `json:"source"`
	Stale     bool            `json:"stale"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func newQuoteResponse(q market.Quote) quoteResponse {
	return quoteResponse{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Bid:       q.Bid,
		Ask:       q.Ask,
		AsOf:      q.AsOf,
		Source:    q.Source,
		Stale:     q.Stale,
		ExpiresAt: q.ExpiresAt,
	}
}

type subscriptionResponse struct {
	Symbol     string            `json:"symbol"`
	Segment    market.Segment    `json:"segment"`
	Tier       market.Tier       `json:"tier"`
	Paused     bool              `json:"paused"`
	LastUpdate *time.Time        `json:"lastUpdate,omitempty"`
	Holders    map[string]string `json:"holders"`
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"appState":    s.svc.AppState(),
		"connections": s.svc.ConnectionStates(),
	})
}

func (s *httpServer) getQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.svc.GetPrice(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(quote))
}

func (s *httpServer) getQuotes(w http.ResponseWriter, r *http.Request) {
	symbols := splitList(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols query parameter required")
		return
	}
	quotes, err := s.svc.GetPrices(r.Context(), symbols)
	if err != nil && len(quotes) == 0 {
		s.writeServiceError(w, r, err)
		return
	}
	out := make(map[string]quoteResponse, len(quotes))
	for symbol, q := range quotes {
		out[symbol] = newQuoteResponse(q)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quotes": out,
		"errors": errorMessages(err),
	})
}

func (s *httpServer) refreshQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.svc.ForceRefresh(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(quote))
}

func (s *httpServer) getExpirations(w http.ResponseWriter, r *http.Request) {
	underlying := r.PathValue("underlying")
	expirations, err := s.svc.GetExpirations(r.Context(), underlying)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"underlying":  market.NormalizeSymbol(underlying),
		"expirations": expirations,
	})
}

func (s *httpServer) getChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.svc.GetOptionChain(r.Context(), r.PathValue("underlying"), r.URL.Query().Get("expiration"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"underlying": chain.Underlying,
		"expiration": chain.Expiration,
		"fetchedAt":  chain.FetchedAt,
		"stale":      chain.Stale,
		"failed":     chain.Failed(),
		"contracts":  chain.Contracts,
	})
}

func (s *httpServer) search(w http.ResponseWriter, r *http.Request) {
	matches, err := s.svc.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": matches})
}

func (s *httpServer) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.CompanyProfile(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *httpServer) getAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	span := q.Get("span")
	if span == "" {
		span = "day"
	}
	bars, err := s.svc.Aggregates(r.Context(), r.PathValue("symbol"), span, q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.svc.Subscriptions()
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp := subscriptionResponse{
			Symbol:  sub.Symbol,
			Segment: sub.Segment,
			Tier:    sub.Tier,
			Paused:  sub.Paused,
			Holders: make(map[string]string, len(sub.Holders)),
		}
		if !sub.LastUpdate.IsZero() {
			last := sub.LastUpdate
			resp.LastUpdate = &last
		}
		for holder, tier := range sub.Holders {
			resp.Holders[holder] = tier.String()
		}
		out = append(out, resp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Segment == out[j].Segment {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Segment < out[j].Segment
	})
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *httpServer) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unsubscribe(r.PathValue("symbol")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) listConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.svc.ConnectionStates()})
}

type lifecyclePayload struct {
	State string `json:"state"`
}

func (s *httpServer) getLifecycle(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"state": s.svc.AppState()})
}

func (s *httpServer) setLifecycle(w http.ResponseWriter, r *http.Request) {
	var payload lifecyclePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := lifecycle.ParseAppState(payload.State)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.svc.SetAppState(r.Context(), state); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.svc.AppState()})
}

func (s *httpServer) getPortfolio(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Portfolio(r.Context(), r.PathValue("principal"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *httpServer) getRecommendations(w http.ResponseWriter, r *http.Request) {
	underlying := r.URL.Query().Get("underlying")
	if strings.TrimSpace(underlying) == "" {
		writeError(w, http.StatusBadRequest, "underlying query parameter required")
		return
	}
	suggestions, err := s.svc.Recommend(r.Context(), r.PathValue("principal"), underlying)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func errorMessages(err error) []string {
	if err == nil {
		return []string{}
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid JSON payload: " + err.Error())
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
