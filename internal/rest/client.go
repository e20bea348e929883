// Package rest is the HTTP client for market reference and snapshot data. It
// reaches the vendor either through a credential-injecting proxy or directly.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/quotestream/errs"
)

// Route selects how a request reaches the vendor.
type Route string

const (
	// RouteProxied goes through the proxy, which injects credentials.
	RouteProxied Route = "proxied"
	// RouteDirect goes straight to the vendor with the configured API key.
	RouteDirect Route = "direct"
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	ProxyBaseURL string
	APIKey       string
	Timeout      time.Duration
	// RequestsPerSecond paces each route independently; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// ProxiedTries is the attempt budget of the proxied route. The direct
	// route is always tried once.
	ProxiedTries uint
	RetryBase    time.Duration
	RetryMax     time.Duration
	MaxPages     int
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.polygon.io",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		ProxiedTries:      3,
		RetryBase:         250 * time.Millisecond,
		RetryMax:          2 * time.Second,
		MaxPages:          10,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.ProxyBaseURL = strings.TrimRight(strings.TrimSpace(c.ProxyBaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.ProxiedTries == 0 {
		c.ProxiedTries = def.ProxiedTries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	return c
}

// Client issues REST requests on either route.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	limiters map[Route]*rate.Limiter
	metrics  *restMetrics
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	cfg = cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		limiters: map[Route]*rate.Limiter{
			RouteProxied: rate.NewLimiter(limit, cfg.Burst),
			RouteDirect:  rate.NewLimiter(limit, cfg.Burst),
		},
		metrics: newRESTMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether route is configured.
func (c *Client) Available(route Route) bool {
	switch route {
	case RouteProxied:
		return c.cfg.ProxyBaseURL != ""
	case RouteDirect:
		return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
	default:
		return false
	}
}

func (c *Client) baseURL(route Route) string {
	if route == RouteProxied {
		return c.cfg.ProxyBaseURL
	}
	return c.cfg.BaseURL
}

// get fetches path on route into out. The proxied route retries transient
// failures with exponential backoff; other failures are permanent.
func (c *Client) get(ctx context.Context, route Route, endpoint, path string, query url.Values, out any) error {
	if !c.Available(route) {
		return errs.New("rest/"+endpoint, errs.CodeUnavailable,
			errs.WithField("route", string(route)),
			errs.WithMessage("route not configured"))
	}
	tries := uint(1)
	if route == RouteProxied {
		tries = c.cfg.ProxiedTries
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBase
	policy.MaxInterval = c.cfg.RetryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, route, endpoint, path, query, out)
		if err != nil && (ctx.Err() != nil || !errs.Retryable(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.recordRetry(ctx, route, endpoint)
			c.logger.Debug("retrying request",
				zap.String("route", string(route)),
				zap.String("endpoint", endpoint),
				zap.Duration("next", next),
				zap.Error(err))
		}))
	return err
}

func (c *Client) do(ctx context.Context, route Route, endpoint, path string, query url.Values, out any) error {
	component := "rest/" + endpoint
	if err := c.limiters[route].Wait(ctx); err != nil {
		return errs.New(component, errs.CodeRateLimited,
			errs.WithField("route", string(route)),
			errs.WithCause(err))
	}
	query = cloneValues(query)
	if route == RouteDirect {
		query.Set("apiKey", c.cfg.APIKey)
	}
	target := c.baseURL(route) + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.recordRequest(ctx, route, endpoint, string(errs.CodeNetwork), time.Since(start))
		return errs.New(component, errs.CodeNetwork,
			errs.WithField("route", string(route)),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := statusCode(resp.StatusCode)
		c.metrics.recordRequest(ctx, route, endpoint, string(code), time.Since(start))
		return errs.New(component, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithField("route", string(route)),
			errs.WithMessage(strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.metrics.recordRequest(ctx, route, endpoint, string(errs.CodeData), time.Since(start))
		return errs.New(component, errs.CodeData,
			errs.WithField("route", string(route)),
			errs.WithCause(fmt.Errorf("decode: %w", err)))
	}
	c.metrics.recordRequest(ctx, route, endpoint, "ok", time.Since(start))
	return nil
}

func statusCode(status int) errs.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.CodeRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return errs.CodeUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errs.CodeAuth
	case status == http.StatusNotFound:
		return errs.CodeNotFound
	default:
		return errs.CodeInvalid
	}
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in)+1)
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// nextPage turns a vendor pagination URL into a path and query on route.
func nextPage(next string) (string, url.Values, bool) {
	next = strings.TrimSpace(next)
	if next == "" {
		return "", nil, false
	}
	u, err := url.Parse(next)
	if err != nil || u.Path == "" {
		return "", nil, false
	}
	query := u.Query()
	query.Del("apiKey")
	return u.Path, query, true
}

// IsNotFound reports whether err is a vendor 404.
func IsNotFound(err error) bool {
	var e *errs.E
	return errors.As(err, &e) && e.Code == errs.CodeNotFound
}
