// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/quotestream/internal/cache"
	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/eventbus"
	"github.com/coachpo/quotestream/internal/fetcher"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
	"github.com/coachpo/quotestream/internal/lifecycle"
	"github.com/coachpo/quotestream/internal/quotes"
	"github.com/coachpo/quotestream/internal/registry"
	"github.com/coachpo/quotestream/internal/rest"
	"github.com/coachpo/quotestream/internal/stream"
	"github.com/coachpo/quotestream/internal/throttle"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		*s = FanoutWorkerSetting{}
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// StreamConfig configures the streaming connections. URL and channel maps are
// keyed by segment name.
type StreamConfig struct {
	URLs                map[string]string   `yaml:"urls"`
	APIKey              string              `yaml:"apiKey"`
	Channels            map[string][]string `yaml:"channels"`
	BaseDelay           time.Duration       `yaml:"baseDelay"`
	MaxDelay            time.Duration       `yaml:"maxDelay"`
	Jitter              time.Duration       `yaml:"jitter"`
	MaxAttempts         int                 `yaml:"maxAttempts"`
	Cooldown            time.Duration       `yaml:"cooldown"`
	LivenessWindow      time.Duration       `yaml:"livenessWindow"`
	PingInterval        time.Duration       `yaml:"pingInterval"`
	ControlInterval     time.Duration       `yaml:"controlInterval"`
	MaxChannelsPerFrame int                 `yaml:"maxChannelsPerFrame"`
}

// LimitConfig is the delivery budget of one tier.
type LimitConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxUpdates int           `yaml:"maxUpdates"`
}

// ThrottleConfig maps tier names to their delivery budgets.
type ThrottleConfig struct {
	Limits      map[string]LimitConfig `yaml:"limits"`
	ForceWindow time.Duration          `yaml:"forceWindow"`
}

// CacheConfig holds the per-kind lifetimes and the market calendar used for
// option chains.
type CacheConfig struct {
	Price             time.Duration `yaml:"price"`
	OptionChainOpen   time.Duration `yaml:"optionChainOpen"`
	OptionChainClosed time.Duration `yaml:"optionChainClosed"`
	Expirations       time.Duration `yaml:"expirations"`
	Search            time.Duration `yaml:"search"`
	Profile           time.Duration `yaml:"profile"`
	Aggregates        time.Duration `yaml:"aggregates"`
	MaxEntries        int           `yaml:"maxEntries"`
	MarketMIC         string        `yaml:"marketMic"`
}

// RESTConfig configures the vendor REST client.
type RESTConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	ProxyBaseURL      string        `yaml:"proxyBaseUrl"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	ProxiedTries      uint          `yaml:"proxiedTries"`
	RetryBase         time.Duration `yaml:"retryBase"`
	RetryMax          time.Duration `yaml:"retryMax"`
	MaxPages          int           `yaml:"maxPages"`
}

// FetcherConfig tunes request coalescing and batching.
type FetcherConfig struct {
	DebounceWindow    time.Duration `yaml:"debounceWindow"`
	PerCallLimit      int           `yaml:"perCallLimit"`
	BatchWorkers      int           `yaml:"batchWorkers"`
	OptionDetailBatch int           `yaml:"optionDetailBatch"`
	SearchLimit       int           `yaml:"searchLimit"`
	SubscribeTier     string        `yaml:"subscribeTier"`
	ConnectWindow     time.Duration `yaml:"connectWindow"`
}

// LifecycleConfig selects the background behaviour.
type LifecycleConfig struct {
	BackgroundPolicy string `yaml:"backgroundPolicy"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN selects the in-memory portfolio store.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// Enabled reports whether a PostgreSQL store is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified quotestream configuration sourced from YAML.
type AppConfig struct {
	Environment Environment `yaml:"environment"`
	LogLevel    string      `yaml:"logLevel"`
	// Principal is the portfolio owner kept subscribed while in the foreground.
	Principal string          `yaml:"principal"`
	Stream    StreamConfig    `yaml:"stream"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Cache     CacheConfig     `yaml:"cache"`
	REST      RESTConfig      `yaml:"rest"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Eventbus  EventbusConfig  `yaml:"eventbus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes, os.LookupEnv)
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}
	return AppConfig{}, false, err
}

func parse(data []byte, lookup func(string) (string, bool)) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv(lookup)
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.LogLevel = normalizeIdentifier(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Principal = strings.TrimSpace(c.Principal)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "quotestream"
	}

	c.normaliseStream()
	c.normaliseThrottle()
	c.normaliseCache()
	c.normaliseREST()
	c.normaliseFetcher()

	c.Lifecycle.BackgroundPolicy = normalizeIdentifier(c.Lifecycle.BackgroundPolicy)
	if c.Lifecycle.BackgroundPolicy == "" {
		c.Lifecycle.BackgroundPolicy = string(lifecycle.PolicyDisconnect)
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}

	c.Database.applyDefaults()
}

func (c *AppConfig) normaliseStream() {
	def := stream.DefaultConfig()
	urls := make(map[string]string, len(c.Stream.URLs))
	for segment, url := range c.Stream.URLs {
		urls[normalizeIdentifier(segment)] = strings.TrimSpace(url)
	}
	c.Stream.URLs = urls
	if len(c.Stream.Channels) == 0 {
		c.Stream.Channels = make(map[string][]string, len(def.Channels))
		for segment, channels := range def.Channels {
			c.Stream.Channels[string(segment)] = append([]string(nil), channels...)
		}
	} else {
		channels := make(map[string][]string, len(c.Stream.Channels))
		for segment, prefixes := range c.Stream.Channels {
			cleaned := make([]string, 0, len(prefixes))
			for _, p := range prefixes {
				if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
					cleaned = append(cleaned, p)
				}
			}
			channels[normalizeIdentifier(segment)] = cleaned
		}
		c.Stream.Channels = channels
	}
	c.Stream.APIKey = strings.TrimSpace(c.Stream.APIKey)
	if c.Stream.BaseDelay <= 0 {
		c.Stream.BaseDelay = def.BaseDelay
	}
	if c.Stream.MaxDelay <= 0 {
		c.Stream.MaxDelay = def.MaxDelay
	}
	if c.Stream.Jitter <= 0 {
		c.Stream.Jitter = def.Jitter
	}
	if c.Stream.MaxAttempts <= 0 {
		c.Stream.MaxAttempts = def.MaxAttempts
	}
	if c.Stream.Cooldown <= 0 {
		c.Stream.Cooldown = def.Cooldown
	}
	if c.Stream.LivenessWindow <= 0 {
		c.Stream.LivenessWindow = def.LivenessWindow
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = def.PingInterval
	}
	if c.Stream.MaxChannelsPerFrame <= 0 {
		c.Stream.MaxChannelsPerFrame = def.MaxChannelsPerFrame
	}
}

func (c *AppConfig) normaliseThrottle() {
	def := throttle.DefaultConfig()
	if len(c.Throttle.Limits) == 0 {
		c.Throttle.Limits = make(map[string]LimitConfig, len(def.Limits))
		for tier, limit := range def.Limits {
			c.Throttle.Limits[tier.String()] = LimitConfig{Interval: limit.Interval, MaxUpdates: limit.MaxUpdates}
		}
	} else {
		limits := make(map[string]LimitConfig, len(c.Throttle.Limits))
		for name, limit := range c.Throttle.Limits {
			limits[normalizeIdentifier(name)] = limit
		}
		c.Throttle.Limits = limits
	}
	if c.Throttle.ForceWindow <= 0 {
		c.Throttle.ForceWindow = def.ForceWindow
	}
}

func (c *AppConfig) normaliseCache() {
	def := cache.DefaultTTLs()
	setDefault(&c.Cache.Price, def.Price)
	setDefault(&c.Cache.OptionChainOpen, def.OptionChainOpen)
	setDefault(&c.Cache.OptionChainClosed, def.OptionChainClosed)
	setDefault(&c.Cache.Expirations, def.Expirations)
	setDefault(&c.Cache.Search, def.Search)
	setDefault(&c.Cache.Profile, def.Profile)
	setDefault(&c.Cache.Aggregates, def.Aggregates)
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = def.MaxEntries
	}
	c.Cache.MarketMIC = normalizeIdentifier(c.Cache.MarketMIC)
	if c.Cache.MarketMIC == "" {
		c.Cache.MarketMIC = quotes.DefaultConfig().MarketMIC
	}
}

func (c *AppConfig) normaliseREST() {
	def := rest.DefaultConfig()
	c.REST.BaseURL = strings.TrimRight(strings.TrimSpace(c.REST.BaseURL), "/")
	if c.REST.BaseURL == "" {
		c.REST.BaseURL = def.BaseURL
	}
	c.REST.ProxyBaseURL = strings.TrimRight(strings.TrimSpace(c.REST.ProxyBaseURL), "/")
	c.REST.APIKey = strings.TrimSpace(c.REST.APIKey)
	if c.REST.APIKey == "" {
		c.REST.APIKey = c.Stream.APIKey
	}
	setDefault(&c.REST.Timeout, def.Timeout)
	if c.REST.RequestsPerSecond < 0 {
		c.REST.RequestsPerSecond = 0
	}
	if c.REST.Burst <= 0 {
		c.REST.Burst = def.Burst
	}
	if c.REST.ProxiedTries == 0 {
		c.REST.ProxiedTries = def.ProxiedTries
	}
	setDefault(&c.REST.RetryBase, def.RetryBase)
	setDefault(&c.REST.RetryMax, def.RetryMax)
	if c.REST.MaxPages <= 0 {
		c.REST.MaxPages = def.MaxPages
	}
}

func (c *AppConfig) normaliseFetcher() {
	def := fetcher.DefaultConfig()
	setDefault(&c.Fetcher.DebounceWindow, def.DebounceWindow)
	if c.Fetcher.PerCallLimit <= 0 {
		c.Fetcher.PerCallLimit = def.PerCallLimit
	}
	if c.Fetcher.BatchWorkers <= 0 {
		c.Fetcher.BatchWorkers = def.BatchWorkers
	}
	if c.Fetcher.OptionDetailBatch <= 0 {
		c.Fetcher.OptionDetailBatch = def.OptionDetailBatch
	}
	if c.Fetcher.SearchLimit <= 0 {
		c.Fetcher.SearchLimit = def.SearchLimit
	}
	c.Fetcher.SubscribeTier = normalizeIdentifier(c.Fetcher.SubscribeTier)
	if c.Fetcher.SubscribeTier == "" {
		c.Fetcher.SubscribeTier = def.SubscribeTier.String()
	}
	setDefault(&c.Fetcher.ConnectWindow, registry.DefaultBatchWindow)
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	for segment, url := range c.Stream.URLs {
		if !validSegment(segment) {
			return fmt.Errorf("stream urls: unknown segment %q", segment)
		}
		if url == "" {
			return fmt.Errorf("stream urls: %s url required", segment)
		}
	}
	for segment, channels := range c.Stream.Channels {
		if !validSegment(segment) {
			return fmt.Errorf("stream channels: unknown segment %q", segment)
		}
		if len(channels) == 0 {
			return fmt.Errorf("stream channels: %s needs at least one channel", segment)
		}
	}
	if len(c.Stream.URLs) > 0 && c.Stream.APIKey == "" {
		return fmt.Errorf("stream apiKey required when urls are set")
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream maxDelay must be >= baseDelay")
	}

	for name, limit := range c.Throttle.Limits {
		tier, err := market.ParseTier(name)
		if err != nil {
			return fmt.Errorf("throttle limits: %w", err)
		}
		if tier == market.TierCritical || tier == market.TierPaused {
			return fmt.Errorf("throttle limits: tier %s is not rate limited", tier)
		}
		if limit.Interval <= 0 {
			return fmt.Errorf("throttle limits: %s interval must be >0", tier)
		}
		if limit.MaxUpdates <= 0 {
			return fmt.Errorf("throttle limits: %s maxUpdates must be >0", tier)
		}
	}

	if c.Cache.OptionChainOpen > c.Cache.OptionChainClosed {
		return fmt.Errorf("cache optionChainOpen must be <= optionChainClosed")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache maxEntries must be >=0")
	}

	if c.REST.APIKey == "" && c.Environment != EnvDev {
		return fmt.Errorf("rest apiKey required outside dev")
	}
	if c.REST.RetryMax < c.REST.RetryBase {
		return fmt.Errorf("rest retryMax must be >= retryBase")
	}

	if _, err := market.ParseTier(c.Fetcher.SubscribeTier); err != nil {
		return fmt.Errorf("fetcher subscribeTier: %w", err)
	}

	switch lifecycle.BackgroundPolicy(c.Lifecycle.BackgroundPolicy) {
	case lifecycle.PolicyDisconnect, lifecycle.PolicyPause:
	default:
		return fmt.Errorf("lifecycle backgroundPolicy must be one of disconnect, pause")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func validSegment(name string) bool {
	switch market.Segment(name) {
	case market.SegmentEquity, market.SegmentOption:
		return true
	default:
		return false
	}
}

// QuotesConfig converts the file configuration into the service settings.
func (c AppConfig) QuotesConfig() quotes.Config {
	cfg := quotes.DefaultConfig()
	cfg.Principal = c.Principal
	cfg.MarketMIC = c.Cache.MarketMIC

	cfg.Stream.URLs = make(map[market.Segment]string, len(c.Stream.URLs))
	for segment, url := range c.Stream.URLs {
		cfg.Stream.URLs[market.Segment(segment)] = url
	}
	cfg.Stream.Channels = make(map[market.Segment][]string, len(c.Stream.Channels))
	for segment, channels := range c.Stream.Channels {
		cfg.Stream.Channels[market.Segment(segment)] = append([]string(nil), channels...)
	}
	cfg.Stream.APIKey = c.Stream.APIKey
	cfg.Stream.BaseDelay = c.Stream.BaseDelay
	cfg.Stream.MaxDelay = c.Stream.MaxDelay
	cfg.Stream.Jitter = c.Stream.Jitter
	cfg.Stream.MaxAttempts = c.Stream.MaxAttempts
	cfg.Stream.Cooldown = c.Stream.Cooldown
	cfg.Stream.LivenessWindow = c.Stream.LivenessWindow
	cfg.Stream.PingInterval = c.Stream.PingInterval
	cfg.Stream.ControlInterval = c.Stream.ControlInterval
	cfg.Stream.MaxChannelsPerFrame = c.Stream.MaxChannelsPerFrame

	cfg.Throttle.Limits = make(map[market.Tier]throttle.Limit, len(c.Throttle.Limits))
	for name, limit := range c.Throttle.Limits {
		tier, err := market.ParseTier(name)
		if err != nil {
			continue
		}
		cfg.Throttle.Limits[tier] = throttle.Limit{Interval: limit.Interval, MaxUpdates: limit.MaxUpdates}
	}
	cfg.Throttle.ForceWindow = c.Throttle.ForceWindow

	cfg.Cache = cache.TTLs{
		Price:             c.Cache.Price,
		OptionChainOpen:   c.Cache.OptionChainOpen,
		OptionChainClosed: c.Cache.OptionChainClosed,
		Expirations:       c.Cache.Expirations,
		Search:            c.Cache.Search,
		Profile:           c.Cache.Profile,
		Aggregates:        c.Cache.Aggregates,
		MaxEntries:        c.Cache.MaxEntries,
	}

	cfg.REST = rest.Config{
		BaseURL:           c.REST.BaseURL,
		ProxyBaseURL:      c.REST.ProxyBaseURL,
		APIKey:            c.REST.APIKey,
		Timeout:           c.REST.Timeout,
		RequestsPerSecond: c.REST.RequestsPerSecond,
		Burst:             c.REST.Burst,
		ProxiedTries:      c.REST.ProxiedTries,
		RetryBase:         c.REST.RetryBase,
		RetryMax:          c.REST.RetryMax,
		MaxPages:          c.REST.MaxPages,
	}

	tier, err := market.ParseTier(c.Fetcher.SubscribeTier)
	if err != nil {
		tier = fetcher.DefaultConfig().SubscribeTier
	}
	cfg.Fetcher = fetcher.Config{
		DebounceWindow:    c.Fetcher.DebounceWindow,
		PerCallLimit:      c.Fetcher.PerCallLimit,
		BatchWorkers:      c.Fetcher.BatchWorkers,
		OptionDetailBatch: c.Fetcher.OptionDetailBatch,
		SearchLimit:       c.Fetcher.SearchLimit,
		SubscribeTier:     tier,
	}
	cfg.Registry = registry.Config{BatchWindow: c.Fetcher.ConnectWindow}
	cfg.Lifecycle = lifecycle.Config{Policy: lifecycle.BackgroundPolicy(c.Lifecycle.BackgroundPolicy)}
	cfg.Bus = eventbus.MemoryConfig{
		BufferSize:    c.Eventbus.BufferSize,
		FanoutWorkers: c.Eventbus.FanoutWorkerCount(),
	}
	return cfg
}

// TelemetrySettings overlays the file settings on the OTEL_* defaults.
func (c AppConfig) TelemetrySettings() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.Environment = string(c.Environment)
	cfg.OTLPInsecure = c.Telemetry.OTLPInsecure
	cfg.EnableMetrics = c.Telemetry.EnableMetrics
	return cfg
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
