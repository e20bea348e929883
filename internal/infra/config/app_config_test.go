package config

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/quotestream/internal/domain/market"
	"github.com/coachpo/quotestream/internal/lifecycle"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, loaded)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, string(lifecycle.PolicyDisconnect), cfg.Lifecycle.BackgroundPolicy)
	require.Equal(t, "xnys", cfg.Cache.MarketMIC)
	require.False(t, cfg.Database.Enabled())

	qc := cfg.QuotesConfig()
	require.Equal(t, 5*time.Second, qc.Throttle.Limits[market.TierHigh].Interval)
	require.Equal(t, 60*time.Second, qc.Cache.Price)
	require.Equal(t, market.TierMedium, qc.Fetcher.SubscribeTier)
	require.Equal(t, []string{"T", "Q"}, qc.Stream.Channels[market.SegmentEquity])
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	doc := `
environment: STAGING
principal: " alice "
stream:
  apiKey: key-1
  urls:
    Equity: wss://stream.example.com/stocks
    option: wss://stream.example.com/options
  channels:
    equity: [t, " q "]
  maxAttempts: 3
throttle:
  limits:
    HIGH: {interval: 2s, maxUpdates: 2}
cache:
  price: 30s
  marketMic: XNAS
rest:
  baseUrl: https://api.example.com/
  proxyBaseUrl: https://proxy.example.com
  requestsPerSecond: 2.5
fetcher:
  subscribeTier: low
  connectWindow: 250ms
lifecycle:
  backgroundPolicy: Pause
eventbus:
  bufferSize: 128
  fanoutWorkers: 3
server:
  addr: 127.0.0.1:9090
database:
  dsn: postgresql://db:5432/quotes
  maxConns: 4
  minConns: 8
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "alice", cfg.Principal)
	require.Equal(t, "https://api.example.com", cfg.REST.BaseURL)
	require.Equal(t, "key-1", cfg.REST.APIKey, "rest inherits the stream key")
	require.True(t, cfg.Database.Enabled())
	require.Equal(t, int32(4), cfg.Database.MinConns, "minConns clamps to maxConns")

	qc := cfg.QuotesConfig()
	require.Equal(t, "alice", qc.Principal)
	require.Equal(t, "xnas", qc.MarketMIC)
	require.Equal(t, "wss://stream.example.com/stocks", qc.Stream.URLs[market.SegmentEquity])
	require.Equal(t, "wss://stream.example.com/options", qc.Stream.URLs[market.SegmentOption])
	require.Equal(t, []string{"T", "Q"}, qc.Stream.Channels[market.SegmentEquity])
	require.Equal(t, 3, qc.Stream.MaxAttempts)
	require.Equal(t, 2*time.Second, qc.Throttle.Limits[market.TierHigh].Interval)
	require.Equal(t, 2, qc.Throttle.Limits[market.TierHigh].MaxUpdates)
	require.NotContains(t, qc.Throttle.Limits, market.TierMedium)
	require.Equal(t, 30*time.Second, qc.Cache.Price)
	require.Equal(t, 15*time.Minute, qc.Cache.OptionChainOpen)
	require.Equal(t, 2.5, qc.REST.RequestsPerSecond)
	require.Equal(t, market.TierLow, qc.Fetcher.SubscribeTier)
	require.Equal(t, 250*time.Millisecond, qc.Registry.BatchWindow)
	require.Equal(t, lifecycle.PolicyPause, qc.Lifecycle.Policy)
	require.Equal(t, 128, qc.Bus.BufferSize)
	require.Equal(t, 3, qc.Bus.FanoutWorkers)
}

func TestEnvOverridesSecrets(t *testing.T) {
	doc := `
environment: prod
stream:
  apiKey: from-file
rest:
  apiKey: from-file
`
	cfg, err := parse([]byte(doc), envMap(map[string]string{
		EnvAPIKey:      " from-env ",
		EnvDatabaseDSN: "postgresql://env/quotes",
		EnvPrincipal:   "bob",
	}))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Stream.APIKey)
	require.Equal(t, "from-env", cfg.REST.APIKey)
	require.Equal(t, "postgresql://env/quotes", cfg.Database.DSN)
	require.Equal(t, "bob", cfg.Principal)
}

func TestEmptyEnvDoesNotOverride(t *testing.T) {
	cfg, err := parse([]byte("stream:\n  apiKey: kept\n"), envMap(map[string]string{EnvAPIKey: "  "}))
	require.NoError(t, err)
	require.Equal(t, "kept", cfg.Stream.APIKey)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment must be one of":      "environment: qa\n",
		"unknown segment":                 "stream:\n  apiKey: k\n  urls:\n    crypto: wss://x\n",
		"apiKey required when urls":       "stream:\n  urls:\n    equity: wss://x\n",
		"unknown tier":                    "throttle:\n  limits:\n    urgent: {interval: 1s, maxUpdates: 1}\n",
		"is not rate limited":             "throttle:\n  limits:\n    critical: {interval: 1s, maxUpdates: 1}\n",
		"maxUpdates must be >0":           "throttle:\n  limits:\n    high: {interval: 1s}\n",
		"backgroundPolicy must be one of": "lifecycle:\n  backgroundPolicy: sleep\n",
		"rest apiKey required":            "environment: prod\n",
		"fetcher subscribeTier":           "fetcher:\n  subscribeTier: never\n",
		"optionChainOpen must be <=":      "cache:\n  optionChainOpen: 2h\n",
	}
	for want, doc := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := parse([]byte(doc), noEnv)
			require.Error(t, err)
			require.Contains(t, err.Error(), want)
		})
	}
}

func TestFanoutWorkerSetting(t *testing.T) {
	var cfg EventbusConfig
	require.NoError(t, yaml.Unmarshal([]byte("fanoutWorkers: auto\n"), &cfg))
	require.Equal(t, runtime.NumCPU(), cfg.FanoutWorkerCount())

	require.NoError(t, yaml.Unmarshal([]byte("fanoutWorkers: 7\n"), &cfg))
	require.Equal(t, 7, cfg.FanoutWorkerCount())

	require.NoError(t, yaml.Unmarshal([]byte("fanoutWorkers: default\n"), &cfg))
	require.Equal(t, 4, cfg.FanoutWorkerCount())

	require.Error(t, yaml.Unmarshal([]byte("fanoutWorkers: lots\n"), &cfg))
	require.Error(t, yaml.Unmarshal([]byte("fanoutWorkers: 0\n"), &cfg))
}

func TestLoadDotEnv(t *testing.T) {
	const key = "QUOTESTREAM_DOTENV_PROBE"
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path))
	require.Equal(t, "from-dotenv", os.Getenv(key))
}

func TestTelemetrySettingsOverlay(t *testing.T) {
	cfg, err := parse([]byte("telemetry:\n  otlpEndpoint: collector:4318\n  enableMetrics: true\n"), noEnv)
	require.NoError(t, err)
	tc := cfg.TelemetrySettings()
	require.Equal(t, "collector:4318", tc.OTLPEndpoint)
	require.Equal(t, "quotestream", tc.ServiceName)
	require.Equal(t, "dev", tc.Environment)
	require.True(t, tc.EnableMetrics)
}

func TestSampleConfigParses(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(file), "..", "..", "..", "config", "app.yaml"))
	require.NoError(t, err)

	_, err = parse(data, noEnv)
	require.ErrorContains(t, err, "stream apiKey required")

	cfg, err := parse(data, envMap(map[string]string{EnvAPIKey: "key"}))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.False(t, cfg.Database.Enabled())
	require.Equal(t, "key", cfg.REST.APIKey)
	require.Equal(t, 15*time.Minute, cfg.Cache.OptionChainOpen)
	require.Equal(t, string(lifecycle.PolicyDisconnect), cfg.Lifecycle.BackgroundPolicy)
}
