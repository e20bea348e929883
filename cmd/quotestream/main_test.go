package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/internal/domain/portfolio"
	"github.com/coachpo/quotestream/internal/infra/config"
	"github.com/coachpo/quotestream/internal/quotes"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestOpenStoreWithoutDSNUsesMemory(t *testing.T) {
	store, closeStore, err := openStore(context.Background(), zap.NewNop(), config.DatabaseConfig{})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NotNil(t, closeStore)
	closeStore()

	rows, err := store.List(context.Background(), "alice", portfolio.KindPosition)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestBuildAPIServerServesHealth(t *testing.T) {
	svc := quotes.New(quotes.DefaultConfig(), zap.NewNop())
	server := buildAPIServer(config.ServerConfig{Addr: ":0", ReadHeaderTimeout: time.Second}, svc, zap.NewNop())
	require.Equal(t, ":0", server.Addr)
	require.Equal(t, time.Second, server.ReadHeaderTimeout)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPerformGracefulShutdownRunsSteps(t *testing.T) {
	svc := quotes.New(quotes.DefaultConfig(), zap.NewNop())
	cancelled := false
	closed := false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	performGracefulShutdown(ctx, zap.NewNop(), gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		service:    svc,
		closeStore: func() { closed = true },
	})
	require.True(t, cancelled)
	require.True(t, closed)
}
