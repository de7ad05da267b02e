package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schererja/forgebuild/internal/config"
	"github.com/schererja/forgebuild/internal/ids"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddr:      "127.0.0.1:18080",
		StoreDriver:     config.StoreSQLite,
		StoreDSN:        ":memory:",
		MessengerDriver: config.MessengerMemory,
		ShutdownGrace:   time.Second,
	}
}

func TestNew_WiresCollaborators(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(t), logger.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Store.Close() })

	require.NotNil(t, s.Build)
	require.NotNil(t, s.Children)
	require.NotNil(t, s.Logs)
	require.NotNil(t, s.Resolver)
	require.NotNil(t, s.API)
	require.Same(t, s.Resolver, s.API.Resolver)
}

func TestNew_RejectsUnknownDrivers(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.StoreDriver = "mongo"
	_, err := New(cfg, logger.NewLogger())
	require.Error(t, err)
}

func TestServer_RunServesAndStops(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s, err := New(cfg, logger.NewLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.ListenAddr + "/builds/" + ids.NewBuild().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)
}
