// Package server is forgebuild's composition root: it constructs the
// store, messenger, build-state subsystem, resolver, and HTTP surface
// from a config.Config and runs them as one process until a shutdown
// signal arrives. It plays the role the teacher's daemon.Server struct
// plays in internal/daemon/server.go — one struct holding every
// collaborator, built once in main — generalized from smidr's gRPC
// server to spec.md §6's HTTP surface.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/schererja/forgebuild/internal/build"
	"github.com/schererja/forgebuild/internal/children"
	"github.com/schererja/forgebuild/internal/config"
	"github.com/schererja/forgebuild/internal/forgeerr"
	"github.com/schererja/forgebuild/internal/httpapi"
	"github.com/schererja/forgebuild/internal/logstream"
	"github.com/schererja/forgebuild/internal/messenger"
	"github.com/schererja/forgebuild/internal/remote"
	"github.com/schererja/forgebuild/internal/resolver"
	"github.com/schererja/forgebuild/internal/store"
	"github.com/schererja/forgebuild/internal/telemetry/logger"
)

// Server wires every build-state-subsystem collaborator into one
// runnable process.
type Server struct {
	Config    *config.Config
	Store     store.Store
	Messenger messenger.Messenger
	Build     *build.Machine
	Children  *children.Children
	Logs      *logstream.Logs
	Resolver  *resolver.Resolver
	API       *httpapi.API
	Log       *logger.Logger

	http     *http.Server
	shutdown chan struct{}
}

// New opens the configured store and messenger backends and wires the
// rest of the build-state subsystem over them. The caller owns the
// returned Server's lifecycle via Run/Stop.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	msgr, err := OpenMessenger(cfg)
	if err != nil {
		return nil, err
	}

	remotes := make([]resolver.Remote, 0, len(cfg.Remotes))
	for _, base := range cfg.Remotes {
		remotes = append(remotes, remote.NewPeer(base))
	}

	b := build.New(st, msgr, log)
	c := children.New(st, msgr, log)
	l := logstream.New(st, msgr, log)
	res := resolver.New(b, c, l, remotes)

	shutdown := make(chan struct{})
	api := &httpapi.API{
		Resolver:  res,
		Messenger: msgr,
		Log:       log,
		Shutdown:  shutdown,
	}

	return &Server{
		Config:    cfg,
		Store:     st,
		Messenger: msgr,
		Build:     b,
		Children:  c,
		Logs:      l,
		Resolver:  res,
		API:       api,
		Log:       log,
		shutdown:  shutdown,
	}, nil
}

// OpenStore opens the store backend cfg selects. Exported so a standalone
// tool (cmd/forgebuildd's run-target subcommand) can wire a
// runtime.TargetRuntime against the same store a running daemon uses,
// without duplicating the driver switch.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return store.OpenSQLite(cfg.StoreDSN)
	case config.StorePostgres:
		return store.OpenPostgres(cfg.StoreDSN)
	default:
		return nil, forgeerr.Newf(forgeerr.KindInvalid, "unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenMessenger opens the messenger backend cfg selects. Exported for the
// same reason as OpenStore.
func OpenMessenger(cfg *config.Config) (messenger.Messenger, error) {
	switch cfg.MessengerDriver {
	case config.MessengerMemory:
		return messenger.NewMemory(), nil
	case config.MessengerRedis:
		return messenger.NewRedis(cfg.MessengerDSN), nil
	default:
		return nil, forgeerr.Newf(forgeerr.KindInvalid, "unknown messenger driver %q", cfg.MessengerDriver)
	}
}

// Run starts the HTTP surface and blocks until ctx is canceled or the
// server fails to serve. On return, the store is always closed.
func (s *Server) Run(ctx context.Context) error {
	defer s.Store.Close()

	s.http = &http.Server{Addr: s.Config.ListenAddr, Handler: s.API.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.Log.Info("forgebuildd listening", slog.String("address", s.Config.ListenAddr))

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop begins graceful shutdown: it closes the watched shutdown channel
// (ending every live children/log/status stream) and gives the HTTP
// server up to Config.ShutdownGrace to finish in-flight requests.
func (s *Server) Stop() error {
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownGrace)
	defer cancel()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
