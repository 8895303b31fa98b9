package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ccheshirecat/lambdo/internal/server/admin"
	"github.com/ccheshirecat/lambdo/internal/server/config"
	"github.com/ccheshirecat/lambdo/internal/server/db"
	"github.com/ccheshirecat/lambdo/internal/server/db/sqlite"
	"github.com/ccheshirecat/lambdo/internal/server/eventbus/memory"
	"github.com/ccheshirecat/lambdo/internal/server/httpapi"
	"github.com/ccheshirecat/lambdo/internal/server/images"
	"github.com/ccheshirecat/lambdo/internal/server/metrics"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/cloudhypervisor"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/firecracker"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/network"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/stub"
	"github.com/ccheshirecat/lambdo/internal/server/registry"
)

// App wires the config, journal, orchestrator, and HTTP transports.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	store        db.Store
	engine       orchestrator.Engine
	apiServer    *http.Server
	adminServer  *http.Server
	shutdownWait time.Duration
}

// Build constructs every component named by cfg. Nothing on the host is
// changed until Run.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	netManager, err := newNetworkManager(cfg)
	if err != nil {
		return nil, err
	}
	backend := newBackend(cfg)
	resolver := newResolver(cfg, logger)

	var store db.Store
	if cfg.State.DatabasePath != "" {
		s, err := sqlite.Open(ctx, cfg.State.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		store = s
	}

	settings := registry.Settings{
		Bridge:        cfg.API.Bridge,
		BridgeAddress: cfg.API.BridgeAddress,
		ListenAddr:    cfg.ListenAddr(),
		ImagesKind:    cfg.Images.Kind,
		ImagesPath:    cfg.Images.Path,
	}
	events := memory.New()
	recorder := metrics.New()

	engine, err := orchestrator.New(orchestrator.Params{
		Registry:       registry.New(settings),
		Network:        netManager,
		Backend:        backend,
		Images:         resolver,
		Store:          store,
		Bus:            events,
		Metrics:        recorder,
		Logger:         logger,
		BackendTimeout: cfg.Backend.Timeout,
		VCPUs:          cfg.Backend.VCPUs,
		MemoryMB:       cfg.Backend.MemoryMB,
	})
	if err != nil {
		if store != nil {
			_ = store.Close(ctx)
		}
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: engine,
		apiServer: &http.Server{
			Addr:    cfg.ListenAddr(),
			Handler: httpapi.New(logger.With("component", "httpapi"), engine, events),
			// Start requests wait for the backend, so the write timeout
			// leaves room for it.
			ReadTimeout:  30 * time.Second,
			WriteTimeout: cfg.Backend.Timeout*2 + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		},
		shutdownWait: cfg.Backend.Timeout + 15*time.Second,
	}
	if cfg.API.AdminListen != "" {
		a.adminServer = &http.Server{
			Addr:        cfg.API.AdminListen,
			Handler:     admin.New(logger.With("component", "admin"), engine, settings, recorder),
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 120 * time.Second,
		}
	}
	return a, nil
}

func newNetworkManager(cfg config.Config) (network.Manager, error) {
	switch cfg.API.NetworkDriver {
	case config.NetworkDriverMemory:
		return network.NewMemory("eth0"), nil
	default:
		host, err := network.NewHost()
		if err != nil {
			return nil, fmt.Errorf("init host networking: %w", err)
		}
		return host, nil
	}
}

func newBackend(cfg config.Config) runtime.Backend {
	switch cfg.Backend.Kind {
	case config.BackendStub:
		return stub.New()
	case config.BackendCloudHypervisor:
		return cloudhypervisor.New(cfg.BackendBinary(), cfg.Backend.RuntimeDir, cfg.Backend.LogDir)
	default:
		return firecracker.New(cfg.BackendBinary(), cfg.Backend.RuntimeDir, cfg.Backend.LogDir)
	}
}

func newResolver(cfg config.Config, logger *slog.Logger) images.Resolver {
	if cfg.Images.Kind == config.ImagesURL {
		return images.NewCache(cfg.Images.Path, &http.Client{Timeout: 10 * time.Minute}, logger)
	}
	return images.NewFolder(cfg.Images.Path, logger)
}

// Run bootstraps the host network, serves the API until ctx is cancelled
// and then stops every VM.
func (a *App) Run(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", a.apiServer.Addr)
	if err != nil {
		return fmt.Errorf("listen api: %w", err)
	}
	var adminLn net.Listener
	if a.adminServer != nil {
		adminLn, err = net.Listen("tcp", a.adminServer.Addr)
		if err != nil {
			_ = apiLn.Close()
			return fmt.Errorf("listen admin: %w", err)
		}
	}
	return a.serve(ctx, apiLn, adminLn)
}

func (a *App) serve(ctx context.Context, apiLn, adminLn net.Listener) error {
	if err := a.engine.Start(ctx); err != nil {
		_ = apiLn.Close()
		if adminLn != nil {
			_ = adminLn.Close()
		}
		a.closeStore()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("api server listening", "addr", apiLn.Addr().String())
		if err := a.apiServer.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if adminLn != nil {
		go func() {
			a.logger.Info("admin server listening", "addr", adminLn.Addr().String())
			if err := a.adminServer.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api shutdown", "error", err)
	}
	if err := a.engine.Stop(shutdownCtx); err != nil {
		a.logger.Error("engine stop", "error", err)
	}
	if a.adminServer != nil {
		if err := a.adminServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("admin shutdown", "error", err)
		}
	}
	a.closeStore()
	return runErr
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("store close", "error", err)
	}
}

// Engine exposes the orchestrator for callers embedding the daemon.
func (a *App) Engine() orchestrator.Engine {
	return a.engine
}
