// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yichenchong/proxyfleet/internal/api"
	"github.com/yichenchong/proxyfleet/internal/certmanager"
	"github.com/yichenchong/proxyfleet/internal/commander"
	"github.com/yichenchong/proxyfleet/internal/config"
	"github.com/yichenchong/proxyfleet/internal/connectors"
	"github.com/yichenchong/proxyfleet/internal/connectors/datacenterlocal"
	"github.com/yichenchong/proxyfleet/internal/connectors/docker"
	"github.com/yichenchong/proxyfleet/internal/connectors/freeproxies"
	"github.com/yichenchong/proxyfleet/internal/connectors/residential"
	"github.com/yichenchong/proxyfleet/internal/connectors/static"
	"github.com/yichenchong/proxyfleet/internal/connectors/tailnet"
	"github.com/yichenchong/proxyfleet/internal/connectors/vultr"
	"github.com/yichenchong/proxyfleet/internal/consts"
	"github.com/yichenchong/proxyfleet/internal/core"
	"github.com/yichenchong/proxyfleet/internal/fingerprint"
	"github.com/yichenchong/proxyfleet/internal/pool"
	"github.com/yichenchong/proxyfleet/internal/storage"
	"github.com/yichenchong/proxyfleet/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

type WebApp struct {
	Log       zerolog.Logger
	Config    *config.Config
	HTTP      *core.HTTPServer
	Health    *core.Health
	Store     storage.Store
	Archive   *storage.Archive
	Pool      *pool.Manager
	Scheduler *tasks.Scheduler
	Gate      *fingerprint.Gate
	Commander *commander.Commander
	API       *api.API

	docker *docker.Factory
	static *static.Factory
	cancel context.CancelFunc
}

func InitializeApp(ctx context.Context, configFile string) (*WebApp, error) {
	cfg, err := config.Load(configFile, config.NewEnv())
	if err != nil {
		return nil, err
	}

	logger := core.NewLog(cfg.Log)

	httpServer := core.NewHTTPServer(logger)
	httpServer.Use(core.RequestIDMiddleware)
	if cfg.Tracing.Enabled {
		httpServer.Use(core.TracingMiddleware)
	}

	health := core.NewHealthHandler(httpServer, logger)

	store, err := storage.New(ctx, logger, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	app := &WebApp{
		Log:    logger,
		Config: cfg,
		HTTP:   httpServer,
		Health: health,
		Store:  store,
	}

	var (
		poolOpts  []pool.Option
		schedOpts = []tasks.SchedulerOption{tasks.WithConcurrency(cfg.Refresh.TasksConcurrency)}
	)

	if cfg.Storage.Archive {
		app.Archive, err = storage.NewArchive(ctx, logger, cfg.Storage.ArchiveDSN)
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		poolOpts = append(poolOpts, pool.WithArchiver(app.Archive))
		schedOpts = append(schedOpts, tasks.WithArchiver(app.Archive))
	}

	// Providers
	//
	timeout := cfg.Refresh.ProviderTimeout
	app.docker = docker.New(logger)
	app.static = static.New(logger)

	factories := []connectors.Factory{
		datacenterlocal.New(logger, timeout),
		app.docker,
		vultr.New(logger, timeout),
		app.static,
		freeproxies.New(logger, timeout),
		residential.New(logger, timeout),
		tailnet.New(logger, timeout),
	}

	connectorRegistry := connectors.NewRegistry()
	taskRegistry := tasks.NewRegistry()
	for _, f := range factories {
		if err := connectorRegistry.Register(f); err != nil {
			return nil, err
		}
		if err := taskRegistry.RegisterProviders(f); err != nil {
			return nil, err
		}
	}

	// Pool, commander and background loops
	//
	app.Pool = pool.NewManager(logger, store, connectorRegistry,
		timeout, cfg.Refresh.ConnectorsDelay, poolOpts...)

	issuer := certmanager.NewIssuer(logger, cfg.Certificates)
	app.Commander = commander.New(logger, store, connectorRegistry, taskRegistry, app.Pool, issuer)

	app.Scheduler = tasks.NewScheduler(logger, store, taskRegistry, app.Commander,
		workerID(), cfg.Refresh.TasksDelay, schedOpts...)

	prober := fingerprint.NewProber(logger, cfg.Fingerprint)
	app.Gate = fingerprint.NewGate(logger, prober, store, app.Pool,
		cfg.InstallID, cfg.Refresh.FingerprintDelay, cfg.Fingerprint.Concurrency)

	app.API = api.New(httpServer, logger, app.Commander, app.Pool)

	if err := app.Commander.Seed(ctx, cfg.Seed); err != nil {
		return nil, fmt.Errorf("seeding projects: %w", err)
	}

	return app, nil
}

func (app *WebApp) Start(ctx context.Context) {
	app.Log.Info().
		Str("version", core.GetVersion()).
		Str("revision", core.GetRevision()).
		Msg("Starting server")

	ctx, app.cancel = context.WithCancel(ctx)

	// Add Routes
	//
	app.API.AddRoutes(ctx)
	if app.Config.HTTP.Pprof {
		core.PprofAddRoutes(app.HTTP)
	}

	// Background loops
	//
	go app.Pool.Start(ctx)
	go app.Scheduler.Run(ctx)
	go app.Gate.Run(ctx)

	// Start the webserver
	//
	go func() {
		app.Log.Info().Msg("Initializing WebServer")

		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", app.Config.HTTP.Hostname, app.Config.HTTP.Port),
			ReadHeaderTimeout: core.ReadHeaderTimeout,
		}

		if app.Config.LetsEncrypt.Enabled {
			if err := app.serveTLS(ctx, srv); err != nil {
				app.Log.Fatal().Err(err).Msg("Error starting TLS server")
			}
			return
		}

		app.Health.SetReady()

		if err := app.HTTP.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()
}

// serveTLS serves the API with Let's Encrypt certificates. ACME http-01
// challenges are answered on port 80.
func (app *WebApp) serveTLS(ctx context.Context, srv *http.Server) error {
	certManager, err := certmanager.NewCertManager(app.Log, app.Config.LetsEncrypt)
	if err != nil {
		return fmt.Errorf("creating certmanager: %w", err)
	}

	certManager.StartRenewalProcess(ctx)

	go func() {
		challenge := &http.Server{
			Addr:              fmt.Sprintf("%s:80", app.Config.HTTP.Hostname),
			ReadHeaderTimeout: core.ReadHeaderTimeout,
			Handler:           certManager.HTTPHandler(nil),
		}
		if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Log.Error().Err(err).Msg("ACME challenge server stopped")
		}
	}()

	listener, err := certManager.Listen(app.Config.HTTP.Hostname, app.Config.HTTP.Port)
	if err != nil {
		return err
	}

	srv.Handler = app.HTTP.Handler()
	app.Health.SetReady()

	app.Log.Info().Str("address", srv.Addr).Str("domain", app.Config.LetsEncrypt.DomainName).Msg("WebServer listening with TLS")

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (app *WebApp) Stop() {
	app.Log.Info().Msg("Shutdown server")

	app.Health.SetNotReady()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.HTTP.Shutdown(ctx); err != nil {
		app.Log.Error().Err(err).Msg("Error shutting down the WebServer")
	}

	// Shutdown things here
	//
	if app.cancel != nil {
		app.cancel()
	}
	app.Pool.StopAll()
	app.static.Close()
	app.docker.Close()

	if app.Archive != nil {
		if err := app.Archive.Close(); err != nil {
			app.Log.Error().Err(err).Msg("Error closing archive")
		}
	}
	if err := app.Store.Close(); err != nil {
		app.Log.Error().Err(err).Msg("Error closing storage")
	}

	app.Log.Info().Msg("Server was shutdown successfully")
}

func serverCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   core.AppName,
		Short: "Proxy pool manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			println("Initializing server")
			println("Version", core.GetVersion())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := InitializeApp(ctx, configFile)
			if err != nil {
				return err
			}

			app.Start(ctx)
			defer app.Stop()

			// Wait for interrupt signal to gracefully shutdown the server
			//
			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", envOr(consts.EnvPrefix+"_CONFIG", consts.DefaultConfigFile),
		"configuration file (defaults to "+consts.EnvPrefix+"_CONFIG)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(core.AppNameVersion)
		},
	})

	return cmd
}

// workerID names this process when it claims tasks.
func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = core.AppName
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := serverCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
