package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loccen/tinder-swipe/internal/aria2"
	"github.com/loccen/tinder-swipe/internal/config"
	"github.com/loccen/tinder-swipe/internal/httpapi"
	"github.com/loccen/tinder-swipe/internal/linode"
	"github.com/loccen/tinder-swipe/internal/orchestrator"
	"github.com/loccen/tinder-swipe/internal/pikpak"
	"github.com/loccen/tinder-swipe/internal/store"
)

// pidFileName lives next to the database so every deployment layout gets a
// working default without another config knob.
const pidFileName = "tinder-swipe.pid"

// serverShutdownTimeout bounds how long in-flight HTTP requests may run
// after the first termination signal.
const serverShutdownTimeout = 10 * time.Second

// versionProbeTimeout bounds the startup aria2 reachability probe.
const versionProbeTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and HTTP API",
		Long: `Start the long-running daemon: the four-tick scheduler that drives
tasks through transfer and download, the proxy VM supervisor, and the
HTTP API the review UI talks to.

A PID file next to the database prevents concurrent daemons. SIGINT or
SIGTERM shuts down gracefully; a second signal force-exits.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := appLogger

	if err := config.ValidateServe(cfg); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	st, err := store.Open(cfg.Core.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	pidPath := filepath.Join(filepath.Dir(cfg.Core.DatabasePath), pidFileName)

	cleanupPID, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanupPID()

	httpClient := defaultHTTPClient()

	tokenSource := pikpak.NewTokenSource(
		pikpak.DefaultAuthURL, cfg.PikPak.Username, cfg.PikPak.Password, httpClient, logger)
	drive := pikpak.NewClient(pikpak.DefaultBaseURL, httpClient, tokenSource, logger)
	cloud := linode.NewManager(linode.DefaultBaseURL, cfg.Linode.Token, httpClient, logger)
	daemon := aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.RPCSecret, httpClient, logger)

	probeDaemon(ctx, daemon, logger)

	proxy := orchestrator.NewProxyInstance(st, cloud, daemon, orchestrator.ProxyConfig{
		Region:        cfg.Linode.Region,
		Type:          cfg.Linode.Type,
		ProxyPort:     cfg.Proxy.Port,
		ProxyUsername: cfg.Proxy.Username,
		ProxyPassword: cfg.Proxy.Password,
		HourlyCost:    cfg.Linode.HourlyCost,
	}, logger)

	// Startup reconciliation is fatal on cloud or store errors: running the
	// scheduler against unknown instance state risks a second VM.
	if err := proxy.ReconcileOnStartup(ctx); err != nil {
		return fmt.Errorf("reconciling instance state: %w", err)
	}

	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Store:       st,
		Drive:       drive,
		Daemon:      daemon,
		Proxy:       proxy,
		DownloadDir: cfg.Core.DownloadBasePath,
		Logger:      logger,
	})

	scheduler := orchestrator.NewScheduler(orchestrator.SchedulerConfig{
		Engine:          engine,
		ConfirmInterval: time.Duration(cfg.Scheduler.ConfirmIntervalSeconds) * time.Second,
		PushInterval:    time.Duration(cfg.Scheduler.PushIntervalSeconds) * time.Second,
		MonitorInterval: time.Duration(cfg.Scheduler.MonitorIntervalSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Scheduler.CleanupIntervalSeconds) * time.Second,
		Logger:          logger,
	})

	api := httpapi.NewServer(httpapi.ServerConfig{
		Store:       st,
		Daemon:      daemon,
		Destroyer:   proxy,
		PreviewsDir: cfg.Core.PreviewsPath,
		DownloadDir: cfg.Core.DownloadBasePath,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return scheduler.Run(gctx)
	})

	group.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Listen))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-gctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutCtx)
	})

	group.Go(func() error {
		// Env-only deployments have no config directory to watch; losing
		// live reload is not worth killing the daemon over.
		err := config.Watch(gctx, resolvedCfgPath, logger, func(next *config.Config) {
			appLogLevel.Set(parseLogLevel(next.Core.LogLevel))
			logger.Info("runtime settings applied",
				slog.String("log_level", next.Core.LogLevel))
		})
		if err != nil {
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		}

		return nil
	})

	if cfg.Aria2.Notifications {
		listener, err := aria2.NewNotificationListener(cfg.Aria2.RPCURL, logger)
		if err != nil {
			logger.Warn("notification tap disabled", slog.String("error", err.Error()))
		} else {
			group.Go(func() error {
				// The tap is observational; only cancellation ends it.
				if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}

				return nil
			})
		}
	}

	err = group.Wait()

	// Let any in-flight background provisioning finish writing its rows
	// before the store closes.
	proxy.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// probeDaemon logs the aria2 version at startup. Unreachable is only a
// warning: the daemon may come up later, and every tick re-dials anyway.
func probeDaemon(ctx context.Context, daemon *aria2.Client, logger *slog.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	info, err := daemon.GetVersion(probeCtx)
	if err != nil {
		logger.Warn("aria2 daemon unreachable at startup", slog.String("error", err.Error()))

		return
	}

	logger.Info("aria2 daemon connected", slog.String("version", info.Version))
}
