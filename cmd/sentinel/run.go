package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"sentinel-gw/sentinel/pkg/accesslog"
	"sentinel-gw/sentinel/pkg/admin"
	"sentinel-gw/sentinel/pkg/cli"
	"sentinel-gw/sentinel/pkg/config"
	"sentinel-gw/sentinel/pkg/proxy"
	"sentinel-gw/sentinel/pkg/proxy/middleware"
	"sentinel-gw/sentinel/pkg/server"
	sectls "sentinel-gw/sentinel/pkg/security/tls"
	"sentinel-gw/sentinel/pkg/telemetry/logging"
	"sentinel-gw/sentinel/pkg/telemetry/metrics"
	"sentinel-gw/sentinel/pkg/tracker"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Sentinel proxy",
	Long: `Start the proxy with the specified configuration.

The proxy terminates TLS on the configured listener, forwards requests to
healthy upstreams, and serves the admin surface on its own listener.
Configuration reload is triggered by file changes, SIGHUP, or
POST /admin/reload.

Examples:
  # Start with default config
  sentinel run

  # Start with custom config
  sentinel run --config /etc/sentinel/config.yaml

  # Override listen address
  sentinel run --listen 0.0.0.0:443

  # Validate config without starting
  sentinel run --dry-run`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	if runFlags.listenAddress != "" {
		cfg.Proxy.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	if _, err := logging.Setup(cfg.Telemetry.Logging); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core plumbing: snapshot store, manager, connection tracker,
	// forwarding handler.
	store := proxy.NewStore()
	manager := proxy.NewManager(store)
	defer manager.Stop()

	tr := tracker.New(cfg.Sessions.MaxUpgradedLifetime)
	tr.Start(ctx)
	defer tr.Stop()

	handler := proxy.NewHandler(store, tr)

	var srv *server.Server

	// Metrics collector sampling live connection state.
	var collector *metrics.Collector
	if cfg.Telemetry.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Telemetry.Metrics.Namespace, metrics.Sources{
			ActiveConnections: func() float64 {
				if srv != nil {
					if l := srv.Listener(); l != nil {
						return float64(l.InUse())
					}
				}
				return 0
			},
			UpgradedConnections: func() float64 {
				_, upgraded := tr.Counts()
				return float64(upgraded)
			},
			RejectedConnections: func() float64 {
				if srv != nil {
					if l := srv.Listener(); l != nil {
						return float64(l.Rejected())
					}
				}
				return 0
			},
		})
		handler.AddObserver(func(s proxy.Stat) {
			collector.RecordRequest(s.Route, s.Status, s.Duration)
		})
	}

	// Access log pipeline.
	if cfg.AccessLog.Enabled {
		logStore, err := accesslog.OpenStore(cfg.AccessLog.Path)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer logStore.Close()

		recorder := accesslog.NewRecorder(logStore, cfg.AccessLog.BufferSize)
		defer recorder.Close()
		handler.AddObserver(func(s proxy.Stat) {
			recorder.Record(accesslog.Entry{
				Method:     s.Method,
				Host:       s.Host,
				Path:       s.Path,
				Route:      s.Route,
				Group:      s.Group,
				Upstream:   s.Upstream,
				Status:     s.Status,
				Duration:   s.Duration,
				RemoteAddr: s.RemoteAddr,
				Generation: s.Generation,
				Upgraded:   s.Upgraded,
			})
		})

		pruner := accesslog.NewPruner(logStore, cfg.AccessLog.RetentionDays)
		scheduler := accesslog.NewScheduler(pruner, cfg.AccessLog.PruneSchedule)
		if err := scheduler.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		defer scheduler.Stop()
	}

	// First snapshot. A bad initial config is fatal; later reload
	// failures only log.
	gen, err := manager.Apply(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	syncTelemetry(collector, store, gen)

	reload := func(ctx context.Context) (uint64, error) {
		gen, err := manager.Reload(ctx, cfgFile)
		if collector != nil {
			collector.RecordReload(err == nil)
		}
		if err != nil {
			return 0, err
		}
		syncTelemetry(collector, store, gen)
		return gen, nil
	}

	// Certificate expiry surveillance over the active snapshot.
	var certMonitor *sectls.ExpiryMonitor
	if cfg.TLS.Enabled {
		certMonitor = sectls.NewExpiryMonitor(func() *sectls.Material {
			if snap := store.Active(); snap != nil {
				return snap.Material()
			}
			return nil
		}, cfg.TLS.ExpiryRecheckInterval, cfg.TLS.ExpiryWarnWindow)
		certMonitor.Start(ctx)
	}

	// The client-facing server.
	chain := middleware.Recovery(middleware.Logging(middleware.RequestID(handler)))
	srv = server.New(cfg.Proxy, cfg.TLS.Enabled, store, tr, chain)

	errChan := make(chan error, 2)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errChan <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	// The admin surface.
	if cfg.Admin.Enabled {
		adminOpts := admin.Options{
			ListenAddress: cfg.Admin.ListenAddress,
			Store:         store,
			Counters:      handler.Counters(),
			Tracker:       tr,
			Reloader:      admin.ReloadFunc(reload),
			Connections: func() (int, uint64) {
				if l := srv.Listener(); l != nil {
					return l.InUse(), l.Rejected()
				}
				return 0, 0
			},
		}
		if certMonitor != nil {
			adminOpts.Cert = certMonitor
		}
		if collector != nil {
			adminOpts.Metrics = collector.Handler()
		}
		adminSrv := admin.New(adminOpts)
		go func() {
			if err := adminSrv.Start(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	// Reload triggers: config file changes and SIGHUP.
	watcher, err := config.NewWatcher(cfgFile, 0)
	if err != nil {
		slog.Warn("config watcher unavailable, file changes will not trigger reload", "error", err)
	} else {
		go func() {
			watcher.Watch(ctx, func() error {
				_, err := reload(ctx)
				return err
			})
		}()
		defer watcher.Stop()
	}

	hup := cli.NotifyReload()
	go func() {
		for range hup {
			slog.Info("SIGHUP received, reloading configuration")
			if _, err := reload(ctx); err != nil {
				slog.Error("reload failed, keeping previous configuration", "error", err)
			}
		}
	}()

	fmt.Printf("✓ Sentinel listening on %s (TLS: %v)\n", cfg.Proxy.ListenAddress, cfg.TLS.Enabled)
	if cfg.Admin.Enabled {
		fmt.Printf("✓ Admin surface on %s\n", cfg.Admin.ListenAddress)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	select {
	case err := <-errChan:
		return cli.NewCommandError("run", err)
	case sig := <-cli.WaitForShutdown():
		fmt.Printf("\nReceived signal %s, shutting down gracefully...\n", sig)
		cancel()
		// Give the server its shutdown window before exiting.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout+time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return cli.NewCommandError("run", err)
		}
	}
	return nil
}

// syncTelemetry refreshes generation and upstream gauges after a
// successful apply.
func syncTelemetry(collector *metrics.Collector, store *proxy.Store, gen uint64) {
	if collector == nil {
		return
	}
	collector.SetGeneration(gen)
	if snap := store.Active(); snap != nil {
		collector.SyncUpstreams(snap.Registry().All())
	}
}
