package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	sharedmetrics "github.com/Samankhalid01/capacitor-updater/shared/metrics"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/activation"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/api"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/bundle"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/config"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/downloader"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/host"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/manager"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/metrics"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/notify"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/poller"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/readiness"
	"github.com/Samankhalid01/capacitor-updater/updater/internal/storage"
	"github.com/Samankhalid01/capacitor-updater/util"
	"github.com/Samankhalid01/capacitor-updater/version"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the updater daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)

		if err := util.InitLog(logLevel, logFile); err != nil {
			return fmt.Errorf("failed initializing log %v", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		log.Infof("starting capacitor-updater %s", version.UpdaterVersion())
		return runDaemon(ctx, cfg)
	},
}

// runDaemon wires the updater components and serves until ctx is cancelled
func runDaemon(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(storage.Kind(cfg.StoreKind), cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to close state store: %v", err)
		}
	}()

	metricsServer, err := sharedmetrics.NewServer(cfg.MetricsPort, "")
	if err != nil {
		return err
	}
	appMetrics, err := metrics.NewAppMetrics(metricsServer.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	registry, err := bundle.NewRegistry(store, cfg.BuiltinPath)
	if err != nil {
		return fmt.Errorf("load bundle registry: %w", err)
	}

	bus := notify.NewBus()

	dl, err := downloader.New(registry, newFetcher(ctx, cfg), cfg.BundlesDir,
		downloader.WithMaxArchiveSize(cfg.MaxArchiveSize),
		downloader.WithMaxConcurrent(cfg.MaxDownloads),
		downloader.WithMetrics(appMetrics),
		downloader.WithSink(bus),
	)
	if err != nil {
		return fmt.Errorf("create downloader: %w", err)
	}

	contentHost := host.NewServer(cfg.HostListen)
	controller := activation.NewController(registry, store, contentHost, activation.Config{
		AppReadyTimeout:    cfg.AppReadyTimeout.Duration,
		AutoDeleteFailed:   cfg.AutoDeleteFailed,
		AutoDeletePrevious: cfg.AutoDeletePrevious,
	}, appMetrics)

	var opts []manager.Option
	if cfg.PollingEnabled() {
		opts = append(opts, manager.WithPoller(newPoller(cfg, registry, dl, controller, bus, appMetrics)))
	}
	if cfg.ReadyMarkerDir != "" {
		opts = append(opts, manager.WithReadinessWatcher(readiness.NewWatcher(cfg.ReadyMarkerDir)))
	}

	m := manager.New(manager.Config{
		NativeVersion:   cfg.NativeVersion,
		ResetWhenUpdate: cfg.ResetWhenUpdate,
	}, registry, store, controller, dl, opts...)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	apiServer := &http.Server{
		Addr:              cfg.APIListen,
		Handler:           api.NewHandler(m, bus, api.WithAllowedOrigins(cfg.AllowedOrigins...)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(contentHost.ListenAndServe)
	g.Go(metricsServer.ListenAndServe)
	g.Go(func() error {
		log.Infof("control API listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for name, shutdown := range map[string]func(context.Context) error{
			"control API":    apiServer.Shutdown,
			"content host":   contentHost.Shutdown,
			"metrics server": metricsServer.Shutdown,
		} {
			if err := shutdown(shutdownCtx); err != nil {
				log.Warnf("failed to stop %s: %v", name, err)
			}
		}
		return nil
	})

	return g.Wait()
}

func newFetcher(ctx context.Context, cfg *config.Config) downloader.SchemeFetcher {
	httpFetcher := downloader.NewHTTPFetcher(cfg.DownloadTimeout.Duration)
	fetcher := downloader.SchemeFetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
	}

	s3Fetcher, err := downloader.NewS3Fetcher(ctx, cfg.S3Endpoint)
	if err != nil {
		log.Warnf("s3 bundle urls are disabled: %v", err)
		return fetcher
	}
	fetcher["s3"] = s3Fetcher
	return fetcher
}

func newPoller(cfg *config.Config, registry *bundle.Registry, dl *downloader.Downloader, controller *activation.Controller, sink notify.Sink, appMetrics *metrics.AppMetrics) *poller.Poller {
	client := poller.NewHTTPClient(&http.Client{}, poller.DeviceInfo{
		AppID:         cfg.AppID,
		DeviceID:      cfg.DeviceID,
		NativeVersion: cfg.NativeVersion,
		Platform:      cfg.Platform,
	}, func() string {
		current := registry.Current()
		if current.VersionName != "" {
			return current.VersionName
		}
		return current.ID
	})

	return poller.New(poller.Config{
		URL:               cfg.AutoUpdateURL,
		CheckTimeout:      cfg.CheckTimeout.Duration,
		DownloadTimeout:   cfg.DownloadTimeout.Duration,
		FailedDownloadTTL: cfg.FailedDownloadTTL.Duration,
	}, client, dl, controller, registry, sink, appMetrics)
}
