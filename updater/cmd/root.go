package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultDaemonAddr = "http://127.0.0.1:8089"

var (
	configPath string
	logLevel   string
	logFile    string
	daemonAddr string
	rootCmd    = &cobra.Command{
		Use:          "capacitor-updater",
		Short:        "live update daemon for web bundles",
		Long:         "Downloads web bundles, activates them on lifecycle transitions and rolls back bundles that never report ready.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "updater config file location, JSON or YAML")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets the updater log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets the updater log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "daemon-addr", defaultDaemonAddr, "control API address of the running daemon")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(currentCmd, listCmd, downloadCmd, nextCmd, setCmd, deleteCmd)
	rootCmd.AddCommand(resetCmd, reloadCmd, readyCmd, delayCmd)
	rootCmd.AddCommand(foregroundCmd, backgroundCmd, eventsCmd)
}

// SetupCloseHandler cancels ctx on SIGINT or SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}

// WithBackOff execute function in backoff cycle.
func WithBackOff(ctx context.Context, bf func() error) error {
	return backoff.RetryNotify(bf, backoff.WithContext(CLIBackOffSettings(), ctx), func(err error, duration time.Duration) {
		log.Warnf("retrying request to the updater daemon in %v due to error %v", duration, err)
	})
}

// CLIBackOffSettings is default backoff settings for CLI commands.
func CLIBackOffSettings() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}
