package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/beedrive/pkg/api"
	"github.com/cuemby/beedrive/pkg/config"
	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/log"
	"github.com/cuemby/beedrive/pkg/metrics"
	"github.com/cuemby/beedrive/pkg/server"
	"github.com/cuemby/beedrive/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the BeeDrive server",
	Long: `Run the BeeDrive server in the foreground.

Examples:
  # Serve ./files for one user
  beedrive serve --work-dir ./files --user alice=s3cret

  # Serve from a configuration file
  beedrive serve -c beedrive.yaml`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "YAML configuration file")
	cmd.Flags().String("addr", config.DefaultAddress, "Address to accept transfers on")
	cmd.Flags().String("work-dir", ".", "Directory files are uploaded to and downloaded from")
	cmd.Flags().String("data-dir", ".", "Directory for the transfer history database")
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "Address for health and metrics endpoints")
	cmd.Flags().Int("max-managers", 0, "Maximum number of worker managers (default: number of CPUs)")
	cmd.Flags().Int("max-workers", config.DefaultMaxWorkers, "Maximum concurrent transfers per manager")
	cmd.Flags().StringToString("user", nil, "User and shared secret as name=secret (repeatable)")
	cmd.Flags().Bool("no-crypto", false, "Disable message encryption")
	cmd.Flags().Bool("no-sign", false, "Disable message signatures")
	cmd.Flags().Duration("retention", 0, "Prune history records older than this on start (0 keeps all)")
}

func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Read(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Address, _ = flags.GetString("addr")
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir, _ = flags.GetString("work-dir")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("max-managers") {
		cfg.MaxManagers, _ = flags.GetInt("max-managers")
	}
	if flags.Changed("max-workers") {
		cfg.MaxWorkers, _ = flags.GetInt("max-workers")
	}
	if flags.Changed("no-crypto") {
		noCrypto, _ := flags.GetBool("no-crypto")
		cfg.Crypto = !noCrypto
	}
	if flags.Changed("no-sign") {
		noSign, _ := flags.GetBool("no-sign")
		cfg.Sign = !noSign
	}
	if flags.Changed("user") {
		users, _ := flags.GetStringToString("user")
		for name, secret := range users {
			cfg.Users[name] = secret
		}
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	for _, dir := range []string{cfg.WorkDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if retention, _ := cmd.Flags().GetDuration("retention"); retention > 0 {
		removed, err := store.Prune(time.Now().Add(-retention))
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		logger.Info().Int("removed", removed).Dur("retention", retention).Msg("Pruned transfer history")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	srv, err := server.New(&server.Config{
		Address:          cfg.Address,
		Name:             "beedrive",
		Users:            cfg.Users,
		Crypto:           cfg.Crypto,
		Sign:             cfg.Sign,
		MaxManagers:      cfg.MaxManagers,
		MaxWorkers:       cfg.MaxWorkers,
		WorkDir:          osfs.New(cfg.WorkDir, osfs.WithBoundOS()),
		Channel:          cfg.Channel(),
		RetryInterval:    cfg.RetryInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IOTimeout:        cfg.IOTimeout,
		ReplayWindow:     cfg.ReplayWindow,
		Recorder:         store,
		Events:           broker,
		Reporter:         log.DefaultReporter(),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	collector := metrics.NewCollector(srv, cfg.StatusInterval, log.WithComponent("collector"))
	collector.Start()

	health := api.NewHealthServer(srv, store, Version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run()
	})
	g.Go(func() error {
		logEvents(broker.Subscribe())
		return nil
	})
	g.Go(func() error {
		if err := health.Start(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("health server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		collector.Stop()
		err := errors.Join(
			srv.Stop(shutdownCtx),
			health.Shutdown(shutdownCtx),
		)
		broker.Stop()
		if dropped := broker.Dropped(); dropped > 0 {
			logger.Warn().Int64("dropped", dropped).Msg("Events dropped on full subscriber queues")
		}
		return err
	})

	logger.Info().
		Str("addr", cfg.Address).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("work_dir", cfg.WorkDir).
		Int("users", len(cfg.Users)).
		Msg("BeeDrive is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// logEvents logs server events until the subscription is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		entry := logger.Info()
		if ev.Type == events.EventTransferFailed || ev.Type == events.EventHandshakeRejected {
			entry = logger.Warn()
		}
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Str("event", string(ev.Type)).Msg(ev.Message)
	}
}
