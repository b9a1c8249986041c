// Package main provides the entry point for jointracker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/samcm/jointracker/internal/api"
	"github.com/samcm/jointracker/internal/backup"
	"github.com/samcm/jointracker/internal/bridge"
	"github.com/samcm/jointracker/internal/config"
	"github.com/samcm/jointracker/internal/discord"
	"github.com/samcm/jointracker/internal/store"
	"github.com/samcm/jointracker/internal/teamspeak"
	"github.com/samcm/jointracker/internal/tracker"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jointracker",
	Short: "Track who spends time with whom in voice channels",
	Long:  "A service that records voice channel presence, keeps pairwise call statistics and flags members left alone for too long.",
	RunE:  run,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracker (default)",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (required)")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(runCmd, statsCmd, backupCmd)
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *logrus.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, log, closeLog, nil
}

func openStore(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) (store.Store, error) {
	st, err := store.New(ctx, log, store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return st, nil
}

func newBackupClient(log logrus.FieldLogger, cfg *config.Config) *backup.Client {
	return backup.NewClient(log, backup.Config{
		BaseURL: cfg.Backup.BaseURL,
		APIKey:  cfg.Backup.APIKey,
		Timeout: cfg.Backup.Timeout,
	})
}

func trackerConfig(cfg *config.Config) tracker.Config {
	return tracker.Config{
		SoloTimeout:  cfg.Tracker.SoloTimeout,
		HistoryLimit: cfg.Tracker.HistoryLimit,
	}
}

// newLocalManager builds a manager over st without remote restore, so the
// offline commands only ever reflect local data.
func newLocalManager(log logrus.FieldLogger, cfg *config.Config, st store.Store) *tracker.Manager {
	return tracker.NewManager(log, trackerConfig(cfg), st)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("Received shutdown signal")
		cancel()
	}()

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clock := quartz.NewReal()
	opts := []tracker.Option{
		tracker.WithClock(clock),
		tracker.WithMetrics(tracker.NewMetrics(registry)),
	}

	var backupClient *backup.Client

	if cfg.Backup.Enabled {
		backupClient = newBackupClient(log, cfg)

		if cfg.Backup.RestoreOnStart {
			opts = append(opts, tracker.WithRestore(backupClient.Fetch))
		}
	}

	manager := tracker.NewManager(log, trackerConfig(cfg), st, opts...)

	if err := manager.LoadAll(ctx); err != nil {
		log.WithError(err).Warn("Failed to load some guilds")
	}

	var sources []bridge.Source

	if cfg.Discord.Enabled {
		sources = append(sources, discord.NewService(log, discord.Config{
			Token: cfg.Discord.Token,
		}, manager, manager))
	}

	if cfg.TeamSpeak.Enabled {
		tsService := teamspeak.NewService(log, teamspeak.Config{
			Host:      cfg.TeamSpeak.Host,
			QueryPort: cfg.TeamSpeak.QueryPort,
			Username:  cfg.TeamSpeak.Username,
			Password:  cfg.TeamSpeak.Password,
			ServerID:  cfg.TeamSpeak.ServerID,
		})

		sources = append(sources, teamspeak.NewWatcher(log, tsService, manager, clock, cfg.TeamSpeak.PollInterval))
	}

	var sidecars []bridge.Sidecar

	if cfg.HTTP.Enabled {
		sidecars = append(sidecars, api.NewServer(log, api.Config{Listen: cfg.HTTP.Listen}, manager, registry))
	}

	if backupClient != nil {
		sidecars = append(sidecars, backup.NewScheduler(log, backupClient, manager, cfg.Backup.Schedule))
	}

	bridgeService := bridge.NewService(log, bridge.Config{
		FlushInterval: cfg.Tracker.FlushInterval,
	}, clock, manager, sources, sidecars...)

	if err := bridgeService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	// Wait for context cancellation
	<-ctx.Done()

	if err := bridgeService.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping bridge")
	}

	log.Info("Shutdown complete")

	return nil
}
