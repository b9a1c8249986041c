package main

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/samcm/jointracker/internal/backup"
	"github.com/samcm/jointracker/internal/config"
	"github.com/samcm/jointracker/internal/tracker"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Exchange statistics with the remote backup",
}

var backupPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the statistics of every stored guild",
	Args:  cobra.NoArgs,
	RunE:  runBackupPush,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [guild...]",
	Short: "Replace local statistics with the remote backup",
	Long:  "Replace the statistics of the given guilds, or of every stored guild when none are given, with the remote backup.",
	RunE:  runBackupRestore,
}

func init() {
	backupCmd.AddCommand(backupPushCmd, backupRestoreCmd)
}

func requireBackup(cfg *config.Config) error {
	if !cfg.Backup.Enabled {
		return fmt.Errorf("backup is not enabled in %s", configPath)
	}

	return nil
}

func runBackupPush(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if err := requireBackup(cfg); err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), log, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	manager := newLocalManager(log, cfg, st)
	defer manager.Close()

	if err := manager.LoadAll(cmd.Context()); err != nil {
		return err
	}

	all := manager.Export()
	if err := newBackupClient(log, cfg).PushAll(cmd.Context(), all); err != nil {
		return err
	}

	log.WithField("guilds", len(all)).Info("Backup pushed")

	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	cfg, log, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if err := requireBackup(cfg); err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), log, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	manager := newLocalManager(log, cfg, st)
	defer manager.Close()

	guilds := args
	if len(guilds) == 0 {
		if err := manager.LoadAll(cmd.Context()); err != nil {
			return err
		}

		guilds = manager.Guilds()
	}

	client := newBackupClient(log, cfg)

	var result *multierror.Error

	for _, guildID := range guilds {
		if err := restoreGuild(cmd, client, manager, guildID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func restoreGuild(cmd *cobra.Command, client *backup.Client, manager *tracker.Manager, guildID string) error {
	stats, err := client.Fetch(cmd.Context(), guildID)
	if err != nil {
		return fmt.Errorf("failed to fetch guild %s: %w", guildID, err)
	}

	if stats == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no backup\n", guildID)
		return nil
	}

	if err := manager.RestoreStats(cmd.Context(), guildID, *stats); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: restored %d members\n", guildID, len(stats.Members))

	return nil
}
