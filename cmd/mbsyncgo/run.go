package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mbsyncgo/mbsyncgo/internal/config"
	"github.com/mbsyncgo/mbsyncgo/internal/runlog"
	"github.com/mbsyncgo/mbsyncgo/internal/syncengine"
)

func newRunCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <channel>",
		Short: "run one sync channel to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannel(cmd.Context(), *configPath, args[0])
		},
	}
	return cmd
}

func runChannel(ctx context.Context, configPath, channelName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rc, err := cfg.Resolve(ctx, channelName)
	if err != nil {
		return err
	}

	db, err := runlog.Open(runlogPath(cfg))
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer db.Close()

	runID, start, err := db.Begin(channelName)
	if err != nil {
		return err
	}

	if err := rc.Master.Open(ctx); err != nil {
		return fmt.Errorf("open master: %w", err)
	}
	defer rc.Master.Cancel()
	if err := rc.Slave.Open(ctx); err != nil {
		return fmt.Errorf("open slave: %w", err)
	}
	defer rc.Slave.Cancel()

	ret, stats, runErr := syncengine.SyncBoxes(ctx, rc.StatePath, rc.Master, rc.Slave, rc.Engine)

	counters := runlog.Counters{
		MasterNew:     stats.New[0],
		SlaveNew:      stats.New[1],
		MasterFlags:   stats.Flags[0],
		SlaveFlags:    stats.Flags[1],
		MasterTrashed: stats.Trash[0],
		SlaveTrashed:  stats.Trash[1],
	}
	if err := db.Finish(runID, start, int(ret), runErr, counters); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to record run history:", err)
	}

	fmt.Printf("channel %s: master +%d new, %d flags, %d trashed; slave +%d new, %d flags, %d trashed\n",
		channelName, counters.MasterNew, counters.MasterFlags, counters.MasterTrashed,
		counters.SlaveNew, counters.SlaveFlags, counters.SlaveTrashed)

	if runErr != nil {
		return fmt.Errorf("sync channel %s: %w", channelName, runErr)
	}
	if ret != syncengine.RetOK {
		return fmt.Errorf("sync channel %s exited with code %d", channelName, ret)
	}
	return nil
}

func runlogPath(cfg *config.Config) string {
	prefix := cfg.GlobalStatePrefix
	if prefix == "" {
		if home, err := os.UserHomeDir(); err == nil {
			prefix = filepath.Join(home, ".mbsyncgo")
		} else {
			prefix = ".mbsyncgo"
		}
	}
	return filepath.Join(prefix, "runlog.db")
}
