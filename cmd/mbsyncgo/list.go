package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbsyncgo/mbsyncgo/internal/config"
	"github.com/mbsyncgo/mbsyncgo/internal/runlog"
)

func newListCmd(configPath *string) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "list [channel]",
		Short: "list configured channels, or a channel's recent run history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if len(cfg.Channels) == 0 {
					fmt.Println("no channels configured")
					return nil
				}
				for _, ch := range cfg.Channels {
					fmt.Printf("%s\t%s -> %s\n", ch.Name, ch.Far, ch.Near)
				}
				return nil
			}

			channelName := args[0]
			if _, err := cfg.Channel(channelName); err != nil {
				return err
			}

			db, err := runlog.Open(runlogPath(cfg))
			if err != nil {
				return fmt.Errorf("open run history: %w", err)
			}
			defer db.Close()

			runs, err := db.Recent(channelName, history)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded yet")
				return nil
			}
			for _, r := range runs {
				status := "ok"
				if r.RetCode != 0 {
					status = fmt.Sprintf("code %d", r.RetCode)
				}
				if r.Error != "" {
					status = r.Error
				}
				fmt.Printf("%s  %s  %s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.ID[:8], status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&history, "history", 10, "number of recent runs to show")
	return cmd
}
