package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mbsyncgo/mbsyncgo/internal/config"
)

func newInitKeyringCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-keyring <store>",
		Short: "prompt for a store's password and save it in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeName := args[0]

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.Store(storeName); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Password for %s: ", storeName)
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if len(pw) == 0 {
				return fmt.Errorf("empty password, not saving")
			}

			if err := config.SetKeyringPassword(storeName, string(pw)); err != nil {
				return err
			}
			fmt.Println("password saved to OS keyring")
			return nil
		},
	}
	return cmd
}
