// Command mbsyncgo runs bidirectional mailbox sync channels defined in a
// YAML config file, grounded on the teacher's cobra root-command layout
// (cmd/gomap/main.go) adapted to a config-driven tool instead of a
// flag-per-invocation one.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mbsyncgo",
		Short: "mbsyncgo synchronizes IMAP and maildir mailboxes bidirectionally",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the channel/store config file")

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mbsyncgo %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newListCmd(&configPath),
		newInitKeyringCmd(&configPath),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.config/mbsyncgo/config.yaml"
	}
	return "mbsyncgo.yaml"
}
