package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "vibez-sync",
		Short: "Incremental message sync from chat bridges and mailing lists",
		Long: `vibez-sync polls Beeper, Matrix, and Google Groups (over IMAP) and
stores every new message once in a local SQLite database. Each source runs
under its own supervisor; a failing source backs off or restarts without
affecting the others.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/vibez/config.yaml)")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(loginCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
