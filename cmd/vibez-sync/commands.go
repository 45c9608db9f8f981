package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/vibez-sync/internal/app"
	"github.com/nhle/vibez-sync/internal/logging"
	"github.com/nhle/vibez-sync/internal/model"
	"github.com/nhle/vibez-sync/internal/store"
	"github.com/nhle/vibez-sync/internal/ui/status"
)

func loadConfig(path string) (*model.AppConfig, error) {
	if path == "" {
		path = model.DefaultConfigPath()
	}
	return model.LoadConfig(path)
}

// newLogger builds the logger. In TUI mode console output would fight the
// dashboard, so only the log file (if any) receives entries.
func newLogger(cfg *model.AppConfig, tui bool) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	if tui {
		out = io.Discard
	}
	return logging.New(cfg.Log, out)
}

func runCmd(configPath *string) *cobra.Command {
	var tui bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every enabled source until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger, closer, err := newLogger(cfg, tui)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Run(ctx, tui); err != nil {
				return err
			}
			logger.Info().Msg("sync stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&tui, "tui", false, "show the live status dashboard")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored messages, cursors, and watched conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			report, err := app.BuildReport(ctx, st, cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), status.RenderReport(report))
			return nil
		},
	}
}

func loginCmd(configPath *string) *cobra.Command {
	var skipVerify bool

	cmd := &cobra.Command{
		Use:   "login <source-id>",
		Short: "Store a source credential in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			src, ok := cfg.FindSource(args[0])
			if !ok {
				return fmt.Errorf("no source with id %q in config", args[0])
			}

			var secret string
			err = huh.NewInput().
				Title(fmt.Sprintf("Credential for %s (%s)", src.Key(), src.Type)).
				Description(secretDescription(src.Type)).
				EchoMode(huh.EchoModePassword).
				Value(&secret).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("credential is required")
					}
					return nil
				}).
				Run()
			if err != nil {
				return err
			}

			if !skipVerify {
				logger, closer, err := newLogger(cfg, false)
				if err != nil {
					return err
				}
				defer closer.Close()

				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				if err := app.Verify(ctx, src, secret, logger); err != nil {
					return fmt.Errorf("credential rejected: %w", err)
				}
			}

			if _, err := app.Login(cfg, src.ID, secret, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credential for %s.\n", src.Key())
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipVerify, "no-verify", false, "store without checking the credential")
	return cmd
}

func secretDescription(sourceType string) string {
	switch model.SourceType(sourceType) {
	case model.SourceTypeBeeper:
		return "Beeper Desktop API token"
	case model.SourceTypeMatrix:
		return "Matrix access token"
	case model.SourceTypeGoogleGroups:
		return "IMAP app password"
	default:
		return "Secret"
	}
}
