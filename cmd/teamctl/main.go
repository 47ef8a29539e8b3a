// Command teamctl drives a teamsync client session from the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/immxrtalbeast/teamsync/internal/app"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/lib/logger/slogpretty"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	envDev  = "dev"
	envProd = "prod"
)

type globalFlags struct {
	configPath string
	userID     string
	name       string
}

func main() {
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "teamctl",
		Short:        "Presence, calls and boards from the command line",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to client YAML config (or TEAMSYNC_CONFIG)")
	root.PersistentFlags().StringVarP(&flags.userID, "user", "u", os.Getenv("TEAMSYNC_USER"), "User id to sign in as")
	root.PersistentFlags().StringVar(&flags.name, "name", "", "Display name announced with presence")

	root.AddCommand(
		buildPresenceCmd(flags),
		buildCallCmd(flags),
		buildAnswerCmd(flags),
		buildBoardCmd(flags),
	)
	return root
}

// openSession loads the config, connects and signs in.
func openSession(ctx context.Context, flags *globalFlags) (*app.Session, error) {
	if flags.userID == "" {
		return nil, fmt.Errorf("--user is required")
	}
	cfg, err := config.LoadClient(flags.configPath)
	if err != nil {
		return nil, err
	}
	session := app.New(cfg, app.Options{}, setupLogger(cfg.Env))
	name := flags.name
	if name == "" {
		name = flags.userID
	}
	if err := session.Start(ctx, flags.userID, name); err != nil {
		return nil, err
	}
	return session, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// setupLogger writes to stderr so command output stays on stdout.
func setupLogger(env string) *slog.Logger {
	switch env {
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	default:
		opts := slogpretty.PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: slog.LevelInfo},
		}
		return slog.New(opts.NewPrettyHandler(os.Stderr))
	}
}
