// Command neodock starts, stops and snapshots Neo4j containers from the
// shell.
//
// Usage:
//
//	neodock start --env test --password secret123
//	neodock list
//	neodock export <id> ./backups
//	neodock import <id> ./backups/neodock-development-20250101T120000Z.tar.gz
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neodock/neodock/internal/app"
	"github.com/neodock/neodock/internal/config"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/pkg/logging"
)

var logLevel string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "neodock",
		Short:         "Run Neo4j in Docker for development and tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newListCmd(),
		newCleanupCmd(),
		newExportCmd(),
		newImportCmd(),
		newPortsCmd(),
		newEventsCmd(),
	)
	return root
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+domain.Hint(err)))
		fmt.Fprintln(os.Stderr, mutedStyle.Render(err.Error()))
		stop()
		os.Exit(1)
	}
}

func newLogger() *logging.Logger {
	return logging.NewWriter(os.Stderr, logLevel, "text")
}

// withApp builds the engine for one command and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg := config.Load()
	a, err := app.New(cmd.Context(), cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
