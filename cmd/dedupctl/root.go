package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"example.com/workoutdedup/internal/domain"
	"example.com/workoutdedup/internal/persistence/sqlite"
	"example.com/workoutdedup/internal/trigger"
)

type rootOptions struct {
	dbPath   string
	logLevel string
	stdout   io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{stdout: os.Stdout}

	root := &cobra.Command{
		Use:           "dedupctl",
		Short:         "Detect and merge duplicate workouts in a local database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.stdout = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("DEDUP_DB_PATH", "workouts.db"), "SQLite database path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newImportCmd(opts), newGroupsCmd(opts), newRunCmd(opts))
	return root
}

func (o *rootOptions) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// open returns the store and a service wired to it. Recalculation requests
// are only logged locally.
func (o *rootOptions) open() (*sqlite.Store, *domain.Service, error) {
	store, err := sqlite.Open(o.dbPath)
	if err != nil {
		return nil, nil, err
	}
	logger := o.logger()
	service := domain.NewService(store, store, trigger.LogTrigger{Logger: logger},
		domain.WithLogger(logger),
		domain.WithRecorder(store),
	)
	return store, service, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
