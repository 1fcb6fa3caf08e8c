package main

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/docsync/dbopen"
	"github.com/hazyhaar/docsync/gateway"
	"github.com/hazyhaar/docsync/identity"
	"github.com/hazyhaar/docsync/shield"
	"github.com/hazyhaar/docsync/snapshot"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "docsync",
		Short:         "Collaborative document sync gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "document database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newMaintenanceCommand(opts))
	return cmd
}

// loadConfig merges file, environment and flags.
func (o *rootOptions) loadConfig() (*gateway.Config, error) {
	cfg, err := gateway.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openDB opens the document database for offline commands.
func openDB(cfg *gateway.Config) (*sql.DB, error) {
	return dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(snapshot.Schema),
		dbopen.WithSchema(identity.Schema),
		dbopen.WithSchema(shield.Schema))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var stderr io.Writer = os.Stderr
