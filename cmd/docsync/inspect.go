package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/docsync/identity"
	"github.com/hazyhaar/docsync/shield"
	"github.com/hazyhaar/docsync/snapshot"
)

type identityView struct {
	Name        string    `json:"name"`
	CanonicalID string    `json:"canonical_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

type snapshotView struct {
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name,omitempty"`
	Size       int       `json:"size"`
	Checksum   string    `json:"checksum"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newResolveCommand(rootOpts *rootOptions) *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Print the canonical id of a document name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			r, err := identity.NewResolver(identity.NewSQLite(db), identity.Options{
				Logger: newLogger(stderr, cfg.LogLevel),
			})
			if err != nil {
				return err
			}
			name := identity.Normalize(args[0])
			if create {
				id, err := r.Resolve(cmd.Context(), name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), identityView{Name: name, CanonicalID: id})
			}
			idn, err := r.Lookup(cmd.Context(), name)
			if errors.Is(err, identity.ErrNotFound) {
				return fmt.Errorf("no document named %q (use --create)", name)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), identityView{
				Name: name, CanonicalID: idn.CanonicalID, DisplayName: idn.DisplayName, CreatedAt: idn.CreatedAt,
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the identity when missing")
	return cmd
}

func newSnapshotCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored document snapshots",
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show snapshot metadata for a document name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			r, err := identity.NewResolver(identity.NewSQLite(db), identity.Options{
				Logger: newLogger(stderr, cfg.LogLevel),
			})
			if err != nil {
				return err
			}
			name := identity.Normalize(args[0])
			idn, err := r.Lookup(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", name, err)
			}
			snap, err := snapshot.New(db).Stat(cmd.Context(), idn.CanonicalID)
			if err != nil {
				return fmt.Errorf("snapshot of %q: %w", name, err)
			}
			return printJSON(cmd.OutOrStdout(), snapshotView{
				DocumentID: snap.DocumentID, Name: name, Size: snap.Size,
				Checksum: snap.Checksum, UpdatedAt: snap.UpdatedAt,
			})
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, most recently written first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			snaps, err := snapshot.New(db).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := make([]snapshotView, 0, len(snaps))
			for _, s := range snaps {
				out = append(out, snapshotView{
					DocumentID: s.DocumentID, Size: s.Size, Checksum: s.Checksum, UpdatedAt: s.UpdatedAt,
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	cmd.AddCommand(show, list)
	return cmd
}

func newMaintenanceCommand(rootOpts *rootOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:       "maintenance <on|off>",
		Short:     "Switch maintenance mode; running gateways pick it up within seconds",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			active := args[0] == "on"
			if err := shield.SetMaintenance(cmd.Context(), db, active, message); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"active": active})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message returned to refused clients")
	return cmd
}
