package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/polisai/assetgate/pkg/config"
	"github.com/polisai/assetgate/pkg/management"
	"github.com/polisai/assetgate/pkg/storage"
)

func newDomainsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "Maintain the domain allowlist",
		Long: `Add, delete or list allowlisted domains directly in the configured store.

Entries are normalized before they are stored, so "https://Shop.Example.com/x"
is recorded as shop.example.com. Every entry is reported individually and the
command exits non-zero if any entry failed.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <domain>...",
			Short: "Add domains to the allowlist",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, flags, true, func(ctx context.Context, m *management.Manager) error {
					return printBatch(cmd.OutOrStdout(), m.AddAll(ctx, args))
				})
			},
		},
		&cobra.Command{
			Use:     "delete <domain>...",
			Aliases: []string{"remove", "rm"},
			Short:   "Remove domains from the allowlist",
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, flags, true, func(ctx context.Context, m *management.Manager) error {
					return printBatch(cmd.OutOrStdout(), m.RemoveAll(ctx, args))
				})
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List allowlisted domains",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, flags, false, func(ctx context.Context, m *management.Manager) error {
					names, err := m.ListAll(ctx)
					if err != nil {
						return err
					}
					for _, name := range names {
						fmt.Fprintln(cmd.OutOrStdout(), name)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

// errVolatileStore rejects changes that would be lost when the command exits.
var errVolatileStore = errors.New("storage driver memory does not persist changes; configure sqlite, postgres or redis")

// withManager opens the configured store for the duration of fn.
func withManager(cmd *cobra.Command, flags *globalFlags, mutating bool, fn func(context.Context, *management.Manager) error) error {
	cfg, err := config.LoadStorage(flags.config())
	if err != nil {
		return err
	}
	logger, err := flags.newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == storage.DriverMemory && mutating {
		return errVolatileStore
	}

	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Storage.StoreConfig())
	if err != nil {
		return fmt.Errorf("open domain store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close domain store", "error", err)
		}
	}()

	return fn(ctx, management.NewManager(store, slog.Default(), nil))
}

// printBatch writes one line per entry and returns the joined entry errors.
func printBatch(w io.Writer, res management.BatchResult) error {
	for _, e := range res.Entries {
		switch {
		case e.Error != "":
			fmt.Fprintf(w, "%-8s %s: %s\n", e.Status, e.Input, e.Error)
		case e.Domain != e.Input:
			fmt.Fprintf(w, "%-8s %s (from %s)\n", e.Status, e.Domain, e.Input)
		default:
			fmt.Fprintf(w, "%-8s %s\n", e.Status, e.Domain)
		}
	}
	fmt.Fprintf(w, "%d succeeded, %d failed, %d changed\n", res.Succeeded, res.Failed, res.Changed)
	return res.Err()
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the allowlist schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorage(flags.config())
			if err != nil {
				return err
			}
			logger, err := flags.newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var store *storage.SQLDomainStore
			switch cfg.Storage.Driver {
			case storage.DriverPostgres:
				store, err = storage.OpenPostgres(cmd.Context(), cfg.Storage.DSN, true)
			case storage.DriverSQLite:
				store, err = storage.OpenSQLite(cmd.Context(), cfg.Storage.Path)
			default:
				return fmt.Errorf("migrate needs storage.driver postgres or sqlite, got %q", cfg.Storage.Driver)
			}
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			logger.Info("Schema up to date", "driver", cfg.Storage.Driver, "table", storage.MigrationsTable)
			return nil
		},
	}
}
