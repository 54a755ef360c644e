package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/casecore/internal/store"
)

// MigrateResult reports the schema version before and after migrating
type MigrateResult struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runMigrate(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	ctx = contextOrBackground(ctx)
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	db, err := store.Open(store.OpenOptions{
		Driver:  cfg.Database.Driver,
		DSN:     cfg.Database.DSN(),
		Verbose: opts.Verbose,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer closeDB(db)

	st := store.NewPGStore(db)
	from, err := st.GetSchemaVersion(ctx)
	if err != nil {
		return out.Fail("failed to read schema version", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return out.Fail("failed to migrate schema", err)
	}

	result := MigrateResult{From: from, To: store.SchemaVersion}
	return out.Success(result, fmt.Sprintf("schema migrated from version %d to %d", result.From, result.To))
}
