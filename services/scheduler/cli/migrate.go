package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-scheduler/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the entry store schema.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
Migrations are idempotent.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	// postgres_dsn is bound to serve's flag, so read ours directly.
	dsn := viper.GetString("postgres_dsn")
	if cmd.Flags().Changed("postgres-dsn") {
		dsn, _ = cmd.Flags().GetString("postgres-dsn")
	}
	if dsn == "" {
		return fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	out := cmd.OutOrStdout()
	if err := postgres.Migrate(ctx, pool, func(name string) {
		fmt.Fprintf(out, "applied %s\n", name)
	}); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations complete")
	return nil
}
