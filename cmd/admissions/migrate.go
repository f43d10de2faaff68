package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/workflow"
)

func newMigrateCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the workflow store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Workflow.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate: workflow.store.driver is %q, migrations apply to postgres only", cfg.Workflow.Store.Driver)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			pool, err := openPool(ctx, cfg.Workflow.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !statusOnly {
				if err := workflow.Migrate(ctx, pool); err != nil {
					return err
				}
			}
			v, err := workflow.MigrationVersion(ctx, pool)
			if err != nil {
				return err
			}
			cmd.Printf("schema version %d\n", v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the current schema version without migrating")
	return cmd
}

// openPool connects to PostgreSQL using the DSN held in the configured
// environment variable.
func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}
