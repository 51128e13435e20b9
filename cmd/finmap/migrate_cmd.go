package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/lahari-sy/finmap/modules/mapping"
	"github.com/lahari-sy/finmap/pkg/migrations"
)

func newMigrateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate <up|down|status>",
		Short:     "Manage the reference table schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(g)
			if err != nil {
				return err
			}
			defer conf.Unload()
			pool, err := connectDB(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer pool.Close()

			m, err := migrations.New(pool, mapping.Migrations())
			if err != nil {
				return withCode(exitDB, err)
			}
			defer func() { _ = m.Close() }()
			return runMigrate(cmd.Context(), m, args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}

type migrator interface {
	Up(ctx context.Context) ([]int64, error)
	Down(ctx context.Context) (int64, error)
	Status(ctx context.Context) ([]migrations.Status, error)
}

func runMigrate(ctx context.Context, m migrator, direction string, out io.Writer) error {
	switch direction {
	case "up":
		applied, err := m.Up(ctx)
		if err != nil {
			return withCode(exitDBWrite, err)
		}
		return writeJSONLine(out, map[string]any{"applied": applied})
	case "down":
		version, err := m.Down(ctx)
		if err != nil {
			return withCode(exitDBWrite, err)
		}
		return writeJSONLine(out, map[string]any{"rolled_back": version})
	default:
		statuses, err := m.Status(ctx)
		if err != nil {
			return withCode(exitDB, err)
		}
		return writeJSONLine(out, statuses)
	}
}
