package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/lahari-sy/finmap/modules/mapping/domain/cascade"
	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

func newCascadeCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Inspect hierarchy cascades",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "options <hierarchy> [ancestor...]",
		Short: "List the options below the given ancestors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := openEnv(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer e.Close()
			return runCascadeOptions(ctx, e.reconciler.Provider(), args[0], args[1:], cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <hierarchy>",
		Short: "Summarize a hierarchy tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := openEnv(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer e.Close()
			return runCascadeStats(ctx, e.reconciler.Provider(), args[0], cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Force every replica to rebuild its trees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, e, err := openEnv(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.redis == nil {
				e.logger.Warn("CASCADE_EPOCH_ENABLED is off; only this process was invalidated")
			}
			e.reconciler.Provider().Invalidate(ctx)
			return writeJSONLine(cmd.OutOrStdout(), map[string]bool{"invalidated": true})
		},
	})
	return cmd
}

type cascadeOptionsOutput struct {
	Hierarchy string   `json:"hierarchy"`
	Path      []string `json:"path"`
	Options   []string `json:"options"`
}

func runCascadeOptions(ctx context.Context, p *services.CascadeProvider, hierarchy string, path []string, out io.Writer) error {
	tree, err := p.Tree(ctx, hierarchy)
	if err != nil {
		return classify(err)
	}
	ancestors := make([]string, len(path))
	for i, a := range path {
		if a != record.BlankDisplay {
			ancestors[i] = a
		}
	}
	options := tree.OptionsAt(ancestors...)
	display := make([]string, len(options))
	for i, o := range options {
		display[i] = record.Display(o)
	}
	if path == nil {
		path = []string{}
	}
	return writeJSONLine(out, cascadeOptionsOutput{Hierarchy: hierarchy, Path: path, Options: display})
}

type cascadeStatsOutput struct {
	Hierarchy string `json:"hierarchy"`
	Version   string `json:"version"`
	cascade.Stats
}

func runCascadeStats(ctx context.Context, p *services.CascadeProvider, hierarchy string, out io.Writer) error {
	tree, err := p.Tree(ctx, hierarchy)
	if err != nil {
		return classify(err)
	}
	h, _ := p.Definitions().Hierarchy(hierarchy)
	return writeJSONLine(out, cascadeStatsOutput{
		Hierarchy: hierarchy,
		Version:   p.Token(ctx, h),
		Stats:     tree.Stats(),
	})
}
