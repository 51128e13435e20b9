package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	envFiles     []string
	datasetsPath string
}

func newRootCmd() *cobra.Command {
	var g globalOptions
	cmd := &cobra.Command{
		Use:           "finmap",
		Short:         "Reconcile mapping uploads against the reference tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env", ".env.local"}, "Env files to load before reading the environment")
	cmd.PersistentFlags().StringVar(&g.datasetsPath, "datasets", "", "Dataset definitions file (default: DATASETS_PATH)")

	cmd.AddCommand(newReconcileCmd(&g))
	cmd.AddCommand(newCascadeCmd(&g))
	cmd.AddCommand(newTemplateCmd(&g))
	cmd.AddCommand(newPipelineCmd(&g))
	cmd.AddCommand(newMigrateCmd(&g))
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
