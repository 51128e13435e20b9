package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/upload"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

type reconcileOptions struct {
	dataset string
	file    string
	actor   string
	dryRun  bool
	maxSize int64
}

func newReconcileCmd(g *globalOptions) *cobra.Command {
	var opts reconcileOptions
	cmd := &cobra.Command{
		Use:   "reconcile <dataset> <file>",
		Short: "Validate an upload file and merge its changes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.dataset, opts.file = args[0], args[1]
			ctx, e, err := openEnv(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer e.Close()
			if opts.maxSize <= 0 {
				opts.maxSize = e.conf.Mapping.MaxUploadSize
			}
			return runReconcile(ctx, e.reconciler, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.actor, "actor", "", "User recorded in the audit columns (default: DEFAULT_ACTOR)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Report the change set without writing")
	cmd.Flags().Int64Var(&opts.maxSize, "max-size", 0, "Largest accepted file in bytes (default: MAX_UPLOAD_SIZE)")
	return cmd
}

func runReconcile(ctx context.Context, r *services.Reconciler, opts reconcileOptions, out io.Writer) error {
	ds, ok := r.Definitions().Dataset(opts.dataset)
	if !ok {
		return withCode(exitUsage, fmt.Errorf("%w: %s", services.ErrUnknownDataset, opts.dataset))
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return withCode(exitUsage, err)
	}
	defer func() { _ = f.Close() }()

	data, err := upload.ReadAll(f, opts.maxSize)
	if err != nil {
		return classify(err)
	}
	rows, err := upload.Read(filepath.Base(opts.file), data, ds)
	if err != nil {
		return classify(err)
	}

	res, err := r.Submit(ctx, services.SubmitRequest{
		Dataset: ds.Name,
		Actor:   opts.actor,
		Rows:    rows,
		DryRun:  opts.dryRun,
	})
	if err != nil {
		return classify(err)
	}
	if err := writeJSONLine(out, res); err != nil {
		return err
	}
	if len(res.Invalid) > 0 {
		return withCode(exitValidation, fmt.Errorf("%s", res.Message))
	}
	return nil
}
