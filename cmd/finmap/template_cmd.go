package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/upload"
	"github.com/lahari-sy/finmap/modules/mapping/services"
)

type templateOptions struct {
	dataset string
	format  string
	output  string
}

func newTemplateCmd(g *globalOptions) *cobra.Command {
	var opts templateOptions
	cmd := &cobra.Command{
		Use:   "template <dataset>",
		Short: "Write an upload template prefilled with the current rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.dataset = args[0]
			ctx, e, err := openEnv(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer e.Close()
			return runTemplate(ctx, e.reconciler, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", "xlsx", "Template format: csv|xlsx")
	cmd.Flags().StringVar(&opts.output, "output", "", "Output file, - for stdout (default: <dataset>_template.<format>)")
	return cmd
}

func runTemplate(ctx context.Context, r *services.Reconciler, opts templateOptions, stdout io.Writer) error {
	format, err := upload.ParseFormat(opts.format)
	if err != nil {
		return classify(err)
	}
	ds, rows, err := r.Export(ctx, opts.dataset)
	if err != nil {
		return classify(err)
	}
	var buf bytes.Buffer
	if err := upload.WriteTemplate(&buf, format, ds, rows); err != nil {
		return classify(err)
	}

	if opts.output == "-" {
		_, err := buf.WriteTo(stdout)
		return err
	}
	path := opts.output
	if path == "" {
		path = upload.Filename(ds, format)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return writeJSONLine(stdout, map[string]any{"dataset": ds.Name, "rows": len(rows), "file": path})
}
