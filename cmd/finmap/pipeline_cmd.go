package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lahari-sy/finmap/modules/mapping/infrastructure/orchestration"
	"github.com/lahari-sy/finmap/pkg/configuration"
)

func newPipelineCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the dbt and Power BI refresh after a merge",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Trigger the dbt job, wait for it and refresh the Power BI dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(g)
			if err != nil {
				return err
			}
			defer conf.Unload()
			job, err := resolveJob(conf.Orchestration, args[0])
			if err != nil {
				return err
			}
			logger := logrus.NewEntry(conf.Logger()).WithField("component", "pipeline")
			dbt, pbi, err := newClients(conf.Orchestration)
			if err != nil {
				return err
			}
			p := orchestration.NewPipeline(dbt, pbi, orchestration.PipelineOptions{
				PollInterval: conf.Orchestration.PollInterval,
				MaxWait:      conf.Orchestration.MaxWait,
				Logger:       logger,
			})
			return runPipeline(cmd.Context(), p, job, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh-status",
		Short: "Show the latest Power BI dataset refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(g)
			if err != nil {
				return err
			}
			defer conf.Unload()
			_, pbi, err := newClients(conf.Orchestration)
			if err != nil {
				return err
			}
			refresh, err := pbi.LatestRefresh(cmd.Context(), conf.Orchestration.WorkspaceID, conf.Orchestration.DatasetID)
			if err != nil {
				return classify(err)
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{
				"refresh":   refresh,
				"complete":  refresh.Complete(),
				"succeeded": refresh.Succeeded(),
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List the configured pipeline jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(g)
			if err != nil {
				return err
			}
			defer conf.Unload()
			return writeJSONLine(cmd.OutOrStdout(), jobNames(conf.Orchestration))
		},
	})
	return cmd
}

func jobNames(o configuration.OrchestrationOptions) []string {
	names := make([]string, 0, len(o.Jobs))
	for name := range o.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveJob(o configuration.OrchestrationOptions, name string) (orchestration.Job, error) {
	if !o.Enabled() {
		return orchestration.Job{}, withCode(exitUsage, fmt.Errorf("pipeline is not configured: set DBT_ACCOUNT_ID, DBT_API_TOKEN, POWERBI_CLIENT_ID and POWERBI_CLIENT_SECRET"))
	}
	jobID, ok := o.Jobs[name]
	if !ok || jobID == "" {
		return orchestration.Job{}, withCode(exitUsage, fmt.Errorf("unknown pipeline job %q (configured: %v)", name, jobNames(o)))
	}
	if o.WorkspaceID == "" || o.DatasetID == "" {
		return orchestration.Job{}, withCode(exitUsage, fmt.Errorf("POWERBI_WORKSPACE_ID and POWERBI_DATASET_ID are required"))
	}
	return orchestration.Job{
		Name:        name,
		DBTJobID:    jobID,
		WorkspaceID: o.WorkspaceID,
		DatasetID:   o.DatasetID,
	}, nil
}

func newClients(o configuration.OrchestrationOptions) (*orchestration.DBTClient, *orchestration.PowerBIClient, error) {
	dbt, err := orchestration.NewDBTClient(orchestration.DBTOptions{
		Host:      o.DBTHost,
		AccountID: o.DBTAccountID,
		Token:     o.DBTToken,
	})
	if err != nil {
		return nil, nil, withCode(exitUsage, err)
	}
	pbi, err := orchestration.NewPowerBIClient(orchestration.PowerBIOptions{
		TenantID:     o.TenantID,
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
	})
	if err != nil {
		return nil, nil, withCode(exitUsage, err)
	}
	return dbt, pbi, nil
}

func runPipeline(ctx context.Context, p *orchestration.Pipeline, job orchestration.Job, out io.Writer) error {
	res, err := p.Run(ctx, job)
	if res != nil {
		if werr := writeJSONLine(out, res); werr != nil && err == nil {
			err = werr
		}
	}
	return classify(err)
}
