package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

var (
	ErrRunFailed  = errors.New("orchestration: dbt run did not succeed")
	ErrRunTimeout = errors.New("orchestration: dbt run did not complete in time")
)

type JobRunner interface {
	TriggerJob(ctx context.Context, jobID, cause string) (int64, error)
	RunStatus(ctx context.Context, runID int64) (Run, error)
}

type DatasetRefresher interface {
	Refresh(ctx context.Context, workspaceID, datasetID string) (string, error)
}

// Job names one downstream refresh: the dbt job to run and the Power BI
// dataset to refresh once it succeeds.
type Job struct {
	Name        string
	DBTJobID    string
	WorkspaceID string
	DatasetID   string
}

type StepResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

type PipelineResult struct {
	Job     string     `json:"job"`
	RunID   int64      `json:"run_id,omitempty"`
	DBT     StepResult `json:"dbt"`
	PowerBI StepResult `json:"powerbi"`
}

type PipelineOptions struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *logrus.Entry
}

// Pipeline runs a dbt job and, once it succeeds, refreshes the Power BI
// dataset that reads from it.
type Pipeline struct {
	runner    JobRunner
	refresher DatasetRefresher
	opts      PipelineOptions
}

func NewPipeline(runner JobRunner, refresher DatasetRefresher, opts PipelineOptions) *Pipeline {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = logrusNop()
	}
	return &Pipeline{runner: runner, refresher: refresher, opts: opts}
}

// Run triggers job, polls the run until it completes and then refreshes
// the dataset. The result describes every step reached; the error is set
// when any step failed or ctx ended.
func (p *Pipeline) Run(ctx context.Context, job Job) (*PipelineResult, error) {
	res := &PipelineResult{Job: job.Name}
	log := p.opts.Logger.WithField("job", job.Name)

	runID, err := p.runner.TriggerJob(ctx, job.DBTJobID, job.Name+" - Full Pipeline")
	if err != nil {
		res.DBT = StepResult{Status: "Failed", Message: "Failed to trigger: " + err.Error()}
		return res, fmt.Errorf("trigger dbt job %s: %w", job.DBTJobID, err)
	}
	res.RunID = runID
	res.DBT = StepResult{Success: true, Status: RunRunning.String(), Message: fmt.Sprintf("Job triggered (Run ID: %d)", runID)}
	log.WithField("run_id", runID).Info("orchestration: dbt job triggered")

	run, err := p.await(ctx, runID, log)
	switch {
	case errors.Is(err, ErrRunTimeout):
		res.DBT = StepResult{Status: "Timeout", Message: fmt.Sprintf("dbt job did not complete within %s", p.opts.MaxWait)}
		return res, err
	case err != nil:
		res.DBT.Status = "Cancelled"
		res.DBT.Success = false
		res.DBT.Message = err.Error()
		return res, err
	case run.Status != RunSuccess:
		res.DBT = StepResult{Status: "Failed", Message: "dbt job failed with status: " + run.Status.String()}
		return res, fmt.Errorf("%w: run %d %s", ErrRunFailed, runID, run.Status)
	}
	res.DBT = StepResult{Success: true, Status: RunSuccess.String(), Message: "dbt job completed successfully"}

	requestID, err := p.refresher.Refresh(ctx, job.WorkspaceID, job.DatasetID)
	if err != nil {
		res.PowerBI = StepResult{Status: "Failed", Message: "Power BI refresh failed: " + err.Error()}
		return res, fmt.Errorf("refresh dataset %s: %w", job.DatasetID, err)
	}
	res.PowerBI = StepResult{Success: true, Status: "Triggered", Message: fmt.Sprintf("Power BI refresh triggered (Request ID: %s)", requestID)}
	log.WithField("request_id", requestID).Info("orchestration: power bi refresh triggered")
	return res, nil
}

// await polls the run until it completes. Status lookups that fail are
// logged and retried on the next tick.
func (p *Pipeline) await(ctx context.Context, runID int64, log *logrus.Entry) (Run, error) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.opts.MaxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-deadline.C:
			return Run{}, ErrRunTimeout
		case <-ticker.C:
		}
		run, err := p.runner.RunStatus(ctx, runID)
		if err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("orchestration: run status lookup failed")
			continue
		}
		if run.Status.Complete() {
			return run, nil
		}
	}
}
