package orchestration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const defaultDBTHost = "cloud.getdbt.com"

// RunStatus is a dbt Cloud run status code.
type RunStatus int

const (
	RunQueued    RunStatus = 1
	RunStarting  RunStatus = 2
	RunRunning   RunStatus = 3
	RunSuccess   RunStatus = 10
	RunError     RunStatus = 20
	RunCancelled RunStatus = 30
)

func (s RunStatus) String() string {
	switch s {
	case RunQueued:
		return "Queued"
	case RunStarting:
		return "Starting"
	case RunRunning:
		return "Running"
	case RunSuccess:
		return "Success"
	case RunError:
		return "Error"
	case RunCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Complete reports whether the run reached a final state.
func (s RunStatus) Complete() bool {
	return s == RunSuccess || s == RunError || s == RunCancelled
}

type Run struct {
	ID         int64     `json:"id"`
	Status     RunStatus `json:"status"`
	CreatedAt  string    `json:"created_at"`
	FinishedAt string    `json:"finished_at"`
	Duration   string    `json:"duration"`
}

type DBTOptions struct {
	// Host is the dbt Cloud access URL host, e.g. "ab123.us1.dbt.com".
	Host string
	// BaseURL overrides Host with a full URL.
	BaseURL    string
	AccountID  string
	Token      string
	HTTPClient *http.Client
}

// DBTClient talks to the dbt Cloud v2 administrative API.
type DBTClient struct {
	api     *apiClient
	account string
}

func NewDBTClient(opts DBTOptions) (*DBTClient, error) {
	if opts.AccountID == "" || opts.Token == "" {
		return nil, fmt.Errorf("dbt: account id and token are required")
	}
	base := opts.BaseURL
	if base == "" {
		host := opts.Host
		if host == "" {
			host = defaultDBTHost
		}
		base = "https://" + host
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+opts.Token)
	api, err := newAPIClient("dbt", base, opts.HTTPClient, header)
	if err != nil {
		return nil, err
	}
	return &DBTClient{api: api, account: opts.AccountID}, nil
}

// TriggerJob starts a run of jobID and returns its run id.
func (c *DBTClient) TriggerJob(ctx context.Context, jobID, cause string) (int64, error) {
	var out struct {
		Data Run `json:"data"`
	}
	path := fmt.Sprintf("/api/v2/accounts/%s/jobs/%s/run/", url.PathEscape(c.account), url.PathEscape(jobID))
	if _, err := c.api.do(ctx, http.MethodPost, path, nil, map[string]string{"cause": cause}, &out, http.StatusOK); err != nil {
		return 0, err
	}
	if out.Data.ID == 0 {
		return 0, fmt.Errorf("dbt: job %s triggered without a run id", jobID)
	}
	return out.Data.ID, nil
}

func (c *DBTClient) RunStatus(ctx context.Context, runID int64) (Run, error) {
	var out struct {
		Data Run `json:"data"`
	}
	path := fmt.Sprintf("/api/v2/accounts/%s/runs/%s/", url.PathEscape(c.account), strconv.FormatInt(runID, 10))
	if _, err := c.api.do(ctx, http.MethodGet, path, nil, nil, &out, http.StatusOK); err != nil {
		return Run{}, err
	}
	return out.Data, nil
}
