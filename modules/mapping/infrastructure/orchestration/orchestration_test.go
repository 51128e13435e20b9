package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDBTClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v2/accounts/70/jobs/501/run/":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["cause"] != "COA - Full Pipeline" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"data":{"id":42,"status":1}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v2/accounts/70/runs/42/":
			_, _ = w.Write([]byte(`{"data":{"id":42,"status":10,"duration":"00:01:05"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"user_message":"not found"}}`))
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewDBTClient(DBTOptions{BaseURL: srv.URL, AccountID: "70", Token: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	runID, err := c.TriggerJob(ctx, "501", "COA - Full Pipeline")
	require.NoError(t, err)
	require.EqualValues(t, 42, runID)

	run, err := c.RunStatus(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.True(t, run.Status.Complete())
	require.Equal(t, "00:01:05", run.Duration)

	_, err = c.TriggerJob(ctx, "999", "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "dbt", apiErr.Service)

	_, err = NewDBTClient(DBTOptions{AccountID: "70"})
	require.Error(t, err)
}

func TestRunStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status   RunStatus
		name     string
		complete bool
	}{
		{RunQueued, "Queued", false},
		{RunStarting, "Starting", false},
		{RunRunning, "Running", false},
		{RunSuccess, "Success", true},
		{RunError, "Error", true},
		{RunCancelled, "Cancelled", true},
		{RunStatus(99), "Unknown", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.name, tc.status.String())
		require.Equal(t, tc.complete, tc.status.Complete())
	}
}

func TestPowerBIClient(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	tokenCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			mu.Lock()
			tokenCalls++
			mu.Unlock()
			_ = r.ParseForm()
			if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("scope") != powerBIScope {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"pbi-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		if r.Header.Get("Authorization") != "Bearer pbi-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/groups/ws1/datasets/ds1/refreshes":
			w.Header().Set("RequestId", "req-7")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/groups/ws1/datasets/ds1/refreshes" && r.URL.Query().Get("$top") == "1":
			_, _ = w.Write([]byte(`{"value":[{"status":"Unknown","startTime":"2024-05-01T10:00:00Z"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/groups/ws1/datasets/empty/refreshes":
			_, _ = w.Write([]byte(`{"value":[]}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewPowerBIClient(PowerBIOptions{
		ClientID: "app", ClientSecret: "shh",
		BaseURL: srv.URL, TokenURL: srv.URL + "/token",
	})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := c.Refresh(ctx, "ws1", "ds1")
	require.NoError(t, err)
	require.Equal(t, "req-7", id)

	latest, err := c.LatestRefresh(ctx, "ws1", "ds1")
	require.NoError(t, err)
	require.Equal(t, "Unknown", latest.Status)
	require.False(t, latest.Complete())

	none, err := c.LatestRefresh(ctx, "ws1", "empty")
	require.NoError(t, err)
	require.True(t, none.Complete())
	require.False(t, none.Succeeded())

	// A 200 is not an accepted refresh.
	_, err = c.Refresh(ctx, "ws1", "other")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusOK, apiErr.Status)

	mu.Lock()
	require.Equal(t, 1, tokenCalls)
	mu.Unlock()

	_, err = NewPowerBIClient(PowerBIOptions{ClientID: "app", ClientSecret: "shh"})
	require.ErrorContains(t, err, "tenant id is required")
}

type fakeRunner struct {
	mu         sync.Mutex
	triggerErr error
	statuses   []RunStatus
	statusErr  error
	polls      int
}

func (f *fakeRunner) TriggerJob(context.Context, string, string) (int64, error) {
	if f.triggerErr != nil {
		return 0, f.triggerErr
	}
	return 42, nil
}

func (f *fakeRunner) RunStatus(context.Context, int64) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil && f.polls == 1 {
		return Run{}, f.statusErr
	}
	i := min(f.polls-1, len(f.statuses)-1)
	return Run{ID: 42, Status: f.statuses[i]}, nil
}

type fakeRefresher struct {
	err    error
	called bool
}

func (f *fakeRefresher) Refresh(context.Context, string, string) (string, error) {
	f.called = true
	return "req-1", f.err
}

func TestPipeline_Run(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	cases := []struct {
		name       string
		runner     *fakeRunner
		refresher  *fakeRefresher
		wantErr    error
		dbtStatus  string
		pbiStatus  string
		refreshed  bool
		pbiSuccess bool
	}{
		{
			name:       "success after polling",
			runner:     &fakeRunner{statuses: []RunStatus{RunQueued, RunRunning, RunSuccess}, statusErr: boom},
			refresher:  &fakeRefresher{},
			dbtStatus:  "Success",
			pbiStatus:  "Triggered",
			refreshed:  true,
			pbiSuccess: true,
		},
		{
			name:      "trigger fails",
			runner:    &fakeRunner{triggerErr: boom},
			refresher: &fakeRefresher{},
			wantErr:   boom,
			dbtStatus: "Failed",
		},
		{
			name:      "run errors",
			runner:    &fakeRunner{statuses: []RunStatus{RunError}},
			refresher: &fakeRefresher{},
			wantErr:   ErrRunFailed,
			dbtStatus: "Failed",
		},
		{
			name:      "run never completes",
			runner:    &fakeRunner{statuses: []RunStatus{RunRunning}},
			refresher: &fakeRefresher{},
			wantErr:   ErrRunTimeout,
			dbtStatus: "Timeout",
		},
		{
			name:      "refresh fails",
			runner:    &fakeRunner{statuses: []RunStatus{RunSuccess}},
			refresher: &fakeRefresher{err: boom},
			wantErr:   boom,
			dbtStatus: "Success",
			pbiStatus: "Failed",
			refreshed: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewPipeline(tc.runner, tc.refresher, PipelineOptions{PollInterval: time.Millisecond, MaxWait: 200 * time.Millisecond})
			res, err := p.Run(context.Background(), Job{Name: "COA", DBTJobID: "501", WorkspaceID: "ws", DatasetID: "ds"})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.dbtStatus, res.DBT.Status)
			require.Equal(t, tc.pbiStatus, res.PowerBI.Status)
			require.Equal(t, tc.pbiSuccess, res.PowerBI.Success)
			require.Equal(t, tc.refreshed, tc.refresher.called)
		})
	}
}

func TestPipeline_RunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	refresher := &fakeRefresher{}
	p := NewPipeline(&fakeRunner{statuses: []RunStatus{RunRunning}}, refresher, PipelineOptions{PollInterval: time.Hour})
	res, err := p.Run(ctx, Job{Name: "ADJ"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "Cancelled", res.DBT.Status)
	require.False(t, refresher.called)
}
