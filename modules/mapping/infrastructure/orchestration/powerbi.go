package orchestration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultPowerBIURL = "https://api.powerbi.com/v1.0/myorg"
	powerBIScope      = "https://analysis.windows.net/powerbi/api/.default"
)

type PowerBIOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// BaseURL and TokenURL default to the public Power BI and Entra ID
	// endpoints.
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// Refresh is one entry of a dataset's refresh history.
type Refresh struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Complete reports whether the refresh reached a final state. A dataset
// with no history counts as complete.
func (r Refresh) Complete() bool {
	switch r.Status {
	case "Completed", "Failed", "Disabled", "":
		return true
	}
	return false
}

func (r Refresh) Succeeded() bool {
	return r.Status == "Completed"
}

// PowerBIClient refreshes datasets with an app-only token.
type PowerBIClient struct {
	api *apiClient
}

func NewPowerBIClient(opts PowerBIOptions) (*PowerBIClient, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("powerbi: client id and secret are required")
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		if opts.TenantID == "" {
			return nil, fmt.Errorf("powerbi: tenant id is required")
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(opts.TenantID))
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultPowerBIURL
	}

	cfg := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{powerBIScope},
	}
	tokenCtx := context.Background()
	if opts.HTTPClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, opts.HTTPClient)
	}
	httpClient := cfg.Client(tokenCtx)
	httpClient.Timeout = requestTimeout

	api, err := newAPIClient("powerbi", base, httpClient, nil)
	if err != nil {
		return nil, err
	}
	return &PowerBIClient{api: api}, nil
}

// Refresh queues a refresh of the dataset and returns the request id
// Power BI assigned to it.
func (c *PowerBIClient) Refresh(ctx context.Context, workspaceID, datasetID string) (string, error) {
	h, err := c.api.do(ctx, http.MethodPost, refreshesPath(workspaceID, datasetID), nil,
		map[string]string{"notifyOption": "NoNotification"}, nil, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	id := h.Get("RequestId")
	if id == "" {
		id = "N/A"
	}
	return id, nil
}

// LatestRefresh returns the most recent refresh of the dataset.
func (c *PowerBIClient) LatestRefresh(ctx context.Context, workspaceID, datasetID string) (Refresh, error) {
	var out struct {
		Value []Refresh `json:"value"`
	}
	q := url.Values{"$top": {"1"}}
	if _, err := c.api.do(ctx, http.MethodGet, refreshesPath(workspaceID, datasetID), q, nil, &out, http.StatusOK); err != nil {
		return Refresh{}, err
	}
	if len(out.Value) == 0 {
		return Refresh{}, nil
	}
	return out.Value[0], nil
}

func refreshesPath(workspaceID, datasetID string) string {
	return fmt.Sprintf("/groups/%s/datasets/%s/refreshes", url.PathEscape(workspaceID), url.PathEscape(datasetID))
}
