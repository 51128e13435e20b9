// Package orchestration refreshes the downstream models and reports after
// a mapping change: a dbt Cloud job followed by a Power BI dataset refresh.
package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// APIError is a non-2xx answer from an upstream API.
type APIError struct {
	Service string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Status, e.Body)
}

type apiClient struct {
	service    string
	baseURL    *url.URL
	httpClient *http.Client
	header     http.Header
}

func newAPIClient(service, baseURL string, httpClient *http.Client, header http.Header) (*apiClient, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s: invalid base url %q", service, baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &apiClient{service: service, baseURL: u, httpClient: httpClient, header: header}, nil
}

// do sends reqBody as JSON and decodes a 2xx answer into out. It returns
// the response headers of successful calls.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, reqBody, out any, want ...int) (http.Header, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("%s: json marshal request: %w", c.service, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: http request: %w", c.service, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: http do: %w", c.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: http read: %w", c.service, err)
	}
	if !statusOK(resp.StatusCode, want) {
		text := strings.TrimSpace(string(respBody))
		if len(text) > 200 {
			text = text[:200]
		}
		return nil, &APIError{Service: c.service, Status: resp.StatusCode, Body: text}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("%s: json unmarshal response: %w", c.service, err)
		}
	}
	return resp.Header, nil
}

func statusOK(code int, want []int) bool {
	if len(want) == 0 {
		return code >= 200 && code < 300
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
