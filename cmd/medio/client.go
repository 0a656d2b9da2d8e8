package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/medio"
)

const defaultAPIUrl = "http://127.0.0.1:9466/api"

// APIClient talks to the status server of a running medio daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIUrl
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// DaemonStatus mirrors the body of GET {base}/status.
type DaemonStatus struct {
	Session medio.Status `json:"session"`
	Scan    *medio.Stats `json:"scan,omitempty"`
}

// Health mirrors the body of GET {base}/healthz.
type Health struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// GetStatus fetches the session snapshot and scan counters.
func (c *APIClient) GetStatus() (DaemonStatus, error) {
	var out DaemonStatus
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return out, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

// GetHealth returns the health body. An unhealthy daemon is not an error; the
// caller inspects Health.Status.
func (c *APIClient) GetHealth() (Health, error) {
	var out Health
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

func apiError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
