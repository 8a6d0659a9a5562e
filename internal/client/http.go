package client

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

	"github.com/medagen/medagen/internal/agent"
	"github.com/medagen/medagen/internal/triage"
)

// HTTPClient makes REST calls to the Medagen server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8000").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURLFromStream derives the HTTP base URL from a stream URL such as
// ws://host:8000/ws/chat.
func BaseURLFromStream(streamURL string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

// TriageResult is the server's verdict. FailSafe is set when the input
// was rejected and the conservative default was evaluated instead.
type TriageResult struct {
	triage.Verdict
	FailSafe bool   `json:"fail_safe"`
	Error    string `json:"error,omitempty"`
}

type Health struct {
	Status        string            `json:"status"`
	Connections   int               `json:"connections"`
	Pushed        uint64            `json:"messages_pushed"`
	Dropped       map[string]uint64 `json:"messages_dropped"`
	Goroutines    int               `json:"goroutines"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	MemoryRSS     uint64            `json:"memory_rss_bytes"`
	CPUPercent    float64           `json:"cpu_percent"`
}

type DemoRun struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

// Triage sends POST /api/triage/rules.
func (c *HTTPClient) Triage(ctx context.Context, in triage.Input) (*TriageResult, error) {
	var out TriageResult
	if err := c.post(ctx, "/api/triage/rules", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches /health.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StartDemo sends POST /api/sessions/{id}/demo.
func (c *HTTPClient) StartDemo(ctx context.Context, sessionID string, req agent.Request) (*DemoRun, error) {
	var out DemoRun
	if err := c.post(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/demo", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
