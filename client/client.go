package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/LiangMouse/fe-atlas/internal/endpoint"
	"github.com/LiangMouse/fe-atlas/internal/runlog"
)

// Client is the public Go client for the fe-atlas runner API.
type Client struct {
	http    *http.Client
	baseURL string
	runlog  *runlog.Client
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/atlas.sock
// - absolute unix socket path
// - http://host:port
//
// If host is empty, ATLAS_HOST is used, then the default unix socket path.
func New(host string) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	return NewWithHTTPClient(endpoint.HTTPClient(ep), ep.BaseURL), nil
}

// NewWithHTTPClient skips endpoint resolution.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		runlog:  runlog.NewClient(httpClient, baseURL),
	}
}

// Run submits code for the question identified by slug and waits for the
// result. A run already in flight on the server yields ErrCodeBusy.
func (c *Client) Run(ctx context.Context, slug, code string) (RunState, error) {
	if c == nil {
		return RunState{}, errors.New("nil client")
	}
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return RunState{}, err
	}
	var state RunState
	path := "/api/questions/" + url.PathEscape(slug) + "/run"
	if err := c.do(ctx, http.MethodPost, path, "", bytes.NewReader(body), &state); err != nil {
		return RunState{}, err
	}
	return state, nil
}

func (c *Client) Questions(ctx context.Context) ([]QuestionSummary, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	var out []QuestionSummary
	if err := c.do(ctx, http.MethodGet, "/api/questions", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RuntimeState(ctx context.Context) (RuntimeState, error) {
	if c == nil {
		return RuntimeState{}, errors.New("nil client")
	}
	var out RuntimeState
	if err := c.do(ctx, http.MethodGet, "/api/runtime/state", "", nil, &out); err != nil {
		return RuntimeState{}, err
	}
	return out, nil
}

// RecentRuns lists indexed run logs, newest first. token is an OIDC ID
// token for an admin account. An empty slug lists every question.
func (c *Client) RecentRuns(ctx context.Context, token, slug string, limit int) ([]RunLogEntry, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	q := url.Values{}
	if slug != "" {
		q.Set("slug", slug)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/admin/run-logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []RunLogEntry
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendRunLog forwards a run log record to the server's log sink.
func (c *Client) AppendRunLog(ctx context.Context, rec RunLogRecord) error {
	if c == nil {
		return errors.New("nil client")
	}
	return c.runlog.Append(ctx, rec)
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
