package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is where `localmind serve` listens unless configured otherwise.
const DefaultBaseURL = "http://127.0.0.1:7878/api"

// Client provides HTTP client functionality to communicate with the localmind daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client // no overall timeout, for SSE and pull progress
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotRunning reports whether err is the daemon's "not running" conflict.
func IsNotRunning(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

func (c *Client) Detail(ctx context.Context) (StatusDetail, error) {
	var d StatusDetail
	err := c.getJSON(ctx, "/status?detail=1", &d)
	return d, err
}

func (c *Client) Hardware(ctx context.Context) (HardwareProfile, error) {
	var p HardwareProfile
	err := c.getJSON(ctx, "/hardware", &p)
	return p, err
}

func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var ms []Model
	err := c.getJSON(ctx, "/models", &ms)
	return ms, err
}

// StartTunnel starts a tunnel with token; an empty token requests a quick tunnel.
func (c *Client) StartTunnel(ctx context.Context, token string) (ServiceStatus, error) {
	body, err := json.Marshal(tokenRequest{Token: token})
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("marshal request: %w", err)
	}
	var st ServiceStatus
	err = c.do(ctx, http.MethodPost, "/tunnel/start", body, &st)
	return st, err
}

// StartTunnelWithSavedToken lets the daemon use its persisted token, if any.
func (c *Client) StartTunnelWithSavedToken(ctx context.Context) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodPost, "/tunnel/start", nil, &st)
	return st, err
}

func (c *Client) StopTunnel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/tunnel/stop", nil, nil)
}

// SetTunnelToken persists token on the daemon. An empty token clears it.
func (c *Client) SetTunnelToken(ctx context.Context, token string) error {
	body, err := json.Marshal(tokenRequest{Token: token})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPut, "/tunnel/token", body, nil)
}

func (c *Client) StartAutomation(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/automation/start", nil, nil)
}

func (c *Client) StopAutomation(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/automation/stop", nil, nil)
}

// Pull downloads model on the daemon, calling fn for each progress record.
// It returns an error when the stream ends in the error phase.
func (c *Client) Pull(ctx context.Context, model string, fn func(PullProgress)) error {
	body, err := json.Marshal(pullRequest{Model: model})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.send(ctx, c.stream, http.MethodPost, "/models/pull", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var last PullProgress
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var p PullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		last = p
		if fn != nil {
			fn(p)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	switch last.Phase {
	case PhaseDone:
		return nil
	case PhaseError:
		return fmt.Errorf("pull %s: %s", model, last.Detail)
	}
	return fmt.Errorf("pull %s: stream ended before completion", model)
}

// WatchStatus follows the SSE status stream until ctx is done or the daemon
// closes it.
func (c *Client) WatchStatus(ctx context.Context, fn func(ServiceStatus)) error {
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/status/stream", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	rd := bufio.NewReader(resp.Body)
	for {
		line, err := rd.ReadString('\n')
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			var st ServiceStatus
			if jerr := json.Unmarshal([]byte(strings.TrimSpace(data)), &st); jerr != nil {
				return fmt.Errorf("decode status event: %w", jerr)
			}
			fn(st)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read status stream: %w", err)
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do performs a request and decodes a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.send(ctx, c.client, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send returns the response on 2xx; otherwise it consumes the body into an *APIError.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, c.errorFrom(resp)
}

func (c *Client) errorFrom(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
