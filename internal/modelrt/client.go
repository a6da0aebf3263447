package modelrt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/localmind/internal/health"
)

// DefaultBaseURL is where a local Ollama listens.
const DefaultBaseURL = "http://127.0.0.1:11434"

// Phase is the coarse state of a model pull.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
	PhaseError       Phase = "error"
)

// PullProgress is reported for every line of a pull stream.
type PullProgress struct {
	ModelID string  `json:"modelId"`
	Phase   Phase   `json:"phase"`
	Percent float64 `json:"percentComplete"`
	Detail  string  `json:"detailMessage"`
}

// Model is one locally available model.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ErrPullIncomplete is returned when the stream ends without a success line.
var ErrPullIncomplete = errors.New("model pull ended before completion")

// APIError is a non-2xx response or an error line from the runtime.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model runtime: status %d: %s", e.Status, e.Message)
	}
	return "model runtime: " + e.Message
}

// Client talks to the model runtime's HTTP API.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         hc,
		probeTimeout: health.DefaultProbeTimeout,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Probe returns the liveness probe for the runtime's root endpoint.
func (c *Client) Probe() health.Probe {
	return health.HTTPProbe{URL: c.baseURL + "/", Timeout: c.probeTimeout, Client: c.http}
}

// Reachable probes the runtime once, bounded by the probe timeout.
func (c *Client) Reachable(ctx context.Context) bool {
	return c.Probe().Check(ctx) == nil
}

// ListModels returns the locally installed models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var out struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	if out.Models == nil {
		out.Models = []Model{}
	}
	return out.Models, nil
}

// pullLine is one NDJSON object of /api/pull.
type pullLine struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// Pull downloads model, invoking fn for each progress line. The final report has
// phase done or error; the returned error matches an error report.
func (c *Client) Pull(ctx context.Context, model string, fn func(PullProgress)) error {
	if fn == nil {
		fn = func(PullProgress) {}
	}
	fail := func(err error) error {
		fn(PullProgress{ModelID: model, Phase: PhaseError, Detail: err.Error()})
		return err
	}
	if strings.TrimSpace(model) == "" {
		return fail(errors.New("model name is required"))
	}

	body, _ := json.Marshal(map[string]any{"model": model, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("pull %s: %w", model, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return fail(err)
	}

	var percent float64
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l pullLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return fail(fmt.Errorf("decode pull progress: %w", err))
		}
		if l.Error != "" {
			return fail(&APIError{Message: l.Error})
		}
		if l.Status == "success" {
			fn(PullProgress{ModelID: model, Phase: PhaseDone, Percent: 100, Detail: l.Status})
			return nil
		}
		if l.Total > 0 {
			percent = float64(l.Completed) * 100 / float64(l.Total)
		}
		fn(PullProgress{ModelID: model, Phase: PhaseDownloading, Percent: percent, Detail: l.Status})
	}
	if err := sc.Err(); err != nil {
		return fail(fmt.Errorf("read pull stream: %w", err))
	}
	return fail(ErrPullIncomplete)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
