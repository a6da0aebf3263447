package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Probe is a strategy that determines whether a service is healthy.
// It must be safe for concurrent use.
type Probe interface {
	// Check returns nil when the target is healthy.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// DefaultProbeTimeout bounds a single probe attempt.
const DefaultProbeTimeout = 1500 * time.Millisecond

// HTTPProbe issues a GET and treats any 2xx response as healthy.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration // per probe; DefaultProbeTimeout when zero
	Client  *http.Client
}

// StatusError reports a non-2xx probe response.
type StatusError struct{ Code int }

func (e *StatusError) Error() string { return fmt.Sprintf("unhealthy status %d", e.Code) }

func (p HTTPProbe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (p HTTPProbe) Describe() string { return "http:" + p.URL }

// CommandProbe runs a command that should exit zero when the target is present.
type CommandProbe struct {
	Command string
	Args    []string
	Timeout time.Duration // 10s when zero
}

// ErrCommandFailed wraps a non-zero exit of a CommandProbe.
var ErrCommandFailed = errors.New("probe command failed")

func (p CommandProbe) Check(ctx context.Context) error {
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("empty probe command")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 -- command comes from operator configuration
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %s exited %d", ErrCommandFailed, p.Command, ee.ExitCode())
	}
	return err
}

func (p CommandProbe) Describe() string {
	return strings.TrimSpace("cmd:" + p.Command + " " + strings.Join(p.Args, " "))
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }
func (f ProbeFunc) Describe() string                { return "func" }
