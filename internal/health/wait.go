package health

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is how a WaitUntilHealthy call resolved.
type Outcome string

const (
	Healthy  Outcome = "healthy"
	Timeout  Outcome = "timeout"
	Exited   Outcome = "exited"
	Canceled Outcome = "canceled"
)

// Defaults used when Options fields are zero.
const (
	DefaultGrace    = 2 * time.Second
	DefaultInterval = time.Second
	DefaultMaxWait  = 60 * time.Second
)

// Options tunes WaitUntilHealthy.
type Options struct {
	Grace        time.Duration // warm-up before the first probe
	Interval     time.Duration // delay between a failed probe and the next one
	MaxWait      time.Duration // budget after the grace period
	ProbeTimeout time.Duration // cap for each probe (also bounded by the remaining budget)
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Grace < 0 {
		o.Grace = 0
	} else if o.Grace == 0 {
		o.Grace = DefaultGrace
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NoGrace disables the warm-up period when assigned to Options.Grace.
const NoGrace = time.Duration(-1)

// WaitUntilHealthy probes until the first success, the budget is spent, the watched
// process exits (watch is closed), or ctx is cancelled. It never fails the caller:
// the result says which of those happened. watch may be nil.
func WaitUntilHealthy(ctx context.Context, probe Probe, watch <-chan struct{}, opts Options) Outcome {
	o := opts.withDefaults()
	log := o.Logger.With("probe", probe.Describe())
	start := time.Now()

	finish := func(out Outcome, attempts int) Outcome {
		lvl := slog.LevelInfo
		if out != Healthy {
			lvl = slog.LevelWarn
		}
		log.Log(ctx, lvl, "health wait finished", "outcome", string(out), "attempts", attempts, "elapsed", time.Since(start).Round(time.Millisecond))
		return out
	}

	select {
	case <-watch:
		return finish(Exited, 0)
	default:
	}

	deadline := time.NewTimer(o.Grace + o.MaxWait)
	defer deadline.Stop()

	if o.Grace > 0 {
		grace := time.NewTimer(o.Grace)
		select {
		case <-grace.C:
		case <-watch:
			grace.Stop()
			return finish(Exited, 0)
		case <-ctx.Done():
			grace.Stop()
			return finish(Canceled, 0)
		}
	}

	end := start.Add(o.Grace + o.MaxWait)
	attempts := 0
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			return finish(Timeout, attempts)
		}
		pt := o.ProbeTimeout
		if pt > remaining {
			pt = remaining
		}
		attempts++
		pctx, cancel := context.WithTimeout(ctx, pt)
		err := probe.Check(pctx)
		cancel()
		if err == nil {
			return finish(Healthy, attempts)
		}
		log.Debug("probe failed", "attempt", attempts, "error", err)

		retry := time.NewTimer(o.Interval)
		select {
		case <-retry.C:
		case <-watch:
			retry.Stop()
			return finish(Exited, attempts)
		case <-deadline.C:
			retry.Stop()
			return finish(Timeout, attempts)
		case <-ctx.Done():
			retry.Stop()
			return finish(Canceled, attempts)
		}
	}
}
