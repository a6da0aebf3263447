package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/localmind/pkg/client"
)

// command runs CLI verbs against the daemon API.
type command struct {
	api  *client.Client
	out  io.Writer
	json bool
}

func newCommand(flags *GlobalFlags, out io.Writer) command {
	return command{
		api:  client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout}),
		out:  out,
		json: flags.JSON,
	}
}

func (c command) ensureDaemon(ctx context.Context) error {
	if !c.api.IsReachable(ctx) {
		return errors.New("localmind daemon is not reachable; start it with 'localmind serve'")
	}
	return nil
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	if err := c.ensureDaemon(ctx); err != nil {
		return err
	}
	if f.Watch {
		return c.api.WatchStatus(ctx, func(st client.ServiceStatus) {
			c.printStatus(client.StatusDetail{ServiceStatus: st}, false)
		})
	}
	if f.Detailed {
		d, err := c.api.Detail(ctx)
		if err != nil {
			return err
		}
		c.printStatus(d, true)
		return nil
	}
	st, err := c.api.Status(ctx)
	if err != nil {
		return err
	}
	c.printStatus(client.StatusDetail{ServiceStatus: st}, false)
	return nil
}

func (c command) printStatus(d client.StatusDetail, detailed bool) {
	if c.json {
		if detailed {
			printJSON(c.out, d)
		} else {
			printJSON(c.out, d.ServiceStatus)
		}
		return
	}
	url := "-"
	if d.PublicURL != nil {
		url = *d.PublicURL
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "automation\t%s\n", yesNo(d.AutomationReady, "ready", "not ready"))
	_, _ = fmt.Fprintf(w, "tunnel\t%s (%s)\n", yesNo(d.TunnelUp, "up", "down"), d.TunnelState)
	_, _ = fmt.Fprintf(w, "public url\t%s\n", url)
	_, _ = fmt.Fprintf(w, "model runtime\t%s\n", yesNo(d.ModelReachable, "reachable", "unreachable"))
	if detailed {
		_, _ = fmt.Fprintf(w, "automation pid\t%s\n", pidOrDash(d.AutomationPID))
		_, _ = fmt.Fprintf(w, "model runtime pid\t%s\n", pidOrDash(d.ModelRuntimePID))
		_, _ = fmt.Fprintf(w, "tunnel pid\t%s\n", pidOrDash(d.TunnelPID))
		if d.TunnelExitCode != nil {
			_, _ = fmt.Fprintf(w, "tunnel last exit\t%d\n", *d.TunnelExitCode)
		}
		_, _ = fmt.Fprintf(w, "tunnel retry pending\t%t\n", d.TunnelRetryPending)
	}
	_ = w.Flush()
}

func (c command) TunnelStart(ctx context.Context, f TunnelFlags) error {
	if f.Quick && f.TokenSet && f.Token != "" {
		return errors.New("--quick and --token are mutually exclusive")
	}
	var (
		st  client.ServiceStatus
		err error
	)
	switch {
	case f.Quick:
		st, err = c.api.StartTunnel(ctx, "")
	case f.TokenSet:
		st, err = c.api.StartTunnel(ctx, f.Token)
	default:
		st, err = c.api.StartTunnelWithSavedToken(ctx)
	}
	if err != nil {
		return err
	}
	if c.json {
		printJSON(c.out, st)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "tunnel %s\n", st.TunnelState)
	return nil
}

func (c command) TunnelStop(ctx context.Context) error {
	if err := c.api.StopTunnel(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "tunnel stopped")
	return nil
}

func (c command) TunnelToken(ctx context.Context, token string) error {
	if err := c.api.SetTunnelToken(ctx, token); err != nil {
		return err
	}
	if token == "" {
		_, _ = fmt.Fprintln(c.out, "tunnel token cleared")
	} else {
		_, _ = fmt.Fprintln(c.out, "tunnel token saved; run 'localmind tunnel start' to apply it")
	}
	return nil
}

func (c command) AutomationStart(ctx context.Context) error {
	if err := c.api.StartAutomation(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "automation server starting")
	return nil
}

func (c command) AutomationStop(ctx context.Context) error {
	err := c.api.StopAutomation(ctx)
	if client.IsNotRunning(err) {
		_, _ = fmt.Fprintln(c.out, "automation server is not running")
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "automation server stopping")
	return nil
}

func (c command) Models(ctx context.Context) error {
	models, err := c.api.Models(ctx)
	if err != nil {
		return err
	}
	if c.json {
		printJSON(c.out, models)
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, humanBytes(m.Size), m.ModifiedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// Pull downloads model, or the recommended model when model is empty.
func (c command) Pull(ctx context.Context, model string) error {
	if model == "" {
		p, err := c.api.Hardware(ctx)
		if err != nil {
			return err
		}
		model = p.RecommendedModel
		_, _ = fmt.Fprintf(c.out, "pulling recommended model %s\n", model)
	}
	last := -1
	return c.api.Pull(ctx, model, func(p client.PullProgress) {
		if c.json {
			printJSON(c.out, p)
			return
		}
		pct := int(p.Percent)
		if p.Phase == client.PhaseDownloading && pct == last {
			return
		}
		last = pct
		_, _ = fmt.Fprintf(c.out, "%s %s %d%% %s\n", p.ModelID, p.Phase, pct, p.Detail)
	})
}

func (c command) Hardware(ctx context.Context) error {
	p, err := c.api.Hardware(ctx)
	if err != nil {
		return err
	}
	if c.json {
		printJSON(c.out, p)
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "memory\t%.1f GB\n", p.TotalMemoryGB)
	_, _ = fmt.Fprintf(w, "cpu\t%s (%d cores)\n", p.CPUModel, p.CPUCores)
	_, _ = fmt.Fprintf(w, "discrete gpu\t%t\n", p.HasDiscreteGPU)
	if p.HasDiscreteGPU {
		_, _ = fmt.Fprintf(w, "vram\t%d MB\n", p.VRAMMB)
	}
	_, _ = fmt.Fprintf(w, "recommended model\t%s\n", p.RecommendedModel)
	return w.Flush()
}
