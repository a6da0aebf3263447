package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one CPU/memory sample of a supervised child.
type Usage struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls sampling of the supervised children.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []Usage
	start int
	count int
}

func (r *ring) add(u Usage) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = u
		r.count++
		return
	}
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Usage {
	out := make([]Usage, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// ResourceCollector samples CPU and memory of the supervised children by PID.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	latest  map[string]Usage
	history map[string]*ring

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 60
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		latest:     make(map[string]Usage),
		history:    make(map[string]*ring),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of supervised services."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of supervised services."),
		numThreads: gauge("num_threads", "Thread count of supervised services."),
		numFDs:     gauge("num_fds", "Open file descriptors of supervised services (Unix only)."),
	}
}

func (c *ResourceCollector) IsEnabled() bool { return c.enabled }

// RegisterMetrics registers the resource gauges. Already-registered collectors are kept.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ResourceCollector) collect(pids map[string]int32) {
	now := time.Now()
	samples := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := sample(name, pid, now)
		if err != nil {
			slog.Debug("failed to sample service resources", "service", name, "pid", pid, "error", err)
			continue
		}
		samples[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, u := range samples {
		c.cpuPercent.WithLabelValues(name).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(name).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(u.NumFDs))
		}
		c.latest[name] = u
		h := c.history[name]
		if h == nil {
			h = &ring{buf: make([]Usage, c.maxHistory)}
			c.history[name] = h
		}
		h.add(u)
	}
	// services that are gone lose their gauges and latest sample; history is kept
	for name := range c.latest {
		if _, ok := samples[name]; ok {
			continue
		}
		delete(c.latest, name)
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
	}
}

func sample(name string, pid int32, at time.Time) (Usage, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{
		Service:   name,
		PID:       pid,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		MemoryRSS: mem.RSS,
		Timestamp: at,
	}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Latest returns the most recent sample of a live service.
func (c *ResourceCollector) Latest(service string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[service]
	return u, ok
}

// All returns the most recent sample of every live service.
func (c *ResourceCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

// History returns samples oldest first.
func (c *ResourceCollector) History(service string) []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[service]
	if h == nil {
		return nil
	}
	return h.items()
}
