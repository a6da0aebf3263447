// Package sysinfo profiles the host to pick a model that fits it.
package sysinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Profile is the hardware summary reported to the UI.
type Profile struct {
	TotalMemoryGB    float64 `json:"totalMemoryGB"`
	HasDiscreteGPU   bool    `json:"hasDiscreteGpu"`
	VRAMMB           int     `json:"vramMB"`
	CPUModel         string  `json:"cpuModel,omitempty"`
	CPUCores         int     `json:"cpuCores"`
	RecommendedModel string  `json:"recommendedModelId"`
}

// Recommendation picks between a large and a small model.
type Recommendation struct {
	LargeModel        string  `mapstructure:"large_model"`
	SmallModel        string  `mapstructure:"small_model"`
	MemoryThresholdGB float64 `mapstructure:"memory_threshold_gb"`
	VRAMThresholdMB   int     `mapstructure:"vram_threshold_mb"`
}

func DefaultRecommendation() Recommendation {
	return Recommendation{
		LargeModel:        "llama3",
		SmallModel:        "tinyllama",
		MemoryThresholdGB: 16,
		VRAMThresholdMB:   6000,
	}
}

// Pick returns the large model when memory exceeds the threshold or a GPU has
// more VRAM than the VRAM threshold.
func (r Recommendation) Pick(memGB float64, gpu bool, vramMB int) string {
	d := DefaultRecommendation()
	if r.LargeModel == "" {
		r.LargeModel = d.LargeModel
	}
	if r.SmallModel == "" {
		r.SmallModel = d.SmallModel
	}
	if r.MemoryThresholdGB <= 0 {
		r.MemoryThresholdGB = d.MemoryThresholdGB
	}
	if r.VRAMThresholdMB <= 0 {
		r.VRAMThresholdMB = d.VRAMThresholdMB
	}
	if memGB > r.MemoryThresholdGB || (gpu && vramMB > r.VRAMThresholdMB) {
		return r.LargeModel
	}
	return r.SmallModel
}

// Detector gathers a Profile. The zero value is not usable; call NewDetector.
type Detector struct {
	rec Recommendation
	log *slog.Logger

	totalMemory func(ctx context.Context) (uint64, error)
	cpuInfo     func(ctx context.Context) (string, int, error)
	gpuVRAM     func(ctx context.Context) ([]int, error)
}

// GPUQueryCommand is run to list discrete GPU memory in MiB, one line per device.
var GPUQueryCommand = []string{"nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits"}

func NewDetector(rec Recommendation, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		rec:         rec,
		log:         log.With("component", "sysinfo"),
		totalMemory: totalMemory,
		cpuInfo:     cpuInfo,
		gpuVRAM:     nvidiaVRAM,
	}
}

// Profile never fails; missing facts are reported as zero values.
func (d *Detector) Profile(ctx context.Context) Profile {
	var p Profile
	if total, err := d.totalMemory(ctx); err != nil {
		d.log.Warn("memory detection failed", "error", err)
	} else {
		p.TotalMemoryGB = float64(total) / (1 << 30)
	}
	if model, cores, err := d.cpuInfo(ctx); err != nil {
		d.log.Debug("cpu detection failed", "error", err)
	} else {
		p.CPUModel, p.CPUCores = model, cores
	}
	if vram, err := d.gpuVRAM(ctx); err != nil {
		d.log.Debug("no discrete GPU detected", "error", err)
	} else if len(vram) > 0 {
		p.HasDiscreteGPU = true
		for _, v := range vram {
			p.VRAMMB += v
		}
	}
	p.RecommendedModel = d.rec.Pick(p.TotalMemoryGB, p.HasDiscreteGPU, p.VRAMMB)
	return p
}

func totalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func cpuInfo(ctx context.Context) (string, int, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return "", 0, err
	}
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		return "", cores, nil
	}
	return strings.TrimSpace(infos[0].ModelName), cores, nil
}

func nvidiaVRAM(ctx context.Context) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// #nosec G204 -- fixed command
	out, err := exec.CommandContext(ctx, GPUQueryCommand[0], GPUQueryCommand[1:]...).Output()
	if err != nil {
		return nil, err
	}
	return parseVRAM(out)
}

// parseVRAM reads one MiB value per line.
func parseVRAM(out []byte) ([]int, error) {
	var res []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(strings.Fields(line)[0])
		if err != nil {
			return nil, fmt.Errorf("parse vram %q: %w", line, err)
		}
		res = append(res, v)
	}
	return res, sc.Err()
}
