// Package conditions checks system metrics an endpoint requires before its command starts
package conditions

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrNotMet returned by Check if any of conditions is not satisfied
var ErrNotMet = errors.New("conditions not met")

// Config defines thresholds, all optional. Nil pointer means no check.
type Config struct {
	CPUBelow      *int     `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty" jsonschema:"minimum=1,maximum=100,description=start only if CPU usage percent is below"`
	MemoryBelow   *int     `yaml:"memory_below,omitempty" json:"memory_below,omitempty" jsonschema:"minimum=1,maximum=100,description=start only if memory usage percent is below"`
	LoadAvgBelow  *float64 `yaml:"load_avg_below,omitempty" json:"load_avg_below,omitempty" jsonschema:"description=start only if 1 minute load average is below"`
	DiskFreeAbove *int     `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty" jsonschema:"minimum=1,maximum=100,description=start only if free disk percent is above"`
	DiskFreePath  string   `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty" jsonschema:"description=path for disk check, / by default"`
	Custom        string   `yaml:"custom,omitempty" json:"custom,omitempty" jsonschema:"description=shell command, must exit with 0"`
}

// IsEmpty returns true if no conditions defined
func (c Config) IsEmpty() bool {
	return c.CPUBelow == nil && c.MemoryBelow == nil && c.LoadAvgBelow == nil && c.DiskFreeAbove == nil && c.Custom == ""
}

// Validate checks thresholds are in range
func (c Config) Validate() error {
	checkPercent := func(name string, v *int) error {
		if v != nil && (*v < 1 || *v > 100) {
			return fmt.Errorf("%s must be between 1 and 100, got %d", name, *v)
		}
		return nil
	}
	if err := checkPercent("cpu_below", c.CPUBelow); err != nil {
		return err
	}
	if err := checkPercent("memory_below", c.MemoryBelow); err != nil {
		return err
	}
	if err := checkPercent("disk_free_above", c.DiskFreeAbove); err != nil {
		return err
	}
	if c.LoadAvgBelow != nil && *c.LoadAvgBelow <= 0 {
		return fmt.Errorf("load_avg_below must be positive, got %.2f", *c.LoadAvgBelow)
	}
	return nil
}

// Checker gets system metrics with gopsutil. Metric functions can be replaced.
type Checker struct {
	CPUPercent      func(ctx context.Context, interval time.Duration) (float64, error)
	MemoryPercent   func(ctx context.Context) (float64, error)
	LoadAvg         func(ctx context.Context) (float64, error)
	DiskUsedPercent func(ctx context.Context, path string) (float64, error)
	CPUInterval     time.Duration
}

// NewChecker makes Checker with gopsutil metrics
func NewChecker() *Checker {
	return &Checker{
		CPUPercent:      cpuPercent,
		MemoryPercent:   memoryPercent,
		LoadAvg:         loadAvg,
		DiskUsedPercent: diskUsedPercent,
		CPUInterval:     time.Second,
	}
}

// Check verifies all conditions, returns error wrapping ErrNotMet with the first failed one
func (c *Checker) Check(ctx context.Context, cfg Config) error {
	if cfg.CPUBelow != nil {
		v, err := c.CPUPercent(ctx, c.CPUInterval)
		if err != nil {
			return fmt.Errorf("%w: failed to get CPU: %v", ErrNotMet, err)
		}
		if int(v) >= *cfg.CPUBelow {
			return fmt.Errorf("%w: CPU at %d%%, threshold %d%%", ErrNotMet, int(v), *cfg.CPUBelow)
		}
	}

	if cfg.MemoryBelow != nil {
		v, err := c.MemoryPercent(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to get memory: %v", ErrNotMet, err)
		}
		if int(v) >= *cfg.MemoryBelow {
			return fmt.Errorf("%w: memory at %d%%, threshold %d%%", ErrNotMet, int(v), *cfg.MemoryBelow)
		}
	}

	if cfg.LoadAvgBelow != nil {
		v, err := c.LoadAvg(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to get load average: %v", ErrNotMet, err)
		}
		if v >= *cfg.LoadAvgBelow {
			return fmt.Errorf("%w: load at %.2f, threshold %.2f", ErrNotMet, v, *cfg.LoadAvgBelow)
		}
	}

	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		used, err := c.DiskUsedPercent(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: failed to get disk usage for %s: %v", ErrNotMet, path, err)
		}
		if free := 100 - int(used); free < *cfg.DiskFreeAbove {
			return fmt.Errorf("%w: disk free at %d%%, need %d%% on %s", ErrNotMet, free, *cfg.DiskFreeAbove, path)
		}
	}

	if cfg.Custom != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Custom) // nolint gosec
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%w: custom check %q failed: %v", ErrNotMet, cfg.Custom, err)
		}
	}
	return nil
}

func cpuPercent(ctx context.Context, interval time.Duration) (float64, error) {
	res, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("no CPU data available")
	}
	return res[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

func loadAvg(ctx context.Context) (float64, error) {
	v, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.Load1, nil
}

func diskUsedPercent(ctx context.Context, path string) (float64, error) {
	v, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}
