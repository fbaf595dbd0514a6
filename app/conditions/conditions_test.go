package conditions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Check(t *testing.T) {
	checker := &Checker{
		CPUPercent:    func(context.Context, time.Duration) (float64, error) { return 45.5, nil },
		MemoryPercent: func(context.Context) (float64, error) { return 70, nil },
		LoadAvg:       func(context.Context) (float64, error) { return 1.5, nil },
		DiskUsedPercent: func(_ context.Context, path string) (float64, error) {
			if path == "/bad" {
				return 0, errors.New("no such path")
			}
			return 80, nil
		},
	}

	tbl := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "no conditions", cfg: Config{}},
		{name: "cpu below passes", cfg: Config{CPUBelow: intPtr(50)}},
		{name: "cpu above fails", cfg: Config{CPUBelow: intPtr(40)}, wantErr: "conditions not met: CPU at 45%, threshold 40%"},
		{name: "memory passes", cfg: Config{MemoryBelow: intPtr(71)}},
		{name: "memory fails", cfg: Config{MemoryBelow: intPtr(70)}, wantErr: "conditions not met: memory at 70%, threshold 70%"},
		{name: "load passes", cfg: Config{LoadAvgBelow: floatPtr(2)}},
		{name: "load fails", cfg: Config{LoadAvgBelow: floatPtr(1.5)}, wantErr: "conditions not met: load at 1.50, threshold 1.50"},
		{name: "disk passes", cfg: Config{DiskFreeAbove: intPtr(20)}},
		{name: "disk fails", cfg: Config{DiskFreeAbove: intPtr(30), DiskFreePath: "/data"},
			wantErr: "conditions not met: disk free at 20%, need 30% on /data"},
		{name: "disk error", cfg: Config{DiskFreeAbove: intPtr(30), DiskFreePath: "/bad"},
			wantErr: "conditions not met: failed to get disk usage for /bad: no such path"},
		{name: "custom passes", cfg: Config{Custom: "exit 0"}},
		{name: "custom fails", cfg: Config{Custom: "exit 1"}, wantErr: `conditions not met: custom check "exit 1" failed: exit status 1`},
		{name: "first failed reported", cfg: Config{CPUBelow: intPtr(10), MemoryBelow: intPtr(10)},
			wantErr: "conditions not met: CPU at 45%, threshold 10%"},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(context.Background(), tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotMet)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestChecker_Real(t *testing.T) {
	checker := NewChecker()
	checker.CPUInterval = 10 * time.Millisecond
	err := checker.Check(context.Background(), Config{CPUBelow: intPtr(100), MemoryBelow: intPtr(100), DiskFreeAbove: intPtr(1)})
	assert.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{CPUBelow: intPtr(80), LoadAvgBelow: floatPtr(0.5)}.Validate())
	assert.EqualError(t, Config{CPUBelow: intPtr(0)}.Validate(), "cpu_below must be between 1 and 100, got 0")
	assert.EqualError(t, Config{MemoryBelow: intPtr(101)}.Validate(), "memory_below must be between 1 and 100, got 101")
	assert.EqualError(t, Config{DiskFreeAbove: intPtr(-1)}.Validate(), "disk_free_above must be between 1 and 100, got -1")
	assert.EqualError(t, Config{LoadAvgBelow: floatPtr(0)}.Validate(), "load_avg_below must be positive, got 0.00")
}

func TestConfig_IsEmpty(t *testing.T) {
	assert.True(t, Config{}.IsEmpty())
	assert.True(t, Config{DiskFreePath: "/"}.IsEmpty())
	assert.False(t, Config{Custom: "true"}.IsEmpty())
	assert.False(t, Config{LoadAvgBelow: floatPtr(1)}.IsEmpty())
}

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }
