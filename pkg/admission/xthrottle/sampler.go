package xthrottle

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

//go:generate mockgen -source=sampler.go -destination=sampler_mock_test.go -package=xthrottle

// Load 一次负载采样，CPU 与 Memory 为百分比 [0,100]
type Load struct {
	CPU    float64
	Memory float64
	At     time.Time
}

// Sampler 负载采样器
type Sampler interface {
	Sample(ctx context.Context) (Load, error)
}

// SystemSampler 通过 gopsutil 读取整机 CPU 与内存使用率。
// CPU 使用率是相对上一次调用的区间值，首次调用为开机以来的平均值。
type SystemSampler struct {
	now func() time.Time
}

var _ Sampler = (*SystemSampler)(nil)

// NewSystemSampler 创建系统采样器
func NewSystemSampler() *SystemSampler {
	return &SystemSampler{now: time.Now}
}

func (s *SystemSampler) Sample(ctx context.Context) (Load, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, fmt.Errorf("xthrottle: sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return Load{}, fmt.Errorf("xthrottle: sample cpu: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, fmt.Errorf("xthrottle: sample memory: %w", err)
	}
	return Load{CPU: percents[0], Memory: vm.UsedPercent, At: s.now()}, nil
}
