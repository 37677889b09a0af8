package pool

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/exstreamtv/exstreamtv/internal/clock"
)

// resourceSample is one cached snapshot of the host headroom the guards check.
type resourceSample struct {
	memUsedRatio float64
	memTotal     uint64
	fdAvailable  int
	takenAt      time.Time
}

// resourceSampler caches memory and descriptor headroom so Acquire never
// pays for a fresh probe on the hot path. Probe errors keep the previous
// snapshot; until the first successful probe the guards are skipped.
type resourceSampler struct {
	clk    clock.Clock
	maxAge time.Duration

	mu     sync.Mutex
	sample resourceSample
	ok     bool

	memFn func(context.Context) (ratio float64, total uint64, err error)
	fdFn  func(context.Context) (available int, err error)
}

func newResourceSampler(clk clock.Clock, maxAge time.Duration) *resourceSampler {
	return &resourceSampler{
		clk:    clk,
		maxAge: maxAge,
		memFn:  systemMemory,
		fdFn:   fdHeadroom,
	}
}

// current returns the cached sample, refreshing it first when stale.
func (s *resourceSampler) current(ctx context.Context) (resourceSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if s.ok && now.Sub(s.sample.takenAt) < s.maxAge {
		return s.sample, true
	}

	ratio, total, memErr := s.memFn(ctx)
	avail, fdErr := s.fdFn(ctx)
	if memErr != nil || fdErr != nil {
		return s.sample, s.ok
	}

	s.sample = resourceSample{
		memUsedRatio: ratio,
		memTotal:     total,
		fdAvailable:  avail,
		takenAt:      now,
	}
	s.ok = true
	return s.sample, true
}

// last returns the cached sample without refreshing.
func (s *resourceSampler) last() (resourceSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.ok
}

func systemMemory(ctx context.Context) (float64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.UsedPercent / 100, vm.Total, nil
}

// fdHeadroom reports how many more descriptors this process may open before
// hitting its soft limit.
func fdHeadroom(ctx context.Context) (int, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	limits, err := proc.RlimitUsageWithContext(ctx, true)
	if err != nil {
		return 0, err
	}
	for _, l := range limits {
		if l.Resource != process.RLIMIT_NOFILE {
			continue
		}
		soft := uint64(l.Soft)
		used := uint64(l.Used)
		if used >= soft {
			return 0, nil
		}
		return int(soft - used), nil
	}
	return 0, errors.New("RLIMIT_NOFILE not reported")
}
