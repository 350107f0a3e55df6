// Package hostusage samples the local host's resource usage for the
// broker's own load report.
package hostusage

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/dray-io/placement/internal/loadreport"
)

const mb = 1024 * 1024

// Source reads raw host counters.
type Source interface {
	CPUPercent(ctx context.Context) (float64, error)
	CPUCount(ctx context.Context) (int, error)
	Memory(ctx context.Context) (total, used uint64, err error)
	NetBytes(ctx context.Context) (recv, sent uint64, err error)
}

// Config configures a Collector.
type Config struct {
	// NICSpeedMbps is the bandwidth limit. Zero leaves bandwidth unmeasured.
	NICSpeedMbps int64
	// Source defaults to the gopsutil-backed host source.
	Source Source
	// Now defaults to time.Now.
	Now func() time.Time
}

// Collector turns successive host samples into SystemResourceUsage.
// Bandwidth is the byte-counter delta since the previous sample, so the
// first sample reports zero bandwidth usage.
type Collector struct {
	nicSpeedMbps int64
	source       Source
	now          func() time.Time

	mu       sync.Mutex
	lastAt   time.Time
	lastRecv uint64
	lastSent uint64
}

// NewCollector returns a Collector.
func NewCollector(cfg Config) *Collector {
	c := &Collector{nicSpeedMbps: cfg.NICSpeedMbps, source: cfg.Source, now: cfg.Now}
	if c.source == nil {
		c.source = gopsutilSource{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Sample reads the host and returns its usage.
//
// CPU is in percent-of-one-core units with a limit of 100 per core.
// Memory is in MB. Direct memory is the Go heap against GOMEMLIMIT and
// stays unmeasured when no limit is set. Bandwidth is in Kbps.
func (c *Collector) Sample(ctx context.Context) (loadreport.SystemResourceUsage, error) {
	var usage loadreport.SystemResourceUsage

	pct, err := c.source.CPUPercent(ctx)
	if err != nil {
		return usage, fmt.Errorf("hostusage: cpu percent: %w", err)
	}
	cores, err := c.source.CPUCount(ctx)
	if err != nil {
		return usage, fmt.Errorf("hostusage: cpu count: %w", err)
	}
	usage.CPU = loadreport.ResourceUsage{Usage: pct * float64(cores), Limit: 100 * float64(cores)}

	total, used, err := c.source.Memory(ctx)
	if err != nil {
		return usage, fmt.Errorf("hostusage: memory: %w", err)
	}
	usage.Memory = loadreport.ResourceUsage{Usage: float64(used) / mb, Limit: float64(total) / mb}

	usage.DirectMemory = heapUsage()

	recv, sent, err := c.source.NetBytes(ctx)
	if err != nil {
		return usage, fmt.Errorf("hostusage: network counters: %w", err)
	}
	usage.BandwidthIn, usage.BandwidthOut = c.bandwidth(recv, sent)
	return usage, nil
}

func (c *Collector) bandwidth(recv, sent uint64) (in, out loadreport.ResourceUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	limit := float64(c.nicSpeedMbps * 1000)
	in.Limit, out.Limit = limit, limit

	if !c.lastAt.IsZero() {
		secs := now.Sub(c.lastAt).Seconds()
		// Counters can reset when an interface bounces; skip that interval.
		if secs > 0 && recv >= c.lastRecv && sent >= c.lastSent {
			in.Usage = float64(recv-c.lastRecv) * 8 / 1000 / secs
			out.Usage = float64(sent-c.lastSent) * 8 / 1000 / secs
		}
	}
	c.lastAt, c.lastRecv, c.lastSent = now, recv, sent
	return in, out
}

func heapUsage() loadreport.ResourceUsage {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return loadreport.ResourceUsage{}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return loadreport.ResourceUsage{Usage: float64(ms.HeapInuse) / mb, Limit: float64(limit) / mb}
}

type gopsutilSource struct{}

func (gopsutilSource) CPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

func (gopsutilSource) CPUCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

func (gopsutilSource) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Used, nil
}

func (gopsutilSource) NetBytes(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesRecv, counters[0].BytesSent, nil
}
