package process

import (
	"context"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// Sampler reads resource accounting for a process id
type Sampler interface {
	Sample(ctx context.Context, pid int) (ResourceSample, error)
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context, pid int) (ResourceSample, error)

// Sample implements Sampler
func (f SamplerFunc) Sample(ctx context.Context, pid int) (ResourceSample, error) {
	return f(ctx, pid)
}

// OSSampler queries the operating system through gopsutil
type OSSampler struct{}

// Sample implements Sampler
func (OSSampler) Sample(ctx context.Context, pid int) (ResourceSample, error) {
	p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ResourceSample{}, err
	}

	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}

	createdMs, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}

	var uptime uint64
	if since := time.Since(time.UnixMilli(createdMs)); since > 0 {
		uptime = uint64(since / time.Second)
	}

	return ResourceSample{
		CPUPercent:    cpu,
		MemoryBytes:   mem.RSS,
		UptimeSeconds: uptime,
	}, nil
}
