// Package resource provides the concrete Sampler and Mitigator the domain
// resource.Monitor drives: OS-level memory/disk probes and the
// mitigation-ladder side effects (cache flush, context compression,
// task pausing) wired back into the running agent.
package resource

import (
	"context"
	"syscall"

	"github.com/prometheus/procfs"

	domres "github.com/ngoclaw/ngoclaw/gateway/internal/domain/resource"
)

// OSSampler implements domres.Sampler by reading /proc/meminfo (via
// prometheus/procfs, already in the dependency closure through the
// metrics client) for memory and statfs(2) for disk. GPU fields are left
// at zero: none of the grounding pack carries a Go NVML/nvidia-smi
// binding, so GPU pressure is not sampled on this platform.
type OSSampler struct {
	procfs   procfs.FS
	diskPath string
}

// NewOSSampler builds an OSSampler. diskPath is the filesystem to
// statfs for disk pressure (typically the workspace root).
func NewOSSampler(diskPath string) (*OSSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &OSSampler{procfs: fs, diskPath: diskPath}, nil
}

// Sample implements domres.Sampler.
func (s *OSSampler) Sample(ctx context.Context) (domres.Usage, error) {
	var usage domres.Usage

	mi, err := s.procfs.Meminfo()
	if err == nil {
		if mi.MemTotal != nil {
			usage.MemoryTotalBytes = *mi.MemTotal * 1024
		}
		if mi.MemTotal != nil && mi.MemAvailable != nil {
			avail := *mi.MemAvailable * 1024
			if avail <= usage.MemoryTotalBytes {
				usage.MemoryUsedBytes = usage.MemoryTotalBytes - avail
			}
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.diskPath, &stat); err == nil {
		usage.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
		usage.DiskUsedBytes = usage.DiskTotalBytes - stat.Bfree*uint64(stat.Bsize)
	}

	return usage, nil
}
