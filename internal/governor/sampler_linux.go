//go:build linux

package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/galois26/archive-ingester/internal/model"
)

// HostSampler reads /proc for memory and CPU and statfs for the disk that
// holds the temp directory. CPU is the busy share since the previous
// sample, so the first sample reports 0.
type HostSampler struct {
	fs       procfs.FS
	diskPath string

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

func NewHostSampler(procPath, diskPath string) (*HostSampler, error) {
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &HostSampler{fs: fs, diskPath: diskPath}, nil
}

func (h *HostSampler) Sample(ctx context.Context) (model.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.ResourceSnapshot{}, err
	}
	snap := model.ResourceSnapshot{Timestamp: time.Now().UTC()}

	mi, err := h.fs.Meminfo()
	if err != nil {
		return snap, fmt.Errorf("meminfo: %w", err)
	}
	if mi.MemTotal != nil {
		snap.MemoryTotal = *mi.MemTotal * 1024
		avail := uint64(0)
		switch {
		case mi.MemAvailable != nil:
			avail = *mi.MemAvailable * 1024
		case mi.MemFree != nil:
			avail = *mi.MemFree * 1024
		}
		if avail <= snap.MemoryTotal {
			snap.MemoryUsed = snap.MemoryTotal - avail
		}
	}

	if h.diskPath != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(h.diskPath, &st); err != nil {
			return snap, fmt.Errorf("statfs %s: %w", h.diskPath, err)
		}
		bsize := uint64(st.Bsize)
		snap.DiskTotal = st.Blocks * bsize
		snap.DiskUsed = (st.Blocks - st.Bfree) * bsize
	}

	stat, err := h.fs.Stat()
	if err != nil {
		return snap, fmt.Errorf("stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	h.mu.Lock()
	if h.lastTotal > 0 && total > h.lastTotal {
		snap.CPUPercent = (busy - h.lastBusy) / (total - h.lastTotal) * 100
	}
	h.lastBusy, h.lastTotal = busy, total
	h.mu.Unlock()

	return snap, nil
}
