//go:build !linux

package governor

import (
	"context"
	"runtime"
	"time"

	"github.com/galois26/archive-ingester/internal/model"
)

// HostSampler falls back to the Go runtime's own memory accounting where
// /proc is not available. Disk and CPU are reported as zero.
type HostSampler struct {
	limit uint64
}

func NewHostSampler(_, _ string) (*HostSampler, error) {
	return &HostSampler{limit: 4 << 30}, nil
}

func (h *HostSampler) Sample(ctx context.Context) (model.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.ResourceSnapshot{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return model.ResourceSnapshot{
		MemoryUsed:  ms.Sys,
		MemoryTotal: h.limit,
		Timestamp:   time.Now().UTC(),
	}, nil
}
