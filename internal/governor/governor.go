// Package governor keeps the pipeline inside the host's memory, disk and
// CPU budget. It samples the host on a fixed interval, classifies the
// pressure into three levels and holds callers back while the level is
// Critical. It also tracks the temporary files of in-flight segments so
// that an emergency cleanup can reclaim them after their owner is gone.
package governor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/metrics"
	"github.com/galois26/archive-ingester/internal/model"
)

// ErrSustainedPressure is returned by Wait when the level stayed Critical
// for longer than Config.MaxPause.
var ErrSustainedPressure = errors.New("governor: sustained resource pressure")

// Level is the classified pressure.
type Level int32

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sampler reads current host usage.
type Sampler interface {
	Sample(ctx context.Context) (model.ResourceSnapshot, error)
}

// Thresholds are usage percentages; a value strictly above the threshold
// counts as crossing it.
type Thresholds struct {
	MemoryWarning, MemoryCritical float64
	DiskWarning, DiskCritical     float64
	CPUWarning, CPUCritical       float64
}

type Config struct {
	Thresholds
	PollInterval time.Duration
	MaxPause     time.Duration // 0 waits indefinitely
	TempDir      string        // swept for orphaned segment files on Start
	Logger       *zap.Logger
	Metrics      *metrics.Registry
}

// Governor is safe for concurrent use. The sampled state has a single
// writer (Sample, serialized) and many readers.
type Governor struct {
	cfg     Config
	sampler Sampler
	logger  *zap.Logger

	sampleMu sync.Mutex // serializes Sample

	mu      sync.RWMutex
	level   Level
	snap    model.ResourceSnapshot
	reasons []string
	sampled time.Time
	changed chan struct{} // closed after every sample
	shrunk  bool          // batch shrink stays until a Normal sample

	temps *tempRegistry

	cleanups atomic.Int64
	freeMem  func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a governor. It does not sample until Start or Sample is called.
func New(cfg Config, sampler Sampler) *Governor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Governor{
		cfg:     cfg,
		sampler: sampler,
		logger:  cfg.Logger.With(zap.String("component", "governor")),
		changed: make(chan struct{}),
		temps:   newTempRegistry(),
		freeMem: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
		stopCh: make(chan struct{}),
	}
}

// Start sweeps orphaned temp files, takes a first sample and begins polling.
func (g *Governor) Start(ctx context.Context) error {
	if g.cfg.TempDir != "" {
		n, err := g.temps.sweepDir(g.cfg.TempDir)
		if err != nil {
			return fmt.Errorf("sweep temp dir: %w", err)
		}
		if n > 0 {
			g.logger.Info("removed orphaned segment files", zap.Int("files", n), zap.String("dir", g.cfg.TempDir))
		}
	}
	if _, err := g.Sample(ctx); err != nil {
		g.logger.Warn("initial sample failed", zap.Error(err))
	}
	g.wg.Add(1)
	go g.run()
	return nil
}

// Stop ends polling. Tracked temp files are left to their owners.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Governor) run() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PollInterval)
			if _, err := g.Sample(ctx); err != nil {
				g.logger.Warn("sample failed", zap.Error(err))
			}
			cancel()
		case <-g.stopCh:
			return
		}
	}
}

// Sample reads the host once and re-evaluates the level. On a sampler
// error the previous level is kept.
func (g *Governor) Sample(ctx context.Context) (Level, error) {
	g.sampleMu.Lock()
	defer g.sampleMu.Unlock()

	snap, err := g.sampler.Sample(ctx)
	if err != nil {
		return g.Level(), err
	}
	level, reasons := classify(snap, g.cfg.Thresholds)

	g.mu.Lock()
	prev := g.level
	g.level = level
	g.snap = snap
	g.reasons = reasons
	g.sampled = time.Now()
	if level == Normal {
		g.shrunk = false
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	g.cfg.Metrics.SetGovernor(int(level), snap.MemoryPercent(), snap.DiskPercent(), snap.CPUPercent)
	if level != prev {
		g.logTransition(prev, level, snap, reasons)
	}
	if level == Critical {
		g.EmergencyCleanup()
	}
	return level, nil
}

func (g *Governor) logTransition(prev, next Level, snap model.ResourceSnapshot, reasons []string) {
	fields := []zap.Field{
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Strings("reasons", reasons),
		zap.Float64("memory_pct", snap.MemoryPercent()),
		zap.Float64("disk_pct", snap.DiskPercent()),
		zap.Float64("cpu_pct", snap.CPUPercent),
	}
	switch next {
	case Critical:
		g.logger.Error("resource pressure critical, pausing pipeline", fields...)
	case Warning:
		g.logger.Warn("resource pressure elevated", fields...)
	default:
		g.logger.Info("resource pressure back to normal", fields...)
	}
}

func classify(s model.ResourceSnapshot, th Thresholds) (Level, []string) {
	level := Normal
	var reasons []string
	check := func(name string, v, warn, crit float64) {
		switch {
		case crit > 0 && v > crit:
			level = Critical
			reasons = append(reasons, name+" critical")
		case warn > 0 && v > warn:
			if level < Warning {
				level = Warning
			}
			reasons = append(reasons, name+" warning")
		}
	}
	check("memory", s.MemoryPercent(), th.MemoryWarning, th.MemoryCritical)
	check("disk", s.DiskPercent(), th.DiskWarning, th.DiskCritical)
	check("cpu", s.CPUPercent, th.CPUWarning, th.CPUCritical)
	return level, reasons
}

// Level returns the last classified level.
func (g *Governor) Level() Level {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// Snapshot returns the last sample.
func (g *Governor) Snapshot() model.ResourceSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// MayProceed is the non-blocking gate: false while Critical.
func (g *Governor) MayProceed() bool { return g.Level() != Critical }

// Wait blocks while the level is Critical, re-sampling every poll interval
// so that progress does not depend on the background loop. component names
// the caller in logs and metrics.
func (g *Governor) Wait(ctx context.Context, component string) error {
	if g.MayProceed() {
		return ctx.Err()
	}
	g.cfg.Metrics.IncPause(component)
	start := time.Now()
	g.mu.RLock()
	reasons := g.reasons
	g.mu.RUnlock()
	g.logger.Info("pausing until pressure subsides", zap.String("caller", component), zap.Strings("reasons", reasons))
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		g.mu.RLock()
		changed := g.changed
		g.mu.RUnlock()
		if g.MayProceed() {
			g.logger.Info("resuming", zap.String("caller", component), zap.Duration("paused", time.Since(start)))
			return nil
		}
		if g.cfg.MaxPause > 0 && time.Since(start) > g.cfg.MaxPause {
			return fmt.Errorf("%w: paused %s in %s", ErrSustainedPressure, time.Since(start).Truncate(time.Second), component)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
			g.sampleIfStale(ctx)
		}
	}
}

// sampleIfStale lets many waiters share one sample per poll interval.
func (g *Governor) sampleIfStale(ctx context.Context) {
	g.mu.RLock()
	fresh := time.Since(g.sampled) < g.cfg.PollInterval
	g.mu.RUnlock()
	if fresh {
		return
	}
	if _, err := g.Sample(ctx); err != nil {
		g.logger.Warn("sample failed", zap.Error(err))
	}
}

// BatchLimit scales a configured batch size down after an emergency
// cleanup, until the host is sampled Normal again.
func (g *Governor) BatchLimit(n int) int {
	g.mu.RLock()
	shrunk := g.shrunk || g.level == Critical
	g.mu.RUnlock()
	if !shrunk {
		return n
	}
	return max(1, n/4)
}

// EmergencyCleanup removes temp files whose owners are gone, forces a GC
// pass and shrinks batch sizes. It returns the number of files removed.
func (g *Governor) EmergencyCleanup() int {
	g.mu.Lock()
	g.shrunk = true
	g.mu.Unlock()

	removed, freed := g.temps.purgeOrphans(g.logger)
	g.freeMem()
	g.cleanups.Add(1)
	g.cfg.Metrics.IncCleanup()
	g.logger.Warn("emergency cleanup",
		zap.Int("temp_files_removed", removed),
		zap.Int64("bytes_freed", freed),
		zap.Int("temp_files_tracked", g.temps.len()),
	)
	return removed
}

// Cleanups reports how many emergency cleanups ran.
func (g *Governor) Cleanups() int64 { return g.cleanups.Load() }

// RegisterTemp tracks path as owned by the task behind owner. Once owner
// is done the file becomes eligible for emergency cleanup.
func (g *Governor) RegisterTemp(owner context.Context, path string) {
	g.temps.add(owner, path)
}

// ReleaseTemp removes path and stops tracking it. Releasing an unknown or
// already removed path is not an error.
func (g *Governor) ReleaseTemp(path string) error {
	return g.temps.release(path)
}
