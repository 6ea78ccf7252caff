package governor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/galois26/archive-ingester/internal/model"
)

// scriptedSampler returns the queued snapshots in order and then repeats
// the last one.
type scriptedSampler struct {
	mu    sync.Mutex
	snaps []model.ResourceSnapshot
	err   error
	calls int
}

func (s *scriptedSampler) Sample(ctx context.Context) (model.ResourceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return model.ResourceSnapshot{}, s.err
	}
	snap := s.snaps[0]
	if len(s.snaps) > 1 {
		s.snaps = s.snaps[1:]
	}
	return snap, nil
}

func (s *scriptedSampler) push(snaps ...model.ResourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snaps...)
}

func mem(pct float64) model.ResourceSnapshot {
	return model.ResourceSnapshot{MemoryUsed: uint64(pct * 10), MemoryTotal: 1000, Timestamp: time.Now()}
}

func testThresholds() Thresholds {
	return Thresholds{
		MemoryWarning: 75, MemoryCritical: 90,
		DiskWarning: 85, DiskCritical: 95,
		CPUWarning: 85, CPUCritical: 97,
	}
}

func newTestGovernor(t *testing.T, s Sampler) *Governor {
	t.Helper()
	g := New(Config{
		Thresholds:   testThresholds(),
		PollInterval: 5 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	}, s)
	g.freeMem = func() {}
	return g
}

func TestClassify(t *testing.T) {
	th := testThresholds()
	tests := []struct {
		name string
		snap model.ResourceSnapshot
		want Level
	}{
		{"idle", mem(10), Normal},
		{"at warning threshold", mem(75), Normal},
		{"memory warning", mem(80), Warning},
		{"memory critical", mem(95), Critical},
		{"disk critical", model.ResourceSnapshot{DiskUsed: 96, DiskTotal: 100}, Critical},
		{"cpu warning", model.ResourceSnapshot{CPUPercent: 90}, Warning},
		{"worst wins", model.ResourceSnapshot{MemoryUsed: 80, MemoryTotal: 100, CPUPercent: 99}, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classify(tt.snap, th)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSample_CriticalTriggersCleanup(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(95)}}
	g := newTestGovernor(t, s)

	level, err := g.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Critical, level)
	assert.False(t, g.MayProceed())
	assert.EqualValues(t, 1, g.Cleanups())
}

func TestSample_ErrorKeepsLevel(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(80)}}
	g := newTestGovernor(t, s)
	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	s.err = errors.New("proc unavailable")
	level, err := g.Sample(context.Background())
	require.Error(t, err)
	assert.Equal(t, Warning, level)
}

func TestWait_BlocksUntilPressureDrops(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(95), mem(95), mem(95), mem(80)}}
	g := newTestGovernor(t, s)
	_, err := g.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, Critical, g.Level())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx, "test"))
	assert.Equal(t, Warning, g.Level())
	assert.GreaterOrEqual(t, s.calls, 4)
}

func TestWait_NoPauseWhenNotCritical(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(80)}}
	g := newTestGovernor(t, s)
	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.Wait(context.Background(), "test"))
	assert.Equal(t, 1, s.calls)
}

func TestWait_SustainedPressure(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(99)}}
	g := newTestGovernor(t, s)
	g.cfg.MaxPause = 20 * time.Millisecond
	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	err = g.Wait(context.Background(), "test")
	require.ErrorIs(t, err, ErrSustainedPressure)
}

func TestWait_ContextCancelled(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(99)}}
	g := newTestGovernor(t, s)
	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx, "test"), context.DeadlineExceeded)
}

func TestBatchLimit_ShrinksUntilNormal(t *testing.T) {
	s := &scriptedSampler{snaps: []model.ResourceSnapshot{mem(95), mem(80), mem(10)}}
	g := newTestGovernor(t, s)
	ctx := context.Background()

	assert.Equal(t, 500, g.BatchLimit(500))
	_, _ = g.Sample(ctx) // critical
	assert.Equal(t, 125, g.BatchLimit(500))
	assert.Equal(t, 1, g.BatchLimit(2), "never below one")
	_, _ = g.Sample(ctx) // warning keeps the shrink
	assert.Equal(t, 125, g.BatchLimit(500))
	_, _ = g.Sample(ctx) // normal restores
	assert.Equal(t, 500, g.BatchLimit(500))
	assert.Equal(t, 2, g.BatchLimit(2))
}

func TestEmergencyCleanup_OnlyOrphans(t *testing.T) {
	dir := t.TempDir()
	g := newTestGovernor(t, &scriptedSampler{snaps: []model.ResourceSnapshot{mem(10)}})

	live := filepath.Join(dir, TempPrefix+"live")
	orphan := filepath.Join(dir, TempPrefix+"orphan")
	require.NoError(t, os.WriteFile(live, []byte("live"), 0o644))
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o644))

	liveCtx, liveCancel := context.WithCancel(context.Background())
	defer liveCancel()
	deadCtx, deadCancel := context.WithCancel(context.Background())
	deadCancel()

	g.RegisterTemp(liveCtx, live)
	g.RegisterTemp(deadCtx, orphan)

	assert.Equal(t, 1, g.EmergencyCleanup())
	assert.FileExists(t, live)
	assert.NoFileExists(t, orphan)

	require.NoError(t, g.ReleaseTemp(live))
	assert.NoFileExists(t, live)
	require.NoError(t, g.ReleaseTemp(live), "double release is harmless")
}

func TestStart_SweepsStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, TempPrefix+"123.json.gz")
	other := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	g := newTestGovernor(t, &scriptedSampler{snaps: []model.ResourceSnapshot{mem(10)}})
	g.cfg.TempDir = dir
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)
	assert.Equal(t, Normal, g.Level())
}
