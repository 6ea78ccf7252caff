package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/galois26/archive-ingester/internal/model"
	"github.com/galois26/archive-ingester/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logger)
}

func desc(name, fp string, size int64) model.SegmentDescriptor {
	return model.SegmentDescriptor{Name: name, Fingerprint: fp, Size: size}
}

func TestLedger_IsCurrent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	d := desc("2024-01-01-0", "etag-a", 1000)
	ok, err := l.IsCurrent(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkComplete(ctx, d.Name, d.Fingerprint, d.Size, 12))

	ok, err = l.IsCurrent(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsCurrent(ctx, desc("2024-01-01-0", "etag-b", 1000))
	require.NoError(t, err)
	assert.False(t, ok, "fingerprint change forces re-ingest")

	ok, err = l.IsCurrent(ctx, desc("2024-01-01-0", "etag-a", 1001))
	require.NoError(t, err)
	assert.False(t, ok, "size change forces re-ingest")
}

func TestLedger_Unprocessed(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.MarkComplete(ctx, "2024-01-01-0", "f0", 10, 1))
	require.NoError(t, l.MarkComplete(ctx, "2024-01-01-1", "old", 10, 1))

	in := []model.SegmentDescriptor{
		desc("2024-01-01-0", "f0", 10),
		desc("2024-01-01-1", "new", 10),
		desc("2024-01-01-2", "f2", 10),
	}
	out, skipped, err := l.Unprocessed(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, out, 2)
	assert.Equal(t, "2024-01-01-1", out[0].Name)
	assert.Equal(t, "2024-01-01-2", out[1].Name)
}

func TestLedger_ConcurrentMarkComplete(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("2024-01-01-%d", i%2)
			assert.NoError(t, l.MarkComplete(ctx, name, "f", 10, int64(i)))
		}(i)
	}
	wg.Wait()

	recs, err := l.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Empty(t, l.locks)
}
