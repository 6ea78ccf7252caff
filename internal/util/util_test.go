package util

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 4, Initial: time.Millisecond, Max: 3 * time.Millisecond}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		var delays []time.Duration
		p := policy
		p.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }
		calls := 0
		err := Retry(context.Background(), p, func(int) error {
			calls++
			if calls < 4 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, delays)
	})

	t.Run("stop is not retried and unwrapped", func(t *testing.T) {
		sentinel := errors.New("bad request")
		calls := 0
		err := Retry(context.Background(), policy, func(int) error {
			calls++
			return Stop(sentinel)
		})
		assert.Same(t, sentinel, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted returns last error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func(attempt int) error {
			calls++
			return errors.New("down")
		})
		assert.EqualError(t, err, "down")
		assert.Equal(t, 4, calls)
	})

	t.Run("context cancel stops backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := RetryPolicy{Attempts: 5, Initial: time.Hour, Max: time.Hour}
		p.OnRetry = func(int, time.Duration, error) { cancel() }
		err := Retry(ctx, p, func(int) error { return errors.New("down") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsTransientStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 403: false, 404: false, 408: true, 429: true, 500: true, 503: true} {
		assert.Equal(t, want, IsTransientStatus(code), "status %d", code)
	}
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{json.Number("41234567890"), 41234567890, true},
		{json.Number("1.5"), 0, false},
		{float64(12), 12, true},
		{float64(12.5), 0, false},
		{" 77 ", 77, true},
		{"abc", 0, false},
		{int(3), 3, true},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsInt64(tt.in)
		assert.Equal(t, tt.ok, ok, "%#v", tt.in)
		assert.Equal(t, tt.want, got, "%#v", tt.in)
	}
}

func TestParseTimeFlexible(t *testing.T) {
	want := time.Date(2012, 3, 10, 22, 4, 5, 0, time.UTC)
	for _, s := range []string{
		"2012-03-10T22:04:05Z",
		"2012-03-10T14:04:05-08:00",
		"2012-03-10T14:04:05-0800",
		"2012/03/10 14:04:05 -0800",
		"2012-03-10 22:04:05",
		"Sat, 10 Mar 2012 22:04:05 GMT",
		"1331417045",
	} {
		got, err := ParseTimeFlexible(s)
		if assert.NoError(t, err, s) {
			assert.True(t, want.Equal(got), "%s parsed as %s", s, got)
		}
	}

	_, err := ParseTimeFlexible("")
	assert.Error(t, err)
	_, err = ParseTimeFlexible("12345")
	assert.Error(t, err, "short digit strings are not epochs")
}

func TestPickHelpers(t *testing.T) {
	m := map[string]any{"a": "  ", "b": " x ", "n": json.Number("5"), "s": "6"}
	assert.Equal(t, "x", PickStr(m, "missing", "a", "b"))
	n, ok := PickInt64(m, "a", "n")
	assert.True(t, ok)
	assert.EqualValues(t, 5, n)
	n, ok = PickInt64(m, "s")
	assert.True(t, ok)
	assert.EqualValues(t, 6, n)
}

func TestNewLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, NewLimiter(0, 0).Limit())
	l := NewLimiter(2, 0)
	assert.Equal(t, rate.Limit(2), l.Limit())
	assert.Equal(t, 1, l.Burst())
}
