package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 7 * time.Second},
		{2, 9 * time.Second},
		{12, 29 * time.Second},
		{13, 30 * time.Second},
		{20, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, b.Delay(tt.n), "delay(%d)", tt.n)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	prev := time.Duration(-1)
	for n := 0; n < 100; n++ {
		d := b.Delay(n)
		require.GreaterOrEqual(t, d, prev, "delay must be non-decreasing at n=%d", n)
		require.LessOrEqual(t, d, b.Max, "delay must be capped at n=%d", n)
		prev = d
	}
}

func TestBackoffNegativeAttempts(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	require.Equal(t, b.Base, b.Delay(-3))
}
