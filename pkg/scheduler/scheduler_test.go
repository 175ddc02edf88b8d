package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	tests := []struct {
		name string
		in   []string
		size int
		want [][]string
	}{
		{"even split", ids[:4], 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder", ids, 2, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}},
		{"size larger than input", ids, 50, [][]string{ids}},
		{"zero size", ids, 0, [][]string{ids}},
		{"negative size", ids, -1, [][]string{ids}},
		{"empty", nil, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.in, tt.size))
		})
	}
}

func TestChunk_BatchesDoNotAlias(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	batches := Chunk(ids, 2)
	batches[0] = append(batches[0], "x")
	assert.Equal(t, "c", ids[2])
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func TestPacer_CooldownSkippedAfterLastBatch(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPacer(Config{Cooldown: 30 * time.Second, Sleep: rec.Sleep})

	for i := range 3 {
		require.NoError(t, p.Cooldown(context.Background(), i, 3))
	}
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, rec.waits)
	assert.Equal(t, 30*time.Second, p.CooldownDuration())
}

func TestPacer_ZeroCooldown(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPacer(Config{Sleep: rec.Sleep})
	require.NoError(t, p.Cooldown(context.Background(), 0, 5))
	assert.Empty(t, rec.waits)
}

func TestPacer_WaitSpacesCalls(t *testing.T) {
	p := NewPacer(Config{CallDelay: 20 * time.Millisecond})

	start := time.Now()
	for range 3 {
		require.NoError(t, p.Wait(context.Background()))
	}
	// First token is immediate, the next two are spaced.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestPacer_UnlimitedWhenUnset(t *testing.T) {
	p := NewPacer(Config{})
	start := time.Now()
	for range 100 {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestPacer_WaitHonorsContext(t *testing.T) {
	p := NewPacer(Config{RequestsPerSecond: 0.001})
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}

func TestPacer_CooldownHonorsContext(t *testing.T) {
	p := NewPacer(Config{Cooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Cooldown(ctx, 0, 2), context.Canceled)
}
