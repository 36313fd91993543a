package dieselcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTimeline(t *testing.T) (*Timeline, *Stats) {
	t.Helper()
	backend := NewMockBackend()
	stats := &Stats{}
	tl, err := newTimeline(backend, 0, stats)
	require.NoError(t, err)
	t.Cleanup(tl.Destroy)
	return tl, stats
}

func TestReserveIsMonotonic(t *testing.T) {
	tl, _ := newTestTimeline(t)
	assert.Equal(t, uint64(1), tl.Reserve())
	assert.Equal(t, uint64(2), tl.Reserve())
	assert.Equal(t, uint64(3), tl.Reserve())
	assert.Equal(t, uint64(3), tl.Reserved())
}

func TestHostSignalRejectsNonMonotonicValues(t *testing.T) {
	tl, _ := newTestTimeline(t)

	require.NoError(t, tl.Signal(5))
	err := tl.Signal(5)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	err = tl.Signal(3)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	completed, err := tl.Completed()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), completed)
}

func TestWaitOnPassedValueSkipsBackend(t *testing.T) {
	tl, stats := newTestTimeline(t)

	require.NoError(t, tl.Signal(2))
	require.NoError(t, tl.Wait(2, time.Second))
	waits := stats.TimelineWaits.Load()

	// The observed cache now covers the value; a second wait is free.
	require.NoError(t, tl.Wait(2, time.Second))
	require.NoError(t, tl.Wait(1, time.Second))
	assert.Equal(t, waits, stats.TimelineWaits.Load())
}

func TestWaitTimesOutOnUnreachedValue(t *testing.T) {
	tl, _ := newTestTimeline(t)

	err := tl.Wait(7, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestWaitUnblocksOnConcurrentSignal(t *testing.T) {
	tl, _ := newTestTimeline(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_ = tl.Signal(4)
	}()
	require.NoError(t, tl.Wait(4, 2*time.Second))
	wg.Wait()
}

func TestPaceBoundsFramesInFlight(t *testing.T) {
	tl, _ := newTestTimeline(t)

	// Nothing reserved yet: pacing is a no-op.
	require.NoError(t, tl.Pace(2, time.Second))

	for i := uint64(1); i <= 3; i++ {
		tl.Reserve()
		require.NoError(t, tl.Signal(i))
	}
	// Three reserved, all complete: waiting for value 2 returns at once.
	require.NoError(t, tl.Pace(2, time.Second))

	// A fourth reservation with no signal forces a real wait on value 3,
	// which is already complete; value 4 is not needed yet.
	tl.Reserve()
	require.NoError(t, tl.Pace(2, time.Second))

	// Two more unsignaled reservations push the pace target past the
	// completed counter.
	tl.Reserve()
	tl.Reserve()
	err := tl.Pace(2, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}
