package dieselcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutOfDateAcquireReturnsStaleWithoutConsumingSlot(t *testing.T) {
	core, backend, _ := newTestCore(t)

	backend.AcquireResults = []Result{ErrOutOfDate}
	_, err := core.BeginFrame()
	require.ErrorIs(t, err, ErrSwapchainStale)
	assert.True(t, core.NeedsSwapchainRecreation())
	assert.Zero(t, core.Statistics().FramesRendered.Load())

	slot := core.frames.Slot()
	require.NoError(t, core.RecreateSwapchain())

	// Same slot retries after recreation; nothing was consumed.
	imageIdx, err := core.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, slot, core.frames.Slot())
	assert.Equal(t, uint32(0), imageIdx)
	require.NoError(t, core.EndFrame())
}

func TestStickyFlagShortCircuitsBeginFrame(t *testing.T) {
	core, backend, _ := newTestCore(t)

	core.NoteResized()
	_, err := core.BeginFrame()
	require.ErrorIs(t, err, ErrSwapchainStale)
	// No acquire call happens while the flag is set.
	assert.Empty(t, backend.Submissions)
}

func TestSuboptimalAcquireRendersThenFlagsRecreation(t *testing.T) {
	core, backend, _ := newTestCore(t)

	backend.AcquireResults = []Result{Suboptimal}
	_, err := core.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, core.EndFrame())

	assert.Equal(t, uint64(1), core.Statistics().FramesRendered.Load())
	assert.True(t, core.NeedsSwapchainRecreation())
}

func TestOutOfDatePresentStillAdvancesSlot(t *testing.T) {
	core, backend, _ := newTestCore(t)

	backend.PresentResults = []Result{ErrOutOfDate}
	_, err := core.BeginFrame()
	require.NoError(t, err)
	slot := core.frames.Slot()
	require.NoError(t, core.EndFrame())

	// The submission happened, so the slot moves on even though the chain
	// is now stale.
	assert.NotEqual(t, slot, core.frames.Slot())
	assert.True(t, core.NeedsSwapchainRecreation())
	assert.Equal(t, uint64(1), core.Statistics().FramesRendered.Load())
}

func TestDeviceLostSubmitIsFatalTagged(t *testing.T) {
	core, backend, _ := newTestCore(t)

	_, err := core.BeginFrame()
	require.NoError(t, err)

	backend.SubmitResults = []Result{ErrDeviceLost}
	err = core.EndFrame()
	require.Error(t, err)
	assert.True(t, IsDeviceLost(err))
}

func TestFrameSlotsAlternate(t *testing.T) {
	core, _, _ := newTestCore(t)

	seen := make([]uint32, 0, 4)
	for i := 0; i < 4; i++ {
		_, err := core.BeginFrame()
		require.NoError(t, err)
		seen = append(seen, core.frames.Slot())
		require.NoError(t, core.EndFrame())
	}
	assert.Equal(t, []uint32{0, 1, 0, 1}, seen)
}

func TestImageRecordsSurviveCrossSlotReuse(t *testing.T) {
	// Two images and two slots: every acquire reuses an image another slot
	// rendered to last, exercising the per-image fence record path.
	dev := DefaultMockDevice("two image gpu")
	dev.Caps.MaxImageCount = 2
	core, _, _ := newTestCore(t, dev)
	require.Equal(t, 2, core.swap.ImageCount())

	for i := 0; i < 8; i++ {
		imageIdx, err := core.BeginFrame()
		require.NoError(t, err)
		assert.Equal(t, uint32(i%2), imageIdx)
		require.NoError(t, core.EndFrame())
	}
	assert.Equal(t, uint64(8), core.Statistics().FramesRendered.Load())
}

func TestBeginFrameWaitsForImageHeldByOtherSlot(t *testing.T) {
	core, backend, _ := newTestCore(t)

	// Three frames over three images: frame 2 (slot 0) submits with its
	// fence held, so image 0's record stays unsignaled.
	for i := 0; i < 2; i++ {
		_, err := core.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, core.EndFrame())
	}
	backend.HoldSubmitFences = true
	_, err := core.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, core.EndFrame())

	// Frame 3 (slot 1) acquires image 0 again and must block on slot 0's
	// fence before reusing it.
	var gotIdx uint32
	var gotErr error
	done := make(chan struct{})
	go func() {
		gotIdx, gotErr = core.BeginFrame()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("BeginFrame reused an image the GPU still renders to")
	case <-time.After(50 * time.Millisecond):
	}

	backend.ReleaseHeldFences()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BeginFrame never unblocked after the fence signaled")
	}
	require.NoError(t, gotErr)
	assert.Equal(t, uint32(0), gotIdx)
}

func TestStaleAcquireLeavesCommandPoolUntouched(t *testing.T) {
	core, backend, _ := newTestCore(t)

	// Mark the slot's primary as recording; a pool reset would close it.
	cb := core.Commands().Primary(core.frames.Slot())
	require.NoError(t, backend.BeginCommandBuffer(cb, false))

	backend.AcquireResults = []Result{ErrOutOfDate}
	_, err := core.BeginFrame()
	require.ErrorIs(t, err, ErrSwapchainStale)
	assert.True(t, backend.cbOpen[cb], "slot state consumed on the sentinel path")
}

func TestNotReadyAcquireSurfacesAsTimeout(t *testing.T) {
	core, backend, _ := newTestCore(t)

	backend.AcquireResults = []Result{NotReady}
	_, err := core.BeginFrame()
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.False(t, core.NeedsSwapchainRecreation())

	// The slot survives and the next attempt renders normally.
	imageIdx, err := core.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), imageIdx)
	require.NoError(t, core.EndFrame())
}

func TestFailedSubmitRetiresTimelineTick(t *testing.T) {
	core, backend, _ := newTestCore(t)

	_, err := core.BeginFrame()
	require.NoError(t, err)
	backend.SubmitResults = []Result{ErrDeviceLost}
	require.Error(t, core.EndFrame())

	// The reserved tick is unwound, so pacing does not wait on a signal
	// that will never come.
	assert.Zero(t, core.Timeline().Reserved())
	require.NoError(t, core.PaceFrames(time.Second))
}
