package dieselcore

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCore(t *testing.T, devices ...MockDevice) (*Core, *MockBackend, *MockDisplay) {
	t.Helper()
	backend := NewMockBackend(devices...)
	display := NewMockDisplay(800, 600)
	core := New(backend, display, DefaultConfig("test"), testLogger())
	require.NoError(t, core.Initialize())
	t.Cleanup(core.Cleanup)
	return core, backend, display
}

func TestInitializeBringsUpFullContext(t *testing.T) {
	core, backend, _ := newTestCore(t)

	require.NotNil(t, core.Device())
	assert.Equal(t, "mock gpu", core.Device().Props.Name)
	assert.True(t, core.Device().Features.Has(FeatureTimelineSemaphore))

	// Device creation must only enable features the selection negotiated.
	assert.Equal(t, core.Device().Features, backend.EnabledFeatures())
	assert.NotZero(t, core.RenderPass())
	assert.Equal(t, Extent2D{Width: 800, Height: 600}, core.Extent())
}

func TestInitializeWithoutTimelineFallsBackToFences(t *testing.T) {
	dev := DefaultMockDevice("legacy gpu")
	dev.Features &^= FeatureTimelineSemaphore
	core, backend, _ := newTestCore(t, dev)

	assert.Nil(t, core.Timeline())
	_, err := core.NewTimelineChannel(0)
	require.Error(t, err)
	assert.Equal(t, KindUnsupported, KindOf(err))

	for i := 0; i < 4; i++ {
		_, err := core.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, core.EndFrame())
	}
	assert.Equal(t, uint64(4), core.Statistics().FramesRendered.Load())
	assert.Zero(t, core.Statistics().TimelineSignals.Load())

	// Submissions signal only the render-finished semaphore.
	for _, sub := range backend.Submissions {
		assert.Len(t, sub.Signal, 1)
	}

	// Pacing falls back to draining the slot fences.
	require.NoError(t, core.PaceFrames(time.Second))
}

func TestFramesInFlightCappedByImageCount(t *testing.T) {
	dev := DefaultMockDevice("tight caps")
	dev.Caps.MaxImageCount = 2

	backend := NewMockBackend(dev)
	cfg := DefaultConfig("test")
	cfg.FramesInFlight = 4
	core := New(backend, NewMockDisplay(800, 600), cfg, testLogger())
	require.NoError(t, core.Initialize())
	t.Cleanup(core.Cleanup)

	require.Equal(t, 2, core.swap.ImageCount())
	assert.Equal(t, 2, core.framesInFlight)

	// The capped ring still cycles cleanly.
	for i := 0; i < 4; i++ {
		_, err := core.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, core.EndFrame())
	}
	assert.Equal(t, uint64(4), core.Statistics().FramesRendered.Load())
}

func TestFrameLoopRendersAndAdvances(t *testing.T) {
	core, backend, _ := newTestCore(t)

	for i := 0; i < 6; i++ {
		imageIdx, err := core.BeginFrame()
		require.NoError(t, err)
		assert.Equal(t, uint32(i%core.swap.ImageCount()), imageIdx)
		require.NoError(t, core.EndFrame())
	}

	assert.Equal(t, uint64(6), core.Statistics().FramesRendered.Load())
	assert.Len(t, backend.Presented, 6)

	// Every submission waits on acquire and signals render-finished plus a
	// timeline tick.
	for _, sub := range backend.Submissions {
		require.Len(t, sub.Wait, 1)
		require.Len(t, sub.Signal, 2)
	}
	completed, err := core.Timeline().Completed()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), completed)
}

func TestCleanupReleasesEverything(t *testing.T) {
	backend := NewMockBackend()
	display := NewMockDisplay(800, 600)
	core := New(backend, display, DefaultConfig("test"), testLogger())
	require.NoError(t, core.Initialize())

	_, err := core.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, core.EndFrame())
	require.NoError(t, core.Resources().CreateBuffer("scene", 256, BufferUsageStorage))

	core.Cleanup()
	assert.Zero(t, backend.TotalLive(), "driver objects leaked: %v", backend.live)

	// Idempotent.
	core.Cleanup()
}

func TestStatsAreContextOwned(t *testing.T) {
	coreA, _, _ := newTestCore(t)
	coreB, _, _ := newTestCore(t)

	_, err := coreA.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, coreA.EndFrame())

	assert.Equal(t, uint64(1), coreA.Statistics().FramesRendered.Load())
	assert.Zero(t, coreB.Statistics().FramesRendered.Load())
}

func TestUploadsTargetDedicatedTransferQueue(t *testing.T) {
	core, backend, _ := newTestCore(t)

	cb, err := core.Uploads().BeginOneShot()
	require.NoError(t, err)
	require.NoError(t, core.Uploads().EndOneShot(cb))

	assert.NotSame(t, core.Commands(), core.Uploads(),
		"device with a transfer-only family gets its own upload pool")
	assert.Equal(t, uint64(1), core.Statistics().OneShotSubmits.Load())
	require.NotEmpty(t, backend.Submissions)
}

func TestUploadsFallBackToGraphicsQueue(t *testing.T) {
	dev := DefaultMockDevice("single-family")
	dev.Families = dev.Families[:1]
	dev.PresentSupport = dev.PresentSupport[:1]
	core, _, _ := newTestCore(t, dev)

	assert.Same(t, core.Commands(), core.Uploads())
}

func TestTimelineChannelOrdersAcrossQueues(t *testing.T) {
	core, _, _ := newTestCore(t)

	ch, err := core.NewTimelineChannel(0)
	require.NoError(t, err)
	defer ch.Destroy()

	tick := ch.Reserve()
	require.NoError(t, ch.Signal(tick))
	require.NoError(t, ch.Wait(tick, time.Second))
	completed, err := core.Timeline().Completed()
	require.NoError(t, err)
	assert.Zero(t, completed, "frame timeline untouched by extra channels")
}
