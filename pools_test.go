package dieselcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommandManager(t *testing.T, slots, secondary int) (*CommandManager, *MockBackend, *Stats) {
	t.Helper()
	backend := NewMockBackend()
	stats := &Stats{}
	m, err := newCommandManager(backend, backend.GetQueue(0, 0), 0, slots, secondary, stats, testLogger())
	require.NoError(t, err)
	t.Cleanup(m.Destroy)
	return m, backend, stats
}

func TestCommandManagerAllocatesPerSlot(t *testing.T) {
	m, backend, _ := newTestCommandManager(t, 2, 4)

	assert.NotEqual(t, m.Primary(0), m.Primary(1))
	assert.Len(t, m.Secondary(0), 4)
	assert.Len(t, m.Secondary(1), 4)
	assert.Equal(t, 3, backend.LiveCount("commandPool"), "one pool per slot plus the transient pool")
}

func TestRecycleReopensSlotForRecording(t *testing.T) {
	m, backend, _ := newTestCommandManager(t, 2, 0)

	cb := m.Primary(0)
	require.NoError(t, backend.BeginCommandBuffer(cb, false))
	require.Error(t, backend.BeginCommandBuffer(cb, false), "buffer already recording")

	require.NoError(t, m.Recycle(0))
	assert.NoError(t, backend.BeginCommandBuffer(cb, false))
}

func TestOneShotBlocking(t *testing.T) {
	m, backend, stats := newTestCommandManager(t, 1, 0)

	cb, err := m.BeginOneShot()
	require.NoError(t, err)
	require.NoError(t, m.EndOneShot(cb))

	assert.Equal(t, uint64(1), stats.OneShotSubmits.Load())
	assert.Equal(t, uint64(1), stats.FenceWaits.Load())
	assert.Zero(t, backend.LiveCount("fence"), "one-shot fence released after completion")
	require.Len(t, backend.Submissions, 1)
	assert.Equal(t, []CommandBuffer{cb}, backend.Submissions[0].CommandBuffers)
}

func TestOneShotAsync(t *testing.T) {
	m, backend, stats := newTestCommandManager(t, 1, 0)

	cb, err := m.BeginOneShot()
	require.NoError(t, err)
	fence, err := m.EndOneShotAsync(cb)
	require.NoError(t, err)
	assert.NotZero(t, fence)
	assert.Equal(t, uint64(1), stats.OneShotSubmits.Load())
	assert.Equal(t, 1, backend.LiveCount("fence"), "fence outstanding until finished")

	require.NoError(t, m.FinishOneShot(fence, cb))
	assert.Equal(t, uint64(1), stats.FenceWaits.Load())
	assert.Zero(t, backend.LiveCount("fence"))
}

func TestOneShotSubmitFailureReleasesFence(t *testing.T) {
	m, backend, stats := newTestCommandManager(t, 1, 0)
	backend.SubmitResults = []Result{ErrDeviceLost}

	cb, err := m.BeginOneShot()
	require.NoError(t, err)
	err = m.EndOneShot(cb)
	require.Error(t, err)
	assert.True(t, IsDeviceLost(err))
	assert.Zero(t, stats.OneShotSubmits.Load())
	assert.Zero(t, backend.LiveCount("fence"))
}

func TestResizeSecondary(t *testing.T) {
	m, _, _ := newTestCommandManager(t, 2, 2)

	require.NoError(t, m.ResizeSecondary(6))
	assert.Len(t, m.Secondary(0), 6)
	assert.Len(t, m.Secondary(1), 6)

	require.NoError(t, m.ResizeSecondary(0))
	assert.Empty(t, m.Secondary(0))
	assert.Empty(t, m.Secondary(1))
}

func TestCommandManagerDestroyIsIdempotent(t *testing.T) {
	m, backend, _ := newTestCommandManager(t, 3, 2)

	m.Destroy()
	m.Destroy()
	assert.Zero(t, backend.LiveCount("commandPool"))
}
