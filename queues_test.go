package dieselcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectCombinedGraphicsPresentFamily(t *testing.T) {
	backend := NewMockBackend()
	surface, err := NewMockDisplay(800, 600).CreateSurface(backend)
	require.NoError(t, err)

	families := backend.QueueFamilies(1)
	sel, ok := selectQueueFamilies(backend, 1, surface, families)
	require.True(t, ok)

	assert.Equal(t, uint32(0), sel.Graphics)
	assert.Equal(t, uint32(0), sel.Present)
	assert.True(t, sel.SharedPresent())
	// Family 1 is transfer-only, so it wins the transfer role.
	assert.Equal(t, uint32(1), sel.Transfer)
	assert.True(t, sel.DedicatedTransfer())
	// No dedicated compute family; falls back to graphics.
	assert.Equal(t, uint32(0), sel.Compute)
}

func TestSelectFailsWithoutPresentCoverage(t *testing.T) {
	dev := DefaultMockDevice("headless")
	dev.PresentSupport = []bool{false, false}
	backend := NewMockBackend(dev)
	surface, err := NewMockDisplay(800, 600).CreateSurface(backend)
	require.NoError(t, err)

	_, ok := selectQueueFamilies(backend, 1, surface, backend.QueueFamilies(1))
	assert.False(t, ok)
}

func TestSelectPrefersDedicatedCompute(t *testing.T) {
	dev := DefaultMockDevice("async gpu")
	dev.Families = []QueueFamily{
		{Flags: QueueGraphics | QueueCompute | QueueTransfer, Count: 16, TimestampValidBits: 64},
		{Flags: QueueCompute | QueueTransfer, Count: 8, TimestampValidBits: 64},
	}
	dev.PresentSupport = []bool{true, false}
	backend := NewMockBackend(dev)
	surface, err := NewMockDisplay(800, 600).CreateSurface(backend)
	require.NoError(t, err)

	sel, ok := selectQueueFamilies(backend, 1, surface, backend.QueueFamilies(1))
	require.True(t, ok)
	assert.Equal(t, uint32(0), sel.Graphics)
	assert.Equal(t, uint32(1), sel.Compute)
}

func TestSelectSplitPresentFamily(t *testing.T) {
	dev := DefaultMockDevice("split gpu")
	dev.Families = []QueueFamily{
		{Flags: QueueGraphics | QueueCompute | QueueTransfer, Count: 4},
		{Flags: QueueTransfer, Count: 1},
	}
	// Only the transfer family can present.
	dev.PresentSupport = []bool{false, true}
	backend := NewMockBackend(dev)
	surface, err := NewMockDisplay(800, 600).CreateSurface(backend)
	require.NoError(t, err)

	sel, ok := selectQueueFamilies(backend, 1, surface, backend.QueueFamilies(1))
	require.True(t, ok)
	assert.Equal(t, uint32(0), sel.Graphics)
	assert.Equal(t, uint32(1), sel.Present)
	assert.False(t, sel.SharedPresent())
}

func TestQueueRequestsDeduplicateFamilies(t *testing.T) {
	families := []QueueFamily{
		{Flags: QueueGraphics | QueueCompute | QueueTransfer, Count: 16},
		{Flags: QueueTransfer, Count: 2},
	}
	sel := Selection{Graphics: 0, Present: 0, Compute: 0, Transfer: 1}

	reqs := queueRequests(sel, families)
	require.Len(t, reqs, 2)

	assert.Equal(t, uint32(0), reqs[0].Family)
	assert.Equal(t, uint32(4), reqs[0].Count, "queue count capped per family")
	assert.Equal(t, []float32{1.0, 0.75, 0.5, 0.25}, reqs[0].Priorities)

	assert.Equal(t, uint32(1), reqs[1].Family)
	assert.Equal(t, uint32(2), reqs[1].Count)
	assert.Equal(t, []float32{1.0, 0.75}, reqs[1].Priorities)
}
