package dieselcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapchainPolicyChoosesSrgbMailboxExtent(t *testing.T) {
	core, backend, _ := newTestCore(t)

	require.NotEmpty(t, backend.SwapchainInfos)
	info := backend.SwapchainInfos[0]
	assert.Equal(t, FormatB8G8R8A8Srgb, info.Format.Format)
	assert.Equal(t, ColorSpaceSrgbNonlinear, info.Format.ColorSpace)
	// VSync on still prefers mailbox when offered: same cadence, less latency.
	assert.Equal(t, PresentModeMailbox, info.PresentMode)
	assert.Equal(t, uint32(3), info.MinImageCount)
	assert.Equal(t, Extent2D{Width: 800, Height: 600}, core.Extent())
}

func TestChoosePresentModeFallsBackToFifo(t *testing.T) {
	modes := []PresentMode{PresentModeFifo}
	assert.Equal(t, PresentModeFifo, choosePresentMode(modes, true))
	assert.Equal(t, PresentModeFifo, choosePresentMode(modes, false))

	withImmediate := []PresentMode{PresentModeFifo, PresentModeImmediate}
	assert.Equal(t, PresentModeImmediate, choosePresentMode(withImmediate, false))
	assert.Equal(t, PresentModeFifo, choosePresentMode(withImmediate, true))
}

func TestChooseImageCountClampsToSurfaceBounds(t *testing.T) {
	caps := SurfaceCapabilities{MinImageCount: 2, MaxImageCount: 3}
	assert.Equal(t, uint32(3), chooseImageCount(caps, 8))
	assert.Equal(t, uint32(2), chooseImageCount(caps, 1))

	unbounded := SurfaceCapabilities{MinImageCount: 2, MaxImageCount: 0}
	assert.Equal(t, uint32(MaxSwapchainImages), chooseImageCount(unbounded, 64))
}

func TestChooseExtentUsesFramebufferWhenSurfaceUndefined(t *testing.T) {
	dev := DefaultMockDevice("wayland gpu")
	dev.Caps.CurrentExtent = Extent2D{Width: ExtentUndefined, Height: ExtentUndefined}
	core, _, _ := newTestCore(t, dev)

	assert.Equal(t, Extent2D{Width: 800, Height: 600}, core.Extent())
}

func TestRecreationRetiresOldChainUntilFrameFenceProof(t *testing.T) {
	core, backend, _ := newTestCore(t)
	require.Equal(t, 1, backend.LiveCount("swapchain"))

	core.NoteResized()
	require.True(t, core.NeedsSwapchainRecreation())
	require.NoError(t, core.RecreateSwapchain())
	assert.False(t, core.NeedsSwapchainRecreation())

	// Old chain handle survives recreation; it is only destroyed after a
	// frame fence wait proves the GPU is done.
	assert.Equal(t, 2, backend.LiveCount("swapchain"))

	_, err := core.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, 1, backend.LiveCount("swapchain"))
	require.NoError(t, core.EndFrame())
	assert.Equal(t, uint64(1), core.Statistics().Recreations.Load())
}

func TestSecondRecreationBeforeCollectionIsSurfaced(t *testing.T) {
	core, _, _ := newTestCore(t)

	require.NoError(t, core.RecreateSwapchain())
	err := core.RecreateSwapchain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overrun")
}

func TestRecreationBlocksWhileMinimized(t *testing.T) {
	core, _, display := newTestCore(t)

	display.Resize(0, 0)
	display.QueueResize(640, 480)
	require.NoError(t, core.RecreateSwapchain())

	w, h := display.FramebufferSize()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
	assert.GreaterOrEqual(t, display.WaitCalls, 1, "recreation waited on the event loop")
}

func TestHDRSelectionWhenOffered(t *testing.T) {
	formats := []SurfaceFormat{
		{Format: FormatB8G8R8A8Srgb, ColorSpace: ColorSpaceSrgbNonlinear},
		{Format: FormatR16G16B16A16Sf, ColorSpace: ColorSpaceHDR10ST2084},
	}
	chosen := chooseSurfaceFormat(formats, true)
	assert.Equal(t, ColorSpaceHDR10ST2084, chosen.ColorSpace)

	// HDR off, or not offered, lands on sRGB.
	chosen = chooseSurfaceFormat(formats, false)
	assert.Equal(t, FormatB8G8R8A8Srgb, chosen.Format)
	chosen = chooseSurfaceFormat(formats[:1], true)
	assert.Equal(t, FormatB8G8R8A8Srgb, chosen.Format)
}
