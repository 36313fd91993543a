package dieselcore

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// Core is the device context: one negotiated physical device, one logical
// device with its queue set, the swapchain lifecycle, the frame engine and
// the bindless registry. One Core per surface.
type Core struct {
	backend Backend
	display Display
	cfg     Config
	logger  *slog.Logger

	stats Stats

	surface  Surface
	dev      *DeviceInfo
	graphics Queue
	present  Queue
	compute  Queue
	transfer Queue

	framesInFlight int

	swap      *SwapchainManager
	cmds      *CommandManager
	uploads   *CommandManager
	timeline  *Timeline
	frames    *FrameEngine
	resources *BindlessRegistry
	pipecache *PipelineCacheStore

	initialized bool
}

// New wires a Core over a backend and display. Initialize must be called
// before any frame work.
func New(backend Backend, display Display, cfg Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		backend: backend,
		display: display,
		cfg:     cfg,
		logger:  logger.With("component", "dieselcore"),
	}
}

// Initialize runs the full bring-up: surface, device negotiation, logical
// device and queues, swapchain, command pools, timeline and frame ring,
// bindless registry and pipeline cache. Partially constructed state is torn
// down on failure.
func (c *Core) Initialize() (err error) {
	if c.initialized {
		return errors.New("core already initialized")
	}
	defer func() {
		if err != nil {
			c.Cleanup()
		}
	}()

	c.surface, err = c.display.CreateSurface(c.backend)
	if err != nil {
		return errors.Wrap(err, "creating surface")
	}

	c.dev, err = negotiateDevice(c.backend, c.surface, c.cfg, c.logger)
	if err != nil {
		return err
	}

	requests := queueRequests(c.dev.Selection, c.dev.Families)
	extensions := []string{SwapchainExtensionName}
	if err = c.backend.CreateDevice(c.dev.Handle, requests, extensions, c.dev.Features); err != nil {
		return errors.Wrap(err, "creating logical device")
	}

	sel := c.dev.Selection
	c.graphics = c.backend.GetQueue(sel.Graphics, 0)
	c.present = c.backend.GetQueue(sel.Present, 0)
	c.compute = c.backend.GetQueue(sel.Compute, 0)
	c.transfer = c.backend.GetQueue(sel.Transfer, 0)

	c.swap = newSwapchainManager(c.backend, c.display, c.dev, c.surface, c.cfg, c.logger)
	if err = c.swap.Create(); err != nil {
		return err
	}

	// More slots than images buys nothing: the acquire would just block
	// until a slot releases an image anyway.
	c.framesInFlight = c.cfg.FramesInFlight
	if n := int(c.swap.ImageCount()); c.framesInFlight > n {
		c.logger.Warn("frames in flight capped by image count",
			"requested", c.framesInFlight, "images", n)
		c.framesInFlight = n
	}

	c.cmds, err = newCommandManager(c.backend, c.graphics, sel.Graphics,
		c.framesInFlight, c.cfg.SecondaryBuffers, &c.stats, c.logger)
	if err != nil {
		return err
	}

	// A dedicated transfer family gets its own transient pool so uploads
	// bypass the graphics queue.
	if sel.Transfer != sel.Graphics {
		c.uploads, err = newCommandManager(c.backend, c.transfer, sel.Transfer, 0, 0, &c.stats, c.logger)
		if err != nil {
			return err
		}
	}

	// Timeline pacing is a capability, not a requirement: without it the
	// binary fence path alone paces the frame loop.
	if c.dev.Features.Has(FeatureTimelineSemaphore) {
		c.timeline, err = newTimeline(c.backend, 0, &c.stats)
		if err != nil {
			return err
		}
	}

	c.frames, err = newFrameEngine(c.backend, c.swap, c.cmds, c.timeline,
		c.graphics, c.present, c.framesInFlight, &c.stats, c.logger)
	if err != nil {
		return err
	}

	c.resources = newBindlessRegistry(c.backend, c.dev.Features, &c.stats, c.logger)

	c.pipecache, err = newPipelineCacheStore(c.backend, c.dev, c.cfg.PipelineCachePath, c.logger)
	if err != nil {
		return err
	}

	c.initialized = true
	c.logger.Info("context initialized",
		"device", c.dev.Props.Name,
		"apiVersion", versionString(c.dev.EffectiveVersion),
		"graphicsFamily", sel.Graphics,
		"presentFamily", sel.Present)
	return nil
}

// Device returns the negotiated device description.
func (c *Core) Device() *DeviceInfo { return c.dev }

// Statistics exposes the context-owned counters.
func (c *Core) Statistics() *Stats { return &c.stats }

// Resources exposes the bindless registry.
func (c *Core) Resources() *BindlessRegistry { return c.resources }

// Timeline exposes the frame timeline for pacing and deferred destruction.
// Nil when the device lacks timeline semaphores.
func (c *Core) Timeline() *Timeline { return c.timeline }

// Commands exposes the command manager for one-shot and secondary work.
func (c *Core) Commands() *CommandManager { return c.cmds }

// Uploads returns the one-shot manager for staging work: the dedicated
// transfer queue's when the device has one, otherwise the graphics manager.
func (c *Core) Uploads() *CommandManager {
	if c.uploads != nil {
		return c.uploads
	}
	return c.cmds
}

// NewTimelineChannel creates an extra timeline semaphore for ordering work
// across queues, such as a compute producer feeding the graphics queue. The
// caller owns it and must Destroy it before Cleanup.
func (c *Core) NewTimelineChannel(initial uint64) (*Timeline, error) {
	if !c.dev.Features.Has(FeatureTimelineSemaphore) {
		return nil, &Error{Kind: KindUnsupported, Code: ErrFeatureMissing,
			Context: "device lacks timeline semaphores"}
	}
	return newTimeline(c.backend, initial, &c.stats)
}

// PipelineCache returns the live cache handle for pipeline creation.
func (c *Core) PipelineCache() PipelineCache { return c.pipecache.Handle() }

// BeginFrame starts a frame and begins recording the slot's primary buffer.
// On ErrSwapchainStale the caller recreates via RecreateSwapchain and tries
// again; the frame slot is not consumed.
func (c *Core) BeginFrame() (uint32, error) {
	imageIdx, err := c.frames.BeginFrame()
	if err != nil {
		return 0, err
	}
	cb := c.cmds.Primary(c.frames.Slot())
	if err := c.backend.BeginCommandBuffer(cb, false); err != nil {
		return 0, errors.Wrap(err, "beginning frame command buffer")
	}
	return imageIdx, nil
}

// CommandBuffer returns the primary buffer being recorded this frame.
func (c *Core) CommandBuffer() CommandBuffer {
	return c.cmds.Primary(c.frames.Slot())
}

// SecondaryBuffers returns this frame's secondary buffers.
func (c *Core) SecondaryBuffers() []CommandBuffer {
	return c.cmds.Secondary(c.frames.Slot())
}

// Framebuffer returns the framebuffer for the image acquired this frame.
func (c *Core) Framebuffer() Framebuffer {
	return c.swap.FramebufferAt(int(c.frames.ImageIndex()))
}

// RenderPass returns the render pass matching the current chain format.
func (c *Core) RenderPass() RenderPass { return c.swap.RenderPassHandle() }

// Extent returns the current drawable extent.
func (c *Core) Extent() Extent2D { return c.swap.Extent() }

// EndFrame closes the primary buffer, submits and presents.
func (c *Core) EndFrame() error {
	cb := c.cmds.Primary(c.frames.Slot())
	if err := c.backend.EndCommandBuffer(cb); err != nil {
		return errors.Wrap(err, "ending frame command buffer")
	}
	return c.frames.EndFrame()
}

// NeedsSwapchainRecreation reports the sticky staleness flag. Window resize
// callbacks may also force it via NoteResized.
func (c *Core) NeedsSwapchainRecreation() bool { return c.swap.NeedsRecreation() }

// NoteResized marks the chain stale from a window-system resize event.
func (c *Core) NoteResized() { c.swap.MarkStale() }

// RecreateSwapchain rebuilds the image chain against the current surface
// state and resets the per-image frame records.
func (c *Core) RecreateSwapchain() error {
	if err := c.swap.Recreate(); err != nil {
		return err
	}
	c.frames.ResetImageRecords(c.swap.ImageCount())
	c.stats.Recreations.Add(1)
	return nil
}

// PaceFrames blocks until the GPU is within the frames-in-flight window,
// via the timeline when the device has one, otherwise by draining the slot
// fences.
func (c *Core) PaceFrames(timeout time.Duration) error {
	if c.timeline == nil {
		return c.frames.WaitIdle()
	}
	return c.timeline.Pace(uint32(c.framesInFlight), timeout)
}

// SavePipelineCache snapshots the pipeline cache to the configured path.
func (c *Core) SavePipelineCache() error {
	if c.pipecache == nil {
		return nil
	}
	return c.pipecache.Save()
}

// Cleanup tears everything down in reverse dependency order. Safe to call
// on a partially initialized Core and idempotent.
func (c *Core) Cleanup() {
	if c.dev != nil {
		if err := c.backend.DeviceWaitIdle(); err != nil {
			c.logger.Warn("device idle wait failed during cleanup", "err", err)
		}
	}
	if c.pipecache != nil {
		if err := c.pipecache.Save(); err != nil {
			c.logger.Warn("pipeline cache save failed during cleanup", "err", err)
		}
		c.pipecache.Destroy()
		c.pipecache = nil
	}
	if c.resources != nil {
		c.resources.Destroy()
		c.resources = nil
	}
	if c.frames != nil {
		c.frames.Destroy()
		c.frames = nil
	}
	if c.timeline != nil {
		c.timeline.Destroy()
		c.timeline = nil
	}
	if c.uploads != nil {
		c.uploads.Destroy()
		c.uploads = nil
	}
	if c.cmds != nil {
		c.cmds.Destroy()
		c.cmds = nil
	}
	if c.swap != nil {
		c.swap.Destroy()
		c.swap = nil
	}
	if c.dev != nil {
		c.backend.DestroyDevice()
		c.dev = nil
	}
	if c.surface != 0 {
		c.backend.DestroySurface(c.surface)
		c.surface = 0
	}
	c.initialized = false
}
