package dieselcore

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// MaxSwapchainImages bounds the presentable image chain length.
const MaxSwapchainImages = 8

type swapchainPhase int

const (
	swapchainUninitialized swapchainPhase = iota
	swapchainLive
	swapchainRecreating
	swapchainDestroyed
)

// SwapchainState is the live presentable image chain. All per-image slices
// have identical length and index i refers to the same physical image in
// each. Recreated wholesale, never partially mutated.
type SwapchainState struct {
	Handle       Swapchain
	Format       SurfaceFormat
	Extent       Extent2D
	PresentMode  PresentMode
	Images       []Image
	Views        []ImageView
	Framebuffers []Framebuffer
}

// RetiredSwapchain holds the superseded chain's handle and per-image
// resources until the engine proves the GPU no longer references them.
type RetiredSwapchain struct {
	Handle       Swapchain
	Views        []ImageView
	Framebuffers []Framebuffer
}

// SwapchainManager owns the presentable image chain lifecycle:
// Uninitialized -> Live -> (Recreating -> Live)* -> Destroyed.
//
// All mutation happens under mu, held exclusively during recreation. The
// per-frame read accessors take no lock; the frame loop never recreates
// concurrently with rendering the same frame.
type SwapchainManager struct {
	backend Backend
	display Display
	logger  *slog.Logger
	cfg     Config
	dev     *DeviceInfo
	surface Surface

	mu      sync.RWMutex
	phase   swapchainPhase
	chain   SwapchainState
	retired *RetiredSwapchain

	renderPass  RenderPass
	depthFormat Format
	depthImage  Image
	depthMemory DeviceMemory
	depthView   ImageView

	recreateNeeded atomic.Bool
}

func newSwapchainManager(b Backend, d Display, dev *DeviceInfo, surface Surface, cfg Config, logger *slog.Logger) *SwapchainManager {
	return &SwapchainManager{
		backend: b,
		display: d,
		logger:  logger,
		cfg:     cfg,
		dev:     dev,
		surface: surface,
	}
}

// Create builds the image chain from the current surface state. When a
// previous chain exists it is passed as the old chain for a seamless
// transition and its per-image resources are snapshotted into a
// RetiredSwapchain instead of being destroyed here.
func (m *SwapchainManager) Create() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked()
}

func (m *SwapchainManager) createLocked() error {
	if m.phase == swapchainDestroyed {
		return errors.New("swapchain manager already destroyed")
	}

	caps, err := m.backend.SurfaceCapabilities(m.dev.Handle, m.surface)
	if err != nil {
		return errors.Wrap(err, "querying surface capabilities")
	}

	format := chooseSurfaceFormat(m.dev.SurfaceFormats, m.cfg.HDR)
	mode := choosePresentMode(m.dev.PresentModes, m.cfg.VSync)
	extent := m.chooseExtent(caps)
	count := chooseImageCount(caps, m.cfg.PreferredImageCount)

	old := m.chain.Handle
	if old != 0 {
		// A second recreation before the previous retirement was collected
		// is a usage error the engine must surface, not silently leak.
		if m.retired != nil {
			return errors.New("swapchain retired-generation overrun: previous chain not yet collected")
		}
		m.retired = &RetiredSwapchain{
			Handle:       old,
			Views:        m.chain.Views,
			Framebuffers: m.chain.Framebuffers,
		}
	}

	families := []uint32{m.dev.Selection.Graphics}
	if !m.dev.Selection.SharedPresent() {
		families = append(families, m.dev.Selection.Present)
	}

	sc, err := m.backend.CreateSwapchain(SwapchainInfo{
		Surface:       m.surface,
		MinImageCount: count,
		Format:        format,
		Extent:        extent,
		PresentMode:   mode,
		OldSwapchain:  old,
		QueueFamilies: families,
	})
	if err != nil {
		return errors.Wrap(err, "creating swapchain")
	}

	images, err := m.backend.SwapchainImages(sc)
	if err != nil {
		m.backend.DestroySwapchain(sc)
		return errors.Wrap(err, "querying swapchain images")
	}

	views := make([]ImageView, len(images))
	for i, img := range images {
		v, err := m.backend.CreateImageView(img, format.Format, AspectColor)
		if err != nil {
			for _, created := range views[:i] {
				m.backend.DestroyImageView(created)
			}
			m.backend.DestroySwapchain(sc)
			return errors.Wrapf(err, "creating image view %d", i)
		}
		views[i] = v
	}

	if m.renderPass == 0 || m.chain.Format.Format != format.Format {
		if m.renderPass != 0 {
			m.backend.DestroyRenderPass(m.renderPass)
		}
		m.depthFormat = chooseDepthFormat()
		rp, err := m.backend.CreateRenderPass(format.Format, m.depthFormat)
		if err != nil {
			return errors.Wrap(err, "creating render pass")
		}
		m.renderPass = rp
	}

	if err := m.createDepthLocked(extent); err != nil {
		return err
	}

	framebuffers := make([]Framebuffer, len(images))
	for i, v := range views {
		fb, err := m.backend.CreateFramebuffer(m.renderPass, []ImageView{v, m.depthView}, extent)
		if err != nil {
			return errors.Wrapf(err, "creating framebuffer %d", i)
		}
		framebuffers[i] = fb
	}

	m.chain = SwapchainState{
		Handle:       sc,
		Format:       format,
		Extent:       extent,
		PresentMode:  mode,
		Images:       images,
		Views:        views,
		Framebuffers: framebuffers,
	}
	m.phase = swapchainLive
	m.recreateNeeded.Store(false)

	m.logger.Info("swapchain created",
		"images", len(images),
		"extent", extent,
		"format", uint32(format.Format),
		"presentMode", uint32(mode))
	return nil
}

// Recreate tears down the extent-dependent resources and rebuilds the chain.
// Blocks while the window reports a zero-size framebuffer, using the
// display's wait-for-events hook, then waits for the device to go idle so the
// old depth resources can be destroyed in place.
func (m *SwapchainManager) Recreate() error {
	for {
		w, h := m.display.FramebufferSize()
		if w > 0 && h > 0 {
			break
		}
		m.display.WaitEvents()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = swapchainRecreating

	if err := m.backend.DeviceWaitIdle(); err != nil {
		return errors.Wrap(err, "waiting for device idle before recreation")
	}
	m.destroyDepthLocked()
	return m.createLocked()
}

func (m *SwapchainManager) createDepthLocked(extent Extent2D) error {
	img, mem, err := m.backend.CreateImage(ImageInfo{
		Format: m.depthFormat,
		Extent: extent,
		Usage:  ImageUsageDepthAttachment,
		Family: m.dev.Selection.Graphics,
	})
	if err != nil {
		return errors.Wrap(err, "creating depth image")
	}
	view, err := m.backend.CreateImageView(img, m.depthFormat, AspectDepth)
	if err != nil {
		m.backend.DestroyImage(img, mem)
		return errors.Wrap(err, "creating depth image view")
	}
	m.depthImage, m.depthMemory, m.depthView = img, mem, view
	return nil
}

func (m *SwapchainManager) destroyDepthLocked() {
	if m.depthView != 0 {
		m.backend.DestroyImageView(m.depthView)
		m.depthView = 0
	}
	if m.depthImage != 0 {
		m.backend.DestroyImage(m.depthImage, m.depthMemory)
		m.depthImage, m.depthMemory = 0, 0
	}
}

// CollectRetired destroys the pending retired generation. Called from
// BeginFrame after the frame fence wait proves the GPU is done with it;
// never synchronously at recreation time.
func (m *SwapchainManager) CollectRetired() {
	m.mu.Lock()
	r := m.retired
	m.retired = nil
	m.mu.Unlock()
	if r == nil {
		return
	}
	for _, fb := range r.Framebuffers {
		m.backend.DestroyFramebuffer(fb)
	}
	for _, v := range r.Views {
		m.backend.DestroyImageView(v)
	}
	m.backend.DestroySwapchain(r.Handle)
	m.logger.Debug("retired swapchain collected", "images", len(r.Views))
}

// MarkStale records that acquire or present reported the chain invalid. The
// flag is sticky: it stays set until a successful recreation.
func (m *SwapchainManager) MarkStale() { m.recreateNeeded.Store(true) }

// NeedsRecreation reports the sticky recreation flag.
func (m *SwapchainManager) NeedsRecreation() bool { return m.recreateNeeded.Load() }

// Read accessors. Lock-free: the frame loop never recreates concurrently
// with rendering the same frame.

func (m *SwapchainManager) Handle() Swapchain { return m.chain.Handle }

func (m *SwapchainManager) ImageCount() int { return len(m.chain.Images) }

func (m *SwapchainManager) Extent() Extent2D { return m.chain.Extent }

func (m *SwapchainManager) Format() SurfaceFormat { return m.chain.Format }

func (m *SwapchainManager) RenderPassHandle() RenderPass { return m.renderPass }

func (m *SwapchainManager) FramebufferAt(i int) Framebuffer { return m.chain.Framebuffers[i] }

func (m *SwapchainManager) ViewAt(i int) ImageView { return m.chain.Views[i] }

// Destroy tears everything down, including any uncollected retirement.
func (m *SwapchainManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == swapchainDestroyed {
		return
	}
	if m.retired != nil {
		r := m.retired
		m.retired = nil
		for _, fb := range r.Framebuffers {
			m.backend.DestroyFramebuffer(fb)
		}
		for _, v := range r.Views {
			m.backend.DestroyImageView(v)
		}
		m.backend.DestroySwapchain(r.Handle)
	}
	for _, fb := range m.chain.Framebuffers {
		m.backend.DestroyFramebuffer(fb)
	}
	for _, v := range m.chain.Views {
		m.backend.DestroyImageView(v)
	}
	m.destroyDepthLocked()
	if m.chain.Handle != 0 {
		m.backend.DestroySwapchain(m.chain.Handle)
	}
	if m.renderPass != 0 {
		m.backend.DestroyRenderPass(m.renderPass)
		m.renderPass = 0
	}
	m.chain = SwapchainState{}
	m.phase = swapchainDestroyed
}

// chooseSurfaceFormat prefers sRGB, or the HDR10 color space when enabled,
// falling back to whatever the surface reports first.
func chooseSurfaceFormat(formats []SurfaceFormat, hdr bool) SurfaceFormat {
	if hdr {
		for _, f := range formats {
			if f.ColorSpace == ColorSpaceHDR10ST2084 {
				return f
			}
		}
	}
	for _, f := range formats {
		if f.Format == FormatB8G8R8A8Srgb && f.ColorSpace == ColorSpaceSrgbNonlinear {
			return f
		}
	}
	return formats[0]
}

// choosePresentMode prefers mailbox for latency; fifo is the guaranteed
// fallback. Immediate only when vsync is off.
func choosePresentMode(modes []PresentMode, vsync bool) PresentMode {
	if !vsync {
		for _, m := range modes {
			if m == PresentModeImmediate {
				return m
			}
		}
	}
	for _, m := range modes {
		if m == PresentModeMailbox {
			return m
		}
	}
	return PresentModeFifo
}

// chooseExtent uses the surface's reported extent, or the live framebuffer
// size clamped to bounds when the surface leaves it undefined.
func (m *SwapchainManager) chooseExtent(caps SurfaceCapabilities) Extent2D {
	if caps.CurrentExtent.Width != ExtentUndefined {
		return caps.CurrentExtent
	}
	w, h := m.display.FramebufferSize()
	return Extent2D{
		Width:  clampU32(uint32(w), caps.MinExtent.Width, caps.MaxExtent.Width),
		Height: clampU32(uint32(h), caps.MinExtent.Height, caps.MaxExtent.Height),
	}
}

func chooseImageCount(caps SurfaceCapabilities, preferred uint32) uint32 {
	count := preferred
	if count < caps.MinImageCount {
		count = caps.MinImageCount
	}
	if caps.MaxImageCount > 0 && count > caps.MaxImageCount {
		count = caps.MaxImageCount
	}
	if count > MaxSwapchainImages {
		count = MaxSwapchainImages
	}
	return count
}

// chooseDepthFormat picks the highest-precision packed depth format first.
func chooseDepthFormat() Format {
	return FormatD32Sfloat
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
