package dieselcore

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
)

// Display is the windowing collaborator: it owns the native window handle and
// produces the presentable surface bound to it. The core only ever needs the
// surface, the live framebuffer size, and a way to sleep while the window has
// zero size during recreation.
type Display interface {
	// CreateSurface creates the presentable surface on the given backend.
	CreateSurface(b Backend) (Surface, error)
	// FramebufferSize returns the current framebuffer size in pixels.
	FramebufferSize() (int, int)
	// WaitEvents blocks until the window system delivers an event. Used only
	// while the framebuffer has zero size.
	WaitEvents()
}

// GLFWDisplay adapts a glfw window to the Display interface.
type GLFWDisplay struct {
	window *glfw.Window
}

// NewGLFWDisplay wraps an existing window. The caller keeps ownership of the
// window and the glfw lifecycle.
func NewGLFWDisplay(window *glfw.Window) *GLFWDisplay {
	return &GLFWDisplay{window: window}
}

func (d *GLFWDisplay) CreateSurface(b Backend) (Surface, error) {
	vb, ok := b.(*VulkanBackend)
	if !ok {
		return 0, errors.New("glfw display requires the vulkan backend")
	}
	surfPtr, err := d.window.CreateWindowSurface(vb.Instance(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "creating window surface")
	}
	return vb.adoptSurface(vk.SurfaceFromPointer(surfPtr)), nil
}

func (d *GLFWDisplay) FramebufferSize() (int, int) {
	return d.window.GetFramebufferSize()
}

func (d *GLFWDisplay) WaitEvents() {
	glfw.WaitEvents()
}
