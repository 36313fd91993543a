package dieselcore

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// frameFenceTimeout bounds the per-frame fence wait so a wedged GPU turns
// into a reportable timeout instead of a hang.
const frameFenceTimeout = 5 * time.Second

// FrameSlot carries one frame-in-flight's synchronization primitives. The
// fence gates CPU reuse of the slot; the semaphores order GPU work against
// acquire and present.
type FrameSlot struct {
	Fence          Fence
	ImageAvailable Semaphore
	RenderFinished Semaphore
}

// FrameEngine runs the frames-in-flight protocol: a fixed ring of slots, a
// per-image fence record for cross-slot reuse, and, on devices that have
// timeline semaphores, a timeline tick per submitted frame.
type FrameEngine struct {
	backend Backend
	swap    *SwapchainManager
	cmds    *CommandManager
	tl      *Timeline
	stats   *Stats
	logger  *slog.Logger

	graphics Queue
	present  Queue

	slots          []FrameSlot
	imagesInFlight []Fence

	currentSlot  atomic.Uint32
	currentImage atomic.Uint32
}

func newFrameEngine(b Backend, swap *SwapchainManager, cmds *CommandManager, tl *Timeline, graphics, present Queue, inFlight int, stats *Stats, logger *slog.Logger) (*FrameEngine, error) {
	e := &FrameEngine{
		backend:  b,
		swap:     swap,
		cmds:     cmds,
		tl:       tl,
		stats:    stats,
		logger:   logger,
		graphics: graphics,
		present:  present,
		slots:    make([]FrameSlot, inFlight),
	}
	for i := range e.slots {
		fence, err := b.CreateFence(true)
		if err != nil {
			e.Destroy()
			return nil, errors.Wrapf(err, "creating fence for slot %d", i)
		}
		avail, err := b.CreateSemaphore()
		if err != nil {
			e.Destroy()
			return nil, errors.Wrapf(err, "creating acquire semaphore for slot %d", i)
		}
		done, err := b.CreateSemaphore()
		if err != nil {
			e.Destroy()
			return nil, errors.Wrapf(err, "creating render semaphore for slot %d", i)
		}
		e.slots[i] = FrameSlot{Fence: fence, ImageAvailable: avail, RenderFinished: done}
	}
	e.imagesInFlight = make([]Fence, swap.ImageCount())
	return e, nil
}

// Slot returns the ring index the next BeginFrame will use.
func (e *FrameEngine) Slot() uint32 { return e.currentSlot.Load() }

// ImageIndex returns the swapchain image acquired by the last BeginFrame.
func (e *FrameEngine) ImageIndex() uint32 { return e.currentImage.Load() }

// BeginFrame waits for the current slot's previous work, recycles its
// command pool, and acquires the next image. Returns ErrSwapchainStale,
// without consuming the slot, when the chain must be recreated first.
func (e *FrameEngine) BeginFrame() (uint32, error) {
	if e.swap.NeedsRecreation() {
		return 0, ErrSwapchainStale
	}

	slot := e.currentSlot.Load()
	s := &e.slots[slot]

	e.stats.FenceWaits.Add(1)
	if err := newError(e.backend.WaitForFences([]Fence{s.Fence}, true, frameFenceTimeout), "frame fence"); err != nil {
		return 0, err
	}

	// The fence proves the GPU finished this slot's prior frame, which is
	// the point where a retired chain generation becomes collectible.
	e.swap.CollectRetired()

	imageIdx, ret := e.backend.AcquireNextImage(e.swap.Handle(), frameFenceTimeout, s.ImageAvailable)
	switch ret {
	case ErrOutOfDate, ErrSurfaceLost:
		e.swap.MarkStale()
		return 0, ErrSwapchainStale
	case Suboptimal:
		// Usable this frame; recreate before the next one.
		e.swap.MarkStale()
	case Success:
	case NotReady:
		// Zero-timeout acquire semantics; never a usable image index.
		return 0, &Error{Kind: KindTimeout, Code: ret, Context: "acquiring swapchain image"}
	default:
		return 0, newError(ret, "acquiring swapchain image")
	}

	if err := e.cmds.Recycle(slot); err != nil {
		return 0, err
	}

	// Another slot may still be rendering to this image; its submission
	// fence is the proof it finished.
	if prior := e.imagesInFlight[imageIdx]; prior != 0 && prior != s.Fence {
		e.stats.FenceWaits.Add(1)
		if err := newError(e.backend.WaitForFences([]Fence{prior}, true, frameFenceTimeout), "image fence"); err != nil {
			return 0, err
		}
	}
	e.imagesInFlight[imageIdx] = s.Fence

	if err := e.backend.ResetFences([]Fence{s.Fence}); err != nil {
		return 0, errors.Wrapf(err, "resetting fence for slot %d", slot)
	}

	e.currentImage.Store(imageIdx)
	return imageIdx, nil
}

// EndFrame submits the slot's primary buffer and presents the acquired
// image. The submission waits on the acquire semaphore, signals the render
// semaphore for present and, when the device has one, a fresh timeline
// value for cross-frame pacing, and signals the slot fence. The slot
// advances even when present reports the chain stale: the submission
// already happened.
func (e *FrameEngine) EndFrame() error {
	slot := e.currentSlot.Load()
	s := &e.slots[slot]
	imageIdx := e.currentImage.Load()

	signal := []SemaphoreSubmit{{Semaphore: s.RenderFinished}}
	var tick uint64
	if e.tl != nil {
		tick = e.tl.Reserve()
		signal = append(signal, SemaphoreSubmit{Semaphore: e.tl.Handle(), Value: tick})
	}
	ret := e.backend.QueueSubmit(e.graphics, SubmitInfo{
		CommandBuffers: []CommandBuffer{e.cmds.Primary(slot)},
		Wait:           []SemaphoreSubmit{{Semaphore: s.ImageAvailable}},
		Signal:         signal,
	}, s.Fence)
	if err := newError(ret, "frame submit"); err != nil {
		if e.tl != nil {
			// The GPU will never signal this tick; retire it so pacing
			// does not wait on it forever.
			e.tl.abandon(tick)
		}
		return err
	}
	if e.tl != nil {
		e.stats.TimelineSignals.Add(1)
	}

	ret = e.backend.QueuePresent(e.present, e.swap.Handle(), imageIdx, s.RenderFinished)
	switch ret {
	case ErrOutOfDate, ErrSurfaceLost, Suboptimal:
		e.swap.MarkStale()
	case Success:
	default:
		if err := newError(ret, "presenting frame"); err != nil {
			return err
		}
	}

	e.currentSlot.Store((slot + 1) % uint32(len(e.slots)))
	e.stats.FramesRendered.Add(1)
	return nil
}

// ResetImageRecords drops every per-image fence record. Called after
// recreation: the old records refer to images that no longer exist.
func (e *FrameEngine) ResetImageRecords(imageCount int) {
	e.imagesInFlight = make([]Fence, imageCount)
}

// WaitIdle drains every slot fence, bounding shutdown and resize paths.
func (e *FrameEngine) WaitIdle() error {
	fences := make([]Fence, 0, len(e.slots))
	for _, s := range e.slots {
		if s.Fence != 0 {
			fences = append(fences, s.Fence)
		}
	}
	if len(fences) == 0 {
		return nil
	}
	e.stats.FenceWaits.Add(1)
	return newError(e.backend.WaitForFences(fences, true, frameFenceTimeout), "draining frame fences")
}

func (e *FrameEngine) Destroy() {
	for i := range e.slots {
		s := &e.slots[i]
		if s.Fence != 0 {
			e.backend.DestroyFence(s.Fence)
		}
		if s.ImageAvailable != 0 {
			e.backend.DestroySemaphore(s.ImageAvailable)
		}
		if s.RenderFinished != 0 {
			e.backend.DestroySemaphore(s.RenderFinished)
		}
		e.slots[i] = FrameSlot{}
	}
}
