package dieselcore

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// oneShotTimeout bounds blocking one-shot completions, mostly staging
// uploads, so a wedged transfer queue surfaces as a timeout.
const oneShotTimeout = 30 * time.Second

// CommandManager owns one command pool per frame slot plus a transient pool
// for one-shot work. Recording for slot i never touches slot j's pool, so
// slots record concurrently without locking.
type CommandManager struct {
	backend Backend
	logger  *slog.Logger
	stats   *Stats
	queue   Queue
	family  uint32

	slots     []commandSlot
	transient CommandPool
}

type commandSlot struct {
	pool      CommandPool
	primary   CommandBuffer
	secondary []CommandBuffer
}

func newCommandManager(b Backend, queue Queue, family uint32, slots int, secondary int, stats *Stats, logger *slog.Logger) (*CommandManager, error) {
	m := &CommandManager{
		backend: b,
		logger:  logger,
		stats:   stats,
		queue:   queue,
		family:  family,
		slots:   make([]commandSlot, slots),
	}
	for i := range m.slots {
		pool, err := b.CreateCommandPool(family, false)
		if err != nil {
			m.Destroy()
			return nil, errors.Wrapf(err, "creating command pool for slot %d", i)
		}
		m.slots[i].pool = pool
		primary, err := b.AllocateCommandBuffers(pool, CommandBufferPrimary, 1)
		if err != nil {
			m.Destroy()
			return nil, errors.Wrapf(err, "allocating primary buffer for slot %d", i)
		}
		m.slots[i].primary = primary[0]
		if secondary > 0 {
			sec, err := b.AllocateCommandBuffers(pool, CommandBufferSecondary, secondary)
			if err != nil {
				m.Destroy()
				return nil, errors.Wrapf(err, "allocating secondary buffers for slot %d", i)
			}
			m.slots[i].secondary = sec
		}
	}
	transient, err := b.CreateCommandPool(family, true)
	if err != nil {
		m.Destroy()
		return nil, errors.Wrap(err, "creating transient pool")
	}
	m.transient = transient
	return m, nil
}

// Recycle resets the slot's whole pool, returning every buffer allocated
// from it to the initial state in one call. Valid only after the slot's
// fence has been waited on.
func (m *CommandManager) Recycle(slot uint32) error {
	return errors.Wrapf(m.backend.ResetCommandPool(m.slots[slot].pool), "resetting pool for slot %d", slot)
}

// Primary returns the slot's primary command buffer.
func (m *CommandManager) Primary(slot uint32) CommandBuffer {
	return m.slots[slot].primary
}

// Secondary returns the slot's secondary command buffers.
func (m *CommandManager) Secondary(slot uint32) []CommandBuffer {
	return m.slots[slot].secondary
}

// ResizeSecondary changes every slot's secondary buffer count. The queue is
// drained first: a frame in flight may still reference the buffers being
// freed.
func (m *CommandManager) ResizeSecondary(count int) error {
	if err := m.backend.QueueWaitIdle(m.queue); err != nil {
		return errors.Wrap(err, "draining queue before secondary resize")
	}
	for i := range m.slots {
		s := &m.slots[i]
		if len(s.secondary) > 0 {
			m.backend.FreeCommandBuffers(s.pool, s.secondary)
			s.secondary = nil
		}
		if count > 0 {
			sec, err := m.backend.AllocateCommandBuffers(s.pool, CommandBufferSecondary, count)
			if err != nil {
				return errors.Wrapf(err, "reallocating secondary buffers for slot %d", i)
			}
			s.secondary = sec
		}
	}
	m.logger.Debug("secondary buffers resized", "perSlot", count)
	return nil
}

// BeginOneShot allocates and begins a single-use primary buffer from the
// transient pool.
func (m *CommandManager) BeginOneShot() (CommandBuffer, error) {
	bufs, err := m.backend.AllocateCommandBuffers(m.transient, CommandBufferPrimary, 1)
	if err != nil {
		return 0, errors.Wrap(err, "allocating one-shot buffer")
	}
	if err := m.backend.BeginCommandBuffer(bufs[0], true); err != nil {
		m.backend.FreeCommandBuffers(m.transient, bufs)
		return 0, errors.Wrap(err, "beginning one-shot buffer")
	}
	return bufs[0], nil
}

// EndOneShot submits the buffer and blocks until the GPU finishes it, then
// frees the buffer. For fire-and-forget uploads during load screens.
func (m *CommandManager) EndOneShot(cb CommandBuffer) error {
	fence, err := m.submitOneShot(cb)
	if err != nil {
		return err
	}
	return m.FinishOneShot(fence, cb)
}

// EndOneShotAsync submits the buffer and returns the signaled fence without
// blocking. The caller owns completing it with FinishOneShot.
func (m *CommandManager) EndOneShotAsync(cb CommandBuffer) (Fence, error) {
	return m.submitOneShot(cb)
}

// FinishOneShot waits on a fence returned by EndOneShotAsync and releases
// the fence and buffer.
func (m *CommandManager) FinishOneShot(fence Fence, cb CommandBuffer) error {
	ret := m.backend.WaitForFences([]Fence{fence}, true, oneShotTimeout)
	m.stats.FenceWaits.Add(1)
	m.backend.DestroyFence(fence)
	m.backend.FreeCommandBuffers(m.transient, []CommandBuffer{cb})
	return newError(ret, "one-shot fence wait")
}

func (m *CommandManager) submitOneShot(cb CommandBuffer) (Fence, error) {
	if err := m.backend.EndCommandBuffer(cb); err != nil {
		return 0, errors.Wrap(err, "ending one-shot buffer")
	}
	fence, err := m.backend.CreateFence(false)
	if err != nil {
		return 0, errors.Wrap(err, "creating one-shot fence")
	}
	ret := m.backend.QueueSubmit(m.queue, SubmitInfo{CommandBuffers: []CommandBuffer{cb}}, fence)
	if err := newError(ret, "one-shot submit"); err != nil {
		m.backend.DestroyFence(fence)
		return 0, err
	}
	m.stats.OneShotSubmits.Add(1)
	return fence, nil
}

func (m *CommandManager) Destroy() {
	for i := range m.slots {
		if m.slots[i].pool != 0 {
			m.backend.DestroyCommandPool(m.slots[i].pool)
			m.slots[i] = commandSlot{}
		}
	}
	if m.transient != 0 {
		m.backend.DestroyCommandPool(m.transient)
		m.transient = 0
	}
}
