package dieselcore

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// Timeline wraps a timeline semaphore with a monotonic reservation counter.
// Producers reserve values before submitting work that signals them; the
// highest value observed complete is cached so waits on already-passed values
// never reach the backend.
type Timeline struct {
	backend  Backend
	handle   Semaphore
	stats    *Stats
	reserved atomic.Uint64
	observed atomic.Uint64
}

func newTimeline(b Backend, initial uint64, stats *Stats) (*Timeline, error) {
	sem, err := b.CreateTimelineSemaphore(initial)
	if err != nil {
		return nil, errors.Wrap(err, "creating timeline semaphore")
	}
	t := &Timeline{backend: b, handle: sem, stats: stats}
	t.reserved.Store(initial)
	t.observed.Store(initial)
	return t, nil
}

// Reserve claims the next value on the timeline. The caller must arrange for
// exactly one signal of the returned value, via a submit or host signal.
func (t *Timeline) Reserve() uint64 {
	return t.reserved.Add(1)
}

// Reserved returns the highest value handed out so far.
func (t *Timeline) Reserved() uint64 { return t.reserved.Load() }

// Handle exposes the underlying semaphore for submit wiring.
func (t *Timeline) Handle() Semaphore { return t.handle }

// Signal advances the timeline from the host. Values must be strictly
// increasing; signaling at or below the current counter is rejected before
// reaching the backend.
func (t *Timeline) Signal(value uint64) error {
	cur, err := t.backend.SemaphoreCounterValue(t.handle)
	if err != nil {
		return errors.Wrap(err, "reading timeline counter")
	}
	if value <= cur {
		return &Error{Kind: KindValidation, Code: ErrValidationFailed,
			Context: "timeline signal value not monotonic"}
	}
	if err := t.backend.SignalSemaphore(t.handle, value); err != nil {
		return errors.Wrap(err, "signaling timeline semaphore")
	}
	t.stats.TimelineSignals.Add(1)
	t.noteObserved(value)
	return nil
}

// Wait blocks until the timeline reaches value or the timeout expires.
// Returns immediately without a backend call when the cached observed value
// already covers the request.
func (t *Timeline) Wait(value uint64, timeout time.Duration) error {
	if t.observed.Load() >= value {
		return nil
	}
	t.stats.TimelineWaits.Add(1)
	if err := newError(t.backend.WaitSemaphore(t.handle, value, timeout), "timeline wait"); err != nil {
		return err
	}
	t.noteObserved(value)
	return nil
}

// Completed returns the timeline's current counter, refreshing the cache.
func (t *Timeline) Completed() (uint64, error) {
	v, err := t.backend.SemaphoreCounterValue(t.handle)
	if err != nil {
		return 0, errors.Wrap(err, "reading timeline counter")
	}
	t.noteObserved(v)
	return v, nil
}

// Pace blocks until all but the most recent inFlight reservations have
// completed, bounding how far the CPU can run ahead of the GPU.
func (t *Timeline) Pace(inFlight uint32, timeout time.Duration) error {
	reserved := t.reserved.Load()
	if reserved < uint64(inFlight) {
		return nil
	}
	target := reserved - uint64(inFlight) + 1
	return t.Wait(target, timeout)
}

// abandon retires a reserved value whose signal will never come, typically
// after a failed submit. The reservation is unwound when it is still the
// newest; otherwise the value is signaled from the host so later waits can
// pass it.
func (t *Timeline) abandon(value uint64) {
	if t.reserved.CompareAndSwap(value, value-1) {
		return
	}
	if err := t.Signal(value); err != nil {
		t.noteObserved(value)
	}
}

// noteObserved raises the cached completion watermark, never lowering it.
func (t *Timeline) noteObserved(value uint64) {
	for {
		cur := t.observed.Load()
		if value <= cur || t.observed.CompareAndSwap(cur, value) {
			return
		}
	}
}

// Destroy releases the semaphore. Channels handed out by the Core are owned
// by their caller and must be destroyed before Cleanup.
func (t *Timeline) Destroy() {
	t.backend.DestroySemaphore(t.handle)
}
