package dieselcore

import "sync/atomic"

// Stats are context-owned progress counters. Components increment them
// through a shared pointer; there is no process-wide state.
type Stats struct {
	FramesRendered  atomic.Uint64
	TimelineSignals atomic.Uint64
	TimelineWaits   atomic.Uint64
	FenceWaits      atomic.Uint64
	OneShotSubmits  atomic.Uint64
	BytesUploaded   atomic.Uint64
	Recreations     atomic.Uint64
}
