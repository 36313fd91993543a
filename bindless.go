package dieselcore

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// BindlessBuffer is a device-addressable allocation tracked by name. The
// address is resolved once and cached; shaders index resources by address
// instead of descriptor slot.
type BindlessBuffer struct {
	Handle Buffer
	Memory DeviceMemory
	Size   uint64
	Usage  BufferUsage

	addr      DeviceAddress
	addrValid bool
}

// BindlessRegistry owns the named buffer set and the packed address table
// the GPU reads them through.
type BindlessRegistry struct {
	backend  Backend
	features FeatureFlags
	stats    *Stats
	logger   *slog.Logger

	mu      sync.RWMutex
	buffers map[string]*BindlessBuffer

	table       Buffer
	tableMemory DeviceMemory
	tableCap    uint64
}

func newBindlessRegistry(b Backend, features FeatureFlags, stats *Stats, logger *slog.Logger) *BindlessRegistry {
	return &BindlessRegistry{
		backend:  b,
		features: features,
		stats:    stats,
		logger:   logger,
		buffers:  make(map[string]*BindlessBuffer),
	}
}

// CreateBuffer allocates a named device-addressable buffer. Requires the
// buffer device address capability on the selected device.
func (r *BindlessRegistry) CreateBuffer(name string, size uint64, usage BufferUsage) error {
	if !r.features.Has(FeatureBufferDeviceAddress) {
		return &Error{Kind: KindUnsupported, Code: ErrFeatureMissing,
			Context: "device lacks buffer device address"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[name]; ok {
		return errors.Newf("bindless buffer %q already registered", name)
	}
	buf, mem, err := r.backend.CreateBuffer(size, usage|BufferUsageDeviceAddress, true)
	if err != nil {
		return errors.Wrapf(err, "creating bindless buffer %q", name)
	}
	r.buffers[name] = &BindlessBuffer{Handle: buf, Memory: mem, Size: size, Usage: usage}
	return nil
}

// CreateBufferCaptured allocates a buffer pinned to a previously captured
// address, for replay tooling. Gated on the capture/replay capability.
func (r *BindlessRegistry) CreateBufferCaptured(name string, size uint64, usage BufferUsage, addr DeviceAddress) error {
	if !r.features.Has(FeatureCaptureReplay) {
		return &Error{Kind: KindUnsupported, Code: ErrFeatureMissing,
			Context: "device lacks buffer address capture/replay"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[name]; ok {
		return errors.Newf("bindless buffer %q already registered", name)
	}
	buf, mem, err := r.backend.CreateBufferCaptured(size, usage|BufferUsageDeviceAddress, addr)
	if err != nil {
		return errors.Wrapf(err, "creating captured bindless buffer %q", name)
	}
	r.buffers[name] = &BindlessBuffer{
		Handle: buf, Memory: mem, Size: size, Usage: usage,
		addr: addr, addrValid: true,
	}
	return nil
}

// Address resolves a buffer's device address. The backend is queried at most
// once per buffer; subsequent calls return the cached value.
func (r *BindlessRegistry) Address(name string) (DeviceAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	if !ok {
		return 0, errors.Newf("bindless buffer %q not registered", name)
	}
	if b.addrValid {
		return b.addr, nil
	}
	addr, err := r.backend.BufferDeviceAddress(b.Handle)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving address of %q", name)
	}
	b.addr, b.addrValid = addr, true
	return addr, nil
}

// Write uploads host data into a named buffer at the given offset.
func (r *BindlessRegistry) Write(name string, offset uint64, data []byte) error {
	r.mu.RLock()
	b, ok := r.buffers[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Newf("bindless buffer %q not registered", name)
	}
	if offset+uint64(len(data)) > b.Size {
		return errors.Newf("write of %d bytes at %d overflows %q (%d bytes)", len(data), offset, name, b.Size)
	}
	if err := r.backend.WriteBuffer(b.Handle, offset, data); err != nil {
		return errors.Wrapf(err, "writing %q", name)
	}
	r.stats.BytesUploaded.Add(uint64(len(data)))
	return nil
}

// Lookup returns the named buffer's handle for command recording.
func (r *BindlessRegistry) Lookup(name string) (Buffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[name]
	if !ok {
		return 0, false
	}
	return b.Handle, true
}

// BuildAddressTable packs the named buffers' addresses, in argument order,
// into a device-addressable table of little-endian 64-bit entries and
// returns the table's own address. The table buffer is grown on demand and
// reused across rebuilds.
func (r *BindlessRegistry) BuildAddressTable(names ...string) (DeviceAddress, error) {
	if len(names) == 0 {
		return 0, errors.New("address table needs at least one entry")
	}
	packed := make([]byte, 8*len(names))
	for i, name := range names {
		addr, err := r.Address(name)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(packed[8*i:], uint64(addr))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	need := uint64(len(packed))
	if r.table == 0 || r.tableCap < need {
		if r.table != 0 {
			r.backend.DestroyBuffer(r.table, r.tableMemory)
			r.table, r.tableMemory = 0, 0
		}
		buf, mem, err := r.backend.CreateBuffer(need, BufferUsageStorage|BufferUsageDeviceAddress, true)
		if err != nil {
			return 0, errors.Wrap(err, "creating address table")
		}
		r.table, r.tableMemory, r.tableCap = buf, mem, need
	}
	if err := r.backend.WriteBuffer(r.table, 0, packed); err != nil {
		return 0, errors.Wrap(err, "writing address table")
	}
	r.stats.BytesUploaded.Add(need)

	addr, err := r.backend.BufferDeviceAddress(r.table)
	if err != nil {
		return 0, errors.Wrap(err, "resolving address table")
	}
	r.logger.Debug("address table rebuilt", "entries", len(names))
	return addr, nil
}

// Release destroys a named buffer. The caller must prove the GPU no longer
// references it, normally via timeline pacing.
func (r *BindlessRegistry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	if !ok {
		return errors.Newf("bindless buffer %q not registered", name)
	}
	delete(r.buffers, name)
	r.backend.DestroyBuffer(b.Handle, b.Memory)
	return nil
}

func (r *BindlessRegistry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.buffers {
		r.backend.DestroyBuffer(b.Handle, b.Memory)
		delete(r.buffers, name)
	}
	if r.table != 0 {
		r.backend.DestroyBuffer(r.table, r.tableMemory)
		r.table, r.tableMemory, r.tableCap = 0, 0, 0
	}
}
