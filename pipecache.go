package dieselcore

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// maxPipelineCacheSize caps the blob accepted from disk. Anything larger is
// treated as corrupt.
const maxPipelineCacheSize = 64 << 20

// pipelineCacheHeaderSize covers length, header version, vendor id, device
// id and the 16-byte cache UUID.
const pipelineCacheHeaderSize = 32

// PipelineCacheStore loads and persists the driver's pipeline cache blob.
// A blob is only handed back to the driver when its embedded header matches
// the device that will consume it; a stale or corrupt file is silently
// treated as absent, never an error.
type PipelineCacheStore struct {
	backend Backend
	logger  *slog.Logger
	path    string
	handle  PipelineCache
}

func newPipelineCacheStore(b Backend, dev *DeviceInfo, path string, logger *slog.Logger) (*PipelineCacheStore, error) {
	s := &PipelineCacheStore{backend: b, logger: logger, path: path}

	var initial []byte
	if path != "" {
		blob, err := os.ReadFile(path)
		switch {
		case err != nil:
			if !os.IsNotExist(err) {
				logger.Warn("pipeline cache unreadable, starting cold", "path", path, "err", err)
			}
		case validatePipelineCacheBlob(blob, dev.Props):
			initial = blob
			logger.Info("pipeline cache loaded", "path", path, "bytes", len(blob))
		default:
			logger.Warn("pipeline cache rejected, starting cold", "path", path, "bytes", len(blob))
		}
	}

	pc, err := b.CreatePipelineCache(initial)
	if err != nil {
		return nil, errors.Wrap(err, "creating pipeline cache")
	}
	s.handle = pc
	return s, nil
}

// Handle exposes the live cache for pipeline creation.
func (s *PipelineCacheStore) Handle() PipelineCache { return s.handle }

// Save snapshots the driver's cache to disk. The write goes through a
// sibling temp file and rename so a crash never leaves a torn blob.
func (s *PipelineCacheStore) Save() error {
	if s.path == "" || s.handle == 0 {
		return nil
	}
	blob, err := s.backend.PipelineCacheData(s.handle)
	if err != nil {
		return errors.Wrap(err, "reading pipeline cache data")
	}
	if len(blob) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating pipeline cache directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return errors.Wrap(err, "writing pipeline cache")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "committing pipeline cache")
	}
	s.logger.Info("pipeline cache saved", "path", s.path, "bytes", len(blob))
	return nil
}

func (s *PipelineCacheStore) Destroy() {
	if s.handle != 0 {
		s.backend.DestroyPipelineCache(s.handle)
		s.handle = 0
	}
}

// validatePipelineCacheBlob checks the blob's embedded header: size sanity,
// header version one, and vendor id, device id and cache UUID all matching
// the device the blob will be offered to.
func validatePipelineCacheBlob(blob []byte, props DeviceProperties) bool {
	if len(blob) < pipelineCacheHeaderSize || len(blob) > maxPipelineCacheSize {
		return false
	}
	headerLen := binary.LittleEndian.Uint32(blob[0:])
	version := binary.LittleEndian.Uint32(blob[4:])
	vendor := binary.LittleEndian.Uint32(blob[8:])
	device := binary.LittleEndian.Uint32(blob[12:])
	if headerLen < pipelineCacheHeaderSize || version != 1 {
		return false
	}
	if vendor != props.VendorID || device != props.DeviceID {
		return false
	}
	var uuid [16]byte
	copy(uuid[:], blob[16:32])
	return uuid == props.PipelineCacheUUID
}
