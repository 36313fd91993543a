package dieselcore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePipelineCacheBlob(t *testing.T) {
	props := DefaultMockDevice("gpu").Props
	good := mockCacheBlob(props)

	corrupt := func(mutate func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		mutate(b)
		return b
	}

	assert.True(t, validatePipelineCacheBlob(good, props))
	assert.False(t, validatePipelineCacheBlob(nil, props))
	assert.False(t, validatePipelineCacheBlob(good[:pipelineCacheHeaderSize-1], props))
	assert.False(t, validatePipelineCacheBlob(make([]byte, maxPipelineCacheSize+1), props),
		"oversized blob is corrupt")
	assert.False(t, validatePipelineCacheBlob(corrupt(func(b []byte) { putU32LE(b[0:], 8) }), props),
		"header length below minimum")
	assert.False(t, validatePipelineCacheBlob(corrupt(func(b []byte) { putU32LE(b[4:], 2) }), props),
		"unknown header version")
	assert.False(t, validatePipelineCacheBlob(corrupt(func(b []byte) { putU32LE(b[8:], 0x1002) }), props),
		"foreign vendor id")
	assert.False(t, validatePipelineCacheBlob(corrupt(func(b []byte) { putU32LE(b[12:], 0x1234) }), props),
		"foreign device id")
	assert.False(t, validatePipelineCacheBlob(corrupt(func(b []byte) { b[20] ^= 0xFF }), props),
		"mismatched cache UUID")
}

func TestPipelineCacheWarmStart(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}
	path := filepath.Join(t.TempDir(), "pipeline.cache")
	blob := mockCacheBlob(dev.Props)
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	store, err := newPipelineCacheStore(backend, dev, path, testLogger())
	require.NoError(t, err)
	defer store.Destroy()

	data, err := backend.PipelineCacheData(store.Handle())
	require.NoError(t, err)
	assert.Equal(t, blob, data, "on-disk blob fed to the driver")
}

func TestPipelineCacheColdStartOnCorruptFile(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}
	path := filepath.Join(t.TempDir(), "pipeline.cache")
	require.NoError(t, os.WriteFile(path, []byte("not a cache blob at all, just junk bytes"), 0o644))

	store, err := newPipelineCacheStore(backend, dev, path, testLogger())
	require.NoError(t, err, "corrupt file is treated as absent, not an error")
	defer store.Destroy()
	assert.NotZero(t, store.Handle())

	data, err := backend.PipelineCacheData(store.Handle())
	require.NoError(t, err)
	assert.Empty(t, data, "rejected blob never reaches the driver")
}

func TestPipelineCacheMissingFileStartsCold(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}
	path := filepath.Join(t.TempDir(), "pipeline.cache")

	store, err := newPipelineCacheStore(backend, dev, path, testLogger())
	require.NoError(t, err)
	defer store.Destroy()
	assert.NotZero(t, store.Handle())
}

func TestPipelineCacheSaveRoundTrip(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "pipeline.cache")
	seed := filepath.Join(dir, "seed.cache")
	blob := mockCacheBlob(dev.Props)
	require.NoError(t, os.WriteFile(seed, blob, 0o644))

	warm, err := newPipelineCacheStore(backend, dev, seed, testLogger())
	require.NoError(t, err)
	defer warm.Destroy()

	warm.path = path
	require.NoError(t, warm.Save())

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, blob, saved)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file cleaned up after rename")
}

func TestPipelineCacheSaveSkipsEmptyBlob(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}
	path := filepath.Join(t.TempDir(), "pipeline.cache")

	store, err := newPipelineCacheStore(backend, dev, path, testLogger())
	require.NoError(t, err)
	defer store.Destroy()

	require.NoError(t, store.Save())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing written when the driver has no data")
}

func TestPipelineCacheStorePathlessIsInert(t *testing.T) {
	backend := NewMockBackend()
	dev := &DeviceInfo{Props: DefaultMockDevice("gpu").Props}

	store, err := newPipelineCacheStore(backend, dev, "", testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save())

	store.Destroy()
	store.Destroy()
	assert.Zero(t, backend.LiveCount("pipelineCache"))
}
