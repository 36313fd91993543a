package dieselcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, features FeatureFlags) (*BindlessRegistry, *MockBackend, *Stats) {
	t.Helper()
	backend := NewMockBackend()
	stats := &Stats{}
	reg := newBindlessRegistry(backend, features, stats, testLogger())
	t.Cleanup(reg.Destroy)
	return reg, backend, stats
}

func TestAddressIsQueriedAtMostOnce(t *testing.T) {
	reg, backend, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("mesh", 1024, BufferUsageStorage))
	first, err := reg.Address("mesh")
	require.NoError(t, err)
	second, err := reg.Address("mesh")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	buf, ok := reg.Lookup("mesh")
	require.True(t, ok)
	assert.Equal(t, 1, backend.AddressQueries[buf])
}

func TestCreateBufferRequiresDeviceAddressFeature(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 0)

	err := reg.CreateBuffer("mesh", 256, BufferUsageStorage)
	require.Error(t, err)
	assert.Equal(t, KindUnsupported, KindOf(err))
}

func TestCaptureReplayGatedOnFeature(t *testing.T) {
	reg, _, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	err := reg.CreateBufferCaptured("replay", 256, BufferUsageStorage, 0xABCD0000)
	require.Error(t, err)
	assert.Equal(t, KindUnsupported, KindOf(err))
}

func TestCaptureReplayPinsAddress(t *testing.T) {
	reg, _, _ := newTestRegistry(t, FeatureBufferDeviceAddress|FeatureCaptureReplay)

	require.NoError(t, reg.CreateBufferCaptured("replay", 256, BufferUsageStorage, 0xABCD0000))
	addr, err := reg.Address("replay")
	require.NoError(t, err)
	assert.Equal(t, DeviceAddress(0xABCD0000), addr)
}

func TestDuplicateNamesRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("mesh", 256, BufferUsageStorage))
	assert.Error(t, reg.CreateBuffer("mesh", 512, BufferUsageStorage))
}

func TestWriteBoundsChecked(t *testing.T) {
	reg, _, stats := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("mesh", 16, BufferUsageStorage))
	require.NoError(t, reg.Write("mesh", 8, make([]byte, 8)))
	assert.Error(t, reg.Write("mesh", 9, make([]byte, 8)))
	assert.Error(t, reg.Write("missing", 0, []byte{1}))
	assert.Equal(t, uint64(8), stats.BytesUploaded.Load())
}

func TestAddressTablePacksLittleEndian(t *testing.T) {
	reg, backend, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("vertices", 1024, BufferUsageStorage))
	require.NoError(t, reg.CreateBuffer("indices", 512, BufferUsageIndex))

	tableAddr, err := reg.BuildAddressTable("vertices", "indices")
	require.NoError(t, err)
	assert.NotZero(t, tableAddr)

	vtxAddr, err := reg.Address("vertices")
	require.NoError(t, err)
	idxAddr, err := reg.Address("indices")
	require.NoError(t, err)

	raw := backend.BufferBytes(reg.table)
	require.Len(t, raw, 16)
	assert.Equal(t, uint64(vtxAddr), binary.LittleEndian.Uint64(raw[0:8]))
	assert.Equal(t, uint64(idxAddr), binary.LittleEndian.Uint64(raw[8:16]))
}

func TestAddressTableReusedAcrossRebuilds(t *testing.T) {
	reg, backend, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("a", 64, BufferUsageStorage))
	require.NoError(t, reg.CreateBuffer("b", 64, BufferUsageStorage))

	_, err := reg.BuildAddressTable("a", "b")
	require.NoError(t, err)
	first := reg.table
	_, err = reg.BuildAddressTable("b", "a")
	require.NoError(t, err)
	assert.Equal(t, first, reg.table, "same-size rebuild keeps the table buffer")

	// 3 named buffers + 1 table.
	require.NoError(t, reg.CreateBuffer("c", 64, BufferUsageStorage))
	assert.Equal(t, 4, backend.LiveCount("buffer"))
}

func TestReleaseDestroysBuffer(t *testing.T) {
	reg, backend, _ := newTestRegistry(t, FeatureBufferDeviceAddress)

	require.NoError(t, reg.CreateBuffer("scratch", 64, BufferUsageStorage))
	require.Equal(t, 1, backend.LiveCount("buffer"))
	require.NoError(t, reg.Release("scratch"))
	assert.Zero(t, backend.LiveCount("buffer"))
	assert.Error(t, reg.Release("scratch"))
}
