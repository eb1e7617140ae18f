package alloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightduck/rmw-hazcat/pkg/dmaengine"
)

func deviceRingTestName(t *testing.T) string {
	return fmt.Sprintf("hazcat_test.devicering.%s", t.Name())
}

// TestDeviceRingRoundTripAndPointerStability covers end-to-end scenario
// 3: item_size is padded to satisfy device granularity, a copy_to/
// copy_from round trip of three floats reads back exactly, and the
// dealloc+realloc sequence from scenario 2 hands back the same device
// offsets it started with.
func TestDeviceRingRoundTripAndPointerStability(t *testing.T) {
	engine, err := dmaengine.New(2)
	require.NoError(t, err)
	defer engine.Close()

	const granularity = 4
	requestedItemSize := 4 + granularity/4 // sizeof(float) + granularity/4

	r, err := CreateDeviceRing(deviceRingTestName(t), requestedItemSize, 3, 0, granularity, engine)
	require.NoError(t, err)
	defer r.Unmap()

	require.GreaterOrEqual(t, r.ItemSize(), requestedItemSize, "item_size must be rounded GE(requested)")

	off0, err := r.Allocate(0)
	require.NoError(t, err)
	off1, err := r.Allocate(0)
	require.NoError(t, err)
	off2, err := r.Allocate(0)
	require.NoError(t, err)

	require.NoError(t, r.CopyTo(off0, floatBytes(4.5)))
	require.NoError(t, r.CopyTo(off1, floatBytes(2.25)))
	require.NoError(t, r.CopyTo(off2, floatBytes(1.125)))

	var buf [4]byte
	require.NoError(t, r.CopyFrom(off0, buf[:]))
	require.Equal(t, float32(4.5), getFloat32(buf[:]))
	require.NoError(t, r.CopyFrom(off1, buf[:]))
	require.Equal(t, float32(2.25), getFloat32(buf[:]))
	require.NoError(t, r.CopyFrom(off2, buf[:]))
	require.Equal(t, float32(1.125), getFloat32(buf[:]))

	require.NoError(t, r.Deallocate(off0))
	require.NoError(t, r.Deallocate(off1))

	newOff0, err := r.Allocate(0)
	require.NoError(t, err)
	newOff1, err := r.Allocate(0)
	require.NoError(t, err)

	require.Equal(t, off0, newOff0, "reclaimed offset must equal the original")
	require.Equal(t, off1, newOff1, "reclaimed offset must equal the original")

	require.NoError(t, r.CopyFrom(off2, buf[:]))
	require.Equal(t, float32(1.125), getFloat32(buf[:]), "survivor slot must be untouched")
}

func TestDeviceRingAllocateExhaustsCapacity(t *testing.T) {
	r, err := CreateDeviceRing(deviceRingTestName(t), 8, 2, 0, 4, nil)
	require.NoError(t, err)
	defer r.Unmap()

	_, err = r.Allocate(0)
	require.NoError(t, err)
	_, err = r.Allocate(0)
	require.NoError(t, err)
	off, err := r.Allocate(0)
	require.Error(t, err)
	require.True(t, IsNoSpace(err))
	require.Equal(t, int32(-1), off)
}

func TestDeviceRingCopySameDevicePeerToPeer(t *testing.T) {
	engine, err := dmaengine.New(2)
	require.NoError(t, err)
	defer engine.Close()

	src, err := CreateDeviceRing(deviceRingTestName(t)+".src", 8, 2, 0, 4, engine)
	require.NoError(t, err)
	defer src.Unmap()

	dst, err := CreateDeviceRing(deviceRingTestName(t)+".dst", 8, 2, 0, 4, engine)
	require.NoError(t, err)
	defer dst.Unmap()

	srcOff, err := src.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, src.CopyTo(srcOff, floatBytes(9.5)))

	dstOff, err := dst.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, dst.Copy(dstOff, src, srcOff, 4))

	var buf [4]byte
	require.NoError(t, dst.CopyFrom(dstOff, buf[:]))
	require.Equal(t, float32(9.5), getFloat32(buf[:]))
}

func TestDeviceRingCopyCrossDeviceStagesThroughHost(t *testing.T) {
	engine, err := dmaengine.New(2)
	require.NoError(t, err)
	defer engine.Close()

	src, err := CreateDeviceRing(deviceRingTestName(t)+".src2", 8, 2, 0, 4, engine)
	require.NoError(t, err)
	defer src.Unmap()

	dst, err := CreateDeviceRing(deviceRingTestName(t)+".dst2", 8, 2, 1, 4, engine)
	require.NoError(t, err)
	defer dst.Unmap()

	srcOff, err := src.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, src.CopyTo(srcOff, floatBytes(7.25)))

	dstOff, err := dst.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, dst.Copy(dstOff, src, srcOff, 4))

	var buf [4]byte
	require.NoError(t, dst.CopyFrom(dstOff, buf[:]))
	require.Equal(t, float32(7.25), getFloat32(buf[:]))
}
