package alloc

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func ringTestName(t *testing.T) string {
	return fmt.Sprintf("hazcat_test.cpuring.%s", t.Name())
}

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

// TestCPURingAllocateExhaustsCapacity covers end-to-end scenario 1: a
// ring of item_size=8, ring_size=3 allocates exactly ring_size items
// before returning NoSpace, with count and rear_it tracking the
// documented sequence.
func TestCPURingAllocateExhaustsCapacity(t *testing.T) {
	r, err := CreateCPURing(ringTestName(t), 8, 3, 0)
	require.NoError(t, err)
	defer r.Unmap()

	h := int32(cpuDataOffset(3))

	off1, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, h, off1)
	require.Equal(t, 1, r.Count())
	require.Equal(t, 0, r.RearIt())

	off2, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, h+8, off2)
	require.Equal(t, 2, r.Count())
	require.Equal(t, 0, r.RearIt())

	off3, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, h+16, off3)
	require.Equal(t, 3, r.Count())
	require.Equal(t, 0, r.RearIt())

	off4, err := r.Allocate(0)
	require.Error(t, err)
	require.True(t, IsNoSpace(err))
	require.Equal(t, int32(-1), off4)
	require.Equal(t, 3, r.Count())
}

// TestCPURingDeallocReallocPreservesSurvivor covers end-to-end scenario
// 2: after writing three floats, deallocating the first two rear slots
// in order, and allocating two fresh items, the surviving third slot's
// data is untouched and count/rear_it land exactly where scenario 2
// specifies.
func TestCPURingDeallocReallocPreservesSurvivor(t *testing.T) {
	r, err := CreateCPURing(ringTestName(t), 8, 3, 0)
	require.NoError(t, err)
	defer r.Unmap()

	h := int32(cpuDataOffset(3))

	off0, err := r.Allocate(0)
	require.NoError(t, err)
	off1, err := r.Allocate(0)
	require.NoError(t, err)
	off2, err := r.Allocate(0)
	require.NoError(t, err)

	require.NoError(t, r.CopyTo(off0, floatBytes(4.5)))
	require.NoError(t, r.CopyTo(off1, floatBytes(2.25)))
	require.NoError(t, r.CopyTo(off2, floatBytes(1.125)))

	require.NoError(t, r.Deallocate(off0))
	require.NoError(t, r.Deallocate(off1))
	require.Equal(t, 1, r.Count())
	require.Equal(t, 2, r.RearIt())

	off4, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, h, off4)
	require.Equal(t, 2, r.Count())
	require.Equal(t, 2, r.RearIt())

	off5, err := r.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, h+8, off5)
	require.Equal(t, 3, r.Count())
	require.Equal(t, 2, r.RearIt())

	var buf [4]byte
	require.NoError(t, r.CopyFrom(off2, buf[:]))
	require.Equal(t, float32(1.125), getFloat32(buf[:]))
}

// TestCPURingNonRearDeallocMarksDeadOnly covers the non-rear dealloc
// branch: freeing a slot that isn't the rear marks it dead without
// moving rear_it, and a later rear dealloc reclaims the run eagerly.
func TestCPURingNonRearDeallocMarksDeadOnly(t *testing.T) {
	r, err := CreateCPURing(ringTestName(t), 8, 3, 0)
	require.NoError(t, err)
	defer r.Unmap()

	off0, err := r.Allocate(0)
	require.NoError(t, err)
	off1, err := r.Allocate(0)
	require.NoError(t, err)
	_, err = r.Allocate(0)
	require.NoError(t, err)

	require.NoError(t, r.Deallocate(off1))
	require.Equal(t, 3, r.Count(), "non-rear dealloc must not decrement count")
	require.Equal(t, 0, r.RearIt())

	require.NoError(t, r.Deallocate(off0))
	require.Equal(t, 1, r.Count(), "rear dealloc reclaims the dead run ahead of it")
	require.Equal(t, 2, r.RearIt())
}

func TestCPURingDeallocateInvalidOffset(t *testing.T) {
	r, err := CreateCPURing(ringTestName(t), 8, 3, 0)
	require.NoError(t, err)
	defer r.Unmap()

	err = r.Deallocate(999999)
	require.Error(t, err)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindInvalidArgument, ae.Kind)
}

func floatBytes(v float32) []byte {
	buf := make([]byte, 4)
	putFloat32(buf, v)
	return buf
}
