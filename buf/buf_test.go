package buf

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_AlignmentAndSize(t *testing.T) {
	for _, align := range []int{1, 8, 512, 4096} {
		v, err := Allocate(10000, align)
		require.NoError(t, err)
		defer v.Release()

		b := v.Bytes()
		assert.Len(t, b, 10000)

		ptr := uintptr(unsafe.Pointer(&b[0]))
		assert.Zerof(t, ptr%uintptr(align), "pointer %x not aligned to %d", ptr, align)

		region := v.s.alloc.region
		assert.GreaterOrEqual(t, len(region.buf), 10000)
		assert.Zero(t, len(region.buf)%align)
	}
}

func TestAllocate_InvalidArgs(t *testing.T) {
	_, err := Allocate(0, 8)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = Allocate(16, 3)
	assert.ErrorIs(t, err, ErrInvalidAlignment)

	_, err = Allocate(16, 0)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestSplit_Disjoint(t *testing.T) {
	v, err := Allocate(1024, 64)
	require.NoError(t, err)

	left, right, err := v.Split(400)
	require.NoError(t, err)
	assert.Equal(t, 400, left.Len())
	assert.Equal(t, 624, right.Len())

	// original view is consumed
	_, _, err = v.Split(10)
	assert.ErrorIs(t, err, errViewConsumed)

	ll, lr, err := left.Split(100)
	require.NoError(t, err)
	assert.Equal(t, 100, ll.Len())
	assert.Equal(t, 300, lr.Len())

	ll.Release()
	lr.Release()
	right.Release()
}

func TestSplit_OutOfRange(t *testing.T) {
	v, err := Allocate(100, 8)
	require.NoError(t, err)
	defer v.Release()

	_, _, err = v.Split(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = v.Split(101)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// view must still be usable after a failed split
	left, right, err := v.Split(50)
	require.NoError(t, err)
	left.Release()
	right.Release()
}

func TestFreeze_ExclusivityRequired(t *testing.T) {
	v, err := Allocate(100, 8)
	require.NoError(t, err)

	left, right, err := v.Split(50)
	require.NoError(t, err)

	_, err = left.Freeze()
	assert.ErrorIs(t, err, ErrNotUnique)

	right.Release()

	imm, err := left.Freeze()
	require.NoError(t, err)
	assert.Equal(t, 100, imm.Len()) // freeze exposes the whole allocation
	imm.Release()
}

func TestFreeze_ThenCloneAndNarrow(t *testing.T) {
	v, err := Allocate(100, 8)
	require.NoError(t, err)

	imm, err := v.Freeze()
	require.NoError(t, err)

	clone := imm.Clone()
	narrowed, err := imm.Narrow(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 10, narrowed.Len())

	_, err = imm.Narrow(-1, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = imm.Narrow(5, 1000)
	assert.ErrorIs(t, err, ErrOutOfRange)

	imm.Release()
	clone.Release()
	narrowed.Release()
}

func TestRefcount_ReleasedExactlyOnceAfterLastView(t *testing.T) {
	v, err := Allocate(4096, 4096)
	require.NoError(t, err)
	a := v.s.alloc

	left, right, err := v.Split(2048)
	require.NoError(t, err)
	assert.EqualValues(t, 2, a.live())

	imm, err := left.Freeze()
	assert.ErrorIs(t, err, ErrNotUnique)
	_ = imm

	left.Release()
	assert.EqualValues(t, 1, a.live())

	imm2, err := right.Freeze()
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.live())

	clone := imm2.Clone()
	assert.EqualValues(t, 2, a.live())

	imm2.Release()
	assert.EqualValues(t, 1, a.live())
	clone.Release()
	assert.EqualValues(t, 0, a.live())

	// double release is a no-op, not a double-free
	clone.Release()
	assert.EqualValues(t, 0, a.live())
}

func TestSplitAndFreezeRace(t *testing.T) {
	v, err := Allocate(8<<20, 4096)
	require.NoError(t, err)

	quarters := make([]MutView, 4)
	rest := v
	for i := 0; i < 3; i++ {
		l, r, err := rest.Split((i + 1) * (8 << 20) / 4)
		require.NoError(t, err)
		quarters[i] = l
		rest = r
	}
	quarters[3] = rest

	var wg sync.WaitGroup
	values := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for i, q := range quarters {
		wg.Add(1)
		go func(q MutView, val byte) {
			defer wg.Done()
			b := q.Bytes()
			for j := range b {
				b[j] = val
			}
		}(q, values[i])
	}
	wg.Wait()

	quarters[0].Release()
	quarters[1].Release()
	quarters[2].Release()
	imm, err := quarters[3].Freeze()
	require.NoError(t, err)
	defer imm.Release()

	whole := imm.Bytes()
	require.Len(t, whole, 8<<20)
	quarterLen := len(whole) / 4
	for i, val := range values {
		for _, b := range whole[i*quarterLen : (i+1)*quarterLen] {
			require.Equal(t, val, b)
		}
	}
}
