package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testClasses() []ClassConfig {
	return []ClassConfig{
		{PayloadSize: 16, BlockCount: 2},
		{PayloadSize: 64, BlockCount: 2},
	}
}

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	h := NewHeap(testClasses())

	b, err := h.Alloc(10)
	require.NoError(t, err)
	require.Len(t, b.Payload, 16)

	b2, err := h.Alloc(40)
	require.NoError(t, err)
	require.Len(t, b2.Payload, 64)
}

func TestAllocExhaustsClass(t *testing.T) {
	h := NewHeap(testClasses())

	_, err := h.Alloc(16)
	require.NoError(t, err)
	_, err = h.Alloc(16)
	require.NoError(t, err)

	_, err = h.Alloc(16)
	require.Error(t, err)
	var oom *ErrOutOfMemory
	require.ErrorAs(t, err, &oom)
}

func TestAllocNoClassFits(t *testing.T) {
	h := NewHeap(testClasses())
	_, err := h.Alloc(1000)
	require.Error(t, err)
}

func TestFreeReturnsBlockToFreeList(t *testing.T) {
	h := NewHeap(testClasses())

	b, err := h.Alloc(16)
	require.NoError(t, err)

	before := h.Snapshot()
	require.Equal(t, 1, before[0].Free)

	require.NoError(t, h.Free(b))

	after := h.Snapshot()
	require.Equal(t, 2, after[0].Free)
	require.Equal(t, 0, after[0].InUse)
}

func TestDoubleFreeIsRejected(t *testing.T) {
	h := NewHeap(testClasses())
	b, err := h.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, h.Free(b))

	err = h.Free(b)
	require.Error(t, err)
	var dbl *ErrDoubleFree
	require.ErrorAs(t, err, &dbl)
}

func TestSnapshotRoundTripsToInitialState(t *testing.T) {
	h := NewHeap(testClasses())
	initial := h.Snapshot()

	a, _ := h.Alloc(16)
	b, _ := h.Alloc(64)
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))

	require.Equal(t, initial, h.Snapshot())
}
