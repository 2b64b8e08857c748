package striper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Layout{ObjectSize: 4 << 20, StripeUnit: 4 << 20, StripeCount: 1}.Validate())
	assert.NoError(t, Layout{ObjectSize: 8192, StripeUnit: 4096, StripeCount: 2}.Validate())
	assert.ErrorIs(t, Layout{}.Validate(), ErrBadLayout)
	assert.ErrorIs(t, Layout{ObjectSize: 4096, StripeUnit: 8192, StripeCount: 1}.Validate(), ErrBadLayout)
	assert.ErrorIs(t, Layout{ObjectSize: 4096, StripeUnit: 3000, StripeCount: 1}.Validate(), ErrBadLayout)
	assert.ErrorIs(t, Layout{ObjectSize: 4096, StripeUnit: 4096}.Validate(), ErrBadLayout)
}

func TestObjectCount(t *testing.T) {
	plain := Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 1}
	assert.Equal(t, uint64(0), plain.ObjectCount(0))
	assert.Equal(t, uint64(1), plain.ObjectCount(1))
	assert.Equal(t, uint64(1), plain.ObjectCount(4096))
	assert.Equal(t, uint64(2), plain.ObjectCount(4097))
	assert.Equal(t, uint64(3), plain.ObjectCount(3*4096))

	striped := Layout{ObjectSize: 8192, StripeUnit: 4096, StripeCount: 2}
	// one stripe unit touches only the first object of the set
	assert.Equal(t, uint64(1), striped.ObjectCount(4096))
	// the second unit lands on the second object
	assert.Equal(t, uint64(2), striped.ObjectCount(4097))
	assert.Equal(t, uint64(2), striped.ObjectCount(16384))
	assert.Equal(t, uint64(3), striped.ObjectCount(16385))
}

func TestMapExtentsPlain(t *testing.T) {
	l := Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 1}

	got := l.MapExtents(0, 4096)
	assert.Equal(t, []ObjectExtents{
		{ObjectNo: 0, Extents: []ObjectExtent{{0, 4096, 0}}},
	}, got)

	// unaligned range spanning two objects
	got = l.MapExtents(1000, 5000)
	assert.Equal(t, []ObjectExtents{
		{ObjectNo: 0, Extents: []ObjectExtent{{1000, 3096, 0}}},
		{ObjectNo: 1, Extents: []ObjectExtent{{0, 1904, 3096}}},
	}, got)

	assert.Nil(t, l.MapExtents(0, 0))
}

func TestMapExtentsStriped(t *testing.T) {
	l := Layout{ObjectSize: 8192, StripeUnit: 4096, StripeCount: 2}

	// one full period: units alternate 0,1,0,1
	got := l.MapExtents(0, 16384)
	assert.Equal(t, []ObjectExtents{
		{ObjectNo: 0, Extents: []ObjectExtent{{0, 4096, 0}, {4096, 4096, 8192}}},
		{ObjectNo: 1, Extents: []ObjectExtent{{0, 4096, 4096}, {4096, 4096, 12288}}},
	}, got)

	// second period moves to the next object set
	got = l.MapExtents(16384, 4096)
	assert.Equal(t, []ObjectExtents{
		{ObjectNo: 2, Extents: []ObjectExtent{{0, 4096, 0}}},
	}, got)

	// groups are ordered by first logical offset
	got = l.MapExtents(4096, 8192)
	assert.Equal(t, uint64(1), got[0].ObjectNo)
	assert.Equal(t, uint64(0), got[1].ObjectNo)
	assert.Equal(t, uint64(0), got[0].Extents[0].BufferOff)
	assert.Equal(t, uint64(4096), got[1].Extents[0].BufferOff)
}

func TestMapExtentsCoversRange(t *testing.T) {
	l := Layout{ObjectSize: 8192, StripeUnit: 2048, StripeCount: 3}
	const off, length = 5000, 60000

	covered := make([]bool, length)
	for _, g := range l.MapExtents(off, length) {
		for _, e := range g.Extents {
			assert.Less(t, e.ObjectOff+e.Length, l.ObjectSize+1)
			for i := e.BufferOff; i < e.BufferOff+e.Length; i++ {
				assert.False(t, covered[i], "byte %d mapped twice", i)
				covered[i] = true
			}
		}
	}
	for i, ok := range covered {
		assert.True(t, ok, "byte %d unmapped", i)
	}
}
