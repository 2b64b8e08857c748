// Package bitmap implements a dense vector of 2-bit cells, four cells
// per byte, used for per-object state maps.
package bitmap

import (
	"errors"
	"fmt"
)

var ErrBadLength = errors.New("bitmap: data too short for cell count")

// Bit2Vector holds n 2-bit cells. Cell i lives in byte i/4 at bit
// offset (i%4)*2, lowest bits first.
type Bit2Vector struct {
	n    uint64
	data []byte
}

func New(n uint64) *Bit2Vector {
	return &Bit2Vector{n: n, data: make([]byte, bytesFor(n))}
}

// FromBytes wraps an existing packed buffer holding n cells.
func FromBytes(n uint64, data []byte) (*Bit2Vector, error) {
	if uint64(len(data)) < bytesFor(n) {
		return nil, fmt.Errorf("%w: %d < %d", ErrBadLength, len(data), bytesFor(n))
	}
	return &Bit2Vector{n: n, data: data}, nil
}

func bytesFor(n uint64) uint64 {
	return (n + 3) / 4
}

func (v *Bit2Vector) Len() uint64 {
	return v.n
}

// Bytes returns the packed representation. The trailing byte may carry
// unused cells; they are kept zeroed.
func (v *Bit2Vector) Bytes() []byte {
	return v.data[:bytesFor(v.n)]
}

func (v *Bit2Vector) Get(i uint64) uint8 {
	if i >= v.n {
		panic(fmt.Sprintf("bitmap: index %d out of range %d", i, v.n))
	}
	return (v.data[i>>2] >> ((i & 3) << 1)) & 3
}

func (v *Bit2Vector) Set(i uint64, val uint8) {
	if i >= v.n {
		panic(fmt.Sprintf("bitmap: index %d out of range %d", i, v.n))
	}
	if val > 3 {
		panic(fmt.Sprintf("bitmap: value %d does not fit in two bits", val))
	}
	shift := (i & 3) << 1
	v.data[i>>2] = v.data[i>>2]&^(3<<shift) | val<<shift
}

// Resize grows or truncates the vector to n cells. New cells are zero;
// truncated cells in the tail byte are cleared.
func (v *Bit2Vector) Resize(n uint64) {
	nb := bytesFor(n)
	for uint64(len(v.data)) < nb {
		v.data = append(v.data, 0)
	}
	v.data = v.data[:nb]
	v.n = n
	if n&3 != 0 && nb > 0 {
		// clear the dead cells of the last byte
		keep := (n & 3) << 1
		v.data[nb-1] &= (1 << keep) - 1
	}
}

// Clone returns a deep copy.
func (v *Bit2Vector) Clone() *Bit2Vector {
	c := New(v.n)
	copy(c.data, v.data)
	return c
}
