// Package striper maps logical byte ranges of a striped image onto the
// objects that back it.
//
// An image is cut into stripe units which are laid out round-robin over
// a set of StripeCount objects; once every object of the set holds
// ObjectSize bytes the layout moves on to the next object set. One full
// pass over an object set is a period of StripeCount*ObjectSize bytes.
package striper

import (
	"errors"
	"fmt"
	"sort"
)

var ErrBadLayout = errors.New("striper: invalid layout")

type Layout struct {
	ObjectSize  uint64
	StripeUnit  uint64
	StripeCount uint64
}

func (l Layout) Validate() error {
	switch {
	case l.ObjectSize == 0:
		return fmt.Errorf("%w: zero object size", ErrBadLayout)
	case l.StripeUnit == 0 || l.StripeUnit > l.ObjectSize:
		return fmt.Errorf("%w: stripe unit %d out of range", ErrBadLayout, l.StripeUnit)
	case l.ObjectSize%l.StripeUnit != 0:
		return fmt.Errorf("%w: stripe unit %d does not divide object size %d",
			ErrBadLayout, l.StripeUnit, l.ObjectSize)
	case l.StripeCount == 0:
		return fmt.Errorf("%w: zero stripe count", ErrBadLayout)
	}
	return nil
}

// Period returns the number of logical bytes covered by one pass over
// a full object set.
func (l Layout) Period() uint64 {
	return l.ObjectSize * l.StripeCount
}

// ObjectCount returns how many objects back an image of the given
// logical size. A partial tail period only touches the objects its
// stripe units actually reach.
func (l Layout) ObjectCount(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	period := l.Period()
	periods := (size + period - 1) / period
	n := periods * l.StripeCount
	if tail := size % period; tail > 0 && tail < l.StripeUnit*l.StripeCount {
		n -= l.StripeCount - (tail+l.StripeUnit-1)/l.StripeUnit
	}
	return n
}

// ObjectExtent is one contiguous object-local range together with its
// position in the mapped logical range (buffer coordinates are relative
// to the offset passed to MapExtents).
type ObjectExtent struct {
	ObjectOff uint64
	Length    uint64
	BufferOff uint64
}

// ObjectExtents groups the extents of one object.
type ObjectExtents struct {
	ObjectNo uint64
	Extents  []ObjectExtent
}

// MapExtents maps [offset, offset+length) to the objects backing it.
// Groups come out ordered by the logical offset of their first extent
// and extents within a group ascend in both coordinates, so iterating
// the result visits logical offsets in increasing order per object.
func (l Layout) MapExtents(offset, length uint64) []ObjectExtents {
	if length == 0 {
		return nil
	}
	stripesPerObject := l.ObjectSize / l.StripeUnit
	groups := make(map[uint64]*ObjectExtents)
	var order []uint64

	cur, left := offset, length
	for left > 0 {
		blockNo := cur / l.StripeUnit
		blockOff := cur % l.StripeUnit
		stripeNo := blockNo / l.StripeCount
		stripePos := blockNo % l.StripeCount
		objectSetNo := stripeNo / stripesPerObject
		objectNo := objectSetNo*l.StripeCount + stripePos

		n := min(l.StripeUnit-blockOff, left)
		objOff := (stripeNo%stripesPerObject)*l.StripeUnit + blockOff
		bufOff := cur - offset

		g, ok := groups[objectNo]
		if !ok {
			g = &ObjectExtents{ObjectNo: objectNo}
			groups[objectNo] = g
			order = append(order, objectNo)
		}
		if k := len(g.Extents) - 1; k >= 0 &&
			g.Extents[k].ObjectOff+g.Extents[k].Length == objOff &&
			g.Extents[k].BufferOff+g.Extents[k].Length == bufOff {
			g.Extents[k].Length += n
		} else {
			g.Extents = append(g.Extents, ObjectExtent{objOff, n, bufOff})
		}

		cur += n
		left -= n
	}

	out := make([]ObjectExtents, 0, len(order))
	for _, no := range order {
		out = append(out, *groups[no])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Extents[0].BufferOff < out[j].Extents[0].BufferOff
	})
	return out
}
