package snapdiff

import (
	"fmt"

	"github.com/volstore/snapdiff/bitmap"
	"github.com/volstore/snapdiff/utils"
)

// diffObjectMap walks the snapshot chain from `from` to `end` and
// classifies every object from the per-snapshot object maps alone,
// without any per-object queries. The result array is indexed by
// object number and sized to the end snapshot's object count.
//
// Classification is monotonic: once an object is marked Updated or
// Hole, a later chain step that shows no change for it leaves the
// existing mark untouched.
func diffObjectMap(img Image, from, end SnapID, log utils.Logger) (*bitmap.Bit2Vector, error) {
	layout := img.Layout()

	diffFromStart := from == 0
	if from == 0 {
		// start the walk at the oldest snapshot, or at the head when
		// the image has never been snapshotted
		if snaps := img.Snaps(); len(snaps) > 0 {
			from = snaps[0]
		} else {
			from = NoSnap
		}
	}

	state := bitmap.New(0)
	var prev *bitmap.Bit2Vector
	prevValid := false

	current := from
	for {
		size, err := img.SizeAt(current)
		if err != nil {
			return nil, err
		}
		flags, err := img.Flags(current)
		if err != nil {
			return nil, err
		}
		if flags&FlagFastDiffInvalid != 0 {
			return nil, fmt.Errorf("%w: fast diff flagged invalid at snap %d",
				ErrObjectMapInvalid, current)
		}

		om, err := img.ObjectMap(current)
		if err != nil {
			return nil, err
		}
		numObjs := layout.ObjectCount(size)
		if om.Len() < numObjs {
			return nil, fmt.Errorf("%w: object map too small at snap %d: %d < %d",
				ErrObjectMapInvalid, current, om.Len(), numObjs)
		}
		om = om.Clone()
		om.Resize(numObjs)
		log.Debug("loaded object map", "image", img.Name(), "snap", uint64(current),
			"objects", numObjs)

		var prevLen uint64
		if prev != nil {
			prevLen = prev.Len()
		}
		overlap := min(om.Len(), prevLen)
		for i := uint64(0); i < overlap; i++ {
			cur, was := om.Get(i), prev.Get(i)
			switch {
			case cur == ObjectNonexistent:
				if was != ObjectNonexistent {
					state.Set(i, uint8(DiffStateHole))
				}
			case cur == ObjectExists,
				was != cur && !(was == ObjectExists && cur == ObjectExistsClean):
				state.Set(i, uint8(DiffStateUpdated))
			}
		}

		state.Resize(om.Len())
		if om.Len() > prevLen && (diffFromStart || prevValid) {
			// the image grew: objects beyond the previous map are new
			for i := overlap; i < state.Len(); i++ {
				if om.Get(i) == ObjectNonexistent {
					state.Set(i, uint8(DiffStateNone))
				} else {
					state.Set(i, uint8(DiffStateUpdated))
				}
			}
		}

		next := current
		if current != NoSnap {
			next = NoSnap
			for _, s := range img.Snaps() {
				if s > current {
					next = s
					break
				}
			}
		}
		if current == next || next > end {
			break
		}
		current = next
		prev, prevValid = om, true
	}
	return state, nil
}
