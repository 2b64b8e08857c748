package snapdiff

import (
	"github.com/volstore/snapdiff/interval"
	"github.com/volstore/snapdiff/striper"
)

// CloneInfo describes one copy-on-write generation of an object.
type CloneInfo struct {
	// CloneID is the snapshot id the clone was frozen at; the
	// writable head carries NoSnap.
	CloneID SnapID
	// Snaps are the ascending snapshot ids that observe this clone.
	// Empty for the head clone.
	Snaps []SnapID
	// Size is the object's byte size in this generation; all bytes
	// below it exist (unwritten ones read as zeros).
	Size uint64
	// Overlap is the byte ranges still shared with the next newer
	// generation, i.e. not overwritten after this clone was frozen.
	Overlap interval.Set[uint64]
}

// span returns the inclusive snapshot-id range the clone is visible
// at. The head clone covers everything after the object's last seen
// snapshot sequence.
func (c *CloneInfo) span(seq SnapID) (a, b SnapID) {
	if c.CloneID == NoSnap {
		return seq + 1, NoSnap
	}
	return c.Snaps[0], c.Snaps[len(c.Snaps)-1]
}

// SnapOverlap is an object's snapshot overlap history: its clones in
// ascending CloneID order (head last, when the head exists) and the
// highest snapshot sequence the object has observed.
type SnapOverlap struct {
	Seq    SnapID
	Clones []CloneInfo
}

// CalcOverlapDiff computes the interval set of object-local bytes that
// changed between the from and end snapshots, and whether the object
// has any data at end. from == 0 compares against the beginning of
// time; end may be NoSnap to compare against the writable head.
func CalcOverlapDiff(ss *SnapOverlap, from, end SnapID) (diff interval.Set[uint64], endExists bool) {
	sawStart := false
	var startSize uint64

	for i := range ss.Clones {
		r := &ss.Clones[i]
		a, b := r.span(ss.Seq)
		if b < from {
			// frozen entirely before the window
			continue
		}
		if end < a {
			// the object is gone at end; whatever existed at the
			// start is now a hole
			diff.Clear()
			diff.Insert(0, startSize)
			return diff, false
		}
		if !sawStart {
			if from >= a {
				startSize = r.Size
			} else {
				// the object did not exist at from; its first
				// visible generation is all new data
				diff.Insert(0, r.Size)
			}
			sawStart = true
		}
		if end <= b {
			return diff, true
		}

		// transition to the next generation: everything either copy
		// may cover, minus the bytes they still share
		maxSize := r.Size
		if i+1 < len(ss.Clones) && ss.Clones[i+1].Size > maxSize {
			maxSize = ss.Clones[i+1].Size
		}
		var step interval.Set[uint64]
		step.Insert(0, maxSize)
		for start, length := range r.Overlap.All() {
			step.Erase(start, length)
		}
		diff.UnionWith(&step)
	}
	return diff, false
}

// computeDiffRecords turns an object's overlap history into the diff
// records for the requested extents. logicalOff is the image offset
// the extents' buffer coordinates are relative to.
func computeDiffRecords(ss *SnapOverlap, from, end SnapID, wholeObject bool,
	logicalOff uint64, extents []striper.ObjectExtent) []DiffRecord {
	diff, endExists := CalcOverlapDiff(ss, from, end)
	if diff.Empty() {
		return nil
	}

	var recs []DiffRecord
	if wholeObject {
		// granularity collapses to the full requested extents
		for _, e := range extents {
			recs = append(recs, DiffRecord{logicalOff + e.BufferOff, e.Length, endExists})
		}
		return recs
	}

	for _, e := range extents {
		var want interval.Set[uint64]
		want.Insert(e.ObjectOff, e.Length)
		for start, length := range want.Intersect(&diff).All() {
			recs = append(recs, DiffRecord{
				Offset: logicalOff + e.BufferOff + (start - e.ObjectOff),
				Length: length,
				Exists: endExists,
			})
		}
	}
	return recs
}

// parentOverlapRecords substitutes parent-image data for an object the
// child has never written. Thin-provisioned images guarantee parent
// extents carry real data, never holes.
func parentOverlapRecords(parentDiff *interval.Set[uint64],
	logicalOff uint64, extents []striper.ObjectExtent) []DiffRecord {
	var recs []DiffRecord
	for _, e := range extents {
		var want interval.Set[uint64]
		want.Insert(logicalOff+e.BufferOff, e.Length)
		for start, length := range want.Intersect(parentDiff).All() {
			recs = append(recs, DiffRecord{Offset: start, Length: length, Exists: true})
		}
	}
	return recs
}
