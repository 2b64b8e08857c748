// Package snapdiff computes the byte ranges that changed between two
// snapshots of a virtual block image striped over an object store, and
// reports for each range whether the data now exists or is a hole.
//
// The entry point is DiffIterate. It partitions the requested range
// into per-object extents, classifies each object either from compact
// per-snapshot object maps (fast diff) or by querying the object's
// snapshot overlap history, and delivers the resulting records to the
// caller's callback in increasing logical-offset order regardless of
// the order in which object queries complete.
package snapdiff

import (
	"context"
	"math"

	"github.com/volstore/snapdiff/bitmap"
	"github.com/volstore/snapdiff/striper"
)

// SnapID identifies a snapshot. Ids ascend with creation order.
type SnapID uint64

// NoSnap marks "no snapshot": the writable head as an end-snapshot
// context, or an absent head. Snapshot id 0 never names a real
// snapshot; in diff arguments it means "the beginning of time".
const NoSnap = SnapID(math.MaxUint64)

type Features uint64

const (
	FeatureObjectMap Features = 1 << iota
	FeatureFastDiff
	FeatureLayering
)

type Flags uint64

const (
	FlagObjectMapInvalid Flags = 1 << iota
	FlagFastDiffInvalid
)

// Per-object states stored in a snapshot's object map.
const (
	ObjectNonexistent uint8 = 0
	ObjectExists      uint8 = 1
	ObjectPending     uint8 = 2
	ObjectExistsClean uint8 = 3
)

// DiffState classifies one object across a snapshot chain.
type DiffState uint8

const (
	DiffStateNone    DiffState = 0
	DiffStateUpdated DiffState = 1
	DiffStateHole    DiffState = 2
)

// DiffRecord is a maximal run of changed bytes and its final existence
// state.
type DiffRecord struct {
	Offset uint64
	Length uint64
	Exists bool
}

// DiffCallback receives changed ranges in non-decreasing offset order.
// A non-nil return aborts delivery; it becomes the call's result.
type DiffCallback func(offset, length uint64, exists bool) error

// OverlapStatus is the outcome of an object overlap query.
type OverlapStatus int

const (
	// OverlapFound carries the object's snapshot overlap descriptor.
	OverlapFound OverlapStatus = iota
	// OverlapMissing means the object has never been written. Not an
	// error: for diffs from the beginning of time the parent overlap
	// substitutes for it.
	OverlapMissing
	// OverlapFailed carries the query error.
	OverlapFailed
)

type OverlapResult struct {
	Status  OverlapStatus
	Overlap *SnapOverlap
	Err     error
}

// Image is the view of one image the diff engine works against. All
// methods except QueryOverlap are backed by snapshot metadata and must
// be cheap; QueryOverlap may hit the object store and is issued from
// worker goroutines under the engine's concurrency window.
type Image interface {
	Name() string

	// CurrentSnap is the snapshot context the image is opened at:
	// NoSnap for the writable head, else a committed snapshot id.
	CurrentSnap() SnapID
	ResolveSnap(name string) (SnapID, bool)
	// Snaps lists committed snapshot ids in ascending order.
	Snaps() []SnapID
	SizeAt(snap SnapID) (uint64, error)
	Flags(snap SnapID) (Flags, error)
	Features() Features
	Layout() striper.Layout

	// Parent returns the copy-on-write parent image opened at the
	// clone snapshot, plus the byte overlap still backed by it.
	// A base image returns (nil, 0).
	Parent() (Image, uint64)

	// ObjectMap loads the per-object state map committed with the
	// given snapshot (NoSnap loads the head map).
	ObjectMap(snap SnapID) (*bitmap.Bit2Vector, error)

	// QueryOverlap fetches the snapshot overlap history of one object.
	QueryOverlap(ctx context.Context, objectNo uint64) OverlapResult
}
