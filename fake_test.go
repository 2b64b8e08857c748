package snapdiff

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/volstore/snapdiff/bitmap"
	"github.com/volstore/snapdiff/striper"
)

// fakeImage is an in-memory Image for engine tests. Overlap results
// live in a concurrent map because QueryOverlap runs on the engine's
// worker goroutines; latency > 0 randomizes completion order.
type fakeSnap struct {
	id    SnapID
	name  string
	size  uint64
	flags Flags
}

type fakeImage struct {
	name     string
	size     uint64
	current  SnapID
	layout   striper.Layout
	features Features
	flags    Flags
	snaps    []fakeSnap
	maps     map[SnapID]*bitmap.Bit2Vector
	overlaps *xsync.MapOf[uint64, OverlapResult]
	latency  time.Duration

	parent        Image
	parentOverlap uint64

	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func newFakeImage(size uint64, layout striper.Layout) *fakeImage {
	return &fakeImage{
		name:     "img",
		size:     size,
		current:  NoSnap,
		layout:   layout,
		maps:     make(map[SnapID]*bitmap.Bit2Vector),
		overlaps: xsync.NewMapOf[uint64, OverlapResult](),
	}
}

func (f *fakeImage) addSnap(id SnapID, name string, size uint64) {
	f.snaps = append(f.snaps, fakeSnap{id: id, name: name, size: size})
}

func (f *fakeImage) setFound(objectNo uint64, ss *SnapOverlap) {
	f.overlaps.Store(objectNo, OverlapResult{Status: OverlapFound, Overlap: ss})
}

func (f *fakeImage) setFailed(objectNo uint64, err error) {
	f.overlaps.Store(objectNo, OverlapResult{Status: OverlapFailed, Err: err})
}

func (f *fakeImage) Name() string         { return f.name }
func (f *fakeImage) CurrentSnap() SnapID  { return f.current }
func (f *fakeImage) Features() Features   { return f.features }
func (f *fakeImage) Layout() striper.Layout { return f.layout }

func (f *fakeImage) ResolveSnap(name string) (SnapID, bool) {
	for _, s := range f.snaps {
		if s.name == name {
			return s.id, true
		}
	}
	return NoSnap, false
}

func (f *fakeImage) Snaps() []SnapID {
	ids := make([]SnapID, len(f.snaps))
	for i, s := range f.snaps {
		ids[i] = s.id
	}
	return ids
}

func (f *fakeImage) SizeAt(snap SnapID) (uint64, error) {
	if snap == NoSnap {
		return f.size, nil
	}
	for _, s := range f.snaps {
		if s.id == snap {
			return s.size, nil
		}
	}
	return 0, fmt.Errorf("fake: no snap %d", snap)
}

func (f *fakeImage) Flags(snap SnapID) (Flags, error) {
	if snap == NoSnap {
		return f.flags, nil
	}
	for _, s := range f.snaps {
		if s.id == snap {
			return s.flags, nil
		}
	}
	return 0, fmt.Errorf("fake: no snap %d", snap)
}

func (f *fakeImage) Parent() (Image, uint64) {
	return f.parent, f.parentOverlap
}

func (f *fakeImage) ObjectMap(snap SnapID) (*bitmap.Bit2Vector, error) {
	om, ok := f.maps[snap]
	if !ok {
		return nil, fmt.Errorf("fake: no object map for snap %d", snap)
	}
	return om, nil
}

func (f *fakeImage) QueryOverlap(ctx context.Context, objectNo uint64) OverlapResult {
	cur := f.inFlight.Add(1)
	for {
		m := f.maxSeen.Load()
		if cur <= m || f.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.latency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.latency))))
	}
	if r, ok := f.overlaps.Load(objectNo); ok {
		return r
	}
	return OverlapResult{Status: OverlapMissing}
}

// headOnlyOverlap builds the history of an object first written after
// the given snapshot sequence and never snapshotted since.
func headOnlyOverlap(seq SnapID, size uint64) *SnapOverlap {
	return &SnapOverlap{
		Seq:    seq,
		Clones: []CloneInfo{{CloneID: NoSnap, Size: size}},
	}
}
