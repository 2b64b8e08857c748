package snapdiff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volstore/snapdiff/interval"
	"github.com/volstore/snapdiff/striper"
)

type diffCollector struct {
	recs []DiffRecord
}

func (c *diffCollector) cb(offset, length uint64, exists bool) error {
	c.recs = append(c.recs, DiffRecord{offset, length, exists})
	return nil
}

// frozenOverlap builds the history of an object that existed at snap
// `id` with the given shared ranges and got overwritten (or deleted,
// when headSize is zero) afterwards.
func frozenOverlap(id SnapID, size uint64, shared interval.Set[uint64], headSize uint64) *SnapOverlap {
	ss := &SnapOverlap{
		Seq:    id,
		Clones: []CloneInfo{{CloneID: id, Snaps: []SnapID{id}, Size: size, Overlap: shared}},
	}
	if headSize > 0 {
		ss.Clones = append(ss.Clones, CloneInfo{CloneID: NoSnap, Size: headSize})
	}
	return ss
}

func TestDiffIterateNoOp(t *testing.T) {
	img := newFakeImage(4096, testLayout)
	img.addSnap(1, "one", 4096)
	img.current = 1

	var col diffCollector
	err := DiffIterate(context.Background(), img,
		DiffOptions{FromSnap: "one", Length: 4096, Log: testLog()}, col.cb)
	require.NoError(t, err)
	assert.Empty(t, col.recs)
}

func TestDiffIterateSnapshotNotFound(t *testing.T) {
	img := newFakeImage(4096, testLayout)

	err := DiffIterate(context.Background(), img,
		DiffOptions{FromSnap: "ghost", Length: 4096, Log: testLog()},
		func(uint64, uint64, bool) error { return nil })
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDiffIterateInvalidRange(t *testing.T) {
	img := newFakeImage(4096, testLayout)
	img.addSnap(1, "one", 4096)
	img.addSnap(2, "two", 4096)
	img.current = 1

	err := DiffIterate(context.Background(), img,
		DiffOptions{FromSnap: "two", Length: 4096, Log: testLog()},
		func(uint64, uint64, bool) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestDiffIterateOrdering(t *testing.T) {
	const numObjs = 32
	img := newFakeImage(numObjs*4096, testLayout)
	img.addSnap(1, "one", numObjs*4096)
	img.latency = 2 * time.Millisecond
	for i := uint64(0); i < numObjs; i++ {
		img.setFound(i, headOnlyOverlap(1, 4096))
	}

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap:    "one",
		Length:      numObjs * 4096,
		MaxInFlight: 4,
		Log:         testLog(),
	}, col.cb)
	require.NoError(t, err)

	require.Len(t, col.recs, numObjs)
	for i, r := range col.recs {
		assert.Equal(t, DiffRecord{uint64(i) * 4096, 4096, true}, r)
	}
	assert.LessOrEqual(t, img.maxSeen.Load(), int64(4))
}

func TestDiffIterateClipsRange(t *testing.T) {
	img := newFakeImage(2*4096, testLayout)
	img.addSnap(1, "one", 2*4096)
	img.setFound(0, headOnlyOverlap(1, 4096))
	img.setFound(1, headOnlyOverlap(1, 4096))

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap: "one",
		Offset:   4096,
		Length:   1 << 60, // clipped to the end size
		Log:      testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Equal(t, []DiffRecord{{4096, 4096, true}}, col.recs)
}

func TestDiffIterateOffsetPastEnd(t *testing.T) {
	img := newFakeImage(4096, testLayout)
	img.addSnap(1, "one", 4096)
	img.setFound(0, headOnlyOverlap(1, 4096))

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap: "one",
		Offset:   8192,
		Length:   4096,
		Log:      testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Empty(t, col.recs)
}

func TestDiffIterateQueryError(t *testing.T) {
	boom := errors.New("store unreachable")
	img := newFakeImage(4*4096, testLayout)
	img.addSnap(1, "one", 4*4096)
	img.latency = time.Millisecond
	for i := uint64(0); i < 4; i++ {
		img.setFound(i, headOnlyOverlap(1, 4096))
	}
	img.setFailed(2, boom)

	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap:    "one",
		Length:      4 * 4096,
		MaxInFlight: 2,
		Log:         testLog(),
	}, func(uint64, uint64, bool) error { return nil })
	assert.ErrorIs(t, err, ErrObjectQueryFailed)
	assert.ErrorIs(t, err, boom)
}

func TestDiffIterateCallbackAbort(t *testing.T) {
	img := newFakeImage(4*4096, testLayout)
	img.addSnap(1, "one", 4*4096)
	for i := uint64(0); i < 4; i++ {
		img.setFound(i, headOnlyOverlap(1, 4096))
	}

	boom := errors.New("enough")
	calls := 0
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap: "one",
		Length:   4 * 4096,
		Log:      testLog(),
	}, func(uint64, uint64, bool) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, ErrCallbackAborted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDiffIterateParentFallback(t *testing.T) {
	parent := newFakeImage(200, striper.Layout{ObjectSize: 100, StripeUnit: 100, StripeCount: 1})
	parent.name = "base"
	parent.setFound(1, headOnlyOverlap(0, 100))

	img := newFakeImage(4096, testLayout)
	img.parent, img.parentOverlap = parent, 200
	// the child object was never written; everything it shows comes
	// through the copy-on-write overlap

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		Length:        4096,
		IncludeParent: true,
		Log:           testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Equal(t, []DiffRecord{{100, 100, true}}, col.recs)
}

func TestDiffIterateParentHoleSkipped(t *testing.T) {
	// the parent wrote both objects, then deleted object 0 before the
	// snapshot the child was cloned from; only object 1 still backs
	// the child, and the deleted region must not resurface as data
	parent := newFakeImage(200, striper.Layout{ObjectSize: 100, StripeUnit: 100, StripeCount: 1})
	parent.name = "base"
	parent.addSnap(1, "one", 200)
	parent.addSnap(2, "two", 200)
	parent.current = 2
	parent.setFound(0, frozenOverlap(1, 100, interval.Set[uint64]{}, 0))
	parent.setFound(1, frozenOverlap(2, 100, interval.Set[uint64]{}, 0))

	img := newFakeImage(4096, testLayout)
	img.parent, img.parentOverlap = parent, 200

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		Length:        4096,
		IncludeParent: true,
		Log:           testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Equal(t, []DiffRecord{{100, 100, true}}, col.recs)
}

func TestDiffIterateParentSkippedMidChain(t *testing.T) {
	// diffing from a committed snapshot never consults the parent
	parent := newFakeImage(4096, testLayout)
	parent.name = "base"
	parent.setFound(0, headOnlyOverlap(0, 4096))

	img := newFakeImage(4096, testLayout)
	img.addSnap(1, "one", 4096)
	img.parent, img.parentOverlap = parent, 4096

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap:      "one",
		Length:        4096,
		IncludeParent: true,
		Log:           testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Empty(t, col.recs)
}

func TestDiffIterateWholeObject(t *testing.T) {
	var shared interval.Set[uint64]
	shared.Insert(1024, 3072)
	img := newFakeImage(2*4096, testLayout)
	img.addSnap(1, "one", 2*4096)
	// object 0 partially rewritten after the snapshot; whole-object
	// reporting still covers the full extent
	img.setFound(0, frozenOverlap(1, 4096, shared, 4096))

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap:    "one",
		Length:      2 * 4096,
		WholeObject: true,
		Log:         testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Equal(t, []DiffRecord{{0, 4096, true}}, col.recs)
}

func TestDiffIteratePartialRewrite(t *testing.T) {
	var shared interval.Set[uint64]
	shared.Insert(1024, 3072)
	img := newFakeImage(4096, testLayout)
	img.addSnap(1, "one", 4096)
	img.setFound(0, frozenOverlap(1, 4096, shared, 4096))

	var col diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap: "one",
		Length:   4096,
		Log:      testLog(),
	}, col.cb)
	require.NoError(t, err)
	assert.Equal(t, []DiffRecord{{0, 1024, true}}, col.recs)
}

// stripFeatures hides capability bits so the engine takes the
// per-object query path.
type stripFeatures struct{ Image }

func (stripFeatures) Features() Features { return 0 }

func TestDiffIterateFastSlowEquivalence(t *testing.T) {
	img := newFakeImage(4*4096, testLayout)
	img.features = FeatureObjectMap | FeatureFastDiff
	img.addSnap(1, "one", 4*4096)

	// object 0: untouched since the snapshot
	// object 1: rewritten after it
	// object 2: deleted after it
	// object 3: never written at all
	img.maps[1] = objMap(ObjectExistsClean, ObjectExistsClean, ObjectExists, ObjectNonexistent)
	img.maps[NoSnap] = objMap(ObjectExistsClean, ObjectExists, ObjectNonexistent, ObjectNonexistent)

	img.setFound(0, headOnlyOverlap(0, 4096))
	var shared interval.Set[uint64]
	shared.Insert(1024, 3072)
	img.setFound(1, frozenOverlap(1, 4096, shared, 4096))
	img.setFound(2, frozenOverlap(1, 4096, interval.Set[uint64]{}, 0))

	want := []DiffRecord{{4096, 4096, true}, {8192, 4096, false}}

	var fast diffCollector
	err := DiffIterate(context.Background(), img, DiffOptions{
		FromSnap:    "one",
		Length:      4 * 4096,
		WholeObject: true,
		Log:         testLog(),
	}, fast.cb)
	require.NoError(t, err)
	assert.Equal(t, want, fast.recs)

	var slow diffCollector
	err = DiffIterate(context.Background(), stripFeatures{img}, DiffOptions{
		FromSnap:    "one",
		Length:      4 * 4096,
		WholeObject: true,
		Log:         testLog(),
	}, slow.cb)
	require.NoError(t, err)
	assert.Equal(t, want, slow.recs)
}
