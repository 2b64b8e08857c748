package snapdiff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/volstore/snapdiff/interval"
	"github.com/volstore/snapdiff/striper"
	"github.com/volstore/snapdiff/utils"
)

// DiffOptions configures one DiffIterate call.
type DiffOptions struct {
	// FromSnap names the snapshot to diff from; empty means the
	// beginning of time.
	FromSnap string
	// Offset/Length select the logical byte range to examine. The
	// range is clipped to the image size at the end snapshot.
	Offset uint64
	Length uint64
	// IncludeParent reports unwritten regions still backed by the
	// copy-on-write parent when diffing from the beginning of time.
	IncludeParent bool
	// WholeObject collapses reporting to full-extent granularity and
	// enables the object-map fast path when the image supports it.
	WholeObject bool
	// MaxInFlight bounds concurrent object queries; 0 means
	// DefaultMaxInFlight.
	MaxInFlight int
	Log         utils.Logger
}

// DiffIterate reports every byte range of img that changed between the
// FromSnap snapshot and the image's current snapshot context, calling
// cb once per range in non-decreasing offset order. The first error
// observed (from an object query or from cb itself) becomes the call's
// result; queries already in flight are always drained before return.
func DiffIterate(ctx context.Context, img Image, opts DiffOptions, cb DiffCallback) error {
	log := opts.Log
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelError)
	}
	it := &diffIterate{
		img:   img,
		opts:  opts,
		cb:    cb,
		log:   log,
		trace: uuid.NewString(),
	}
	return it.execute(ctx)
}

type diffIterate struct {
	img   Image
	opts  DiffOptions
	cb    DiffCallback
	log   utils.Logger
	trace string

	fromID, endID SnapID
	wholeObject   bool

	fastDiff    bool
	objectState objectStateReader

	parentDiff parentDiffSet
	sched      *diffScheduler
}

// objectStateReader is the fast-path classification array.
type objectStateReader interface {
	Len() uint64
	Get(i uint64) uint8
}

// parentDiffSet accumulates the recursive parent diff. Only extents
// that still carry data at the parent's clone snapshot enter the set;
// regions the parent itself deleted are holes the child inherits and
// must never resurface as data.
type parentDiffSet struct {
	set interval.Set[uint64]
}

func (p *parentDiffSet) insert(offset, length uint64, exists bool) error {
	if exists {
		p.set.Insert(offset, length)
	}
	return nil
}

func (d *diffIterate) execute(ctx context.Context) error {
	fromID := SnapID(0)
	if d.opts.FromSnap != "" {
		id, ok := d.img.ResolveSnap(d.opts.FromSnap)
		if !ok {
			return fmt.Errorf("%w: %q", ErrSnapshotNotFound, d.opts.FromSnap)
		}
		fromID = id
	}
	endID := d.img.CurrentSnap()
	if fromID == endID {
		// no diff
		return nil
	}
	if fromID > endID {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidRange, fromID, endID)
	}
	endSize, err := d.img.SizeAt(endID)
	if err != nil {
		return err
	}
	d.fromID, d.endID = fromID, endID
	d.wholeObject = d.opts.WholeObject

	offset, length := d.opts.Offset, d.opts.Length
	if offset >= endSize {
		return nil
	}
	if offset+length > endSize || offset+length < offset {
		length = endSize - offset
	}

	d.log.Debug("diff iterate", "trace", d.trace, "image", d.img.Name(),
		"from", uint64(fromID), "end", uint64(endID),
		"offset", offset, "length", length)

	if d.wholeObject && d.img.Features()&FeatureFastDiff != 0 {
		state, err := diffObjectMap(d.img, fromID, endID, d.log)
		if err != nil {
			d.log.Debug("fast diff disabled", "trace", d.trace, "err", err)
			FastDiffFallbacks.Inc()
		} else {
			d.log.Debug("fast diff enabled", "trace", d.trace)
			d.objectState = state
			d.fastDiff = true
		}
	}

	// the parent overlap matters only when comparing to the beginning
	// of time: any object the child ever wrote has its own history
	if d.opts.IncludeParent && fromID == 0 {
		parent, overlap := d.img.Parent()
		if overlap > endSize {
			overlap = endSize
		}
		if parent != nil && overlap > 0 {
			d.log.Debug("computing parent diff first", "trace", d.trace,
				"parent", parent.Name(), "overlap", overlap)
			err := DiffIterate(ctx, parent, DiffOptions{
				Length:        overlap,
				IncludeParent: d.opts.IncludeParent,
				WholeObject:   d.opts.WholeObject,
				MaxInFlight:   d.opts.MaxInFlight,
				Log:           d.log,
			}, d.parentDiff.insert)
			if err != nil {
				return err
			}
		}
	}

	d.sched = newDiffScheduler(d.opts.MaxInFlight)

	layout := d.img.Layout()
	period := layout.Period()
	off, left := offset, length
	for left > 0 {
		periodOff := off - off%period
		readLen := min(periodOff+period-off, left)

		groups := layout.MapExtents(off, readLen)
		for i := range groups {
			g := &groups[i]
			if d.fastDiff {
				if err := d.emitFastDiff(off, g); err != nil {
					return err
				}
				continue
			}
			d.sendObjectDiff(ctx, off, g)
			if err := d.sched.invokeCallback(d.cb); err != nil {
				d.sched.waitIdle()
				return err
			}
		}

		left -= readLen
		off += readLen
	}

	if err := d.sched.waitIdle(); err != nil {
		return err
	}
	return d.sched.invokeCallback(d.cb)
}

// emitFastDiff reports one object straight from the precomputed
// classification, bypassing the scheduler.
func (d *diffIterate) emitFastDiff(logicalOff uint64, g *striper.ObjectExtents) error {
	ObjectRequests.WithLabelValues("fast").Inc()
	var state DiffState
	if g.ObjectNo < d.objectState.Len() {
		state = DiffState(d.objectState.Get(g.ObjectNo))
	}
	if state == DiffStateNone {
		return nil
	}
	exists := state == DiffStateUpdated
	for _, e := range g.Extents {
		RecordsDelivered.Inc()
		if err := d.cb(logicalOff+e.BufferOff, e.Length, exists); err != nil {
			return fmt.Errorf("%w: %w", ErrCallbackAborted, err)
		}
	}
	return nil
}

// sendObjectDiff submits one object query under the concurrency
// window. The query and the diff computation run on their own
// goroutine; completion lands in the scheduler ledger.
func (d *diffIterate) sendObjectDiff(ctx context.Context, logicalOff uint64, g *striper.ObjectExtents) {
	req := d.sched.startOp()
	ObjectRequests.WithLabelValues("slow").Inc()
	go func() {
		res := d.img.QueryOverlap(ctx, g.ObjectNo)

		var recs []DiffRecord
		var err error
		switch res.Status {
		case OverlapFound:
			d.log.Debug("object overlap query complete", "trace", d.trace,
				"object", g.ObjectNo)
			recs = computeDiffRecords(res.Overlap, d.fromID, d.endID,
				d.wholeObject, logicalOff, g.Extents)
		case OverlapMissing:
			d.log.Debug("object never written", "trace", d.trace,
				"object", g.ObjectNo)
			if d.fromID == 0 && !d.parentDiff.set.Empty() {
				recs = parentOverlapRecords(&d.parentDiff.set, logicalOff, g.Extents)
			}
		case OverlapFailed:
			d.log.Debug("object overlap query failed", "trace", d.trace,
				"object", g.ObjectNo, "err", res.Err)
			err = fmt.Errorf("%w: object %d: %w", ErrObjectQueryFailed,
				g.ObjectNo, res.Err)
		}

		d.sched.finishOp(req, err, recs)
	}()
}
