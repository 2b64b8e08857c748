// Package store is a pebble-backed image store for the diff engine:
// it keeps image and snapshot metadata, per-snapshot object maps and
// per-object clone histories, so DiffIterate can run against it end to
// end without a real object-store cluster. Data-plane calls record
// presence only, never payload bytes.
package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/volstore/snapdiff"
	"github.com/volstore/snapdiff/bitmap"
	"github.com/volstore/snapdiff/striper"
	"github.com/volstore/snapdiff/utils"
)

var (
	ErrImageExists       = errors.New("store: image already exists")
	ErrImageNotFound     = errors.New("store: image not found")
	ErrSnapExists        = errors.New("store: snapshot already exists")
	ErrSnapshotView      = errors.New("store: image opened at a snapshot is read-only")
	ErrShrinkUnsupported = errors.New("store: images can only grow")
	ErrOutOfBounds       = errors.New("store: range beyond image size")
)

var writeOptions = pebble.WriteOptions{Sync: false}

const DefaultMaxCachedMaps = 1024

type Options struct {
	// MaxCachedMaps bounds the object map LRU; 0 means
	// DefaultMaxCachedMaps.
	MaxCachedMaps int
	Log           utils.Logger
}

type Store struct {
	db     *pebble.DB
	log    utils.Logger
	maps   *lru.Cache[mapRef, *bitmap.Bit2Vector]
	images *xsync.MapOf[uuid.UUID, *imageState]
}

type mapRef struct {
	img  uuid.UUID
	snap snapdiff.SnapID
}

func Open(path string, opts Options) (*Store, error) {
	if opts.MaxCachedMaps <= 0 {
		opts.MaxCachedMaps = DefaultMaxCachedMaps
	}
	if opts.Log == nil {
		opts.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[mapRef, *bitmap.Bit2Vector](opts.MaxCachedMaps)
	return &Store{
		db:     db,
		log:    opts.Log,
		maps:   cache,
		images: xsync.NewMapOf[uuid.UUID, *imageState](),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pebble instance, e.g. for metrics
// registration via NewPebbleCollector.
func (s *Store) DB() *pebble.DB {
	return s.db
}

type imageMeta struct {
	Name     string
	Size     uint64
	Layout   striper.Layout
	Features snapdiff.Features
	Flags    snapdiff.Flags
	// Seq is the highest committed snapshot id; ids ascend from 1.
	Seq snapdiff.SnapID

	Parent        uuid.UUID
	ParentSnap    snapdiff.SnapID
	ParentOverlap uint64
}

type snapMeta struct {
	ID    snapdiff.SnapID
	Name  string
	Size  uint64
	Flags snapdiff.Flags
}

// imageState is the shared in-memory state of one image; every Image
// handle opened from the store, head or snapshot view, points at the
// same instance.
type imageState struct {
	s  *Store
	id uuid.UUID

	mu    sync.RWMutex
	meta  imageMeta
	snaps []snapMeta
}

// Image is a handle on a stored image, opened either at the writable
// head (view == NoSnap) or at a committed snapshot. It implements
// snapdiff.Image; mutating calls are rejected on snapshot views.
type Image struct {
	st   *imageState
	view snapdiff.SnapID
}

var _ snapdiff.Image = (*Image)(nil)

func (s *Store) CreateImage(name string, size uint64, layout striper.Layout,
	features snapdiff.Features) (*Image, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	meta := imageMeta{Name: name, Size: size, Layout: layout, Features: features}
	return s.createImage(meta)
}

// CreateChild clones an image at a committed snapshot. The child
// starts with no objects of its own; reads below the overlap fall
// through to the parent until the child writes over them.
func (s *Store) CreateChild(name, parent, parentSnap string) (*Image, error) {
	p, err := s.OpenImage(parent)
	if err != nil {
		return nil, err
	}
	snap, ok := p.ResolveSnap(parentSnap)
	if !ok {
		return nil, errors.Wrapf(snapdiff.ErrSnapshotNotFound, "%s@%s", parent, parentSnap)
	}
	size, err := p.SizeAt(snap)
	if err != nil {
		return nil, err
	}
	meta := imageMeta{
		Name:          name,
		Size:          size,
		Layout:        p.Layout(),
		Features:      p.Features() | snapdiff.FeatureLayering,
		Parent:        p.st.id,
		ParentSnap:    snap,
		ParentOverlap: size,
	}
	return s.createImage(meta)
}

func (s *Store) createImage(meta imageMeta) (*Image, error) {
	if _, err := s.lookupID(meta.Name); err == nil {
		return nil, errors.Wrap(ErrImageExists, meta.Name)
	} else if !errors.Is(err, ErrImageNotFound) {
		return nil, err
	}

	id := uuid.New()
	headMap := bitmap.New(meta.Layout.ObjectCount(meta.Size))
	b := s.db.NewBatch()
	_ = b.Set(nameKey(meta.Name), id[:], nil)
	_ = b.Set(imageKey(id), encodeImageMeta(&meta), nil)
	_ = b.Set(mapKey(id, snapdiff.NoSnap), encodeObjectMap(headMap), nil)
	if err := s.db.Apply(b, &writeOptions); err != nil {
		return nil, err
	}
	s.maps.Add(mapRef{id, snapdiff.NoSnap}, headMap)

	st := &imageState{s: s, id: id, meta: meta}
	s.images.Store(id, st)
	s.log.Info("image created", "name", meta.Name, "id", id.String(),
		"size", meta.Size)
	return &Image{st: st, view: snapdiff.NoSnap}, nil
}

func (s *Store) OpenImage(name string) (*Image, error) {
	id, err := s.lookupID(name)
	if err != nil {
		return nil, err
	}
	st, err := s.openState(id)
	if err != nil {
		return nil, err
	}
	return &Image{st: st, view: snapdiff.NoSnap}, nil
}

// Images lists the stored image names in lexicographic order.
func (s *Store) Images() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{litName},
		UpperBound: []byte{litName + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var names []string
	for it.First(); it.Valid(); it.Next() {
		names = append(names, string(it.Key()[1:]))
	}
	return names, it.Error()
}

func (s *Store) lookupID(name string) (id uuid.UUID, err error) {
	val, closer, err := s.db.Get(nameKey(name))
	if err == pebble.ErrNotFound {
		return id, errors.Wrap(ErrImageNotFound, name)
	}
	if err != nil {
		return id, err
	}
	defer closer.Close()
	if len(val) != 16 {
		return id, errors.Wrap(ErrBadRecord, "name index")
	}
	copy(id[:], val)
	return id, nil
}

func (s *Store) openState(id uuid.UUID) (*imageState, error) {
	if st, ok := s.images.Load(id); ok {
		return st, nil
	}
	val, closer, err := s.db.Get(imageKey(id))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrap(ErrImageNotFound, id.String())
	}
	if err != nil {
		return nil, err
	}
	meta, err := decodeImageMeta(val)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapKey(id, 0),
		UpperBound: snapKey(id, snapdiff.NoSnap),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var snaps []snapMeta
	for it.First(); it.Valid(); it.Next() {
		sm, err := decodeSnapMeta(it.Value())
		if err != nil {
			return nil, err
		}
		if want := snapKeyID(it.Key()); sm.ID != want {
			return nil, errors.Wrapf(ErrBadRecord, "snap %d keyed as %d", sm.ID, want)
		}
		snaps = append(snaps, sm)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	st := &imageState{s: s, id: id, meta: meta, snaps: snaps}
	actual, _ := s.images.LoadOrStore(id, st)
	return actual, nil
}

func (img *Image) Name() string {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	return img.st.meta.Name
}

func (img *Image) CurrentSnap() snapdiff.SnapID {
	return img.view
}

// At opens a read-only view of the image at a committed snapshot.
func (img *Image) At(snapName string) (*Image, error) {
	id, ok := img.ResolveSnap(snapName)
	if !ok {
		return nil, errors.Wrapf(snapdiff.ErrSnapshotNotFound, "%q", snapName)
	}
	return &Image{st: img.st, view: id}, nil
}

func (img *Image) ResolveSnap(name string) (snapdiff.SnapID, bool) {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	for _, sm := range img.st.snaps {
		if sm.Name == name {
			return sm.ID, true
		}
	}
	return snapdiff.NoSnap, false
}

func (img *Image) Snaps() []snapdiff.SnapID {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	ids := make([]snapdiff.SnapID, len(img.st.snaps))
	for i, sm := range img.st.snaps {
		ids[i] = sm.ID
	}
	return ids
}

func (img *Image) SizeAt(snap snapdiff.SnapID) (uint64, error) {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	if snap == snapdiff.NoSnap {
		return img.st.meta.Size, nil
	}
	for _, sm := range img.st.snaps {
		if sm.ID == snap {
			return sm.Size, nil
		}
	}
	return 0, errors.Wrapf(snapdiff.ErrSnapshotNotFound, "id %d", snap)
}

func (img *Image) Flags(snap snapdiff.SnapID) (snapdiff.Flags, error) {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	if snap == snapdiff.NoSnap {
		return img.st.meta.Flags, nil
	}
	for _, sm := range img.st.snaps {
		if sm.ID == snap {
			return sm.Flags, nil
		}
	}
	return 0, errors.Wrapf(snapdiff.ErrSnapshotNotFound, "id %d", snap)
}

func (img *Image) Features() snapdiff.Features {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	return img.st.meta.Features
}

func (img *Image) Layout() striper.Layout {
	img.st.mu.RLock()
	defer img.st.mu.RUnlock()
	return img.st.meta.Layout
}

func (img *Image) Parent() (snapdiff.Image, uint64) {
	img.st.mu.RLock()
	meta := img.st.meta
	img.st.mu.RUnlock()
	if meta.Parent == uuid.Nil {
		return nil, 0
	}
	ps, err := img.st.s.openState(meta.Parent)
	if err != nil {
		img.st.s.log.Warn("parent image unavailable", "image", meta.Name,
			"parent", meta.Parent.String(), "err", err)
		return nil, 0
	}
	return &Image{st: ps, view: meta.ParentSnap}, meta.ParentOverlap
}

// ObjectMap returns the stored map for a snapshot, or the head map for
// NoSnap. The returned map is shared with the cache; treat it as
// read-only.
func (img *Image) ObjectMap(snap snapdiff.SnapID) (*bitmap.Bit2Vector, error) {
	return img.st.loadMap(snap)
}

func (img *Image) QueryOverlap(ctx context.Context, objectNo uint64) snapdiff.OverlapResult {
	if err := ctx.Err(); err != nil {
		return snapdiff.OverlapResult{Status: snapdiff.OverlapFailed, Err: err}
	}
	h, err := img.st.loadHistory(objectNo)
	if err != nil {
		return snapdiff.OverlapResult{Status: snapdiff.OverlapFailed, Err: err}
	}
	if h == nil {
		return snapdiff.OverlapResult{Status: snapdiff.OverlapMissing}
	}
	return snapdiff.OverlapResult{
		Status:  snapdiff.OverlapFound,
		Overlap: &snapdiff.SnapOverlap{Seq: h.seq, Clones: h.clones},
	}
}

// Write records a write of [offset, offset+length) at the head:
// affected objects get their clone history extended and their head
// map state set to Exists. Payload bytes are not stored.
func (img *Image) Write(offset, length uint64) error {
	if img.view != snapdiff.NoSnap {
		return ErrSnapshotView
	}
	if length == 0 {
		return nil
	}
	st := img.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if offset+length > st.meta.Size || offset+length < offset {
		return errors.Wrapf(ErrOutOfBounds, "write [%d,%d) size %d",
			offset, offset+length, st.meta.Size)
	}

	head, err := st.loadMap(snapdiff.NoSnap)
	if err != nil {
		return err
	}
	head = head.Clone()

	b := st.s.db.NewBatch()
	for _, g := range st.meta.Layout.MapExtents(offset, length) {
		h, err := st.loadHistory(g.ObjectNo)
		if err != nil {
			return err
		}
		if h == nil {
			h = &objectHistory{seq: st.meta.Seq}
		}
		st.freezeLocked(h)

		n := len(h.clones)
		if n == 0 || h.clones[n-1].CloneID != snapdiff.NoSnap {
			h.clones = append(h.clones, snapdiff.CloneInfo{CloneID: snapdiff.NoSnap})
			n = len(h.clones)
		}
		hc := &h.clones[n-1]
		for _, e := range g.Extents {
			if end := e.ObjectOff + e.Length; end > hc.Size {
				hc.Size = end
			}
			if n >= 2 {
				h.clones[n-2].Overlap.Erase(e.ObjectOff, e.Length)
			}
		}
		_ = b.Set(objKey(st.id, g.ObjectNo), encodeHistory(h), nil)
		head.Set(g.ObjectNo, snapdiff.ObjectExists)
	}
	_ = b.Set(mapKey(st.id, snapdiff.NoSnap), encodeObjectMap(head), nil)
	if err := st.s.db.Apply(b, &writeOptions); err != nil {
		return err
	}
	st.s.maps.Add(mapRef{st.id, snapdiff.NoSnap}, head)
	return nil
}

// Discard drops whole objects fully covered by [offset, offset+length)
// from the head. Partially covered objects are left untouched.
func (img *Image) Discard(offset, length uint64) error {
	if img.view != snapdiff.NoSnap {
		return ErrSnapshotView
	}
	if length == 0 {
		return nil
	}
	st := img.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if offset+length > st.meta.Size || offset+length < offset {
		return errors.Wrapf(ErrOutOfBounds, "discard [%d,%d) size %d",
			offset, offset+length, st.meta.Size)
	}

	head, err := st.loadMap(snapdiff.NoSnap)
	if err != nil {
		return err
	}
	head = head.Clone()

	b := st.s.db.NewBatch()
	for _, g := range st.meta.Layout.MapExtents(offset, length) {
		h, err := st.loadHistory(g.ObjectNo)
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		n := len(h.clones)
		if n == 0 || h.clones[n-1].CloneID != snapdiff.NoSnap {
			continue // already a hole at the head
		}
		var covered uint64
		for _, e := range g.Extents {
			if e.ObjectOff == covered {
				covered += e.Length
			}
		}
		if covered < h.clones[n-1].Size {
			st.s.log.Debug("skipping partial object discard",
				"image", st.meta.Name, "object", g.ObjectNo)
			continue
		}

		st.freezeLocked(h)
		n = len(h.clones)
		h.clones = h.clones[:n-1]
		if n >= 2 {
			// nothing is shared with a generation that no longer exists
			h.clones[n-2].Overlap.Clear()
		}
		if len(h.clones) == 0 {
			_ = b.Delete(objKey(st.id, g.ObjectNo), nil)
		} else {
			_ = b.Set(objKey(st.id, g.ObjectNo), encodeHistory(h), nil)
		}
		head.Set(g.ObjectNo, snapdiff.ObjectNonexistent)
	}
	_ = b.Set(mapKey(st.id, snapdiff.NoSnap), encodeObjectMap(head), nil)
	if err := st.s.db.Apply(b, &writeOptions); err != nil {
		return err
	}
	st.s.maps.Add(mapRef{st.id, snapdiff.NoSnap}, head)
	return nil
}

// CreateSnap commits a snapshot: the head object map is frozen under
// the new id and the head copy has Exists demoted to ExistsClean, so
// later fast diffs can tell carried-over data from fresh writes.
// Object clone histories stay untouched until the next write.
func (img *Image) CreateSnap(name string) (snapdiff.SnapID, error) {
	if img.view != snapdiff.NoSnap {
		return 0, ErrSnapshotView
	}
	st := img.st
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, sm := range st.snaps {
		if sm.Name == name {
			return 0, errors.Wrap(ErrSnapExists, name)
		}
	}

	head, err := st.loadMap(snapdiff.NoSnap)
	if err != nil {
		return 0, err
	}
	frozen := head.Clone()
	demoted := head.Clone()
	for i := uint64(0); i < demoted.Len(); i++ {
		if demoted.Get(i) == snapdiff.ObjectExists {
			demoted.Set(i, snapdiff.ObjectExistsClean)
		}
	}

	meta := st.meta
	meta.Seq++
	id := meta.Seq
	sm := snapMeta{ID: id, Name: name, Size: meta.Size, Flags: meta.Flags}

	b := st.s.db.NewBatch()
	_ = b.Set(snapKey(st.id, id), encodeSnapMeta(&sm), nil)
	_ = b.Set(mapKey(st.id, id), encodeObjectMap(frozen), nil)
	_ = b.Set(mapKey(st.id, snapdiff.NoSnap), encodeObjectMap(demoted), nil)
	_ = b.Set(imageKey(st.id), encodeImageMeta(&meta), nil)
	if err := st.s.db.Apply(b, &writeOptions); err != nil {
		return 0, err
	}

	st.meta = meta
	st.snaps = append(st.snaps, sm)
	st.s.maps.Add(mapRef{st.id, id}, frozen)
	st.s.maps.Add(mapRef{st.id, snapdiff.NoSnap}, demoted)
	st.s.log.Info("snapshot created", "image", meta.Name, "snap", name,
		"id", uint64(id))
	return id, nil
}

// Resize grows the image; shrinking is not supported.
func (img *Image) Resize(size uint64) error {
	if img.view != snapdiff.NoSnap {
		return ErrSnapshotView
	}
	st := img.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if size < st.meta.Size {
		return errors.Wrapf(ErrShrinkUnsupported, "%d < %d", size, st.meta.Size)
	}
	if size == st.meta.Size {
		return nil
	}

	head, err := st.loadMap(snapdiff.NoSnap)
	if err != nil {
		return err
	}
	head = head.Clone()
	head.Resize(st.meta.Layout.ObjectCount(size))

	meta := st.meta
	meta.Size = size

	b := st.s.db.NewBatch()
	_ = b.Set(imageKey(st.id), encodeImageMeta(&meta), nil)
	_ = b.Set(mapKey(st.id, snapdiff.NoSnap), encodeObjectMap(head), nil)
	if err := st.s.db.Apply(b, &writeOptions); err != nil {
		return err
	}
	st.meta = meta
	st.s.maps.Add(mapRef{st.id, snapdiff.NoSnap}, head)
	return nil
}

// freezeLocked turns the head clone into a frozen generation when
// snapshots were committed since the history's last mutation. The new
// frozen clone starts out fully shared with the fresh head; writes
// then erode that overlap.
func (st *imageState) freezeLocked(h *objectHistory) {
	prevSeq := h.seq
	h.seq = st.meta.Seq
	n := len(h.clones)
	if n == 0 || h.clones[n-1].CloneID != snapdiff.NoSnap {
		return
	}
	var snaps []snapdiff.SnapID
	for _, sm := range st.snaps {
		if sm.ID > prevSeq {
			snaps = append(snaps, sm.ID)
		}
	}
	if len(snaps) == 0 {
		return
	}
	head := &h.clones[n-1]
	head.CloneID = snaps[len(snaps)-1]
	head.Snaps = snaps
	head.Overlap.Insert(0, head.Size)
	h.clones = append(h.clones, snapdiff.CloneInfo{
		CloneID: snapdiff.NoSnap,
		Size:    head.Size,
	})
}

func (st *imageState) loadMap(snap snapdiff.SnapID) (*bitmap.Bit2Vector, error) {
	ref := mapRef{st.id, snap}
	if m, ok := st.s.maps.Get(ref); ok {
		return m, nil
	}
	val, closer, err := st.s.db.Get(mapKey(st.id, snap))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrapf(snapdiff.ErrObjectMapInvalid,
			"no object map for snap %d", snap)
	}
	if err != nil {
		return nil, err
	}
	m, err := decodeObjectMap(val)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}
	st.s.maps.Add(ref, m)
	return m, nil
}

func (st *imageState) loadHistory(objectNo uint64) (*objectHistory, error) {
	val, closer, err := st.s.db.Get(objKey(st.id, objectNo))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h, err := decodeHistory(val)
	_ = closer.Close()
	return h, err
}
