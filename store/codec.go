package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"
	"github.com/volstore/snapdiff"
	"github.com/volstore/snapdiff/bitmap"
	"github.com/volstore/snapdiff/striper"
)

// Record values are TLV: a record per field, fixed-width big-endian
// integers. Object map blobs carry an xxhash of the raw map bytes; a
// mismatch on load surfaces as an invalid object map, never as silent
// bad data.

var ErrBadRecord = errors.New("store: malformed record")

func u64be(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func unu64(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, errors.Wrap(ErrBadRecord, "bad uint64 field")
	}
	return binary.BigEndian.Uint64(body), nil
}

// hasRecord peeks whether the next record carries the lit; toytlv
// may flip the case bit to signal the length width.
func hasRecord(lit byte, data []byte) bool {
	return len(data) > 0 && data[0]|0x20 == lit|0x20
}

func takeU64(lit byte, data []byte) (v uint64, rest []byte, err error) {
	body, rest, err := toytlv.TakeWary(lit, data)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrBadRecord, "missing %c field", lit)
	}
	v, err = unu64(body)
	return v, rest, err
}

func encodeImageMeta(m *imageMeta) []byte {
	body := toyqueue.Records{
		toytlv.Record('N', []byte(m.Name)),
		toytlv.Record('Z', u64be(m.Size)),
		toytlv.Record('L',
			u64be(m.Layout.ObjectSize),
			u64be(m.Layout.StripeUnit),
			u64be(m.Layout.StripeCount)),
		toytlv.Record('F', u64be(uint64(m.Features))),
		toytlv.Record('G', u64be(uint64(m.Flags))),
		toytlv.Record('Q', u64be(uint64(m.Seq))),
	}
	if m.Parent != uuid.Nil {
		body = append(body, toytlv.Record('P',
			m.Parent[:],
			u64be(uint64(m.ParentSnap)),
			u64be(m.ParentOverlap)))
	}
	return toytlv.Record(litImage, toytlv.Concat(body...))
}

func decodeImageMeta(data []byte) (m imageMeta, err error) {
	body, _, err := toytlv.TakeWary(litImage, data)
	if err != nil {
		return m, errors.Wrap(ErrBadRecord, "image meta")
	}
	name, body, err := toytlv.TakeWary('N', body)
	if err != nil {
		return m, errors.Wrap(ErrBadRecord, "image meta name")
	}
	m.Name = string(name)
	size, body, err := takeU64('Z', body)
	if err != nil {
		return m, err
	}
	m.Size = size
	lay, body, err := toytlv.TakeWary('L', body)
	if err != nil || len(lay) != 24 {
		return m, errors.Wrap(ErrBadRecord, "image meta layout")
	}
	m.Layout = striper.Layout{
		ObjectSize:  binary.BigEndian.Uint64(lay[0:8]),
		StripeUnit:  binary.BigEndian.Uint64(lay[8:16]),
		StripeCount: binary.BigEndian.Uint64(lay[16:24]),
	}
	feat, body, err := takeU64('F', body)
	if err != nil {
		return m, err
	}
	m.Features = snapdiff.Features(feat)
	flags, body, err := takeU64('G', body)
	if err != nil {
		return m, err
	}
	m.Flags = snapdiff.Flags(flags)
	seq, body, err := takeU64('Q', body)
	if err != nil {
		return m, err
	}
	m.Seq = snapdiff.SnapID(seq)
	if hasRecord('P', body) {
		par, _, err := toytlv.TakeWary('P', body)
		if err != nil || len(par) != 32 {
			return m, errors.Wrap(ErrBadRecord, "image meta parent")
		}
		copy(m.Parent[:], par[:16])
		m.ParentSnap = snapdiff.SnapID(binary.BigEndian.Uint64(par[16:24]))
		m.ParentOverlap = binary.BigEndian.Uint64(par[24:32])
	}
	return m, nil
}

func encodeSnapMeta(s *snapMeta) []byte {
	return toytlv.Record(litSnap, toytlv.Concat(
		toytlv.Record('Q', u64be(uint64(s.ID))),
		toytlv.Record('N', []byte(s.Name)),
		toytlv.Record('Z', u64be(s.Size)),
		toytlv.Record('G', u64be(uint64(s.Flags))),
	))
}

func decodeSnapMeta(data []byte) (s snapMeta, err error) {
	body, _, err := toytlv.TakeWary(litSnap, data)
	if err != nil {
		return s, errors.Wrap(ErrBadRecord, "snap meta")
	}
	id, body, err := takeU64('Q', body)
	if err != nil {
		return s, err
	}
	s.ID = snapdiff.SnapID(id)
	name, body, err := toytlv.TakeWary('N', body)
	if err != nil {
		return s, errors.Wrap(ErrBadRecord, "snap meta name")
	}
	s.Name = string(name)
	size, body, err := takeU64('Z', body)
	if err != nil {
		return s, err
	}
	s.Size = size
	flags, _, err := takeU64('G', body)
	if err != nil {
		return s, err
	}
	s.Flags = snapdiff.Flags(flags)
	return s, nil
}

// objectHistory is one object's clone chain as persisted: frozen
// clones in ascending CloneID order, the head clone (if the object
// currently exists) last, plus the snapshot sequence observed at the
// last mutation.
type objectHistory struct {
	seq    snapdiff.SnapID
	clones []snapdiff.CloneInfo
}

func encodeHistory(h *objectHistory) []byte {
	body := toyqueue.Records{toytlv.Record('Q', u64be(uint64(h.seq)))}
	for i := range h.clones {
		c := &h.clones[i]
		rec := toyqueue.Records{
			toytlv.Record('I', u64be(uint64(c.CloneID))),
			toytlv.Record('Z', u64be(c.Size)),
		}
		if len(c.Snaps) > 0 {
			snaps := make([]byte, 0, 8*len(c.Snaps))
			for _, id := range c.Snaps {
				snaps = binary.BigEndian.AppendUint64(snaps, uint64(id))
			}
			rec = append(rec, toytlv.Record('S', snaps))
		}
		if !c.Overlap.Empty() {
			var spans []byte
			for start, length := range c.Overlap.All() {
				spans = binary.BigEndian.AppendUint64(spans, start)
				spans = binary.BigEndian.AppendUint64(spans, length)
			}
			rec = append(rec, toytlv.Record('V', spans))
		}
		body = append(body, toytlv.Record('C', toytlv.Concat(rec...)))
	}
	return toytlv.Record(litObj, toytlv.Concat(body...))
}

func decodeHistory(data []byte) (*objectHistory, error) {
	body, _, err := toytlv.TakeWary(litObj, data)
	if err != nil {
		return nil, errors.Wrap(ErrBadRecord, "clone history")
	}
	seq, body, err := takeU64('Q', body)
	if err != nil {
		return nil, err
	}
	h := &objectHistory{seq: snapdiff.SnapID(seq)}
	for len(body) > 0 {
		cbody, rest, err := toytlv.TakeWary('C', body)
		if err != nil {
			return nil, errors.Wrap(ErrBadRecord, "clone record")
		}
		body = rest

		var c snapdiff.CloneInfo
		id, cbody, err := takeU64('I', cbody)
		if err != nil {
			return nil, err
		}
		c.CloneID = snapdiff.SnapID(id)
		size, cbody, err := takeU64('Z', cbody)
		if err != nil {
			return nil, err
		}
		c.Size = size
		if hasRecord('S', cbody) {
			snaps, rest, err := toytlv.TakeWary('S', cbody)
			if err != nil || len(snaps)%8 != 0 {
				return nil, errors.Wrap(ErrBadRecord, "clone snaps")
			}
			cbody = rest
			for i := 0; i < len(snaps); i += 8 {
				c.Snaps = append(c.Snaps,
					snapdiff.SnapID(binary.BigEndian.Uint64(snaps[i:i+8])))
			}
		}
		if hasRecord('V', cbody) {
			spans, _, err := toytlv.TakeWary('V', cbody)
			if err != nil || len(spans)%16 != 0 {
				return nil, errors.Wrap(ErrBadRecord, "clone overlap")
			}
			for i := 0; i < len(spans); i += 16 {
				c.Overlap.Insert(
					binary.BigEndian.Uint64(spans[i:i+8]),
					binary.BigEndian.Uint64(spans[i+8:i+16]))
			}
		}
		h.clones = append(h.clones, c)
	}
	return h, nil
}

func encodeObjectMap(m *bitmap.Bit2Vector) []byte {
	data := m.Bytes()
	return toytlv.Record(litMap, toytlv.Concat(
		toytlv.Record('H', u64be(xxhash.Sum64(data))),
		toytlv.Record('L', u64be(m.Len())),
		toytlv.Record('D', data),
	))
}

func decodeObjectMap(data []byte) (*bitmap.Bit2Vector, error) {
	body, _, err := toytlv.TakeWary(litMap, data)
	if err != nil {
		return nil, errors.Wrap(ErrBadRecord, "object map")
	}
	sum, body, err := takeU64('H', body)
	if err != nil {
		return nil, err
	}
	n, body, err := takeU64('L', body)
	if err != nil {
		return nil, err
	}
	raw, _, err := toytlv.TakeWary('D', body)
	if err != nil {
		return nil, errors.Wrap(ErrBadRecord, "object map data")
	}
	if xxhash.Sum64(raw) != sum {
		return nil, errors.Wrap(snapdiff.ErrObjectMapInvalid, "object map checksum mismatch")
	}
	// the input buffer may be owned by the storage layer
	m, err := bitmap.FromBytes(n, append([]byte(nil), raw...))
	if err != nil {
		return nil, errors.Wrap(snapdiff.ErrObjectMapInvalid, err.Error())
	}
	return m, nil
}
