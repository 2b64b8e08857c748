package store

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/volstore/snapdiff"
)

// Key layout: a 1-byte literal, then big-endian fixed-width components.
//
//	'N' name           -> image id (name index)
//	'I' id             -> image meta record
//	'S' id snap        -> snapshot meta record
//	'M' id snap        -> object map blob (snap NoSnap is the head map)
//	'O' id objectNo    -> object clone history record
const (
	litName  = 'N'
	litImage = 'I'
	litSnap  = 'S'
	litMap   = 'M'
	litObj   = 'O'
)

func nameKey(name string) []byte {
	return append([]byte{litName}, name...)
}

func imageKey(id uuid.UUID) []byte {
	return append([]byte{litImage}, id[:]...)
}

func snapKey(id uuid.UUID, snap snapdiff.SnapID) []byte {
	key := append([]byte{litSnap}, id[:]...)
	return binary.BigEndian.AppendUint64(key, uint64(snap))
}

func mapKey(id uuid.UUID, snap snapdiff.SnapID) []byte {
	key := append([]byte{litMap}, id[:]...)
	return binary.BigEndian.AppendUint64(key, uint64(snap))
}

func objKey(id uuid.UUID, objectNo uint64) []byte {
	key := append([]byte{litObj}, id[:]...)
	return binary.BigEndian.AppendUint64(key, objectNo)
}

func snapKeyID(key []byte) snapdiff.SnapID {
	return snapdiff.SnapID(binary.BigEndian.Uint64(key[1+16:]))
}
