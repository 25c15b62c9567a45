// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base holds the internal key format, comparer, and sequence
// number types shared by every package in the write/compaction pipeline.
package base

import (
	"encoding/binary"
	"fmt"
)

// SeqNum is a 56-bit monotonically increasing counter assigned to each
// mutation. It uniquely identifies a version of a user key.
type SeqNum uint64

// SeqNumMax is the largest representable sequence number.
const SeqNumMax = SeqNum(1<<56 - 1)

// InternalKeyKind enumerates the kind of a mutation.
type InternalKeyKind uint8

const (
	// InternalKeyKindDelete is a tombstone marking a user key deleted.
	InternalKeyKindDelete InternalKeyKind = 0
	// InternalKeyKindSet stores a value for a user key.
	InternalKeyKindSet InternalKeyKind = 1
	// InternalKeyKindInvalid marks a zero-value internal key.
	InternalKeyKindInvalid InternalKeyKind = 2

	// InternalKeyKindMax is a sentinel kind used to build a search key
	// that sorts before any real entry with the same user key, since
	// kind sorts descending within equal (user_key, seqnum).
	InternalKeyKindMax InternalKeyKind = 0xff
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	case InternalKeyKindMax:
		return "MAX"
	default:
		return "INVALID"
	}
}

// trailer packs (seqnum<<8 | kind) the way LevelDB/Pebble do, so that a
// single uint64 comparison orders descending-seqnum, descending-kind.
type trailer uint64

func makeTrailer(seqNum SeqNum, kind InternalKeyKind) trailer {
	return trailer(uint64(seqNum)<<8 | uint64(kind))
}

func (t trailer) seqNum() SeqNum        { return SeqNum(uint64(t) >> 8) }
func (t trailer) kind() InternalKeyKind { return InternalKeyKind(t) }

// InternalKey is (user_key, sequence, kind), ordered ascending by
// user_key, then descending by sequence, then descending by kind.
type InternalKey struct {
	UserKey []byte
	Trailer uint64
}

// MakeInternalKey builds an InternalKey from its three parts.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: uint64(makeTrailer(seqNum, kind)),
	}
}

// SeqNum returns the key's sequence number.
func (k InternalKey) SeqNum() SeqNum { return trailer(k.Trailer).seqNum() }

// Kind returns the key's kind.
func (k InternalKey) Kind() InternalKeyKind { return trailer(k.Trailer).kind() }

// Kind of Value or Tombstone; Visible reports whether the key's kind is a
// live value (as opposed to a tombstone).
func (k InternalKey) Visible() bool { return k.Kind() == InternalKeyKindSet }

// Clone returns a deep copy of the key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return k
	}
	u := make([]byte, len(k.UserKey))
	copy(u, k.UserKey)
	return InternalKey{UserKey: u, Trailer: k.Trailer}
}

// Size returns the encoded size of the key (user key plus 8-byte trailer).
func (k InternalKey) Size() int { return len(k.UserKey) + 8 }

// Encode writes the key into buf, which must be at least k.Size() bytes.
func (k InternalKey) Encode(buf []byte) {
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], k.Trailer)
}

// DecodeInternalKey decodes an internal key previously written by Encode.
func DecodeInternalKey(encoded []byte) InternalKey {
	n := len(encoded) - 8
	if n < 0 {
		return InternalKey{}
	}
	return InternalKey{
		UserKey: encoded[:n:n],
		Trailer: binary.LittleEndian.Uint64(encoded[n:]),
	}
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%d,%s", k.UserKey, k.SeqNum(), k.Kind())
}

// Compare is a total order over byte strings.
type Compare func(a, b []byte) int

// Equal reports whether a and b are equal under cmp.
func Equal(cmp Compare, a, b []byte) bool { return cmp(a, b) == 0 }

// InternalCompare orders internal keys: ascending user key, then
// descending sequence number, then descending kind.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if c := userCmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Trailer > b.Trailer {
		return -1
	}
	if a.Trailer < b.Trailer {
		return 1
	}
	return 0
}

// SharedPrefixLen returns the length of the common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
