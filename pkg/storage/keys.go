package storage

import "encoding/binary"

// Key schema:
//
//	snap:<8-byte seq>  → JSON engine state
//	head:snap          → seq + save time of the newest snapshot
const (
	prefixSnapshot = "snap:"
	keyHead        = "head:snap"
)

// snapshotKey returns the key for snapshot seq. Big-endian keeps keys in
// sequence order.
func snapshotKey(seq uint64) []byte {
	k := make([]byte, len(prefixSnapshot)+8)
	copy(k, prefixSnapshot)
	binary.BigEndian.PutUint64(k[len(prefixSnapshot):], seq)
	return k
}

func headKey() []byte { return []byte(keyHead) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func decodeSeq(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
