package kvstore

import "encoding/binary"

// Keys encode integers big-endian so that badger's natural byte-order
// iteration gives numeric ordering too, per the persistent state layout
// section of the external interfaces.

// U64Key big-endian encodes a single uint64.
func U64Key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// U64U64Key big-endian encodes two concatenated uint64s, the (devid,
// index) key shape used by the pieces namespace.
func U64U64Key(a, b uint64) []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], a)
	binary.BigEndian.PutUint64(out[8:16], b)
	return out
}

// DecodeU64 decodes a big-endian uint64 key.
func DecodeU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// DecodeU64U64 decodes a (devid, index) key pair.
func DecodeU64U64(b []byte) (uint64, uint64) {
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])
}
