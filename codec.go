package dasdb

import "encoding/binary"

// Scalar is the set of key and value domains a store can hold.
type Scalar interface {
	uint64 | string
}

// Domain tags persisted in a region's record. A fresh region is unbound (0)
// until the first typed attach.
const (
	kindUint64 uint8 = 1
	kindString uint8 = 2
)

func kindOf[T Scalar]() uint8 {
	var z T
	if _, ok := any(z).(uint64); ok {
		return kindUint64
	}
	return kindString
}

func kindName(k uint8) string {
	switch k {
	case kindUint64:
		return "uint64"
	case kindString:
		return "string"
	default:
		return "unbound"
	}
}

func kindPair(kk, vk uint8) uint16 {
	return uint16(kk)<<8 | uint16(vk)
}

func kindPairName(p uint16) string {
	return kindName(uint8(p>>8)) + "/" + kindName(uint8(p))
}

// encodeScalar produces the on-file byte form of a key or value. uint64
// encodes big-endian so that byte order equals numeric order; strings are
// their raw bytes.
func encodeScalar[T Scalar](v T) []byte {
	switch x := any(v).(type) {
	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], x)
		return b[:]
	case string:
		return []byte(x)
	}
	panic("unreachable")
}

func decodeScalar[T Scalar](b []byte) T {
	var z T
	if _, ok := any(z).(uint64); ok {
		return any(binary.BigEndian.Uint64(b)).(T)
	}
	return any(string(b)).(T)
}

// prefixBytes maps a domain-level prefix to its encoded byte prefix. For
// strings it is the leading bytes of the key; for uint64 keys the convention
// is the shared high 32 bits, i.e. the first 4 bytes of the big-endian
// encoding.
func prefixBytes[T Scalar](p T) []byte {
	switch x := any(p).(type) {
	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], x)
		return b[:4]
	case string:
		return []byte(x)
	}
	panic("unreachable")
}
