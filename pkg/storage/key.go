package storage

import (
	"encoding/binary"
	"math"

	"github.com/nqdb/nqdb/pkg/types"
)

// encodeIndexKey produces an order-preserving byte encoding of v, suitable
// as a pkg/btree key. Integers and floats are bias-shifted so unsigned
// byte comparison matches numeric ordering; text/bytes/UUID compare
// lexicographically already. A leading kind tag keeps keys of different
// kinds from colliding even though nqdb never indexes a mixed-kind column.
func encodeIndexKey(v types.Value) []byte {
	switch v.Kind {
	case types.KindBool:
		if v.Bool() {
			return []byte{byte(types.KindBool), 1}
		}
		return []byte{byte(types.KindBool), 0}
	case types.KindInteger:
		buf := make([]byte, 9)
		buf[0] = byte(types.KindInteger)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int())^(1<<63))
		return buf
	case types.KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(types.KindFloat)
		bits := math.Float64bits(v.Float())
		if v.Float() >= 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		binary.BigEndian.PutUint64(buf[1:], bits)
		return buf
	case types.KindText:
		return append([]byte{byte(types.KindText)}, []byte(v.Text())...)
	case types.KindBytes:
		return append([]byte{byte(types.KindBytes)}, v.Bytes()...)
	case types.KindTimestamp:
		buf := make([]byte, 9)
		buf[0] = byte(types.KindTimestamp)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Timestamp().UnixNano())^(1<<63))
		return buf
	case types.KindUUID:
		id := v.UUID()
		return append([]byte{byte(types.KindUUID)}, id[:]...)
	default:
		return []byte{byte(types.KindNull)}
	}
}
