// Package storage implements the transactional CRUD/DDL engine: schema
// management, row storage, FK enforcement, ID generation and the row
// cache sitting above pkg/btree/pkg/buffer/pkg/wal (spec.md §4.5).
package storage

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/snappy"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/types"
)

// encodeRow serializes a Row to a compact binary form and snappy-compresses
// it before it is written to a page payload (spec.md domain stack: row
// payloads are compressed to reduce page churn for wide rows).
func encodeRow(row *types.Row, schema *types.TableSchema) []byte {
	raw := make([]byte, 0, 128)
	raw = appendU64(raw, uint64(row.ID))
	raw = appendI64(raw, row.CreatedAt.UnixNano())
	raw = appendI64(raw, row.UpdatedAt.UnixNano())
	raw = appendU16(raw, uint16(len(schema.Columns)))
	for _, col := range schema.Columns {
		v, ok := row.Fields[col.Name]
		if !ok {
			v = types.NullValue()
		}
		raw = appendValue(raw, v)
	}
	return snappy.Encode(nil, raw)
}

func decodeRow(compressed []byte, schema *types.TableSchema) (*types.Row, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorruptData, "CorruptRow", "snappy decode failed", err)
	}
	off := 0
	readU64 := func() (uint64, error) {
		if off+8 > len(raw) {
			return 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated row")
		}
		v := binary.BigEndian.Uint64(raw[off : off+8])
		off += 8
		return v, nil
	}
	readI64 := func() (int64, error) {
		v, err := readU64()
		return int64(v), err
	}

	rowID, err := readU64()
	if err != nil {
		return nil, err
	}
	createdNano, err := readI64()
	if err != nil {
		return nil, err
	}
	updatedNano, err := readI64()
	if err != nil {
		return nil, err
	}
	if off+2 > len(raw) {
		return nil, errs.New(errs.KindCorruptData, "CorruptRow", "truncated row")
	}
	colCount := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2

	row := &types.Row{
		ID:        types.RowID(rowID),
		Fields:    make(map[string]types.Value, colCount),
		CreatedAt: time.Unix(0, createdNano).UTC(),
		UpdatedAt: time.Unix(0, updatedNano).UTC(),
	}
	for i := 0; i < colCount && i < len(schema.Columns); i++ {
		v, n, err := decodeValue(raw[off:])
		if err != nil {
			return nil, err
		}
		off += n
		row.Fields[schema.Columns[i].Name] = v
	}
	return row, nil
}

func appendValue(buf []byte, v types.Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case types.KindNull:
	case types.KindBool:
		if v.Bool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case types.KindInteger:
		buf = appendI64(buf, v.Int())
	case types.KindFloat:
		bits := floatBits(v.Float())
		buf = appendU64(buf, bits)
	case types.KindText:
		buf = appendBytes(buf, []byte(v.Text()))
	case types.KindBytes:
		buf = appendBytes(buf, v.Bytes())
	case types.KindTimestamp:
		buf = appendI64(buf, v.Timestamp().UnixNano())
	case types.KindUUID:
		id := v.UUID()
		buf = append(buf, id[:]...)
	}
	return buf
}

func decodeValue(buf []byte) (types.Value, int, error) {
	if len(buf) < 1 {
		return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated value")
	}
	kind := types.ValueKind(buf[0])
	off := 1
	switch kind {
	case types.KindNull:
		return types.NullValue(), off, nil
	case types.KindBool:
		if off >= len(buf) {
			return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated bool")
		}
		return types.BoolValue(buf[off] == 1), off + 1, nil
	case types.KindInteger:
		if off+8 > len(buf) {
			return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated int")
		}
		return types.IntValue(int64(binary.BigEndian.Uint64(buf[off : off+8]))), off + 8, nil
	case types.KindFloat:
		if off+8 > len(buf) {
			return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated float")
		}
		bits := binary.BigEndian.Uint64(buf[off : off+8])
		return types.FloatValue(floatFromBits(bits)), off + 8, nil
	case types.KindText:
		s, n, err := decodeBytes(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		return types.TextValue(string(s)), off + n, nil
	case types.KindBytes:
		b, n, err := decodeBytes(buf[off:])
		if err != nil {
			return types.Value{}, 0, err
		}
		return types.BytesValue(b), off + n, nil
	case types.KindTimestamp:
		if off+8 > len(buf) {
			return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated timestamp")
		}
		nanos := int64(binary.BigEndian.Uint64(buf[off : off+8]))
		return types.TimestampValue(time.Unix(0, nanos).UTC()), off + 8, nil
	case types.KindUUID:
		if off+16 > len(buf) {
			return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated uuid")
		}
		var id uuid.UUID
		copy(id[:], buf[off:off+16])
		return types.UUIDValue(id), off + 16, nil
	}
	return types.Value{}, 0, errs.New(errs.KindCorruptData, "CorruptRow", "unknown value kind")
}

func appendBytes(buf, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}

func decodeBytes(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated length")
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	if len(buf) < 4+n {
		return nil, 0, errs.New(errs.KindCorruptData, "CorruptRow", "truncated bytes")
	}
	out := make([]byte, n)
	copy(out, buf[4:4+n])
	return out, 4 + n, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}
