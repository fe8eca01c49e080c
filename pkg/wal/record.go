// Package wal implements the write-ahead log: segmented append-only files,
// fsync policy, checkpoints and ARIES-style crash recovery (spec.md §4.3).
package wal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/nqdb/nqdb/pkg/errs"
)

// Kind tags a WAL record's variant.
type Kind uint8

const (
	KindBegin Kind = iota + 1
	KindOp
	KindCommit
	KindAbort
	KindCheckpoint
	// KindCLR is a compensation log record written during the ARIES Undo
	// phase: it carries the LSN of the operation it compensates and the
	// LSN recovery should resume undoing from next for the same
	// transaction, so a crash during recovery itself does not re-undo
	// already-compensated work (spec.md §4.3 Undo; glossary: CLR).
	KindCLR
)

// Record is one WAL entry. On the wire:
//
//	len:u32 BE || crc32:u32 BE || lsn:u64 BE || tx_id:16 || kind_tag:u8 || payload
//
// crc32 covers lsn..end-of-payload (spec.md §6).
type Record struct {
	LSN     uint64
	TxID    uuid.UUID
	Kind    Kind
	Payload []byte
}

// Encode serializes a record to its on-wire form.
func (r Record) Encode() []byte {
	body := make([]byte, 0, 8+16+1+len(r.Payload))
	var lsnBuf [8]byte
	binary.BigEndian.PutUint64(lsnBuf[:], r.LSN)
	body = append(body, lsnBuf[:]...)
	body = append(body, r.TxID[:]...)
	body = append(body, byte(r.Kind))
	body = append(body, r.Payload...)

	crc := crc32.ChecksumIEEE(body)

	out := make([]byte, 0, 4+4+len(body))
	var lenBuf, crcBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(body)))
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, lenBuf[:]...)
	out = append(out, crcBuf[:]...)
	out = append(out, body...)
	return out
}

// ReadRecord reads one record from r. io.EOF (or io.ErrUnexpectedEOF from a
// truncated trailing record) is returned unwrapped so callers can treat the
// tail of a crashed WAL as "end of valid log" rather than a hard failure.
func ReadRecord(r io.Reader) (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4+8+16+1 {
		return nil, io.ErrUnexpectedEOF
	}
	rest := make([]byte, n)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	crc := binary.BigEndian.Uint32(rest[:4])
	body := rest[4:]
	if crc32.ChecksumIEEE(body) != crc {
		return nil, errs.New(errs.KindCorruptData, "CorruptWALRecord", "wal record checksum mismatch")
	}
	rec := &Record{
		LSN:  binary.BigEndian.Uint64(body[0:8]),
		Kind: Kind(body[24]),
	}
	copy(rec.TxID[:], body[8:24])
	if len(body) > 25 {
		rec.Payload = append([]byte(nil), body[25:]...)
	}
	return rec, nil
}

// ReadAll decodes every complete record from r, stopping silently at the
// first truncated or missing record (an expected artifact of a crash mid
// append).
func ReadAll(r io.Reader) ([]*Record, error) {
	var out []*Record
	for {
		rec, err := ReadRecord(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}

// DecodeAll is a convenience wrapper over a byte slice.
func DecodeAll(data []byte) ([]*Record, error) {
	return ReadAll(bytes.NewReader(data))
}
