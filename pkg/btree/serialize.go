package btree

import (
	"encoding/binary"

	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/page"
)

// Wire layout (spec.md §4.4: "leaf keys stored front-coded / prefix
// compressed"):
//
//	header:  isLeaf:u8 | keyCount:u16 | next:u64 | prev:u64            (19B)
//	leaf key i:   sharedLen:u16 | suffixLen:u16 | suffix | rowID:u64
//	internal key i: keyLen:u16 | key
//	internal children: (keyCount+1) * pageID:u64
//
// Front-coding is applied relative to the immediately preceding key in the
// same node, so a leaf of mostly-similar keys (e.g. a monotonically
// increasing index) serializes to a fraction of its expanded size.
const headerSize = 1 + 2 + 8 + 8

// encode serializes n to a page payload. Returns errs.CapacityExceeded if
// the node does not fit within one page.
func (n *Node) encode() ([]byte, error) {
	size := headerSize
	if n.IsLeaf {
		prev := []byte(nil)
		for _, k := range n.Keys {
			shared := sharedPrefixLen(prev, k)
			size += 2 + 2 + (len(k) - shared) + 8
			prev = k
		}
	} else {
		for _, k := range n.Keys {
			size += 2 + len(k)
		}
		size += len(n.Children) * 8
	}
	if size > page.MaxPayload {
		return nil, errs.CapacityExceeded("btree node exceeds page payload")
	}

	buf := make([]byte, 0, size)
	if n.IsLeaf {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU16(buf, uint16(len(n.Keys)))
	buf = appendU64(buf, uint64(n.Next))
	buf = appendU64(buf, uint64(n.Prev))

	if n.IsLeaf {
		var prev []byte
		for i, k := range n.Keys {
			shared := sharedPrefixLen(prev, k)
			suffix := k[shared:]
			buf = appendU16(buf, uint16(shared))
			buf = appendU16(buf, uint16(len(suffix)))
			buf = append(buf, suffix...)
			buf = appendU64(buf, n.Values[i].RowID)
			prev = k
		}
	} else {
		for _, k := range n.Keys {
			buf = appendU16(buf, uint16(len(k)))
			buf = append(buf, k...)
		}
		for _, c := range n.Children {
			buf = appendU64(buf, uint64(c))
		}
	}
	return buf, nil
}

// decode parses a node previously produced by encode.
func decode(id page.ID, payload []byte) (*Node, error) {
	if len(payload) < headerSize {
		return nil, errs.Corruption(uint64(id))
	}
	off := 0
	isLeaf := payload[off] == 1
	off++
	keyCount := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	next := page.ID(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8
	prev := page.ID(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8

	n := &Node{PageID: id, IsLeaf: isLeaf, Next: next, Prev: prev}

	if isLeaf {
		n.Keys = make([][]byte, keyCount)
		n.Values = make([]Entry, keyCount)
		var prevKey []byte
		for i := 0; i < keyCount; i++ {
			if off+4 > len(payload) {
				return nil, errs.Corruption(uint64(id))
			}
			shared := int(binary.BigEndian.Uint16(payload[off : off+2]))
			off += 2
			suffixLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
			off += 2
			if shared > len(prevKey) || off+suffixLen+8 > len(payload) {
				return nil, errs.Corruption(uint64(id))
			}
			key := make([]byte, shared+suffixLen)
			copy(key, prevKey[:shared])
			copy(key[shared:], payload[off:off+suffixLen])
			off += suffixLen
			rowID := binary.BigEndian.Uint64(payload[off : off+8])
			off += 8

			n.Keys[i] = key
			n.Values[i] = Entry{RowID: rowID}
			prevKey = key
		}
	} else {
		n.Keys = make([][]byte, keyCount)
		for i := 0; i < keyCount; i++ {
			if off+2 > len(payload) {
				return nil, errs.Corruption(uint64(id))
			}
			klen := int(binary.BigEndian.Uint16(payload[off : off+2]))
			off += 2
			if off+klen > len(payload) {
				return nil, errs.Corruption(uint64(id))
			}
			key := make([]byte, klen)
			copy(key, payload[off:off+klen])
			off += klen
			n.Keys[i] = key
		}
		childCount := keyCount + 1
		if keyCount == 0 {
			childCount = 0
		}
		n.Children = make([]page.ID, childCount)
		for i := 0; i < childCount; i++ {
			if off+8 > len(payload) {
				return nil, errs.Corruption(uint64(id))
			}
			n.Children[i] = page.ID(binary.BigEndian.Uint64(payload[off : off+8]))
			off += 8
		}
	}
	return n, nil
}

func sharedPrefixLen(a, b []byte) int {
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

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// compressedSize is the size encode() would produce; exposed for tests that
// assert the front-coding compression ratio (spec.md §8).
func (n *Node) compressedSize() int {
	b, err := n.encode()
	if err != nil {
		return -1
	}
	return len(b)
}

// expandedSize is the size the node would take with keys stored in full,
// uncompressed, for comparison in compression-ratio tests.
func (n *Node) expandedSize() int {
	size := headerSize
	if n.IsLeaf {
		for _, k := range n.Keys {
			size += 2 + 2 + len(k) + 8
		}
	} else {
		for _, k := range n.Keys {
			size += 2 + len(k)
		}
		size += len(n.Children) * 8
	}
	return size
}
