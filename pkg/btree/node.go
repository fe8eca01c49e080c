// Package btree implements the per-column B+Tree index: front-coded leaf
// keys, latch-crabbing descent, and split/merge at the configured fill
// threshold (spec.md §4.4).
package btree

import "github.com/nqdb/nqdb/pkg/page"

const (
	// Order bounds the number of children an internal node may have.
	Order = 128

	// LeafCapacity bounds the number of entries a leaf node may hold.
	LeafCapacity = 256

	// MinInternalKeys is the underflow threshold for internal nodes.
	MinInternalKeys = (Order - 1) / 2

	// MinLeafKeys is the underflow threshold for leaf nodes (spec.md
	// targets ~40% utilization before a merge is attempted).
	MinLeafKeys = LeafCapacity * 2 / 5

	// InvalidPageID marks the absence of a child/sibling pointer.
	InvalidPageID page.ID = 0
)

// Entry is a leaf value: the row identifier an index key maps to.
type Entry struct {
	RowID uint64
}

// Node is an in-memory, decoded B+Tree node. Leaf keys are stored already
// expanded (not front-coded); front-coding is applied only in the on-disk
// serialization (serialize.go), so in-memory code never has to special-case
// compressed prefixes.
type Node struct {
	PageID page.ID
	IsLeaf bool

	Keys     [][]byte
	Children []page.ID // internal nodes: len(Children) == len(Keys)+1
	Values   []Entry   // leaf nodes: len(Values) == len(Keys)

	Next page.ID // leaf sibling chain, for range scans
	Prev page.ID
}

func newLeaf(id page.ID) *Node {
	return &Node{PageID: id, IsLeaf: true, Next: InvalidPageID, Prev: InvalidPageID}
}

func newInternal(id page.ID) *Node {
	return &Node{PageID: id, IsLeaf: false, Next: InvalidPageID, Prev: InvalidPageID}
}

func (n *Node) isFull() bool {
	if n.IsLeaf {
		return len(n.Keys) >= LeafCapacity
	}
	return len(n.Keys) >= Order-1
}

func (n *Node) isUnderflow() bool {
	if n.IsLeaf {
		return len(n.Keys) < MinLeafKeys
	}
	return len(n.Keys) < MinInternalKeys
}

func (n *Node) canLend() bool {
	if n.IsLeaf {
		return len(n.Keys) > MinLeafKeys
	}
	return len(n.Keys) > MinInternalKeys
}

// findKeyIndex returns the insertion point for key and whether it is
// already present, via binary search over sorted Keys.
func (n *Node) findKeyIndex(key []byte) (int, bool) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := compareKeys(n.Keys[mid], key)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// childForKey returns the child page that should contain key. Only valid
// for internal nodes.
func (n *Node) childForKey(key []byte) page.ID {
	if n.IsLeaf || len(n.Children) == 0 {
		return InvalidPageID
	}
	idx, found := n.findKeyIndex(key)
	if found {
		idx++
	}
	if idx < len(n.Children) {
		return n.Children[idx]
	}
	return n.Children[len(n.Children)-1]
}

func (n *Node) insertLeafAt(idx int, key []byte, e Entry) {
	k := append([]byte(nil), key...)
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[idx+1:], n.Keys[idx:])
	n.Keys[idx] = k

	n.Values = append(n.Values, Entry{})
	copy(n.Values[idx+1:], n.Values[idx:])
	n.Values[idx] = e
}

func (n *Node) removeLeafAt(idx int) (key []byte, e Entry) {
	key = n.Keys[idx]
	e = n.Values[idx]
	n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
	n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
	return key, e
}

func (n *Node) insertInternalAt(idx int, key []byte, rightChild page.ID) {
	k := append([]byte(nil), key...)
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[idx+1:], n.Keys[idx:])
	n.Keys[idx] = k

	n.Children = append(n.Children, InvalidPageID)
	copy(n.Children[idx+2:], n.Children[idx+1:])
	n.Children[idx+1] = rightChild
}

func (n *Node) removeInternalAt(idx int) {
	n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
	n.Children = append(n.Children[:idx+1], n.Children[idx+2:]...)
}

func compareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
