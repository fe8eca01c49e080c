package btree

import (
	"sync"

	"github.com/nqdb/nqdb/pkg/buffer"
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/page"
)

// Tree is a B+Tree index over a single column, backed by the shared buffer
// pool. Each Tree instance owns its own latch manager; callers opening the
// same on-disk index from multiple Tree values would defeat crabbing, so
// the storage engine keeps exactly one Tree per (table, column) live at a
// time.
type Tree struct {
	mu    sync.Mutex // serializes root-pointer changes (new root on split, root collapse on merge)
	root  page.ID
	pool  *buffer.Pool
	latch *latchManager
}

// New creates an empty tree: a single empty leaf as the root.
func New(pool *buffer.Pool) (*Tree, error) {
	t := &Tree{pool: pool, latch: newLatchManager()}
	pg, err := pool.NewPage(page.TypeIndex)
	if err != nil {
		return nil, err
	}
	root := newLeaf(pg.ID())
	if err := t.writeNode(root); err != nil {
		return nil, err
	}
	pool.Unpin(pg.ID(), true)
	t.root = pg.ID()
	return t, nil
}

// Open reconstructs a Tree handle over an existing root page (read at
// startup from persisted index metadata).
func Open(pool *buffer.Pool, root page.ID) *Tree {
	return &Tree{pool: pool, latch: newLatchManager(), root: root}
}

// Root returns the current root page ID, to be persisted by the caller.
func (t *Tree) Root() page.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

func (t *Tree) readNode(id page.ID) (*Node, error) {
	pg, err := t.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	n, err := decode(id, pg.Payload())
	t.pool.Unpin(id, false)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) writeNode(n *Node) error {
	pg, err := t.pool.Fetch(n.PageID)
	if err != nil {
		return err
	}
	data, err := n.encode()
	if err != nil {
		t.pool.Unpin(n.PageID, false)
		return err
	}
	pg.SetPayload(data)
	t.pool.Unpin(n.PageID, true)
	return nil
}

func (t *Tree) allocateNode(isLeaf bool) (*Node, error) {
	pg, err := t.pool.NewPage(page.TypeIndex)
	if err != nil {
		return nil, err
	}
	var n *Node
	if isLeaf {
		n = newLeaf(pg.ID())
	} else {
		n = newInternal(pg.ID())
	}
	t.pool.Unpin(pg.ID(), true)
	return n, nil
}

// Search returns the row ID for key, or errs.KeyNotFound.
func (t *Tree) Search(key []byte) (uint64, error) {
	root := t.Root()
	unlock := t.latch.lockShared(root)
	node, err := t.readNode(root)
	if err != nil {
		unlock()
		return 0, err
	}
	for !node.IsLeaf {
		child := node.childForKey(key)
		if child == InvalidPageID {
			unlock()
			return 0, errs.Corruption(uint64(node.PageID))
		}
		childUnlock := t.latch.lockShared(child)
		unlock()
		unlock = childUnlock
		node, err = t.readNode(child)
		if err != nil {
			unlock()
			return 0, err
		}
	}
	defer unlock()

	idx, found := node.findKeyIndex(key)
	if !found {
		return 0, errs.KeyNotFound(string(key))
	}
	return node.Values[idx].RowID, nil
}

// RangeScan returns entries with keys in [start, end] (nil bound = open
// ended), walking the leaf sibling chain.
func (t *Tree) RangeScan(start, end []byte) ([]Entry, error) {
	root := t.Root()
	unlock := t.latch.lockShared(root)
	node, err := t.readNode(root)
	if err != nil {
		unlock()
		return nil, err
	}
	for !node.IsLeaf {
		var child page.ID
		if start == nil {
			child = node.Children[0]
		} else {
			child = node.childForKey(start)
		}
		childUnlock := t.latch.lockShared(child)
		unlock()
		unlock = childUnlock
		node, err = t.readNode(child)
		if err != nil {
			unlock()
			return nil, err
		}
	}

	var out []Entry
	startIdx := 0
	if start != nil {
		startIdx, _ = node.findKeyIndex(start)
	}
	for node != nil {
		for i := startIdx; i < len(node.Keys); i++ {
			if end != nil && compareKeys(node.Keys[i], end) > 0 {
				unlock()
				return out, nil
			}
			out = append(out, node.Values[i])
		}
		next := node.Next
		unlock()
		if next == InvalidPageID {
			return out, nil
		}
		unlock = t.latch.lockShared(next)
		node, err = t.readNode(next)
		if err != nil {
			unlock()
			return out, err
		}
		startIdx = 0
	}
	return out, nil
}

// First returns the entry with the smallest key, or errs.KeyNotFound if
// empty.
func (t *Tree) First() ([]byte, Entry, error) {
	entries, err := t.leftmostLeaf()
	if err != nil {
		return nil, Entry{}, err
	}
	if len(entries.Keys) == 0 {
		return nil, Entry{}, errs.KeyNotFound("")
	}
	return entries.Keys[0], entries.Values[0], nil
}

func (t *Tree) leftmostLeaf() (*Node, error) {
	root := t.Root()
	node, err := t.readNode(root)
	if err != nil {
		return nil, err
	}
	for !node.IsLeaf {
		if len(node.Children) == 0 {
			return nil, errs.Corruption(uint64(node.PageID))
		}
		node, err = t.readNode(node.Children[0])
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Insert adds key -> rowID. Duplicate keys return errs.DuplicateKey
// (primary/unique indexes; the storage engine is responsible for
// distinguishing unique vs. non-unique columns before calling Insert).
func (t *Tree) Insert(key []byte, rowID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := newCrabbing(t.latch)
	path, err := t.descendForWrite(c, key)
	if err != nil {
		c.releaseAll()
		return err
	}
	defer c.releaseAll()

	leaf := path[len(path)-1]
	idx, found := leaf.findKeyIndex(key)
	if found {
		return errs.DuplicateKey(string(key))
	}
	leaf.insertLeafAt(idx, key, Entry{RowID: rowID})

	if leaf.isFull() {
		return t.splitLeaf(path)
	}
	return t.writeNode(leaf)
}

// descendForWrite walks root-to-leaf acquiring exclusive latches, releasing
// ancestor latches once a node is known not to need splitting/merging
// (i.e. it has spare capacity). The returned path retains latches on every
// node that might still change.
func (t *Tree) descendForWrite(c *crabbing, key []byte) ([]*Node, error) {
	var path []*Node
	id := t.root
	for {
		c.acquire(id)
		node, err := t.readNode(id)
		if err != nil {
			return nil, err
		}
		path = append(path, node)
		// Safe only if one more key still leaves the node below its split
		// threshold (isFull is checked after the insertion).
		limit := Order - 1
		if node.IsLeaf {
			limit = LeafCapacity
		}
		if len(node.Keys)+1 < limit {
			c.releaseAncestors()
		}
		if node.IsLeaf {
			return path, nil
		}
		id = node.childForKey(key)
		if id == InvalidPageID {
			return nil, errs.Corruption(uint64(node.PageID))
		}
	}
}

func (t *Tree) splitLeaf(path []*Node) error {
	leaf := path[len(path)-1]
	newLeaf, err := t.allocateNode(true)
	if err != nil {
		return err
	}

	splitPoint := (len(leaf.Keys) + 1) / 2
	newLeaf.Keys = append([][]byte(nil), leaf.Keys[splitPoint:]...)
	newLeaf.Values = append([]Entry(nil), leaf.Values[splitPoint:]...)
	leaf.Keys = leaf.Keys[:splitPoint]
	leaf.Values = leaf.Values[:splitPoint]

	newLeaf.Next = leaf.Next
	newLeaf.Prev = leaf.PageID
	leaf.Next = newLeaf.PageID
	if newLeaf.Next != InvalidPageID {
		nextNode, err := t.readNode(newLeaf.Next)
		if err == nil {
			nextNode.Prev = newLeaf.PageID
			_ = t.writeNode(nextNode)
		}
	}

	promoted := append([]byte(nil), newLeaf.Keys[0]...)

	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.writeNode(newLeaf); err != nil {
		return err
	}
	return t.insertIntoParent(path[:len(path)-1], leaf.PageID, promoted, newLeaf.PageID)
}

func (t *Tree) insertIntoParent(ancestors []*Node, left page.ID, key []byte, right page.ID) error {
	if len(ancestors) == 0 {
		return t.newRoot(left, key, right)
	}
	parent := ancestors[len(ancestors)-1]
	idx, _ := parent.findKeyIndex(key)
	parent.insertInternalAt(idx, key, right)

	if parent.isFull() {
		return t.splitInternal(ancestors)
	}
	return t.writeNode(parent)
}

func (t *Tree) splitInternal(ancestors []*Node) error {
	node := ancestors[len(ancestors)-1]
	mid := len(node.Keys) / 2
	promoted := append([]byte(nil), node.Keys[mid]...)

	newNode, err := t.allocateNode(false)
	if err != nil {
		return err
	}
	newNode.Keys = append([][]byte(nil), node.Keys[mid+1:]...)
	newNode.Children = append([]page.ID(nil), node.Children[mid+1:]...)
	node.Keys = node.Keys[:mid]
	node.Children = node.Children[:mid+1]

	if err := t.writeNode(node); err != nil {
		return err
	}
	if err := t.writeNode(newNode); err != nil {
		return err
	}
	return t.insertIntoParent(ancestors[:len(ancestors)-1], node.PageID, promoted, newNode.PageID)
}

func (t *Tree) newRoot(left page.ID, key []byte, right page.ID) error {
	newRoot, err := t.allocateNode(false)
	if err != nil {
		return err
	}
	newRoot.Keys = [][]byte{append([]byte(nil), key...)}
	newRoot.Children = []page.ID{left, right}
	if err := t.writeNode(newRoot); err != nil {
		return err
	}
	t.root = newRoot.PageID
	return nil
}

// Delete removes key. Returns errs.KeyNotFound if absent.
func (t *Tree) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := newCrabbing(t.latch)
	path, err := t.descendForDelete(c, key)
	if err != nil {
		c.releaseAll()
		return err
	}
	defer c.releaseAll()

	leaf := path[len(path)-1]
	idx, found := leaf.findKeyIndex(key)
	if !found {
		return errs.KeyNotFound(string(key))
	}
	leaf.removeLeafAt(idx)

	if len(path) == 1 {
		// root is the only node; underflow is allowed
		return t.writeNode(leaf)
	}
	if leaf.isUnderflow() {
		return t.rebalance(path)
	}
	return t.writeNode(leaf)
}

// descendForDelete mirrors descendForWrite but releases ancestors once a
// node has more than the minimum key count (won't need to borrow/merge).
func (t *Tree) descendForDelete(c *crabbing, key []byte) ([]*Node, error) {
	var path []*Node
	id := t.root
	for {
		c.acquire(id)
		node, err := t.readNode(id)
		if err != nil {
			return nil, err
		}
		path = append(path, node)
		if node.canLend() {
			c.releaseAncestors()
		}
		if node.IsLeaf {
			return path, nil
		}
		id = node.childForKey(key)
		if id == InvalidPageID {
			return nil, errs.Corruption(uint64(node.PageID))
		}
	}
}

// rebalance handles underflow at path[len-1] by borrowing from a sibling
// or merging with one, propagating parent key updates upward.
func (t *Tree) rebalance(path []*Node) error {
	node := path[len(path)-1]
	parent := path[len(path)-2]

	childIdx := -1
	for i, c := range parent.Children {
		if c == node.PageID {
			childIdx = i
			break
		}
	}
	if childIdx == -1 {
		return errs.Corruption(uint64(parent.PageID))
	}

	// Try left sibling first.
	if childIdx > 0 {
		left, err := t.readNode(parent.Children[childIdx-1])
		if err == nil && left.canLend() {
			return t.borrowFromLeft(path, parent, left, node, childIdx)
		}
	}
	if childIdx < len(parent.Children)-1 {
		right, err := t.readNode(parent.Children[childIdx+1])
		if err == nil && right.canLend() {
			return t.borrowFromRight(path, parent, node, right, childIdx)
		}
	}
	// No sibling can lend: merge.
	if childIdx > 0 {
		left, err := t.readNode(parent.Children[childIdx-1])
		if err != nil {
			return err
		}
		return t.mergeNodes(path, parent, left, node, childIdx-1)
	}
	right, err := t.readNode(parent.Children[childIdx+1])
	if err != nil {
		return err
	}
	return t.mergeNodes(path, parent, node, right, childIdx)
}

func (t *Tree) borrowFromLeft(path []*Node, parent, left, node *Node, nodeIdx int) error {
	if node.IsLeaf {
		n := len(left.Keys)
		key := append([]byte(nil), left.Keys[n-1]...)
		val := left.Values[n-1]
		left.Keys = left.Keys[:n-1]
		left.Values = left.Values[:n-1]
		node.Keys = append([][]byte{key}, node.Keys...)
		node.Values = append([]Entry{val}, node.Values...)
		parent.Keys[nodeIdx-1] = append([]byte(nil), node.Keys[0]...)
	} else {
		n := len(left.Keys)
		sepKey := append([]byte(nil), parent.Keys[nodeIdx-1]...)
		movedChild := left.Children[n]
		node.Keys = append([][]byte{sepKey}, node.Keys...)
		node.Children = append([]page.ID{movedChild}, node.Children...)
		parent.Keys[nodeIdx-1] = append([]byte(nil), left.Keys[n-1]...)
		left.Keys = left.Keys[:n-1]
		left.Children = left.Children[:n]
	}
	if err := t.writeNode(left); err != nil {
		return err
	}
	if err := t.writeNode(node); err != nil {
		return err
	}
	return t.writeAncestors(path, parent)
}

func (t *Tree) borrowFromRight(path []*Node, parent, node, right *Node, nodeIdx int) error {
	if node.IsLeaf {
		key := append([]byte(nil), right.Keys[0]...)
		val := right.Values[0]
		right.Keys = right.Keys[1:]
		right.Values = right.Values[1:]
		node.Keys = append(node.Keys, key)
		node.Values = append(node.Values, val)
		if len(right.Keys) > 0 {
			parent.Keys[nodeIdx] = append([]byte(nil), right.Keys[0]...)
		}
	} else {
		sepKey := append([]byte(nil), parent.Keys[nodeIdx]...)
		movedChild := right.Children[0]
		node.Keys = append(node.Keys, sepKey)
		node.Children = append(node.Children, movedChild)
		parent.Keys[nodeIdx] = append([]byte(nil), right.Keys[0]...)
		right.Keys = right.Keys[1:]
		right.Children = right.Children[1:]
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	if err := t.writeNode(node); err != nil {
		return err
	}
	return t.writeAncestors(path, parent)
}

func (t *Tree) mergeNodes(path []*Node, parent, left, right *Node, leftIdx int) error {
	if left.IsLeaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		left.Next = right.Next
		if left.Next != InvalidPageID {
			nextNode, err := t.readNode(left.Next)
			if err == nil {
				nextNode.Prev = left.PageID
				_ = t.writeNode(nextNode)
			}
		}
	} else {
		sepKey := append([]byte(nil), parent.Keys[leftIdx]...)
		left.Keys = append(left.Keys, sepKey)
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}
	parent.removeInternalAt(leftIdx)

	if err := t.writeNode(left); err != nil {
		return err
	}

	if len(path) == 2 {
		// parent is the root; collapse it if it's now empty.
		if len(parent.Keys) == 0 {
			t.root = left.PageID
			return nil
		}
		return t.writeNode(parent)
	}

	if parent.isUnderflow() {
		return t.rebalance(path[:len(path)-1])
	}
	return t.writeNode(parent)
}

// writeAncestors persists parent once a borrow has adjusted its separator
// key. Ancestors above parent in path were never mutated by a borrow, so
// nothing further needs writing.
func (t *Tree) writeAncestors(path []*Node, parent *Node) error {
	return t.writeNode(parent)
}
