// block_store.go - the bounded block arena plus its hash table and
// per-page binary trees. Every block "pointer" is a 32-bit slot index
// with a generation counter so eviction never leaves a dangling
// reference; a BlockHandle that outlives its slot's reuse is detected
// by generation mismatch instead of producing a use-after-free.

package main

const (
	defaultBlockCapacity = 4096
	hashBuckets          = 1024
	maxBlockCodeBytes    = 2048
	blockEmitThreshold   = 1760 // terminate emission when a block approaches the 2 KiB buffer
)

// BlockHandle is a stable reference to a code block. Generation is
// bumped every time the slot is reclaimed, so a handle captured before
// an eviction reads as invalid afterward rather than aliasing the next
// occupant.
type BlockHandle struct {
	Slot       int32
	Generation uint32
}

func (h BlockHandle) Valid() bool { return h.Slot >= 0 }

// CodeBlock is immutable after emission.
type CodeBlock struct {
	generation uint32
	inUse      bool

	PhysStart, PhysEnd uint32
	VirtStart          uint32
	Pages              [2]int32  // physical page indices covered, -1 if unused
	PageMasks          [2]uint64 // which 64-byte granules of each page the block occupies

	Use32, Stack32, FPUEntered, MMXEntered, TOSKnown bool

	Code   []byte // emitted host code, or the interpreter-only bytecode
	Cycles int    // accumulated timing-model cost for the whole block

	hashNext int32 // next slot in this hash bucket, -1 if none

	// per-page binary tree links, keyed by PhysStart, one tree per page
	treeLeft, treeRight, treeParent [2]int32

	lruTick uint64 // last-touched counter for LRU eviction
}

// BlockStore is the bounded arena plus its two-stage lookup
// structures: a hash table keyed on low bits of physical start for
// the common case, and one binary tree per physical page (keyed on
// physical start) to disambiguate cross-CS aliasing on a hash miss.
type BlockStore struct {
	blocks     []CodeBlock
	free       []int32
	hashHead   [hashBuckets]int32
	pageTree   []int32 // root slot per physical page, -1 if empty
	tickSource uint64
	totalPages uint32
	arena      *CodeArena // host-executable backing for Backend.Emit output, nil if unavailable
}

// NewBlockStore reserves the arena and, best-effort, a CodeArena sized
// to hold maxBlockCodeBytes per slot. A host that refuses the RWX
// mapping (see code_arena.go) just runs without one: Commit skips the
// copy and InterpBackend never needed it anyway.
func NewBlockStore(capacity int, totalPages uint32) *BlockStore {
	if capacity <= 0 {
		capacity = defaultBlockCapacity
	}
	bs := &BlockStore{
		blocks:     make([]CodeBlock, capacity),
		free:       make([]int32, capacity),
		pageTree:   make([]int32, totalPages),
		totalPages: totalPages,
	}
	for i := range bs.hashHead {
		bs.hashHead[i] = -1
	}
	for i := range bs.pageTree {
		bs.pageTree[i] = -1
	}
	for i := 0; i < capacity; i++ {
		bs.free[i] = int32(capacity - 1 - i)
	}
	if arena, err := NewCodeArena(capacity, maxBlockCodeBytes); err == nil {
		bs.arena = arena
	} else {
		corelog.Warnf("block_store", "host code arena unavailable, running interpreter-only", map[string]any{"error": err.Error()})
	}
	return bs
}

// Close releases the host code arena. Safe on a store with none.
func (bs *BlockStore) Close() error {
	return bs.arena.Close()
}

func hashBucket(physStart uint32) int32 {
	return int32(physStart % hashBuckets)
}

func envKey(use32, stack32, tosKnown bool) uint8 {
	var k uint8
	if use32 {
		k |= 1
	}
	if stack32 {
		k |= 2
	}
	if tosKnown {
		k |= 4
	}
	return k
}

// Lookup is the two-stage dispatch: hash first (exact physical start
// plus environment match within the bucket chain), then the owning
// page's binary tree on a hash miss.
func (bs *BlockStore) Lookup(physStart uint32, use32, stack32, tosKnown bool) (BlockHandle, bool) {
	wantKey := envKey(use32, stack32, tosKnown)
	for idx := bs.hashHead[hashBucket(physStart)]; idx != -1; idx = bs.blocks[idx].hashNext {
		b := &bs.blocks[idx]
		if b.PhysStart == physStart && envKey(b.Use32, b.Stack32, b.TOSKnown) == wantKey {
			return BlockHandle{Slot: idx, Generation: b.generation}, true
		}
	}
	page := physStart >> pageShift
	if int(page) < len(bs.pageTree) {
		if idx, ok := bs.treeFind(page, physStart); ok {
			b := &bs.blocks[idx]
			if envKey(b.Use32, b.Stack32, b.TOSKnown) == wantKey {
				return BlockHandle{Slot: idx, Generation: b.generation}, true
			}
		}
	}
	return BlockHandle{Slot: -1}, false
}

func (bs *BlockStore) treeFind(page uint32, physStart uint32) (int32, bool) {
	idx := bs.pageTree[page]
	for idx != -1 {
		b := &bs.blocks[idx]
		slotOf := treeSlotForPage(b, page)
		switch {
		case physStart == b.PhysStart:
			return idx, true
		case physStart < b.PhysStart:
			idx = b.treeLeft[slotOf]
		default:
			idx = b.treeRight[slotOf]
		}
	}
	return -1, false
}

// treeSlotForPage returns 0 or 1 depending on which of the block's two
// covered pages `page` is, so the same block node can sit in two
// distinct per-page trees with independent left/right/parent links.
func treeSlotForPage(b *CodeBlock, page uint32) int {
	if b.Pages[0] == int32(page) {
		return 0
	}
	return 1
}

func (bs *BlockStore) treeInsert(page uint32, idx int32) {
	newBlock := &bs.blocks[idx]
	slotOf := treeSlotForPage(newBlock, page)
	newBlock.treeLeft[slotOf] = -1
	newBlock.treeRight[slotOf] = -1
	newBlock.treeParent[slotOf] = -1

	root := bs.pageTree[page]
	if root == -1 {
		bs.pageTree[page] = idx
		return
	}
	cur := root
	for {
		curBlock := &bs.blocks[cur]
		curSlot := treeSlotForPage(curBlock, page)
		if newBlock.PhysStart < curBlock.PhysStart {
			if curBlock.treeLeft[curSlot] == -1 {
				curBlock.treeLeft[curSlot] = idx
				newBlock.treeParent[slotOf] = cur
				return
			}
			cur = curBlock.treeLeft[curSlot]
		} else {
			if curBlock.treeRight[curSlot] == -1 {
				curBlock.treeRight[curSlot] = idx
				newBlock.treeParent[slotOf] = cur
				return
			}
			cur = curBlock.treeRight[curSlot]
		}
	}
}

// removeFromTree performs a textbook BST deletion (find the in-order
// successor for the two-child case) rather than the original's
// fragile parent-pointer patch-up some emulators use, as the deletion
// notes suggest.
func (bs *BlockStore) removeFromTree(page uint32, idx int32) {
	root := bs.pageTree[page]
	bs.pageTree[page] = bs.bstRemove(page, root, idx)
}

func (bs *BlockStore) bstRemove(page uint32, root, target int32) int32 {
	if root == -1 {
		return -1
	}
	rb := &bs.blocks[root]
	rSlot := treeSlotForPage(rb, page)
	switch {
	case bs.blocks[target].PhysStart < rb.PhysStart:
		rb.treeLeft[rSlot] = bs.bstRemove(page, rb.treeLeft[rSlot], target)
		return root
	case bs.blocks[target].PhysStart > rb.PhysStart:
		rb.treeRight[rSlot] = bs.bstRemove(page, rb.treeRight[rSlot], target)
		return root
	case root != target:
		// Equal keys but not the same node cannot happen: PhysStart is
		// unique per page (two blocks cannot both start at the same
		// physical address on the same page).
		return root
	}

	left, right := rb.treeLeft[rSlot], rb.treeRight[rSlot]
	if left == -1 {
		return right
	}
	if right == -1 {
		return left
	}
	// Two children: splice in the in-order successor (leftmost node of
	// the right subtree) and delete it from the right subtree.
	succ := right
	for bs.blocks[succ].treeLeft[treeSlotForPage(&bs.blocks[succ], page)] != -1 {
		succ = bs.blocks[succ].treeLeft[treeSlotForPage(&bs.blocks[succ], page)]
	}
	right = bs.bstRemove(page, right, succ)
	// Since PhysStart is immutable on a CodeBlock, the successor is
	// relinked into root's position directly instead of copying its
	// key into root.
	succSlot := treeSlotForPage(&bs.blocks[succ], page)
	bs.blocks[succ].treeLeft[succSlot] = left
	bs.blocks[succ].treeRight[succSlot] = right
	return succ
}

// Allocate reserves a slot for a new block, evicting the
// least-recently-touched occupied slot if the arena is full").
func (bs *BlockStore) Allocate() int32 {
	if len(bs.free) == 0 {
		victim := bs.findLRU()
		bs.evictSlot(victim)
		corelog.Warnf("block_store", "arena exhausted, evicted LRU block", map[string]any{"slot": victim})
		bs.free = append(bs.free, victim)
	}
	idx := bs.free[len(bs.free)-1]
	bs.free = bs.free[:len(bs.free)-1]
	return idx
}

func (bs *BlockStore) findLRU() int32 {
	best := int32(-1)
	var bestTick uint64 = ^uint64(0)
	for i := range bs.blocks {
		if bs.blocks[i].inUse && bs.blocks[i].lruTick < bestTick {
			bestTick = bs.blocks[i].lruTick
			best = int32(i)
		}
	}
	return best
}

// Commit finalizes a freshly allocated slot with the given block
// contents, links it into the hash table and both covered pages'
// trees, and returns its handle.
func (bs *BlockStore) Commit(idx int32, blk CodeBlock) BlockHandle {
	blk.inUse = true
	blk.generation = bs.blocks[idx].generation + 1
	bs.blocks[idx] = blk
	b := &bs.blocks[idx]
	b.lruTick = bs.tick()

	bucket := hashBucket(b.PhysStart)
	b.hashNext = bs.hashHead[bucket]
	bs.hashHead[bucket] = idx

	for i := 0; i < 2; i++ {
		if b.Pages[i] == -1 {
			continue
		}
		bs.treeInsert(uint32(b.Pages[i]), idx)
	}
	if bs.arena != nil && len(b.Code) > 0 {
		bs.arena.Write(int(idx), b.Code)
	}
	return BlockHandle{Slot: idx, Generation: b.generation}
}

func (bs *BlockStore) tick() uint64 {
	bs.tickSource++
	return bs.tickSource
}

func (bs *BlockStore) Touch(idx int32) {
	bs.blocks[idx].lruTick = bs.tick()
}

func (bs *BlockStore) Get(h BlockHandle) (*CodeBlock, bool) {
	if h.Slot < 0 || int(h.Slot) >= len(bs.blocks) {
		return nil, false
	}
	b := &bs.blocks[h.Slot]
	if !b.inUse || b.generation != h.Generation {
		return nil, false
	}
	return b, true
}

// evictSlot unlinks a block from the hash chain and both page trees,
// then marks the slot free. This is the single place a block leaves
// every structure it was reachable from, keeping the "block present
// implies present in coverage/tree/hash, and vice versa" invariant
// intact.
func (bs *BlockStore) evictSlot(idx int32) {
	b := &bs.blocks[idx]
	if !b.inUse {
		return
	}

	bucket := hashBucket(b.PhysStart)
	if bs.hashHead[bucket] == idx {
		bs.hashHead[bucket] = b.hashNext
	} else {
		for cur := bs.hashHead[bucket]; cur != -1; cur = bs.blocks[cur].hashNext {
			if bs.blocks[cur].hashNext == idx {
				bs.blocks[cur].hashNext = b.hashNext
				break
			}
		}
	}

	for i := 0; i < 2; i++ {
		if b.Pages[i] == -1 {
			continue
		}
		bs.removeFromTree(uint32(b.Pages[i]), idx)
	}

	b.inUse = false
}

// Evict is the public entry point used by SMC invalidation and
// explicit flush: it removes the block from hash/tree and returns the
// slot to the free pool immediately (no generation bump is needed
// again here; Commit bumps it on reuse).
func (bs *BlockStore) Evict(h BlockHandle) {
	blk, ok := bs.Get(h)
	if !ok {
		return
	}
	bs.evictSlot(h.Slot)
	_ = blk
	bs.free = append(bs.free, h.Slot)
}
