// smc.go - self-modifying-code tracking. A page becomes
// "code-covered" the moment the recompiler emits a block touching it;
// from then on every write sets bits in its 64-bit dirty mask (one bit
// per 64-byte granule), and block entry ANDs a block's
// stored page masks against the current dirty masks to decide whether
// a CheckFlush sweep is needed.
//
// The dirty mask is sticky outside of CheckFlush: a block whose mask
// does not intersect
// leaves the dirty bits untouched. Only a full CheckFlush sweep clears
// them, and only on the page(s) it swept.

package main

// MarkCodeCovered flips a physical page into the code-covered state
// and drops any cached write-TLB entries for it, since the write TLB
// must never hand back a direct host pointer into a code-covered
// page. A full TLB flush is the simplest correct
// way to satisfy this since the TLB is indexed by virtual, not
// physical, page number and several virtual pages could alias the
// same physical one.
func MarkCodeCovered(mm *MemoryMap, tlb *TLB, pageIdx uint32) {
	state := mm.PageState(pageIdx << pageShift)
	if state == nil || state.codeCover {
		return
	}
	state.codeCover = true
	tlb.Flush()
}

// AddCoverage links a newly committed block into a covered page's
// coverage list.
func AddCoverage(mm *MemoryMap, pageIdx uint32, slot int32) {
	state := mm.PageState(pageIdx << pageShift)
	if state == nil {
		return
	}
	state.coverage = append(state.coverage, slot)
}

func removeCoverage(mm *MemoryMap, pageIdx uint32, slot int32) {
	state := mm.PageState(pageIdx << pageShift)
	if state == nil {
		return
	}
	for i, s := range state.coverage {
		if s == slot {
			state.coverage = append(state.coverage[:i], state.coverage[i+1:]...)
			return
		}
	}
}

// CheckFlush evicts every block on pageIdx whose stored page mask
// intersects the current dirty mask, then clears the dirty mask for
// that page.
func CheckFlush(mm *MemoryMap, bs *BlockStore, tlb *TLB, pageIdx uint32) {
	state := mm.PageState(pageIdx << pageShift)
	if state == nil || state.dirtyMask == 0 {
		return
	}
	dirty := state.dirtyMask
	victims := make([]int32, 0, len(state.coverage))
	for _, slot := range state.coverage {
		blk := &bs.blocks[slot]
		if !blk.inUse {
			continue
		}
		slotOf := blockPageSlot(blk, pageIdx)
		if slotOf < 0 {
			continue
		}
		if blk.PageMasks[slotOf]&dirty != 0 {
			victims = append(victims, slot)
		}
	}
	for _, slot := range victims {
		evictBlockEverywhere(mm, bs, slot)
	}
	state.dirtyMask = 0
}

func blockPageSlot(b *CodeBlock, pageIdx uint32) int {
	if b.Pages[0] == int32(pageIdx) {
		return 0
	}
	if b.Pages[1] == int32(pageIdx) {
		return 1
	}
	return -1
}

// evictBlockEverywhere removes a block from the hash table, both page
// trees, and both pages' coverage lists, then returns its slot to the
// arena — the one path that keeps "present in store <=> present in
// every covered page's coverage list" true on removal.
func evictBlockEverywhere(mm *MemoryMap, bs *BlockStore, slot int32) {
	blk, ok := bs.Get(BlockHandle{Slot: slot, Generation: bs.blocks[slot].generation})
	if !ok {
		return
	}
	for i := 0; i < 2; i++ {
		if blk.Pages[i] != -1 {
			removeCoverage(mm, uint32(blk.Pages[i]), slot)
		}
	}
	bs.Evict(BlockHandle{Slot: slot, Generation: blk.generation})
}

// BeforeBlockEntry is run immediately before dispatching into a
// block's emitted code: it ANDs the block's two page
// masks with each covered page's current dirty mask, and if any
// intersection is found, runs CheckFlush on that page. It returns
// false if the originally requested block itself was evicted by the
// sweep, signaling the caller (the recompiler's dispatcher) to fall
// back to Lookup/emit from scratch.
func BeforeBlockEntry(mm *MemoryMap, bs *BlockStore, tlb *TLB, h BlockHandle) bool {
	blk, ok := bs.Get(h)
	if !ok {
		return false
	}
	pages := blk.Pages
	masks := blk.PageMasks
	needsCheck := false
	for i := 0; i < 2; i++ {
		if pages[i] == -1 {
			continue
		}
		state := mm.PageState(uint32(pages[i]) << pageShift)
		if state != nil && state.dirtyMask&masks[i] != 0 {
			needsCheck = true
		}
	}
	if !needsCheck {
		bs.Touch(h.Slot)
		return true
	}
	for i := 0; i < 2; i++ {
		if pages[i] != -1 {
			CheckFlush(mm, bs, tlb, uint32(pages[i]))
		}
	}
	if _, stillThere := bs.Get(h); !stillThere {
		return false
	}
	bs.Touch(h.Slot)
	return true
}
