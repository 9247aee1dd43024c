// debug_introspect.go - read-only inspection surface for the debug
// console. These calls never mutate core state: each walks
// already-owned structures and copies what it finds into a plain
// value the console can print.

package main

// BlockInfo summarizes one live code block for `blocks`.
type BlockInfo struct {
	Slot      int32
	PhysStart uint32
	PhysEnd   uint32
	VirtStart uint32
	Use32     bool
	Cycles    int
}

// DumpBlocks enumerates every in-use slot in the block arena.
func (e *EmulatorContext) DumpBlocks() []BlockInfo {
	var out []BlockInfo
	for i := range e.Blocks.blocks {
		b := &e.Blocks.blocks[i]
		if !b.inUse {
			continue
		}
		out = append(out, BlockInfo{
			Slot:      int32(i),
			PhysStart: b.PhysStart,
			PhysEnd:   b.PhysEnd,
			VirtStart: b.VirtStart,
			Use32:     b.Use32,
			Cycles:    b.Cycles,
		})
	}
	return out
}

// TLBEntryInfo summarizes one present TLB cache entry for `tlb`.
type TLBEntryInfo struct {
	VirtualPage uint32
	Direct      bool
}

// DumpTLB enumerates the present entries of one of the three
// direct-mapped caches.
func (e *EmulatorContext) DumpTLB(dir TLBDirection) []TLBEntryInfo {
	cache := cacheFor(e.TLB, dir)
	var out []TLBEntryInfo
	for i := range cache {
		if cache[i].present {
			out = append(out, TLBEntryInfo{VirtualPage: cache[i].vpn, Direct: cache[i].direct})
		}
	}
	return out
}

// PageTableWalkEntry is one present leaf mapping found while walking a
// guest page directory/table pair.
type PageTableWalkEntry struct {
	VirtualPage uint32
	PhysAddr    uint32
	Writable    bool
	User        bool
}

// WalkPageTable walks the full two-level 386 page table rooted at cr3
// and reports every present leaf mapping, without touching accessed/
// dirty bits (unlike Translate, which is called on the guest's
// behalf and must set them; this is purely an observer).
func (e *EmulatorContext) WalkPageTable(cr3 uint32) ([]PageTableWalkEntry, error) {
	mm := e.Memory
	var out []PageTableWalkEntry
	for pd := uint32(0); pd < 1024; pd++ {
		pdAddr := (cr3 &^ PageMask) + pd*4
		pde := mm.ReadL(pdAddr)
		if pde&pteBitPresent == 0 {
			continue
		}
		for pt := uint32(0); pt < 1024; pt++ {
			ptAddr := (pde &^ PageMask) + pt*4
			pte := mm.ReadL(ptAddr)
			if pte&pteBitPresent == 0 {
				continue
			}
			out = append(out, PageTableWalkEntry{
				VirtualPage: (pd << 22) | (pt << 12),
				PhysAddr:    pte &^ PageMask,
				Writable:    pde&pteBitWrite != 0 && pte&pteBitWrite != 0,
				User:        pde&pteBitUser != 0 && pte&pteBitUser != 0,
			})
		}
	}
	return out, nil
}
