package main

import "testing"

func newIntrospectTestContext() *EmulatorContext {
	return NewEmulatorContext(StaticConfig{Config: DefaultMachineConfig()})
}

func TestDumpBlocksReportsCommittedBlocks(t *testing.T) {
	e := newIntrospectTestContext()
	slot := e.Blocks.Allocate()
	e.Blocks.Commit(slot, CodeBlock{
		PhysStart: 0x1000, PhysEnd: 0x1010, VirtStart: 0x1000,
		Pages: [2]int32{1, -1}, Use32: true, Cycles: 7,
	})

	blocks := e.DumpBlocks()
	if len(blocks) != 1 {
		t.Fatalf("DumpBlocks returned %d entries, want 1", len(blocks))
	}
	got := blocks[0]
	if got.PhysStart != 0x1000 || got.PhysEnd != 0x1010 || !got.Use32 || got.Cycles != 7 {
		t.Fatalf("DumpBlocks entry = %+v, want matching the committed block", got)
	}
}

func TestDumpBlocksIsReadOnly(t *testing.T) {
	e := newIntrospectTestContext()
	slot := e.Blocks.Allocate()
	e.Blocks.Commit(slot, CodeBlock{PhysStart: 0x2000, PhysEnd: 0x2008, Pages: [2]int32{2, -1}})

	first := e.DumpBlocks()
	second := e.DumpBlocks()
	if len(first) != len(second) || len(first) != 1 {
		t.Fatalf("two successive DumpBlocks calls returned different lengths: %d vs %d", len(first), len(second))
	}
	if first[0] != second[0] {
		t.Fatalf("two successive DumpBlocks calls returned different content: %+v vs %+v", first[0], second[0])
	}
	if _, ok := e.Blocks.Get(BlockHandle{Slot: slot, Generation: e.Blocks.blocks[slot].generation}); !ok {
		t.Fatal("DumpBlocks must not have evicted the block it reported")
	}
}

func TestDumpTLBReportsOnlyPresentEntries(t *testing.T) {
	e := newIntrospectTestContext()
	e.TLB.read[3] = tlbEntry{present: true, vpn: 3, direct: true}
	e.TLB.read[9] = tlbEntry{present: true, vpn: 9}

	entries := e.DumpTLB(TLBRead)
	if len(entries) != 2 {
		t.Fatalf("DumpTLB returned %d entries, want 2", len(entries))
	}
	seen := map[uint32]bool{}
	for _, ent := range entries {
		seen[ent.VirtualPage] = true
	}
	if !seen[3] || !seen[9] {
		t.Fatalf("DumpTLB entries = %+v, want vpn 3 and 9 present", entries)
	}
}

func TestDumpTLBDoesNotMutateCache(t *testing.T) {
	e := newIntrospectTestContext()
	e.TLB.write[5] = tlbEntry{present: true, vpn: 5, direct: true}

	before := e.DumpTLB(TLBWrite)
	after := e.DumpTLB(TLBWrite)
	if len(before) != 1 || len(after) != 1 || before[0] != after[0] {
		t.Fatalf("DumpTLB must be idempotent across calls: %+v vs %+v", before, after)
	}
	if !e.TLB.write[5].present {
		t.Fatal("DumpTLB must not have cleared the cache entry it reported")
	}
}

func TestWalkPageTableReportsPresentLeafMappings(t *testing.T) {
	e := newIntrospectTestContext()
	const pdPhys, ptPhys = 0x3000, 0x4000
	buildIdentityPageTable(e.Memory, pdPhys, ptPhys, true, true)

	entries, err := e.WalkPageTable(pdPhys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1024 {
		t.Fatalf("WalkPageTable found %d leaf mappings, want 1024 for one fully-populated page table", len(entries))
	}
	if entries[0].PhysAddr != 0 || !entries[0].Writable {
		t.Fatalf("first entry = %+v, want identity-mapped page 0, writable", entries[0])
	}
}

// Introspection never mutates core state. A page-table walk
// must not touch accessed/dirty bits the way Translate does.
func TestWalkPageTableDoesNotTouchAccessedDirtyBits(t *testing.T) {
	e := newIntrospectTestContext()
	const pdPhys, ptPhys = 0x3000, 0x4000
	buildIdentityPageTable(e.Memory, pdPhys, ptPhys, true, true)

	pteBefore := e.Memory.ReadL(ptPhys)
	e.WalkPageTable(pdPhys)
	pteAfter := e.Memory.ReadL(ptPhys)
	if pteBefore != pteAfter {
		t.Fatalf("WalkPageTable modified a PTE: %#x -> %#x", pteBefore, pteAfter)
	}
}
