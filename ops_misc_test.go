package main

import "testing"

func newOpsMiscTestCPU() (*CPUState, *MemoryMap, *TLB) {
	mm := NewMemoryMap(64 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)
	c := NewCPUState()
	c.Seg[SegSS] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	c.Seg[SegDS] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	c.Seg[SegES] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	c.ESP = 0x8000
	return c, mm, &TLB{}
}

func movsDirect(c *CPUState, mm *MemoryMap, tlb *TLB, width uint32, rep bool) *GuestFault {
	in := &Interp{CPU: c, MM: mm, TLB: tlb}
	d := &decodeCtx{c: c, segOverride: -1, addrSize32: true}
	if rep {
		d.rep = 1
	}
	return in.movs(d, width).Fault
}

func TestPush32Pop32RoundTrip(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	if fault := push32(c, mm, tlb, 0xCAFEBABE); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if c.ESP != 0x8000-4 {
		t.Fatalf("ESP = %#x after push32, want %#x", c.ESP, 0x8000-4)
	}
	got, fault := pop32(c, mm, tlb)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if got != 0xCAFEBABE {
		t.Fatalf("pop32 = %#x, want 0xCAFEBABE", got)
	}
	if c.ESP != 0x8000 {
		t.Fatalf("ESP = %#x after pop32, want restored to 0x8000", c.ESP)
	}
}

func TestPush16Pop16RoundTrip(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	push16(c, mm, tlb, 0xBEEF)
	if c.ESP != 0x8000-2 {
		t.Fatalf("ESP = %#x after push16, want %#x", c.ESP, 0x8000-2)
	}
	got, fault := pop16(c, mm, tlb)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if got != 0xBEEF {
		t.Fatalf("pop16 = %#x, want 0xBEEF", got)
	}
}

func TestLoadRealSegmentComputesSelectorTimesSixteen(t *testing.T) {
	c, _, _ := newOpsMiscTestCPU()
	loadRealSegment(c, SegDS, 0x1234)
	if c.Seg[SegDS].Base != 0x12340 {
		t.Fatalf("Base = %#x, want 0x12340", c.Seg[SegDS].Base)
	}
	if c.Seg[SegDS].Selector != 0x1234 {
		t.Fatalf("Selector = %#x, want 0x1234", c.Seg[SegDS].Selector)
	}
}

func TestMovsSingleByteAdvancesPointersForward(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	mm.WriteB(0x100, 0x77)
	c.ESI, c.EDI = 0x100, 0x200

	if fault := movsDirect(c, mm, tlb, 1, false); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if mm.ReadB(0x200) != 0x77 {
		t.Fatalf("destination byte = %#x, want 0x77", mm.ReadB(0x200))
	}
	if c.ESI != 0x101 || c.EDI != 0x201 {
		t.Fatalf("ESI=%#x EDI=%#x, want advanced by +1 each", c.ESI, c.EDI)
	}
}

func TestMovsDirectionFlagReverses(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	mm.WriteB(0x100, 0x55)
	c.ESI, c.EDI = 0x100, 0x200
	c.EFlagsBase |= eflagDF

	movsDirect(c, mm, tlb, 1, false)
	if c.ESI != 0xFF || c.EDI != 0x1FF {
		t.Fatalf("ESI=%#x EDI=%#x, want decremented by 1 each under DF", c.ESI, c.EDI)
	}
}

func TestMovsRepMovesFullCountAndZerosECX(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	for i := 0; i < 16; i++ {
		mm.WriteB(uint32(0x100+i), byte(0x10+i))
	}
	c.ESI, c.EDI, c.ECX = 0x100, 0x300, 16

	if fault := movsDirect(c, mm, tlb, 1, true); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if c.ECX != 0 {
		t.Fatalf("ECX = %d, want 0 after a full rep movsb", c.ECX)
	}
	for i := 0; i < 16; i++ {
		if got := mm.ReadB(uint32(0x300 + i)); got != byte(0x10+i) {
			t.Fatalf("byte %d = %#x, want %#x", i, got, 0x10+i)
		}
	}
}

// A paged rep movsb copying 8192 bytes across a destination page
// boundary where the second page is not-present must fault with
// Linear (CR2) at the first not-present destination byte, leaving ECX
// at the remaining count so the instruction restarts after the guest
// maps the page.
func TestMovsPagedCopyFaultsAtPageBoundaryAndIsRestartable(t *testing.T) {
	mm := NewMemoryMap(8 * 1024 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	const pdPhys, ptPhys = 0x3000, 0x4000
	buildIdentityPageTable(mm, pdPhys, ptPhys, true, true)

	const destPage0, destPage1 = 300, 301
	// mark the second destination page not-present.
	ptAddr := uint32(ptPhys + destPage1*4)
	pte := mm.ReadL(ptAddr)
	mm.WriteL(ptAddr, pte&^uint32(pteBitPresent))

	c := NewCPUState()
	c.CR0 = cr0PG
	c.CR3 = pdPhys
	c.Seg[SegDS] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	c.Seg[SegES] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}

	const srcStart = 0x10000 // page 16, present, unrelated to the dest pages
	const destStart = destPage0 * PageSize
	c.ESI = srcStart
	c.EDI = destStart
	c.ECX = 8192 // spans dest pages 300 and 301 exactly

	tlb := &TLB{}
	fault := movsDirect(c, mm, tlb, 1, true)
	if fault == nil {
		t.Fatal("expected a page fault when the rep movsb run reaches the not-present destination page")
	}
	if fault.Vector != 14 {
		t.Fatalf("fault vector = %d, want 14 (#PF)", fault.Vector)
	}
	wantLinear := uint32(destPage1 * PageSize)
	if fault.Linear != wantLinear {
		t.Fatalf("fault.Linear = %#x, want %#x (first not-present destination byte)", fault.Linear, wantLinear)
	}
	if c.ECX != 4096 {
		t.Fatalf("ECX = %d, want 4096 remaining after the fault", c.ECX)
	}
	if c.EDI != wantLinear {
		t.Fatalf("EDI = %#x, want left at the faulting address for restart", c.EDI)
	}

	// map the second page present and resume: the instruction restarts
	// exactly where it left off, completing the remaining 4096 bytes.
	mm.WriteL(ptAddr, pte|pteBitPresent)
	tlb.Flush()
	if fault := movsDirect(c, mm, tlb, 1, true); fault != nil {
		t.Fatalf("unexpected fault on restart: %v", fault)
	}
	if c.ECX != 0 {
		t.Fatalf("ECX = %d, want 0 after the restarted copy completes", c.ECX)
	}
}

func TestRealModeIRETPopsIPCSFlags(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	push16(c, mm, tlb, 0x0202) // flags (reserved bit 1 set, matches PackedFlags' | 2)
	push16(c, mm, tlb, 0x5000) // CS selector
	push16(c, mm, tlb, 0x1234) // IP

	if fault := realModeIRET(c, mm, tlb); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if c.EIP != 0x1234 {
		t.Fatalf("EIP = %#x, want 0x1234", c.EIP)
	}
	if c.Seg[SegCS].Selector != 0x5000 || c.Seg[SegCS].Base != 0x50000 {
		t.Fatalf("CS = %+v, want selector 0x5000 base 0x50000", c.Seg[SegCS])
	}
}

func TestRealModeInterruptPushesFrameAndDispatchesThroughIVT(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	c.Seg[SegCS] = SegDescriptor{Selector: 0x1000, Base: 0x10000, LimitLow: 0xFFFF, Checked: true}
	c.EIP = 0x50
	c.EFlagsBase |= eflagIF | eflagTF

	const vector = 0x21
	mm.WriteW(vector*4, 0x2000)   // offset
	mm.WriteW(vector*4+2, 0x0800) // segment

	if fault := realModeInterrupt(c, mm, tlb, vector); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if c.EIP != 0x2000 {
		t.Fatalf("EIP = %#x, want 0x2000 from the IVT entry", c.EIP)
	}
	if c.Seg[SegCS].Selector != 0x0800 {
		t.Fatalf("CS selector = %#x, want 0x0800", c.Seg[SegCS].Selector)
	}
	if c.EFlagsBase&(eflagIF|eflagTF) != 0 {
		t.Fatal("real-mode interrupt dispatch must clear IF and TF")
	}

	ip, _ := pop16(c, mm, tlb)
	cs, _ := pop16(c, mm, tlb)
	fl, _ := pop16(c, mm, tlb)
	if ip != 0x50 || cs != 0x1000 {
		t.Fatalf("pushed return frame ip=%#x cs=%#x, want ip=0x50 cs=0x1000", ip, cs)
	}
	if fl&eflagIF == 0 || fl&eflagTF == 0 {
		t.Fatal("pushed flags frame should preserve the original IF/TF for the handler's IRET")
	}
}
