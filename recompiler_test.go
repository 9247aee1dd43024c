package main

import "testing"

func newRecompilerTestContext(ramBytes uint32) (*Interp, *MemoryMap, *TLB, *Recompiler) {
	mm := NewMemoryMap(ramBytes)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)
	tlb := &TLB{}
	bs := NewBlockStore(16, mm.totalSize>>pageShift)
	rc := NewRecompiler(bs, InterpBackend{})
	cpu := NewCPUState()
	cpu.Seg[SegCS] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	cpu.EIP = 0
	in := &Interp{CPU: cpu, MM: mm, TLB: tlb, IO: NewIOFabric(), Sched: NewScheduler()}
	return in, mm, tlb, rc
}

func TestRecompilerRunBlockExecutesInstructions(t *testing.T) {
	in, mm, tlb, rc := newRecompilerTestContext(64 * 1024)
	// MOV AL, 0x05 ; HLT
	mm.WriteB(0, 0xB0)
	mm.WriteB(1, 0x05)
	mm.WriteB(2, 0xF4)

	if _, fault := rc.RunBlock(in, mm, tlb); fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	if in.CPU.Reg8(0) != 0x05 {
		t.Fatalf("AL = %#x, want 0x05", in.CPU.Reg8(0))
	}
	if !in.CPU.Halted {
		t.Fatal("expected the block to run through to HLT")
	}
}

func TestRecompilerCachesBlockOnSecondRun(t *testing.T) {
	in, mm, tlb, rc := newRecompilerTestContext(64 * 1024)
	mm.WriteB(0, 0x90) // NOP
	mm.WriteB(1, 0xF4) // HLT

	rc.RunBlock(in, mm, tlb)
	h1, ok := rc.Store.Lookup(0, false, false, false)
	if !ok {
		t.Fatal("expected the block to be committed to the store")
	}

	in.CPU.Halted = false
	in.CPU.EIP = 0
	rc.RunBlock(in, mm, tlb)
	h2, ok := rc.Store.Lookup(0, false, false, false)
	if !ok || h2 != h1 {
		t.Fatalf("second RunBlock should reuse the cached block handle: h1=%+v h2=%+v ok=%v", h1, h2, ok)
	}
}

// Emit a block that writes 0x90 over the byte
// at its own IP+3, then falls through. The write triggers invalidation;
// the next execution observes the NOP.
func TestRecompilerSelfModifyingCodeInvalidatesBlock(t *testing.T) {
	in, mm, tlb, rc := newRecompilerTestContext(64 * 1024)

	// Layout at phys 0:
	//   0: B0 AA         MOV AL, 0xAA
	//   2: B1 90         MOV CL, 0x90     (used as the byte we poke in)
	//   4: 88 0E 07 00   MOV [0x0007], CL  (writes CL into the byte at 7)
	//   8: F4            HLT (originally at offset 7... but we overwrite offset 7 first)
	//
	// Simpler: build a block whose last byte it itself overwrites via a
	// direct MOV to a fixed address, then re-enter at that address.
	mm.WriteB(0, 0xB1) // MOV CL, 0x90
	mm.WriteB(1, 0x90)
	mm.WriteB(2, 0x88) // MOV [0x0006], CL  (ModRM 0x0E = mod00 reg001 rm110 disp16)
	mm.WriteB(3, 0x0E)
	mm.WriteB(4, 0x06)
	mm.WriteB(5, 0x00)
	mm.WriteB(6, 0xF4) // originally HLT; the MOV above overwrites this with 0x90 (NOP)
	mm.WriteB(7, 0xF4) // real HLT, reached only once byte 6 became a NOP

	if _, fault := rc.RunBlock(in, mm, tlb); fault != nil {
		t.Fatalf("unexpected fault on first run: %v", fault)
	}
	if got := mm.ReadB(6); got != 0x90 {
		t.Fatalf("expected the self-modifying write to land NOP (0x90) at offset 6, got %#x", got)
	}

	// Re-enter from the top: a fresh block must observe the NOP, not the
	// stale HLT, and fall through to the real HLT at offset 7.
	in.CPU.Halted = false
	in.CPU.EIP = 0
	if _, fault := rc.RunBlock(in, mm, tlb); fault != nil {
		t.Fatalf("unexpected fault on second run: %v", fault)
	}
}

func TestGranuleMaskSpansOnlyRequestedBytes(t *testing.T) {
	mask := granuleMask(0x10, 0, 0x50)
	// bytes [0x10, 0x50) touch granules 0 (0-0x3F) and 1 (0x40-0x7F)... restricted to page 0's own [0,4096) range
	want := uint64(1)<<0 | uint64(1)<<1
	if mask != want {
		t.Fatalf("granuleMask = %#x, want %#x", mask, want)
	}
}
