// recompiler.go - the basic-block recompiler. Builds a CodeBlock by
// repeatedly stepping the portable interpreter over guest bytes until
// a control-transfer instruction terminates the block or the
// accumulated byte count crosses blockEmitThreshold, then commits it
// to the BlockStore and links its SMC coverage.
//
// Backend is the seam a native-code emitter would implement;
// InterpBackend below is the portable fallback and the only backend
// this core ships, since native code generation is
// host-architecture-specific.
package main

// Backend turns a sequence of decoded instructions into whatever
// "Code" a CodeBlock carries and whatever Dispatch later replays. The
// portable backend's Code field is unused; Dispatch just re-runs the
// interpreter over the original guest bytes every time, trading
// recompiled-code throughput for zero host-specific code.
type Backend interface {
	Emit(blk *CodeBlock) []byte
	Dispatch(in *Interp, blk *CodeBlock) (cyclesUsed int64, fault *GuestFault)
}

// InterpBackend re-interprets a block's guest range on every
// dispatch. It is correct by construction (it reuses Interp.Step, the
// same path the non-recompiled boot ROM code runs through) and serves
// as the reference backend tests run against.
type InterpBackend struct{}

func (InterpBackend) Emit(blk *CodeBlock) []byte { return nil }

func (InterpBackend) Dispatch(in *Interp, blk *CodeBlock) (int64, *GuestFault) {
	in.CPU.EIP = blk.VirtStart
	var total int64
	for {
		res := in.Step()
		total += int64(res.Cycles)
		if res.Fault != nil {
			return total, res.Fault
		}
		if res.Terminates {
			return total, nil
		}
		if in.CPU.EIP-blk.VirtStart >= uint32(blk.PhysEnd-blk.PhysStart) {
			return total, nil
		}
		if in.Budget > 0 && total >= in.Budget {
			return total, nil // yield at the scheduler deadline
		}
	}
}

// Recompiler owns the block store and drives Lookup/emit/dispatch.
type Recompiler struct {
	Store   *BlockStore
	Backend Backend
}

func NewRecompiler(store *BlockStore, backend Backend) *Recompiler {
	if backend == nil {
		backend = InterpBackend{}
	}
	return &Recompiler{Store: store, Backend: backend}
}

// RunBlock resolves (looking up or building) the block starting at the
// interpreter's current CS:EIP, validates it against SMC coverage via
// BeforeBlockEntry, and dispatches it. It returns the cycles consumed
// and any guest fault raised during dispatch.
func (rc *Recompiler) RunBlock(in *Interp, mm *MemoryMap, tlb *TLB) (int64, *GuestFault) {
	c := in.CPU
	physStart, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, c.Seg[SegCS].Base+c.EIP, TLBCode)
	if fault != nil {
		return 0, fault
	}

	h, ok := rc.Store.Lookup(physStart, c.opSize32, false, false)
	if ok {
		if !BeforeBlockEntry(mm, rc.Store, tlb, h) {
			h, ok = rc.Store.Lookup(physStart, c.opSize32, false, false)
		}
	}
	if !ok {
		var buildFault *GuestFault
		h, buildFault = rc.buildBlock(in, mm, tlb, physStart)
		if buildFault != nil {
			return 0, buildFault
		}
	}

	blk, ok := rc.Store.Get(h)
	if !ok {
		return 0, &GuestFault{Reason: "block vanished after entry check"}
	}
	return rc.Backend.Dispatch(in, blk)
}

// buildBlock steps the interpreter purely for its decode lengths (it
// operates on a scratch copy of the CPU so a build pass never mutates
// guest register state) until a terminating instruction or the size
// cap is reached, recording which pages and 64-byte granules the
// block's bytes span.
func (rc *Recompiler) buildBlock(in *Interp, mm *MemoryMap, tlb *TLB, physStart uint32) (BlockHandle, *GuestFault) {
	scratch := *in.CPU
	scratchInterp := &Interp{CPU: &scratch, MM: mm, TLB: tlb, IO: in.IO, Sched: in.Sched}

	startEIP := scratch.EIP
	totalBytes := 0
	for {
		res := scratchInterp.Step()
		if res.Fault != nil {
			break // stop block at the first faulting instruction; real dispatch will refault
		}
		totalBytes += res.BytesUsed
		if res.Terminates || totalBytes >= blockEmitThreshold {
			break
		}
	}
	if totalBytes == 0 {
		totalBytes = 1
	}
	if totalBytes > maxBlockCodeBytes {
		totalBytes = maxBlockCodeBytes
	}

	physEnd := physStart + uint32(totalBytes)
	page0 := physStart >> pageShift
	page1 := (physEnd - 1) >> pageShift

	blk := CodeBlock{
		PhysStart: physStart,
		PhysEnd:   physEnd,
		VirtStart: startEIP,
		Pages:     [2]int32{int32(page0), -1},
		Use32:     in.CPU.opSize32,
	}
	blk.PageMasks[0] = granuleMask(physStart, page0, physEnd)
	if page1 != page0 {
		blk.Pages[1] = int32(page1)
		blk.PageMasks[1] = granuleMask(physStart, page1, physEnd)
	}

	slot := rc.Store.Allocate()
	blk.Code = rc.Backend.Emit(&blk)
	h := rc.Store.Commit(slot, blk)

	MarkCodeCovered(mm, tlb, page0)
	AddCoverage(mm, page0, slot)
	if page1 != page0 {
		MarkCodeCovered(mm, tlb, page1)
		AddCoverage(mm, page1, slot)
	}
	return h, nil
}

// granuleMask computes which of a page's sixty-four 64-byte granules
// fall within [physStart, physEnd) when restricted to the given page.
func granuleMask(physStart uint32, page uint32, physEnd uint32) uint64 {
	pageBase := page << pageShift
	pageTop := pageBase + PageSize
	lo := physStart
	if lo < pageBase {
		lo = pageBase
	}
	hi := physEnd
	if hi > pageTop {
		hi = pageTop
	}
	if hi <= lo {
		return 0
	}
	firstG := (lo - pageBase) >> 6
	lastG := (hi - 1 - pageBase) >> 6
	var mask uint64
	for g := firstG; g <= lastG; g++ {
		mask |= 1 << g
	}
	return mask
}
