// memory_map.go - 4 KiB-granularity physical memory map and page
// table. Mappings use the same last-registered-shadows-earlier stack
// semantics as the I/O fabric, against physical pages, with an A20
// gate and ROM/shadow-RAM write gating.

package main

const (
	pageShift = 12
	PageSize  = 1 << pageShift
	PageMask  = PageSize - 1
)

type MemReadB func(addr uint32, opaque any) byte
type MemReadW func(addr uint32, opaque any) uint16
type MemReadL func(addr uint32, opaque any) uint32
type MemWriteB func(addr uint32, value byte, opaque any)
type MemWriteW func(addr uint32, value uint16, opaque any)
type MemWriteL func(addr uint32, value uint32, opaque any)

type MappingFlags uint8

const (
	FlagPresent MappingFlags = 1 << iota
	FlagWritable
	FlagShadowWriteEnable
	FlagROM
	FlagInternal // has a direct host backing slice the TLB can point into
)

// Mapping is one mem_mapping_add registration: a physical range plus
// its handler quad and, for FlagInternal regions, the direct backing
// store the TLB/read-write-fast-paths index into directly.
type Mapping struct {
	physBase, length uint32
	rb               MemReadB
	rw               MemReadW
	rl               MemReadL
	wb               MemWriteB
	ww               MemWriteW
	wl               MemWriteL
	backing          []byte // nil unless FlagInternal
	flags            MappingFlags
	opaque           any
}

func (m *Mapping) covers(phys uint32) bool {
	return phys >= m.physBase && uint64(phys) < uint64(m.physBase)+uint64(m.length)
}

// codePageState is the self-modifying-code bookkeeping attached to each physical page:
// the SMC coverage list head and the 64-bit dirty mask. It survives
// mapping changes because code coverage is a property of the physical
// page index, not of whatever mapping currently resolves it.
type codePageState struct {
	coverage  []int32 // block-store slot indices whose code touches this page
	dirtyMask uint64
	codeCover bool // true once any block covers this page
}

// MemoryMap owns the physical address space: the mapping stack and,
// per 4 KiB page, the SMC bookkeeping and A20-masked dispatch cache.
type MemoryMap struct {
	stack     []*Mapping
	totalSize uint32
	pageState []codePageState
	a20       bool // true = A20 gate open (bit 20 passes through)
}

func NewMemoryMap(totalSize uint32) *MemoryMap {
	if totalSize%PageSize != 0 {
		totalSize = (totalSize + PageMask) &^ PageMask
	}
	return &MemoryMap{
		totalSize: totalSize,
		pageState: make([]codePageState, totalSize>>pageShift),
		a20:       true,
	}
}

// MaskA20 applies the gate to a raw address: when closed, bit 20 is
// forced to the corresponding bit of the wrapped (below-1MB) address,
// reproducing the 8086 address-wraparound behavior the gate exists to
// suppress.
func (m *MemoryMap) MaskA20(addr uint32) uint32 {
	if m.a20 {
		return addr
	}
	return addr &^ (1 << 20)
}

func (m *MemoryMap) SetA20(enabled bool) {
	m.a20 = enabled
}

// MappingAdd registers base/len/handlers.3. length must
// be a 4 KiB multiple and base page-aligned; callers violating that is
// a host programming error (category 3), not a guest-recoverable one.
func (m *MemoryMap) MappingAdd(physBase, length uint32, rb MemReadB, rw MemReadW, rl MemReadL, wb MemWriteB, ww MemWriteW, wl MemWriteL, backing []byte, flags MappingFlags, opaque any) *Mapping {
	if length%PageSize != 0 || physBase%PageSize != 0 {
		corelog.Fatalf("memory_map", "mapping not page aligned", map[string]any{"base": physBase, "length": length})
	}
	mp := &Mapping{physBase: physBase, length: length, rb: rb, rw: rw, rl: rl, wb: wb, ww: ww, wl: wl, backing: backing, flags: flags, opaque: opaque}
	m.stack = append(m.stack, mp)
	return mp
}

// MappingRemove pops the given mapping from the stack, restoring
// whatever mapping (if any) previously covered its range.
func (m *MemoryMap) MappingRemove(mp *Mapping) {
	for i := len(m.stack) - 1; i >= 0; i-- {
		if m.stack[i] == mp {
			m.stack = append(m.stack[:i], m.stack[i+1:]...)
			return
		}
	}
}

func (m *MemoryMap) findMapping(phys uint32) *Mapping {
	for i := len(m.stack) - 1; i >= 0; i-- {
		if m.stack[i].covers(phys) {
			return m.stack[i]
		}
	}
	return nil
}

func (m *MemoryMap) pageIndex(phys uint32) uint32 {
	return phys >> pageShift
}

// PageState returns the SMC bookkeeping for the page covering phys.
func (m *MemoryMap) PageState(phys uint32) *codePageState {
	idx := m.pageIndex(phys)
	if int(idx) >= len(m.pageState) {
		return nil
	}
	return &m.pageState[idx]
}

// DirectBacking returns the backing slice and in-slice offset for a
// physical address if its mapping is FlagInternal, which is what lets
// the TLB cache a direct host pointer (here: a slice+offset pair)
// instead of routing every access through a handler call.
func (m *MemoryMap) DirectBacking(phys uint32) (backing []byte, offset uint32, ok bool) {
	mp := m.findMapping(phys)
	if mp == nil || mp.backing == nil || mp.flags&FlagInternal == 0 {
		return nil, 0, false
	}
	return mp.backing, phys - mp.physBase, true
}

func (m *MemoryMap) ReadB(phys uint32) byte {
	phys = m.MaskA20(phys)
	mp := m.findMapping(phys)
	if mp == nil {
		return 0xFF
	}
	if mp.rb != nil {
		return mp.rb(phys, mp.opaque)
	}
	if mp.backing != nil {
		return mp.backing[phys-mp.physBase]
	}
	return 0xFF
}

func (m *MemoryMap) WriteB(phys uint32, value byte) {
	phys = m.MaskA20(phys)
	mp := m.findMapping(phys)
	if mp == nil {
		return
	}
	if mp.wb != nil {
		mp.wb(phys, value, mp.opaque)
		return
	}
	if mp.backing == nil {
		return
	}
	// ROM with shadow disabled discards the write; RAM and
	// shadow-write-enabled ROM commit into the backing buffer.
	if mp.flags&FlagROM != 0 && mp.flags&FlagShadowWriteEnable == 0 {
		return
	}
	mp.backing[phys-mp.physBase] = value
	m.noteWrite(phys, 1)
}

func (m *MemoryMap) ReadW(phys uint32) uint16 {
	return uint16(m.ReadB(phys)) | uint16(m.ReadB(phys+1))<<8
}

func (m *MemoryMap) WriteW(phys uint32, value uint16) {
	m.WriteB(phys, byte(value))
	m.WriteB(phys+1, byte(value>>8))
}

func (m *MemoryMap) ReadL(phys uint32) uint32 {
	return uint32(m.ReadW(phys)) | uint32(m.ReadW(phys+2))<<16
}

func (m *MemoryMap) WriteL(phys uint32, value uint32) {
	m.WriteW(phys, uint16(value))
	m.WriteW(phys+2, uint16(value>>16))
}

// noteWrite marks the dirty-mask bits a write of the given width
// touches, selected by bits 6..11 of the intra-page offset (one bit
// per 64-byte granule).5. It does not itself evict any
// block; eviction is smc.go's CheckFlush, run at block-entry time.
func (m *MemoryMap) noteWrite(phys uint32, width uint32) {
	state := m.PageState(phys)
	if state == nil || !state.codeCover {
		return
	}
	firstGranule := (phys & PageMask) >> 6
	lastGranule := ((phys + width - 1) & PageMask) >> 6
	for g := firstGranule; g <= lastGranule; g++ {
		state.dirtyMask |= 1 << g
	}
}
