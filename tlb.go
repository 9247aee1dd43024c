// tlb.go - virtual-to-host-pointer translation caches plus the
// 386/486-style two-level page walk from CR3. Distinct from the
// architectural TLB in name only: these are three
// 256-entry direct-mapped caches (read/write/code) that accelerate
// guest loads, stores, and fetches by skipping the walk when the
// cached virtual page still matches.

package main

const tlbSize = 256

type TLBDirection int

const (
	TLBRead TLBDirection = iota
	TLBWrite
	TLBCode
)

// tlbEntry caches "host = backing[baseOffset + (linear & 0xFFF)]" for
// one virtual page. A present entry with direct=false is a recorded
// miss sentinel: the page resolved to a handler-trapped or
// code-covered mapping and must always go through the slow path.
type tlbEntry struct {
	present bool
	vpn     uint32
	direct  bool
	backing []byte
	base    uint32
}

type TLB struct {
	read, write, code [tlbSize]tlbEntry
}

func cacheFor(t *TLB, dir TLBDirection) *[tlbSize]tlbEntry {
	switch dir {
	case TLBWrite:
		return &t.write
	case TLBCode:
		return &t.code
	default:
		return &t.read
	}
}

func tlbIndex(vpn uint32) uint32 {
	return vpn & (tlbSize - 1)
}

// Flush invalidates every entry in all three caches: used on CR3
// writes, INVLPG-wide invalidations, and real<->protected / paging
// mode transitions.
func (t *TLB) Flush() {
	*t = TLB{}
}

// Invalidate drops the single cached entry for vpn in all three
// caches, used when a page transitions between data and code
// coverage.
func (t *TLB) Invalidate(vpn uint32) {
	idx := tlbIndex(vpn)
	for _, c := range []*[tlbSize]tlbEntry{&t.read, &t.write, &t.code} {
		if c[idx].present && c[idx].vpn == vpn {
			c[idx] = tlbEntry{}
		}
	}
}

func (e *tlbEntry) lookup(linear uint32) (byte, bool) {
	if !e.direct {
		return 0, false
	}
	return e.backing[e.base+(linear&PageMask)], true
}

const (
	cr0PE = 1 << 0
	cr0WP = 1 << 16
	cr0PG = 1 << 31
)

const (
	pteBitPresent  = 1 << 0
	pteBitWrite    = 1 << 1
	pteBitUser     = 1 << 2
	pteBitAccessed = 1 << 5
	pteBitDirty    = 1 << 6
)

// Translate resolves a linear address to a physical address, honoring
// CR0.PG, the two-level walk from CR3, and CPL/write permission
// checks against CR0.WP, setting accessed/dirty bits as the 386/486
// architecture prescribes. Faults report the canonical error code;
// CR2 is the caller's responsibility to latch from the returned fault.
func Translate(mm *MemoryMap, tlb *TLB, cr0, cr3 uint32, cpl int, linear uint32, dir TLBDirection) (uint32, *GuestFault) {
	if cr0&cr0PG == 0 {
		return linear, nil
	}

	cache := cacheFor(tlb, dir)
	vpn := linear >> pageShift
	idx := tlbIndex(vpn)

	user := cpl == 3
	write := dir == TLBWrite

	pdAddr := (cr3 &^ PageMask) + (linear>>22)*4
	pde := mm.ReadL(pdAddr)
	if pde&pteBitPresent == 0 {
		return 0, NewPageFault(linear, false, write, user)
	}
	if user && pde&pteBitUser == 0 {
		return 0, NewPageFault(linear, true, write, user)
	}
	if pde&pteBitAccessed == 0 {
		mm.WriteL(pdAddr, pde|pteBitAccessed)
	}

	ptAddr := (pde &^ PageMask) + ((linear >> 12) & 0x3FF)*4
	pte := mm.ReadL(ptAddr)
	if pte&pteBitPresent == 0 {
		return 0, NewPageFault(linear, false, write, user)
	}
	if user && pte&pteBitUser == 0 {
		return 0, NewPageFault(linear, true, write, user)
	}
	effWrite := pde&pteBitWrite != 0 && pte&pteBitWrite != 0
	if write && !effWrite {
		if !user && cr0&cr0WP == 0 {
			// supervisor writes ignore the R/W bit unless CR0.WP is set
		} else {
			return 0, NewPageFault(linear, true, write, user)
		}
	}
	if pte&pteBitAccessed == 0 {
		pte |= pteBitAccessed
		mm.WriteL(ptAddr, pte)
	}
	if write && pte&pteBitDirty == 0 {
		pte |= pteBitDirty
		mm.WriteL(ptAddr, pte)
	}

	physPageBase := pte &^ PageMask
	phys := physPageBase | (linear & PageMask)

	// Populate the cache. The write cache never gets a direct entry
	// for a code-covered page; code/read
	// caches may.
	state := mm.PageState(physPageBase)
	codeCovered := state != nil && state.codeCover
	if backing, offset, ok := mm.DirectBacking(physPageBase); ok && !(dir == TLBWrite && codeCovered) {
		cache[idx] = tlbEntry{present: true, vpn: vpn, direct: true, backing: backing, base: offset}
	} else {
		cache[idx] = tlbEntry{present: true, vpn: vpn, direct: false}
	}

	return phys, nil
}

// FastRead attempts the cached direct path for a single byte; ok is
// false when the cache missed or the page is handler-trapped, in
// which case the caller must fall back to Translate + MemoryMap.
func FastRead(tlb *TLB, dir TLBDirection, linear uint32) (byte, bool) {
	cache := cacheFor(tlb, dir)
	vpn := linear >> pageShift
	idx := tlbIndex(vpn)
	if cache[idx].present && cache[idx].vpn == vpn {
		return cache[idx].lookup(linear)
	}
	return 0, false
}
