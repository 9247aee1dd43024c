// ops_misc.go - stack and real-mode interrupt helpers shared by the
// interpreter and the exception-delivery path.

package main

func push32(c *CPUState, mm *MemoryMap, tlb *TLB, v uint32) *GuestFault {
	c.ESP -= 4
	if fault := writeLinearL(c, mm, tlb, c.Seg[SegSS].Base+c.ESP, v); fault != nil {
		c.ESP += 4
		return fault
	}
	return nil
}

func pop32(c *CPUState, mm *MemoryMap, tlb *TLB) (uint32, *GuestFault) {
	v, fault := readLinearL(c, mm, tlb, c.Seg[SegSS].Base+c.ESP)
	if fault != nil {
		return 0, fault
	}
	c.ESP += 4
	return v, nil
}

func push16(c *CPUState, mm *MemoryMap, tlb *TLB, v uint16) *GuestFault {
	c.ESP -= 2
	if fault := writeLinearW(c, mm, tlb, c.Seg[SegSS].Base+c.ESP, v); fault != nil {
		c.ESP += 2
		return fault
	}
	return nil
}

func pop16(c *CPUState, mm *MemoryMap, tlb *TLB) (uint16, *GuestFault) {
	v, fault := readLinearW(c, mm, tlb, c.Seg[SegSS].Base+c.ESP)
	if fault != nil {
		return 0, fault
	}
	c.ESP += 2
	return v, nil
}

func stackStep(op32 bool) int {
	if op32 {
		return 4
	}
	return 2
}

func pushVal(c *CPUState, mm *MemoryMap, tlb *TLB, op32 bool, v uint32) *GuestFault {
	if op32 {
		return push32(c, mm, tlb, v)
	}
	return push16(c, mm, tlb, uint16(v))
}

func popVal(c *CPUState, mm *MemoryMap, tlb *TLB, op32 bool) (uint32, *GuestFault) {
	if op32 {
		return pop32(c, mm, tlb)
	}
	v, fault := pop16(c, mm, tlb)
	return uint32(v), fault
}

// realModeInterrupt dispatches through the real-mode interrupt vector
// table: four bytes per vector, offset then segment, at IDTR.Base
// (physical 0 after reset).
func realModeInterrupt(c *CPUState, mm *MemoryMap, tlb *TLB, vector int) *GuestFault {
	savedSP := c.ESP
	if fault := push16(c, mm, tlb, uint16(c.PackedFlags())); fault != nil {
		return fault
	}
	if fault := push16(c, mm, tlb, c.Seg[SegCS].Selector); fault != nil {
		c.ESP = savedSP
		return fault
	}
	if fault := push16(c, mm, tlb, uint16(c.EIP)); fault != nil {
		c.ESP = savedSP
		return fault
	}
	c.EFlagsBase &^= eflagIF | eflagTF

	vecAddr := c.IDTR.Base + uint32(vector)*4
	offset := uint32(mm.ReadW(vecAddr))
	segment := mm.ReadW(vecAddr + 2)
	loadRealSegment(c, SegCS, segment)
	c.EIP = offset
	return nil
}

func realModeIRET(c *CPUState, mm *MemoryMap, tlb *TLB) *GuestFault {
	savedSP := c.ESP
	ip, fault := pop16(c, mm, tlb)
	if fault != nil {
		return fault
	}
	cs, fault := pop16(c, mm, tlb)
	if fault != nil {
		c.ESP = savedSP
		return fault
	}
	fl, fault := pop16(c, mm, tlb)
	if fault != nil {
		c.ESP = savedSP
		return fault
	}
	c.EIP = uint32(ip)
	loadRealSegment(c, SegCS, cs)
	c.LoadFlags(uint32(fl) | (c.PackedFlags() &^ 0xFFFF))
	return nil
}
