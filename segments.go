// segments.go - segment-register loads and interrupt delivery across
// both operating modes. Real mode computes selector<<4 bases; with
// CR0.PE set, loads walk the GDT/LDT, validate the selector, and
// cache base/limit/access in the SegDescriptor so hot paths compare
// against the cache without re-reading the descriptor table.

package main

const (
	descAccessPresent = 0x80
	descAccessCode    = 0x08
)

func loadRealSegment(c *CPUState, idx int, selector uint16) {
	c.Seg[idx] = SegDescriptor{Selector: selector, Base: uint32(selector) << 4, LimitLow: 0xFFFF, Checked: true}
	if idx == SegCS {
		c.CPL = 0
	}
}

// readDescriptor fetches the 8-byte descriptor the selector names
// from the GDT or, when the TI bit is set, the current LDT.
func readDescriptor(c *CPUState, mm *MemoryMap, tlb *TLB, selector uint16) (SegDescriptor, *GuestFault) {
	var tableBase, tableLimit uint32
	if selector&4 != 0 {
		tableBase = c.LDTR.Base
		tableLimit = c.LDTR.Limit()
	} else {
		tableBase = c.GDTR.Base
		tableLimit = uint32(c.GDTR.Limit)
	}
	offset := uint32(selector &^ 7)
	if offset+7 > tableLimit {
		return SegDescriptor{}, NewGPFault(uint32(selector &^ 3))
	}

	lo, fault := readLinearL(c, mm, tlb, tableBase+offset)
	if fault != nil {
		return SegDescriptor{}, fault
	}
	hi, fault := readLinearL(c, mm, tlb, tableBase+offset+4)
	if fault != nil {
		return SegDescriptor{}, fault
	}

	desc := SegDescriptor{
		Selector:  selector,
		Base:      lo>>16 | (hi&0xFF)<<16 | hi&0xFF000000,
		LimitLow:  uint16(lo),
		LimitHigh: uint8(hi >> 16 & 0x0F),
		Access:    uint8(hi >> 8),
		Checked:   true,
	}
	if desc.Access&descAccessPresent == 0 {
		return SegDescriptor{}, &GuestFault{Vector: 11, ErrorCode: uint32(selector &^ 3), HasCode: true, Reason: "segment not present"}
	}
	return desc, nil
}

// LoadSegment validates and loads a segment register, caching the
// descriptor. CS loads also update CPL from the selector's RPL.
func LoadSegment(c *CPUState, mm *MemoryMap, tlb *TLB, idx int, selector uint16) *GuestFault {
	if c.CR0&cr0PE == 0 {
		loadRealSegment(c, idx, selector)
		return nil
	}

	if selector&^3 == 0 {
		if idx == SegCS || idx == SegSS {
			return NewGPFault(0)
		}
		// A null data selector loads fine and faults on first use.
		c.Seg[idx] = SegDescriptor{Selector: selector, Checked: true}
		return nil
	}

	desc, fault := readDescriptor(c, mm, tlb, selector)
	if fault != nil {
		return fault
	}
	if idx == SegCS && desc.Access&descAccessCode == 0 {
		return NewGPFault(uint32(selector &^ 3))
	}
	c.Seg[idx] = desc
	if idx == SegCS {
		c.CPL = int(selector & 3)
	}
	return nil
}

// LoadLDT services LLDT: the selector must name an LDT descriptor in
// the GDT.
func LoadLDT(c *CPUState, mm *MemoryMap, tlb *TLB, selector uint16) *GuestFault {
	if selector&^3 == 0 {
		c.LDTR = SegDescriptor{Selector: selector, Checked: true}
		return nil
	}
	if selector&4 != 0 {
		return NewGPFault(uint32(selector &^ 3))
	}
	desc, fault := readDescriptor(c, mm, tlb, selector)
	if fault != nil {
		return fault
	}
	c.LDTR = desc
	return nil
}

// DeliverInterrupt vectors through the IVT (real mode) or the IDT
// (protected mode). soft marks INT/INT3/INTO, which in this core
// deliver identically; hardware interrupts and exception delivery
// share the path. The caller has already set EIP to the return
// address it wants pushed.
func DeliverInterrupt(c *CPUState, mm *MemoryMap, tlb *TLB, vector int, errCode uint32, hasCode bool, soft bool) *GuestFault {
	if c.CR0&cr0PE == 0 {
		return realModeInterrupt(c, mm, tlb, vector)
	}

	gateOff := uint32(vector) * 8
	if gateOff+7 > uint32(c.IDTR.Limit) {
		return NewGPFault(uint32(vector)<<3 | 2)
	}
	lo, fault := readLinearL(c, mm, tlb, c.IDTR.Base+gateOff)
	if fault != nil {
		return fault
	}
	hi, fault := readLinearL(c, mm, tlb, c.IDTR.Base+gateOff+4)
	if fault != nil {
		return fault
	}
	selector := uint16(lo >> 16)
	gateType := uint8(hi >> 8 & 0x1F)
	if hi&0x8000 == 0 { // present bit
		return &GuestFault{Vector: 11, ErrorCode: uint32(vector)<<3 | 2, HasCode: true, Reason: "gate not present"}
	}

	var offset uint32
	gate32 := false
	switch gateType {
	case 0x06, 0x07: // 16-bit interrupt/trap gate
		offset = lo & 0xFFFF
	case 0x0E, 0x0F: // 32-bit interrupt/trap gate
		offset = lo&0xFFFF | hi&0xFFFF0000
		gate32 = true
	default:
		return NewGPFault(uint32(vector)<<3 | 2)
	}

	savedSP := c.ESP
	savedCS := c.Seg[SegCS]
	if fault := pushVal(c, mm, tlb, gate32, c.PackedFlags()); fault != nil {
		return fault
	}
	if fault := pushVal(c, mm, tlb, gate32, uint32(c.Seg[SegCS].Selector)); fault != nil {
		c.ESP = savedSP
		return fault
	}
	if fault := pushVal(c, mm, tlb, gate32, c.EIP); fault != nil {
		c.ESP = savedSP
		return fault
	}
	if hasCode {
		if fault := pushVal(c, mm, tlb, gate32, errCode); fault != nil {
			c.ESP = savedSP
			return fault
		}
	}
	if fault := LoadSegment(c, mm, tlb, SegCS, selector); fault != nil {
		c.ESP = savedSP
		c.Seg[SegCS] = savedCS
		return fault
	}
	c.EIP = offset
	if gateType == 0x06 || gateType == 0x0E { // interrupt gates mask IF
		c.EFlagsBase &^= eflagIF
	}
	c.EFlagsBase &^= eflagTF
	return nil
}

// InterruptReturn services IRET in either mode.
func InterruptReturn(c *CPUState, mm *MemoryMap, tlb *TLB, op32 bool) *GuestFault {
	if c.CR0&cr0PE == 0 {
		return realModeIRET(c, mm, tlb)
	}

	savedSP := c.ESP
	ip, fault := popVal(c, mm, tlb, op32)
	if fault != nil {
		return fault
	}
	sel, fault := popVal(c, mm, tlb, op32)
	if fault != nil {
		c.ESP = savedSP
		return fault
	}
	fl, fault := popVal(c, mm, tlb, op32)
	if fault != nil {
		c.ESP = savedSP
		return fault
	}
	if fault := LoadSegment(c, mm, tlb, SegCS, uint16(sel)); fault != nil {
		c.ESP = savedSP
		return fault
	}
	c.EIP = truncIP(ip, op32)
	if !op32 {
		fl = (c.PackedFlags() &^ 0xFFFF) | (fl & 0xFFFF)
	}
	c.LoadFlags(fl)
	return nil
}
