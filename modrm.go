// modrm.go - ModRM/SIB decoding and effective-address computation.
// Every effective address is resolved through Translate before any
// byte is touched, so a faulting access never partially executes.

package main

// decodeCtx bundles the pieces one instruction decode needs: the
// owning CPU, the fetched code window, the cursor, the EIP at the
// first prefix byte, and the prefix state parsed by Step.
type decodeCtx struct {
	c     *CPUState
	code  []byte
	pos   int
	start uint32

	opSize32    bool
	addrSize32  bool
	segOverride int // -1 when no override prefix was seen
	rep         int // 0 none, 1 REP/REPE, 2 REPNE

	// trunc latches when decode indexes past the fetched window; the
	// stepper surfaces the deferred fetch fault instead of letting an
	// instruction execute with garbage operand bytes.
	trunc bool
}

func (d *decodeCtx) fetch8() byte {
	if d.pos >= len(d.code) {
		d.trunc = true
		return 0
	}
	b := d.code[d.pos]
	d.pos++
	return b
}

func (d *decodeCtx) fetch16() uint16 {
	lo := d.fetch8()
	hi := d.fetch8()
	return uint16(lo) | uint16(hi)<<8
}

func (d *decodeCtx) fetch32() uint32 {
	lo := d.fetch16()
	hi := d.fetch16()
	return uint32(lo) | uint32(hi)<<16
}

// fetchImm pulls a 16- or 32-bit immediate per the operand-size prefix.
func (d *decodeCtx) fetchImm() uint32 {
	if d.opSize32 {
		return d.fetch32()
	}
	return uint32(d.fetch16())
}

// nextIP is the EIP of the instruction following this one.
func (d *decodeCtx) nextIP() uint32 {
	return d.start + uint32(d.pos)
}

// ModRM is the decoded mod/reg/rm triple plus, for a memory operand,
// its linear effective address and governing segment index. IsReg
// distinguishes a register-direct rm operand (mod==3) from a memory
// one.
type ModRM struct {
	Mod, Reg, RM int
	IsReg        bool
	Seg          int
	Linear       uint32
	Offset       uint32 // segment-relative effective address, for LEA
}

// DecodeModRM performs the classic mod/reg/rm plus SIB/disp decode,
// honoring the address-size prefix (16 vs 32-bit addressing) and any
// segment override already parsed into the decode context.
func DecodeModRM(d *decodeCtx) ModRM {
	b := d.fetch8()
	m := ModRM{Mod: int(b >> 6), Reg: int(b>>3) & 7, RM: int(b & 7)}
	if m.Mod == 3 {
		m.IsReg = true
		return m
	}

	var base int32
	seg := SegDS

	if d.addrSize32 {
		rm := m.RM
		if rm == 4 {
			sib := d.fetch8()
			scale := 1 << (sib >> 6)
			index := int(sib>>3) & 7
			baseReg := int(sib & 7)
			var disp int32
			if index != 4 {
				disp = int32(d.c.Reg32(index)) * int32(scale)
			}
			if baseReg == 5 && m.Mod == 0 {
				base = int32(d.fetch32())
			} else {
				base = int32(d.c.Reg32(baseReg))
				if baseReg == 4 || baseReg == 5 {
					seg = SegSS
				}
			}
			base += disp
		} else if rm == 5 && m.Mod == 0 {
			base = int32(d.fetch32())
		} else {
			base = int32(d.c.Reg32(rm))
			if rm == 4 || rm == 5 {
				seg = SegSS
			}
		}
	} else {
		switch m.RM {
		case 0:
			base = int32(d.c.Reg32(3)) + int32(int16(d.c.Reg32(6)))
		case 1:
			base = int32(d.c.Reg32(3)) + int32(int16(d.c.Reg32(7)))
		case 2:
			base = int32(d.c.Reg32(5)) + int32(int16(d.c.Reg32(6)))
			seg = SegSS
		case 3:
			base = int32(d.c.Reg32(5)) + int32(int16(d.c.Reg32(7)))
			seg = SegSS
		case 4:
			base = int32(int16(d.c.Reg32(6)))
		case 5:
			base = int32(int16(d.c.Reg32(7)))
		case 6:
			if m.Mod == 0 {
				base = int32(int16(d.fetch16()))
			} else {
				base = int32(d.c.Reg32(5))
				seg = SegSS
			}
		case 7:
			base = int32(d.c.Reg32(3))
		}
	}

	switch m.Mod {
	case 1:
		base += int32(int8(d.fetch8()))
	case 2:
		if d.addrSize32 {
			base += int32(d.fetch32())
		} else {
			base += int32(int16(d.fetch16()))
		}
	}

	if d.segOverride >= 0 {
		seg = d.segOverride
	}
	m.Seg = seg
	m.Offset = uint32(base)
	if !d.addrSize32 {
		m.Offset &= 0xFFFF
	}
	m.Linear = d.c.Seg[seg].Base + m.Offset
	return m
}

// --- linear-address access helpers shared by operand fetch, the
// stack, string ops, and descriptor-table walks. Each goes through
// the TLB fast path first and falls back to Translate+MemoryMap. ---

func readLinearB(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32) (byte, *GuestFault) {
	if v, ok := FastRead(tlb, TLBRead, linear); ok {
		return v, nil
	}
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBRead)
	if fault != nil {
		return 0, fault
	}
	return mm.ReadB(phys), nil
}

func readLinearW(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32) (uint16, *GuestFault) {
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBRead)
	if fault != nil {
		return 0, fault
	}
	return mm.ReadW(phys), nil
}

func readLinearL(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32) (uint32, *GuestFault) {
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBRead)
	if fault != nil {
		return 0, fault
	}
	return mm.ReadL(phys), nil
}

func readLinearQ(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32) (uint64, *GuestFault) {
	lo, fault := readLinearL(c, mm, tlb, linear)
	if fault != nil {
		return 0, fault
	}
	hi, fault := readLinearL(c, mm, tlb, linear+4)
	if fault != nil {
		return 0, fault
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func writeLinearB(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, v byte) *GuestFault {
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBWrite)
	if fault != nil {
		return fault
	}
	mm.WriteB(phys, v)
	return nil
}

func writeLinearW(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, v uint16) *GuestFault {
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBWrite)
	if fault != nil {
		return fault
	}
	mm.WriteW(phys, v)
	return nil
}

func writeLinearL(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, v uint32) *GuestFault {
	phys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, linear, TLBWrite)
	if fault != nil {
		return fault
	}
	mm.WriteL(phys, v)
	return nil
}

func writeLinearQ(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, v uint64) *GuestFault {
	if fault := writeLinearL(c, mm, tlb, linear, uint32(v)); fault != nil {
		return fault
	}
	return writeLinearL(c, mm, tlb, linear+4, uint32(v>>32))
}

// --- rm-operand accessors over a decoded ModRM ---

func ReadModRMByte(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM) (byte, *GuestFault) {
	if m.IsReg {
		return c.Reg8(m.RM), nil
	}
	return readLinearB(c, mm, tlb, m.Linear)
}

func WriteModRMByte(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, v byte) *GuestFault {
	if m.IsReg {
		c.SetReg8(m.RM, v)
		return nil
	}
	return writeLinearB(c, mm, tlb, m.Linear, v)
}

func ReadModRMWord(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM) (uint16, *GuestFault) {
	if m.IsReg {
		return c.Reg16(m.RM), nil
	}
	return readLinearW(c, mm, tlb, m.Linear)
}

func WriteModRMWord(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, v uint16) *GuestFault {
	if m.IsReg {
		c.SetReg16(m.RM, v)
		return nil
	}
	return writeLinearW(c, mm, tlb, m.Linear, v)
}

func ReadModRMLong(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM) (uint32, *GuestFault) {
	if m.IsReg {
		return c.Reg32(m.RM), nil
	}
	return readLinearL(c, mm, tlb, m.Linear)
}

func WriteModRMLong(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, v uint32) *GuestFault {
	if m.IsReg {
		c.SetReg32(m.RM, v)
		return nil
	}
	return writeLinearL(c, mm, tlb, m.Linear, v)
}

// ReadModRMVal/WriteModRMVal fold the operand-size branch every
// two-operand instruction body otherwise repeats.
func ReadModRMVal(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, op32 bool) (uint32, *GuestFault) {
	if op32 {
		return ReadModRMLong(c, mm, tlb, m)
	}
	v, fault := ReadModRMWord(c, mm, tlb, m)
	return uint32(v), fault
}

func WriteModRMVal(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, op32 bool, v uint32) *GuestFault {
	if op32 {
		return WriteModRMLong(c, mm, tlb, m, v)
	}
	return WriteModRMWord(c, mm, tlb, m, uint16(v))
}

// ReadModRMQuad/WriteModRMQuad access a 64-bit memory operand (MMX,
// x87 double loads). A register-direct rm aliases the MMX register.
func ReadModRMQuad(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM) (uint64, *GuestFault) {
	if m.IsReg {
		return c.FPU[m.RM].Mantissa, nil
	}
	return readLinearQ(c, mm, tlb, m.Linear)
}

func WriteModRMQuad(c *CPUState, mm *MemoryMap, tlb *TLB, m ModRM, v uint64) *GuestFault {
	if m.IsReg {
		c.FPU[m.RM].Mantissa = v
		c.FPU[m.RM].SignExp = 0xFFFF
		return nil
	}
	return writeLinearQ(c, mm, tlb, m.Linear, v)
}

func regVal(c *CPUState, reg int, op32 bool) uint32 {
	if op32 {
		return c.Reg32(reg)
	}
	return uint32(c.Reg16(reg))
}

func setRegVal(c *CPUState, reg int, op32 bool, v uint32) {
	if op32 {
		c.SetReg32(reg, v)
	} else {
		c.SetReg16(reg, uint16(v))
	}
}
