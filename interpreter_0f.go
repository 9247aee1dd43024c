// interpreter_0f.go - the two-byte 0F escape map: system instructions
// (descriptor-table loads, control-register moves, INVLPG), the 386
// bit-test and extend families, the 486 CMPXCHG/XADD/BSWAP group, and
// the MMX subset aliased onto the x87 mantissas.

package main

import "math/bits"

func (in *Interp) dispatch0F(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB

	switch {
	case op == 0x00: // group 6: SLDT/STR/LLDT/LTR/VERR/VERW
		return in.group6(d)
	case op == 0x01: // group 7: SGDT/SIDT/LGDT/LIDT/SMSW/LMSW/INVLPG
		return in.group7(d)

	case op == 0x06: // CLTS
		c.CR0 &^= 1 << 3
		return StepResult{Cycles: 10}
	case op == 0x08, op == 0x09: // INVD / WBINVD: no cache model
		return StepResult{Cycles: 4}

	case op == 0x20: // MOV r32, CRn
		m := DecodeModRM(d)
		if d.trunc || !m.IsReg {
			return StepResult{Fault: truncOrUD(d)}
		}
		var v uint32
		switch m.Reg {
		case 0:
			v = c.CR0
		case 2:
			v = c.CR2
		case 3:
			v = c.CR3
		case 4:
			v = c.CR4
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		c.SetReg32(m.RM, v)
		return StepResult{Cycles: 4}
	case op == 0x22: // MOV CRn, r32
		m := DecodeModRM(d)
		if d.trunc || !m.IsReg {
			return StepResult{Fault: truncOrUD(d)}
		}
		v := c.Reg32(m.RM)
		switch m.Reg {
		case 0:
			if (c.CR0^v)&(cr0PE|cr0PG) != 0 {
				tlb.Flush() // mode transition drops every cached translation
			}
			c.CR0 = v
		case 2:
			c.CR2 = v
		case 3:
			c.CR3 = v
			tlb.Flush()
		case 4:
			c.CR4 = v
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		return StepResult{Cycles: 12}
	case op == 0x21: // MOV r32, DRn
		m := DecodeModRM(d)
		if d.trunc || !m.IsReg {
			return StepResult{Fault: truncOrUD(d)}
		}
		c.SetReg32(m.RM, c.DR[m.Reg])
		return StepResult{Cycles: 4}
	case op == 0x23: // MOV DRn, r32
		m := DecodeModRM(d)
		if d.trunc || !m.IsReg {
			return StepResult{Fault: truncOrUD(d)}
		}
		c.DR[m.Reg] = c.Reg32(m.RM)
		return StepResult{Cycles: 12}

	case op == 0x30, op == 0x32: // WRMSR / RDMSR: no MSRs modeled
		if op == 0x32 {
			c.EAX, c.EDX = 0, 0
		}
		return StepResult{Cycles: 20}
	case op == 0x31: // RDTSC
		c.EAX = uint32(c.Cycles)
		c.EDX = uint32(uint64(c.Cycles) >> 32)
		return StepResult{Cycles: 6}

	case op >= 0x40 && op <= 0x4F: // CMOVcc r, rm
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if evalCond(c, int(op-0x40)) {
			setRegVal(c, m.Reg, d.opSize32, v)
		}
		return StepResult{Cycles: 1}

	case op == 0x77: // EMMS
		c.FPUTag = 0xFFFF
		return StepResult{Cycles: 1}

	case isMMXOpcode(op):
		return in.dispatchMMX(d, op)

	case op >= 0x80 && op <= 0x8F: // Jcc rel16/32
		var rel int32
		if d.opSize32 {
			rel = int32(d.fetch32())
		} else {
			rel = int32(int16(d.fetch16()))
		}
		if d.trunc {
			return StepResult{}
		}
		if evalCond(c, int(op-0x80)) {
			c.EIP = truncIP(uint32(int32(d.nextIP())+rel), d.opSize32)
			return StepResult{Cycles: 1, Terminates: true}
		}
		return StepResult{Cycles: 1}

	case op >= 0x90 && op <= 0x97: // SETcc rm8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		var v byte
		if evalCond(c, int(op-0x90)) {
			v = 1
		}
		return StepResult{Fault: WriteModRMByte(c, mm, tlb, m, v), Cycles: 1}

	case op == 0xA0: // PUSH FS
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, uint32(c.Seg[SegFS].Selector)), Cycles: 1}
	case op == 0xA1: // POP FS
		return in.popSeg(d, SegFS)
	case op == 0xA8: // PUSH GS
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, uint32(c.Seg[SegGS].Selector)), Cycles: 1}
	case op == 0xA9: // POP GS
		return in.popSeg(d, SegGS)

	case op == 0xA2: // CPUID
		in.cpuid()
		return StepResult{Cycles: 14}

	case op == 0xA3, op == 0xAB, op == 0xB3, op == 0xBB: // BT/BTS/BTR/BTC rm, r
		return in.bitTest(d, op>>3&3)
	case op == 0xBA: // group 8: BT/BTS/BTR/BTC rm, imm8
		return in.bitTestImm(d)

	case op == 0xA4, op == 0xA5, op == 0xAC, op == 0xAD: // SHLD/SHRD
		return in.shiftDouble(d, op)

	case op == 0xAF: // IMUL r, rm
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		width := widthOf(d.opSize32)
		var a, b int64
		if d.opSize32 {
			a, b = int64(int32(regVal(c, m.Reg, true))), int64(int32(v))
		} else {
			a, b = int64(int16(regVal(c, m.Reg, false))), int64(int16(v))
		}
		full := a * b
		setRegVal(c, m.Reg, d.opSize32, uint32(full)&widthMask(width))
		setMulOverflowFlags(c, !fitsSigned(full, width))
		return StepResult{Cycles: 10}

	case op == 0xB0: // CMPXCHG rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		aluCmp(c, uint32(c.Reg8(0)), uint32(v), 8)
		if c.Reg8(0) == v {
			return StepResult{Fault: WriteModRMByte(c, mm, tlb, m, c.Reg8(m.Reg)), Cycles: 5}
		}
		c.SetReg8(0, v)
		return StepResult{Cycles: 5}
	case op == 0xB1: // CMPXCHG rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		acc := regVal(c, 0, d.opSize32)
		aluCmp(c, acc, v, widthOf(d.opSize32))
		if acc == v {
			return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, regVal(c, m.Reg, d.opSize32)), Cycles: 5}
		}
		setRegVal(c, 0, d.opSize32, v)
		return StepResult{Cycles: 5}

	case op == 0xB2: // LSS
		return in.loadFarPointer(d, SegSS)
	case op == 0xB4: // LFS
		return in.loadFarPointer(d, SegFS)
	case op == 0xB5: // LGS
		return in.loadFarPointer(d, SegGS)

	case op == 0xB6, op == 0xB7, op == 0xBE, op == 0xBF: // MOVZX / MOVSX
		return in.movExtend(d, op)

	case op == 0xBC, op == 0xBD: // BSF / BSR
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		f := c.PackedFlags()
		if v == 0 {
			c.LoadFlags(f | eflagZF)
			return StepResult{Cycles: 6}
		}
		var idx int
		if op == 0xBC {
			idx = bits.TrailingZeros32(v)
		} else {
			idx = 31 - bits.LeadingZeros32(v)
			if !d.opSize32 {
				idx = 15 - bits.LeadingZeros16(uint16(v))
			}
		}
		setRegVal(c, m.Reg, d.opSize32, uint32(idx))
		c.LoadFlags(f &^ eflagZF)
		return StepResult{Cycles: 6}

	case op == 0xC0: // XADD rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		sum := aluAdd(c, uint32(v), uint32(c.Reg8(m.Reg)), 8, false)
		if fault := WriteModRMByte(c, mm, tlb, m, byte(sum)); fault != nil {
			return StepResult{Fault: fault}
		}
		c.SetReg8(m.Reg, v)
		return StepResult{Cycles: 3}
	case op == 0xC1: // XADD rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		sum := aluAdd(c, v, regVal(c, m.Reg, d.opSize32), widthOf(d.opSize32), false)
		if fault := WriteModRMVal(c, mm, tlb, m, d.opSize32, sum); fault != nil {
			return StepResult{Fault: fault}
		}
		setRegVal(c, m.Reg, d.opSize32, v)
		return StepResult{Cycles: 3}

	case op >= 0xC8 && op <= 0xCF: // BSWAP r32
		reg := int(op - 0xC8)
		c.SetReg32(reg, bits.ReverseBytes32(c.Reg32(reg)))
		return StepResult{Cycles: 1}

	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

func (in *Interp) popSeg(d *decodeCtx, seg int) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	v, fault := popVal(c, mm, tlb, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	if fault := LoadSegment(c, mm, tlb, seg, uint16(v)); fault != nil {
		c.ESP -= uint32(stackStep(d.opSize32))
		return StepResult{Fault: fault}
	}
	return StepResult{Cycles: 3}
}

func (in *Interp) group6(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	switch m.Reg {
	case 0: // SLDT
		return StepResult{Fault: WriteModRMWord(c, mm, tlb, m, c.LDTR.Selector), Cycles: 2}
	case 1: // STR
		return StepResult{Fault: WriteModRMWord(c, mm, tlb, m, c.TR.Selector), Cycles: 2}
	case 2: // LLDT
		sel, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Fault: LoadLDT(c, mm, tlb, sel), Cycles: 9}
	case 3: // LTR
		sel, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		desc, fault := readDescriptor(c, mm, tlb, sel)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.TR = desc
		return StepResult{Cycles: 9}
	case 4, 5: // VERR / VERW
		sel, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		f := c.PackedFlags() &^ uint32(eflagZF)
		if _, fault := readDescriptor(c, mm, tlb, sel); fault == nil {
			f |= eflagZF
		}
		c.LoadFlags(f)
		return StepResult{Cycles: 8}
	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

func (in *Interp) group7(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	switch m.Reg {
	case 0, 1: // SGDT / SIDT
		if m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		t := c.GDTR
		if m.Reg == 1 {
			t = c.IDTR
		}
		if fault := writeLinearW(c, mm, tlb, m.Linear, t.Limit); fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Fault: writeLinearL(c, mm, tlb, m.Linear+2, t.Base), Cycles: 4}
	case 2, 3: // LGDT / LIDT
		if m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		limit, fault := readLinearW(c, mm, tlb, m.Linear)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		base, fault := readLinearL(c, mm, tlb, m.Linear+2)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if !d.opSize32 {
			base &= 0x00FFFFFF
		}
		if m.Reg == 2 {
			c.GDTR = DescTableReg{Base: base, Limit: limit}
		} else {
			c.IDTR = DescTableReg{Base: base, Limit: limit}
		}
		return StepResult{Cycles: 6}
	case 4: // SMSW
		return StepResult{Fault: WriteModRMWord(c, mm, tlb, m, uint16(c.CR0)), Cycles: 2}
	case 6: // LMSW: may set PE, never clears it
		v, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		newLow := uint32(v) & 0xF
		if c.CR0&cr0PE == 0 && newLow&cr0PE != 0 {
			tlb.Flush()
		}
		newLow |= c.CR0 & cr0PE
		c.CR0 = c.CR0&^uint32(0xF) | newLow
		return StepResult{Cycles: 10}
	case 7: // INVLPG
		if m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		tlb.Invalidate(m.Linear >> pageShift)
		return StepResult{Cycles: 12}
	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

func (in *Interp) cpuid() {
	c := in.CPU
	switch c.EAX {
	case 0:
		c.EAX = 1
		c.EBX = 0x756E6547 // "Genu"
		c.EDX = 0x49656E69 // "ineI"
		c.ECX = 0x6C65746E // "ntel"
	default:
		c.EAX = 0x0543 // family 5 model 4 stepping 3
		c.EBX, c.ECX = 0, 0
		c.EDX = 1<<0 | 1<<4 | 1<<23 // FPU, TSC, MMX
	}
}

// bitTest implements BT/BTS/BTR/BTC with a register bit offset: a
// memory operand addresses the bit string at the effective address
// plus a signed displacement of whole operand widths.
func (in *Interp) bitTest(d *decodeCtx, kind byte) StepResult {
	c := in.CPU
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	width := widthOf(d.opSize32)
	bitOff := int32(regVal(c, m.Reg, d.opSize32))
	if !d.opSize32 {
		bitOff = int32(int16(bitOff))
	}
	return in.bitTestCommon(d, m, kind, bitOff, width)
}

func (in *Interp) bitTestImm(d *decodeCtx) StepResult {
	m := DecodeModRM(d)
	imm := d.fetch8()
	if d.trunc {
		return StepResult{}
	}
	if m.Reg < 4 {
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
	width := widthOf(d.opSize32)
	return in.bitTestCommon(d, m, byte(m.Reg-4), int32(imm)&int32(width-1), width)
}

func (in *Interp) bitTestCommon(d *decodeCtx, m ModRM, kind byte, bitOff int32, width int) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB

	var v uint32
	var fault *GuestFault
	bit := uint32(bitOff) & uint32(width-1)
	if m.IsReg {
		v = regVal(c, m.RM, d.opSize32)
	} else {
		// Signed displacement in whole operand widths from the EA.
		if width == 16 {
			m.Linear += uint32((bitOff >> 4) * 2)
		} else {
			m.Linear += uint32((bitOff >> 5) * 4)
		}
		v, fault = ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
	}

	set := v&(1<<bit) != 0
	f := c.PackedFlags()
	setFlag(&f, eflagCF, set)
	c.LoadFlags(f)

	var newV uint32
	switch kind {
	case 0: // BT
		return StepResult{Cycles: 4}
	case 1: // BTS
		newV = v | 1<<bit
	case 2: // BTR
		newV = v &^ (1 << bit)
	default: // BTC
		newV = v ^ 1<<bit
	}
	if m.IsReg {
		setRegVal(c, m.RM, d.opSize32, newV)
		return StepResult{Cycles: 7}
	}
	return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, newV), Cycles: 7}
}

// shiftDouble implements SHLD/SHRD with the count from an imm8 (A4/
// AC) or CL (A5/AD).
func (in *Interp) shiftDouble(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	var count uint32
	if op == 0xA4 || op == 0xAC {
		count = uint32(d.fetch8())
	} else {
		count = uint32(c.Reg8(1))
	}
	if d.trunc {
		return StepResult{}
	}
	count &= 31
	if count == 0 {
		return StepResult{Cycles: 4}
	}
	width := widthOf(d.opSize32)

	v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	src := regVal(c, m.Reg, d.opSize32)

	var result uint32
	var lastOut bool
	if op == 0xA4 || op == 0xA5 { // SHLD
		if width == 32 {
			result = v<<count | src>>(32-count)
			lastOut = v>>(32-count)&1 != 0
		} else {
			combined := v<<16 | src&0xFFFF
			result = (combined << count >> 16) & 0xFFFF
			lastOut = combined>>(32-count)&1 != 0
		}
	} else { // SHRD
		if width == 32 {
			result = v>>count | src<<(32-count)
			lastOut = v>>(count-1)&1 != 0
		} else {
			combined := src<<16 | v&0xFFFF
			result = (combined >> count) & 0xFFFF
			lastOut = combined>>(count-1)&1 != 0
		}
	}

	f := c.PackedFlags()
	setFlag(&f, eflagCF, lastOut)
	f &^= eflagSF | eflagZF | eflagPF
	if result&widthMask(width) == 0 {
		f |= eflagZF
	}
	if result&signBit(width) != 0 {
		f |= eflagSF
	}
	if parityEven(byte(result)) {
		f |= eflagPF
	}
	c.LoadFlags(f)

	return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, result), Cycles: 4}
}

func (in *Interp) movExtend(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	byteSrc := op == 0xB6 || op == 0xBE
	signed := op >= 0xBE

	var v uint32
	if byteSrc {
		b, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if signed {
			v = uint32(int32(int8(b)))
		} else {
			v = uint32(b)
		}
	} else {
		w, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if signed {
			v = uint32(int32(int16(w)))
		} else {
			v = uint32(w)
		}
	}
	setRegVal(c, m.Reg, d.opSize32, v)
	return StepResult{Cycles: 3}
}
