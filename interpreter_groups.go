// interpreter_groups.go - bodies for the /digit opcode groups, the
// stack-frame and far-transfer instructions, and the remaining
// one-byte odds and ends the main dispatch switch hands off.

package main

func (in *Interp) pusha(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	sp := c.ESP
	order := []int{0, 1, 2, 3, 4, 5, 6, 7} // AX CX DX BX SP BP SI DI
	for _, r := range order {
		v := regVal(c, r, d.opSize32)
		if r == 4 {
			v = sp
			if !d.opSize32 {
				v &= 0xFFFF
			}
		}
		if fault := pushVal(c, mm, tlb, d.opSize32, v); fault != nil {
			c.ESP = sp
			return StepResult{Fault: fault}
		}
	}
	return StepResult{Cycles: 5}
}

func (in *Interp) popa(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	sp := c.ESP
	for i := 7; i >= 0; i-- {
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			c.ESP = sp
			return StepResult{Fault: fault}
		}
		if i == 4 {
			continue // the stored SP is discarded
		}
		setRegVal(c, i, d.opSize32, v)
	}
	return StepResult{Cycles: 5}
}

func (in *Interp) bound(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc || m.IsReg {
		return StepResult{Fault: truncOrUD(d)}
	}
	var idx, lo, hi int32
	if d.opSize32 {
		l, fault := readLinearL(c, mm, tlb, m.Linear)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		h, fault := readLinearL(c, mm, tlb, m.Linear+4)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		idx, lo, hi = int32(c.Reg32(m.Reg)), int32(l), int32(h)
	} else {
		l, fault := readLinearW(c, mm, tlb, m.Linear)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		h, fault := readLinearW(c, mm, tlb, m.Linear+2)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		idx, lo, hi = int32(int16(c.Reg16(m.Reg))), int32(int16(l)), int32(int16(h))
	}
	if idx < lo || idx > hi {
		return StepResult{Fault: &GuestFault{Vector: 5, Reason: "bound range exceeded"}}
	}
	return StepResult{Cycles: 8}
}

func (in *Interp) arpl(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	if c.CR0&cr0PE == 0 {
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	dst, fault := ReadModRMWord(c, mm, tlb, m)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	src := c.Reg16(m.Reg)
	f := c.PackedFlags()
	if dst&3 < src&3 {
		dst = dst&^3 | src&3
		if fault := WriteModRMWord(c, mm, tlb, m, dst); fault != nil {
			return StepResult{Fault: fault}
		}
		f |= eflagZF
	} else {
		f &^= eflagZF
	}
	c.LoadFlags(f)
	return StepResult{Cycles: 9}
}

func (in *Interp) imulImm(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	var imm int64
	if op == 0x6B {
		imm = int64(int8(d.fetch8()))
	} else if d.opSize32 {
		imm = int64(int32(d.fetch32()))
	} else {
		imm = int64(int16(d.fetch16()))
	}
	if d.trunc {
		return StepResult{}
	}
	v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	width := widthOf(d.opSize32)
	var sv int64
	if d.opSize32 {
		sv = int64(int32(v))
	} else {
		sv = int64(int16(v))
	}
	full := sv * imm
	result := uint32(full) & widthMask(width)
	setRegVal(c, m.Reg, d.opSize32, result)
	setMulOverflowFlags(c, !fitsSigned(full, width))
	return StepResult{Cycles: 10}
}

func fitsSigned(v int64, width int) bool {
	if width == 16 {
		return v == int64(int16(v))
	}
	return v == int64(int32(v))
}

// setMulOverflowFlags sets CF and OF together after a multiply; the
// remaining arithmetic flags are architecturally undefined and left
// as they were.
func setMulOverflowFlags(c *CPUState, overflow bool) {
	f := c.PackedFlags()
	if overflow {
		f |= eflagCF | eflagOF
	} else {
		f &^= eflagCF | eflagOF
	}
	c.LoadFlags(f)
}

func (in *Interp) movOffset(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	var off uint32
	if d.addrSize32 {
		off = d.fetch32()
	} else {
		off = uint32(d.fetch16())
	}
	if d.trunc {
		return StepResult{}
	}
	seg := SegDS
	if d.segOverride >= 0 {
		seg = d.segOverride
	}
	linear := c.Seg[seg].Base + off

	switch op {
	case 0xA0: // MOV AL, moffs
		v, fault := readLinearB(c, mm, tlb, linear)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.SetReg8(0, v)
	case 0xA1: // MOV eAX, moffs
		if d.opSize32 {
			v, fault := readLinearL(c, mm, tlb, linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.EAX = v
		} else {
			v, fault := readLinearW(c, mm, tlb, linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.SetReg16(0, v)
		}
	case 0xA2: // MOV moffs, AL
		if fault := writeLinearB(c, mm, tlb, linear, c.Reg8(0)); fault != nil {
			return StepResult{Fault: fault}
		}
	default: // 0xA3: MOV moffs, eAX
		var fault *GuestFault
		if d.opSize32 {
			fault = writeLinearL(c, mm, tlb, linear, c.EAX)
		} else {
			fault = writeLinearW(c, mm, tlb, linear, c.Reg16(0))
		}
		if fault != nil {
			return StepResult{Fault: fault}
		}
	}
	return StepResult{Cycles: 1}
}

type shiftCountSource int

const (
	shiftCountImm shiftCountSource = iota
	shiftCountOne
	shiftCountCL
)

// shiftGroup executes the C0/C1/D0-D3 shift-and-rotate group; the
// ModRM reg field selects ROL/ROR/RCL/RCR/SHL/SHR/SHL/SAR.
func (in *Interp) shiftGroup(d *decodeCtx, op byte, src shiftCountSource) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	var count uint32
	switch src {
	case shiftCountImm:
		count = uint32(d.fetch8())
	case shiftCountOne:
		count = 1
	default:
		count = uint32(c.Reg8(1))
	}
	if d.trunc {
		return StepResult{}
	}
	count &= 31
	byteForm := op&1 == 0
	width := 8
	if !byteForm {
		width = widthOf(d.opSize32)
	}

	if count == 0 {
		return StepResult{Cycles: 1} // count 0 leaves operand and flags alone
	}

	var v uint32
	var fault *GuestFault
	if byteForm {
		var b byte
		b, fault = ReadModRMByte(c, mm, tlb, m)
		v = uint32(b)
	} else {
		v, fault = ReadModRMVal(c, mm, tlb, m, d.opSize32)
	}
	if fault != nil {
		return StepResult{Fault: fault}
	}

	var result uint32
	switch m.Reg {
	case 0, 1, 2, 3:
		result = aluRotate(c, byte(m.Reg), v, count, width)
	case 4, 6:
		result = aluShl(c, v, count, width)
	case 5:
		result = aluShr(c, v, count, width)
	default:
		result = aluSar(c, v, count, width)
	}

	if byteForm {
		fault = WriteModRMByte(c, mm, tlb, m, byte(result))
	} else {
		fault = WriteModRMVal(c, mm, tlb, m, d.opSize32, result)
	}
	if fault != nil {
		return StepResult{Fault: fault}
	}
	cycles := 1
	if m.Reg < 4 {
		cycles = 3 // rotates never pair and cost more
	}
	return StepResult{Cycles: cycles}
}

func (in *Interp) enter(d *decodeCtx) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	allocSize := d.fetch16()
	level := int(d.fetch8()) & 31
	if d.trunc {
		return StepResult{}
	}
	savedSP := c.ESP
	if fault := pushVal(c, mm, tlb, d.opSize32, c.EBP); fault != nil {
		return StepResult{Fault: fault}
	}
	frame := c.ESP
	for i := 1; i < level; i++ {
		c.EBP -= uint32(stackStep(d.opSize32))
		var v uint32
		var fault *GuestFault
		if d.opSize32 {
			v, fault = readLinearL(c, mm, tlb, c.Seg[SegSS].Base+c.EBP)
		} else {
			var w uint16
			w, fault = readLinearW(c, mm, tlb, c.Seg[SegSS].Base+c.EBP)
			v = uint32(w)
		}
		if fault != nil {
			c.ESP = savedSP
			return StepResult{Fault: fault}
		}
		if fault := pushVal(c, mm, tlb, d.opSize32, v); fault != nil {
			c.ESP = savedSP
			return StepResult{Fault: fault}
		}
	}
	if level > 0 {
		if fault := pushVal(c, mm, tlb, d.opSize32, frame); fault != nil {
			c.ESP = savedSP
			return StepResult{Fault: fault}
		}
	}
	if d.opSize32 {
		c.EBP = frame
	} else {
		c.SetReg16(5, uint16(frame))
	}
	c.ESP -= uint32(allocSize)
	return StepResult{Cycles: 11}
}

func (in *Interp) farCall(d *decodeCtx, sel uint16, off uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	savedSP := c.ESP
	if fault := pushVal(c, mm, tlb, d.opSize32, uint32(c.Seg[SegCS].Selector)); fault != nil {
		return StepResult{Fault: fault}
	}
	if fault := pushVal(c, mm, tlb, d.opSize32, d.nextIP()); fault != nil {
		c.ESP = savedSP
		return StepResult{Fault: fault}
	}
	if fault := LoadSegment(c, mm, tlb, SegCS, sel); fault != nil {
		c.ESP = savedSP
		return StepResult{Fault: fault}
	}
	c.EIP = truncIP(off, d.opSize32)
	return StepResult{Cycles: 4, Terminates: true}
}

func (in *Interp) farReturn(d *decodeCtx, spAdjust uint16) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	savedSP := c.ESP
	ip, fault := popVal(c, mm, tlb, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	sel, fault := popVal(c, mm, tlb, d.opSize32)
	if fault != nil {
		c.ESP = savedSP
		return StepResult{Fault: fault}
	}
	if fault := LoadSegment(c, mm, tlb, SegCS, uint16(sel)); fault != nil {
		c.ESP = savedSP
		return StepResult{Fault: fault}
	}
	c.EIP = truncIP(ip, d.opSize32)
	c.ESP += uint32(spAdjust)
	return StepResult{Cycles: 4, Terminates: true}
}

// loadFarPointer implements LES/LDS (and the 0F-escape LSS/LFS/LGS):
// a memory operand holding offset then selector, loaded into the
// destination register and the named segment.
func (in *Interp) loadFarPointer(d *decodeCtx, seg int) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc || m.IsReg {
		return StepResult{Fault: truncOrUD(d)}
	}
	off, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	selAt := m.Linear + 2
	if d.opSize32 {
		selAt = m.Linear + 4
	}
	sel, fault := readLinearW(c, mm, tlb, selAt)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	if fault := LoadSegment(c, mm, tlb, seg, sel); fault != nil {
		return StepResult{Fault: fault}
	}
	setRegVal(c, m.Reg, d.opSize32, off)
	return StepResult{Cycles: 4}
}

func (in *Interp) loopOp(d *decodeCtx, op byte) StepResult {
	c := in.CPU
	rel := int32(int8(d.fetch8()))
	if d.trunc {
		return StepResult{}
	}
	target := truncIP(uint32(int32(d.nextIP())+rel), d.opSize32)

	if op == 0xE3 { // JCXZ
		if strCount(c, d.addrSize32) == 0 {
			c.EIP = target
			return StepResult{Cycles: 6, Terminates: true}
		}
		return StepResult{Cycles: 5}
	}

	cnt := strCount(c, d.addrSize32) - 1
	setStrCount(c, d.addrSize32, cnt)
	taken := cnt != 0
	switch op {
	case 0xE0: // LOOPNE
		taken = taken && !c.Quad.EvalZF()
	case 0xE1: // LOOPE
		taken = taken && c.Quad.EvalZF()
	}
	if taken {
		c.EIP = target
		return StepResult{Cycles: 6, Terminates: true}
	}
	return StepResult{Cycles: 5}
}

// group3 is the F6/F7 /digit group: TEST imm, NOT, NEG, MUL, IMUL,
// DIV, IDIV.
func (in *Interp) group3(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	byteForm := op == 0xF6
	width := 8
	if !byteForm {
		width = widthOf(d.opSize32)
	}

	readOperand := func() (uint32, *GuestFault) {
		if byteForm {
			v, fault := ReadModRMByte(c, mm, tlb, m)
			return uint32(v), fault
		}
		return ReadModRMVal(c, mm, tlb, m, d.opSize32)
	}
	writeOperand := func(v uint32) *GuestFault {
		if byteForm {
			return WriteModRMByte(c, mm, tlb, m, byte(v))
		}
		return WriteModRMVal(c, mm, tlb, m, d.opSize32, v)
	}

	switch m.Reg {
	case 0, 1: // TEST rm, imm
		var imm uint32
		if byteForm {
			imm = uint32(d.fetch8())
		} else {
			imm = d.fetchImm()
		}
		if d.trunc {
			return StepResult{}
		}
		v, fault := readOperand()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		aluLogic(c, v&imm, width)
		return StepResult{Cycles: 1}

	case 2: // NOT
		if d.trunc {
			return StepResult{}
		}
		v, fault := readOperand()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Fault: writeOperand(^v & widthMask(width)), Cycles: 1}

	case 3: // NEG
		if d.trunc {
			return StepResult{}
		}
		v, fault := readOperand()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := aluSub(c, 0, v, width, false)
		return StepResult{Fault: writeOperand(result), Cycles: 1}

	case 4, 5: // MUL / IMUL
		if d.trunc {
			return StepResult{}
		}
		v, fault := readOperand()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		in.multiply(d, v, width, m.Reg == 5)
		return StepResult{Cycles: 10}

	default: // 6, 7: DIV / IDIV
		if d.trunc {
			return StepResult{}
		}
		v, fault := readOperand()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		return in.divide(d, v, width, m.Reg == 7)
	}
}

func (in *Interp) multiply(d *decodeCtx, v uint32, width int, signed bool) {
	c := in.CPU
	switch width {
	case 8:
		var full uint32
		if signed {
			full = uint32(int32(int8(c.Reg8(0))) * int32(int8(v)))
		} else {
			full = uint32(c.Reg8(0)) * v
		}
		c.SetReg16(0, uint16(full))
		if signed {
			setMulOverflowFlags(c, int16(full) != int16(int8(full)))
		} else {
			setMulOverflowFlags(c, full>>8 != 0)
		}
	case 16:
		var full uint32
		if signed {
			full = uint32(int32(int16(c.Reg16(0))) * int32(int16(v)))
		} else {
			full = uint32(c.Reg16(0)) * v
		}
		c.SetReg16(0, uint16(full))
		c.SetReg16(2, uint16(full>>16))
		if signed {
			setMulOverflowFlags(c, int32(full) != int32(int16(full)))
		} else {
			setMulOverflowFlags(c, full>>16 != 0)
		}
	default:
		var full uint64
		if signed {
			full = uint64(int64(int32(c.EAX)) * int64(int32(v)))
		} else {
			full = uint64(c.EAX) * uint64(v)
		}
		c.EAX = uint32(full)
		c.EDX = uint32(full >> 32)
		if signed {
			setMulOverflowFlags(c, int64(full) != int64(int32(full)))
		} else {
			setMulOverflowFlags(c, full>>32 != 0)
		}
	}
}

func divideError() *GuestFault {
	return &GuestFault{Vector: 0, Reason: "divide error"}
}

func (in *Interp) divide(d *decodeCtx, v uint32, width int, signed bool) StepResult {
	c := in.CPU
	if v == 0 {
		return StepResult{Fault: divideError()}
	}
	switch width {
	case 8:
		dividend := uint32(c.Reg16(0))
		if signed {
			q := int32(int16(dividend)) / int32(int8(v))
			r := int32(int16(dividend)) % int32(int8(v))
			if q != int32(int8(q)) {
				return StepResult{Fault: divideError()}
			}
			c.SetReg8(0, byte(q))
			c.SetReg8(4, byte(r))
		} else {
			q := dividend / v
			if q > 0xFF {
				return StepResult{Fault: divideError()}
			}
			c.SetReg8(0, byte(q))
			c.SetReg8(4, byte(dividend%v))
		}
	case 16:
		dividend := uint32(c.Reg16(2))<<16 | uint32(c.Reg16(0))
		if signed {
			q := int64(int32(dividend)) / int64(int16(v))
			r := int64(int32(dividend)) % int64(int16(v))
			if q != int64(int16(q)) {
				return StepResult{Fault: divideError()}
			}
			c.SetReg16(0, uint16(q))
			c.SetReg16(2, uint16(r))
		} else {
			q := dividend / v
			if q > 0xFFFF {
				return StepResult{Fault: divideError()}
			}
			c.SetReg16(0, uint16(q))
			c.SetReg16(2, uint16(dividend%v))
		}
	default:
		dividend := uint64(c.EDX)<<32 | uint64(c.EAX)
		if signed {
			q := int64(dividend) / int64(int32(v))
			r := int64(dividend) % int64(int32(v))
			if q != int64(int32(q)) {
				return StepResult{Fault: divideError()}
			}
			c.EAX = uint32(q)
			c.EDX = uint32(r)
		} else {
			q := dividend / uint64(v)
			if q > 0xFFFFFFFF {
				return StepResult{Fault: divideError()}
			}
			c.EAX = uint32(q)
			c.EDX = uint32(dividend % uint64(v))
		}
	}
	return StepResult{Cycles: 25}
}

// group45 is the FE (INC/DEC rm8) and FF (INC/DEC/CALL/JMP/PUSH)
// /digit group, including the far-indirect CALL and JMP forms that
// read a ptr16:16/32 from memory.
func (in *Interp) group45(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}

	if op == 0xFE {
		if m.Reg > 1 {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		var r uint32
		if m.Reg == 0 {
			r = aluInc(c, uint32(v), 8)
		} else {
			r = aluDec(c, uint32(v), 8)
		}
		return StepResult{Fault: WriteModRMByte(c, mm, tlb, m, byte(r)), Cycles: 1}
	}

	switch m.Reg {
	case 0, 1: // INC/DEC rm
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		var r uint32
		if m.Reg == 0 {
			r = aluInc(c, v, widthOf(d.opSize32))
		} else {
			r = aluDec(c, v, widthOf(d.opSize32))
		}
		return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, r), Cycles: 1}

	case 2: // CALL near indirect
		target, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := pushVal(c, mm, tlb, d.opSize32, d.nextIP()); fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = truncIP(target, d.opSize32)
		return StepResult{Cycles: 2, Terminates: true}

	case 3: // CALL far indirect
		if m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		off, sel, fault := readFarPtr(c, mm, tlb, m.Linear, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		return in.farCall(d, sel, off)

	case 4: // JMP near indirect
		target, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = truncIP(target, d.opSize32)
		return StepResult{Cycles: 2, Terminates: true}

	case 5: // JMP far indirect
		if m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		off, sel, fault := readFarPtr(c, mm, tlb, m.Linear, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := LoadSegment(c, mm, tlb, SegCS, sel); fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = truncIP(off, d.opSize32)
		return StepResult{Cycles: 4, Terminates: true}

	case 6: // PUSH rm
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, v), Cycles: 1}

	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

func readFarPtr(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, op32 bool) (off uint32, sel uint16, fault *GuestFault) {
	if op32 {
		off, fault = readLinearL(c, mm, tlb, linear)
		if fault != nil {
			return
		}
		sel, fault = readLinearW(c, mm, tlb, linear+4)
		return
	}
	var o16 uint16
	o16, fault = readLinearW(c, mm, tlb, linear)
	if fault != nil {
		return
	}
	off = uint32(o16)
	sel, fault = readLinearW(c, mm, tlb, linear+2)
	return
}

// bcdAdjust implements DAA/DAS/AAA/AAS over AL/AH with eagerly
// computed flags.
func (in *Interp) bcdAdjust(op byte) StepResult {
	c := in.CPU
	al := c.Reg8(0)
	f := c.PackedFlags()
	af := f&eflagAF != 0
	cf := f&eflagCF != 0

	switch op {
	case 0x27: // DAA
		old := al
		if al&0xF > 9 || af {
			al += 6
			f |= eflagAF
		}
		if old > 0x99 || cf {
			al += 0x60
			f |= eflagCF
		} else {
			f &^= eflagCF
		}
		c.SetReg8(0, al)
		f = setSZPByte(f, al)
	case 0x2F: // DAS
		old := al
		if al&0xF > 9 || af {
			al -= 6
			f |= eflagAF
		}
		if old > 0x99 || cf {
			al -= 0x60
			f |= eflagCF
		} else {
			f &^= eflagCF
		}
		c.SetReg8(0, al)
		f = setSZPByte(f, al)
	case 0x37: // AAA
		if al&0xF > 9 || af {
			c.SetReg8(0, (al+6)&0xF)
			c.SetReg8(4, c.Reg8(4)+1)
			f |= eflagAF | eflagCF
		} else {
			c.SetReg8(0, al&0xF)
			f &^= eflagAF | eflagCF
		}
	default: // 0x3F: AAS
		if al&0xF > 9 || af {
			c.SetReg8(0, (al-6)&0xF)
			c.SetReg8(4, c.Reg8(4)-1)
			f |= eflagAF | eflagCF
		} else {
			c.SetReg8(0, al&0xF)
			f &^= eflagAF | eflagCF
		}
	}
	c.LoadFlags(f)
	return StepResult{Cycles: 3}
}

func setSZPByte(f uint32, v byte) uint32 {
	f &^= eflagSF | eflagZF | eflagPF
	if v == 0 {
		f |= eflagZF
	}
	if v&0x80 != 0 {
		f |= eflagSF
	}
	if parityEven(v) {
		f |= eflagPF
	}
	return f
}
