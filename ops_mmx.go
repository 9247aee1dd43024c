// ops_mmx.go - the MMX integer SIMD set, operating on the low 64 bits
// of the x87 registers exactly as the hardware aliases them: any MMX
// write tags the whole x87 stack valid and resets TOS, EMMS (in the
// 0F dispatch) empties it again.

package main

func isMMXOpcode(op byte) bool {
	switch {
	case op >= 0x60 && op <= 0x62, // PUNPCKLBW/LWD/LDQ
		op >= 0x64 && op <= 0x66, // PCMPGTB/W/D
		op == 0x6E, op == 0x6F, // MOVD/MOVQ load
		op >= 0x71 && op <= 0x73, // shift-by-imm groups
		op >= 0x74 && op <= 0x76, // PCMPEQB/W/D
		op == 0x7E, op == 0x7F, // MOVD/MOVQ store
		op >= 0xD1 && op <= 0xD3, // PSRLW/D/Q
		op == 0xD5,               // PMULLW
		op == 0xDB, op == 0xDF, // PAND/PANDN
		op == 0xE1, op == 0xE2, // PSRAW/D
		op == 0xE5,             // PMULHW
		op == 0xEB, op == 0xEF, // POR/PXOR
		op >= 0xF1 && op <= 0xF3, // PSLLW/D/Q
		op >= 0xF8 && op <= 0xFA, // PSUBB/W/D
		op >= 0xFC && op <= 0xFE: // PADDB/W/D
		return true
	}
	return false
}

func (c *CPUState) mmWrite(i int, v uint64) {
	c.FPU[i].Mantissa = v
	c.FPU[i].SignExp = 0xFFFF
	c.FPUTag = 0 // every register valid
	c.FPUTop = 0
}

func (in *Interp) dispatchMMX(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}

	// Shift-by-immediate groups carry the count as a trailing imm8
	// against a register-direct mm operand.
	if op >= 0x71 && op <= 0x73 {
		imm := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		if !m.IsReg {
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		v := c.FPU[m.RM].Mantissa
		lane := 16 << (op - 0x71) // 71=word, 72=dword, 73=qword lanes
		var r uint64
		switch m.Reg {
		case 2: // PSRL
			r = mmxShift(v, lane, int(imm), mmxShiftRight)
		case 4: // PSRA (no qword form)
			if op == 0x73 {
				return StepResult{Fault: NewInvalidOpcodeFault()}
			}
			r = mmxShift(v, lane, int(imm), mmxShiftArith)
		case 6: // PSLL
			r = mmxShift(v, lane, int(imm), mmxShiftLeft)
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
		c.mmWrite(m.RM, r)
		return StepResult{Cycles: 1}
	}

	switch op {
	case 0x6E: // MOVD mm, rm32
		v, fault := ReadModRMLong(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.mmWrite(m.Reg, uint64(v))
		return StepResult{Cycles: 1}
	case 0x7E: // MOVD rm32, mm
		return StepResult{Fault: WriteModRMLong(c, mm, tlb, m, uint32(c.FPU[m.Reg].Mantissa)), Cycles: 1}
	case 0x6F: // MOVQ mm, mm/m64
		v, fault := ReadModRMQuad(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.mmWrite(m.Reg, v)
		return StepResult{Cycles: 1}
	case 0x7F: // MOVQ mm/m64, mm
		return StepResult{Fault: WriteModRMQuad(c, mm, tlb, m, c.FPU[m.Reg].Mantissa), Cycles: 1}
	}

	src, fault := ReadModRMQuad(c, mm, tlb, m)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	dst := c.FPU[m.Reg].Mantissa

	var r uint64
	switch op {
	case 0x60: // PUNPCKLBW
		r = mmxUnpackLow(dst, src, 8)
	case 0x61: // PUNPCKLWD
		r = mmxUnpackLow(dst, src, 16)
	case 0x62: // PUNPCKLDQ
		r = mmxUnpackLow(dst, src, 32)
	case 0x64, 0x65, 0x66: // PCMPGT
		r = mmxCompare(dst, src, 8<<(op-0x64), true)
	case 0x74, 0x75, 0x76: // PCMPEQ
		r = mmxCompare(dst, src, 8<<(op-0x74), false)
	case 0xD1, 0xD2, 0xD3: // PSRL by mm count
		r = mmxShift(dst, 16<<(op-0xD1), mmxCount(src), mmxShiftRight)
	case 0xD5: // PMULLW
		r = mmxMulWords(dst, src, false)
	case 0xDB: // PAND
		r = dst & src
	case 0xDF: // PANDN
		r = ^dst & src
	case 0xE1, 0xE2: // PSRA by mm count
		r = mmxShift(dst, 16<<(op-0xE1), mmxCount(src), mmxShiftArith)
	case 0xE5: // PMULHW
		r = mmxMulWords(dst, src, true)
	case 0xEB: // POR
		r = dst | src
	case 0xEF: // PXOR
		r = dst ^ src
	case 0xF1, 0xF2, 0xF3: // PSLL by mm count
		r = mmxShift(dst, 16<<(op-0xF1), mmxCount(src), mmxShiftLeft)
	case 0xF8, 0xF9, 0xFA: // PSUB
		r = mmxAddSub(dst, src, 8<<(op-0xF8), true)
	case 0xFC, 0xFD, 0xFE: // PADD
		r = mmxAddSub(dst, src, 8<<(op-0xFC), false)
	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
	c.mmWrite(m.Reg, r)
	return StepResult{Cycles: 1}
}

func mmxCount(v uint64) int {
	if v > 63 {
		return 64
	}
	return int(v)
}

func mmxAddSub(a, b uint64, lane int, sub bool) uint64 {
	mask := uint64(1)<<lane - 1
	if lane == 64 {
		mask = ^uint64(0)
	}
	var r uint64
	for shift := 0; shift < 64; shift += lane {
		x := a >> shift & mask
		y := b >> shift & mask
		var l uint64
		if sub {
			l = (x - y) & mask
		} else {
			l = (x + y) & mask
		}
		r |= l << shift
	}
	return r
}

func mmxCompare(a, b uint64, lane int, greater bool) uint64 {
	mask := uint64(1)<<lane - 1
	signB := uint64(1) << (lane - 1)
	var r uint64
	for shift := 0; shift < 64; shift += lane {
		x := a >> shift & mask
		y := b >> shift & mask
		var hit bool
		if greater {
			// signed compare per lane
			hit = int64(x^signB)-int64(y^signB) > 0
		} else {
			hit = x == y
		}
		if hit {
			r |= mask << shift
		}
	}
	return r
}

type mmxShiftKind int

const (
	mmxShiftLeft mmxShiftKind = iota
	mmxShiftRight
	mmxShiftArith
)

func mmxShift(a uint64, lane int, count int, kind mmxShiftKind) uint64 {
	if count >= lane && kind != mmxShiftArith {
		return 0
	}
	mask := uint64(1)<<lane - 1
	if lane == 64 {
		mask = ^uint64(0)
	}
	var r uint64
	for shift := 0; shift < 64; shift += lane {
		x := a >> shift & mask
		var l uint64
		switch kind {
		case mmxShiftLeft:
			l = x << count & mask
		case mmxShiftRight:
			l = x >> count
		default:
			n := count
			if n >= lane {
				n = lane - 1
			}
			sx := int64(x<<(64-lane)) >> (64 - lane) // sign-extend the lane
			l = uint64(sx>>n) & mask
		}
		r |= l << shift
	}
	return r
}

func mmxMulWords(a, b uint64, high bool) uint64 {
	var r uint64
	for shift := 0; shift < 64; shift += 16 {
		x := int32(int16(a >> shift))
		y := int32(int16(b >> shift))
		full := uint32(x * y)
		lane := uint64(uint16(full))
		if high {
			lane = uint64(uint16(full >> 16))
		}
		r |= lane << shift
	}
	return r
}

func mmxUnpackLow(a, b uint64, lane int) uint64 {
	mask := uint64(1)<<lane - 1
	var r uint64
	outShift := 0
	for shift := 0; outShift < 64; shift += lane {
		r |= (a >> shift & mask) << outShift
		outShift += lane
		r |= (b >> shift & mask) << outShift
		outShift += lane
	}
	return r
}
