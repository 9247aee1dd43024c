// ops_x87.go - the D8-DF x87 escape range. Register values are kept
// as float64 bit patterns in the mantissa field, which keeps the MMX
// aliasing exact while trading the last 11 bits of extended precision
// away; the status word's condition codes and the TOS/tag machinery
// are modeled fully.

package main

import "math"

const (
	fpuC0 = 1 << 8
	fpuC1 = 1 << 9
	fpuC2 = 1 << 10
	fpuC3 = 1 << 14
)

func (c *CPUState) stIndex(i int) int { return (c.FPUTop + i) & 7 }

func (c *CPUState) stGet(i int) float64 {
	return math.Float64frombits(c.FPU[c.stIndex(i)].Mantissa)
}

func (c *CPUState) stSet(i int, v float64) {
	idx := c.stIndex(i)
	bits := math.Float64bits(v)
	c.FPU[idx].Mantissa = bits
	c.FPU[idx].SignExp = uint16(bits >> 48)
	tag := uint16(0)
	if v == 0 {
		tag = 1
	} else if math.IsInf(v, 0) || math.IsNaN(v) {
		tag = 2
	}
	c.FPUTag = c.FPUTag&^(3<<(idx*2)) | tag<<(idx*2)
}

func (c *CPUState) fpuPush(v float64) {
	c.FPUTop = (c.FPUTop - 1) & 7
	c.stSet(0, v)
	c.FPUStatus = c.FPUStatus&^0x3800 | uint16(c.FPUTop)<<11
}

func (c *CPUState) fpuPop() {
	idx := c.stIndex(0)
	c.FPUTag |= 3 << (idx * 2) // empty
	c.FPUTop = (c.FPUTop + 1) & 7
	c.FPUStatus = c.FPUStatus&^0x3800 | uint16(c.FPUTop)<<11
}

func (c *CPUState) fpuCompare(a, b float64) {
	c.FPUStatus &^= fpuC0 | fpuC2 | fpuC3
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		c.FPUStatus |= fpuC0 | fpuC2 | fpuC3
	case a < b:
		c.FPUStatus |= fpuC0
	case a == b:
		c.FPUStatus |= fpuC3
	}
}

func fpuArith(digit int, st, src float64) float64 {
	switch digit {
	case 0:
		return st + src
	case 1:
		return st * src
	case 4:
		return st - src
	case 5:
		return src - st
	case 6:
		return st / src
	default: // 7
		return src / st
	}
}

func (in *Interp) dispatchX87(d *decodeCtx, op byte) StepResult {
	m := DecodeModRM(d)
	if d.trunc {
		return StepResult{}
	}
	if m.IsReg {
		return in.x87Reg(d, op, m)
	}
	return in.x87Mem(d, op, m)
}

func (in *Interp) x87Mem(d *decodeCtx, op byte, m ModRM) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB

	loadSrc := func() (float64, *GuestFault) {
		switch op {
		case 0xD8: // m32 real
			v, fault := readLinearL(c, mm, tlb, m.Linear)
			return float64(math.Float32frombits(v)), fault
		case 0xDA: // m32 int
			v, fault := readLinearL(c, mm, tlb, m.Linear)
			return float64(int32(v)), fault
		case 0xDC: // m64 real
			v, fault := readLinearQ(c, mm, tlb, m.Linear)
			return math.Float64frombits(v), fault
		default: // 0xDE: m16 int
			v, fault := readLinearW(c, mm, tlb, m.Linear)
			return float64(int16(v)), fault
		}
	}

	switch op {
	case 0xD8, 0xDA, 0xDC, 0xDE:
		src, fault := loadSrc()
		if fault != nil {
			return StepResult{Fault: fault}
		}
		st := c.stGet(0)
		switch m.Reg {
		case 2: // FCOM
			c.fpuCompare(st, src)
		case 3: // FCOMP
			c.fpuCompare(st, src)
			c.fpuPop()
		default:
			c.stSet(0, fpuArith(m.Reg, st, src))
		}
		return StepResult{Cycles: 3}

	case 0xD9:
		switch m.Reg {
		case 0: // FLD m32
			v, fault := readLinearL(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(float64(math.Float32frombits(v)))
			return StepResult{Cycles: 1}
		case 2, 3: // FST/FSTP m32
			bits := math.Float32bits(float32(c.stGet(0)))
			if fault := writeLinearL(c, mm, tlb, m.Linear, bits); fault != nil {
				return StepResult{Fault: fault}
			}
			if m.Reg == 3 {
				c.fpuPop()
			}
			return StepResult{Cycles: 2}
		case 5: // FLDCW
			v, fault := readLinearW(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.FPUControl = v
			return StepResult{Cycles: 7}
		case 7: // FNSTCW
			return StepResult{Fault: writeLinearW(c, mm, tlb, m.Linear, c.FPUControl), Cycles: 2}
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}

	case 0xDB:
		switch m.Reg {
		case 0: // FILD m32
			v, fault := readLinearL(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(float64(int32(v)))
			return StepResult{Cycles: 3}
		case 2, 3: // FIST/FISTP m32
			v := int32(fpuRound(c, c.stGet(0)))
			if fault := writeLinearL(c, mm, tlb, m.Linear, uint32(v)); fault != nil {
				return StepResult{Fault: fault}
			}
			if m.Reg == 3 {
				c.fpuPop()
			}
			return StepResult{Cycles: 6}
		case 5: // FLD m80
			v, fault := readExtended(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(v)
			return StepResult{Cycles: 3}
		case 7: // FSTP m80
			if fault := writeExtended(c, mm, tlb, m.Linear, c.stGet(0)); fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPop()
			return StepResult{Cycles: 3}
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}

	case 0xDD:
		switch m.Reg {
		case 0: // FLD m64
			v, fault := readLinearQ(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(math.Float64frombits(v))
			return StepResult{Cycles: 1}
		case 2, 3: // FST/FSTP m64
			if fault := writeLinearQ(c, mm, tlb, m.Linear, math.Float64bits(c.stGet(0))); fault != nil {
				return StepResult{Fault: fault}
			}
			if m.Reg == 3 {
				c.fpuPop()
			}
			return StepResult{Cycles: 2}
		case 7: // FNSTSW m16
			return StepResult{Fault: writeLinearW(c, mm, tlb, m.Linear, c.statusWord()), Cycles: 2}
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}

	default: // 0xDF
		switch m.Reg {
		case 0: // FILD m16
			v, fault := readLinearW(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(float64(int16(v)))
			return StepResult{Cycles: 3}
		case 2, 3: // FIST/FISTP m16
			v := int16(fpuRound(c, c.stGet(0)))
			if fault := writeLinearW(c, mm, tlb, m.Linear, uint16(v)); fault != nil {
				return StepResult{Fault: fault}
			}
			if m.Reg == 3 {
				c.fpuPop()
			}
			return StepResult{Cycles: 6}
		case 5: // FILD m64
			v, fault := readLinearQ(c, mm, tlb, m.Linear)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPush(float64(int64(v)))
			return StepResult{Cycles: 3}
		case 7: // FISTP m64
			v := int64(fpuRound(c, c.stGet(0)))
			if fault := writeLinearQ(c, mm, tlb, m.Linear, uint64(v)); fault != nil {
				return StepResult{Fault: fault}
			}
			c.fpuPop()
			return StepResult{Cycles: 6}
		default:
			return StepResult{Fault: NewInvalidOpcodeFault()}
		}
	}
}

func (in *Interp) x87Reg(d *decodeCtx, op byte, m ModRM) StepResult {
	c := in.CPU
	i := m.RM

	switch op {
	case 0xD8:
		st := c.stGet(0)
		src := c.stGet(i)
		switch m.Reg {
		case 2:
			c.fpuCompare(st, src)
		case 3:
			c.fpuCompare(st, src)
			c.fpuPop()
		default:
			c.stSet(0, fpuArith(m.Reg, st, src))
		}
		return StepResult{Cycles: 1}

	case 0xD9:
		switch {
		case m.Reg == 0: // FLD st(i)
			c.fpuPush(c.stGet(i))
			return StepResult{Cycles: 1}
		case m.Reg == 1: // FXCH st(i)
			a, b := c.stGet(0), c.stGet(i)
			c.stSet(0, b)
			c.stSet(i, a)
			return StepResult{Cycles: 0} // pairs for free with the preceding FP op
		case m.Reg == 2 && i == 0: // FNOP
			return StepResult{Cycles: 1}
		case m.Reg == 4:
			switch i {
			case 0: // FCHS
				c.stSet(0, -c.stGet(0))
				return StepResult{Cycles: 1}
			case 1: // FABS
				c.stSet(0, math.Abs(c.stGet(0)))
				return StepResult{Cycles: 1}
			case 4: // FTST
				c.fpuCompare(c.stGet(0), 0)
				return StepResult{Cycles: 1}
			case 5: // FXAM
				c.fpuExamine()
				return StepResult{Cycles: 2}
			}
		case m.Reg == 5: // constants
			consts := [8]float64{1, math.Log2(10), math.Log2(math.E), math.Pi, math.Log10(2), math.Ln2, 0, 0}
			if i == 7 {
				return StepResult{Fault: NewInvalidOpcodeFault()}
			}
			c.fpuPush(consts[i])
			return StepResult{Cycles: 2}
		case m.Reg == 6:
			switch i {
			case 0: // F2XM1
				c.stSet(0, math.Exp2(c.stGet(0))-1)
				return StepResult{Cycles: 13}
			case 1: // FYL2X
				y := c.stGet(1)
				c.stSet(1, y*math.Log2(c.stGet(0)))
				c.fpuPop()
				return StepResult{Cycles: 22}
			case 2: // FPTAN
				c.stSet(0, math.Tan(c.stGet(0)))
				c.fpuPush(1)
				return StepResult{Cycles: 17}
			case 3: // FPATAN
				y := c.stGet(1)
				c.stSet(1, math.Atan2(y, c.stGet(0)))
				c.fpuPop()
				return StepResult{Cycles: 19}
			case 6: // FDECSTP
				c.FPUTop = (c.FPUTop - 1) & 7
				return StepResult{Cycles: 1}
			case 7: // FINCSTP
				c.FPUTop = (c.FPUTop + 1) & 7
				return StepResult{Cycles: 1}
			}
		case m.Reg == 7:
			switch i {
			case 0: // FPREM
				a, b := c.stGet(0), c.stGet(1)
				c.stSet(0, math.Mod(a, b))
				c.FPUStatus &^= fpuC2
				return StepResult{Cycles: 16}
			case 4: // FRNDINT
				c.stSet(0, fpuRound(c, c.stGet(0)))
				return StepResult{Cycles: 9}
			case 5: // FSCALE
				c.stSet(0, c.stGet(0)*math.Exp2(math.Trunc(c.stGet(1))))
				return StepResult{Cycles: 20}
			case 2: // FSQRT
				c.stSet(0, math.Sqrt(c.stGet(0)))
				return StepResult{Cycles: 70}
			case 6: // FSIN
				c.stSet(0, math.Sin(c.stGet(0)))
				c.FPUStatus &^= fpuC2
				return StepResult{Cycles: 16}
			case 7: // FCOS
				c.stSet(0, math.Cos(c.stGet(0)))
				c.FPUStatus &^= fpuC2
				return StepResult{Cycles: 18}
			}
		}
		return StepResult{Fault: NewInvalidOpcodeFault()}

	case 0xDA:
		if m.Reg == 5 && i == 1 { // FUCOMPP
			c.fpuCompare(c.stGet(0), c.stGet(1))
			c.fpuPop()
			c.fpuPop()
			return StepResult{Cycles: 1}
		}
		return StepResult{Fault: NewInvalidOpcodeFault()}

	case 0xDB:
		switch {
		case m.Reg == 4 && i == 2: // FNCLEX
			c.FPUStatus &^= 0x80FF
			return StepResult{Cycles: 7}
		case m.Reg == 4 && i == 3: // FNINIT
			c.FPUControl = 0x037F
			c.FPUStatus = 0
			c.FPUTag = 0xFFFF
			c.FPUTop = 0
			return StepResult{Cycles: 17}
		}
		return StepResult{Fault: NewInvalidOpcodeFault()}

	case 0xDC: // FADD/FMUL/... st(i), st
		st := c.stGet(0)
		src := c.stGet(i)
		switch m.Reg {
		case 2, 3:
			c.fpuCompare(st, src)
			if m.Reg == 3 {
				c.fpuPop()
			}
		default:
			c.stSet(i, fpuArith(m.Reg, src, st))
		}
		return StepResult{Cycles: 1}

	case 0xDD:
		switch m.Reg {
		case 0: // FFREE st(i)
			idx := c.stIndex(i)
			c.FPUTag |= 3 << (idx * 2)
			return StepResult{Cycles: 1}
		case 2: // FST st(i)
			c.stSet(i, c.stGet(0))
			return StepResult{Cycles: 1}
		case 3: // FSTP st(i)
			c.stSet(i, c.stGet(0))
			c.fpuPop()
			return StepResult{Cycles: 1}
		case 4: // FUCOM st(i)
			c.fpuCompare(c.stGet(0), c.stGet(i))
			return StepResult{Cycles: 1}
		case 5: // FUCOMP st(i)
			c.fpuCompare(c.stGet(0), c.stGet(i))
			c.fpuPop()
			return StepResult{Cycles: 1}
		}
		return StepResult{Fault: NewInvalidOpcodeFault()}

	case 0xDE:
		if m.Reg == 3 && i == 1 { // FCOMPP
			c.fpuCompare(c.stGet(0), c.stGet(1))
			c.fpuPop()
			c.fpuPop()
			return StepResult{Cycles: 1}
		}
		// FADDP/FMULP/FSUBP/FSUBRP/FDIVP/FDIVRP st(i), st
		st := c.stGet(0)
		src := c.stGet(i)
		c.stSet(i, fpuArith(m.Reg, src, st))
		c.fpuPop()
		return StepResult{Cycles: 1}

	default: // 0xDF
		if m.Reg == 4 && i == 0 { // FNSTSW AX
			c.SetReg16(0, c.statusWord())
			return StepResult{Cycles: 2}
		}
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

func (c *CPUState) statusWord() uint16 {
	return c.FPUStatus&^0x3800 | uint16(c.FPUTop)<<11
}

func (c *CPUState) fpuExamine() {
	c.FPUStatus &^= fpuC0 | fpuC1 | fpuC2 | fpuC3
	idx := c.stIndex(0)
	if c.FPUTag>>(idx*2)&3 == 3 {
		c.FPUStatus |= fpuC0 | fpuC3 // empty
		return
	}
	v := c.stGet(0)
	if math.Signbit(v) {
		c.FPUStatus |= fpuC1
	}
	switch {
	case math.IsNaN(v):
		c.FPUStatus |= fpuC0
	case math.IsInf(v, 0):
		c.FPUStatus |= fpuC0 | fpuC2
	case v == 0:
		c.FPUStatus |= fpuC3
	default:
		c.FPUStatus |= fpuC2
	}
}

// fpuRound honors the RC field of the control word.
func fpuRound(c *CPUState, v float64) float64 {
	switch c.FPUControl >> 10 & 3 {
	case 0:
		return math.RoundToEven(v)
	case 1:
		return math.Floor(v)
	case 2:
		return math.Ceil(v)
	default:
		return math.Trunc(v)
	}
}

// readExtended/writeExtended convert between the 80-bit extended
// format in memory and the float64 working representation.
func readExtended(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32) (float64, *GuestFault) {
	mant, fault := readLinearQ(c, mm, tlb, linear)
	if fault != nil {
		return 0, fault
	}
	se, fault := readLinearW(c, mm, tlb, linear+8)
	if fault != nil {
		return 0, fault
	}
	sign := se&0x8000 != 0
	exp := int(se & 0x7FFF)
	if exp == 0 && mant == 0 {
		if sign {
			return math.Copysign(0, -1), nil
		}
		return 0, nil
	}
	if exp == 0x7FFF {
		if mant<<1 == 0 {
			return math.Inf(boolSign(sign)), nil
		}
		return math.NaN(), nil
	}
	// The explicit integer bit of the 80-bit format folds away when
	// renormalizing into float64.
	v := math.Ldexp(float64(mant)/(1<<63), exp-16383)
	if sign {
		v = -v
	}
	return v, nil
}

func writeExtended(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, v float64) *GuestFault {
	var se uint16
	var mant uint64
	switch {
	case math.IsNaN(v):
		se, mant = 0x7FFF, 0xC000000000000000
	case math.IsInf(v, 0):
		se, mant = 0x7FFF, 0x8000000000000000
	case v == 0:
		se, mant = 0, 0
	default:
		frac, exp := math.Frexp(math.Abs(v))
		se = uint16(exp - 1 + 16383)
		mant = uint64(frac * (1 << 63) * 2)
	}
	if math.Signbit(v) {
		se |= 0x8000
	}
	if fault := writeLinearQ(c, mm, tlb, linear, mant); fault != nil {
		return fault
	}
	return writeLinearW(c, mm, tlb, linear+8, se)
}

func boolSign(neg bool) int {
	if neg {
		return -1
	}
	return 1
}
