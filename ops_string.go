// ops_string.go - the string-instruction family: MOVS, CMPS, STOS,
// LODS, SCAS, plus the INS/OUTS port forms. Every iteration of a
// REP-prefixed run is translated independently, so a page fault
// partway through leaves ESI/EDI/ECX at the point of the fault and
// the instruction restarts exactly like real hardware; that is what
// lets a guest's page-fault handler map the next page in and resume.

package main

func strCount(c *CPUState, addr32 bool) uint32 {
	if addr32 {
		return c.ECX
	}
	return uint32(uint16(c.ECX))
}

func setStrCount(c *CPUState, addr32 bool, v uint32) {
	if addr32 {
		c.ECX = v
	} else {
		c.ECX = c.ECX&^0xFFFF | v&0xFFFF
	}
}

func strIndex(c *CPUState, addr32 bool, reg int) uint32 {
	if addr32 {
		return c.Reg32(reg)
	}
	return uint32(c.Reg16(reg))
}

func advanceStrIndex(c *CPUState, addr32 bool, reg int, step int32) {
	if addr32 {
		c.SetReg32(reg, uint32(int32(c.Reg32(reg))+step))
	} else {
		c.SetReg16(reg, uint16(int16(c.Reg16(reg))+int16(step)))
	}
}

func strStep(c *CPUState, width uint32) int32 {
	step := int32(width)
	if c.EFlagsBase&eflagDF != 0 {
		return -step
	}
	return step
}

const (
	regSI = 6
	regDI = 7
)

// stringOp dispatches the A4-AF string opcodes; even opcodes are the
// byte form, odd the word/dword form per the operand-size prefix.
func (in *Interp) stringOp(d *decodeCtx, op byte) StepResult {
	width := uint32(1)
	if op&1 != 0 {
		width = 2
		if d.opSize32 {
			width = 4
		}
	}
	switch op &^ 1 {
	case 0xA4:
		return in.movs(d, width)
	case 0xA6:
		return in.cmps(d, width)
	case 0xAA:
		return in.stos(d, width)
	case 0xAC:
		return in.lods(d, width)
	default: // 0xAE
		return in.scas(d, width)
	}
}

func (in *Interp) srcSeg(d *decodeCtx) int {
	if d.segOverride >= 0 {
		return d.segOverride
	}
	return SegDS
}

// repRun drives one or, under a REP prefix, many iterations of body.
// body returns (done, fault): done ends a REPE/REPNE run early per
// the ZF condition; a fault surfaces immediately with the index
// registers already at the faulting iteration.
func (in *Interp) repRun(d *decodeCtx, body func() (bool, *GuestFault)) StepResult {
	c := in.CPU
	iterations := 0
	if d.rep == 0 {
		_, fault := body()
		return StepResult{Fault: fault, Cycles: 4}
	}
	for strCount(c, d.addrSize32) != 0 {
		done, fault := body()
		if fault != nil {
			return StepResult{Fault: fault, Cycles: 4 + iterations}
		}
		setStrCount(c, d.addrSize32, strCount(c, d.addrSize32)-1)
		iterations++
		if done {
			break
		}
	}
	return StepResult{Cycles: 4 + iterations}
}

// repDone evaluates the REPE/REPNE termination condition after a
// comparison iteration stamped ZF.
func (in *Interp) repDone(d *decodeCtx) bool {
	zf := in.CPU.Quad.EvalZF()
	if d.rep == 1 { // REPE: stop when ZF clears
		return !zf
	}
	if d.rep == 2 { // REPNE: stop when ZF sets
		return zf
	}
	return false
}

func (in *Interp) movs(d *decodeCtx, width uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	src := in.srcSeg(d)
	return in.repRun(d, func() (bool, *GuestFault) {
		srcLin := c.Seg[src].Base + strIndex(c, d.addrSize32, regSI)
		dstLin := c.Seg[SegES].Base + strIndex(c, d.addrSize32, regDI)
		srcPhys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, srcLin, TLBRead)
		if fault != nil {
			return false, fault
		}
		dstPhys, fault := Translate(mm, tlb, c.CR0, c.CR3, c.CPL, dstLin, TLBWrite)
		if fault != nil {
			return false, fault
		}
		switch width {
		case 1:
			mm.WriteB(dstPhys, mm.ReadB(srcPhys))
		case 2:
			mm.WriteW(dstPhys, mm.ReadW(srcPhys))
		default:
			mm.WriteL(dstPhys, mm.ReadL(srcPhys))
		}
		step := strStep(c, width)
		advanceStrIndex(c, d.addrSize32, regSI, step)
		advanceStrIndex(c, d.addrSize32, regDI, step)
		return false, nil
	})
}

func (in *Interp) cmps(d *decodeCtx, width uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	src := in.srcSeg(d)
	return in.repRun(d, func() (bool, *GuestFault) {
		srcLin := c.Seg[src].Base + strIndex(c, d.addrSize32, regSI)
		dstLin := c.Seg[SegES].Base + strIndex(c, d.addrSize32, regDI)
		a, fault := readStrVal(c, mm, tlb, srcLin, width)
		if fault != nil {
			return false, fault
		}
		b, fault := readStrVal(c, mm, tlb, dstLin, width)
		if fault != nil {
			return false, fault
		}
		aluCmp(c, a, b, int(width)*8)
		step := strStep(c, width)
		advanceStrIndex(c, d.addrSize32, regSI, step)
		advanceStrIndex(c, d.addrSize32, regDI, step)
		return in.repDone(d), nil
	})
}

func (in *Interp) stos(d *decodeCtx, width uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	return in.repRun(d, func() (bool, *GuestFault) {
		dstLin := c.Seg[SegES].Base + strIndex(c, d.addrSize32, regDI)
		if fault := writeStrVal(c, mm, tlb, dstLin, width, c.EAX); fault != nil {
			return false, fault
		}
		advanceStrIndex(c, d.addrSize32, regDI, strStep(c, width))
		return false, nil
	})
}

func (in *Interp) lods(d *decodeCtx, width uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	src := in.srcSeg(d)
	return in.repRun(d, func() (bool, *GuestFault) {
		srcLin := c.Seg[src].Base + strIndex(c, d.addrSize32, regSI)
		v, fault := readStrVal(c, mm, tlb, srcLin, width)
		if fault != nil {
			return false, fault
		}
		switch width {
		case 1:
			c.SetReg8(0, byte(v))
		case 2:
			c.SetReg16(0, uint16(v))
		default:
			c.EAX = v
		}
		advanceStrIndex(c, d.addrSize32, regSI, strStep(c, width))
		return false, nil
	})
}

func (in *Interp) scas(d *decodeCtx, width uint32) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	return in.repRun(d, func() (bool, *GuestFault) {
		dstLin := c.Seg[SegES].Base + strIndex(c, d.addrSize32, regDI)
		v, fault := readStrVal(c, mm, tlb, dstLin, width)
		if fault != nil {
			return false, fault
		}
		aluCmp(c, c.EAX&widthMask(int(width)*8), v, int(width)*8)
		advanceStrIndex(c, d.addrSize32, regDI, strStep(c, width))
		return in.repDone(d), nil
	})
}

// stringIO dispatches INS (6C/6D) and OUTS (6E/6F): string moves
// between guest memory and the port named by DX.
func (in *Interp) stringIO(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	width := uint32(1)
	if op&1 != 0 {
		width = 2
		if d.opSize32 {
			width = 4
		}
	}
	port := c.Reg16(2)
	outs := op >= 0x6E
	src := in.srcSeg(d)

	return in.repRun(d, func() (bool, *GuestFault) {
		if outs {
			srcLin := c.Seg[src].Base + strIndex(c, d.addrSize32, regSI)
			v, fault := readStrVal(c, mm, tlb, srcLin, width)
			if fault != nil {
				return false, fault
			}
			switch width {
			case 1:
				in.IO.OutB(port, byte(v))
			case 2:
				in.IO.OutW(port, uint16(v))
			default:
				in.IO.OutL(port, v)
			}
			advanceStrIndex(c, d.addrSize32, regSI, strStep(c, width))
			return false, nil
		}
		var v uint32
		switch width {
		case 1:
			v = uint32(in.IO.InB(port))
		case 2:
			v = uint32(in.IO.InW(port))
		default:
			v = in.IO.InL(port)
		}
		dstLin := c.Seg[SegES].Base + strIndex(c, d.addrSize32, regDI)
		if fault := writeStrVal(c, mm, tlb, dstLin, width, v); fault != nil {
			return false, fault
		}
		advanceStrIndex(c, d.addrSize32, regDI, strStep(c, width))
		return false, nil
	})
}

func readStrVal(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, width uint32) (uint32, *GuestFault) {
	switch width {
	case 1:
		v, fault := readLinearB(c, mm, tlb, linear)
		return uint32(v), fault
	case 2:
		v, fault := readLinearW(c, mm, tlb, linear)
		return uint32(v), fault
	default:
		return readLinearL(c, mm, tlb, linear)
	}
}

func writeStrVal(c *CPUState, mm *MemoryMap, tlb *TLB, linear uint32, width uint32, v uint32) *GuestFault {
	switch width {
	case 1:
		return writeLinearB(c, mm, tlb, linear, byte(v))
	case 2:
		return writeLinearW(c, mm, tlb, linear, uint16(v))
	default:
		return writeLinearL(c, mm, tlb, linear, v)
	}
}
