// interpreter_x86.go - the portable interpreter execution path. It is
// the fallback backend when no host emitter is wired in, and the
// recompiler reuses it to step through a block's bytes one instruction
// at a time while measuring emitted size against blockEmitThreshold.
//
// The decoder is table-free and one-byte-at-a-time: prefixes first,
// then the opcode, then ModRM/immediates as each leaf operation
// demands. Two-byte 0F opcodes live in interpreter_0f.go, the D8-DF
// x87 escapes in ops_x87.go.

package main

// StepResult reports what happened executing one instruction, for the
// recompiler's block-length accounting and the boot loop's fault
// handling.
type StepResult struct {
	Fault      *GuestFault
	Cycles     int
	BytesUsed  int
	Terminates bool // true for control-transfer/halt instructions that end a block
}

// Interp ties together the state a single instruction step touches.
// Pairer carries the U/V pairing state across the instructions of one
// block; it is zero-valued per Interp instance, which matches a fresh
// Interp being built per block dispatch.
type Interp struct {
	CPU    *CPUState
	MM     *MemoryMap
	TLB    *TLB
	IO     *IOFabric
	Sched  *Scheduler
	Pairer PipelinePairer

	// Budget, when positive, caps how many cycles a block dispatch may
	// consume before yielding back to the outer loop, so no scheduler
	// event is overshot by more than one instruction.
	Budget int64

	fetchFault *GuestFault
}

// Step decodes and executes exactly one instruction at CPU.EIP,
// advancing EIP past it unless a fault or control transfer already
// retargeted it. A fault leaves no architectural effect beyond what
// the exception itself prescribes: register writes are only committed
// after every operand fetch succeeded, and an instruction whose bytes
// straddle into an unreadable page surfaces the fetch fault instead
// of executing with a short window.
func (in *Interp) Step() StepResult {
	c := in.CPU
	base := c.Seg[SegCS].Base
	start := c.EIP
	c.PrevEIP = start

	var buf [16]byte
	in.fetchFault = nil
	n := in.fetchWindow(base+start, buf[:])
	if n == 0 {
		if in.fetchFault != nil {
			return StepResult{Fault: in.fetchFault}
		}
		return StepResult{Fault: NewGPFault(0)}
	}
	d := &decodeCtx{
		c: c, code: buf[:n], start: start,
		segOverride: -1,
		opSize32:    c.opSize32,
		addrSize32:  c.addrSize32,
	}

prefixLoop:
	for d.pos < len(d.code) {
		switch d.code[d.pos] {
		case 0x26:
			d.segOverride, d.pos = SegES, d.pos+1
		case 0x2E:
			d.segOverride, d.pos = SegCS, d.pos+1
		case 0x36:
			d.segOverride, d.pos = SegSS, d.pos+1
		case 0x3E:
			d.segOverride, d.pos = SegDS, d.pos+1
		case 0x64:
			d.segOverride, d.pos = SegFS, d.pos+1
		case 0x65:
			d.segOverride, d.pos = SegGS, d.pos+1
		case 0x66:
			d.opSize32, d.pos = !c.opSize32, d.pos+1
		case 0x67:
			d.addrSize32, d.pos = !c.addrSize32, d.pos+1
		case 0xF0:
			d.pos++ // LOCK: single-threaded core, bus locking is a no-op
		case 0xF2:
			d.rep, d.pos = 2, d.pos+1
		case 0xF3:
			d.rep, d.pos = 1, d.pos+1
		default:
			break prefixLoop
		}
	}
	prefixBytes := d.code[:d.pos]

	op := d.fetch8()
	if d.trunc {
		return in.truncResult()
	}

	var res StepResult
	var timing OpTiming
	switch {
	case op == 0x0F:
		op2 := d.fetch8()
		if d.trunc {
			return in.truncResult()
		}
		res = in.dispatch0F(d, op2)
		timing = classify0F(op2)
	case op >= 0xD8 && op <= 0xDF:
		var modrm byte
		if d.pos < len(d.code) {
			modrm = d.code[d.pos]
		}
		res = in.dispatchX87(d, op)
		timing = classifyX87(op, modrm)
	default:
		res = in.dispatch(d, op)
		timing = classify(op)
	}
	if d.trunc {
		return in.truncResult()
	}
	if res.Fault != nil {
		return res
	}
	if !res.Terminates {
		c.EIP = start + uint32(d.pos)
	}
	res.BytesUsed = d.pos

	prefixCost := 0
	for _, pb := range prefixBytes {
		prefixCost += PrefixDelay(pb)
		if timing.MMX && (pb == 0x66 || pb == 0x67) {
			prefixCost++ // operand/address-size prefixes cost two on MMX ops
		}
	}

	// The opcode's computed Cycles value is this instruction's
	// standalone cost; class and pairability come from the timing
	// table, and the pairing state machine decides whether it issues
	// alone, parks waiting for a V partner, or completes a pair.
	timing.Solo = res.Cycles
	paired := in.Pairer.Next(timing)
	res.Cycles = prefixCost + paired
	if res.Terminates {
		res.Cycles += in.Pairer.Flush()
	}
	return res
}

// truncResult converts a decode that ran past the fetched window into
// the deferred fetch fault (page fault on the second page of a
// straddling instruction) or, when the full 16-byte window was
// readable, a #GP for an over-length instruction.
func (in *Interp) truncResult() StepResult {
	if in.fetchFault != nil {
		return StepResult{Fault: in.fetchFault}
	}
	return StepResult{Fault: NewGPFault(0)}
}

// fetchWindow pulls up to len(buf) bytes starting at linear addr,
// stopping early at a page-boundary fault rather than surfacing it
// immediately: a short instruction may not need the bytes past the
// boundary at all, so the fault is latched and only raised if decode
// actually indexes past what was fetched.
func (in *Interp) fetchWindow(linear uint32, buf []byte) int {
	n := 0
	for n < len(buf) {
		if v, ok := FastRead(in.TLB, TLBCode, linear+uint32(n)); ok {
			buf[n] = v
			n++
			continue
		}
		phys, fault := Translate(in.MM, in.TLB, in.CPU.CR0, in.CPU.CR3, in.CPU.CPL, linear+uint32(n), TLBCode)
		if fault != nil {
			in.fetchFault = fault
			break
		}
		buf[n] = in.MM.ReadB(phys)
		n++
	}
	return n
}

func widthOf(op32 bool) int {
	if op32 {
		return 32
	}
	return 16
}

func (in *Interp) dispatch(d *decodeCtx, op byte) StepResult {
	c := in.CPU
	mm := in.MM
	tlb := in.TLB

	// The 0x00-0x3F block interleaves the eight two-operand ALU
	// operations (six encodings each) with segment push/pop and the
	// BCD adjusts; the ALU encodings share one body.
	if op < 0x40 {
		switch op & 7 {
		case 0, 1, 2, 3, 4, 5:
			return in.aluFamily(d, op)
		case 6: // PUSH ES/CS/SS/DS
			seg := int(op >> 3)
			return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, uint32(c.Seg[seg].Selector)), Cycles: 1}
		default: // 7: POP ES/SS/DS (0x0F escape handled by the caller), or a BCD adjust
			if op == 0x27 || op == 0x2F || op == 0x37 || op == 0x3F {
				return in.bcdAdjust(op)
			}
			seg := int(op >> 3)
			v, fault := popVal(c, mm, tlb, d.opSize32)
			if fault != nil {
				return StepResult{Fault: fault}
			}
			if fault := LoadSegment(c, mm, tlb, seg, uint16(v)); fault != nil {
				return StepResult{Fault: fault}
			}
			return StepResult{Cycles: 3}
		}
	}

	switch {
	case op >= 0x40 && op <= 0x47: // INC r
		reg := int(op - 0x40)
		setRegVal(c, reg, d.opSize32, aluInc(c, regVal(c, reg, d.opSize32), widthOf(d.opSize32)))
		return StepResult{Cycles: 1}
	case op >= 0x48 && op <= 0x4F: // DEC r
		reg := int(op - 0x48)
		setRegVal(c, reg, d.opSize32, aluDec(c, regVal(c, reg, d.opSize32), widthOf(d.opSize32)))
		return StepResult{Cycles: 1}

	case op >= 0x50 && op <= 0x57: // PUSH r
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, c.Reg32(int(op-0x50))), Cycles: 1}
	case op >= 0x58 && op <= 0x5F: // POP r
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		setRegVal(c, int(op-0x58), d.opSize32, v)
		return StepResult{Cycles: 1}

	case op == 0x60: // PUSHA
		return in.pusha(d)
	case op == 0x61: // POPA
		return in.popa(d)

	case op == 0x62: // BOUND r, m
		return in.bound(d)
	case op == 0x63: // ARPL rm16, r16
		return in.arpl(d)

	case op == 0x68: // PUSH imm
		imm := d.fetchImm()
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, imm), Cycles: 1}
	case op == 0x6A: // PUSH imm8 sign-extended
		imm := uint32(int32(int8(d.fetch8())))
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, imm), Cycles: 1}

	case op == 0x69, op == 0x6B: // IMUL r, rm, imm
		return in.imulImm(d, op)

	case op >= 0x6C && op <= 0x6F: // INS/OUTS
		return in.stringIO(d, op)

	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		rel := int32(int8(d.fetch8()))
		if d.trunc {
			return StepResult{}
		}
		if evalCond(c, int(op-0x70)) {
			c.EIP = truncIP(uint32(int32(d.nextIP())+rel), d.opSize32)
			return StepResult{Cycles: 1, Terminates: true}
		}
		return StepResult{Cycles: 1}

	case op >= 0x80 && op <= 0x83: // ALU group 1: rm, imm
		return in.aluGroup1(d, op)

	case op == 0x84: // TEST rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		aluLogic(c, uint32(v&c.Reg8(m.Reg)), 8)
		return StepResult{Cycles: 1}
	case op == 0x85: // TEST rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		aluLogic(c, v&regVal(c, m.Reg, d.opSize32), widthOf(d.opSize32))
		return StepResult{Cycles: 1}

	case op == 0x86: // XCHG rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := WriteModRMByte(c, mm, tlb, m, c.Reg8(m.Reg)); fault != nil {
			return StepResult{Fault: fault}
		}
		c.SetReg8(m.Reg, v)
		return StepResult{Cycles: 3}
	case op == 0x87: // XCHG rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := WriteModRMVal(c, mm, tlb, m, d.opSize32, regVal(c, m.Reg, d.opSize32)); fault != nil {
			return StepResult{Fault: fault}
		}
		setRegVal(c, m.Reg, d.opSize32, v)
		return StepResult{Cycles: 3}

	case op == 0x88: // MOV rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: WriteModRMByte(c, mm, tlb, m, c.Reg8(m.Reg)), Cycles: 1}
	case op == 0x89: // MOV rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, c.Reg32(m.Reg)), Cycles: 1}
	case op == 0x8A: // MOV r8, rm8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.SetReg8(m.Reg, v)
		return StepResult{Cycles: 1}
	case op == 0x8B: // MOV r, rm
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		setRegVal(c, m.Reg, d.opSize32, v)
		return StepResult{Cycles: 1}

	case op == 0x8C: // MOV rm16, Sreg
		m := DecodeModRM(d)
		if d.trunc || m.Reg > 5 {
			return StepResult{Fault: truncOrUD(d)}
		}
		return StepResult{Fault: WriteModRMWord(c, mm, tlb, m, c.Seg[m.Reg].Selector), Cycles: 1}
	case op == 0x8E: // MOV Sreg, rm16
		m := DecodeModRM(d)
		if d.trunc || m.Reg > 5 || m.Reg == SegCS {
			return StepResult{Fault: truncOrUD(d)}
		}
		v, fault := ReadModRMWord(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := LoadSegment(c, mm, tlb, m.Reg, v); fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 3}

	case op == 0x8D: // LEA r, m
		m := DecodeModRM(d)
		if d.trunc || m.IsReg {
			return StepResult{Fault: truncOrUD(d)}
		}
		setRegVal(c, m.Reg, d.opSize32, m.Offset)
		return StepResult{Cycles: 1}

	case op == 0x8F: // POP rm
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if fault := WriteModRMVal(c, mm, tlb, m, d.opSize32, v); fault != nil {
			c.ESP -= uint32(stackStep(d.opSize32)) // undo the pop so the fault is restartable
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 1}

	case op == 0x90: // NOP (XCHG eAX, eAX)
		return StepResult{Cycles: 1}
	case op >= 0x91 && op <= 0x97: // XCHG eAX, r
		reg := int(op - 0x90)
		a, b := regVal(c, 0, d.opSize32), regVal(c, reg, d.opSize32)
		setRegVal(c, 0, d.opSize32, b)
		setRegVal(c, reg, d.opSize32, a)
		return StepResult{Cycles: 2}

	case op == 0x98: // CBW / CWDE
		if d.opSize32 {
			c.EAX = uint32(int32(int16(c.EAX)))
		} else {
			c.SetReg16(0, uint16(int16(int8(c.EAX))))
		}
		return StepResult{Cycles: 3}
	case op == 0x99: // CWD / CDQ
		if d.opSize32 {
			if int32(c.EAX) < 0 {
				c.EDX = 0xFFFFFFFF
			} else {
				c.EDX = 0
			}
		} else {
			if int16(c.EAX) < 0 {
				c.SetReg16(2, 0xFFFF)
			} else {
				c.SetReg16(2, 0)
			}
		}
		return StepResult{Cycles: 2}

	case op == 0x9A: // CALL far ptr
		off := d.fetchImm()
		sel := d.fetch16()
		if d.trunc {
			return StepResult{}
		}
		return in.farCall(d, sel, off)

	case op == 0x9B: // WAIT/FWAIT
		return StepResult{Cycles: 1}

	case op == 0x9C: // PUSHF
		return StepResult{Fault: pushVal(c, mm, tlb, d.opSize32, c.PackedFlags()), Cycles: 2}
	case op == 0x9D: // POPF
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if !d.opSize32 {
			v = (c.PackedFlags() &^ 0xFFFF) | (v & 0xFFFF)
		}
		c.LoadFlags(v)
		return StepResult{Cycles: 4}
	case op == 0x9E: // SAHF
		ah := uint32(c.Reg8(4))
		f := c.PackedFlags()&^uint32(eflagCF|eflagPF|eflagAF|eflagZF|eflagSF) | (ah & (eflagCF | eflagPF | eflagAF | eflagZF | eflagSF))
		c.LoadFlags(f)
		return StepResult{Cycles: 2}
	case op == 0x9F: // LAHF
		c.SetReg8(4, byte(c.PackedFlags()))
		return StepResult{Cycles: 2}

	case op >= 0xA0 && op <= 0xA3: // MOV acc <-> moffs
		return in.movOffset(d, op)

	case op == 0xA4, op == 0xA5, op == 0xA6, op == 0xA7,
		op == 0xAA, op == 0xAB, op == 0xAC, op == 0xAD, op == 0xAE, op == 0xAF:
		return in.stringOp(d, op)

	case op == 0xA8: // TEST AL, imm8
		imm := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		aluLogic(c, uint32(c.Reg8(0)&imm), 8)
		return StepResult{Cycles: 1}
	case op == 0xA9: // TEST eAX, imm
		imm := d.fetchImm()
		if d.trunc {
			return StepResult{}
		}
		aluLogic(c, regVal(c, 0, d.opSize32)&imm, widthOf(d.opSize32))
		return StepResult{Cycles: 1}

	case op >= 0xB0 && op <= 0xB7: // MOV r8, imm8
		imm := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		c.SetReg8(int(op-0xB0), imm)
		return StepResult{Cycles: 1}
	case op >= 0xB8 && op <= 0xBF: // MOV r, imm
		imm := d.fetchImm()
		if d.trunc {
			return StepResult{}
		}
		setRegVal(c, int(op-0xB8), d.opSize32, imm)
		return StepResult{Cycles: 1}

	case op == 0xC0, op == 0xC1: // shift group, imm8 count
		return in.shiftGroup(d, op, shiftCountImm)
	case op == 0xD0, op == 0xD1: // shift group, count 1
		return in.shiftGroup(d, op, shiftCountOne)
	case op == 0xD2, op == 0xD3: // shift group, count CL
		return in.shiftGroup(d, op, shiftCountCL)

	case op == 0xC2: // RET near imm16
		imm := d.fetch16()
		if d.trunc {
			return StepResult{}
		}
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.ESP += uint32(imm)
		c.EIP = v
		return StepResult{Cycles: 3, Terminates: true}
	case op == 0xC3: // RET near
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = v
		return StepResult{Cycles: 2, Terminates: true}

	case op == 0xC4, op == 0xC5: // LES / LDS r, m
		seg := SegES
		if op == 0xC5 {
			seg = SegDS
		}
		return in.loadFarPointer(d, seg)

	case op == 0xC6: // MOV rm8, imm8
		m := DecodeModRM(d)
		imm := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: WriteModRMByte(c, mm, tlb, m, imm), Cycles: 1}
	case op == 0xC7: // MOV rm, imm
		m := DecodeModRM(d)
		imm := d.fetchImm()
		if d.trunc {
			return StepResult{}
		}
		return StepResult{Fault: WriteModRMVal(c, mm, tlb, m, d.opSize32, imm), Cycles: 1}

	case op == 0xC8: // ENTER imm16, imm8
		return in.enter(d)
	case op == 0xC9: // LEAVE
		c.ESP = c.EBP
		v, fault := popVal(c, mm, tlb, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		if d.opSize32 {
			c.EBP = v
		} else {
			c.SetReg16(5, uint16(v))
		}
		return StepResult{Cycles: 3}

	case op == 0xCA, op == 0xCB: // RET far [imm16]
		var imm uint16
		if op == 0xCA {
			imm = d.fetch16()
			if d.trunc {
				return StepResult{}
			}
		}
		return in.farReturn(d, imm)

	case op == 0xCC: // INT3
		c.EIP = d.nextIP()
		if fault := DeliverInterrupt(c, mm, tlb, 3, 0, false, true); fault != nil {
			c.EIP = d.start
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 13, Terminates: true}
	case op == 0xCD: // INT imm8
		vec := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		c.EIP = d.nextIP()
		if fault := DeliverInterrupt(c, mm, tlb, int(vec), 0, false, true); fault != nil {
			c.EIP = d.start
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 16, Terminates: true}
	case op == 0xCE: // INTO
		if !c.Quad.EvalOF() {
			return StepResult{Cycles: 4}
		}
		c.EIP = d.nextIP()
		if fault := DeliverInterrupt(c, mm, tlb, 4, 0, false, true); fault != nil {
			c.EIP = d.start
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 13, Terminates: true}
	case op == 0xCF: // IRET
		if fault := InterruptReturn(c, mm, tlb, d.opSize32); fault != nil {
			return StepResult{Fault: fault}
		}
		return StepResult{Cycles: 8, Terminates: true}

	case op == 0xD4: // AAM
		div := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		if div == 0 {
			return StepResult{Fault: &GuestFault{Vector: 0, Reason: "divide error"}}
		}
		al := c.Reg8(0)
		c.SetReg8(4, al/div)
		c.SetReg8(0, al%div)
		aluLogic(c, uint32(al%div), 8)
		return StepResult{Cycles: 18}
	case op == 0xD5: // AAD
		mul := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		al := c.Reg8(0) + c.Reg8(4)*mul
		c.SetReg8(0, al)
		c.SetReg8(4, 0)
		aluLogic(c, uint32(al), 8)
		return StepResult{Cycles: 10}

	case op == 0xD7: // XLAT
		seg := SegDS
		if d.segOverride >= 0 {
			seg = d.segOverride
		}
		off := c.EBX + uint32(c.Reg8(0))
		if !d.addrSize32 {
			off &= 0xFFFF
		}
		v, fault := readLinearB(c, mm, tlb, c.Seg[seg].Base+off)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		c.SetReg8(0, v)
		return StepResult{Cycles: 4}

	case op >= 0xE0 && op <= 0xE3: // LOOPNE/LOOPE/LOOP/JCXZ
		return in.loopOp(d, op)

	case op == 0xE4: // IN AL, imm8
		port := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		c.SetReg8(0, in.IO.InB(uint16(port)))
		return StepResult{Cycles: 7}
	case op == 0xE5: // IN eAX, imm8
		port := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		if d.opSize32 {
			c.EAX = in.IO.InL(uint16(port))
		} else {
			c.SetReg16(0, in.IO.InW(uint16(port)))
		}
		return StepResult{Cycles: 7}
	case op == 0xE6: // OUT imm8, AL
		port := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		in.IO.OutB(uint16(port), c.Reg8(0))
		return StepResult{Cycles: 12}
	case op == 0xE7: // OUT imm8, eAX
		port := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		if d.opSize32 {
			in.IO.OutL(uint16(port), c.EAX)
		} else {
			in.IO.OutW(uint16(port), c.Reg16(0))
		}
		return StepResult{Cycles: 12}
	case op == 0xEC: // IN AL, DX
		c.SetReg8(0, in.IO.InB(c.Reg16(2)))
		return StepResult{Cycles: 7}
	case op == 0xED: // IN eAX, DX
		if d.opSize32 {
			c.EAX = in.IO.InL(c.Reg16(2))
		} else {
			c.SetReg16(0, in.IO.InW(c.Reg16(2)))
		}
		return StepResult{Cycles: 7}
	case op == 0xEE: // OUT DX, AL
		in.IO.OutB(c.Reg16(2), c.Reg8(0))
		return StepResult{Cycles: 12}
	case op == 0xEF: // OUT DX, eAX
		if d.opSize32 {
			in.IO.OutL(c.Reg16(2), c.EAX)
		} else {
			in.IO.OutW(c.Reg16(2), c.Reg16(0))
		}
		return StepResult{Cycles: 12}

	case op == 0xE8: // CALL rel
		var rel int32
		if d.opSize32 {
			rel = int32(d.fetch32())
		} else {
			rel = int32(int16(d.fetch16()))
		}
		if d.trunc {
			return StepResult{}
		}
		ret := d.nextIP()
		if fault := pushVal(c, mm, tlb, d.opSize32, ret); fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = truncIP(uint32(int32(ret)+rel), d.opSize32)
		return StepResult{Cycles: 1, Terminates: true}
	case op == 0xE9: // JMP rel
		var rel int32
		if d.opSize32 {
			rel = int32(d.fetch32())
		} else {
			rel = int32(int16(d.fetch16()))
		}
		if d.trunc {
			return StepResult{}
		}
		c.EIP = truncIP(uint32(int32(d.nextIP())+rel), d.opSize32)
		return StepResult{Cycles: 1, Terminates: true}
	case op == 0xEA: // JMP far ptr
		off := d.fetchImm()
		sel := d.fetch16()
		if d.trunc {
			return StepResult{}
		}
		if fault := LoadSegment(c, mm, tlb, SegCS, sel); fault != nil {
			return StepResult{Fault: fault}
		}
		c.EIP = off
		return StepResult{Cycles: 3, Terminates: true}
	case op == 0xEB: // JMP rel8
		rel := int32(int8(d.fetch8()))
		if d.trunc {
			return StepResult{}
		}
		c.EIP = truncIP(uint32(int32(d.nextIP())+rel), d.opSize32)
		return StepResult{Cycles: 1, Terminates: true}

	case op == 0xF4: // HLT
		c.Halted = true
		return StepResult{Cycles: 4, Terminates: true}
	case op == 0xF5: // CMC
		f := c.PackedFlags() ^ eflagCF
		c.LoadFlags(f)
		return StepResult{Cycles: 2}
	case op == 0xF6, op == 0xF7: // group 3: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV
		return in.group3(d, op)
	case op == 0xF8: // CLC
		c.LoadFlags(c.PackedFlags() &^ eflagCF)
		return StepResult{Cycles: 2}
	case op == 0xF9: // STC
		c.LoadFlags(c.PackedFlags() | eflagCF)
		return StepResult{Cycles: 2}
	case op == 0xFA: // CLI
		c.EFlagsBase &^= eflagIF
		return StepResult{Cycles: 7}
	case op == 0xFB: // STI
		c.EFlagsBase |= eflagIF
		return StepResult{Cycles: 7}
	case op == 0xFC: // CLD
		c.EFlagsBase &^= eflagDF
		return StepResult{Cycles: 2}
	case op == 0xFD: // STD
		c.EFlagsBase |= eflagDF
		return StepResult{Cycles: 2}

	case op == 0xFE, op == 0xFF: // group 4/5
		return in.group45(d, op)

	default:
		return StepResult{Fault: NewInvalidOpcodeFault()}
	}
}

// truncOrUD distinguishes "decode ran off the fetched window" (Step
// surfaces the latched fetch fault) from a genuinely reserved
// encoding (#UD).
func truncOrUD(d *decodeCtx) *GuestFault {
	if d.trunc {
		return nil
	}
	return NewInvalidOpcodeFault()
}

func truncIP(ip uint32, op32 bool) uint32 {
	if op32 {
		return ip
	}
	return ip & 0xFFFF
}

// aluFamily executes one of the 0x00-0x3D two-operand ALU encodings:
// bits 5..3 select the operation, bit 1 the direction, bit 0 the
// width.
func (in *Interp) aluFamily(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	digit := (op >> 3) & 7
	isCmp := digit == 7

	switch op & 7 {
	case 0: // rm8, r8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := applyAlu(c, digit, uint32(v), uint32(c.Reg8(m.Reg)), 8)
		if !isCmp {
			if fault := WriteModRMByte(c, mm, tlb, m, byte(result)); fault != nil {
				return StepResult{Fault: fault}
			}
		}
		return StepResult{Cycles: 1}
	case 1: // rm, r
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := applyAlu(c, digit, v, regVal(c, m.Reg, d.opSize32), widthOf(d.opSize32))
		if !isCmp {
			if fault := WriteModRMVal(c, mm, tlb, m, d.opSize32, result); fault != nil {
				return StepResult{Fault: fault}
			}
		}
		return StepResult{Cycles: 1}
	case 2: // r8, rm8
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := applyAlu(c, digit, uint32(c.Reg8(m.Reg)), uint32(v), 8)
		if !isCmp {
			c.SetReg8(m.Reg, byte(result))
		}
		return StepResult{Cycles: 1}
	case 3: // r, rm
		m := DecodeModRM(d)
		if d.trunc {
			return StepResult{}
		}
		v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := applyAlu(c, digit, regVal(c, m.Reg, d.opSize32), v, widthOf(d.opSize32))
		if !isCmp {
			setRegVal(c, m.Reg, d.opSize32, result)
		}
		return StepResult{Cycles: 1}
	case 4: // AL, imm8
		imm := d.fetch8()
		if d.trunc {
			return StepResult{}
		}
		result := applyAlu(c, digit, uint32(c.Reg8(0)), uint32(imm), 8)
		if !isCmp {
			c.SetReg8(0, byte(result))
		}
		return StepResult{Cycles: 1}
	default: // 5: eAX, imm
		imm := d.fetchImm()
		if d.trunc {
			return StepResult{}
		}
		result := applyAlu(c, digit, regVal(c, 0, d.opSize32), imm, widthOf(d.opSize32))
		if !isCmp {
			setRegVal(c, 0, d.opSize32, result)
		}
		return StepResult{Cycles: 1}
	}
}

// aluGroup1 handles the 0x80-0x83 /digit immediate ALU group: the reg
// field selects ADD/OR/ADC/SBB/AND/SUB/XOR/CMP; 0x80/0x82 carry an
// imm8 against an rm8, 0x81 a full-width immediate, 0x83 a
// sign-extended imm8 (the encoding that covers "ADD EBX, 1").
func (in *Interp) aluGroup1(d *decodeCtx, op byte) StepResult {
	c, mm, tlb := in.CPU, in.MM, in.TLB
	m := DecodeModRM(d)

	byteForm := op == 0x80 || op == 0x82
	var imm uint32
	switch {
	case byteForm:
		imm = uint32(d.fetch8())
	case op == 0x83:
		imm = uint32(int32(int8(d.fetch8())))
	default:
		imm = d.fetchImm()
	}
	if d.trunc {
		return StepResult{}
	}
	digit := byte(m.Reg)
	isCmp := digit == 7

	if byteForm {
		v, fault := ReadModRMByte(c, mm, tlb, m)
		if fault != nil {
			return StepResult{Fault: fault}
		}
		result := applyAlu(c, digit, uint32(v), imm, 8)
		if !isCmp {
			if fault := WriteModRMByte(c, mm, tlb, m, byte(result)); fault != nil {
				return StepResult{Fault: fault}
			}
		}
		return StepResult{Cycles: 1}
	}

	v, fault := ReadModRMVal(c, mm, tlb, m, d.opSize32)
	if fault != nil {
		return StepResult{Fault: fault}
	}
	width := widthOf(d.opSize32)
	result := applyAlu(c, digit, v, imm&widthMask(width), width)
	if !isCmp {
		if fault := WriteModRMVal(c, mm, tlb, m, d.opSize32, result); fault != nil {
			return StepResult{Fault: fault}
		}
	}
	return StepResult{Cycles: 1}
}
