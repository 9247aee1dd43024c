package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newInterpTest builds a flat real-mode machine with RAM backing and
// code loaded at codeBase; EIP points at the first byte.
func newInterpTest(t *testing.T, code []byte) *Interp {
	t.Helper()
	mm := NewMemoryMap(1024 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	c := NewCPUState()
	for i := range c.Seg {
		c.Seg[i] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	}
	c.ESP = 0x8000
	c.EIP = 0x100
	for i, b := range code {
		mm.WriteB(uint32(0x100+i), b)
	}
	return &Interp{CPU: c, MM: mm, TLB: &TLB{}, IO: NewIOFabric(), Sched: NewScheduler()}
}

func stepOK(t *testing.T, in *Interp) StepResult {
	t.Helper()
	res := in.Step()
	require.Nil(t, res.Fault, "unexpected fault")
	return res
}

func TestMovImmediateAndALUFamily(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB8, 0x34, 0x12, // MOV AX, 0x1234
		0x05, 0x01, 0x00, // ADD AX, 1
		0x3D, 0x35, 0x12, // CMP AX, 0x1235
	})
	stepOK(t, in)
	require.Equal(t, uint16(0x1234), in.CPU.Reg16(0))
	stepOK(t, in)
	require.Equal(t, uint16(0x1235), in.CPU.Reg16(0))
	stepOK(t, in)
	require.True(t, in.CPU.Quad.EvalZF(), "CMP of equal values must set ZF")
}

func TestIncPreservesCarryDecSetsSign(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB0, 0xFF, // MOV AL, 0xFF
		0x04, 0x01, // ADD AL, 1      -> CF set, AL=0
		0x40,       // INC AX         -> must leave CF alone
	})
	stepOK(t, in)
	stepOK(t, in)
	require.True(t, in.CPU.Quad.EvalCF())
	stepOK(t, in)
	require.True(t, in.CPU.Quad.EvalCF(), "INC must not clobber CF")
	require.Equal(t, uint16(1), in.CPU.Reg16(0))
}

func TestPushPopThroughStep(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB8, 0xEF, 0xBE, // MOV AX, 0xBEEF
		0x50,             // PUSH AX
		0xBB, 0x00, 0x00, // MOV BX, 0
		0x5B, // POP BX
	})
	for i := 0; i < 4; i++ {
		stepOK(t, in)
	}
	require.Equal(t, uint16(0xBEEF), in.CPU.Reg16(3))
	require.Equal(t, uint32(0x8000), in.CPU.ESP)
}

func TestXchgAndLEA(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB8, 0x11, 0x00, // MOV AX, 0x11
		0xB9, 0x22, 0x00, // MOV CX, 0x22
		0x91,             // XCHG AX, CX
		0xBB, 0x00, 0x02, // MOV BX, 0x200
		0x8D, 0x47, 0x10, // LEA AX, [BX+0x10]
	})
	for i := 0; i < 3; i++ {
		stepOK(t, in)
	}
	require.Equal(t, uint16(0x22), in.CPU.Reg16(0))
	require.Equal(t, uint16(0x11), in.CPU.Reg16(1))
	stepOK(t, in)
	stepOK(t, in)
	require.Equal(t, uint16(0x210), in.CPU.Reg16(0))
}

func TestShiftGroupSHLSetsCarry(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB0, 0x81, // MOV AL, 0x81
		0xC0, 0xE0, 0x01, // SHL AL, 1
	})
	stepOK(t, in)
	stepOK(t, in)
	require.Equal(t, byte(0x02), in.CPU.Reg8(0))
	require.True(t, in.CPU.Quad.EvalCF(), "SHL must capture the bit shifted out")
}

func TestRotateROLWrapsAndSetsCF(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB0, 0x81, // MOV AL, 0x81
		0xC0, 0xC0, 0x01, // ROL AL, 1
	})
	stepOK(t, in)
	stepOK(t, in)
	require.Equal(t, byte(0x03), in.CPU.Reg8(0))
	require.True(t, in.CPU.PackedFlags()&eflagCF != 0)
}

func TestGroup3MulProducesDXAX(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB8, 0x00, 0x10, // MOV AX, 0x1000
		0xBB, 0x10, 0x00, // MOV BX, 0x10
		0xF7, 0xE3, // MUL BX
	})
	for i := 0; i < 3; i++ {
		stepOK(t, in)
	}
	require.Equal(t, uint16(0x0000), in.CPU.Reg16(0))
	require.Equal(t, uint16(0x0001), in.CPU.Reg16(2))
	require.True(t, in.CPU.PackedFlags()&eflagCF != 0, "MUL with a non-zero high half sets CF/OF")
}

func TestGroup3DivideByZeroFaults(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB3, 0x00, // MOV BL, 0
		0xF6, 0xF3, // DIV BL
	})
	stepOK(t, in)
	res := in.Step()
	require.NotNil(t, res.Fault)
	require.Equal(t, 0, res.Fault.Vector)
}

func TestRepStosFillsAndScasFinds(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xF3, 0xAA, // REP STOSB
		0xF2, 0xAE, // REPNE SCASB
	})
	c := in.CPU
	c.SetReg8(0, 0x55)
	c.EDI = 0x400
	c.ECX = 8
	stepOK(t, in)
	require.Equal(t, uint32(0), c.ECX&0xFFFF)
	for i := 0; i < 8; i++ {
		require.Equal(t, byte(0x55), in.MM.ReadB(uint32(0x400+i)))
	}

	// plant a match and scan for it
	in.MM.WriteB(0x404, 0x77)
	c.SetReg8(0, 0x77)
	c.EDI = 0x400
	c.SetReg16(1, 8)
	stepOK(t, in)
	require.True(t, c.Quad.EvalZF(), "REPNE SCASB stops with ZF set on a match")
	require.Equal(t, uint16(0x405), c.Reg16(7), "DI advances one past the matching byte")
}

func TestRepeCmpsStopsAtMismatch(t *testing.T) {
	in := newInterpTest(t, []byte{0xF3, 0xA6}) // REPE CMPSB
	c := in.CPU
	for i := 0; i < 4; i++ {
		in.MM.WriteB(uint32(0x400+i), byte(i))
		in.MM.WriteB(uint32(0x500+i), byte(i))
	}
	in.MM.WriteB(0x502, 0xFF) // mismatch at offset 2
	c.ESI, c.EDI = 0x400, 0x500
	c.SetReg16(1, 4)
	stepOK(t, in)
	require.False(t, c.Quad.EvalZF())
	require.Equal(t, uint16(1), c.Reg16(1), "one element remains after stopping at the third")
}

func TestJccTakenAndLoop(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB9, 0x03, 0x00, // MOV CX, 3
		0x90,       // NOP        <- loop target at 0x103
		0xE2, 0xFD, // LOOP -3
		0xF4, // HLT
	})
	stepOK(t, in)
	for in.CPU.EIP != 0x106 {
		stepOK(t, in)
	}
	require.Equal(t, uint16(0), in.CPU.Reg16(1))
}

func TestCallRetNear(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xE8, 0x02, 0x00, // CALL +2 (to 0x105)
		0xF4,       // HLT (return lands here at 0x103)
		0x90,       // padding
		0xC3,       // RET at 0x105
	})
	stepOK(t, in)
	require.Equal(t, uint32(0x105), in.CPU.EIP)
	stepOK(t, in)
	require.Equal(t, uint32(0x103), in.CPU.EIP)
	require.Equal(t, uint32(0x8000), in.CPU.ESP)
}

func TestIntThenIretResumesAfterInt(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xCD, 0x21, // INT 0x21
		0xF4, // HLT, resumed here
	})
	// IVT entry 0x21 -> 0000:0x300, handler is a bare IRET
	in.MM.WriteW(0x21*4, 0x300)
	in.MM.WriteW(0x21*4+2, 0x0000)
	in.MM.WriteB(0x300, 0xCF)

	stepOK(t, in)
	require.Equal(t, uint32(0x300), in.CPU.EIP)
	stepOK(t, in) // IRET
	require.Equal(t, uint32(0x102), in.CPU.EIP, "IRET must resume at the instruction after INT")
}

func TestPushfPopfRoundTripsFlags(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xF9, // STC
		0x9C, // PUSHF
		0xF8, // CLC
		0x9D, // POPF
	})
	for i := 0; i < 4; i++ {
		stepOK(t, in)
	}
	require.True(t, in.CPU.PackedFlags()&eflagCF != 0, "POPF must restore the pushed CF")
}

func TestDAAAdjustsAfterPackedAdd(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB0, 0x15, // MOV AL, 0x15
		0x04, 0x27, // ADD AL, 0x27
		0x27, // DAA
	})
	for i := 0; i < 3; i++ {
		stepOK(t, in)
	}
	require.Equal(t, byte(0x42), in.CPU.Reg8(0))
}

func TestMovOffsetForms(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xA0, 0x00, 0x04, // MOV AL, [0x400]
		0xA2, 0x02, 0x04, // MOV [0x402], AL
	})
	in.MM.WriteB(0x400, 0xAB)
	stepOK(t, in)
	require.Equal(t, byte(0xAB), in.CPU.Reg8(0))
	stepOK(t, in)
	require.Equal(t, byte(0xAB), in.MM.ReadB(0x402))
}

func TestMovzxViaOperandPrefix(t *testing.T) {
	in := newInterpTest(t, []byte{
		0xB3, 0x80, // MOV BL, 0x80
		0x66, 0x0F, 0xB6, 0xC3, // MOVZX EAX, BL
		0x66, 0x0F, 0xBE, 0xCB, // MOVSX ECX, BL
	})
	for i := 0; i < 3; i++ {
		stepOK(t, in)
	}
	require.Equal(t, uint32(0x80), in.CPU.EAX)
	require.Equal(t, uint32(0xFFFFFF80), in.CPU.ECX)
}

// An instruction whose bytes straddle into a not-present page must
// surface the fault on the second page even though its first byte was
// readable.
func TestInstructionStraddlingPageBoundaryFaultsOnSecondPage(t *testing.T) {
	mm := NewMemoryMap(8 * 1024 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)
	const pdPhys, ptPhys = 0x3000, 0x4000
	buildIdentityPageTable(mm, pdPhys, ptPhys, true, true)

	const codePage, nextPage = 5, 6
	ptAddr := uint32(ptPhys + nextPage*4)
	pte := mm.ReadL(ptAddr)
	mm.WriteL(ptAddr, pte&^uint32(pteBitPresent))

	c := NewCPUState()
	c.CR0 = cr0PG
	c.CR3 = pdPhys
	for i := range c.Seg {
		c.Seg[i] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	}
	// MOV AX, imm16 with the immediate crossing into the next page.
	start := uint32(codePage*PageSize + PageSize - 1)
	mm.WriteB(start, 0xB8)
	c.EIP = start

	in := &Interp{CPU: c, MM: mm, TLB: &TLB{}, IO: NewIOFabric(), Sched: NewScheduler()}
	res := in.Step()
	require.NotNil(t, res.Fault, "expected the straddle to fault")
	require.Equal(t, 14, res.Fault.Vector)
	require.Equal(t, uint32(nextPage*PageSize), res.Fault.Linear)
}
