package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// writeDescriptor lays down an 8-byte GDT entry: base/limit split
// across the classic scrambled field layout.
func writeDescriptor(mm *MemoryMap, at uint32, base, limit uint32, access uint8) {
	lo := base<<16 | limit&0xFFFF
	hi := base&0xFF000000 | limit&0xF0000 | uint32(access)<<8 | base>>16&0xFF
	mm.WriteL(at, lo)
	mm.WriteL(at+4, hi)
}

func newProtectedCPU(t *testing.T) (*CPUState, *MemoryMap, *TLB) {
	t.Helper()
	mm := NewMemoryMap(1024 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	c := NewCPUState()
	c.CR0 |= cr0PE
	c.GDTR = DescTableReg{Base: 0x1000, Limit: 0xFF}
	// selector 0x08: code, base 0; selector 0x10: data, base 0x20000
	writeDescriptor(mm, 0x1000+8, 0, 0xFFFF, 0x9B)
	writeDescriptor(mm, 0x1000+16, 0x20000, 0xFFFF, 0x93)
	c.Seg[SegSS] = SegDescriptor{Base: 0, LimitLow: 0xFFFF, Checked: true}
	c.ESP = 0x8000
	return c, mm, &TLB{}
}

func TestLoadSegmentRealModeShiftsSelector(t *testing.T) {
	c, mm, tlb := newOpsMiscTestCPU()
	require.Nil(t, LoadSegment(c, mm, tlb, SegDS, 0x2345))
	require.Equal(t, uint32(0x23450), c.Seg[SegDS].Base)
}

func TestLoadSegmentProtectedWalksGDT(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	require.Nil(t, LoadSegment(c, mm, tlb, SegDS, 0x10))
	require.Equal(t, uint32(0x20000), c.Seg[SegDS].Base)
	require.Equal(t, uint8(0x93), c.Seg[SegDS].Access)
	require.True(t, c.Seg[SegDS].Checked)
}

func TestLoadSegmentBeyondGDTLimitFaultsGP(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	fault := LoadSegment(c, mm, tlb, SegDS, 0x1F8)
	require.NotNil(t, fault)
	require.Equal(t, 13, fault.Vector)
	require.Equal(t, uint32(0x1F8), fault.ErrorCode)
}

func TestLoadSegmentNotPresentFaultsNP(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	writeDescriptor(mm, 0x1000+24, 0, 0xFFFF, 0x13) // present bit clear
	fault := LoadSegment(c, mm, tlb, SegDS, 0x18)
	require.NotNil(t, fault)
	require.Equal(t, 11, fault.Vector)
}

func TestLoadSegmentNullCSFaults(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	fault := LoadSegment(c, mm, tlb, SegCS, 0)
	require.NotNil(t, fault)
	require.Equal(t, 13, fault.Vector)
}

func TestLoadSegmentCSRequiresCodeDescriptor(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	fault := LoadSegment(c, mm, tlb, SegCS, 0x10) // data descriptor
	require.NotNil(t, fault)
	require.Equal(t, 13, fault.Vector)
	require.Nil(t, LoadSegment(c, mm, tlb, SegCS, 0x08))
}

func TestProtectedInterruptGateDispatchAndReturn(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	require.Nil(t, LoadSegment(c, mm, tlb, SegCS, 0x08))
	c.EIP = 0x500
	c.EFlagsBase |= eflagIF

	// IDT at 0x2000, vector 8: 32-bit interrupt gate to 0x08:0x3000
	c.IDTR = DescTableReg{Base: 0x2000, Limit: 0xFF}
	gate := uint32(8 * 8)
	mm.WriteL(0x2000+gate, uint32(0x08)<<16|0x3000)
	mm.WriteL(0x2000+gate+4, 0x8E00)

	require.Nil(t, DeliverInterrupt(c, mm, tlb, 8, 0, false, false))
	require.Equal(t, uint32(0x3000), c.EIP)
	require.Zero(t, c.EFlagsBase&uint32(eflagIF), "an interrupt gate masks IF")
	require.Equal(t, uint32(0x8000-12), c.ESP, "EFLAGS/CS/EIP pushed as dwords")

	require.Nil(t, InterruptReturn(c, mm, tlb, true))
	require.Equal(t, uint32(0x500), c.EIP)
	require.NotZero(t, c.PackedFlags()&eflagIF, "IRET restores the caller's IF")
	require.Equal(t, uint32(0x8000), c.ESP)
}

func TestProtectedGateNotPresentFaults(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	c.IDTR = DescTableReg{Base: 0x2000, Limit: 0xFF}
	mm.WriteL(0x2000+8*8, uint32(0x08)<<16|0x3000)
	mm.WriteL(0x2000+8*8+4, 0x0E00) // present bit clear

	fault := DeliverInterrupt(c, mm, tlb, 8, 0, false, false)
	require.NotNil(t, fault)
	require.Equal(t, 11, fault.Vector)
}

func TestLoadLDTAndNullSelector(t *testing.T) {
	c, mm, tlb := newProtectedCPU(t)
	writeDescriptor(mm, 0x1000+32, 0x5000, 0x7F, 0x82) // LDT descriptor
	require.Nil(t, LoadLDT(c, mm, tlb, 0x20))
	require.Equal(t, uint32(0x5000), c.LDTR.Base)

	require.Nil(t, LoadLDT(c, mm, tlb, 0))
	require.Equal(t, uint16(0), c.LDTR.Selector)
}
