package main

import "testing"

func TestMemoryMapRAMReadWrite(t *testing.T) {
	mm := NewMemoryMap(64 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	mm.WriteB(0x1234, 0x42)
	if got := mm.ReadB(0x1234); got != 0x42 {
		t.Fatalf("ReadB = %#x, want 0x42", got)
	}
	mm.WriteL(0x2000, 0xDEADBEEF)
	if got := mm.ReadL(0x2000); got != 0xDEADBEEF {
		t.Fatalf("ReadL = %#x, want 0xDEADBEEF", got)
	}
}

func TestMemoryMapMappingRoundTrip(t *testing.T) {
	mm := NewMemoryMap(16 * PageSize)
	base := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, base, FlagPresent|FlagWritable|FlagInternal, nil)

	overlay := make([]byte, PageSize)
	overlay[0] = 0x99
	mp := mm.MappingAdd(PageSize*2, PageSize, nil, nil, nil, nil, nil, nil, overlay, FlagPresent|FlagWritable|FlagInternal, nil)
	if got := mm.ReadB(PageSize * 2); got != 0x99 {
		t.Fatalf("ReadB from overlay = %#x, want 0x99", got)
	}

	mm.MappingRemove(mp)
	if got := mm.ReadB(PageSize * 2); got != base[PageSize*2] {
		t.Fatalf("ReadB after mapping_remove = %#x, want restored base mapping byte %#x", got, base[PageSize*2])
	}
}

func TestMemoryMapA20Gate(t *testing.T) {
	mm := NewMemoryMap(4 * 1024 * 1024)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	mm.SetA20(false)
	wrapAddr := uint32(0x100000 + 0x1234) // bit 20 set, wraps to 0x1234 with A20 masked
	mm.WriteB(wrapAddr, 0x55)
	if got := mm.ReadB(0x1234); got != 0x55 {
		t.Fatalf("A20-masked write did not alias low address: got %#x, want 0x55", got)
	}

	mm.SetA20(true)
	mm.WriteB(0x1234, 0x00)
	mm.WriteB(wrapAddr, 0x77)
	if got := mm.ReadB(0x1234); got != 0x00 {
		t.Fatalf("with A20 open, high and low addresses must be independent: got %#x, want 0x00", got)
	}
}

// With F-segment shadow enabled for write, a
// store to 0xF0000 reads back via the direct path on the next fetch;
// with shadow-write-disabled, the store is discarded and the ROM byte
// remains.
func TestMemoryMapShadowRAM(t *testing.T) {
	rom := make([]byte, PageSize)
	rom[0] = 0xAA

	mm := NewMemoryMap(0x100000)
	mp := mm.MappingAdd(0xF0000, PageSize, nil, nil, nil, nil, nil, nil, rom, FlagPresent|FlagROM, nil)

	mm.WriteB(0xF0000, 0x11)
	if got := mm.ReadB(0xF0000); got != 0xAA {
		t.Fatalf("write with shadow-write disabled must be discarded: got %#x, want ROM byte 0xAA", got)
	}

	mm.MappingRemove(mp)
	mm.MappingAdd(0xF0000, PageSize, nil, nil, nil, nil, nil, nil, rom, FlagPresent|FlagROM|FlagShadowWriteEnable, nil)
	mm.WriteB(0xF0000, 0x11)
	if got := mm.ReadB(0xF0000); got != 0x11 {
		t.Fatalf("write with shadow-write enabled must commit: got %#x, want 0x11", got)
	}
}

func TestMemoryMapDirtyMaskOnlyTrackedOnceCodeCovered(t *testing.T) {
	mm := NewMemoryMap(PageSize)
	backing := make([]byte, mm.totalSize)
	mm.MappingAdd(0, mm.totalSize, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagWritable|FlagInternal, nil)

	mm.WriteB(0x40, 0x01) // granule 1 (bits 6..11), page not code-covered yet
	if mm.PageState(0).dirtyMask != 0 {
		t.Fatal("dirty mask must stay clear until the page is marked code-covered")
	}

	mm.PageState(0).codeCover = true
	mm.WriteB(0x40, 0x02)
	if mm.PageState(0).dirtyMask&(1<<1) == 0 {
		t.Fatalf("expected granule 1 dirty bit set, mask=%#x", mm.PageState(0).dirtyMask)
	}
}
