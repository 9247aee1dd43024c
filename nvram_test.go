package main

import (
	"testing"
	"time"
)

func newNVRAMTestContext() (*NVRAM, *IOFabric) {
	io := NewIOFabric()
	n := NewNVRAM(io, 0x70)
	return n, io
}

func TestNVRAMIndexDataRoundTripThroughPorts(t *testing.T) {
	n, io := newNVRAMTestContext()

	io.OutB(0x70, nvramSeconds)
	io.OutB(0x71, 0x42)
	if got := io.InB(0x71); got != 0x42 {
		t.Fatalf("read back %#x, want 0x42", got)
	}
	if n.data[nvramSeconds] != 0x42 {
		t.Fatalf("underlying register not updated: %#x", n.data[nvramSeconds])
	}
}

func TestNVRAMWriteIndexMasksNMIDisableBit(t *testing.T) {
	n, io := newNVRAMTestContext()
	io.OutB(0x70, 0x80|nvramRegD) // bit 7 is the NMI-disable latch
	if n.index != nvramRegD {
		t.Fatalf("index = %#x, want %#x with NMI bit stripped", n.index, nvramRegD)
	}
}

func TestNVRAMSaveLoadRoundTrip(t *testing.T) {
	n, io := newNVRAMTestContext()
	io.OutB(0x70, nvramDayOfMonth)
	io.OutB(0x71, 0x15)

	saved := n.Save()

	n2 := NewNVRAM(NewIOFabric(), 0x70)
	n2.Load(saved)
	if n2.data[nvramDayOfMonth] != 0x15 {
		t.Fatalf("loaded day-of-month = %#x, want 0x15", n2.data[nvramDayOfMonth])
	}
	for i := range n.data {
		if n.data[i] != n2.data[i] {
			t.Fatalf("image mismatch at byte %d: %#x vs %#x", i, n.data[i], n2.data[i])
		}
	}
}

func TestNVRAMTickBCDModeDefault(t *testing.T) {
	n, _ := newNVRAMTestContext()
	ts := time.Date(2026, time.July, 29, 14, 9, 5, 0, time.UTC)
	n.Tick(ts)

	if n.data[nvramSeconds] != toBCD(5) {
		t.Fatalf("seconds = %#x, want BCD %#x", n.data[nvramSeconds], toBCD(5))
	}
	if n.data[nvramMinutes] != toBCD(9) {
		t.Fatalf("minutes = %#x, want BCD %#x", n.data[nvramMinutes], toBCD(9))
	}
	// regB defaults to 24-hour mode (set in NewNVRAM), so 14 stores as BCD(14), no 12-hour folding.
	if n.data[nvramHours] != toBCD(14) {
		t.Fatalf("hours = %#x, want BCD %#x", n.data[nvramHours], toBCD(14))
	}
}

func TestNVRAMTickBinaryMode(t *testing.T) {
	n, _ := newNVRAMTestContext()
	n.data[nvramRegB] |= regBBinaryMode
	ts := time.Date(2026, time.July, 29, 9, 30, 45, 0, time.UTC)
	n.Tick(ts)

	if n.data[nvramSeconds] != 45 {
		t.Fatalf("binary seconds = %d, want 45", n.data[nvramSeconds])
	}
	if n.data[nvramMinutes] != 30 {
		t.Fatalf("binary minutes = %d, want 30", n.data[nvramMinutes])
	}
}

func TestNVRAMTick12HourModeFoldsAfternoonHour(t *testing.T) {
	n, _ := newNVRAMTestContext()
	n.data[nvramRegB] &^= regB24Hour // switch to 12-hour mode
	n.data[nvramRegB] |= regBBinaryMode
	ts := time.Date(2026, time.July, 29, 15, 0, 0, 0, time.UTC) // 3 PM
	n.Tick(ts)

	want := byte(15-12) | 0x80
	if n.data[nvramHours] != want {
		t.Fatalf("hours = %#x, want %#x (PM bit set, folded to 12-hour)", n.data[nvramHours], want)
	}
}

func TestNVRAMTickRespectsSetHold(t *testing.T) {
	n, _ := newNVRAMTestContext()
	n.data[nvramRegB] |= regBSetHold
	n.data[nvramSeconds] = 0x99 // sentinel, must survive Tick untouched

	n.Tick(time.Date(2026, time.July, 29, 0, 0, 0, 0, time.UTC))
	if n.data[nvramSeconds] != 0x99 {
		t.Fatal("Tick must not advance the clock registers while SET (regB hold bit) is asserted")
	}
}

func TestNVRAMTickRaisesUpdateEndedFlagWhenEnabled(t *testing.T) {
	n, _ := newNVRAMTestContext()
	n.data[nvramRegB] |= regBUpdateIRQ
	n.Tick(time.Date(2026, time.July, 29, 0, 0, 0, 0, time.UTC))
	if n.data[nvramRegC]&0x90 != 0x90 {
		t.Fatalf("regC = %#x, want IRQF|UF (0x90) set", n.data[nvramRegC])
	}
}
