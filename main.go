// main.go - thin entry point: parse a machine config, build an
// EmulatorContext, optionally load a boot ROM image at the top of the
// address space, and either run it or drop into the interactive
// monitor (monitor.go). Command parsing is getopt-style via
// github.com/pborman/getopt/v2.

package main

import (
	"fmt"
	"os"

	"github.com/pborman/getopt/v2"
)

func main() {
	romPath := getopt.StringLong("rom", 'r', "", "path to a flat boot ROM image, mapped at the top of the 1MB real-mode window")
	ramKB := getopt.IntLong("ram", 'm', 640, "conventional RAM size in KiB")
	maxSteps := getopt.IntLong("max-steps", 's', 1_000_000, "maximum blocks to execute before stopping")
	monitor := getopt.BoolLong("monitor", 'd', "attach the interactive debug console instead of free-running")
	help := getopt.BoolLong("help", 'h', "show usage")
	getopt.Parse()

	if *help {
		getopt.Usage()
		os.Exit(0)
	}

	cfg := StaticConfig{Config: DefaultMachineConfig()}
	cfg.Config.RAMSizeBytes = uint32(*ramKB) * 1024

	ctx := NewEmulatorContext(cfg)
	defer ctx.Close()

	if *romPath != "" {
		rom, err := os.ReadFile(*romPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading ROM image: %v\n", err)
			os.Exit(1)
		}
		loadROM(ctx, rom)
	}

	if *monitor {
		if err := RunMonitor(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "monitor error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := ctx.Run(*maxSteps); err != nil {
		fmt.Fprintf(os.Stderr, "emulator halted on error: %v\n", err)
		os.Exit(1)
	}
}

// loadROM maps a flat image ending at 1MB (the 8086/386 real-mode reset
// vector convention) as a read-only shadowable mapping, following the
// ROM/shadow-write-enable flags memory_map.go already implements.
func loadROM(ctx *EmulatorContext, rom []byte) {
	size := uint32(len(rom))
	size = (size + PageMask) &^ PageMask
	base := uint32(0x100000) - size
	backing := make([]byte, size)
	copy(backing, rom)
	ctx.Memory.MappingAdd(base, size, nil, nil, nil, nil, nil, nil, backing, FlagPresent|FlagROM, nil)
}
