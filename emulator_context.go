// emulator_context.go - the single top-level owned struct wiring
// every component together. All machine state hangs off one context
// passed explicitly, so parallel test instances never share anything.

package main

import "time"

const (
	defaultRAMBytes = 640 * 1024
	cyclesPerSecond = 4_772_727 // 4.77 MHz base PC clock
	picMasterPort   = 0x20
	picSlavePort    = 0xA0
	pitPort         = 0x40
	ppiPort         = 0x60
	dmaPort         = 0x00
	nvramPort       = 0x70

	// haltIdleCycles is how far the clock advances per outer-loop
	// iteration while the CPU sits in HLT with no timer due sooner.
	haltIdleCycles = 100
)

type EmulatorContext struct {
	Config     ConfigProvider
	CPU        *CPUState
	Memory     *MemoryMap
	TLB        *TLB
	Blocks     *BlockStore
	Recompiler *Recompiler
	Scheduler  *Scheduler
	IO         *IOFabric
	DMA        *DMAController
	PIC        *PIC
	PICSlave   *PIC
	PIT        *PIT
	PPI        *PPI
	NVRAM      *NVRAM

	rtcTimer TimerHandle
}

// NewEmulatorContext builds every owned component in dependency order
// and registers cross-component wiring (PIT->PIC IRQ0, DMA page
// registers, NVRAM's CMOS ports) exactly once.
func NewEmulatorContext(cfg ConfigProvider) *EmulatorContext {
	mc := cfg.MachineConfig()
	ramSize := mc.RAMSizeBytes
	if ramSize == 0 {
		ramSize = defaultRAMBytes
	}

	e := &EmulatorContext{
		Config: cfg,
		CPU:    NewCPUState(),
		Memory: NewMemoryMap(ramSize),
		TLB:    &TLB{},
		IO:     NewIOFabric(),
	}
	e.Blocks = NewBlockStore(defaultBlockCapacity, e.Memory.totalSize>>pageShift)
	e.Recompiler = NewRecompiler(e.Blocks, InterpBackend{})
	e.Scheduler = NewScheduler()

	ramBacking := make([]byte, e.Memory.totalSize)
	e.Memory.MappingAdd(0, e.Memory.totalSize, nil, nil, nil, nil, nil, nil, ramBacking, FlagPresent|FlagWritable|FlagInternal, nil)

	e.PIC = NewPIC()
	e.PICSlave = NewPIC()
	e.PIC.slave = e.PICSlave
	e.PIC.RegisterPorts(e.IO, picMasterPort)
	e.PICSlave.RegisterPorts(e.IO, picSlavePort)

	e.PIT = NewPIT(e.Scheduler, e.PIC, 0)
	e.PIT.RegisterPorts(e.IO, pitPort)

	e.PPI = NewPPI()
	e.PPI.RegisterPorts(e.IO, ppiPort)

	e.DMA = NewDMAController(e.IO, e.Memory, dmaPort)

	e.NVRAM = NewNVRAM(e.IO, nvramPort)
	e.rtcTimer, _ = e.Scheduler.Add(e.tickRTC, cyclesPerSecond, true, nil)

	return e
}

// Close releases host resources (the block store's executable arena)
// that outlive a single Run call.
func (e *EmulatorContext) Close() error {
	return e.Blocks.Close()
}

func (e *EmulatorContext) tickRTC(opaque any, sched *Scheduler) {
	e.NVRAM.Tick(time.Now())
	sched.Reschedule(e.rtcTimer, cyclesPerSecond)
}

// Interp builds the Interp view this context's components present to
// the interpreter/recompiler for one run.
func (e *EmulatorContext) Interp() *Interp {
	return &Interp{CPU: e.CPU, MM: e.Memory, TLB: e.TLB, IO: e.IO, Sched: e.Scheduler}
}

// Step advances the guest by one recompiled block, then advances the
// scheduler by the cycles that block consumed, so device timers and
// CPU execution stay in lock-step. Hardware interrupts are sampled
// here, at the block boundary, never mid-instruction.
func (e *EmulatorContext) Step() *GuestFault {
	c := e.CPU
	if c.EFlagsBase&eflagIF != 0 {
		if vec, ok := e.PIC.Acknowledge(); ok {
			c.Halted = false
			if fault := DeliverInterrupt(c, e.Memory, e.TLB, int(vec), 0, false, false); fault != nil {
				return fault
			}
		}
	}
	if c.Halted {
		// Idle forward so timers still fire and can eventually wake
		// the CPU with an interrupt.
		advance := int64(haltIdleCycles)
		if next, ok := e.Scheduler.NextDeadline(); ok && next > 0 && next < advance {
			advance = next
		}
		e.Scheduler.Advance(advance)
		c.Cycles += advance
		return nil
	}

	in := e.Interp()
	if next, ok := e.Scheduler.NextDeadline(); ok && next > 0 {
		in.Budget = next
	}
	cycles, fault := e.Recompiler.RunBlock(in, e.Memory, e.TLB)
	e.Scheduler.Advance(cycles)
	c.Cycles += cycles
	return fault
}

// Run steps the guest until Halted or maxSteps, delivering guest
// faults through the IDT as real hardware would; a fault raised while
// delivering a fault is the invariant-violation path.
func (e *EmulatorContext) Run(maxSteps int) error {
	return e.RunGuarded(func() {
		for i := 0; i < maxSteps && !e.CPU.Halted; i++ {
			if fault := e.Step(); fault != nil {
				if fault.Vector == 14 {
					e.CPU.CR2 = fault.Linear
				}
				if rf := DeliverInterrupt(e.CPU, e.Memory, e.TLB, fault.Vector, fault.ErrorCode, fault.HasCode, false); rf != nil {
					corelog.Fatalf("emulator_context", "double fault dispatching guest fault", map[string]any{"vector": fault.Vector})
				}
			}
		}
	})
}
