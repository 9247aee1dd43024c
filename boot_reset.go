// boot_reset.go - the deterministic reset ladder and the single
// legal recover() point for InvariantViolation panics. Every
// component resets in a fixed order from one entry point, and the
// ladder is panic-safe since corelog.Fatalf panics rather than
// calling os.Exit.
package main

import "fmt"

// ResetReason records why a reset ladder ran, surfaced to the debug
// console and to tests asserting on reset behavior.
type ResetReason int

const (
	ResetPowerOn ResetReason = iota
	ResetWarm
	ResetInvariantRecovery
)

func (r ResetReason) String() string {
	switch r {
	case ResetPowerOn:
		return "power-on"
	case ResetWarm:
		return "warm"
	case ResetInvariantRecovery:
		return "invariant-recovery"
	default:
		return "unknown"
	}
}

// Reset runs the deterministic reset ladder against every owned
// component, in a fixed order: CPU state,
// then TLB/block-store invalidation, then device state, so that no
// device reset callback can observe a half-reset CPU.
func (e *EmulatorContext) Reset(reason ResetReason) {
	corelog.Infof("boot_reset", "reset", map[string]any{"reason": reason.String()})

	e.CPU.Reset()
	e.TLB.Flush()
	e.Blocks.Close() // release the old host code arena before replacing it
	e.Blocks = NewBlockStore(defaultBlockCapacity, e.Memory.totalSize>>pageShift)
	e.Scheduler = NewScheduler()
	e.PIC = NewPIC()
	e.PICSlave = NewPIC()
	e.PIC.slave = e.PICSlave
	// Re-registering is required, not cosmetic: the I/O fabric's stack
	// still holds closures bound to the old PIC/PIT receivers, and only
	// a fresh registration shadows them with the new instances (io_ports.go
	// stack semantics - most recent registration wins).
	e.PIC.RegisterPorts(e.IO, picMasterPort)
	e.PICSlave.RegisterPorts(e.IO, picSlavePort)
	e.PIT = NewPIT(e.Scheduler, e.PIC, 0)
	e.PIT.RegisterPorts(e.IO, pitPort)
	e.Recompiler = NewRecompiler(e.Blocks, InterpBackend{})
	e.rtcTimer, _ = e.Scheduler.Add(e.tickRTC, cyclesPerSecond, true, nil)
}

// RunGuarded executes fn and recovers an InvariantViolation panic
// raised anywhere beneath it (corelog.Fatalf is the only thing that
// panics with this type), running a recovery-mode reset and returning
// the violation as an error instead of crashing the process. Any other
// panic type propagates, since recover() is reserved for
// exactly this one category.
func (e *EmulatorContext) RunGuarded(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			iv, ok := r.(*InvariantViolation)
			if !ok {
				panic(r)
			}
			e.Reset(ResetInvariantRecovery)
			err = fmt.Errorf("recovered from invariant violation: %w", iv)
		}
	}()
	fn()
	return nil
}
