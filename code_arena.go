//go:build unix

// code_arena.go - the host-executable memory backing for recompiled code
// blocks. On unix this is a real mmap'd
// PROT_READ|WRITE|EXEC region sized to the block arena's capacity;
// InterpBackend never emits into it (Emit returns nil), but any future
// host-JIT Backend writes its machine code here instead of a plain Go
// slice, which the Go garbage collector is free to move or a W^X-
// enforcing kernel is free to refuse to execute.

package main

import "golang.org/x/sys/unix"

// CodeArena is a fixed-capacity ring of fixed-size slots carved out of
// one mmap'd region, indexed the same way BlockStore indexes its
// CodeBlock arena so a block's slot number doubles as its arena slot.
type CodeArena struct {
	mem      []byte
	slotSize int
}

// NewCodeArena reserves capacity*slotSize bytes of RWX memory. It
// returns an error rather than panicking: a host that refuses RWX
// mappings (SELinux, a hardened kernel) is an environment condition,
// not an invariant violation, and the caller falls back to running
// InterpBackend-only.
func NewCodeArena(capacity, slotSize int) (*CodeArena, error) {
	mem, err := unix.Mmap(-1, 0, capacity*slotSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &CodeArena{mem: mem, slotSize: slotSize}, nil
}

// Write copies code into the given slot, zero-padding the remainder so
// a shorter block never leaves a stale tail from whatever occupied the
// slot before it.
func (a *CodeArena) Write(slot int, code []byte) {
	base := slot * a.slotSize
	n := copy(a.mem[base:base+a.slotSize], code)
	for i := base + n; i < base+a.slotSize; i++ {
		a.mem[i] = 0
	}
}

// Slot returns the backing bytes for one slot, for a Backend.Dispatch
// that wants to jump into host-emitted code directly.
func (a *CodeArena) Slot(slot int) []byte {
	base := slot * a.slotSize
	return a.mem[base : base+a.slotSize]
}

// Close releases the mapping. Safe to call on a nil arena.
func (a *CodeArena) Close() error {
	if a == nil || a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
