//go:build !unix

// code_arena_other.go - plain-slice fallback for platforms where
// golang.org/x/sys/unix has no mmap.
// Same contract as code_arena.go's unix build, minus real executable
// memory - fine since InterpBackend never emits anything into it.

package main

type CodeArena struct {
	mem      []byte
	slotSize int
}

func NewCodeArena(capacity, slotSize int) (*CodeArena, error) {
	return &CodeArena{mem: make([]byte, capacity*slotSize), slotSize: slotSize}, nil
}

func (a *CodeArena) Write(slot int, code []byte) {
	base := slot * a.slotSize
	n := copy(a.mem[base:base+a.slotSize], code)
	for i := base + n; i < base+a.slotSize; i++ {
		a.mem[i] = 0
	}
}

func (a *CodeArena) Slot(slot int) []byte {
	base := slot * a.slotSize
	return a.mem[base : base+a.slotSize]
}

func (a *CodeArena) Close() error {
	return nil
}
