package hsprobe

import "fmt"

// Reg is the absolute address of a memory-mapped peripheral register.
type Reg uint32

func (r Reg) String() string { return fmt.Sprintf("0x%08X", uint32(r)) }

// Bus is the register file capability every driver in this package is built
// on. On the probe it is backed by volatile loads and stores; in tests by
// [Sim].
//
// Load and Store are 32-bit accesses. The narrow accessors exist because the
// QUADSPI data register enqueues or dequeues as many FIFO bytes as the width
// of the access.
type Bus interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
	Load8(r Reg) uint8
	Store8(r Reg, v uint8)
	Store16(r Reg, v uint16)

	// Addr returns the bus address of buf[0] as seen by a DMA master. buf
	// must stay reachable until any transfer using it has been stopped.
	Addr(buf []byte) uint32
}

// Field is a bit range inside a register.
type Field struct {
	Offset uint8
	Width  uint8
}

func (f Field) mask() uint32 { return (1<<f.Width - 1) << f.Offset }

// Get extracts the field from the register value v.
func (f Field) Get(v uint32) uint32 { return (v & f.mask()) >> f.Offset }

// Set returns v with the field replaced by x. Bits of x beyond the field
// width are dropped.
func (f Field) Set(v, x uint32) uint32 { return v&^f.mask() | (x<<f.Offset)&f.mask() }

// modify performs a read-modify-write of a single field.
func modify(b Bus, r Reg, f Field, x uint32) { b.Store(r, f.Set(b.Load(r), x)) }

// set1 and clr1 flip a single bit with a read-modify-write.
func set1(b Bus, r Reg, bit uint) { b.Store(r, b.Load(r)|1<<bit) }
func clr1(b Bus, r Reg, bit uint) { b.Store(r, b.Load(r)&^(1<<bit)) }
