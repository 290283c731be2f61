package hsprobe

import (
	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
)

// QUADSPI register fields. [RM0431|13.5]
const (
	qspiCREN = 1 << 0

	qspiSRBUSY = 5

	ccrIMODEPos  = 8
	ccrADMODEPos = 10
	ccrADSIZEPos = 12
	ccrDCYCPos   = 18
	ccrDMODEPos  = 24
	ccrFMODEPos  = 26
	ccrDDRM      = 1 << 31

	// Line modes for IMODE, ADMODE and DMODE.
	lanesNone   = 0b00
	lanesSingle = 0b01
	lanesDual   = 0b10

	// FMODE
	fmodeIndirectWrite = 0b00
	fmodeIndirectRead  = 0b01

	// ADSIZE
	adsize16 = 0b01
	adsize32 = 0b11
)

var (
	crPrescaler = Field{24, 8}
	dcrFSIZE    = Field{16, 5}
	ccrADMODE   = Field{ccrADMODEPos, 2}
	ccrADSIZE   = Field{ccrADSIZEPos, 2}
	ccrDCYC     = Field{ccrDCYCPos, 5}
	ccrDMODE    = Field{ccrDMODEPos, 2}
	ccrFMODE    = Field{ccrFMODEPos, 2}
)

// QSPI drives the QUADSPI peripheral in indirect mode. It provides only
// what the SWD transport needs; the flash-oriented memory-mapped mode is
// never used.
type QSPI struct {
	bus       Bus
	base      Reg
	baseClock physic.Frequency
}

func NewQSPI(b Bus) *QSPI { return &QSPI{bus: b, base: baseQUADSPI} }

// SetBaseClock records the kernel clock, HCLK, for prescaler computation.
func (q *QSPI) SetBaseClock(c *Clocks) { q.baseClock = c.HCLK() }

// CalculatePrescaler returns the PRESCALER value keeping the SWCLK at or
// below limit. It fails when the base clock is unknown or limit is below what
// the largest prescaler reaches.
func (q *QSPI) CalculatePrescaler(limit physic.Frequency) (uint32, bool) {
	if q.baseClock == 0 || limit <= 0 || q.baseClock/256 >= limit {
		return 0, false
	}
	return uint32(q.baseClock / limit), true
}

// Frequency is the SWCLK rate for a prescaler value.
func (q *QSPI) Frequency(prescaler uint32) physic.Frequency {
	return q.baseClock / physic.Frequency(prescaler+1)
}

func (q *QSPI) SetPrescaler(p uint32) {
	modify(q.bus, q.base+qspiCR, crPrescaler, p)
	glog.V(2).Infof("qspi: prescaler %d (%s)", p, q.Frequency(p))
}

// Setup configures the device size so that any 32-bit address is accepted
// and enables the peripheral.
func (q *QSPI) Setup() {
	modify(q.bus, q.base+qspiDCR, dcrFSIZE, 31)
	set1(q.bus, q.base+qspiCR, 0)
}

// Disable waits for the pending operation and then disables QUADSPI.
func (q *QSPI) Disable() {
	q.waitBusy()
	clr1(q.bus, q.base+qspiCR, 0)
}

// waitBusy spins on SR.BUSY. Never call it ahead of a data register access
// in the SWD path: DR accesses stall by themselves, and a poll may observe a
// partially shifted byte.
func (q *QSPI) waitBusy() {
	for q.bus.Load(q.base+qspiSR)>>qspiSRBUSY&1 != 0 {
	}
}

// Data length is programmed as the number of bytes minus one.
func (q *QSPI) setLength(n int) { q.bus.Store(q.base+qspiDLR, uint32(n-1)) }

func (q *QSPI) setCCR(v uint32) { q.bus.Store(q.base+qspiCCR, v) }
func (q *QSPI) setAR(v uint32)  { q.bus.Store(q.base+qspiAR, v) }

func (q *QSPI) readDR8() uint8     { return q.bus.Load8(q.base + qspiDR) }
func (q *QSPI) writeDR32(v uint32) { q.bus.Store(q.base+qspiDR, v) }
func (q *QSPI) writeDR16(v uint16) { q.bus.Store16(q.base+qspiDR, v) }
func (q *QSPI) writeDR8(v uint8)   { q.bus.Store8(q.base+qspiDR, v) }
