package hsprobe

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// SPI5 register bits. [RM0431|32.9]
const (
	cr1CPHA = 0
	cr1CPOL = 1
	cr1MSTR = 2
	cr1SPE  = 6
	cr1SSI  = 8
	cr1SSM  = 9

	cr2RXDMAEN = 0
	cr2TXDMAEN = 1
	cr2FRXTH   = 12

	srBSY = 7

	maxDMATransfer = 0xFFFF // NDTR is 16 bits wide
)

var (
	cr1BR = Field{3, 3}
	cr2DS = Field{8, 4}
)

// SPI is the SPI5 master used for flash and FPGA passthrough. Transfers run
// on the DMA duplex pair and block until the receive side completes.
//
// SPI implements spi.Conn. Chip select is a plain GPIO driven by requests,
// so TxPackets ignores KeepCS.
type SPI struct {
	bus     Bus
	base    Reg
	dma     *DMA
	clocks  *Clocks
	maxFreq physic.Frequency
	mode    spi.Mode
	enabled bool
	scratch []byte
}

func NewSPI(b Bus, d *DMA, c *Clocks, maxFreq physic.Frequency, mode spi.Mode) *SPI {
	return &SPI{bus: b, base: baseSPI5, dma: d, clocks: c, maxFreq: maxFreq, mode: mode}
}

func (s *SPI) String() string { return "SPI5" }

func (s *SPI) Duplex() conn.Duplex { return conn.Full }

func (s *SPI) MaxTxSize() int { return maxDMATransfer }

func (s *SPI) Enabled() bool { return s.enabled }

// baudDivider returns the smallest BR field value with PCLK2/2^(BR+1) not
// above the configured maximum.
func (s *SPI) baudDivider() uint32 {
	pclk := s.clocks.PCLK2()
	for br := uint32(0); br < 7; br++ {
		if pclk>>(br+1) <= s.maxFreq {
			return br
		}
	}
	return 7
}

// Enable configures SPI5 as an 8-bit master with DMA requests and starts it.
func (s *SPI) Enable() error {
	var cr1 uint32 = 1<<cr1MSTR | 1<<cr1SSM | 1<<cr1SSI
	cr1 = cr1BR.Set(cr1, s.baudDivider())
	if s.mode&spi.Mode1 != 0 {
		cr1 |= 1 << cr1CPHA
	}
	if s.mode&spi.Mode2 != 0 {
		cr1 |= 1 << cr1CPOL
	}
	s.bus.Store(s.base+spiCR1, cr1)

	cr2 := cr2DS.Set(1<<cr2FRXTH|1<<cr2RXDMAEN|1<<cr2TXDMAEN, 0b0111)
	s.bus.Store(s.base+spiCR2, cr2)

	set1(s.bus, s.base+spiCR1, cr1SPE)
	s.enabled = true
	glog.V(2).Infof("spi: enabled at %s", s.clocks.PCLK2()>>(s.baudDivider()+1))
	return nil
}

// Disable waits for the shifter to go idle and stops SPI5.
func (s *SPI) Disable() error {
	for s.bus.Load(s.base+spiSR)>>srBSY&1 != 0 {
	}
	clr1(s.bus, s.base+spiCR1, cr1SPE)
	s.enabled = false
	glog.V(2).Infof("spi: disabled")
	return nil
}

// Tx exchanges w for r over DMA. r may be nil, otherwise it must be as long
// as w.
func (s *SPI) Tx(w, r []byte) error {
	if !s.enabled {
		return fmt.Errorf("%s: %w", s, ErrNotEnabled)
	}
	if len(r) != 0 && len(r) != len(w) {
		return errors.New("spi: read and write buffers differ in length")
	}
	if len(w) > maxDMATransfer {
		return fmt.Errorf("spi: transfer of %d bytes exceeds %d", len(w), maxDMATransfer)
	}
	if len(w) == 0 {
		return nil
	}
	if len(r) == 0 {
		if cap(s.scratch) < len(w) {
			s.scratch = make([]byte, len(w))
		}
		r = s.scratch[:len(w)]
	}
	s.exchange(w, r)
	return nil
}

func (s *SPI) exchange(tx, rx []byte) {
	s.dma.StartDuplex(tx, rx)
	for s.dma.DuplexBusy() {
	}
	s.dma.StopDuplex()
}

func (s *SPI) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := s.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ spi.Conn    = (*SPI)(nil)
	_ conn.Limits = (*SPI)(nil)
)
