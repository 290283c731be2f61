package hsprobe

import (
	"fmt"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
)

// UART5 register bits. [RM0431|34.8]
const (
	uartUE   = 0
	uartRE   = 2
	uartDMAR = 6
)

// SWO captures trace output from the target on UART5 into a circular DMA
// buffer and hands newly arrived bytes out in batches.
//
// Bytes arriving faster than Poll drains them overwrite unread data; a lap
// completed between two polls is not detected.
type SWO struct {
	bus    Bus
	base   Reg
	dma    *DMA
	clocks *Clocks

	buf    []byte
	out    []byte
	cursor int
	on     bool
	baud   uint32
}

// NewSWO uses buf as the circular receive buffer. buf must not be touched by
// the caller afterwards.
func NewSWO(b Bus, d *DMA, c *Clocks, buf []byte) *SWO {
	return &SWO{
		bus:    b,
		base:   baseUART5,
		dma:    d,
		clocks: c,
		buf:    buf,
		out:    make([]byte, len(buf)),
	}
}

// SetBaud programs the UART divider and returns the rate actually achieved.
func (s *SWO) SetBaud(baud uint32) (uint32, error) {
	pclk := uint64(s.clocks.PCLK1() / physic.Hertz)
	if baud == 0 {
		return 0, fmt.Errorf("%w: baud rate 0", ErrInvalidConfig)
	}
	brr := (pclk + uint64(baud)/2) / uint64(baud)
	if brr < 16 || brr > 0xFFFF {
		return 0, fmt.Errorf("%w: baud rate %d unreachable from %d Hz", ErrInvalidConfig, baud, pclk)
	}
	// BRR is only writable with the UART disabled.
	cr1 := s.bus.Load(s.base + uartCR1)
	s.bus.Store(s.base+uartCR1, cr1&^(1<<uartUE))
	s.bus.Store(s.base+uartBRR, uint32(brr))
	s.bus.Store(s.base+uartCR1, cr1)
	s.baud = uint32(pclk / brr)
	return s.baud, nil
}

// Start enables reception and begins streaming from an empty buffer.
func (s *SWO) Start() {
	if s.on {
		return
	}
	s.cursor = 0
	s.dma.StartContinuous(s.buf)
	set1(s.bus, s.base+uartCR3, uartDMAR)
	s.bus.Store(s.base+uartCR1, 1<<uartUE|1<<uartRE)
	s.on = true
	glog.V(1).Infof("swo: streaming at %d baud", s.baud)
}

// Stop ends streaming. Remaining is meaningless until the next Start.
func (s *SWO) Stop() {
	if !s.on {
		return
	}
	clr1(s.bus, s.base+uartCR1, uartRE)
	s.dma.StopContinuous()
	s.on = false
	glog.V(1).Infof("swo: stopped")
}

func (s *SWO) Streaming() bool { return s.on }

// Buffered reports how many unread bytes are waiting.
func (s *SWO) Buffered() int {
	if !s.on {
		return 0
	}
	return (s.head() - s.cursor + len(s.buf)) % len(s.buf)
}

// head is the index the DMA writes next.
func (s *SWO) head() int {
	return (len(s.buf) - s.dma.Remaining()) % len(s.buf)
}

// Poll returns the bytes received since the previous Poll, or nil. The
// returned slice is reused by the next call.
func (s *SWO) Poll() []byte {
	if !s.on {
		return nil
	}
	head := s.head()
	if head == s.cursor {
		return nil
	}
	var n int
	if head > s.cursor {
		n = copy(s.out, s.buf[s.cursor:head])
	} else {
		n = copy(s.out, s.buf[s.cursor:])
		n += copy(s.out[n:], s.buf[:head])
	}
	s.cursor = head
	return s.out[:n]
}

func (s *SWO) String() string { return fmt.Sprintf("SWO(%d baud)", s.baud) }
