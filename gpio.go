package hsprobe

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// PinMode is the two-bit MODER field of a GPIO line.
type PinMode uint32

const (
	PinInput     PinMode = 0b00
	PinOutput    PinMode = 0b01
	PinAlternate PinMode = 0b10
	PinAnalog    PinMode = 0b11
)

func (m PinMode) String() string {
	switch m {
	case PinInput:
		return "In"
	case PinOutput:
		return "Out"
	case PinAlternate:
		return "Alt"
	default:
		return "Analog"
	}
}

// Speed is the OSPEEDR field of a GPIO line.
type Speed uint32

const (
	SpeedLow Speed = iota
	SpeedMedium
	SpeedHigh
	SpeedVeryHigh
)

// Port drives one GPIO port through its registers.
type Port struct {
	bus  Bus
	base Reg
	n    int
}

// NewPort returns GPIO port n (PortA..PortH).
func NewPort(b Bus, n int) *Port {
	return &Port{bus: b, base: baseGPIOA + Reg(n)*gpioStride, n: n}
}

func (p *Port) String() string { return fmt.Sprintf("GPIO%c", 'A'+p.n) }

// Pin returns line n of the port labelled with name.
func (p *Port) Pin(n int, name string) *Pin {
	if n < 0 || n > 15 {
		panic(fmt.Sprintf("hsprobe: %s has no line %d", p, n))
	}
	return &Pin{port: p, n: n, name: name}
}

// pair is the two-bit field of line n in MODER, OSPEEDR and PUPDR.
func pair(n int) Field { return Field{Offset: uint8(2 * n), Width: 2} }

func (p *Port) SetMode(n int, m PinMode) {
	modify(p.bus, p.base+gpioMODER, pair(n), uint32(m))
}

func (p *Port) Mode(n int) PinMode {
	return PinMode(pair(n).Get(p.bus.Load(p.base + gpioMODER)))
}

func (p *Port) SetOpenDrain(n int, od bool) {
	if od {
		set1(p.bus, p.base+gpioOTYPER, uint(n))
	} else {
		clr1(p.bus, p.base+gpioOTYPER, uint(n))
	}
}

func (p *Port) SetSpeed(n int, s Speed) {
	modify(p.bus, p.base+gpioOSPEEDR, pair(n), uint32(s))
}

// SetPull applies a periph pull setting. gpio.PullNoChange leaves PUPDR as is.
func (p *Port) SetPull(n int, pull gpio.Pull) {
	var v uint32
	switch pull {
	case gpio.PullNoChange:
		return
	case gpio.PullUp:
		v = 0b01
	case gpio.PullDown:
		v = 0b10
	}
	modify(p.bus, p.base+gpioPUPDR, pair(n), v)
}

func (p *Port) pull(n int) gpio.Pull {
	switch pair(n).Get(p.bus.Load(p.base + gpioPUPDR)) {
	case 0b01:
		return gpio.PullUp
	case 0b10:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

// SetAF selects alternate function af for line n.
func (p *Port) SetAF(n int, af uint32) {
	r := p.base + gpioAFRL
	if n >= 8 {
		r = p.base + gpioAFRH
		n -= 8
	}
	modify(p.bus, r, Field{Offset: uint8(4 * n), Width: 4}, af)
}

// Set drives the output latch of line n. It does not change the line's mode.
func (p *Port) Set(n int, l gpio.Level) {
	if l {
		p.bus.Store(p.base+gpioBSRR, 1<<n)
	} else {
		p.bus.Store(p.base+gpioBSRR, 1<<(n+16))
	}
}

// Toggle inverts line n based on its sampled input level.
func (p *Port) Toggle(n int) { p.Set(n, !p.Level(n)) }

// IDR samples all lines of the port.
func (p *Port) IDR() uint32 { return p.bus.Load(p.base + gpioIDR) }

func (p *Port) Level(n int) gpio.Level { return p.IDR()>>n&1 == 1 }

// MemoisedMode is a precomputed MODER update for a set of lines of one port.
// Applying it is a single read-modify-write regardless of how many lines it
// covers.
type MemoisedMode struct {
	keep  uint32
	value uint32
}

// MemoiseMode builds a MemoisedMode assigning modes[line] to each line.
func MemoiseMode(modes map[int]PinMode) MemoisedMode {
	var mm MemoisedMode
	mm.keep = ^uint32(0)
	for n, m := range modes {
		f := pair(n & 0xF)
		mm.keep &^= f.mask()
		mm.value = f.Set(mm.value, uint32(m))
	}
	return mm
}

// Apply writes mm to the port's MODER in one store.
func (p *Port) Apply(mm MemoisedMode) {
	r := p.base + gpioMODER
	p.bus.Store(r, p.bus.Load(r)&mm.keep|mm.value)
}

// Pin is one GPIO line. It implements gpio.PinIO so that the same dispatcher
// code runs on the probe and on bench hardware driven through periph.io.
type Pin struct {
	port *Port
	n    int
	name string
}

var errNoEdge = errors.New("edge detection not supported")

func (p *Pin) String() string { return fmt.Sprintf("%s(P%c%d)", p.name, 'A'+p.port.n, p.n) }
func (p *Pin) Name() string   { return p.name }
func (p *Pin) Number() int    { return p.port.n*16 + p.n }
func (p *Pin) Halt() error    { return nil }
func (p *Pin) Function() string {
	m := p.port.Mode(p.n)
	switch m {
	case PinInput:
		return "In/" + p.Read().String()
	case PinOutput:
		return "Out/" + p.Read().String()
	}
	return m.String()
}

// In releases the line to an input with the given pull.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return fmt.Errorf("%s: %w", p, errNoEdge)
	}
	p.port.SetPull(p.n, pull)
	p.port.SetMode(p.n, PinInput)
	return nil
}

func (p *Pin) Read() gpio.Level                      { return p.port.Level(p.n) }
func (p *Pin) WaitForEdge(time.Duration) bool        { return false }
func (p *Pin) Pull() gpio.Pull                       { return p.port.pull(p.n) }
func (p *Pin) DefaultPull() gpio.Pull                { return gpio.Float }
func (p *Pin) PWM(gpio.Duty, physic.Frequency) error { return fmt.Errorf("%s: PWM not supported", p) }

// Out latches l and then switches the line to an output, so the line never
// glitches to the previous latch value.
func (p *Pin) Out(l gpio.Level) error {
	p.port.Set(p.n, l)
	p.port.SetMode(p.n, PinOutput)
	return nil
}

// Set latches l without touching the line's mode.
func (p *Pin) Set(l gpio.Level) { p.port.Set(p.n, l) }

func (p *Pin) SetMode(m PinMode)      { p.port.SetMode(p.n, m) }
func (p *Pin) Mode() PinMode          { return p.port.Mode(p.n) }
func (p *Pin) SetAF(af uint32)        { p.port.SetAF(p.n, af) }
func (p *Pin) SetSpeed(s Speed)       { p.port.SetSpeed(p.n, s) }
func (p *Pin) SetOpenDrain(od bool)   { p.port.SetOpenDrain(p.n, od) }
func (p *Pin) SetPull(pull gpio.Pull) { p.port.SetPull(p.n, pull) }

var _ gpio.PinIO = (*Pin)(nil)
