package hsprobe

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// CoreFrequency selects one of the supported system clock configurations.
type CoreFrequency uint8

const (
	F48MHz CoreFrequency = iota
	F72MHz
	F216MHz
)

func (f CoreFrequency) String() string { return f.sysclk().String() }

// ParseCoreFrequency accepts the periph.io frequency notation ("216MHz").
func ParseCoreFrequency(s string) (CoreFrequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("%w: core frequency %q: %w", ErrInvalidConfig, s, err)
	}
	for _, c := range []CoreFrequency{F48MHz, F72MHz, F216MHz} {
		if c.sysclk() == f {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported core frequency %s", ErrInvalidConfig, f)
}

// pllConfig holds the PLL parameters for the 25 MHz bypassed HSE.
// [RM0431|5.3.2 RCC PLL configuration register]
type pllConfig struct {
	sysclk       physic.Frequency
	n, p, q      uint32
	latency      uint32
	ppre1, ppre2 uint32
}

const pllM = 25

var pllConfigs = [...]pllConfig{
	F48MHz:  {48 * physic.MegaHertz, 192, 0b01, 4, 1, 0b000, 0b000},
	F72MHz:  {72 * physic.MegaHertz, 288, 0b01, 6, 2, 0b100, 0b000},
	F216MHz: {216 * physic.MegaHertz, 432, 0b00, 9, 7, 0b101, 0b100},
}

func (f CoreFrequency) sysclk() physic.Frequency {
	if int(f) >= len(pllConfigs) {
		return 0
	}
	return pllConfigs[f].sysclk
}

// RCC register bits. [RM0431|5.3.1, 5.3.3]
const (
	rccHSION   = 0
	rccHSIRDY  = 1
	rccHSEON   = 16
	rccHSERDY  = 17
	rccHSEBYP  = 18
	rccCSSON   = 19
	rccPLLON   = 24
	rccPLLRDY  = 25
	rccPLLI2S  = 26
	rccPLLSAI  = 28
	rccPLLSRC  = 22
	rccQSPIEN  = 1
	rccUART5EN = 20
	rccSPI5EN  = 20
	rccDMA1EN  = 21
	rccDMA2EN  = 22

	swHSI = 0b00
	swPLL = 0b10
)

var (
	cfgrSW    = Field{0, 2}
	cfgrSWS   = Field{2, 2}
	cfgrHPRE  = Field{4, 4}
	cfgrPPRE1 = Field{10, 3}
	cfgrPPRE2 = Field{13, 3}

	pllcfgrM = Field{0, 6}
	pllcfgrN = Field{6, 9}
	pllcfgrP = Field{16, 2}
	pllcfgrQ = Field{24, 4}

	acrLatency = Field{0, 4}
)

// RCC configures the clock tree and peripheral clock gates.
type RCC struct {
	bus Bus
}

func NewRCC(b Bus) *RCC { return &RCC{bus: b} }

// Setup switches the core to the PLL at frequency f, adjusting flash wait
// states and enabling every peripheral clock the probe uses.
func (r *RCC) Setup(f CoreFrequency) *Clocks {
	cfg := pllConfigs[f]
	cr := baseRCC + rccCR
	cfgr := baseRCC + rccCFGR

	// Run from HSI while the PLL is rebuilt.
	set1(r.bus, cr, rccHSION)
	for r.bus.Load(cr)>>rccHSIRDY&1 == 0 {
	}
	modify(r.bus, cfgr, cfgrSW, swHSI)
	for cfgrSWS.Get(r.bus.Load(cfgr)) != swHSI {
	}

	v := r.bus.Load(cr)
	v &^= 1<<rccHSEON | 1<<rccCSSON | 1<<rccPLLON | 1<<rccPLLI2S | 1<<rccPLLSAI
	r.bus.Store(cr, v)
	for _, en := range []Reg{rccAHB1ENR, rccAHB3ENR, rccAPB1ENR, rccAPB2ENR} {
		r.bus.Store(baseRCC+en, 0)
	}

	set1(r.bus, cr, rccHSEBYP)
	set1(r.bus, cr, rccHSEON)
	for r.bus.Load(cr)>>rccHSERDY&1 == 0 {
	}

	v = r.bus.Load(cfgr)
	v = cfgrHPRE.Set(v, 0)
	v = cfgrPPRE1.Set(v, cfg.ppre1)
	v = cfgrPPRE2.Set(v, cfg.ppre2)
	r.bus.Store(cfgr, v)

	v = r.bus.Load(baseRCC + rccPLLCFGR)
	v |= 1 << rccPLLSRC
	v = pllcfgrM.Set(v, pllM)
	v = pllcfgrN.Set(v, cfg.n)
	v = pllcfgrP.Set(v, cfg.p)
	v = pllcfgrQ.Set(v, cfg.q)
	r.bus.Store(baseRCC+rccPLLCFGR, v)

	set1(r.bus, cr, rccPLLON)
	for r.bus.Load(cr)>>rccPLLRDY&1 == 0 {
	}

	modify(r.bus, baseFlash+flashACR, acrLatency, cfg.latency)

	modify(r.bus, cfgr, cfgrSW, swPLL)
	for cfgrSWS.Get(r.bus.Load(cfgr)) != swPLL {
	}

	// GPIOA..GPIOI, DMA1, DMA2
	r.bus.Store(baseRCC+rccAHB1ENR, 0x1FF|1<<rccDMA1EN|1<<rccDMA2EN)
	set1(r.bus, baseRCC+rccAHB3ENR, rccQSPIEN)
	set1(r.bus, baseRCC+rccAPB1ENR, rccUART5EN)
	set1(r.bus, baseRCC+rccAPB2ENR, rccSPI5EN)

	return &Clocks{rcc: r, sysclk: cfg.sysclk}
}

// Clocks reports bus frequencies derived from the live prescaler settings.
type Clocks struct {
	rcc    *RCC
	sysclk physic.Frequency
}

func (c *Clocks) SYSCLK() physic.Frequency { return c.sysclk }

// HCLK is the AHB clock, which also feeds QUADSPI.
func (c *Clocks) HCLK() physic.Frequency {
	hpre := cfgrHPRE.Get(c.rcc.bus.Load(baseRCC + rccCFGR))
	if hpre < 0b1000 {
		return c.sysclk
	}
	// 0b1000../2, /4, /8, /16, then /64../512; /32 does not exist.
	shift := hpre - 0b0111
	if hpre >= 0b1100 {
		shift++
	}
	return c.sysclk >> shift
}

// PCLK1 is the APB1 clock feeding UART5.
func (c *Clocks) PCLK1() physic.Frequency {
	return apbClock(c.HCLK(), cfgrPPRE1.Get(c.rcc.bus.Load(baseRCC+rccCFGR)))
}

// PCLK2 is the APB2 clock feeding SPI5.
func (c *Clocks) PCLK2() physic.Frequency {
	return apbClock(c.HCLK(), cfgrPPRE2.Get(c.rcc.bus.Load(baseRCC+rccCFGR)))
}

func apbClock(hclk physic.Frequency, ppre uint32) physic.Frequency {
	if ppre < 0b100 {
		return hclk
	}
	return hclk >> (ppre - 0b011)
}
