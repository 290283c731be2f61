package hsprobe

import (
	"fmt"

	"github.com/golang/glog"
)

// Probe is the assembled firmware: every driver bound to one register bus,
// with the dispatcher on top.
type Probe struct {
	Config Config
	Clocks *Clocks
	DMA    *DMA
	Pins   *Pins
	QSPI   *QSPI
	SWD    *SWD
	SPI    *SPI
	SWO    *SWO
	DAP    *DAP
	App    *App

	// Bootload is called for Bootload requests.
	Bootload func()
}

// NewProbe brings up the clock tree and peripherals on b and leaves the
// probe in HighImpedance mode, serving host.
func NewProbe(b Bus, host Host, opts ...Option) (*Probe, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	p := &Probe{Config: cfg}
	p.Clocks = NewRCC(b).Setup(cfg.CoreFrequency)
	glog.V(2).Infof("clocks: sysclk %s hclk %s pclk1 %s pclk2 %s",
		p.Clocks.SYSCLK(), p.Clocks.HCLK(), p.Clocks.PCLK1(), p.Clocks.PCLK2())

	p.DMA = NewDMA(b)
	p.DMA.Setup()
	p.Pins = NewPins(b)
	p.Pins.Setup()

	p.QSPI = NewQSPI(b)
	p.QSPI.SetBaseClock(p.Clocks)
	prescaler, ok := p.QSPI.CalculatePrescaler(cfg.SWDFrequency)
	if !ok {
		return nil, fmt.Errorf("%w: SWD frequency %s unreachable from %s", ErrInvalidConfig, cfg.SWDFrequency, p.Clocks.HCLK())
	}
	p.QSPI.SetPrescaler(prescaler)
	p.QSPI.Setup()
	p.SWD = NewSWD(p.QSPI)

	p.SPI = NewSPI(b, p.DMA, p.Clocks, cfg.SPIFrequency, cfg.SPIMode)

	p.SWO = NewSWO(b, p.DMA, p.Clocks, make([]byte, cfg.SWOBufferLen))
	if _, err := p.SWO.SetBaud(cfg.SWOBaudRate); err != nil {
		return nil, err
	}

	p.DAP = NewDAP(p.SWD, p.QSPI, p.Pins, p.SWO)
	p.App = NewApp(p.Pins, p.SPI, host, p.DAP, func() {
		if p.Bootload != nil {
			p.Bootload()
		}
	})
	if err := p.App.Setup(); err != nil {
		return nil, err
	}
	glog.Infof("probe up at %s", cfg.CoreFrequency)
	return p, nil
}
