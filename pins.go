package hsprobe

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// Line names a board line a request can address.
type Line uint8

const (
	LineCS Line = iota
	LineFPGAReset
	LineTPwrEn
	LineTPwrDet
	LineLED
)

func (l Line) String() string {
	switch l {
	case LineCS:
		return "CS"
	case LineFPGAReset:
		return "FPGA_RST"
	case LineTPwrEn:
		return "TPWR_EN"
	case LineTPwrDet:
		return "TPWR_DET"
	case LineLED:
		return "LED"
	}
	return fmt.Sprintf("Line(%d)", uint8(l))
}

// Alternate function numbers. [DS11853|Table 12. STM32F723xx alternate function mapping]
const (
	afSPI5    = 5
	afUART5   = 8
	afQUADSPI = 9
)

// Pins is the line assignment of the probe board.
//
//	Line      | Pin  | Function
//	----------+------+----------------------------
//	SCK       | PF7  | SPI5_SCK
//	FlashSO   | PF8  | SPI5_MISO (flash mode)
//	FlashSI   | PF9  | SPI5_MOSI (flash mode)
//	FPGASI    | PF11 | SPI5_MOSI (FPGA mode)
//	FPGASO    | PH7  | SPI5_MISO (FPGA mode)
//	CS        | PF6  | output
//	FPGAReset | PF10 | output
//	TPwrEn    | PE2  | output
//	TPwrDet   | PE3  | input
//	LED       | PC10 | output
//	SWCLK     | PB2  | QUADSPI_CLK
//	SWDIO     | PD12 | QUADSPI_BK1_IO1
//	SWO       | PD2  | UART5_RX
//	Reset     | PA6  | open-drain output
type Pins struct {
	SCK, FlashSO, FlashSI, FPGASI, FPGASO *Pin
	CS, FPGAReset                         *Pin
	TPwrEn, TPwrDet, LED                  *Pin
	SWCLK, SWDIO, SWO, Reset              *Pin

	// Applied in order. Every sequence releases lines before claiming
	// their replacements so that two lines never carry the same SPI signal.
	highZ, flash, fpga []memoised
}

type memoised struct {
	port *Port
	mm   MemoisedMode
}

// NewPins maps the board lines onto b.
func NewPins(b Bus) *Pins {
	var ports [PortH + 1]*Port
	for i := range ports {
		ports[i] = NewPort(b, i)
	}
	f, h := ports[PortF], ports[PortH]
	p := &Pins{
		SCK:       f.Pin(7, "SCK"),
		FlashSO:   f.Pin(8, "FLASH_SO"),
		FlashSI:   f.Pin(9, "FLASH_SI"),
		FPGASI:    f.Pin(11, "FPGA_SI"),
		FPGASO:    h.Pin(7, "FPGA_SO"),
		CS:        f.Pin(6, "CS"),
		FPGAReset: f.Pin(10, "FPGA_RST"),
		TPwrEn:    ports[PortE].Pin(2, "TPWR_EN"),
		TPwrDet:   ports[PortE].Pin(3, "TPWR_DET"),
		LED:       ports[PortC].Pin(10, "LED"),
		SWCLK:     ports[PortB].Pin(2, "SWCLK"),
		SWDIO:     ports[PortD].Pin(12, "SWDIO"),
		SWO:       ports[PortD].Pin(2, "SWO"),
		Reset:     ports[PortA].Pin(6, "nRESET"),
	}

	in, out, alt := PinInput, PinOutput, PinAlternate
	p.highZ = []memoised{
		{f, MemoiseMode(map[int]PinMode{6: in, 7: in, 8: in, 9: in, 10: in, 11: in})},
		{h, MemoiseMode(map[int]PinMode{7: in})},
	}
	p.flash = []memoised{
		{h, MemoiseMode(map[int]PinMode{7: in})},
		{f, MemoiseMode(map[int]PinMode{6: out, 7: alt, 8: alt, 9: alt, 10: out, 11: in})},
	}
	p.fpga = []memoised{
		{f, MemoiseMode(map[int]PinMode{6: out, 7: alt, 8: in, 9: in, 10: out, 11: alt})},
		{h, MemoiseMode(map[int]PinMode{7: alt})},
	}
	return p
}

// Setup configures electrical properties and alternate functions once and
// leaves every switchable line released.
func (p *Pins) Setup() {
	for _, pin := range []*Pin{p.SCK, p.FlashSO, p.FlashSI, p.FPGASI, p.FPGASO} {
		pin.SetAF(afSPI5)
		pin.SetOpenDrain(false)
		pin.SetSpeed(SpeedVeryHigh)
	}

	// CS and reset are latched high so claiming them as outputs does not
	// select the flash or reset the FPGA.
	p.CS.Set(gpio.High)
	p.CS.SetSpeed(SpeedVeryHigh)
	p.FPGAReset.Set(gpio.High)

	p.TPwrEn.Set(gpio.Low)
	p.TPwrEn.SetMode(PinOutput)
	p.TPwrDet.SetPull(gpio.PullDown)
	p.TPwrDet.SetMode(PinInput)

	p.LED.Set(gpio.Low)
	p.LED.SetSpeed(SpeedLow)
	p.LED.SetMode(PinOutput)

	p.SWCLK.SetAF(afQUADSPI)
	p.SWCLK.SetSpeed(SpeedVeryHigh)
	p.SWCLK.SetPull(gpio.PullUp)
	p.SWDIO.SetAF(afQUADSPI)
	p.SWDIO.SetSpeed(SpeedVeryHigh)
	p.SWDIO.SetPull(gpio.PullUp)
	p.SWO.SetAF(afUART5)
	p.SWO.SetPull(gpio.PullUp)
	p.SWO.SetMode(PinAlternate)

	p.Reset.Set(gpio.High)
	p.Reset.SetOpenDrain(true)
	p.Reset.SetMode(PinOutput)

	p.ReleaseSWD()
	p.HighImpedanceMode()
}

func apply(seq []memoised) {
	for _, m := range seq {
		m.port.Apply(m.mm)
	}
}

// HighImpedanceMode releases the SPI lines, CS and FPGA reset.
func (p *Pins) HighImpedanceMode() error {
	apply(p.highZ)
	return nil
}

// FlashMode claims SCK and the flash data pair for SPI5.
func (p *Pins) FlashMode() error {
	apply(p.flash)
	return nil
}

// FPGAMode claims SCK and the FPGA data pair for SPI5.
func (p *Pins) FPGAMode() error {
	apply(p.fpga)
	return nil
}

// ClaimSWD hands SWCLK and SWDIO to QUADSPI.
func (p *Pins) ClaimSWD() {
	p.SWCLK.SetMode(PinAlternate)
	p.SWDIO.SetMode(PinAlternate)
}

// ReleaseSWD returns SWCLK and SWDIO to pulled-up inputs.
func (p *Pins) ReleaseSWD() {
	p.SWCLK.SetMode(PinInput)
	p.SWDIO.SetMode(PinInput)
}

func (p *Pins) line(l Line) (*Pin, error) {
	switch l {
	case LineCS:
		return p.CS, nil
	case LineFPGAReset:
		return p.FPGAReset, nil
	case LineTPwrEn:
		return p.TPwrEn, nil
	case LineTPwrDet:
		return p.TPwrDet, nil
	case LineLED:
		return p.LED, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLine, l)
}

// Set latches level on line l. Mode is left alone: a CS set while the lines
// are released takes effect when flash mode claims CS.
func (p *Pins) Set(l Line, level gpio.Level) error {
	pin, err := p.line(l)
	if err != nil {
		return err
	}
	pin.Set(level)
	return nil
}

// Get samples line l.
func (p *Pins) Get(l Line) (gpio.Level, error) {
	pin, err := p.line(l)
	if err != nil {
		return gpio.Low, err
	}
	return pin.Read(), nil
}
