package hsprobe

// Peripheral base addresses of the STM32F723 on the probe.
// [RM0431|2.2.2 Memory map and register boundary addresses]
const (
	baseUART5   Reg = 0x4000_5000
	baseSPI5    Reg = 0x4001_5000
	baseGPIOA   Reg = 0x4002_0000
	baseRCC     Reg = 0x4002_3800
	baseFlash   Reg = 0x4002_3C00
	baseDMA1    Reg = 0x4002_6000
	baseDMA2    Reg = 0x4002_6400
	baseQUADSPI Reg = 0xA000_1000

	gpioStride Reg = 0x400
)

// GPIO port indices, GPIOA is 0.
const (
	PortA = iota
	PortB
	PortC
	PortD
	PortE
	PortF
	PortG
	PortH
)

// [RM0431|6.4 GPIO registers]
const (
	gpioMODER   Reg = 0x00
	gpioOTYPER  Reg = 0x04
	gpioOSPEEDR Reg = 0x08
	gpioPUPDR   Reg = 0x0C
	gpioIDR     Reg = 0x10
	gpioODR     Reg = 0x14
	gpioBSRR    Reg = 0x18
	gpioAFRL    Reg = 0x20
	gpioAFRH    Reg = 0x24
)

// [RM0431|5.3 RCC registers]
const (
	rccCR      Reg = 0x00
	rccPLLCFGR Reg = 0x04
	rccCFGR    Reg = 0x08
	rccAHB1ENR Reg = 0x30
	rccAHB3ENR Reg = 0x38
	rccAPB1ENR Reg = 0x40
	rccAPB2ENR Reg = 0x44

	flashACR Reg = 0x00
)

// [RM0431|8.5 DMA registers]
const (
	dmaLISR  Reg = 0x00
	dmaHISR  Reg = 0x04
	dmaLIFCR Reg = 0x08
	dmaHIFCR Reg = 0x0C

	// Per stream, add dmaStride*n.
	dmaSxCR   Reg = 0x10
	dmaSxNDTR Reg = 0x14
	dmaSxPAR  Reg = 0x18
	dmaSxM0AR Reg = 0x1C
	dmaStride Reg = 0x18
)

// [RM0431|32.9 SPI registers]
const (
	spiCR1 Reg = 0x00
	spiCR2 Reg = 0x04
	spiSR  Reg = 0x08
	spiDR  Reg = 0x0C
)

// [RM0431|34.8 USART registers]
const (
	uartCR1 Reg = 0x00
	uartCR3 Reg = 0x08
	uartBRR Reg = 0x0C
	uartRDR Reg = 0x24
)

// [RM0431|13.5 QUADSPI registers]
const (
	qspiCR  Reg = 0x00
	qspiDCR Reg = 0x04
	qspiSR  Reg = 0x08
	qspiFCR Reg = 0x0C
	qspiDLR Reg = 0x10
	qspiCCR Reg = 0x14
	qspiAR  Reg = 0x18
	qspiDR  Reg = 0x20
)
