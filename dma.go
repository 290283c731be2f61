package hsprobe

import "github.com/golang/glog"

// Stream assignment. [RM0431|Table 27. DMA2 request mapping, Table 26. DMA1]
//
//	SPI5_RX  | DMA2 stream 3 | channel 2
//	SPI5_TX  | DMA2 stream 4 | channel 2
//	UART5_RX | DMA1 stream 0 | channel 4
const (
	streamSPIRx  = 3
	streamSPITx  = 4
	streamUARTRx = 0

	chanSPI5  = 2
	chanUART5 = 4
)

// SxCR bits. [RM0431|8.5.5]
const (
	sxcrEN       = 1 << 0
	sxcrDirP2M   = 0b00 << 6
	sxcrDirM2P   = 0b01 << 6
	sxcrCIRC     = 1 << 8
	sxcrMINC     = 1 << 10
	sxcrPLHigh   = 0b10 << 16
	sxcrChselPos = 25

	// FEIF, DMEIF, TEIF, HTIF, TCIF of one stream.
	dmaAllFlags = 0b111101
	dmaTCIF     = 1 << 5
)

// DMA is the transfer engine: a one-shot full-duplex stream pair serving the
// SPI passthrough and a circular receive stream serving the SWO UART.
//
// The engine does no bookkeeping of its own. Callers guarantee that at most
// one duplex transfer is in flight and that buffers outlive their transfer.
type DMA struct {
	bus        Bus
	dma1, dma2 Reg
}

func NewDMA(b Bus) *DMA {
	return &DMA{bus: b, dma1: baseDMA1, dma2: baseDMA2}
}

func stream(base Reg, n int) Reg { return base + dmaStride*Reg(n) }

// flagShift locates stream n's flags inside LISR/HISR (and LIFCR/HIFCR).
func flagShift(n int) (isr, ifcr Reg, shift uint) {
	isr, ifcr = dmaLISR, dmaLIFCR
	if n >= 4 {
		isr, ifcr = dmaHISR, dmaHIFCR
	}
	return isr, ifcr, [4]uint{0, 6, 16, 22}[n%4]
}

func (d *DMA) clearFlags(base Reg, n int) {
	_, ifcr, shift := flagShift(n)
	d.bus.Store(base+ifcr, dmaAllFlags<<shift)
}

func (d *DMA) complete(base Reg, n int) bool {
	isr, _, shift := flagShift(n)
	return d.bus.Load(base+isr)&(dmaTCIF<<shift) != 0
}

// Setup binds every stream to its peripheral data register and direction.
// It leaves all streams disabled and can be repeated after a reset.
func (d *DMA) Setup() {
	const common = sxcrPLHigh | sxcrMINC // 8-bit memory and peripheral sizes

	rx := stream(d.dma2, streamSPIRx)
	d.bus.Store(rx+dmaSxCR, chanSPI5<<sxcrChselPos|common|sxcrDirP2M)
	d.bus.Store(rx+dmaSxPAR, uint32(baseSPI5+spiDR))

	tx := stream(d.dma2, streamSPITx)
	d.bus.Store(tx+dmaSxCR, chanSPI5<<sxcrChselPos|common|sxcrDirM2P)
	d.bus.Store(tx+dmaSxPAR, uint32(baseSPI5+spiDR))

	uart := stream(d.dma1, streamUARTRx)
	d.bus.Store(uart+dmaSxCR, chanUART5<<sxcrChselPos|common|sxcrCIRC|sxcrDirP2M)
	d.bus.Store(uart+dmaSxPAR, uint32(baseUART5+uartRDR))
}

// StartDuplex arms both SPI streams: tx is clocked out while rx fills.
func (d *DMA) StartDuplex(tx, rx []byte) {
	d.clearFlags(d.dma2, streamSPIRx)
	d.clearFlags(d.dma2, streamSPITx)

	rs, ts := stream(d.dma2, streamSPIRx), stream(d.dma2, streamSPITx)
	d.bus.Store(rs+dmaSxNDTR, uint32(len(rx)))
	d.bus.Store(ts+dmaSxNDTR, uint32(len(tx)))
	d.bus.Store(rs+dmaSxM0AR, d.bus.Addr(rx))
	d.bus.Store(ts+dmaSxM0AR, d.bus.Addr(tx))
	set1(d.bus, rs+dmaSxCR, 0)
	set1(d.bus, ts+dmaSxCR, 0)
	glog.V(3).Infof("dma: duplex %d/%d bytes", len(tx), len(rx))
}

// DuplexBusy reports whether the receive stream has yet to complete. The
// receive side finishes last, so its flag covers the whole exchange.
func (d *DMA) DuplexBusy() bool { return !d.complete(d.dma2, streamSPIRx) }

// StopDuplex disables both SPI streams. Bytes past the completed count are
// undefined.
func (d *DMA) StopDuplex() {
	clr1(d.bus, stream(d.dma2, streamSPIRx)+dmaSxCR, 0)
	clr1(d.bus, stream(d.dma2, streamSPITx)+dmaSxCR, 0)
}

// StartContinuous starts circular reception into rx. The stream reloads at
// the end of rx without software involvement until StopContinuous.
func (d *DMA) StartContinuous(rx []byte) {
	d.clearFlags(d.dma1, streamUARTRx)
	s := stream(d.dma1, streamUARTRx)
	d.bus.Store(s+dmaSxNDTR, uint32(len(rx)))
	d.bus.Store(s+dmaSxM0AR, d.bus.Addr(rx))
	set1(d.bus, s+dmaSxCR, 0)
	glog.V(2).Infof("dma: continuous receive into %d bytes", len(rx))
}

// Remaining returns how many bytes are left in the current pass of the
// circular stream. Only meaningful while it runs.
func (d *DMA) Remaining() int {
	return int(d.bus.Load(stream(d.dma1, streamUARTRx)+dmaSxNDTR) & 0xFFFF)
}

func (d *DMA) StopContinuous() {
	clr1(d.bus, stream(d.dma1, streamUARTRx)+dmaSxCR, 0)
}
