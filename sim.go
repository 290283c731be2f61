package hsprobe

import (
	"encoding/binary"
	"sync"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
)

// SWDTarget is the debug port of a simulated target.
type SWDTarget interface {
	// Request receives the 8-bit packet request, Start in bit 0, and
	// returns the acknowledge to drive. Returning a value other than OK,
	// WAIT or FAULT models a target that does not answer.
	Request(req byte) Ack
	// Read returns the data phase of the last acknowledged read.
	Read() (data uint32, parity uint8)
	// Write receives the data phase of the last acknowledged write.
	Write(data uint32, parity uint8)
}

// Event is one register store recorded by Sim.
type Event struct {
	Reg   Reg
	Value uint32
}

// Sim is a Bus backed by a register model of the probe's microcontroller.
// It models only what the drivers observe: GPIO latches and inputs, RCC
// ready flags, the SPI DMA pair, circular UART reception and the QUADSPI
// waveforms seen by an SWD target.
//
// SPIDevice answers SPI exchanges; nil echoes the transmitted bytes. Target
// answers SWD traffic; nil leaves SWDIO pulled up.
type Sim struct {
	SPIDevice func(tx []byte) []byte
	Target    SWDTarget

	mu     sync.Mutex
	regs   map[Reg]uint32
	mem    map[uint32][]byte
	addrs  map[*byte]uint32
	next   uint32
	inputs [PortH + 1]struct{ mask, level uint32 }
	trace  []Event

	uartLen int

	fifo         []byte // QUADSPI bytes waiting to be read
	out          []byte // QUADSPI bytes written in the current frame
	writePending bool   // a write was acknowledged, its data phase is next
	sequences    [][]uint8
	idles        int
	busyPolls    int
}

func NewSim() *Sim {
	return &Sim{
		regs:  make(map[Reg]uint32),
		mem:   make(map[uint32][]byte),
		addrs: make(map[*byte]uint32),
		next:  simRAM,
	}
}

const simRAM = 0x2000_0000

// release forgets the buffer behind a disabled stream's memory address.
func (s *Sim) release(st Reg) {
	a := s.regs[st+dmaSxM0AR]
	if buf, ok := s.mem[a]; ok {
		delete(s.mem, a)
		delete(s.addrs, &buf[0])
	}
	if len(s.mem) == 0 {
		s.next = simRAM
	}
}

// Buffers counts the buffers currently registered as simulated RAM.
func (s *Sim) Buffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

var _ Bus = (*Sim)(nil)

func gpioRegister(r Reg) (port int, off Reg, ok bool) {
	if r < baseGPIOA || r >= baseGPIOA+(PortH+1)*gpioStride {
		return 0, 0, false
	}
	return int((r - baseGPIOA) / gpioStride), (r - baseGPIOA) % gpioStride, true
}

func (s *Sim) Load(r Reg) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(r)
}

func (s *Sim) load(r Reg) uint32 {
	if port, off, ok := gpioRegister(r); ok && off == gpioIDR {
		return s.idr(port)
	}
	switch r {
	case baseQUADSPI + qspiSR:
		s.busyPolls++
		return 0
	case baseQUADSPI + qspiDR:
		var b [4]byte
		for i := range b {
			b[i] = s.pop()
		}
		return binary.LittleEndian.Uint32(b[:])
	case baseDMA2 + dmaLISR:
		s.runDuplex()
	}
	return s.regs[r]
}

// idr returns the levels seen on a port: output latches for outputs, driven
// inputs where set, otherwise the pull resistor.
func (s *Sim) idr(port int) uint32 {
	base := baseGPIOA + Reg(port)*gpioStride
	moder, odr, pupdr := s.regs[base+gpioMODER], s.regs[base+gpioODR], s.regs[base+gpioPUPDR]
	in := s.inputs[port]
	var v uint32
	for n := 0; n < 16; n++ {
		var bit uint32
		switch {
		case PinMode(pair(n).Get(moder)) == PinOutput:
			bit = odr >> n & 1
		case in.mask>>n&1 != 0:
			bit = in.level >> n & 1
		case pair(n).Get(pupdr) == 0b01: // pull-up
			bit = 1
		}
		v |= bit << n
	}
	return v
}

func (s *Sim) Store(r Reg, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == baseQUADSPI+qspiDR {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		s.push(b[:]...)
		return
	}
	s.store(r, v)
}

func (s *Sim) store(r Reg, v uint32) {
	if port, off, ok := gpioRegister(r); ok {
		base := baseGPIOA + Reg(port)*gpioStride
		switch off {
		case gpioBSRR:
			odr := s.regs[base+gpioODR]
			s.regs[base+gpioODR] = odr&^(v>>16) | v&0xFFFF
			return
		case gpioIDR:
			return
		case gpioMODER:
			s.regs[r] = v
			s.trace = append(s.trace, Event{r, v})
			return
		}
	}

	old := s.regs[r]
	s.regs[r] = v
	switch r {
	case baseRCC + rccCR:
		// Oscillators and the PLL lock immediately.
		for _, b := range [][2]uint{{rccHSION, rccHSIRDY}, {rccHSEON, rccHSERDY}, {rccPLLON, rccPLLRDY}} {
			v = v&^(1<<b[1]) | (v>>b[0]&1)<<b[1]
		}
		s.regs[r] = v
	case baseRCC + rccCFGR:
		s.regs[r] = cfgrSWS.Set(v, cfgrSW.Get(v))
	case baseDMA1 + dmaLIFCR, baseDMA2 + dmaLIFCR:
		s.regs[r-dmaLIFCR+dmaLISR] &^= v
		s.regs[r] = 0
	case baseDMA1 + dmaHIFCR, baseDMA2 + dmaHIFCR:
		s.regs[r-dmaHIFCR+dmaHISR] &^= v
		s.regs[r] = 0
	case stream(baseDMA1, streamUARTRx) + dmaSxCR:
		if old&sxcrEN == 0 && v&sxcrEN != 0 {
			s.uartLen = int(s.regs[stream(baseDMA1, streamUARTRx)+dmaSxNDTR])
		}
		if old&sxcrEN != 0 && v&sxcrEN == 0 {
			s.release(r - dmaSxCR)
		}
	case stream(baseDMA2, streamSPIRx) + dmaSxCR, stream(baseDMA2, streamSPITx) + dmaSxCR:
		if old&sxcrEN != 0 && v&sxcrEN == 0 {
			s.release(r - dmaSxCR)
		}
	case baseSPI5 + spiCR1:
		s.trace = append(s.trace, Event{r, v})
	case baseQUADSPI + qspiCCR:
		s.out = s.out[:0]
		ccr := v
		if ccrADMODE.Get(ccr) == lanesNone && ccrFMODE.Get(ccr) == fmodeIndirectRead {
			s.readPhase()
		}
	case baseQUADSPI + qspiAR:
		s.addressPhase(v)
	}
}

func (s *Sim) Load8(r Reg) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == baseQUADSPI+qspiDR {
		return s.pop()
	}
	return uint8(s.load(r))
}

func (s *Sim) Store8(r Reg, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == baseQUADSPI+qspiDR {
		s.push(v)
		return
	}
	s.store(r, uint32(v))
}

func (s *Sim) Store16(r Reg, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == baseQUADSPI+qspiDR {
		s.push(byte(v), byte(v>>8))
		return
	}
	s.store(r, uint32(v))
}

// Addr registers buf as simulated RAM. The same buffer maps to the same
// address until the DMA stream using it is disabled.
func (s *Sim) Addr(buf []byte) uint32 {
	if len(buf) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.addrs[&buf[0]]; ok {
		if len(s.mem[a]) >= len(buf) {
			return a
		}
		delete(s.mem, a)
	}
	a := s.next
	s.next += uint32(len(buf)+3) &^ 3
	s.addrs[&buf[0]] = a
	s.mem[a] = buf
	return a
}

// Reg returns the raw content of a register.
func (s *Sim) Reg(r Reg) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[r]
}

// SetInput drives an external level onto a GPIO line.
func (s *Sim) SetInput(port, n int, l gpio.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := &s.inputs[port]
	in.mask |= 1 << n
	in.level &^= 1 << n
	if l {
		in.level |= 1 << n
	}
}

// Trace returns the recorded MODER and SPI5 CR1 stores and clears the record.
func (s *Sim) Trace() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trace
	s.trace = nil
	return t
}

// BusyPolls counts QUADSPI status register reads.
func (s *Sim) BusyPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyPolls
}

// Idles counts idle phases clocked after read data.
func (s *Sim) Idles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idles
}

// Sequences returns the SWDIO levels, one per clock cycle, of every
// sequence clocked out so far and clears the record.
func (s *Sim) Sequences() [][]uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.sequences
	s.sequences = nil
	return q
}

// FeedUART delivers bytes to the SWO receiver. Bytes arriving while
// reception or its DMA stream is off are lost; the count accepted is
// returned.
func (s *Sim) FeedUART(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stream(baseDMA1, streamUARTRx)
	cr1 := s.regs[baseUART5+uartCR1]
	if s.regs[st+dmaSxCR]&sxcrEN == 0 || cr1>>uartUE&1 == 0 || cr1>>uartRE&1 == 0 ||
		s.regs[baseUART5+uartCR3]>>uartDMAR&1 == 0 {
		return 0
	}
	buf := s.mem[s.regs[st+dmaSxM0AR]]
	if len(buf) < s.uartLen || s.uartLen == 0 {
		return 0
	}
	for _, b := range data {
		ndtr := int(s.regs[st+dmaSxNDTR])
		buf[s.uartLen-ndtr] = b
		if ndtr--; ndtr == 0 {
			ndtr = s.uartLen
		}
		s.regs[st+dmaSxNDTR] = uint32(ndtr)
	}
	return len(data)
}

// runDuplex completes an armed SPI exchange the first time the driver looks
// at the flags, provided SPI5 is running. Called with s.mu held.
func (s *Sim) runDuplex() {
	rs, ts := stream(baseDMA2, streamSPIRx), stream(baseDMA2, streamSPITx)
	if s.regs[rs+dmaSxCR]&sxcrEN == 0 || s.regs[ts+dmaSxCR]&sxcrEN == 0 ||
		s.regs[baseSPI5+spiCR1]>>cr1SPE&1 == 0 {
		return
	}
	n := int(s.regs[rs+dmaSxNDTR])
	if n == 0 || n != int(s.regs[ts+dmaSxNDTR]) {
		return
	}
	tx := append([]byte(nil), s.mem[s.regs[ts+dmaSxM0AR]][:n]...)
	rx := s.mem[s.regs[rs+dmaSxM0AR]][:n]
	s.regs[rs+dmaSxNDTR], s.regs[ts+dmaSxNDTR] = 0, 0

	// The device may look at GPIO lines, chip select in particular, so it
	// runs without the register lock.
	reply := tx
	if dev := s.SPIDevice; dev != nil {
		s.mu.Unlock()
		reply = dev(tx)
		s.mu.Lock()
	}
	copy(rx, reply)
	_, _, rshift := flagShift(streamSPIRx)
	_, _, tshift := flagShift(streamSPITx)
	s.regs[baseDMA2+dmaLISR] |= dmaTCIF << rshift
	s.regs[baseDMA2+dmaHISR] |= dmaTCIF << tshift
	glog.V(3).Infof("sim: spi exchanged %d bytes", n)
}

func (s *Sim) pop() byte {
	if len(s.fifo) == 0 {
		return 0
	}
	b := s.fifo[0]
	s.fifo = s.fifo[1:]
	return b
}

func (s *Sim) dlr() int { return int(s.regs[baseQUADSPI+qspiDLR]) + 1 }

// addressPhase handles an AR store: either an SWD request or the idle
// phase after read data.
func (s *Sim) addressPhase(ar uint32) {
	ccr := s.regs[baseQUADSPI+qspiCCR]
	if ccrFMODE.Get(ccr) != fmodeIndirectRead {
		return
	}
	if ccrDMODE.Get(ccr) == lanesNone {
		s.idles++
		return
	}

	// DDR dual: cycle i carries AR bits 31-4i (IO1 rise), 30-4i (IO0
	// rise), 29-4i (IO1 fall) and 28-4i (IO0 fall). The target samples
	// SWDIO on the rising edge.
	var req byte
	valid := true
	for i := 0; i < 8; i++ {
		rise, fall := ar>>(31-4*i)&1, ar>>(29-4*i)&1
		io0 := ar>>(30-4*i)&1 | ar>>(28-4*i)&1
		if rise != fall || io0 != 0 {
			valid = false
		}
		req |= byte(rise) << i
	}
	ack := Ack(0b111)
	if valid && s.Target != nil {
		ack = s.Target.Request(req)
	}
	write := ccrDCYC.Get(ccr) != 0
	s.writePending = write && ack == AckOK

	// DDR single: cycle c carries bits 7-2c and 6-2c. A read starts with
	// the turnaround, a write ends with it since the dummy cycle already
	// covered the first one. Undriven cycles read high.
	levels := [4]uint32{1, uint32(ack) & 1, uint32(ack) >> 1 & 1, uint32(ack) >> 2 & 1}
	if write {
		levels = [4]uint32{uint32(ack) & 1, uint32(ack) >> 1 & 1, uint32(ack) >> 2 & 1, 1}
	}
	var b byte
	for c, l := range levels {
		b |= byte(l<<1|l) << (6 - 2*c)
	}
	s.fifo = append(s.fifo[:0], b)
}

// readPhase produces the data phase of a read: 32 data bits, parity and a
// turnaround cycle on IO1 in DDR dual-lane mode.
func (s *Sim) readPhase() {
	var data uint32
	var parity uint8
	if s.Target != nil {
		data, parity = s.Target.Read()
	} else {
		data, parity = 0xFFFF_FFFF, 1
	}
	f := make([]byte, s.dlr())
	for c := 0; c < 2*len(f); c++ {
		var l byte = 1
		switch {
		case c < 32:
			l = byte(data >> c & 1)
		case c == 32:
			l = parity & 1
		}
		shift := 4
		if c%2 == 1 {
			shift = 0
		}
		// IO1 on both edges, IO0 unconnected.
		f[c/2] |= (l<<3 | l<<1) << shift
	}
	s.fifo = append(s.fifo[:0], f...)
}

// push accepts bytes for an indirect write and completes the frame once
// DLR+1 bytes have arrived.
func (s *Sim) push(b ...byte) {
	s.out = append(s.out, b...)
	if len(s.out) < s.dlr() {
		return
	}
	// SDR dual: cycle k drives IO1 on bit 7-2*(k%4) of byte k/4.
	levels := make([]uint8, 4*len(s.out))
	for k := range levels {
		levels[k] = s.out[k/4] >> (7 - 2*(k%4)) & 1
	}
	s.out = s.out[:0]

	if !s.writePending {
		s.sequences = append(s.sequences, levels)
		return
	}
	s.writePending = false
	var data uint32
	for j := 0; j < 32; j++ {
		data |= uint32(levels[j]) << j
	}
	if s.Target != nil {
		s.Target.Write(data, levels[32])
	}
}

// SimTarget is a minimal ADIv5 debug port for Sim. DP reads of address 0
// return IDCode, AP reads are posted and complete through RDBUFF.
type SimTarget struct {
	IDCode uint32
	DP, AP map[uint8]uint32

	// Waits is the number of WAIT acknowledges to give before the next OK.
	Waits int
	// Fault makes every valid request answer FAULT.
	Fault bool

	// Writes records every accepted data write.
	Writes []TargetWrite

	req    byte
	rdbuff uint32
}

// TargetWrite is one data phase seen by SimTarget.
type TargetWrite struct {
	AP       bool
	Addr     uint8
	Data     uint32
	ParityOK bool
}

func NewSimTarget(idcode uint32) *SimTarget {
	return &SimTarget{IDCode: idcode, DP: make(map[uint8]uint32), AP: make(map[uint8]uint32)}
}

func (t *SimTarget) Request(req byte) Ack {
	start, stop, park := req&1, req>>6&1, req>>7&1
	parity := (req>>1&1 + req>>2&1 + req>>3&1 + req>>4&1) & 1
	if start != 1 || stop != 0 || park != 1 || parity != req>>5&1 {
		return 0b111
	}
	if t.Waits > 0 {
		t.Waits--
		return AckWait
	}
	if t.Fault {
		return AckFault
	}
	t.req = req
	return AckOK
}

func (t *SimTarget) decode() (ap bool, addr uint8) {
	return t.req>>1&1 == 1, (t.req >> 3 & 0b11) << 2
}

func (t *SimTarget) Read() (uint32, uint8) {
	ap, addr := t.decode()
	var v uint32
	switch {
	case ap:
		v, t.rdbuff = t.rdbuff, t.AP[addr]
	case addr == 0:
		v = t.IDCode
	case addr == dpRDBUFF:
		v = t.rdbuff
	default:
		v = t.DP[addr]
	}
	return v, Parity(v)
}

func (t *SimTarget) Write(data uint32, parity uint8) {
	ap, addr := t.decode()
	t.Writes = append(t.Writes, TargetWrite{AP: ap, Addr: addr, Data: data, ParityOK: Parity(data) == parity})
	if ap {
		t.AP[addr] = data
	} else {
		t.DP[addr] = data
	}
}

// SimFlash answers the read-only subset of the SPI NOR command set. Each
// exchange handed to Transfer is one command with CS held low throughout.
type SimFlash struct {
	ID     [3]byte
	Status byte
	Data   []byte

	// Selected reports the chip select line. When set, exchanges with the
	// line high are ignored and read back as all ones.
	Selected func() bool

	// PoweredDown is set by 0xB9 and cleared by 0xAB.
	PoweredDown bool
}

// Transfer is usable as Sim.SPIDevice.
func (f *SimFlash) Transfer(tx []byte) []byte {
	rx := make([]byte, len(tx))
	if len(tx) == 0 {
		return rx
	}
	if f.Selected != nil && !f.Selected() {
		for i := range rx {
			rx[i] = 0xFF
		}
		return rx
	}
	switch tx[0] {
	case flashCmdPowerUp:
		f.PoweredDown = false
		return rx
	case flashCmdPowerDown:
		f.PoweredDown = true
		return rx
	}
	if f.PoweredDown {
		return rx
	}
	switch tx[0] {
	case flashCmdReadID:
		copy(rx[1:], f.ID[:])
	case flashCmdReadStatusRegister:
		for i := 1; i < len(rx); i++ {
			rx[i] = f.Status
		}
	case flashCmdRead:
		if len(tx) < 4 {
			break
		}
		addr := int(tx[1])<<16 | int(tx[2])<<8 | int(tx[3])
		for i := 4; i < len(rx); i++ {
			if len(f.Data) > 0 {
				rx[i] = f.Data[(addr+i-4)%len(f.Data)]
			}
		}
	}
	return rx
}
