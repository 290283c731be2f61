package hsprobe

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/golang/glog"
)

// SWD runs the Serial Wire Debug wire protocol on QUADSPI in dual-lane mode.
// SWCLK is the QUADSPI clock and SWDIO is IO1.
//
// QUADSPI shifts the address and every data byte MSB first. In DDR dual-lane
// mode one clock cycle carries four bits: IO1 and IO0 on the rising edge,
// then IO1 and IO0 on the falling edge. In DDR single-lane mode a cycle
// carries two bits of IO1, and in SDR dual-lane mode two bits, IO1 then IO0.
// Every SWD bit occupies one clock cycle, so each protocol bit maps to a
// fixed position in the shifted word. Those positions are the tables below.
//
// All operations block on data register accesses, which the peripheral
// stalls until the transfer has progressed far enough. SWD holds no state
// between calls and is only meaningful while the SWD lines are claimed.
type SWD struct {
	q *QSPI
}

func NewSWD(q *QSPI) *SWD { return &SWD{q: q} }

// Ack is an SWD acknowledge. [IHI0031|B4.2.1]
type Ack uint8

const (
	AckOK    Ack = 0b001
	AckWait  Ack = 0b010
	AckFault Ack = 0b100
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	}
	return fmt.Sprintf("Ack(%03b)", uint8(a))
}

// Frame sizes in bytes.
const (
	readFrameLen  = 17 // 32 data + parity + turnaround, DDR dual
	writeFrameLen = 11 // 32 data + parity + 11 idle cycles, SDR dual
)

var (
	// requestPositions[i] is the address register bit carrying request
	// bit i on the IO1 falling edge. The rising edge copy sits two bits
	// higher; IO0 stays low.
	requestPositions = positions(8, func(i int) int { return 29 - 4*i })

	// Acknowledge bits in the single byte read back after the request.
	// A read samples turnaround then ack; a write inserts one dummy cycle
	// which absorbs the turnaround, so the byte holds ack then the
	// turnaround ahead of the data phase.
	readAckPositions  = [3]uint8{4, 2, 0}
	writeAckPositions = [3]uint8{6, 4, 2}

	// readDataPositions[j] is the frame bit holding data bit j (j == 32 is
	// parity), counted as byte*8 + bit. Bit j is sampled on the IO1 falling
	// edge of cycle j.
	readDataPositions = positions(33, func(j int) int {
		if j%2 == 0 {
			return j/2*8 + 5
		}
		return j/2*8 + 1
	})

	// writeDataPositions[j] is the frame bit driving data bit j (j == 32 is
	// parity) on IO1 in SDR dual-lane mode.
	writeDataPositions = positions(33, func(j int) int { return j/4*8 + 7 - 2*(j%4) })
)

func positions(n int, f func(int) int) []uint8 {
	p := make([]uint8, n)
	for i := range p {
		p[i] = uint8(f(i))
	}
	return p
}

func frameBit(f []byte, pos uint8) uint32 { return uint32(f[pos/8]>>(pos%8)) & 1 }

func setFrameBit(f []byte, pos uint8, v uint32) { f[pos/8] |= byte(v&1) << (pos % 8) }

// ExpandRequest disperses an 8-bit SWD request (Start in bit 0, Park in
// bit 7) into the address register value that clocks it out on SWDIO.
func ExpandRequest(req byte) uint32 {
	var x uint32
	for i, pos := range requestPositions {
		x |= uint32(req>>i&1) << pos
	}
	return x | x<<2
}

// CollapseRequest inverts ExpandRequest. It reports false for words that
// ExpandRequest cannot produce.
func CollapseRequest(x uint32) (byte, bool) {
	var req byte
	for i, pos := range requestPositions {
		b := x >> pos & 1
		req |= byte(b) << i
	}
	return req, ExpandRequest(req) == x
}

// DecodeAck extracts the acknowledge from the byte read after a request.
// WAIT and FAULT are values, not errors; anything else is an *AckError.
func DecodeAck(b uint8, write bool) (Ack, error) {
	pos := readAckPositions
	if write {
		pos = writeAckPositions
	}
	var a Ack
	for i, p := range pos {
		a |= Ack(b>>p&1) << i
	}
	switch a {
	case AckOK, AckWait, AckFault:
		return a, nil
	}
	return a, &AckError{Bits: uint8(a)}
}

// Parity is the even parity bit of v.
func Parity(v uint32) uint8 { return uint8(bits.OnesCount32(v) & 1) }

// EncodeWriteFrame disperses a data word and its parity bit into the byte
// stream of a data write phase.
func EncodeWriteFrame(data uint32, parity uint8) [writeFrameLen]byte {
	var f [writeFrameLen]byte
	for j, pos := range writeDataPositions[:32] {
		setFrameBit(f[:], pos, data>>j)
	}
	setFrameBit(f[:], writeDataPositions[32], uint32(parity))
	return f
}

// DecodeWriteFrame inverts EncodeWriteFrame.
func DecodeWriteFrame(f [writeFrameLen]byte) (data uint32, parity uint8) {
	for j, pos := range writeDataPositions[:32] {
		data |= frameBit(f[:], pos) << j
	}
	return data, uint8(frameBit(f[:], writeDataPositions[32]))
}

// DecodeReadFrame reassembles the data word and parity bit from the bytes
// of a data read phase.
func DecodeReadFrame(f [readFrameLen]byte) (data uint32, parity uint8) {
	for j, pos := range readDataPositions[:32] {
		data |= frameBit(f[:], pos) << j
	}
	return data, uint8(frameBit(f[:], readDataPositions[32]))
}

// ReadRequest sends a read request header and returns the target's ack.
func (s *SWD) ReadRequest(req byte) (Ack, error) { return s.request(req, false) }

// WriteRequest sends a write request header and returns the target's ack.
func (s *SWD) WriteRequest(req byte) (Ack, error) { return s.request(req, true) }

func (s *SWD) request(req byte, write bool) (Ack, error) {
	var dcyc uint32
	if write {
		dcyc = 1
	}
	s.q.setLength(1)
	s.q.setCCR(ccrDDRM |
		fmodeIndirectRead<<ccrFMODEPos |
		lanesSingle<<ccrDMODEPos |
		dcyc<<ccrDCYCPos |
		adsize32<<ccrADSIZEPos |
		lanesDual<<ccrADMODEPos)
	// The address write starts the transfer; the DR read stalls until the
	// byte is in.
	s.q.setAR(ExpandRequest(req))
	b := s.q.readDR8()

	ack, err := DecodeAck(b, write)
	if err != nil {
		glog.Warningf("swd: request 0x%02x: %v", req, err)
	} else {
		glog.V(3).Infof("swd: request 0x%02x ack %s", req, ack)
	}
	return ack, err
}

// ReadData reads the data phase following an OK read ack and then returns
// the line to idle.
func (s *SWD) ReadData() (data uint32, parity uint8) {
	s.q.setLength(readFrameLen)
	// Without an address phase the CCR write starts the transfer.
	s.q.setCCR(ccrDDRM |
		fmodeIndirectRead<<ccrFMODEPos |
		lanesDual<<ccrDMODEPos)
	var f [readFrameLen]byte
	for i := range f {
		f[i] = s.q.readDR8()
	}
	data, parity = DecodeReadFrame(f)
	s.idle()
	return data, parity
}

// idle clocks an address-only phase of zeros, driving SWDIO low.
func (s *SWD) idle() {
	s.q.setCCR(fmodeIndirectRead<<ccrFMODEPos |
		adsize16<<ccrADSIZEPos |
		lanesDual<<ccrADMODEPos)
	s.q.setAR(0)
}

// WriteData writes the data phase following an OK write ack. The frame goes
// out as two words, the parity byte and a 16-bit idle pad.
func (s *SWD) WriteData(data uint32, parity uint8) {
	f := EncodeWriteFrame(data, parity)
	s.q.setLength(writeFrameLen)
	s.q.setCCR(fmodeIndirectWrite<<ccrFMODEPos | lanesDual<<ccrDMODEPos)
	s.q.writeDR32(binary.LittleEndian.Uint32(f[0:4]))
	s.q.writeDR32(binary.LittleEndian.Uint32(f[4:8]))
	s.q.writeDR8(f[8])
	s.q.writeDR16(binary.LittleEndian.Uint16(f[9:11]))
}

// Sequence clocks n bits of seq (LSB first) out on SWDIO. The transfer is
// rounded up to a multiple of four cycles, with SWDIO low in the padding.
func (s *SWD) Sequence(seq []byte, n int) {
	if n <= 0 {
		return
	}
	f := make([]byte, (n+3)/4)
	for k := 0; k < n; k++ {
		bit := seq[k/8] >> (k % 8) & 1
		f[k/4] |= bit << (7 - 2*(k%4))
	}
	s.q.setLength(len(f))
	s.q.setCCR(fmodeIndirectWrite<<ccrFMODEPos | lanesDual<<ccrDMODEPos)
	for _, b := range f {
		s.q.writeDR8(b)
	}
	glog.V(3).Infof("swd: sequence of %d bits", n)
}
