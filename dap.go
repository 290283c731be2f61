package hsprobe

import (
	"encoding/binary"
	"errors"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/physic"
)

// This file implements the subset of CMSIS-DAP needed to drive SWD and SWO
// through the probe's own transport.
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

type dapCmd uint8

const (
	dapInfo              dapCmd = 0x00
	dapHostStatus        dapCmd = 0x01
	dapConnect           dapCmd = 0x02
	dapDisconnect        dapCmd = 0x03
	dapTransferConfigure dapCmd = 0x04
	dapTransfer          dapCmd = 0x05
	dapResetTarget       dapCmd = 0x0A
	dapSWJPins           dapCmd = 0x10
	dapSWJClock          dapCmd = 0x11
	dapSWJSequence       dapCmd = 0x12
	dapSWDConfigure      dapCmd = 0x13
	dapSWOTransport      dapCmd = 0x17
	dapSWOMode           dapCmd = 0x18
	dapSWOBaudrate       dapCmd = 0x19
	dapSWOControl        dapCmd = 0x1A
	dapSWOStatus         dapCmd = 0x1B

	dapInvalid = 0xFF
	dapOK      = 0x00
	dapError   = 0xFF
)

const (
	infoVendor       = 0x01
	infoProduct      = 0x02
	infoSerial       = 0x03
	infoFirmware     = 0x04
	infoCapabilities = 0xF0
	infoSWOBuffer    = 0xFD
	infoPacketCount  = 0xFE
	infoPacketSize   = 0xFF

	capSWD          = 1 << 0
	capSWOUART      = 1 << 2
	capSWOStreaming = 1 << 6

	swoTransportNone     = 0
	swoTransportEndpoint = 2
	swoModeUART          = 1

	// DAP_Transfer request and response bits.
	xferAPnDP      = 1 << 0
	xferRnW        = 1 << 1
	xferMatchValue = 1 << 4
	xferMatchMask  = 1 << 5
	xferParityErr  = 1 << 3
	xferMismatch   = 1 << 4

	dpRDBUFF = 0x0C
)

// DAP interprets CMSIS-DAP commands on top of SWD and SWO.
type DAP struct {
	swd  *SWD
	qspi *QSPI
	pins *Pins
	swo  *SWO

	Vendor, Product, Serial, Firmware string

	idleCycles uint8
	waitRetry  uint16
	matchRetry uint16
	matchMask  uint32
	transport  uint8

	resp [MaxPayload]byte
}

func NewDAP(swd *SWD, q *QSPI, pins *Pins, swo *SWO) *DAP {
	return &DAP{
		swd:       swd,
		qspi:      q,
		pins:      pins,
		swo:       swo,
		Vendor:    "hsprobe",
		Product:   "hsprobe CMSIS-DAP",
		Firmware:  "0.1.0",
		waitRetry: 64,
	}
}

func (d *DAP) SWOStreaming() bool {
	return d.swo.Streaming() && d.transport == swoTransportEndpoint
}

func (d *DAP) PollSWO() []byte { return d.swo.Poll() }

// Halt stops trace capture and releases the SWD lines.
func (d *DAP) Halt() error {
	d.swo.Stop()
	d.pins.ReleaseSWD()
	return nil
}

// Process executes one command. Unknown or truncated commands answer
// DAP_Invalid.
func (d *DAP) Process(cmd []byte) []byte {
	if len(cmd) == 0 {
		return nil
	}
	r := d.resp[:0]
	r = append(r, cmd[0])
	args := cmd[1:]
	var ok bool
	switch dapCmd(cmd[0]) {
	case dapInfo:
		r, ok = d.info(r, args)
	case dapHostStatus:
		if ok = len(args) >= 2; ok {
			// Both the connect and running indicators map onto the one LED.
			d.pins.LED.Set(args[1] != 0)
			r = append(r, dapOK)
		}
	case dapConnect:
		if ok = len(args) >= 1; ok {
			r = append(r, d.connect(args[0]))
		}
	case dapDisconnect:
		d.pins.ReleaseSWD()
		r, ok = append(r, dapOK), true
	case dapTransferConfigure:
		if ok = len(args) >= 5; ok {
			d.idleCycles = args[0]
			d.waitRetry = binary.LittleEndian.Uint16(args[1:])
			d.matchRetry = binary.LittleEndian.Uint16(args[3:])
			r = append(r, dapOK)
		}
	case dapTransfer:
		r, ok = d.transfer(r, args)
	case dapResetTarget:
		r, ok = append(r, dapOK, 0), true
	case dapSWJPins:
		r, ok = d.swjPins(r, args)
	case dapSWJClock:
		if ok = len(args) >= 4; ok {
			r = append(r, d.setClock(binary.LittleEndian.Uint32(args)))
		}
	case dapSWJSequence:
		if ok = len(args) >= 1; ok {
			n := int(args[0])
			if n == 0 {
				n = 256
			}
			if ok = len(args[1:]) >= (n+7)/8; ok {
				d.swd.Sequence(args[1:], n)
				r = append(r, dapOK)
			}
		}
	case dapSWDConfigure:
		// Only the default of one turnaround cycle and no data phase on
		// WAIT/FAULT is supported by the transport timing.
		if ok = len(args) >= 1; ok {
			if args[0] == 0 {
				r = append(r, dapOK)
			} else {
				r = append(r, dapError)
			}
		}
	case dapSWOTransport:
		if ok = len(args) >= 1; ok {
			if args[0] == swoTransportNone || args[0] == swoTransportEndpoint {
				d.transport = args[0]
				r = append(r, dapOK)
			} else {
				r = append(r, dapError)
			}
		}
	case dapSWOMode:
		if ok = len(args) >= 1; ok {
			if args[0] == 0 || args[0] == swoModeUART {
				r = append(r, dapOK)
			} else {
				r = append(r, dapError)
			}
		}
	case dapSWOBaudrate:
		if ok = len(args) >= 4; ok {
			actual, err := d.swo.SetBaud(binary.LittleEndian.Uint32(args))
			if err != nil {
				glog.Warningf("dap: %v", err)
			}
			r = binary.LittleEndian.AppendUint32(r, actual)
		}
	case dapSWOControl:
		if ok = len(args) >= 1; ok {
			if args[0] == 1 {
				d.swo.Start()
			} else {
				d.swo.Stop()
			}
			r = append(r, dapOK)
		}
	case dapSWOStatus:
		var status byte
		if d.swo.Streaming() {
			status = 1
		}
		r = append(r, status)
		r, ok = binary.LittleEndian.AppendUint32(r, uint32(d.swo.Buffered())), true
	}
	if !ok {
		glog.V(1).Infof("dap: invalid command % x", cmd)
		return append(d.resp[:0], dapInvalid)
	}
	return r
}

func (d *DAP) info(r, args []byte) ([]byte, bool) {
	if len(args) < 1 {
		return r, false
	}
	str := func(s string) []byte {
		if s == "" {
			return append(r, 0)
		}
		r = append(r, byte(len(s)+1))
		r = append(r, s...)
		return append(r, 0)
	}
	switch args[0] {
	case infoVendor:
		return str(d.Vendor), true
	case infoProduct:
		return str(d.Product), true
	case infoSerial:
		return str(d.Serial), true
	case infoFirmware:
		return str(d.Firmware), true
	case infoCapabilities:
		return append(r, 1, capSWD|capSWOUART|capSWOStreaming), true
	case infoSWOBuffer:
		r = append(r, 4)
		return binary.LittleEndian.AppendUint32(r, uint32(len(d.swo.buf))), true
	case infoPacketCount:
		return append(r, 1, 1), true
	case infoPacketSize:
		r = append(r, 2)
		return binary.LittleEndian.AppendUint16(r, MaxPayload), true
	}
	return append(r, 0), true
}

func (d *DAP) connect(port byte) byte {
	const (
		portDefault = 0
		portSWD     = 1
	)
	if port != portDefault && port != portSWD {
		return 0
	}
	d.pins.ClaimSWD()
	return portSWD
}

func (d *DAP) setClock(hz uint32) byte {
	p, ok := d.qspi.CalculatePrescaler(physic.Frequency(hz) * physic.Hertz)
	if !ok {
		return dapError
	}
	d.qspi.SetPrescaler(p)
	return dapOK
}

func (d *DAP) swjPins(r, args []byte) ([]byte, bool) {
	if len(args) < 6 {
		return r, false
	}
	const nRESET = 1 << 7
	if args[1]&nRESET != 0 {
		d.pins.Reset.Set(args[0]&nRESET != 0)
	}
	var in byte
	if d.pins.SWCLK.Read() {
		in |= 1 << 0
	}
	if d.pins.SWDIO.Read() {
		in |= 1 << 1
	}
	if d.pins.Reset.Read() {
		in |= nRESET
	}
	return append(r, in), true
}

// swdHeader builds the 8-bit packet request for a DAP_Transfer request byte.
func swdHeader(req byte) byte {
	ap := req & xferAPnDP
	rnw := req & xferRnW >> 1
	a := req >> 2 & 0b11
	parity := (ap + rnw + a&1 + a>>1) & 1
	return 1 | ap<<1 | rnw<<2 | a<<3 | parity<<5 | 1<<7
}

var errTransferData = errors.New("truncated transfer data")

// transfer runs a DAP_Transfer command. WAIT acknowledges are retried up to
// the configured count here, in the command layer; the transport returns
// every acknowledge as is.
func (d *DAP) transfer(r, args []byte) ([]byte, bool) {
	if len(args) < 2 {
		return r, false
	}
	count := int(args[1])
	args = args[2:]
	// Response: count done, last response, read data.
	r = append(r, 0, 0)
	done := 0
	var resp byte
	for ; done < count; done++ {
		if len(args) < 1 {
			return r, false
		}
		req := args[0]
		args = args[1:]

		var value uint32
		if req&xferRnW == 0 || req&(xferMatchValue|xferMatchMask) != 0 {
			if len(args) < 4 {
				glog.Warningf("dap: %v", errTransferData)
				return r, false
			}
			value = binary.LittleEndian.Uint32(args)
			args = args[4:]
		}

		switch {
		case req&xferMatchMask != 0:
			d.matchMask = value
			resp = byte(AckOK)
		case req&xferRnW == 0:
			resp = d.write(req, value)
		default:
			var data uint32
			data, resp = d.read(req)
			if resp == byte(AckOK) && req&xferMatchValue != 0 {
				for retry := d.matchRetry; data&d.matchMask != value; retry-- {
					if retry == 0 {
						resp |= xferMismatch
						break
					}
					if data, resp = d.read(req); resp != byte(AckOK) {
						break
					}
				}
			} else if resp == byte(AckOK) {
				r = binary.LittleEndian.AppendUint32(r, data)
			}
		}
		if resp != byte(AckOK) {
			break
		}
	}
	r[1], r[2] = byte(done), resp
	return r, true
}

// request issues a header, retrying WAIT up to waitRetry times.
func (d *DAP) request(hdr byte, write bool) byte {
	for retry := d.waitRetry; ; retry-- {
		var ack Ack
		var err error
		if write {
			ack, err = d.swd.WriteRequest(hdr)
		} else {
			ack, err = d.swd.ReadRequest(hdr)
		}
		var ae *AckError
		if errors.As(err, &ae) {
			return ae.Bits
		}
		if ack != AckWait || retry == 0 {
			return byte(ack)
		}
	}
}

func (d *DAP) read(req byte) (uint32, byte) {
	hdr := swdHeader(req)
	if ack := d.request(hdr, false); ack != byte(AckOK) {
		return 0, ack
	}
	data, parity := d.swd.ReadData()
	d.idle()
	if req&xferAPnDP != 0 {
		// AP reads are posted; the result arrives through RDBUFF.
		if ack := d.request(swdHeader(xferRnW|dpRDBUFF), false); ack != byte(AckOK) {
			return 0, ack
		}
		data, parity = d.swd.ReadData()
		d.idle()
	}
	if parity != Parity(data) {
		return 0, xferParityErr
	}
	return data, byte(AckOK)
}

func (d *DAP) write(req byte, value uint32) byte {
	ack := d.request(swdHeader(req), true)
	if ack == byte(AckOK) {
		d.swd.WriteData(value, Parity(value))
		d.idle()
	}
	return ack
}

// idle clocks the idle cycles set by DAP_TransferConfigure, SWDIO low, after
// a data phase.
func (d *DAP) idle() {
	if d.idleCycles == 0 {
		return
	}
	var low [32]byte
	d.swd.Sequence(low[:], int(d.idleCycles))
}

var _ CommandProcessor = (*DAP)(nil)
