// Package client drives an hsprobe from the host: vendor control requests for
// line and mode changes, bulk transfers for SPI passthrough and debug
// commands.
package client

import (
	"errors"
	"fmt"

	"github.com/gentam/hsprobe"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// [pid.codes|1209:4853]
const (
	VendorID  = 0x1209
	ProductID = 0x4853
)

// Endpoint numbers of the probe's bulk interfaces.
const (
	epSPI = 1 // SPI data interface, 0x01/0x81
	epDAP = 2 // CMSIS-DAP v2 interface, 0x02/0x82
	epSWO = 3 // SWO stream, 0x83
)

var (
	// ErrNoReply is returned when the probe dropped a request, e.g. an
	// SPI transfer outside Flash and FPGA mode.
	ErrNoReply = errors.New("probe sent no reply")
	// ErrUnsupported is returned by Do for bus events and the HID command
	// interface, which the client does not drive.
	ErrUnsupported = errors.New("request not sent by this client")
)

// Transport carries raw requests to a probe. USB uses gousb; Loopback runs
// an in-process probe.
type Transport interface {
	// ControlOut issues a vendor request with no data stage.
	ControlOut(req uint8, value uint16) error
	// ControlIn issues a vendor request and reads its data stage into buf.
	ControlIn(req uint8, value uint16, buf []byte) (int, error)
	// Bulk writes out to endpoint ep and reads the reply into in.
	Bulk(ep int, out, in []byte) (int, error)
	// ReadStream reads from a stream-only IN endpoint.
	ReadStream(ep int, buf []byte) (int, error)
	Close() error
}

type Client struct {
	t Transport
}

func New(t Transport) *Client {
	return &Client{t: t}
}

func (c *Client) Close() error { return c.t.Close() }

func (c *Client) set(op hsprobe.Opcode, l gpio.Level) error {
	var v uint16
	if l == gpio.High {
		v = 1
	}
	if err := c.t.ControlOut(uint8(op), v); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) SetCS(l gpio.Level) error   { return c.set(hsprobe.OpSetCS, l) }
func (c *Client) SetFPGA(l gpio.Level) error { return c.set(hsprobe.OpSetFPGA, l) }
func (c *Client) SetTPwr(l gpio.Level) error { return c.set(hsprobe.OpSetTPwr, l) }
func (c *Client) SetLED(l gpio.Level) error  { return c.set(hsprobe.OpSetLED, l) }

func (c *Client) SetMode(m hsprobe.Mode) error {
	if err := c.t.ControlOut(uint8(hsprobe.OpSetMode), uint16(m)); err != nil {
		return fmt.Errorf("%s(%s): %w", hsprobe.OpSetMode, m, err)
	}
	return nil
}

// TPwr reads the target power detect line.
func (c *Client) TPwr() (gpio.Level, error) {
	var b [1]byte
	n, err := c.t.ControlIn(uint8(hsprobe.OpGetTPwr), 0, b[:])
	if err != nil {
		return gpio.Low, fmt.Errorf("%s: %w", hsprobe.OpGetTPwr, err)
	}
	if n != 1 {
		return gpio.Low, fmt.Errorf("%s: %w", hsprobe.OpGetTPwr, ErrNoReply)
	}
	return b[0] == 1, nil
}

// Bootload asks the probe to jump to its bootloader. The device drops off
// the bus, so a transfer error after the request is expected.
func (c *Client) Bootload() error {
	return c.t.ControlOut(uint8(hsprobe.OpBootload), 0)
}

// Transmit exchanges up to 64 bytes with the device on the passthrough bus.
func (c *Client) Transmit(w []byte) ([]byte, error) {
	if len(w) > hsprobe.MaxPayload {
		return nil, fmt.Errorf("%w: %d", hsprobe.ErrPayloadTooLong, len(w))
	}
	r := make([]byte, hsprobe.MaxPayload)
	n, err := c.t.Bulk(epSPI, w, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hsprobe.OpSPITransmit, err)
	}
	return r[:n], nil
}

// DAP sends one CMSIS-DAP command on the bulk interface and returns the
// response.
func (c *Client) DAP(cmd []byte) ([]byte, error) {
	if len(cmd) > hsprobe.MaxPayload {
		return nil, fmt.Errorf("%w: %d", hsprobe.ErrPayloadTooLong, len(cmd))
	}
	r := make([]byte, hsprobe.MaxPayload)
	n, err := c.t.Bulk(epDAP, cmd, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hsprobe.OpDAP2Command, err)
	}
	return r[:n], nil
}

// SWO reads captured trace bytes from the stream endpoint.
func (c *Client) SWO(buf []byte) (int, error) {
	return c.t.ReadStream(epSWO, buf)
}

// Do sends a scripted report and returns the reply data, if any.
func (c *Client) Do(rep hsprobe.Report) ([]byte, error) {
	req, err := hsprobe.DecodeRequest(rep)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case hsprobe.OpSetCS, hsprobe.OpSetFPGA, hsprobe.OpSetTPwr, hsprobe.OpSetLED:
		return nil, c.set(req.Op, req.Level)
	case hsprobe.OpSetMode:
		return nil, c.SetMode(req.Mode)
	case hsprobe.OpGetTPwr:
		l, err := c.TPwr()
		if err != nil {
			return nil, err
		}
		if l == gpio.High {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case hsprobe.OpBootload:
		return nil, c.Bootload()
	case hsprobe.OpSPITransmit:
		return c.Transmit(req.Payload())
	case hsprobe.OpDAP2Command:
		return c.DAP(req.Payload())
	}
	return nil, fmt.Errorf("%s: %w", req.Op, ErrUnsupported)
}

// SPI returns the passthrough bus as an spi.Conn, for use with
// hsprobe.Flash. Transfers are limited to one 64-byte report.
func (c *Client) SPI() spi.Conn { return &spiConn{c} }

// CS returns the chip select line as seen through vendor requests.
func (c *Client) CS() hsprobe.ChipSelect { return csLine{c} }

type spiConn struct{ c *Client }

func (s *spiConn) String() string      { return "hsprobe-usb" }
func (s *spiConn) Duplex() conn.Duplex { return conn.Full }
func (s *spiConn) MaxTxSize() int      { return hsprobe.MaxPayload }

func (s *spiConn) Tx(w, r []byte) error {
	if len(r) != 0 && len(r) != len(w) {
		return errors.New("client: read and write buffers differ in length")
	}
	rx, err := s.c.Transmit(w)
	if err != nil {
		return err
	}
	if len(rx) != len(w) {
		return fmt.Errorf("client: %d bytes back for %d sent", len(rx), len(w))
	}
	copy(r, rx)
	return nil
}

func (s *spiConn) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := s.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

type csLine struct{ c *Client }

func (l csLine) Out(level gpio.Level) error { return l.c.SetCS(level) }

var (
	_ spi.Conn    = (*spiConn)(nil)
	_ conn.Limits = (*spiConn)(nil)
)
