package client

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gentam/hsprobe"
	"periph.io/x/conn/v3/gpio"
)

func newLoopback(t *testing.T) (*Client, *hsprobe.Probe, *hsprobe.Sim, *hsprobe.SimFlash) {
	t.Helper()
	sim := hsprobe.NewSim()
	host := hsprobe.NewHostQueue()
	p, err := hsprobe.NewProbe(sim, host)
	if err != nil {
		t.Fatal(err)
	}
	dev := &hsprobe.SimFlash{
		ID:       [3]byte{0x20, 0xBA, 0x16},
		Data:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Selected: func() bool { return p.Pins.CS.Read() == gpio.Low },
	}
	sim.SPIDevice = dev.Transfer
	sim.Target = hsprobe.NewSimTarget(0x0BA0_1477)
	return New(NewLoopback(p.App, host)), p, sim, dev
}

func TestTransmit(t *testing.T) {
	c, p, _, _ := newLoopback(t)
	if _, err := c.Transmit([]byte{0x9F, 0, 0, 0}); !errors.Is(err, ErrNoReply) {
		t.Errorf("Transmit in HighImpedance = %v", err)
	}
	if err := c.SetMode(hsprobe.ModeFlash); err != nil {
		t.Fatal(err)
	}
	if p.App.Mode() != hsprobe.ModeFlash {
		t.Fatalf("mode %s", p.App.Mode())
	}
	if err := c.SetCS(gpio.Low); err != nil {
		t.Fatal(err)
	}
	got, err := c.Transmit([]byte{0x9F, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 0x20, 0xBA, 0x16}) {
		t.Errorf("JEDEC ID % x", got)
	}
	if _, err := c.Transmit(make([]byte, 65)); !errors.Is(err, hsprobe.ErrPayloadTooLong) {
		t.Errorf("long Transmit = %v", err)
	}
}

func TestFlashOverClient(t *testing.T) {
	c, _, _, dev := newLoopback(t)
	if err := c.SetMode(hsprobe.ModeFlash); err != nil {
		t.Fatal(err)
	}
	f := hsprobe.NewFlash(c.SPI(), c.CS())
	_, name, err := f.ReadID()
	if err != nil || name != "Micron N25Q 32Mb" {
		t.Fatalf("ReadID = %q, %v", name, err)
	}
	data, err := f.Read(0, 200)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range data {
		if b != dev.Data[i%4] {
			t.Fatalf("byte %d = %02x", i, b)
		}
	}
}

func TestTPwr(t *testing.T) {
	c, p, sim, _ := newLoopback(t)
	n := p.Pins.TPwrDet.Number()
	for _, l := range []gpio.Level{gpio.High, gpio.Low} {
		sim.SetInput(n/16, n%16, l)
		got, err := c.TPwr()
		if err != nil || got != l {
			t.Errorf("TPwr = %s, %v, want %s", got, err, l)
		}
	}
}

func TestDAP(t *testing.T) {
	c, _, _, _ := newLoopback(t)
	got, err := c.DAP([]byte{0x00, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	if want := append([]byte{0x00, 8}, "hsprobe\x00"...); !bytes.Equal(got, want) {
		t.Errorf("vendor info % x", got)
	}

	// Connect, then read DPIDR.
	if got, _ := c.DAP([]byte{0x02, 0x01}); !bytes.Equal(got, []byte{0x02, 0x01}) {
		t.Errorf("connect % x", got)
	}
	got, err = c.DAP([]byte{0x05, 0x00, 0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x05, 1, 1, 0x77, 0x14, 0xA0, 0x0B}) {
		t.Errorf("transfer % x", got)
	}
}

func TestDo(t *testing.T) {
	c, p, _, _ := newLoopback(t)
	reps, err := hsprobe.ParseScriptString("mode fpga\nled on\nxfer 01 02\npower\n")
	if err != nil {
		t.Fatal(err)
	}
	var out [][]byte
	for _, rep := range reps {
		data, err := c.Do(rep)
		if err != nil {
			t.Fatalf("%+v: %v", rep, err)
		}
		out = append(out, data)
	}
	if p.App.Mode() != hsprobe.ModeFPGA || !bool(p.Pins.LED.Read()) {
		t.Errorf("mode %s, LED %s", p.App.Mode(), p.Pins.LED.Read())
	}
	// CS stays high, so the flash keeps its output floating.
	if !bytes.Equal(out[2], []byte{0xFF, 0xFF}) || !bytes.Equal(out[3], []byte{0}) {
		t.Errorf("replies % x", out)
	}

	for _, op := range []hsprobe.Opcode{hsprobe.OpSuspend, hsprobe.OpDAP1Command} {
		if _, err := c.Do(hsprobe.Report{Op: op}); !errors.Is(err, ErrUnsupported) {
			t.Errorf("Do(%s) = %v", op, err)
		}
	}
	if _, err := c.Do(hsprobe.Report{Op: 0x55}); !errors.Is(err, hsprobe.ErrUnknownOpcode) {
		t.Errorf("Do(0x55) = %v", err)
	}
}

func TestSWOStream(t *testing.T) {
	c, _, sim, _ := newLoopback(t)
	// UART transport at 2 Mbaud, endpoint streaming, start.
	for _, cmd := range [][]byte{{0x17, 2}, {0x18, 1}, {0x19, 0x80, 0x84, 0x1E, 0x00}, {0x1A, 1}} {
		if got, err := c.DAP(cmd); err != nil || len(got) < 2 || got[1] == 0xFF {
			t.Fatalf("DAP % x = % x, %v", cmd, got, err)
		}
	}
	sim.FeedUART([]byte("trace"))
	buf := make([]byte, 3)
	var got []byte
	for range 4 {
		n, err := c.SWO(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "trace" {
		t.Errorf("SWO stream %q", got)
	}
}

func TestUSB(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a probe")
	}
	u, err := OpenUSB(VendorID, ProductID)
	if err != nil {
		t.Skipf("no probe: %v", err)
	}
	c := New(u)
	defer c.Close()
	if err := c.SetMode(hsprobe.ModeHighImpedance); err != nil {
		t.Fatal(err)
	}
	got, err := c.DAP([]byte{0x00, 0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < 4 || got[1] != 2 || got[2] != hsprobe.MaxPayload {
		t.Errorf("packet size info % x", got)
	}
}
