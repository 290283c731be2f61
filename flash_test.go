package hsprobe

import (
	"bytes"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// newFlashProbe returns a probe in Flash mode with a W25Q128 on the bus.
func newFlashProbe(t *testing.T) (*Probe, *SimFlash) {
	t.Helper()
	p, sim, host := newTestProbe(t)
	dev := &SimFlash{
		ID:       [3]byte{0xEF, 0x40, 0x18},
		Status:   0b0000_0010,
		Data:     []byte("hsprobe flash image "),
		Selected: func() bool { return p.Pins.CS.Read() == gpio.Low },
	}
	sim.SPIDevice = dev.Transfer
	handle(t, p, host, setMode(ModeFlash))
	return p, dev
}

func TestFlashReadID(t *testing.T) {
	p, _ := newFlashProbe(t)
	f := NewFlash(p.SPI, p.Pins.CS)
	if f.Size() != 0 {
		t.Errorf("Size before ReadID = %d", f.Size())
	}
	id, name, err := f.ReadID()
	if err != nil {
		t.Fatal(err)
	}
	if id != [3]byte{0xEF, 0x40, 0x18} || name != "Winbond W25Q 128Mb (SPI)" {
		t.Errorf("ReadID = %X %q", id, name)
	}
	if f.Size() != 16<<20 {
		t.Errorf("Size = %d", f.Size())
	}
	if p.Pins.CS.Read() != gpio.High {
		t.Error("CS left asserted")
	}
}

func TestFlashUnknownID(t *testing.T) {
	p, dev := newFlashProbe(t)
	dev.ID = [3]byte{0xC2, 0x20, 0x17}
	id, name, err := NewFlash(p.SPI, p.Pins.CS).ReadID()
	if err != nil || name != "" || id != dev.ID {
		t.Errorf("ReadID = %X %q %v", id, name, err)
	}
}

func TestFlashStatus(t *testing.T) {
	p, _ := newFlashProbe(t)
	sr, err := NewFlash(p.SPI, p.Pins.CS).ReadStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	if !sr.WriteEnabled() || sr.Busy() || sr.String() != "00000010 WEL" {
		t.Errorf("status %s", sr)
	}
	for _, tt := range []struct {
		sr   StatusRegister
		want string
	}{
		{0, "00000000"},
		{0b1010_1101, "10101101 SRP,TB,BP=3,BUSY"},
	} {
		if got := tt.sr.String(); got != tt.want {
			t.Errorf("%08b: %q, want %q", byte(tt.sr), got, tt.want)
		}
	}
}

func TestFlashPowerDown(t *testing.T) {
	p, dev := newFlashProbe(t)
	f := NewFlash(p.SPI, p.Pins.CS)
	if err := f.PowerDown(); err != nil {
		t.Fatal(err)
	}
	if !dev.PoweredDown {
		t.Fatal("flash still up")
	}
	if id, _, _ := f.ReadID(); id != [3]byte{} {
		t.Errorf("powered-down flash answered %X", id)
	}
	if err := f.PowerUp(); err != nil {
		t.Fatal(err)
	}
	if _, name, _ := f.ReadID(); name == "" {
		t.Error("flash not back after PowerUp")
	}
}

// limited caps transfers the way the USB passthrough does.
type limited struct {
	spi.Conn
	max   int
	sizes []int
}

func (l *limited) MaxTxSize() int { return l.max }

func (l *limited) Tx(w, r []byte) error {
	l.sizes = append(l.sizes, len(w))
	return l.Conn.Tx(w, r)
}

func TestFlashReadChunks(t *testing.T) {
	p, dev := newFlashProbe(t)
	c := &limited{Conn: p.SPI, max: MaxPayload}
	f := NewFlash(c, p.Pins.CS)

	got, err := f.Read(3, 150)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 150)
	for i := range want {
		want[i] = dev.Data[(3+i)%len(dev.Data)]
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read = %q", got)
	}
	if len(c.sizes) != 3 || c.sizes[0] != 64 || c.sizes[2] != 4+150-2*60 {
		t.Errorf("transfer sizes %v", c.sizes)
	}

	if _, err := f.Read(1<<24-1, 2); err == nil {
		t.Error("read past 16 MiB accepted")
	}
	c.max = 4
	if _, err := f.Read(0, 1); err == nil {
		t.Error("read with no room for data accepted")
	}
}

func TestFlashDisabledPassthrough(t *testing.T) {
	p, _, _ := newTestProbe(t)
	if _, _, err := NewFlash(p.SPI, p.Pins.CS).ReadID(); err == nil {
		t.Error("ReadID succeeded in HighImpedance")
	}
}
