package hsprobe

import (
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Flash talks to the configuration flash behind the passthrough port. It is
// used to identify the part and read it back; programming is left to
// dedicated tools.
type Flash struct {
	conn spi.Conn
	cs   ChipSelect
	id   [3]byte // JEDEC ID of the flash chip
	pr   *flashParams
}

// ChipSelect drives the flash select line. gpio.PinIO satisfies it, and so
// does any host-side line proxy.
type ChipSelect interface {
	Out(l gpio.Level) error
}

func NewFlash(c spi.Conn, cs ChipSelect) *Flash {
	return &Flash{conn: c, cs: cs}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdReadStatusRegister = 0x05
)

type flashParams struct {
	name string

	tRES1 time.Duration
	tDP   time.Duration
}

var knownFlash = map[[3]byte]flashParams{
	{0x20, 0xBA, 0x16}: {
		name: "Micron N25Q 32Mb",
		// [N25Q32|Table 38] deep power-down is left by any command; no
		// recovery time is specified.
	},
	{0xEF, 0x40, 0x18}: {
		name: "Winbond W25Q 128Mb (SPI)",
		// [W25Q128|9.6 AC Electrical Characteristics]
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
	{0xEF, 0x70, 0x18}: {
		name:  "Winbond W25Q 128Mb (QPI)",
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
}

func (f *Flash) paramOrMax(get func(*flashParams) time.Duration) time.Duration {
	if f.pr != nil {
		return get(f.pr)
	}
	var tmax time.Duration
	for _, param := range knownFlash {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

// tx wraps SPI transaction with CS assertion.
func (f *Flash) tx(buf []byte) (err error) {
	if err = f.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := f.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = f.conn.Tx(buf, buf)
	return
}

func (f *Flash) PowerUp() error {
	if err := f.tx([]byte{flashCmdPowerUp}); err != nil {
		return err
	}
	time.Sleep(f.paramOrMax(func(p *flashParams) time.Duration { return p.tRES1 }))
	return nil
}

func (f *Flash) PowerDown() error {
	if err := f.tx([]byte{flashCmdPowerDown}); err != nil {
		return err
	}
	time.Sleep(f.paramOrMax(func(p *flashParams) time.Duration { return p.tDP }))
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and a non-empty name for
// known IDs. The extended device string is ignored.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID
	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	f.pr = nil
	if params, ok := knownFlash[f.id]; ok {
		f.pr = &params
		name = params.name
	}
	return f.id, name, nil
}

// Size returns the capacity encoded in the last read ID, or 0 before ReadID.
// [JEP106] the third ID byte is log2 of the size in bytes.
func (f *Flash) Size() int {
	if f.id[2] == 0 || f.id[2] >= 32 {
		return 0
	}
	return 1 << f.id[2]
}

// Read performs a read operation, splitting it into transactions no longer
// than the connection accepts. USB passthrough connections take 64 bytes
// at a time.
func (f *Flash) Read(addr, n int) ([]byte, error) {
	const cmdBytes = 4 // opRead + 24-bit address

	maxTx := 65536 // [FTDI-AN_108]
	if l, ok := f.conn.(conn.Limits); ok {
		maxTx = l.MaxTxSize()
	}
	if maxTx <= cmdBytes {
		return nil, fmt.Errorf("flash: %s transfers of %d bytes leave no room for data", f.conn, maxTx)
	}
	if addr < 0 || n < 0 || addr+n > 1<<24 {
		return nil, fmt.Errorf("flash: read of %d bytes at 0x%X out of 24-bit range", n, addr)
	}
	maxData := maxTx - cmdBytes

	out := make([]byte, n)
	buf := make([]byte, cmdBytes+min(n, maxData))
	for off := 0; off < n; {
		chunk := min(n-off, maxData)
		b := buf[:cmdBytes+chunk]
		clear(b)
		b[0] = flashCmdRead
		b[1] = byte(addr >> 16)
		b[2] = byte(addr >> 8)
		b[3] = byte(addr)

		if err := f.tx(b); err != nil {
			return nil, err
		}
		copy(out[off:], b[cmdBytes:])

		addr += chunk
		off += chunk
	}
	return out, nil
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect() uint8         { return uint8(sr>>2) & 0b111 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if sr.SectorProtect() {
		s = append(s, "SEC")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if bp := sr.BlockProtect(); bp != 0 {
		s = append(s, fmt.Sprintf("BP=%d", bp))
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}
