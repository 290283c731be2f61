package main

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gentam/hsprobe"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// benchBoard runs the dispatcher's line handling on an iCEBreaker, whose
// FT2232H shares SPI between the iCE40 and its configuration flash the same
// way the probe does. It is both the Board and the Passthrough.
type benchBoard struct {
	ft     *ftdi.FT232H
	cs     gpio.PinIO // ADBUS4 Chip Select
	creset gpio.PinIO // ADBUS7 Reset
	cdone  gpio.PinIO // ADBUS6 Done

	clock   physic.Frequency
	conn    spi.Conn
	enabled bool
}

var hostInitialized atomic.Bool

// newBenchBoard finds FT2232H device and opens MPSSE/SPI connection.
func newBenchBoard() (*benchBoard, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	b := &benchBoard{
		clock: 30 * physic.MegaHertz, // [FTDI-AN_135 3.2.1 Divisors]
	}
	if err := b.openFT2232H(); err != nil {
		return nil, err
	}

	// [Lattice-EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [iCEBreaker]
	// ADBUS0 | iCE_SCK
	// ADBUS1 | iCE_MOSI / FLASH_MOSI
	// ADBUS2 | iCE_MISO / FLASH_MISO
	// ADBUS4 | iCE_SS_B
	// ADBUS6 | iCE_CDONE
	// ADBUS7 | iCE_CRESET / iCE_RESET
	b.cs = b.ft.D4
	b.creset = b.ft.D7
	b.cdone = b.ft.D6

	if err := b.connectSPI(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *benchBoard) openFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			b.ft = ft
			return nil
		}
	}
	return errors.New("FT2232H not found")
}

func (b *benchBoard) connectSPI() (err error) {
	port, err := b.ft.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI-AN_114|1.2] > FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported
	b.conn, err = port.Connect(b.clock, spi.Mode0, 8)
	return err
}

// HighImpedanceMode lets go of CS and reset, so the iCE40 boots from flash.
func (b *benchBoard) HighImpedanceMode() error {
	return errors.Join(
		b.cs.In(gpio.PullNoChange, gpio.NoEdge),
		b.creset.In(gpio.PullNoChange, gpio.NoEdge),
	)
}

// FlashMode holds the FPGA in reset so it leaves the bus to the flash.
func (b *benchBoard) FlashMode() error {
	return errors.Join(b.creset.Out(gpio.Low), b.cs.Out(gpio.High))
}

func (b *benchBoard) FPGAMode() error {
	return errors.Join(b.cs.Out(gpio.High), b.creset.Out(gpio.High))
}

func (b *benchBoard) Set(l hsprobe.Line, level gpio.Level) error {
	switch l {
	case hsprobe.LineCS:
		return b.cs.Out(level)
	case hsprobe.LineFPGAReset:
		return b.creset.Out(level)
	}
	return fmt.Errorf("%w on the bench board: %s", hsprobe.ErrUnknownLine, l)
}

// Get reads CDONE in place of target power detect; the board has no target
// supply of its own.
func (b *benchBoard) Get(l hsprobe.Line) (gpio.Level, error) {
	switch l {
	case hsprobe.LineTPwrDet:
		return b.cdone.Read(), nil
	case hsprobe.LineCS:
		return b.cs.Read(), nil
	case hsprobe.LineFPGAReset:
		return b.creset.Read(), nil
	}
	return gpio.Low, fmt.Errorf("%w on the bench board: %s", hsprobe.ErrUnknownLine, l)
}

func (b *benchBoard) Enable() error  { b.enabled = true; return nil }
func (b *benchBoard) Disable() error { b.enabled = false; return nil }
func (b *benchBoard) Enabled() bool  { return b.enabled }

func (b *benchBoard) String() string      { return "FT2232H/SPI" }
func (b *benchBoard) Duplex() conn.Duplex { return conn.Full }

func (b *benchBoard) MaxTxSize() int {
	if l, ok := b.conn.(conn.Limits); ok && l.MaxTxSize() > 0 {
		return l.MaxTxSize()
	}
	return 65536 // [FTDI-AN_108]
}

func (b *benchBoard) Tx(w, r []byte) error {
	if !b.enabled {
		return fmt.Errorf("%s: %w", b, hsprobe.ErrNotEnabled)
	}
	return b.conn.Tx(w, r)
}

func (b *benchBoard) TxPackets(p []spi.Packet) error {
	if !b.enabled {
		return fmt.Errorf("%s: %w", b, hsprobe.ErrNotEnabled)
	}
	return b.conn.TxPackets(p)
}

var (
	_ hsprobe.Board       = (*benchBoard)(nil)
	_ hsprobe.Passthrough = (*benchBoard)(nil)
)

var benchCmd = &cobra.Command{
	Use:   "bench [script]",
	Short: "Run a request script on an FT2232H iCE40 board",
	Long: `Run the mode and request dispatcher on an iCEBreaker or iCEstick. The
FT2232H stands in for the probe's lines: CS, FPGA reset and the shared SPI
bus. Debug commands and the LED and target power lines are not available.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reps, err := readScript(args)
		if err != nil {
			return err
		}
		b, err := newBenchBoard()
		if err != nil {
			return err
		}
		q := hsprobe.NewHostQueue()
		app := hsprobe.NewApp(b, b, q, nil, func() {
			glog.Warning("bootload has no meaning on the bench board")
		})
		if err := app.Setup(); err != nil {
			return err
		}
		defer b.HighImpedanceMode()

		out := cmd.OutOrStdout()
		q.Push(reps...)
		for q.Pending() > 0 {
			if err := app.Poll(cmd.Context()); err != nil {
				return err
			}
			for _, r := range q.Replies() {
				printReply(out, r.Op, r.Data)
			}
		}
		fmt.Fprintf(out, "mode %s\n", app.Mode())
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the bench board's FT2232H and pin functions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBenchBoard()
		if err != nil {
			return err
		}
		ft := b.ft
		out := cmd.OutOrStdout()

		// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
		i := ftdi.Info{}
		ft.Info(&i)
		fmt.Fprintf(out, "Type:            %s\n", i.Type)
		fmt.Fprintf(out, "Vendor ID:       %#04x\n", i.VenID)
		fmt.Fprintf(out, "Device ID:       %#04x\n", i.DevID)

		ee := ftdi.EEPROM{}
		if err := ft.EEPROM(&ee); err != nil {
			return fmt.Errorf("failed to read EEPROM: %w", err)
		}
		fmt.Fprintf(out, "Manufacturer:    %s\n", ee.Manufacturer)
		fmt.Fprintf(out, "Desc:            %s\n", ee.Desc)
		fmt.Fprintf(out, "Serial:          %s\n", ee.Serial)
		fmt.Fprintf(out, "CDONE:           %s\n", b.cdone.Read())

		for _, p := range ft.Header() {
			fmt.Fprintf(out, "%s: %s\n", p, p.Function())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchCmd, infoCmd)
}
