package hsprobe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Line positions on the ports touched by mode changes.
const (
	pinCS        = 6
	pinSCK       = 7
	pinFlashSO   = 8
	pinFlashSI   = 9
	pinFPGAReset = 10
	pinFPGASI    = 11
	pinFPGASO    = 7 // PH7
)

func handle(t *testing.T, p *Probe, host *HostQueue, reps ...Report) []Reply {
	t.Helper()
	host.Push(reps...)
	ctx := context.Background()
	for host.Pending() > 0 {
		if err := p.App.Poll(ctx); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	return host.Replies()
}

func setMode(m Mode) Report { return Report{Op: OpSetMode, Value: uint16(m)} }

func TestSetupHighImpedance(t *testing.T) {
	p, sim, host := newTestProbe(t)
	if p.App.Mode() != ModeHighImpedance {
		t.Errorf("mode after setup %s", p.App.Mode())
	}
	f := moder(sim, PortF)
	for n := pinCS; n <= pinFPGASI; n++ {
		if m := lineMode(f, n); m != PinInput {
			t.Errorf("PF%d is %s after setup", n, m)
		}
	}
	if m := lineMode(moder(sim, PortH), pinFPGASO); m != PinInput {
		t.Errorf("PH7 is %s after setup", m)
	}
	if spiData, dap := host.Interfaces(); spiData || !dap {
		t.Errorf("interfaces spi=%v dap=%v", spiData, dap)
	}
	// CS and FPGA reset are latched inactive.
	if o := odr(sim, PortF); o>>pinCS&1 != 1 || o>>pinFPGAReset&1 != 1 {
		t.Errorf("ODR F = 0x%04x", o)
	}
}

func TestSetModeLines(t *testing.T) {
	tests := []struct {
		mode Mode
		f    map[int]PinMode
		h7   PinMode
		spi  bool
	}{
		{ModeHighImpedance, map[int]PinMode{6: PinInput, 7: PinInput, 8: PinInput, 9: PinInput, 10: PinInput, 11: PinInput}, PinInput, false},
		{ModeFlash, map[int]PinMode{6: PinOutput, 7: PinAlternate, 8: PinAlternate, 9: PinAlternate, 10: PinOutput, 11: PinInput}, PinInput, true},
		{ModeFPGA, map[int]PinMode{6: PinOutput, 7: PinAlternate, 8: PinInput, 9: PinInput, 10: PinOutput, 11: PinAlternate}, PinAlternate, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			p, sim, host := newTestProbe(t)
			if r := handle(t, p, host, setMode(tt.mode)); len(r) != 0 {
				t.Errorf("SetMode replied %v", r)
			}
			if p.App.Mode() != tt.mode {
				t.Fatalf("mode %s, want %s", p.App.Mode(), tt.mode)
			}
			f := moder(sim, PortF)
			for n, want := range tt.f {
				if got := lineMode(f, n); got != want {
					t.Errorf("PF%d is %s, want %s", n, got, want)
				}
			}
			if got := lineMode(moder(sim, PortH), pinFPGASO); got != tt.h7 {
				t.Errorf("PH7 is %s, want %s", got, tt.h7)
			}
			if p.SPI.Enabled() != tt.spi {
				t.Errorf("SPI enabled %v, want %v", p.SPI.Enabled(), tt.spi)
			}
			spiData, dap := host.Interfaces()
			if spiData != tt.spi || dap == tt.spi {
				t.Errorf("interfaces spi=%v dap=%v", spiData, dap)
			}
		})
	}
}

// TestModeTransitions replays every line role change of each transition and
// checks that no SPI signal is ever driven by two lines and that SPI5 is
// never running while lines change role.
func TestModeTransitions(t *testing.T) {
	modes := []Mode{ModeHighImpedance, ModeFlash, ModeFPGA}
	regF := baseGPIOA + PortF*gpioStride + gpioMODER
	regH := baseGPIOA + PortH*gpioStride + gpioMODER
	for _, from := range modes {
		for _, to := range modes {
			t.Run(fmt.Sprintf("%s-%s", from, to), func(t *testing.T) {
				p, sim, host := newTestProbe(t)
				handle(t, p, host, setMode(from))
				f, h := moder(sim, PortF), moder(sim, PortH)
				spe := p.SPI.Enabled()
				sim.Trace()

				handle(t, p, host, setMode(to))
				lineChanged := false
				for _, ev := range sim.Trace() {
					switch ev.Reg {
					case regF, regH:
						if ev.Reg == regF {
							f = ev.Value
						} else {
							h = ev.Value
						}
						if spe {
							t.Errorf("line roles changed with SPI5 running")
						}
						lineChanged = true
					case baseSPI5 + spiCR1:
						on := ev.Value>>cr1SPE&1 == 1
						if on && to == ModeHighImpedance {
							t.Errorf("SPI5 started for %s", to)
						}
						spe = on
						continue
					default:
						continue
					}
					if lineMode(f, pinFlashSI) == PinAlternate && lineMode(f, pinFPGASI) == PinAlternate {
						t.Errorf("both MOSI lines claimed: MODER F 0x%08x", f)
					}
					if lineMode(f, pinFlashSO) == PinAlternate && lineMode(h, pinFPGASO) == PinAlternate {
						t.Errorf("both MISO lines claimed: MODER F 0x%08x H 0x%08x", f, h)
					}
				}
				if !lineChanged {
					t.Error("transition did not reapply the line roles")
				}
				if spe != (to != ModeHighImpedance) {
					t.Errorf("SPI5 running %v after switching to %s", spe, to)
				}
			})
		}
	}
}

func TestMalformedRequestsDropped(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
	}{
		{"mode 7", Report{Op: OpSetMode, Value: 7}},
		{"mode 3", Report{Op: OpSetMode, Value: 3}},
		{"cs 2", Report{Op: OpSetCS, Value: 2}},
		{"led 0xFFFF", Report{Op: OpSetLED, Value: 0xFFFF}},
		{"unknown opcode", Report{Op: 0x99}},
		{"long spi", Report{Op: OpSPITransmit, Data: make([]byte, MaxPayload+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sim, host := newTestProbe(t)
			handle(t, p, host, setMode(ModeFlash))
			sim.Trace()
			before := odr(sim, PortF)
			if r := handle(t, p, host, tt.rep); len(r) != 0 {
				t.Errorf("replied %v", r)
			}
			if p.App.Mode() != ModeFlash || !p.SPI.Enabled() {
				t.Errorf("mode %s, SPI enabled %v", p.App.Mode(), p.SPI.Enabled())
			}
			if ev := sim.Trace(); len(ev) != 0 {
				t.Errorf("register changes %v", ev)
			}
			if after := odr(sim, PortF); after != before {
				t.Errorf("ODR F 0x%04x -> 0x%04x", before, after)
			}
		})
	}
}

func TestSetLines(t *testing.T) {
	p, sim, host := newTestProbe(t)
	tests := []struct {
		op        Opcode
		port, pin int
	}{
		{OpSetCS, PortF, pinCS},
		{OpSetFPGA, PortF, pinFPGAReset},
		{OpSetTPwr, PortE, 2},
		{OpSetLED, PortC, 10},
	}
	for _, tt := range tests {
		for _, v := range []uint16{1, 0, 1} {
			handle(t, p, host, Report{Op: tt.op, Value: v})
			if got := odr(sim, tt.port) >> tt.pin & 1; got != uint32(v) {
				t.Errorf("%s(%d): latch %d", tt.op, v, got)
			}
		}
	}
}

func TestGetTPwr(t *testing.T) {
	p, sim, host := newTestProbe(t)
	r := handle(t, p, host, Report{Op: OpGetTPwr})
	if len(r) != 1 || r[0].Op != OpGetTPwr || !bytes.Equal(r[0].Data, []byte{0}) {
		t.Errorf("GetTPwr with no target power: %v", r)
	}
	sim.SetInput(PortE, 3, gpio.High)
	r = handle(t, p, host, Report{Op: OpGetTPwr})
	if len(r) != 1 || !bytes.Equal(r[0].Data, []byte{1}) {
		t.Errorf("GetTPwr with target power: %v", r)
	}
}

func TestSPITransmit(t *testing.T) {
	p, sim, host := newTestProbe(t)
	sim.SPIDevice = func(tx []byte) []byte {
		rx := make([]byte, len(tx))
		for i, b := range tx {
			rx[i] = ^b
		}
		return rx
	}
	handle(t, p, host, setMode(ModeFlash))
	for n := 0; n <= MaxPayload; n++ {
		tx := make([]byte, n)
		want := make([]byte, n)
		for i := range tx {
			tx[i] = byte(i*7 + n)
			want[i] = ^tx[i]
		}
		r := handle(t, p, host, Report{Op: OpSPITransmit, Data: tx})
		if len(r) != 1 || r[0].Op != OpSPITransmit {
			t.Fatalf("n=%d: replies %v", n, r)
		}
		if !bytes.Equal(r[0].Data, want) && !(n == 0 && len(r[0].Data) == 0) {
			t.Errorf("n=%d: reply % x, want % x", n, r[0].Data, want)
		}
	}
}

func TestSPITransmitDisabled(t *testing.T) {
	p, sim, host := newTestProbe(t)
	called := false
	sim.SPIDevice = func(tx []byte) []byte { called = true; return tx }
	if r := handle(t, p, host, Report{Op: OpSPITransmit, Data: []byte{1, 2, 3}}); len(r) != 0 {
		t.Errorf("replied %v in %s mode", r, p.App.Mode())
	}
	if called {
		t.Error("bytes reached the SPI bus in HighImpedance mode")
	}
}

// A device model that samples chip select from inside the exchange sees
// the level the firmware drove before starting it.
func TestSPITransmitReadsChipSelect(t *testing.T) {
	p, sim, host := newTestProbe(t)
	dev := &SimFlash{
		ID:       [3]byte{0xEF, 0x40, 0x18},
		Selected: func() bool { return p.Pins.CS.Read() == gpio.Low },
	}
	sim.SPIDevice = dev.Transfer
	handle(t, p, host, setMode(ModeFlash), Report{Op: OpSetCS, Value: 0})

	host.Push(Report{Op: OpSPITransmit, Data: []byte{flashCmdReadID, 0, 0, 0}})
	done := make(chan error, 1)
	go func() { done <- p.App.Poll(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exchange did not complete")
	}
	r := host.Replies()
	if len(r) != 1 || !bytes.Equal(r[0].Data, []byte{0x00, 0xEF, 0x40, 0x18}) {
		t.Errorf("replies %v", r)
	}

	// Deselected, the flash leaves the bus floating high.
	r = handle(t, p, host, Report{Op: OpSetCS, Value: 1}, Report{Op: OpSPITransmit, Data: []byte{flashCmdReadID, 0}})
	if len(r) != 1 || !bytes.Equal(r[0].Data, []byte{0xFF, 0xFF}) {
		t.Errorf("replies with CS high %v", r)
	}
	if n := sim.Buffers(); n != 0 {
		t.Errorf("%d buffers still registered after the exchanges", n)
	}
}

func TestSuspend(t *testing.T) {
	p, sim, host := newTestProbe(t)
	handle(t, p, host,
		setMode(ModeFPGA),
		Report{Op: OpSetLED, Value: 1},
		Report{Op: OpSetTPwr, Value: 1},
		Report{Op: OpSuspend})
	if p.App.Mode() != ModeFPGA {
		t.Errorf("mode after suspend %s, want FPGA", p.App.Mode())
	}
	if p.SPI.Enabled() {
		t.Error("SPI5 running after suspend")
	}
	f := moder(sim, PortF)
	for n := pinCS; n <= pinFPGASI; n++ {
		if m := lineMode(f, n); m != PinInput {
			t.Errorf("PF%d is %s after suspend", n, m)
		}
	}
	if lineMode(moder(sim, PortH), pinFPGASO) != PinInput {
		t.Error("PH7 claimed after suspend")
	}
	if odr(sim, PortC)>>10&1 != 0 || odr(sim, PortE)>>2&1 != 0 {
		t.Error("LED or target power left on")
	}

	// Reapplying the recorded mode restores the lines.
	handle(t, p, host, setMode(ModeFPGA))
	if lineMode(moder(sim, PortF), pinFPGASI) != PinAlternate || !p.SPI.Enabled() {
		t.Error("SetMode after suspend did not restore FPGA mode")
	}
}

func TestBootload(t *testing.T) {
	p, _, host := newTestProbe(t)
	n := 0
	p.Bootload = func() { n++ }
	handle(t, p, host, Report{Op: OpBootload})
	if n != 1 {
		t.Errorf("bootload called %d times", n)
	}
}

// flakyBoard fails one mode transition.
type flakyBoard struct {
	*Pins
	fail Mode
}

var errBoard = errors.New("board error")

func (b *flakyBoard) FlashMode() error {
	if b.fail == ModeFlash {
		return errBoard
	}
	return b.Pins.FlashMode()
}

func TestSetModeFallback(t *testing.T) {
	p, sim, host := newTestProbe(t)
	app := NewApp(&flakyBoard{Pins: p.Pins, fail: ModeFlash}, p.SPI, host, p.DAP, nil)
	if err := app.Setup(); err != nil {
		t.Fatal(err)
	}
	if err := app.setMode(ModeFPGA); err != nil {
		t.Fatal(err)
	}
	if err := app.setMode(ModeFlash); !errors.Is(err, errBoard) {
		t.Fatalf("setMode(Flash) = %v", err)
	}
	if app.Mode() != ModeHighImpedance || p.SPI.Enabled() {
		t.Errorf("after failure: mode %s, SPI enabled %v", app.Mode(), p.SPI.Enabled())
	}
	if lineMode(moder(sim, PortF), pinSCK) != PinInput {
		t.Error("SCK still claimed after failed transition")
	}
	if spiData, dap := host.Interfaces(); spiData || !dap {
		t.Errorf("interfaces spi=%v dap=%v", spiData, dap)
	}
}

func startSWO(t *testing.T, p *Probe, host *HostQueue) {
	t.Helper()
	r := handle(t, p, host,
		Report{Op: OpDAP2Command, Data: []byte{byte(dapSWOTransport), swoTransportEndpoint}},
		Report{Op: OpDAP2Command, Data: []byte{byte(dapSWOMode), swoModeUART}},
		Report{Op: OpDAP2Command, Data: []byte{byte(dapSWOControl), 1}})
	for _, rep := range r {
		if len(rep.Data) != 2 || rep.Data[1] != dapOK {
			t.Fatalf("SWO setup reply % x", rep.Data)
		}
	}
}

func TestPollPriority(t *testing.T) {
	p, sim, host := newTestProbe(t)
	startSWO(t, p, host)
	ctx := context.Background()

	sim.FeedUART([]byte("trace"))
	host.Push(Report{Op: OpGetTPwr})
	if err := p.App.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if r := host.Replies(); len(r) != 1 {
		t.Fatalf("request not served first: %v", r)
	}
	if got := host.SWO(); len(got) != 0 {
		t.Errorf("SWO streamed ahead of a pending request: %q", got)
	}
	if err := p.App.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := host.SWO(); string(got) != "trace" {
		t.Errorf("SWO = %q, want %q", got, "trace")
	}

	// A busy endpoint holds the data back and Poll waits.
	sim.FeedUART([]byte("more"))
	host.SetSWOBusy(true)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := p.App.Poll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Poll with busy SWO endpoint = %v", err)
	}
	if got := host.SWO(); len(got) != 0 {
		t.Errorf("SWO streamed into a busy endpoint: %q", got)
	}
	host.SetSWOBusy(false)
	if err := p.App.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := host.SWO(); string(got) != "more" {
		t.Errorf("SWO = %q, want %q", got, "more")
	}
}

func TestModeChangeStopsSWO(t *testing.T) {
	p, _, host := newTestProbe(t)
	startSWO(t, p, host)
	handle(t, p, host, Report{Op: OpDAP2Command, Data: []byte{byte(dapConnect), 1}})
	handle(t, p, host, setMode(ModeFlash))
	if p.SWO.Streaming() {
		t.Error("SWO still streaming in Flash mode")
	}
	if p.Pins.SWCLK.Mode() != PinInput || p.Pins.SWDIO.Mode() != PinInput {
		t.Error("SWD lines still claimed in Flash mode")
	}
}

func TestRun(t *testing.T) {
	p, _, host := newTestProbe(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.App.Run(ctx) }()
	host.Push(Report{Op: OpGetTPwr})
	deadline := time.Now().Add(time.Second)
	for host.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
	if r := host.Replies(); len(r) != 1 {
		t.Errorf("replies %v", r)
	}
}
