package hsprobe

import (
	"context"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
)

// App is the mode and request dispatcher. It owns the operating mode and the
// line configuration, and services one request at a time to completion.
type App struct {
	board    Board
	spi      Passthrough
	host     Host
	dap      CommandProcessor
	bootload func()

	mode Mode
	rx   [MaxPayload]byte
}

// NewApp wires the dispatcher. bootload is called for Bootload requests and
// is not expected to return on hardware.
func NewApp(board Board, spi Passthrough, host Host, dap CommandProcessor, bootload func()) *App {
	return &App{board: board, spi: spi, host: host, dap: dap, bootload: bootload}
}

// Setup enters HighImpedance mode.
func (a *App) Setup() error {
	return a.setMode(ModeHighImpedance)
}

// Mode returns the recorded operating mode. Suspend leaves it untouched.
func (a *App) Mode() Mode { return a.mode }

// Poll runs one iteration of the main loop: a pending request is serviced
// first, then one batch of SWO data if streaming and the SWO endpoint is
// free. Otherwise Poll waits for the host.
func (a *App) Poll(ctx context.Context) error {
	if rep, ok := a.host.Next(); ok {
		a.Handle(rep)
		return nil
	}
	if a.dap != nil && a.dap.SWOStreaming() && !a.host.SWOBusy() {
		if data := a.dap.PollSWO(); data != nil {
			a.host.StreamSWO(data)
		}
		return nil
	}
	return a.host.Wait(ctx)
}

// Run polls until ctx is done.
func (a *App) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Poll(ctx); err != nil {
			return err
		}
	}
}

// Handle decodes and services one report. Reports failing to decode are
// dropped without a reply or any side effect.
func (a *App) Handle(rep Report) {
	req, err := DecodeRequest(rep)
	if err != nil {
		glog.Warningf("dropping request: %v", err)
		return
	}
	glog.V(1).Infof("request %s", req)
	a.process(req)
}

func (a *App) process(req Request) {
	switch req.Op {
	case OpSetCS, OpSetFPGA, OpSetTPwr, OpSetLED:
		if err := a.board.Set(lineFor(req.Op), req.Level); err != nil {
			glog.Warningf("%s: %v", req, err)
		}

	case OpSetMode:
		if err := a.setMode(req.Mode); err != nil {
			glog.Errorf("%s: %v", req, err)
		}

	case OpGetTPwr:
		l, err := a.board.Get(LineTPwrDet)
		if err != nil {
			glog.Warningf("%s: %v", req, err)
			return
		}
		var v byte
		if l == gpio.High {
			v = 1
		}
		a.host.Reply(req.Op, []byte{v})

	case OpBootload:
		glog.Infof("entering bootloader")
		if a.bootload != nil {
			a.bootload()
		}

	case OpSuspend:
		a.suspend()

	case OpSPITransmit:
		if !a.spi.Enabled() {
			glog.Warningf("%s: %s is disabled in %s mode", req, a.spi, a.mode)
			return
		}
		tx := req.Payload()
		rx := a.rx[:len(tx)]
		if err := a.spi.Tx(tx, rx); err != nil {
			glog.Warningf("%s: %v", req, err)
			return
		}
		a.host.Reply(req.Op, rx)

	case OpDAP1Command, OpDAP2Command:
		if a.dap == nil {
			return
		}
		if resp := a.dap.Process(req.Payload()); resp != nil {
			a.host.Reply(req.Op, resp)
		}
	}
}

// setMode reconfigures the lines for m. The passthrough peripheral is
// stopped before any line changes role and only started once every line of
// the new role is in place. The sequence runs even when m is the current
// mode, because Suspend may have released the lines.
func (a *App) setMode(m Mode) error {
	glog.V(2).Infof("mode %s -> %s", a.mode, m)
	if a.spi.Enabled() {
		if err := a.spi.Disable(); err != nil {
			return err
		}
	}
	if m != ModeHighImpedance && a.dap != nil {
		if err := a.dap.Halt(); err != nil {
			glog.Warningf("halting debug interface: %v", err)
		}
	}

	var err error
	switch m {
	case ModeHighImpedance:
		err = a.board.HighImpedanceMode()
	case ModeFlash:
		err = a.board.FlashMode()
	case ModeFPGA:
		err = a.board.FPGAMode()
	}
	if err != nil {
		a.fallback()
		return err
	}

	a.host.EnableSPIData(m != ModeHighImpedance)
	a.host.EnableDAP(m == ModeHighImpedance)

	if m != ModeHighImpedance {
		if err := a.spi.Enable(); err != nil {
			a.fallback()
			return err
		}
	}
	a.mode = m
	return nil
}

// fallback leaves a failed transition in HighImpedance, the one mode that
// needs nothing but released lines.
func (a *App) fallback() {
	if err := a.board.HighImpedanceMode(); err != nil {
		glog.Errorf("releasing lines: %v", err)
	}
	a.host.EnableSPIData(false)
	a.host.EnableDAP(true)
	a.mode = ModeHighImpedance
}

// suspend releases every switchable line and switches the LED and target
// power off. The recorded mode is kept.
func (a *App) suspend() {
	if a.spi.Enabled() {
		if err := a.spi.Disable(); err != nil {
			glog.Warningf("suspend: %v", err)
		}
	}
	if err := a.board.HighImpedanceMode(); err != nil {
		glog.Warningf("suspend: %v", err)
	}
	for _, l := range []Line{LineLED, LineTPwrEn} {
		if err := a.board.Set(l, gpio.Low); err != nil {
			glog.Warningf("suspend: %v", err)
		}
	}
}
