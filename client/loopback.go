package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/gentam/hsprobe"
)

// Loopback is a Transport into an in-process dispatcher, typically a
// simulated probe. Each request is pushed to the queue and serviced before
// the call returns.
type Loopback struct {
	app  *hsprobe.App
	host *hsprobe.HostQueue
	swo  []byte
}

func NewLoopback(app *hsprobe.App, host *hsprobe.HostQueue) *Loopback {
	return &Loopback{app: app, host: host}
}

// run services rep and returns the reply data for its opcode.
func (l *Loopback) run(rep hsprobe.Report) ([]byte, bool, error) {
	l.host.Push(rep)
	ctx := context.Background()
	for l.host.Pending() > 0 {
		if err := l.app.Poll(ctx); err != nil {
			return nil, false, err
		}
	}
	var data []byte
	ok := false
	for _, r := range l.host.Replies() {
		if r.Op == rep.Op {
			data, ok = r.Data, true
		}
	}
	return data, ok, nil
}

func (l *Loopback) ControlOut(req uint8, value uint16) error {
	_, _, err := l.run(hsprobe.Report{Op: hsprobe.Opcode(req), Value: value})
	return err
}

func (l *Loopback) ControlIn(req uint8, value uint16, buf []byte) (int, error) {
	data, ok, err := l.run(hsprobe.Report{Op: hsprobe.Opcode(req), Value: value})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoReply
	}
	return copy(buf, data), nil
}

func (l *Loopback) Bulk(ep int, out, in []byte) (int, error) {
	var op hsprobe.Opcode
	switch ep {
	case epSPI:
		op = hsprobe.OpSPITransmit
	case epDAP:
		op = hsprobe.OpDAP2Command
	default:
		return 0, fmt.Errorf("no bulk endpoint %d", ep)
	}
	data, ok, err := l.run(hsprobe.Report{Op: op, Data: out})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoReply
	}
	return copy(in, data), nil
}

// ReadStream runs one idle iteration of the dispatcher so a pending SWO batch
// is streamed, then returns what was streamed so far.
func (l *Loopback) ReadStream(ep int, buf []byte) (int, error) {
	if ep != epSWO {
		return 0, fmt.Errorf("no stream endpoint %d", ep)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.app.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return 0, err
	}
	l.swo = append(l.swo, l.host.SWO()...)
	n := copy(buf, l.swo)
	l.swo = l.swo[n:]
	return n, nil
}

func (l *Loopback) Close() error { return nil }

var _ Transport = (*Loopback)(nil)
