package hsprobe

import (
	"context"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Host is the USB device side as seen by the dispatcher.
type Host interface {
	// Next returns the oldest pending report.
	Next() (Report, bool)
	// Wait blocks until a report is pending, the SWO endpoint frees up or
	// ctx is done.
	Wait(ctx context.Context) error

	// EnableSPIData and EnableDAP switch the host-facing interfaces between
	// SPI passthrough and debug command reporting.
	EnableSPIData(on bool)
	EnableDAP(on bool)

	// Reply queues data on the endpoint answering op.
	Reply(op Opcode, data []byte)

	SWOBusy() bool
	StreamSWO(data []byte)
}

// Board switches line roles and drives individual lines.
type Board interface {
	HighImpedanceMode() error
	FlashMode() error
	FPGAMode() error
	Set(l Line, level gpio.Level) error
	Get(l Line) (gpio.Level, error)
}

// Passthrough is the synchronous serial peripheral used in Flash and FPGA
// modes.
type Passthrough interface {
	spi.Conn
	Enable() error
	Disable() error
	Enabled() bool
}

// CommandProcessor interprets debug commands.
type CommandProcessor interface {
	// Process handles one command report and returns the response, or
	// nil when there is none.
	Process(cmd []byte) []byte
	SWOStreaming() bool
	// PollSWO returns newly captured trace bytes, or nil.
	PollSWO() []byte
	// Halt stops SWO capture and releases the debug lines.
	Halt() error
}

// Reply is one response recorded by HostQueue.
type Reply struct {
	Op   Opcode
	Data []byte
}

// HostQueue is an in-memory Host. Reports are pushed from any goroutine;
// the dispatcher side must stay on one goroutine.
type HostQueue struct {
	mu      sync.Mutex
	pending []Report
	replies []Reply
	swo     []byte
	wake    chan struct{}

	spiData  bool
	dap      bool
	swoBusy  bool
	swoFreed bool
}

func NewHostQueue() *HostQueue {
	return &HostQueue{wake: make(chan struct{}, 1), dap: true}
}

// Push queues reports and wakes a waiting dispatcher.
func (h *HostQueue) Push(reps ...Report) {
	h.mu.Lock()
	h.pending = append(h.pending, reps...)
	h.mu.Unlock()
	h.notify()
}

func (h *HostQueue) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *HostQueue) Next() (Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return Report{}, false
	}
	rep := h.pending[0]
	h.pending = h.pending[1:]
	return rep, true
}

func (h *HostQueue) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Wait returns once a report is pending or the SWO endpoint has been freed
// since the last Wait.
func (h *HostQueue) Wait(ctx context.Context) error {
	h.mu.Lock()
	if len(h.pending) > 0 || h.swoFreed {
		h.swoFreed = false
		h.mu.Unlock()
		return nil
	}
	// Drop a wakeup whose cause has already been consumed.
	select {
	case <-h.wake:
	default:
	}
	h.mu.Unlock()

	select {
	case <-h.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HostQueue) EnableSPIData(on bool) {
	h.mu.Lock()
	h.spiData = on
	h.mu.Unlock()
}

func (h *HostQueue) EnableDAP(on bool) {
	h.mu.Lock()
	h.dap = on
	h.mu.Unlock()
}

// Interfaces reports which host-facing interfaces are enabled.
func (h *HostQueue) Interfaces() (spiData, dap bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spiData, h.dap
}

func (h *HostQueue) Reply(op Opcode, data []byte) {
	h.mu.Lock()
	h.replies = append(h.replies, Reply{Op: op, Data: append([]byte(nil), data...)})
	h.mu.Unlock()
}

// Replies drains the recorded replies.
func (h *HostQueue) Replies() []Reply {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.replies
	h.replies = nil
	return r
}

// SetSWOBusy simulates the SWO endpoint still holding a previous batch.
func (h *HostQueue) SetSWOBusy(busy bool) {
	h.mu.Lock()
	freed := h.swoBusy && !busy
	h.swoBusy = busy
	h.swoFreed = h.swoFreed || freed
	h.mu.Unlock()
	if freed {
		h.notify()
	}
}

func (h *HostQueue) SWOBusy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.swoBusy
}

func (h *HostQueue) StreamSWO(data []byte) {
	h.mu.Lock()
	h.swo = append(h.swo, data...)
	h.mu.Unlock()
}

// SWO drains the streamed trace bytes.
func (h *HostQueue) SWO() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.swo
	h.swo = nil
	return b
}

var _ Host = (*HostQueue)(nil)
