package hsprobe

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// Opcode selects a request. Opcodes up to OpBootload are vendor control
// requests whose wValue carries the argument; the rest are raised by the USB
// layer for bus events and endpoint traffic.
type Opcode uint8

const (
	OpSetCS    Opcode = 1
	OpSetFPGA  Opcode = 2
	OpSetMode  Opcode = 3
	OpSetTPwr  Opcode = 4
	OpGetTPwr  Opcode = 5
	OpSetLED   Opcode = 6
	OpBootload Opcode = 7

	OpSuspend     Opcode = 0x20
	OpSPITransmit Opcode = 0x30 // bulk EP 0x01, reply on EP 0x81
	OpDAP1Command Opcode = 0x40 // 64-byte HID report
	OpDAP2Command Opcode = 0x41 // bulk EP 0x02, reply on EP 0x82
)

var opNames = map[Opcode]string{
	OpSetCS:       "SetCS",
	OpSetFPGA:     "SetFPGA",
	OpSetMode:     "SetMode",
	OpSetTPwr:     "SetTPwr",
	OpGetTPwr:     "GetTPwr",
	OpSetLED:      "SetLED",
	OpBootload:    "Bootload",
	OpSuspend:     "Suspend",
	OpSPITransmit: "SPITransmit",
	OpDAP1Command: "DAP1Command",
	OpDAP2Command: "DAP2Command",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Mode is the operating mode of the probe's switchable lines.
type Mode uint16

const (
	ModeHighImpedance Mode = 0
	ModeFlash         Mode = 1
	ModeFPGA          Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeHighImpedance:
		return "HighImpedance"
	case ModeFlash:
		return "Flash"
	case ModeFPGA:
		return "FPGA"
	}
	return fmt.Sprintf("Mode(%d)", uint16(m))
}

// ParseMode accepts the names printed by Mode.String, case-sensitively, plus
// the short forms used in scripts.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "HighImpedance", "hiz", "highz":
		return ModeHighImpedance, nil
	case "Flash", "flash":
		return ModeFlash, nil
	case "FPGA", "fpga":
		return ModeFPGA, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// MaxPayload is the report size of every data-carrying request.
const MaxPayload = 64

// Report is a request as handed over by the USB layer, before validation.
type Report struct {
	Op    Opcode
	Value uint16 // wValue of control requests
	Data  []byte // endpoint payload
}

// Request is a validated report. Only DecodeRequest constructs them from
// wire data.
type Request struct {
	Op    Opcode
	Level gpio.Level
	Mode  Mode
	data  [MaxPayload]byte
	n     int
}

// Payload returns the data of SPITransmit and DAP commands.
func (r Request) Payload() []byte { return r.data[:r.n] }

func (r Request) String() string {
	switch r.Op {
	case OpSetCS, OpSetFPGA, OpSetTPwr, OpSetLED:
		return fmt.Sprintf("%s(%s)", r.Op, r.Level)
	case OpSetMode:
		return fmt.Sprintf("%s(%s)", r.Op, r.Mode)
	case OpSPITransmit, OpDAP1Command, OpDAP2Command:
		return fmt.Sprintf("%s(%d bytes)", r.Op, r.n)
	}
	return r.Op.String()
}

func decodeLevel(v uint16) (gpio.Level, error) {
	switch v {
	case 0:
		return gpio.Low, nil
	case 1:
		return gpio.High, nil
	}
	return gpio.Low, fmt.Errorf("%w: %d", ErrInvalidPinState, v)
}

func decodeMode(v uint16) (Mode, error) {
	switch m := Mode(v); m {
	case ModeHighImpedance, ModeFlash, ModeFPGA:
		return m, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidMode, v)
}

// DecodeRequest validates a report. Out-of-range pin states and modes are
// rejected rather than mapped onto a valid value.
func DecodeRequest(rep Report) (Request, error) {
	req := Request{Op: rep.Op}
	var err error
	switch rep.Op {
	case OpSetCS, OpSetFPGA, OpSetTPwr, OpSetLED:
		req.Level, err = decodeLevel(rep.Value)
	case OpSetMode:
		req.Mode, err = decodeMode(rep.Value)
	case OpGetTPwr, OpBootload, OpSuspend:
	case OpSPITransmit, OpDAP1Command, OpDAP2Command:
		if len(rep.Data) > MaxPayload {
			err = fmt.Errorf("%w: %d", ErrPayloadTooLong, len(rep.Data))
			break
		}
		req.n = copy(req.data[:], rep.Data)
	default:
		err = fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(rep.Op))
	}
	if err != nil {
		return Request{}, fmt.Errorf("%s: %w", rep.Op, err)
	}
	return req, nil
}

// EncodeReport is the inverse of DecodeRequest, used by hosts and scripts.
func EncodeReport(req Request) Report {
	rep := Report{Op: req.Op}
	switch req.Op {
	case OpSetCS, OpSetFPGA, OpSetTPwr, OpSetLED:
		if req.Level {
			rep.Value = 1
		}
	case OpSetMode:
		rep.Value = uint16(req.Mode)
	case OpSPITransmit, OpDAP1Command, OpDAP2Command:
		rep.Data = append([]byte(nil), req.Payload()...)
	}
	return rep
}

// lineFor maps line-setting opcodes onto board lines.
func lineFor(op Opcode) Line {
	switch op {
	case OpSetCS:
		return LineCS
	case OpSetFPGA:
		return LineFPGAReset
	case OpSetTPwr:
		return LineTPwrEn
	}
	return LineLED
}
