package hsprobe

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name string
		rep  Report
		want Request
		err  error
	}{
		{"cs low", Report{Op: OpSetCS, Value: 0}, Request{Op: OpSetCS, Level: gpio.Low}, nil},
		{"cs high", Report{Op: OpSetCS, Value: 1}, Request{Op: OpSetCS, Level: gpio.High}, nil},
		{"fpga 2", Report{Op: OpSetFPGA, Value: 2}, Request{}, ErrInvalidPinState},
		{"tpwr high", Report{Op: OpSetTPwr, Value: 1}, Request{Op: OpSetTPwr, Level: gpio.High}, nil},
		{"led 256", Report{Op: OpSetLED, Value: 256}, Request{}, ErrInvalidPinState},
		{"mode flash", Report{Op: OpSetMode, Value: 1}, Request{Op: OpSetMode, Mode: ModeFlash}, nil},
		{"mode fpga", Report{Op: OpSetMode, Value: 2}, Request{Op: OpSetMode, Mode: ModeFPGA}, nil},
		{"mode 7", Report{Op: OpSetMode, Value: 7}, Request{}, ErrInvalidMode},
		{"gettpwr", Report{Op: OpGetTPwr, Value: 9}, Request{Op: OpGetTPwr}, nil},
		{"suspend", Report{Op: OpSuspend}, Request{Op: OpSuspend}, nil},
		{"bootload", Report{Op: OpBootload}, Request{Op: OpBootload}, nil},
		{"opcode 0", Report{Op: 0}, Request{}, ErrUnknownOpcode},
		{"opcode 8", Report{Op: 8}, Request{}, ErrUnknownOpcode},
		{"spi too long", Report{Op: OpSPITransmit, Data: make([]byte, 65)}, Request{}, ErrPayloadTooLong},
		{"dap too long", Report{Op: OpDAP1Command, Data: make([]byte, 100)}, Request{}, ErrPayloadTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest(tt.rep)
			if !errors.Is(err, tt.err) {
				t.Fatalf("DecodeRequest(%+v) error = %v, want %v", tt.rep, err, tt.err)
			}
			if got.Op != tt.want.Op || got.Level != tt.want.Level || got.Mode != tt.want.Mode {
				t.Errorf("DecodeRequest(%+v) = %s, want %s", tt.rep, got, tt.want)
			}
		})
	}
}

func TestDecodeRequestPayload(t *testing.T) {
	for _, op := range []Opcode{OpSPITransmit, OpDAP1Command, OpDAP2Command} {
		for _, n := range []int{0, 1, 63, 64} {
			data := bytes.Repeat([]byte{0xA5}, n)
			req, err := DecodeRequest(Report{Op: op, Data: data})
			if err != nil {
				t.Fatalf("%s with %d bytes: %v", op, n, err)
			}
			if !bytes.Equal(req.Payload(), data) {
				t.Errorf("%s payload % x, want % x", op, req.Payload(), data)
			}
			// The request owns its payload.
			if n > 0 {
				data[0] = 0
				if req.Payload()[0] != 0xA5 {
					t.Errorf("%s payload aliases the report", op)
				}
			}
			rep := EncodeReport(req)
			if rep.Op != op || !bytes.Equal(rep.Data, req.Payload()) {
				t.Errorf("EncodeReport(%s) = %+v", req, rep)
			}
		}
	}
}

func TestEncodeReport(t *testing.T) {
	for _, rep := range []Report{
		{Op: OpSetCS, Value: 1},
		{Op: OpSetLED},
		{Op: OpSetMode, Value: 2},
		{Op: OpGetTPwr},
		{Op: OpSuspend},
	} {
		req, err := DecodeRequest(rep)
		if err != nil {
			t.Fatal(err)
		}
		if got := EncodeReport(req); got.Op != rep.Op || got.Value != rep.Value {
			t.Errorf("EncodeReport(DecodeRequest(%+v)) = %+v", rep, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeHighImpedance, ModeFlash, ModeFPGA} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %s, %v", m.String(), got, err)
		}
	}
	if got, err := ParseMode("hiz"); err != nil || got != ModeHighImpedance {
		t.Errorf("ParseMode(hiz) = %s, %v", got, err)
	}
	if _, err := ParseMode("jtag"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("ParseMode(jtag) error = %v", err)
	}
}

func TestStrings(t *testing.T) {
	for _, tt := range []struct {
		got, want string
	}{
		{OpSetMode.String(), "SetMode"},
		{Opcode(0x99).String(), "Opcode(0x99)"},
		{Mode(5).String(), "Mode(5)"},
		{AckWait.String(), "WAIT"},
		{Ack(0b111).String(), "Ack(111)"},
		{LineTPwrDet.String(), "TPWR_DET"},
		{(&AckError{Bits: 0}).Error(), "swd protocol error: ack 000"},
	} {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
