package hsprobe

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseScript(t *testing.T) {
	src := `
# read the flash JEDEC ID
mode flash
cs low
xfer 9f 00 00 00
cs high
xfer
led on   # busy
power
dap 00 F0
dap1 02 01
fpga off
suspend
bootload
mode hiz
`
	got, err := ParseScriptString(src)
	if err != nil {
		t.Fatal(err)
	}
	want := []Report{
		{Op: OpSetMode, Value: uint16(ModeFlash)},
		{Op: OpSetCS, Value: 0},
		{Op: OpSPITransmit, Data: []byte{0x9F, 0, 0, 0}},
		{Op: OpSetCS, Value: 1},
		{Op: OpSPITransmit},
		{Op: OpSetLED, Value: 1},
		{Op: OpGetTPwr},
		{Op: OpDAP2Command, Data: []byte{0x00, 0xF0}},
		{Op: OpDAP1Command, Data: []byte{0x02, 0x01}},
		{Op: OpSetFPGA, Value: 0},
		{Op: OpSuspend},
		{Op: OpBootload},
		{Op: OpSetMode, Value: uint16(ModeHighImpedance)},
	}
	if len(got) != len(want) {
		t.Fatalf("%d reports, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Op != want[i].Op || got[i].Value != want[i].Value || !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("report %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		err  error
	}{
		{"unknown mode", "mode jtag", ErrInvalidMode},
		{"long transfer", "xfer" + string(bytes.Repeat([]byte(" 00"), MaxPayload+1)), ErrPayloadTooLong},
		{"bad keyword", "reset", nil},
		{"bad level", "cs maybe", nil},
		{"odd hex", "xfer 9", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScriptString(tt.src)
			if err == nil {
				t.Fatal("no error")
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestScriptAgainstProbe(t *testing.T) {
	p, sim, host := newTestProbe(t)
	sim.SPIDevice = func(tx []byte) []byte {
		rx := make([]byte, len(tx))
		if tx[0] == 0x9F {
			copy(rx[1:], []byte{0xEF, 0x40, 0x18})
		}
		return rx
	}
	reps, err := ParseScriptString("mode flash\ncs low\nxfer 9f 00 00 00\ncs high\n")
	if err != nil {
		t.Fatal(err)
	}
	r := handle(t, p, host, reps...)
	if len(r) != 1 || !bytes.Equal(r[0].Data, []byte{0, 0xEF, 0x40, 0x18}) {
		t.Errorf("replies %+v", r)
	}
}
