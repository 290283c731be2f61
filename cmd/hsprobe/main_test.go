package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSimScript(t *testing.T) {
	script := filepath.Join(t.TempDir(), "id.hsp")
	src := "mode flash\ncs low\nxfer 9f 00 00 00\ncs high\npower\n"
	if err := os.WriteFile(script, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "sim", script)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"SPITransmit  00 ef 40 18\n",
		"GetTPwr      00\n",
		"mode Flash\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestSimScriptError(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bad.hsp")
	if err := os.WriteFile(script, []byte("mode jtag\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "sim", script); err == nil {
		t.Error("bad script accepted")
	}
}

func TestFlashSim(t *testing.T) {
	out, err := execute(t, "flash", "--backend", "sim", "--id")
	if err != nil {
		t.Fatal(err)
	}
	if want := "EF4018\tWinbond W25Q 128Mb (SPI)\t16777216 bytes\n"; out != want {
		t.Errorf("flash --id = %q, want %q", out, want)
	}
}

func TestSWDEncode(t *testing.T) {
	out, err := execute(t, "swd", "encode", "0xa5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "APnDP=0 RnW=1 A=0 parity=1") {
		t.Errorf("encode output:\n%s", out)
	}
	if _, err := execute(t, "swd", "decode", "0x1"); err == nil {
		t.Error("decode accepted a word with IO0 set")
	}
	out, err = execute(t, "swd", "ack", "0b11110000")
	if err != nil || out != "OK\n" {
		t.Errorf("ack = %q, %v", out, err)
	}
}
