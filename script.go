package hsprobe

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Request scripts list one request per statement:
//
//	# select the flash and read its JEDEC ID
//	mode flash
//	cs low
//	xfer 9f 00 00 00
//	cs high
//	power            # GetTPwr
//	dap 00 01        # DAP command on the bulk interface, dap1 for HID
//	suspend
//	bootload
var scriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Byte", Pattern: `[0-9a-fA-F]{2}\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
})

type script struct {
	Statements []*statement `@@*`
}

type statement struct {
	Pos lexer.Position

	Mode     *string  `  "mode" @Ident`
	Line     *setLine `| @@`
	Power    bool     `| @"power"`
	Xfer     []string `| "xfer" @Byte*`
	DAP      *dapCall `| @@`
	Suspend  bool     `| @"suspend"`
	Bootload bool     `| @"bootload"`
}

type setLine struct {
	Name  string `@("cs" | "fpga" | "tpwr" | "led")`
	Level string `@("high" | "low" | "on" | "off")`
}

type dapCall struct {
	Cmd   string   `@("dap" | "dap1")`
	Bytes []string `@Byte+`
}

var scriptParser = participle.MustBuild[script](
	participle.Lexer(scriptLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.UseLookahead(2),
)

var lineOps = map[string]Opcode{
	"cs":   OpSetCS,
	"fpga": OpSetFPGA,
	"tpwr": OpSetTPwr,
	"led":  OpSetLED,
}

// ParseScript reads a request script into reports, ready to be pushed to a
// Host. Every report is validated with DecodeRequest.
func ParseScript(name string, r io.Reader) ([]Report, error) {
	s, err := scriptParser.Parse(name, r)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	reps := make([]Report, 0, len(s.Statements))
	for _, st := range s.Statements {
		rep, err := st.report()
		if err == nil {
			_, err = DecodeRequest(rep)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.Pos, err)
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

// ParseScriptString is ParseScript on a string.
func ParseScriptString(src string) ([]Report, error) {
	return ParseScript("", strings.NewReader(src))
}

func (st *statement) report() (Report, error) {
	switch {
	case st.Mode != nil:
		m, err := ParseMode(*st.Mode)
		return Report{Op: OpSetMode, Value: uint16(m)}, err
	case st.Line != nil:
		rep := Report{Op: lineOps[st.Line.Name]}
		if st.Line.Level == "high" || st.Line.Level == "on" {
			rep.Value = 1
		}
		return rep, nil
	case st.Power:
		return Report{Op: OpGetTPwr}, nil
	case st.DAP != nil:
		data, err := decodeHex(st.DAP.Bytes)
		op := OpDAP2Command
		if st.DAP.Cmd == "dap1" {
			op = OpDAP1Command
		}
		return Report{Op: op, Data: data}, err
	case st.Suspend:
		return Report{Op: OpSuspend}, nil
	case st.Bootload:
		return Report{Op: OpBootload}, nil
	}
	// xfer with no bytes captures nothing and lands here too.
	data, err := decodeHex(st.Xfer)
	return Report{Op: OpSPITransmit, Data: data}, err
}

func decodeHex(bs []string) ([]byte, error) {
	return hex.DecodeString(strings.Join(bs, ""))
}
