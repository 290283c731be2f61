package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/gentam/hsprobe"
	"github.com/gentam/hsprobe/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// openFlash selects the flash through the named backend. The returned func
// puts the lines back into HighImpedance and releases the backend.
func openFlash(backend string) (*hsprobe.Flash, func(), error) {
	switch backend {
	case "sim":
		s, err := newSimProbe()
		if err != nil {
			return nil, nil, err
		}
		c := client.New(client.NewLoopback(s.App, s.host))
		if err := c.SetMode(hsprobe.ModeFlash); err != nil {
			return nil, nil, err
		}
		return hsprobe.NewFlash(c.SPI(), c.CS()), func() { c.SetMode(hsprobe.ModeHighImpedance) }, nil

	case "usb":
		c, err := openClient()
		if err != nil {
			return nil, nil, err
		}
		if err := c.SetMode(hsprobe.ModeFlash); err != nil {
			c.Close()
			return nil, nil, err
		}
		return hsprobe.NewFlash(c.SPI(), c.CS()), func() {
			c.SetMode(hsprobe.ModeHighImpedance)
			c.Close()
		}, nil

	case "bench":
		b, err := newBenchBoard()
		if err != nil {
			return nil, nil, err
		}
		// Holding the FPGA in reset keeps it off the shared bus.
		if err := b.FlashMode(); err != nil {
			return nil, nil, err
		}
		if err := b.Enable(); err != nil {
			return nil, nil, err
		}
		return hsprobe.NewFlash(b, b.cs), func() {
			b.Disable()
			b.HighImpedanceMode()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q (sim, usb or bench)", backend)
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Identify and read the configuration flash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := cmd.Flags()
		nread, _ := fs.GetInt("n")
		addr, _ := fs.GetInt("addr")
		idOnly, _ := fs.GetBool("id")
		statusOnly, _ := fs.GetBool("s")
		outFile, _ := fs.GetString("o")

		f, done, err := openFlash(viper.GetString("backend"))
		if err != nil {
			return err
		}
		defer done()

		if err := f.PowerUp(); err != nil {
			return fmt.Errorf("flash power up failed: %w", err)
		}
		defer f.PowerDown()
		out := cmd.OutOrStdout()

		if statusOnly {
			sr, err := f.ReadStatusRegister()
			if err != nil {
				return fmt.Errorf("read flash status register failed: %w", err)
			}
			fmt.Fprintln(out, sr)
			return nil
		}

		flashID, name, err := f.ReadID()
		if err != nil {
			return fmt.Errorf("read flash ID failed: %w", err)
		}
		if idOnly {
			fmt.Fprintf(out, "%X\t%s\t%d bytes\n", flashID, name, f.Size())
			return nil
		}
		if name == "" {
			fmt.Fprintf(os.Stderr, "unknown flash ID (%X)\n", flashID)
		}

		data, err := f.Read(addr, nread)
		if err != nil {
			return fmt.Errorf("read flash failed: %w", err)
		}
		if outFile == "" {
			fmt.Fprint(out, hex.Dump(data))
			return nil
		}
		return os.WriteFile(outFile, data, 0644)
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)
	fs := flashCmd.Flags()
	fs.Int("n", 256, "number of bytes to read")
	fs.Int("addr", 0, "start address")
	fs.Bool("id", false, "just print flash ID")
	fs.Bool("s", false, "just print flash status register")
	fs.String("o", "", "output file (default: hexdump)")
	fs.String("backend", "usb", "sim, usb or bench")
	viper.BindPFlag("backend", fs.Lookup("backend"))
}
