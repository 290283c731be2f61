package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gentam/hsprobe"
	"github.com/gentam/hsprobe/client"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/gpio"
)

func openClient() (*client.Client, error) {
	vid, pid := uint16(viper.GetUint("vid")), uint16(viper.GetUint("pid"))
	u, err := client.OpenUSB(vid, pid)
	if err != nil {
		return nil, err
	}
	return client.New(u), nil
}

func parseLevel(s string) (gpio.Level, error) {
	switch strings.ToLower(s) {
	case "1", "high", "on":
		return gpio.High, nil
	case "0", "low", "off":
		return gpio.Low, nil
	}
	return gpio.Low, fmt.Errorf("%w: %q", hsprobe.ErrInvalidPinState, s)
}

// withClient wraps a usb subcommand body with opening and closing the probe.
func withClient(run func(cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := openClient()
		if err != nil {
			return err
		}
		defer c.Close()
		return run(cmd, c, args)
	}
}

var usbCmd = &cobra.Command{
	Use:   "usb",
	Short: "Send requests to a probe over USB",
}

var usbModeCmd = &cobra.Command{
	Use:       "mode <hiz|flash|fpga>",
	Short:     "Switch the operating mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"hiz", "flash", "fpga"},
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		m, err := hsprobe.ParseMode(args[0])
		if err != nil {
			return err
		}
		return c.SetMode(m)
	}),
}

// lineCmd builds the commands setting a single line.
func lineCmd(name, short string, set func(*client.Client, gpio.Level) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <high|low>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			l, err := parseLevel(args[0])
			if err != nil {
				return err
			}
			return set(c, l)
		}),
	}
}

var usbPowerCmd = &cobra.Command{
	Use:   "power",
	Short: "Read the target power detect line",
	Args:  cobra.NoArgs,
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		l, err := c.TPwr()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), l)
		return nil
	}),
}

var usbXferCmd = &cobra.Command{
	Use:   "xfer <hex bytes>...",
	Short: "Exchange bytes on the passthrough bus",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		w, err := hex.DecodeString(strings.Join(args, ""))
		if err != nil {
			return err
		}
		r, err := c.Transmit(w)
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), hsprobe.OpSPITransmit, r)
		return nil
	}),
}

var usbDAPCmd = &cobra.Command{
	Use:   "dap <hex bytes>...",
	Short: "Send a raw CMSIS-DAP command",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		w, err := hex.DecodeString(strings.Join(args, ""))
		if err != nil {
			return err
		}
		r, err := c.DAP(w)
		if err != nil {
			return err
		}
		printReply(cmd.OutOrStdout(), hsprobe.OpDAP2Command, r)
		return nil
	}),
}

var usbBootloadCmd = &cobra.Command{
	Use:   "bootload",
	Short: "Restart the probe into its bootloader",
	Args:  cobra.NoArgs,
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		if err := c.Bootload(); err != nil {
			glog.V(1).Infof("bootload: %v", err)
		}
		return nil
	}),
}

var usbRunCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Send every request of a script and print the replies",
	Args:  cobra.MaximumNArgs(1),
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		reps, err := readScript(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, rep := range reps {
			data, err := c.Do(rep)
			if errors.Is(err, client.ErrUnsupported) {
				fmt.Fprintf(os.Stderr, "skipping %s\n", rep.Op)
				continue
			}
			if err != nil {
				return err
			}
			if data != nil {
				printReply(out, rep.Op, data)
			}
		}
		return nil
	}),
}

var usbSWOCmd = &cobra.Command{
	Use:   "swo",
	Short: "Copy the SWO stream to stdout until interrupted",
	Long: `Copy the SWO stream to stdout. Capture has to be configured and started
with DAP_SWO_Transport, DAP_SWO_Baudrate and DAP_SWO_Control beforehand, for
example through "hsprobe usb dap".`,
	Args: cobra.NoArgs,
	RunE: withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		buf := make([]byte, 4096)
		for ctx.Err() == nil {
			n, err := c.SWO(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				sleep(ctx, 10*time.Millisecond)
				continue
			}
			cmd.OutOrStdout().Write(buf[:n])
		}
		return nil
	}),
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func init() {
	rootCmd.AddCommand(usbCmd)
	usbCmd.AddCommand(
		usbModeCmd,
		lineCmd("cs", "Drive the flash chip select", (*client.Client).SetCS),
		lineCmd("fpga", "Drive the FPGA reset line", (*client.Client).SetFPGA),
		lineCmd("tpwr", "Switch target power", (*client.Client).SetTPwr),
		lineCmd("led", "Switch the LED", (*client.Client).SetLED),
		usbPowerCmd,
		usbXferCmd,
		usbDAPCmd,
		usbBootloadCmd,
		usbRunCmd,
		usbSWOCmd,
	)
}
