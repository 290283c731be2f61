package main

import (
	"fmt"
	"strconv"

	"github.com/gentam/hsprobe"
	"github.com/spf13/cobra"
)

func parseUint(s string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}
	return v, nil
}

var swdCmd = &cobra.Command{
	Use:   "swd",
	Short: "Inspect the SWD to QUADSPI encoding",
}

var swdEncodeCmd = &cobra.Command{
	Use:   "encode <request>",
	Short: "Print the address register word clocking out an 8-bit request",
	Example: `  hsprobe swd encode 0xa5   # DP read of DPIDR
  hsprobe swd encode 0b10110001`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		req := byte(v)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "request  %08b\n", req)
		fmt.Fprintf(out, "AR       0x%08X\n", hsprobe.ExpandRequest(req))
		fmt.Fprintf(out, "APnDP=%d RnW=%d A=%d parity=%d\n",
			req>>1&1, req>>2&1, (req>>3&3)<<2, req>>5&1)
		return nil
	},
}

var swdDecodeCmd = &cobra.Command{
	Use:   "decode <word>",
	Short: "Recover the request from an address register word",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		req, ok := hsprobe.CollapseRequest(uint32(v))
		if !ok {
			return fmt.Errorf("0x%08X is not an expanded request", v)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%08b\n", req)
		return nil
	},
}

var swdAckCmd = &cobra.Command{
	Use:   "ack <byte>",
	Short: "Decode the acknowledge byte read after a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint(args[0], 8)
		if err != nil {
			return err
		}
		write, _ := cmd.Flags().GetBool("write")
		a, err := hsprobe.DecodeAck(uint8(v), write)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), a)
		return nil
	},
}

var swdFrameCmd = &cobra.Command{
	Use:   "frame <data>",
	Short: "Print the write data frame for a 32-bit value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := parseUint(args[0], 32)
		if err != nil {
			return err
		}
		f := hsprobe.EncodeWriteFrame(uint32(v), hsprobe.Parity(uint32(v)))
		fmt.Fprintf(cmd.OutOrStdout(), "% x\n", f[:])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(swdCmd)
	swdCmd.AddCommand(swdEncodeCmd, swdDecodeCmd, swdAckCmd, swdFrameCmd)
	swdAckCmd.Flags().Bool("write", false, "the byte follows a write request")
}
