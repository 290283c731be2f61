package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gentam/hsprobe"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/gpio"
)

// simProbe is a probe on the register simulator with a W25Q128 on the
// passthrough bus and a Cortex-M7 debug port on SWD.
type simProbe struct {
	*hsprobe.Probe
	sim   *hsprobe.Sim
	host  *hsprobe.HostQueue
	flash *hsprobe.SimFlash
}

func newSimProbe() (*simProbe, error) {
	opts, err := probeOptions()
	if err != nil {
		return nil, err
	}
	s := &simProbe{sim: hsprobe.NewSim(), host: hsprobe.NewHostQueue()}
	s.Probe, err = hsprobe.NewProbe(s.sim, s.host, opts...)
	if err != nil {
		return nil, err
	}
	s.flash = &hsprobe.SimFlash{
		ID:       [3]byte{0xEF, 0x40, 0x18},
		Data:     []byte(viper.GetString("sim-flash-data")),
		Selected: func() bool { return s.Pins.CS.Read() == gpio.Low },
	}
	s.sim.SPIDevice = s.flash.Transfer
	s.sim.Target = hsprobe.NewSimTarget(0x5BA0_2477)
	s.Bootload = func() { fmt.Fprintln(os.Stderr, "bootloader requested") }
	return s, nil
}

// drain services every pending report.
func (s *simProbe) drain(ctx context.Context) error {
	for s.host.Pending() > 0 {
		if err := s.App.Poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

var simCmd = &cobra.Command{
	Use:   "sim [script]",
	Short: "Run a request script against the simulated probe",
	Long: `Run a request script against the register-level simulator and print the
reply to every request that produces one. The script is read from stdin when
no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reps, err := readScript(args)
		if err != nil {
			return err
		}
		s, err := newSimProbe()
		if err != nil {
			return err
		}
		trace, _ := cmd.Flags().GetBool("trace")
		s.sim.Trace()

		out := cmd.OutOrStdout()
		for _, rep := range reps {
			s.host.Push(rep)
			if err := s.drain(cmd.Context()); err != nil {
				return err
			}
			for _, r := range s.host.Replies() {
				printReply(out, r.Op, r.Data)
			}
			if trace {
				for _, ev := range s.sim.Trace() {
					fmt.Fprintf(out, "\t%s <- 0x%08x\n", ev.Reg, ev.Value)
				}
			}
		}
		fmt.Fprintf(out, "mode %s\n", s.App.Mode())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().Bool("trace", false, "print pin role and peripheral enable changes after each request")
	simCmd.Flags().String("sim-flash-data", "hsprobe", "content repeated across the simulated flash")
	viper.BindPFlag("sim-flash-data", simCmd.Flags().Lookup("sim-flash-data"))
}
