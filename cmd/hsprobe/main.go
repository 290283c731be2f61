package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gentam/hsprobe"
	"github.com/gentam/hsprobe/client"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/physic"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hsprobe",
	Short: "Drive and simulate the hsprobe debug probe",
	Long: `hsprobe talks to the probe over USB, runs its dispatcher against a
register-level simulator, or on an FT2232H iCE40 board for bench work.

Examples:
  hsprobe sim session.hsp          # run a request script on the simulator
  hsprobe usb mode flash           # switch a connected probe to Flash mode
  hsprobe flash --id --backend usb # read the flash JEDEC ID through a probe
  hsprobe swd encode 0xa5          # show the QUADSPI address word of a request`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func fatalf(format string, a ...any) {
	glog.Flush()
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fatalf("%v", err)
	}
}

func init() {
	// glog registers -v, -logtostderr and friends on the standard flag set;
	// cobra picks them up from pflag.CommandLine.
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./hsprobe.yaml or $HOME/.config/hsprobe/hsprobe.yaml)")
	pf.Uint16("vid", client.VendorID, "USB vendor ID of the probe")
	pf.Uint16("pid", client.ProductID, "USB product ID of the probe")
	pf.String("core", "216MHz", "simulated core frequency: 48MHz, 72MHz or 216MHz")
	pf.String("spi-freq", "25MHz", "SPI passthrough clock limit")
	pf.String("swd-freq", "10MHz", "SWD clock limit")
	pf.Uint32("swo-baud", 1_000_000, "SWO UART baud rate")
	for _, name := range []string{"vid", "pid", "core", "spi-freq", "swd-freq", "swo-baud"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func initConfig() error {
	// glog reads the standard flag set only once it is parsed.
	if !flag.Parsed() {
		flag.CommandLine.Parse(nil)
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hsprobe")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/hsprobe")
		}
	}
	viper.SetEnvPrefix("HSPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("reading config: %w", err)
		}
		return nil
	}
	glog.V(1).Infof("using config %s", viper.ConfigFileUsed())
	return nil
}

// probeOptions turns the configured frequencies into probe options.
func probeOptions() ([]hsprobe.Option, error) {
	core, err := hsprobe.ParseCoreFrequency(viper.GetString("core"))
	if err != nil {
		return nil, err
	}
	var spiFreq, swdFreq physic.Frequency
	if err := spiFreq.Set(viper.GetString("spi-freq")); err != nil {
		return nil, fmt.Errorf("spi-freq: %w", err)
	}
	if err := swdFreq.Set(viper.GetString("swd-freq")); err != nil {
		return nil, fmt.Errorf("swd-freq: %w", err)
	}
	return []hsprobe.Option{
		hsprobe.WithCoreFrequency(core),
		hsprobe.WithSPIFrequency(spiFreq),
		hsprobe.WithSWDFrequency(swdFreq),
		hsprobe.WithSWOBaudRate(viper.GetUint32("swo-baud")),
	}, nil
}

// readScript parses the script named by args, or stdin when there is none.
func readScript(args []string) ([]hsprobe.Report, error) {
	if len(args) == 0 || args[0] == "-" {
		return hsprobe.ParseScript("<stdin>", os.Stdin)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return hsprobe.ParseScript(args[0], f)
}

func printReply(w io.Writer, op hsprobe.Opcode, data []byte) {
	fmt.Fprintf(w, "%-12s % x\n", op, data)
}
