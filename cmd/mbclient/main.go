// Command mbclient talks to Modbus devices over UDP, TCP or RTU framing
// carried on TCP.
package main

import (
	"fmt"
	"os"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile        string
	transport      string
	address        string
	port           int
	unit           uint8
	timeout        time.Duration
	keepConnection bool
	logLevel       string
	outputFormat   string

	// Shared state set during PersistentPreRun
	cfg    *Config
	client *modbus.Client
)

// rootCmd is the base command for mbclient.
var rootCmd = &cobra.Command{
	Use:   "mbclient",
	Short: "Modbus master over UDP, TCP or RTU over TCP",
	Long: `mbclient sends Modbus requests to a device or gateway and prints the
replies. The transport is Modbus TCP framing in UDP datagrams or on a TCP
stream, or Modbus RTU framing (with CRC) over a TCP stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cmd, cfg)

		level, err := modbus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger := modbus.NewSimpleLogger(cmd.ErrOrStderr(), level, "mbclient")
		t, err := cfg.NewTransporter(logger)
		if err != nil {
			return err
		}
		client = modbus.NewClient(t, modbus.WithLogger(logger))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if client == nil {
			return nil
		}
		return client.Close()
	},
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("address") {
		cfg.Address = address
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("unit") {
		cfg.Unit = unit
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("keep-connection") {
		cfg.KeepConnection = &keepConnection
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("output") {
		cfg.Output = outputFormat
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.StringVarP(&transport, "transport", "t", TransportUDP, "transport: udp, tcp or rtu-over-tcp")
	flags.StringVarP(&address, "address", "a", "127.0.0.1", "device or gateway address")
	flags.IntVarP(&port, "port", "p", modbus.DefaultPort, "remote port")
	flags.Uint8VarP(&unit, "unit", "u", 1, "unit (slave) ID")
	flags.DurationVar(&timeout, "timeout", modbus.DefaultTimeout, "response timeout")
	flags.BoolVar(&keepConnection, "keep-connection", true, "keep the TCP connection between requests (tcp, rtu-over-tcp)")
	flags.StringVar(&logLevel, "log-level", "WARNING", "log level: TRACE, DEBUG, INFO, WARNING, ERROR, NONE")
	flags.StringVarP(&outputFormat, "output", "o", "text", "output format: text or yaml")
}

func main() {
	Execute()
}
