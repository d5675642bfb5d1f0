package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/spf13/cobra"
)

type registerReader func(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error)
type bitReader func(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error)

func newRegisterReadCmd(use, short string, function uint8, read func() registerReader) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address> <quantity>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, qty, err := parseAddressQuantity(args)
			if err != nil {
				return err
			}
			regs, err := read()(cmd.Context(), cfg.Unit, addr, qty)
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return render(cmd.OutOrStdout(), cfg.Output, &readReport{
				Unit:      cfg.Unit,
				Function:  function,
				Address:   addr,
				Registers: regs,
			})
		},
	}
}

func newBitReadCmd(use, short string, function uint8, read func() bitReader) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <address> <quantity>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, qty, err := parseAddressQuantity(args)
			if err != nil {
				return err
			}
			bits, err := read()(cmd.Context(), cfg.Unit, addr, qty)
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return render(cmd.OutOrStdout(), cfg.Output, &readReport{
				Unit:     cfg.Unit,
				Function: function,
				Address:  addr,
				Bits:     bits,
			})
		},
	}
}

// The readers are resolved at run time, after PersistentPreRun built client.
var (
	readHoldingCmd = newRegisterReadCmd("read-holding", "Read holding registers (function 3)",
		modbus.FuncCodeReadHoldingRegisters, func() registerReader { return client.ReadHoldingRegisters })
	readInputCmd = newRegisterReadCmd("read-input", "Read input registers (function 4)",
		modbus.FuncCodeReadInputRegisters, func() registerReader { return client.ReadInputRegisters })
	readCoilsCmd = newBitReadCmd("read-coils", "Read coils (function 1)",
		modbus.FuncCodeReadCoils, func() bitReader { return client.ReadCoils })
	readDiscreteCmd = newBitReadCmd("read-discrete", "Read discrete inputs (function 2)",
		modbus.FuncCodeReadDiscreteInputs, func() bitReader { return client.ReadDiscreteInputs })
)

var writeRegisterCmd = &cobra.Command{
	Use:   "write-register <address> <value>",
	Short: "Write a single holding register (function 6)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		value, err := parseUint16("value", args[1])
		if err != nil {
			return err
		}
		if err := client.WriteSingleRegister(cmd.Context(), cfg.Unit, addr, value); err != nil {
			return fmt.Errorf("write-register failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "register %d = %d written\n", addr, value)
		return nil
	},
}

var writeCoilCmd = &cobra.Command{
	Use:   "write-coil <address> <on|off>",
	Short: "Write a single coil (function 5)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseUint16("address", args[0])
		if err != nil {
			return err
		}
		var value bool
		switch strings.ToLower(args[1]) {
		case "on", "1", "true":
			value = true
		case "off", "0", "false":
		default:
			return fmt.Errorf("invalid coil value %q (want on or off)", args[1])
		}
		if err := client.WriteSingleCoil(cmd.Context(), cfg.Unit, addr, value); err != nil {
			return fmt.Errorf("write-coil failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "coil %d = %s written\n", addr, strings.ToLower(args[1]))
		return nil
	},
}

var rawResponseSize int

var rawCmd = &cobra.Command{
	Use:   "raw <hex-pdu>",
	Short: "Send a raw request PDU and print the outcome",
	Long: `Send a request PDU given in hex (function code first, for example
"03 00 00 00 02") and print the transaction result and response PDU.
Function codes without a standard response size need --response-size.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pdu, err := parseHexPDU(args[0])
		if err != nil {
			return err
		}
		var size modbus.ResponseSizeFunc
		if rawResponseSize > 0 {
			n := rawResponseSize
			size = func([]byte) int { return n }
		}
		if err := client.SetRequest(cfg.Unit, pdu, size); err != nil {
			return err
		}
		result, err := client.ExecuteContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("raw failed: %w", err)
		}
		report := &rawReport{
			Unit:     cfg.Unit,
			Request:  fmt.Sprintf("% X", pdu),
			Result:   result.String(),
			Response: fmt.Sprintf("% X", client.Response()),
		}
		if ex := client.Exception(); ex != nil {
			report.Exception = ex.Error()
		}
		return render(cmd.OutOrStdout(), cfg.Output, report)
	},
}

func parseUint16(name, s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return uint16(v), nil
}

func parseAddressQuantity(args []string) (uint16, uint16, error) {
	addr, err := parseUint16("address", args[0])
	if err != nil {
		return 0, 0, err
	}
	qty, err := parseUint16("quantity", args[1])
	if err != nil {
		return 0, 0, err
	}
	return addr, qty, nil
}

func init() {
	rawCmd.Flags().IntVar(&rawResponseSize, "response-size", 0, "expected response PDU size, function code included")

	rootCmd.AddCommand(readHoldingCmd)
	rootCmd.AddCommand(readInputCmd)
	rootCmd.AddCommand(readCoilsCmd)
	rootCmd.AddCommand(readDiscreteCmd)
	rootCmd.AddCommand(writeRegisterCmd)
	rootCmd.AddCommand(writeCoilCmd)
	rootCmd.AddCommand(rawCmd)
}
