package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in the config file and on the command line.
const (
	TransportUDP        = "udp"
	TransportTCP        = "tcp"
	TransportRTUOverTCP = "rtu-over-tcp"
)

// Config holds the mbclient configuration.
type Config struct {
	Transport      string         `yaml:"transport"`
	Address        string         `yaml:"address"`
	Port           int            `yaml:"port"`
	LocalAddress   string         `yaml:"local_address"`
	LocalPort      int            `yaml:"local_port"`
	Timeout        time.Duration  `yaml:"timeout"`
	Pause          time.Duration  `yaml:"pause"`
	KeepConnection *bool          `yaml:"keep_connection"`
	Unit           uint8          `yaml:"unit"`
	LogLevel       string         `yaml:"log_level"`
	Output         string         `yaml:"output"`
	Poll           PollConfig     `yaml:"poll"`
	Points         []modbus.Point `yaml:"points"`
	PointsFile     string         `yaml:"points_file"` // CSV, see modbus.ParsePointsCSV
}

// PollConfig lists the requests of the poll command.
type PollConfig struct {
	Interval time.Duration       `yaml:"interval"`
	Requests []PollRequestConfig `yaml:"requests"`
}

// PollRequestConfig describes one polled request, either by function code,
// address and quantity, or as a raw hex PDU.
type PollRequestConfig struct {
	Name         string `yaml:"name"`
	Unit         *uint8 `yaml:"unit"`
	Function     uint8  `yaml:"function"`
	Address      uint16 `yaml:"address"`
	Quantity     uint16 `yaml:"quantity"`
	PDU          string `yaml:"pdu"`
	ResponseSize int    `yaml:"response_size"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	keep := true
	return &Config{
		Transport:      TransportUDP,
		Address:        "127.0.0.1",
		Timeout:        modbus.DefaultTimeout,
		KeepConnection: &keep,
		Unit:           1,
		LogLevel:       "WARNING",
		Output:         "text",
		Poll:           PollConfig{Interval: time.Second},
	}
}

// LoadConfig reads the configuration from the given YAML file path.
// An empty path returns DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the transport settings.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportTCP:
	case TransportRTUOverTCP:
		if c.Port == 0 {
			return errors.New("port is required for rtu-over-tcp")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s, %s or %s)", c.Transport, TransportUDP, TransportTCP, TransportRTUOverTCP)
	}
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %v", c.Timeout)
	}
	if _, err := modbus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Output {
	case "text", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text or yaml)", c.Output)
	}
	return nil
}

// NewTransporter builds the configured transport. Nothing is opened yet.
func (c *Config) NewTransporter(logger io.Writer) (modbus.Transporter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Transport {
	case TransportRTUOverTCP:
		cfg := modbus.DefaultRTUOverTCPConfig()
		cfg.Address, cfg.Port = c.Address, c.Port
		cfg.LocalAddress, cfg.LocalPort = c.LocalAddress, c.LocalPort
		cfg.Timeout, cfg.Pause = c.Timeout, c.Pause
		if c.KeepConnection != nil {
			cfg.KeepConnection = *c.KeepConnection
		}
		cfg.Logger = logger
		return modbus.NewRTUOverTCPTransporter(cfg), nil
	case TransportTCP:
		cfg := modbus.DefaultTCPConfig()
		cfg.Address = c.Address
		if c.Port != 0 {
			cfg.Port = c.Port
		}
		cfg.LocalAddress, cfg.LocalPort = c.LocalAddress, c.LocalPort
		cfg.Timeout, cfg.Pause = c.Timeout, c.Pause
		if c.KeepConnection != nil {
			cfg.KeepConnection = *c.KeepConnection
		}
		cfg.Logger = logger
		return modbus.NewTCPTransporter(cfg), nil
	default:
		cfg := modbus.DefaultUDPConfig()
		cfg.Address = c.Address
		if c.Port != 0 {
			cfg.Port = c.Port
		}
		cfg.LocalAddress, cfg.LocalPort = c.LocalAddress, c.LocalPort
		cfg.Timeout, cfg.Pause = c.Timeout, c.Pause
		cfg.Logger = logger
		return modbus.NewUDPTransporter(cfg), nil
	}
}

// PointGroups collects the points of the config and of PointsFile, gives
// unit 0 the default unit and groups them into read requests.
func (c *Config) PointGroups() ([]modbus.PointGroup, error) {
	points := append([]modbus.Point(nil), c.Points...)
	if c.PointsFile != "" {
		f, err := os.Open(c.PointsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fromFile, err := modbus.ParsePointsCSV(f)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", c.PointsFile, err)
		}
		points = append(points, fromFile...)
	}
	for i := range points {
		if points[i].ServerID == 0 {
			points[i].ServerID = c.Unit
		}
	}
	return modbus.GroupPoints(points)
}

// BuildPDU returns the request PDU and its response size rule.
func (r PollRequestConfig) BuildPDU() ([]byte, modbus.ResponseSizeFunc, error) {
	var size modbus.ResponseSizeFunc
	if r.ResponseSize > 0 {
		n := r.ResponseSize
		size = func([]byte) int { return n }
	}
	if r.PDU != "" {
		pdu, err := parseHexPDU(r.PDU)
		return pdu, size, err
	}

	var (
		pdu []byte
		err error
	)
	switch r.Function {
	case modbus.FuncCodeReadCoils:
		pdu, err = modbus.ReadCoilsRequest(r.Address, r.Quantity)
	case modbus.FuncCodeReadDiscreteInputs:
		pdu, err = modbus.ReadDiscreteInputsRequest(r.Address, r.Quantity)
	case modbus.FuncCodeReadHoldingRegisters:
		pdu, err = modbus.ReadHoldingRegistersRequest(r.Address, r.Quantity)
	case modbus.FuncCodeReadInputRegisters:
		pdu, err = modbus.ReadInputRegistersRequest(r.Address, r.Quantity)
	case modbus.FuncCodeReadExceptionStatus:
		pdu = modbus.ReadExceptionStatusRequest()
	default:
		return nil, nil, fmt.Errorf("request %s: function %d cannot be polled, use pdu", r.Name, r.Function)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("request %s: %w", r.Name, err)
	}
	return pdu, size, nil
}

// parseHexPDU decodes a PDU written as hex, with optional spaces.
func parseHexPDU(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	pdu, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex PDU: %w", err)
	}
	if len(pdu) == 0 || len(pdu) > modbus.MaxPDUSize {
		return nil, fmt.Errorf("%w: length %d", modbus.ErrInvalidPDU, len(pdu))
	}
	return pdu, nil
}
