package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	modbus "github.com/hootrhino/mbmaster"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mbclient.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
transport: rtu-over-tcp
address: 10.0.0.7
port: 4001
timeout: 250ms
keep_connection: false
unit: 17
log_level: debug
output: yaml
poll:
  interval: 2s
  requests:
    - name: temperature
      function: 4
      address: 100
      quantity: 2
    - name: vendor
      unit: 3
      pdu: "2B 0E 01 00"
      response_size: 12
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	unit3 := uint8(3)
	keep := false
	want := &Config{
		Transport:      TransportRTUOverTCP,
		Address:        "10.0.0.7",
		Port:           4001,
		Timeout:        250 * time.Millisecond,
		KeepConnection: &keep,
		Unit:           17,
		LogLevel:       "debug",
		Output:         "yaml",
		Poll: PollConfig{
			Interval: 2 * time.Second,
			Requests: []PollRequestConfig{
				{Name: "temperature", Function: 4, Address: 100, Quantity: 2},
				{Name: "vendor", Unit: &unit3, PDU: "2B 0E 01 00", ResponseSize: 12},
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	tr, err := cfg.NewTransporter(nil)
	if err != nil {
		t.Fatalf("NewTransporter failed: %v", err)
	}
	if _, ok := tr.(*modbus.RTUOverTCPTransporter); !ok {
		t.Errorf("transporter = %T, want *RTUOverTCPTransporter", tr)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	tr, err := cfg.NewTransporter(nil)
	if err != nil {
		t.Fatalf("NewTransporter failed: %v", err)
	}
	if _, ok := tr.(*modbus.UDPTransporter); !ok {
		t.Errorf("transporter = %T, want *UDPTransporter", tr)
	}

	cfg.Transport = TransportTCP
	tr, err = cfg.NewTransporter(nil)
	if err != nil {
		t.Fatalf("NewTransporter(tcp) failed: %v", err)
	}
	if _, ok := tr.(*modbus.TCPTransporter); !ok {
		t.Errorf("transporter = %T, want *TCPTransporter", tr)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want os.ErrNotExist", err)
	}
	if _, err := LoadConfig(writeConfig(t, "timeout: [")); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "serial" }},
		{"rtu over tcp without port", func(c *Config) { c.Transport = TransportRTUOverTCP }},
		{"empty address", func(c *Config) { c.Address = "" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad output", func(c *Config) { c.Output = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestPollRequestConfig_BuildPDU(t *testing.T) {
	pdu, size, err := PollRequestConfig{Name: "hr", Function: 3, Address: 0x10, Quantity: 2}.BuildPDU()
	if err != nil {
		t.Fatalf("BuildPDU failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x03, 0x00, 0x10, 0x00, 0x02}, pdu); diff != "" {
		t.Errorf("pdu mismatch (-want +got):\n%s", diff)
	}
	if size != nil {
		t.Error("standard request should use the standard size rule")
	}

	pdu, size, err = PollRequestConfig{Name: "raw", PDU: "0x2b 0e 01 00", ResponseSize: 9}.BuildPDU()
	if err != nil {
		t.Fatalf("BuildPDU failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x2B, 0x0E, 0x01, 0x00}, pdu); diff != "" {
		t.Errorf("pdu mismatch (-want +got):\n%s", diff)
	}
	if size == nil || size(pdu) != 9 {
		t.Error("explicit response size not applied")
	}

	if _, _, err := (PollRequestConfig{Name: "write", Function: 6}).BuildPDU(); err == nil {
		t.Error("write functions cannot be polled")
	}
	if _, _, err := (PollRequestConfig{Name: "big", Function: 3, Quantity: 200}).BuildPDU(); err == nil {
		t.Error("oversize quantity should fail")
	}
	if _, _, err := (PollRequestConfig{Name: "bad", PDU: "zz"}).BuildPDU(); err == nil {
		t.Error("invalid hex should fail")
	}
}

func TestConfig_PointGroups(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "points.csv")
	csvData := "name,unit,function,address,data_type\nlevel,0,4,20,uint16\nvalve,5,1,3,\n"
	if err := os.WriteFile(csvPath, []byte(csvData), 0o600); err != nil {
		t.Fatalf("write points: %v", err)
	}
	cfg, err := LoadConfig(writeConfig(t, `
unit: 7
points_file: `+csvPath+`
points:
  - name: temp
    function: 3
    address: 10
    data_type: int16
    scale: 0.1
  - name: total
    unit: 7
    function: 3
    address: 11
    data_type: uint32
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	groups, err := cfg.PointGroups()
	if err != nil {
		t.Fatalf("PointGroups failed: %v", err)
	}
	var names []string
	for _, g := range groups {
		names = append(names, g.Name())
	}
	want := []string{"unit5/fc1/3+1", "unit7/fc3/10+3", "unit7/fc4/20+1"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	cfg.PointsFile = filepath.Join(t.TempDir(), "missing.csv")
	if _, err := cfg.PointGroups(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing points file: got %v, want os.ErrNotExist", err)
	}
}
