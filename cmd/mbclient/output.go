package main

import (
	"fmt"
	"io"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"gopkg.in/yaml.v3"
)

// readReport is the output of the read commands.
type readReport struct {
	Unit      uint8    `yaml:"unit"`
	Function  uint8    `yaml:"function"`
	Address   uint16   `yaml:"address"`
	Registers []uint16 `yaml:"registers,omitempty"`
	Bits      []bool   `yaml:"bits,omitempty"`
}

// rawReport is the output of the raw command.
type rawReport struct {
	Unit      uint8  `yaml:"unit"`
	Request   string `yaml:"request"`
	Result    string `yaml:"result"`
	Response  string `yaml:"response,omitempty"`
	Exception string `yaml:"exception,omitempty"`
}

// pollReport is one poll result.
type pollReport struct {
	Name      string    `yaml:"name"`
	Unit      uint8     `yaml:"unit"`
	Result    string    `yaml:"result"`
	Response  string    `yaml:"response,omitempty"`
	Exception string    `yaml:"exception,omitempty"`
	Time      time.Time `yaml:"time"`
}

// pointsReport is a set of decoded points.
type pointsReport struct {
	Time   time.Time           `yaml:"time"`
	Points []modbus.PointValue `yaml:"points"`
}

func newPollReport(r modbus.PollResult) *pollReport {
	report := &pollReport{
		Name:     r.Name,
		Unit:     r.ServerID,
		Result:   r.Result.String(),
		Response: fmt.Sprintf("% X", r.Response),
		Time:     r.Time,
	}
	if r.Exception != nil {
		report.Exception = r.Exception.Error()
	}
	return report
}

// render writes v as text or as a YAML document.
func render(w io.Writer, format string, v any) error {
	if format == "yaml" {
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "---\n%s", b)
		return err
	}

	switch r := v.(type) {
	case *readReport:
		for i, reg := range r.Registers {
			fmt.Fprintf(w, "%d\t%d\t0x%04X\n", int(r.Address)+i, reg, reg)
		}
		for i, bit := range r.Bits {
			fmt.Fprintf(w, "%d\t%t\n", int(r.Address)+i, bit)
		}
	case *rawReport:
		fmt.Fprintf(w, "result: %s\n", r.Result)
		if r.Response != "" {
			fmt.Fprintf(w, "response: %s\n", r.Response)
		}
		if r.Exception != "" {
			fmt.Fprintf(w, "exception: %s\n", r.Exception)
		}
	case *pollReport:
		fmt.Fprintf(w, "%s\t%s\tunit=%d\t%s\t%s\n",
			r.Time.Format(time.RFC3339), r.Name, r.Unit, r.Result, r.Response)
	case *pointsReport:
		for _, p := range r.Points {
			fmt.Fprintf(w, "%s\t%v\t%g\n", p.Name, p.Value, p.Float64)
		}
	default:
		return fmt.Errorf("cannot render %T", v)
	}
	return nil
}
