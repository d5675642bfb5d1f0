package modbus

import "fmt"

// Result is the protocol-level outcome of one transaction.
// Socket failures are not results; they are returned as errors.
type Result int

const (
	ResultOK          Result = iota // Response payload populated
	ResultTimeout                   // No correlated reply before the deadline
	ResultBadResponse               // Reply arrived but failed size, function or CRC checks
	ResultException                 // Device answered with an exception reply
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultBadResponse:
		return "BAD_RESPONSE"
	case ResultException:
		return "EXCEPTION"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}
