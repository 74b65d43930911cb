package ecat

import "fmt"

// State is a device's application-layer state as reported by the AL status register.
type State uint16

// Application-layer states.
//
// The error indication bit read back from a device and the acknowledge bit
// written to request fault acknowledgement share the same position.
const (
	StateNone        State = 0x00
	StateInit        State = 0x01
	StatePreOp       State = 0x02
	StateBoot        State = 0x03
	StateSafeOp      State = 0x04
	StateOperational State = 0x08

	StateError State = 0x10
	StateAck   State = 0x10
)

// Base returns the state without the error/ack bit.
func (s State) Base() State {
	return s &^ StateError
}

// HasError reports whether the error indication bit is set.
func (s State) HasError() bool {
	return s&StateError != 0
}

// String returns the state name, e.g. "SAFE_OP+ERROR".
func (s State) String() string {
	var name string
	switch s.Base() {
	case StateNone:
		name = "NONE"
	case StateInit:
		name = "INIT"
	case StatePreOp:
		name = "PRE_OP"
	case StateBoot:
		name = "BOOT"
	case StateSafeOp:
		name = "SAFE_OP"
	case StateOperational:
		name = "OP"
	default:
		name = fmt.Sprintf("0x%02X", uint16(s.Base()))
	}
	if s.HasError() {
		name += "+ERROR"
	}
	return name
}

// alStatusDescriptions maps standard AL status codes to their descriptions.
var alStatusDescriptions = map[uint16]string{
	0x0000: "No error",
	0x0001: "Unspecified error",
	0x0002: "No memory",
	0x0011: "Invalid requested state change",
	0x0012: "Unknown requested state",
	0x0013: "Bootstrap not supported",
	0x0014: "No valid firmware",
	0x0015: "Invalid mailbox configuration (BOOT)",
	0x0016: "Invalid mailbox configuration (PREOP)",
	0x0017: "Invalid sync manager configuration",
	0x0018: "No valid inputs available",
	0x0019: "No valid outputs",
	0x001A: "Synchronization error",
	0x001B: "Sync manager watchdog",
	0x001C: "Invalid sync manager types",
	0x001D: "Invalid output configuration",
	0x001E: "Invalid input configuration",
	0x001F: "Invalid watchdog configuration",
	0x0020: "Slave needs cold start",
	0x0021: "Slave needs INIT",
	0x0022: "Slave needs PREOP",
	0x0023: "Slave needs SAFEOP",
	0x0024: "Invalid input mapping",
	0x0025: "Invalid output mapping",
	0x0026: "Inconsistent settings",
	0x0027: "Freerun not supported",
	0x0028: "Synchronisation not supported",
	0x0029: "Freerun needs 3 buffer mode",
	0x002A: "Background watchdog",
	0x002B: "No valid inputs and outputs",
	0x002C: "Fatal sync error",
	0x002D: "No sync error",
	0x0030: "Invalid DC SYNC configuration",
	0x0031: "Invalid DC latch configuration",
	0x0032: "PLL error",
	0x0033: "DC sync IO error",
	0x0034: "DC sync timeout error",
	0x0035: "DC invalid sync cycle time",
	0x0036: "DC invalid sync0 cycle time",
	0x0037: "DC invalid sync1 cycle time",
	0x0041: "MBX_AOE",
	0x0042: "MBX_EOE",
	0x0043: "MBX_COE",
	0x0044: "MBX_FOE",
	0x0045: "MBX_SOE",
	0x004F: "MBX_VOE",
	0x0050: "EEPROM no access",
	0x0051: "EEPROM error",
	0x0060: "Slave restarted locally",
	0x0061: "Device identification value updated",
	0x00F0: "Application controller available",
}

// ALStatusDescription returns the standard description for an AL status code.
func ALStatusDescription(code uint16) string {
	if d, ok := alStatusDescriptions[code]; ok {
		return d
	}
	return "Unknown"
}
