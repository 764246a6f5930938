package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Line kinds emitted by the register bridge.
const (
	LineReadReply = "read_reply" // "= <addr> <value>"
	LineWriteAck  = "write_ack"  // "OK <addr>"
	LineError     = "error"      // "ERR <text>"
	LineIRQ       = "irq"        // "IRQ <class>"
	LineUnknown   = "unknown"
)

// ClassifyPayload inspects a line from the bridge and returns its kind.
func ClassifyPayload(payload string) string {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return LineUnknown
	}
	switch fields[0] {
	case "=":
		return LineReadReply
	case "OK":
		return LineWriteAck
	case "ERR":
		return LineError
	case "IRQ":
		return LineIRQ
	default:
		return LineUnknown
	}
}

// ParseReadReply parses "= <addr> <value>".
func ParseReadReply(payload string) (addr, value uint32, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 || fields[0] != "=" {
		return 0, 0, fmt.Errorf("malformed read reply %q", payload)
	}
	if addr, err = parseWord(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("read reply address: %w", err)
	}
	if value, err = parseWord(fields[2]); err != nil {
		return 0, 0, fmt.Errorf("read reply value: %w", err)
	}
	return addr, value, nil
}

// ParseWriteAck parses "OK <addr>".
func ParseWriteAck(payload string) (uint32, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 || fields[0] != "OK" {
		return 0, fmt.Errorf("malformed write ack %q", payload)
	}
	return parseWord(fields[1])
}

// ParseIRQ parses "IRQ <class>" where class is a decimal interrupt number.
func ParseIRQ(payload string) (uint8, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 || fields[0] != "IRQ" {
		return 0, fmt.Errorf("malformed irq line %q", payload)
	}
	n, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("irq class: %w", err)
	}
	return uint8(n), nil
}

// FormatRead and FormatWrite build the host-side commands.
func FormatRead(addr uint32) string {
	return fmt.Sprintf("R 0x%08x", addr)
}

func FormatWrite(addr, value uint32) string {
	return fmt.Sprintf("W 0x%08x 0x%08x", addr, value)
}

func parseWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
