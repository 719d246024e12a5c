package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

var getPortsList = serial.GetPortsList

// ListSerialPorts returns the serial devices of the host, sorted, with the
// classic ttyS ports after USB adapters.
func ListSerialPorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	sort.SliceStable(ports, func(i, j int) bool {
		bi, bj := isBuiltinPort(ports[i]), isBuiltinPort(ports[j])
		if bi != bj {
			return !bi
		}
		return ports[i] < ports[j]
	})
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}

func isBuiltinPort(name string) bool {
	return strings.HasPrefix(name, "/dev/ttyS")
}

// DefaultSerialPort picks the port a fresh install opens: the first USB
// adapter if any, otherwise fallback.
func DefaultSerialPort(fallback string) string {
	ports, err := ListSerialPorts()
	if err != nil || len(ports) == 0 || isBuiltinPort(ports[0]) {
		return fallback
	}
	return ports[0]
}

// FormatUptime formats a duration into a human-readable string
func FormatUptime(duration time.Duration) string {
	totalSeconds := int(duration.Seconds())
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		return fmt.Sprintf("%dm", minutes)
	}
}
