package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePorts(ports []string, err error) func() {
	old := getPortsList
	getPortsList = func() ([]string, error) { return ports, err }
	return func() { getPortsList = old }
}

func TestListSerialPorts(t *testing.T) {
	defer fakePorts([]string{"/dev/ttyS1", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyUSB0"}, nil)()

	ports, err := ListSerialPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyS1"}, ports)
	assert.Equal(t, "/dev/ttyUSB0", DefaultSerialPort("/dev/ttyS0"))
}

func TestListSerialPortsEmpty(t *testing.T) {
	defer fakePorts(nil, nil)()

	ports, err := ListSerialPorts()
	require.NoError(t, err)
	assert.NotNil(t, ports)
	assert.Empty(t, ports)
	assert.Equal(t, "/dev/ttyS0", DefaultSerialPort("/dev/ttyS0"))
}

func TestListSerialPortsError(t *testing.T) {
	defer fakePorts(nil, errors.New("permission denied"))()

	_, err := ListSerialPorts()
	assert.ErrorContains(t, err, "permission denied")
	assert.Equal(t, "/dev/ttyS2", DefaultSerialPort("/dev/ttyS2"))
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{5 * time.Minute, "5m"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{25*time.Hour + 10*time.Minute, "1d 1h 10m"},
		{48 * time.Hour, "2d 0h 0m"},
		{30 * time.Second, "0m"}, // Integer division results in 0m
	}

	for _, tt := range tests {
		result := FormatUptime(tt.duration)
		if result != tt.expected {
			t.Errorf("FormatUptime(%v) = %s; want %s", tt.duration, result, tt.expected)
		}
	}
}
