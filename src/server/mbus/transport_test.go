package mbus

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	rx      bytes.Buffer
	tx      bytes.Buffer
	closed  bool
	readErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.rx.Len() == 0 {
		return 0, nil
	}
	return p.rx.Read(b)
}
func (p *fakePort) Open(*serial.Config) error    { return nil }
func (p *fakePort) Write(b []byte) (int, error) { return p.tx.Write(b) }
func (p *fakePort) Close() error                { p.closed = true; return nil }

func fakeSerial(t *testing.T) *[]serial.Config {
	t.Helper()
	var opened []serial.Config
	old := openSerial
	openSerial = func(c *serial.Config) (serial.Port, error) {
		opened = append(opened, *c)
		if c.Address == "/dev/missing" {
			return nil, errors.New("no such file or directory")
		}
		return &fakePort{}, nil
	}
	t.Cleanup(func() { openSerial = old })
	return &opened
}

func TestSerialTransport(t *testing.T) {
	opened := fakeSerial(t)
	tr := NewSerialTransport("/dev/ttyUSB0")

	_, err := tr.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, tr.Open())
	require.Len(t, *opened, 1)
	cfg := (*opened)[0]
	assert.Equal(t, 2400, cfg.BaudRate)
	assert.Equal(t, "E", cfg.Parity)
	assert.Equal(t, 8, cfg.DataBits)
	assert.Equal(t, 300*time.Millisecond, cfg.Timeout)

	_, err = tr.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrTimeout, "empty read is a timeout")

	require.NoError(t, tr.SetBaudRate(300))
	require.Len(t, *opened, 2, "baud change reopens the port")
	assert.Equal(t, 1300*time.Millisecond, (*opened)[1].Timeout)
	assert.Equal(t, 300, tr.BaudRate())
	assert.Equal(t, "serial /dev/ttyUSB0@300", tr.String())

	assert.ErrorIs(t, tr.SetBaudRate(115200), ErrUnsupportedBaudRate)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestSerialTransportTimeoutMapping(t *testing.T) {
	fakeSerial(t)
	tr := NewSerialTransport("/dev/ttyUSB0")
	require.NoError(t, tr.Open())
	tr.port.(*fakePort).readErr = serial.ErrTimeout

	_, err := tr.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerialTransportOpenFails(t *testing.T) {
	fakeSerial(t)
	h := NewHandle(NewSerialTransport("/dev/missing"), testLogger())
	assert.ErrorContains(t, h.Connect(), "no such file")
}

func TestSerialResponseTimeout(t *testing.T) {
	tests := map[int]time.Duration{
		300:   1300 * time.Millisecond,
		600:   800 * time.Millisecond,
		1200:  500 * time.Millisecond,
		2400:  300 * time.Millisecond,
		38400: 300 * time.Millisecond,
	}
	for baud, want := range tests {
		assert.Equal(t, want, serialResponseTimeout(baud), "baud %d", baud)
	}
}

func TestTCPTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// echo the SND_NKE with an ACK, then stay silent
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte{FrameACK})
		conn.Read(buf)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewTCPTransport("127.0.0.1", addr.Port)
	tr.SetTimeout(0)
	assert.Equal(t, DefaultTCPTimeout, tr.Timeout())
	tr.SetTimeout(100 * time.Millisecond)

	h := NewHandle(tr, testLogger())
	require.NoError(t, h.Connect())
	require.NoError(t, h.SendFrame(NewShortFrame(ControlSndNke, AddressNetworkLayer)))

	f, err := h.ReceiveFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeACK, f.Type)

	_, err = h.ReceiveFrame()
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, h.Disconnect())
	_, err = tr.Write([]byte{0})
	assert.ErrorIs(t, err, ErrNotConnected)
}
