package mbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

var (
	ErrTimeout             = errors.New("mbus: timeout")
	ErrNotConnected        = errors.New("mbus: not connected")
	ErrUnsupportedBaudRate = errors.New("mbus: unsupported baud rate")
	ErrUnsupportedFrame    = errors.New("mbus: unsupported frame")
)

// DefaultBaudRate is the line speed slaves ship with.
const DefaultBaudRate = 2400

// DefaultTCPTimeout is the per-read response timeout on TCP links.
const DefaultTCPTimeout = 4 * time.Second

// Transport carries raw bytes to and from the bus. Read returns ErrTimeout
// when nothing arrives within the transport's response timeout.
type Transport interface {
	io.ReadWriter
	Open() error
	Close() error
	String() string
}

// BaudRateSetter is implemented by transports whose line speed can change.
type BaudRateSetter interface {
	SetBaudRate(baud int) error
}

// SupportedBaudRates lists the line speeds accepted by SetBaudRate.
var SupportedBaudRates = []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400}

// IsSupportedBaudRate reports whether baud is one of SupportedBaudRates.
func IsSupportedBaudRate(baud int) bool {
	for _, b := range SupportedBaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

// serialResponseTimeout scales the inter-frame timeout with the line speed.
func serialResponseTimeout(baud int) time.Duration {
	switch baud {
	case 300:
		return 1300 * time.Millisecond
	case 600:
		return 800 * time.Millisecond
	case 1200:
		return 500 * time.Millisecond
	}
	return 300 * time.Millisecond
}

// SerialTransport is an 8E1 serial line.
type SerialTransport struct {
	mu   sync.Mutex
	cfg  serial.Config
	port serial.Port
}

// openSerial is swapped in tests.
var openSerial = serial.Open

func NewSerialTransport(device string) *SerialTransport {
	return &SerialTransport{
		cfg: serial.Config{
			Address:  device,
			BaudRate: DefaultBaudRate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "E",
			Timeout:  serialResponseTimeout(DefaultBaudRate),
		},
	}
}

func (t *SerialTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	p, err := openSerial(&t.cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.cfg.Address, err)
	}
	t.port = p
	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// SetBaudRate reopens the port at the new speed if it is already open.
func (t *SerialTransport) SetBaudRate(baud int) error {
	if !IsSupportedBaudRate(baud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, baud)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.BaudRate = baud
	t.cfg.Timeout = serialResponseTimeout(baud)
	if t.port == nil {
		return nil
	}
	if err := t.port.Close(); err != nil {
		t.port = nil
		return err
	}
	p, err := openSerial(&t.cfg)
	if err != nil {
		t.port = nil
		return fmt.Errorf("reopen %s at %d: %w", t.cfg.Address, baud, err)
	}
	t.port = p
	return nil
}

// BaudRate returns the configured line speed.
func (t *SerialTransport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.BaudRate
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Read(p)
	if errors.Is(err, serial.ErrTimeout) || (n == 0 && err == nil) {
		return n, ErrTimeout
	}
	return n, err
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Write(p)
}

func (t *SerialTransport) String() string {
	return fmt.Sprintf("serial %s@%d", t.cfg.Address, t.cfg.BaudRate)
}

// TCPTransport talks to a serial gateway over TCP.
type TCPTransport struct {
	mu      sync.Mutex
	addr    string
	timeout time.Duration
	conn    net.Conn
}

func NewTCPTransport(host string, port int) *TCPTransport {
	return &TCPTransport{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: DefaultTCPTimeout,
	}
}

// SetTimeout changes the response timeout; non-positive values are ignored.
func (t *TCPTransport) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
}

func (t *TCPTransport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *TCPTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", t.addr, t.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	conn, timeout := t.conn, t.timeout
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, ErrTimeout
	}
	return n, err
}

func (t *TCPTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	conn, timeout := t.conn, t.timeout
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return conn.Write(p)
}

func (t *TCPTransport) String() string {
	return "tcp " + t.addr
}
