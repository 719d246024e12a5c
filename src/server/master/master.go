package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"mbus-master-utils/src/server/mbus"
)

const (
	DefaultSerialDevice = "/dev/ttyS0"
	DefaultTCPHost      = "127.0.0.1"

	// MaxFrames bounds the reply chain of a single data request.
	MaxFrames = 16
)

// Bus is the protocol layer the master drives. *mbus.Handle implements it.
type Bus interface {
	Connect() error
	Disconnect() error
	SetBaudRate(baud int) error
	SetResponseTimeout(d time.Duration) error
	SendPing(addr int, purge bool) error
	SelectSecondary(mask string) (mbus.ProbeResult, error)
	ProbeSecondary(mask string) (mbus.ProbeResult, string, error)
	RequestData(addr, maxFrames int) (*mbus.Reply, error)
	SetPrimaryAddress(addr, newAddr int) error
	ReceiveFrame() (*mbus.Frame, error)
}

type TransportKind string

const (
	TransportSerial TransportKind = "serial"
	TransportTCP    TransportKind = "tcp"
)

// Link describes the physical connection of a master.
type Link struct {
	Transport TransportKind `json:"transport"`
	Device    string        `json:"device,omitempty"`
	BaudRate  int           `json:"baudRate,omitempty"`
	Host      string        `json:"host,omitempty"`
	Port      int           `json:"port,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

func (l Link) String() string {
	if l.Transport == TransportTCP {
		return fmt.Sprintf("tcp %s:%d", l.Host, l.Port)
	}
	return fmt.Sprintf("serial %s@%d", l.Device, l.BaudRate)
}

// BusFactory builds the protocol layer for a link.
type BusFactory func(link Link, logger zerolog.Logger) Bus

func defaultBusFactory(link Link, logger zerolog.Logger) Bus {
	if link.Transport == TransportTCP {
		return mbus.NewTCPHandle(link.Host, link.Port, logger)
	}
	return mbus.NewSerialHandle(link.Device, logger)
}

// Master owns one link to an M-Bus segment and runs at most one bus
// operation at a time.
type Master struct {
	mu        sync.Mutex
	linkLock  sync.RWMutex
	bus       Bus
	link      Link
	busy      *atomic.Bool
	connected *atomic.Bool
	newBus    BusFactory
	log       zerolog.Logger
}

type Option func(*Master)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Master) { m.log = l.With().Str("component", "master").Logger() }
}

func WithBusFactory(f BusFactory) Option {
	return func(m *Master) { m.newBus = f }
}

func New(opts ...Option) *Master {
	m := &Master{
		busy:      atomic.NewBool(false),
		connected: atomic.NewBool(false),
		newBus:    defaultBusFactory,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open dispatches to OpenSerial or OpenTCP.
func (m *Master) Open(link Link) error {
	switch link.Transport {
	case TransportSerial, "":
		return m.OpenSerial(link.Device, link.BaudRate)
	case TransportTCP:
		return m.OpenTCP(link.Host, link.Port, link.Timeout)
	}
	return newError(KindConnectFailed, "unknown transport %q", link.Transport)
}

// OpenSerial opens a serial link. Unsupported baud rates fall back to 2400.
func (m *Master) OpenSerial(device string, baud int) error {
	if device == "" {
		device = DefaultSerialDevice
	}
	if !mbus.IsSupportedBaudRate(baud) {
		m.log.Debug().Int("requested", baud).Int("baud", mbus.DefaultBaudRate).Msg("baud rate not supported, using default")
		baud = mbus.DefaultBaudRate
	}
	link := Link{Transport: TransportSerial, Device: device, BaudRate: baud}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		return newError(KindAlreadyConnected, "already connected to %s", m.link)
	}

	bus := m.newBus(link, m.log)
	if err := bus.Connect(); err != nil {
		return wrapError(KindConnectFailed, err, "failed to connect to %s", device)
	}
	if err := bus.SetBaudRate(baud); err != nil {
		if derr := bus.Disconnect(); derr != nil {
			m.log.Warn().Err(derr).Str("device", device).Msg("disconnect after baud rate failure")
		}
		return wrapError(KindConfigFailed, err, "failed to set baud rate %d on %s", baud, device)
	}

	m.attachLocked(bus, link)
	return nil
}

// OpenTCP opens a link to a TCP serial gateway. A zero timeout keeps the
// transport default.
func (m *Master) OpenTCP(host string, port int, timeout time.Duration) error {
	if host == "" {
		host = DefaultTCPHost
	}
	if port < 0 || port > 65535 {
		return newError(KindInvalidPort, "invalid port %d", port)
	}
	link := Link{Transport: TransportTCP, Host: host, Port: port, Timeout: timeout}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		return newError(KindAlreadyConnected, "already connected to %s", m.link)
	}

	bus := m.newBus(link, m.log)
	if timeout > 0 {
		if err := bus.SetResponseTimeout(timeout); err != nil {
			return wrapError(KindConfigFailed, err, "failed to set timeout on %s", link)
		}
	}
	if err := bus.Connect(); err != nil {
		return wrapError(KindConnectFailed, err, "failed to connect to %s", link)
	}

	m.attachLocked(bus, link)
	return nil
}

func (m *Master) attachLocked(bus Bus, link Link) {
	m.bus = bus
	m.link = link
	m.busy.Store(false)
	m.connected.Store(true)
	m.log.Info().Stringer("link", link).Msg("connected")
}

// Close releases the link. It never interrupts a running operation.
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy.Load() {
		return newError(KindBusy, "communication in progress")
	}
	if m.bus == nil {
		return newError(KindNotConnected, "not connected")
	}
	if err := m.bus.Disconnect(); err != nil {
		m.log.Warn().Err(err).Stringer("link", m.link).Msg("disconnect")
	}
	m.log.Info().Stringer("link", m.link).Msg("closed")
	m.bus = nil
	m.link = Link{}
	m.connected.Store(false)
	return nil
}

// Connected reports whether a link is open.
func (m *Master) Connected() bool {
	return m.connected.Load()
}

// CommunicationInProgress reports whether an operation holds the bus.
func (m *Master) CommunicationInProgress() bool {
	return m.busy.Load()
}

// Status is a point-in-time view of the master.
type Status struct {
	Connected bool  `json:"connected"`
	Busy      bool  `json:"communicationInProgress"`
	Link      *Link `json:"link,omitempty"`
}

func (m *Master) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Connected: m.bus != nil, Busy: m.busy.Load()}
	if m.bus != nil {
		link := m.link
		st.Link = &link
	}
	return st
}

// submit runs op on a worker goroutine with the link held exclusively.
// It fails fast without touching the bus when the master is closed or busy.
func submit[T any](m *Master, name string, op func(bus Bus) (T, error)) *Future[T] {
	m.mu.Lock()
	if m.bus == nil {
		m.mu.Unlock()
		return failedFuture[T](newError(KindNotConnected, "not connected"))
	}
	if !m.busy.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return failedFuture[T](newError(KindBusy, "communication in progress"))
	}
	bus := m.bus
	m.mu.Unlock()

	f := newFuture[T]()
	go func() {
		start := time.Now()
		val, err := exchange(m, bus, name, op)
		m.busy.Store(false)
		if err != nil {
			m.log.Warn().Err(err).Str("op", name).Dur("took", time.Since(start)).Msg("operation failed")
		} else {
			m.log.Debug().Str("op", name).Dur("took", time.Since(start)).Msg("operation done")
		}
		f.complete(val, err)
	}()
	return f
}

func exchange[T any](m *Master, bus Bus, name string, op func(bus Bus) (T, error)) (val T, err error) {
	m.linkLock.Lock()
	defer m.linkLock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindUnknown, "%s: panic: %v", name, r)
		}
	}()
	return op(bus)
}
