// Package mastertest provides an in-memory M-Bus segment for tests of code
// built on master.Master.
package mastertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mbus-master-utils/src/server/mbus"
)

// Device is a simulated slave.
type Device struct {
	Secondary string
	Primary   int
	// BadData makes the device answer with a frame that cannot be decoded
	BadData bool

	selected bool
}

// Bus simulates the protocol layer of a master. It satisfies master.Bus.
// Error fields are injected by tests before the bus is used.
type Bus struct {
	mu      sync.Mutex
	devices []*Device
	calls   []string

	connected bool
	baud      int
	timeout   time.Duration

	ConnectErr error
	BaudErr    error
	PingErr    error
	// TargetPingErr fails pings to anything but the network layer
	TargetPingErr error
	// ProbeErr fails selection and probing of this exact mask
	ProbeErr string
	// SetReply overrides the answer to a set primary address command
	SetReply  *mbus.Frame
	SetSilent bool
	// RequestHold blocks data requests until closed
	RequestHold chan struct{}

	pending *mbus.Frame
}

func NewBus(devices ...*Device) *Bus {
	return &Bus{devices: devices}
}

func (b *Bus) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

// CallCount counts the recorded calls starting with prefix, e.g. "ping" or
// "probe 1234".
func (b *Bus) CallCount(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (b *Bus) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bus) BaudRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baud
}

func (b *Bus) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}

func (b *Bus) Connect() error {
	b.record("connect")
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Bus) Disconnect() error {
	b.record("disconnect")
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *Bus) SetBaudRate(baud int) error {
	b.record("baud")
	if b.BaudErr != nil {
		return b.BaudErr
	}
	b.mu.Lock()
	b.baud = baud
	b.mu.Unlock()
	return nil
}

func (b *Bus) SetResponseTimeout(d time.Duration) error {
	b.record("timeout")
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
	return nil
}

func (b *Bus) SendPing(addr int, purge bool) error {
	b.record("ping")
	if b.PingErr != nil {
		return b.PingErr
	}
	if addr != mbus.AddressNetworkLayer && b.TargetPingErr != nil {
		return b.TargetPingErr
	}
	b.pending = nil
	if addr == mbus.AddressNetworkLayer {
		for _, d := range b.devices {
			d.selected = false
		}
		return nil
	}
	for _, d := range b.devices {
		if d.Primary == addr && !purge {
			b.pending = &mbus.Frame{Type: mbus.FrameTypeACK}
		}
	}
	return nil
}

func (b *Bus) matching(mask string) []*Device {
	var out []*Device
	for _, d := range b.devices {
		if MaskMatches(mask, d.Secondary) {
			out = append(out, d)
		}
	}
	return out
}

// MaskMatches reports whether a secondary address matches mask.
func MaskMatches(mask, addr string) bool {
	if len(mask) != len(addr) {
		return false
	}
	for i := 0; i < len(mask); i++ {
		if !mbus.IsWildcard(mask[i]) && mask[i] != addr[i] {
			return false
		}
	}
	return true
}

func (b *Bus) SelectSecondary(mask string) (mbus.ProbeResult, error) {
	b.record("select " + mask)
	if mask == b.ProbeErr {
		return mbus.ProbeError, errors.New("line noise")
	}
	m := b.matching(mask)
	switch len(m) {
	case 0:
		return mbus.ProbeNothing, nil
	case 1:
		for _, d := range b.devices {
			d.selected = false
		}
		m[0].selected = true
		return mbus.ProbeSingle, nil
	}
	return mbus.ProbeCollision, nil
}

func (b *Bus) ProbeSecondary(mask string) (mbus.ProbeResult, string, error) {
	b.record("probe " + mask)
	if mask == b.ProbeErr {
		return mbus.ProbeError, "", errors.New("line noise")
	}
	m := b.matching(mask)
	switch len(m) {
	case 0:
		return mbus.ProbeNothing, "", nil
	case 1:
		return mbus.ProbeSingle, m[0].Secondary, nil
	}
	return mbus.ProbeCollision, "", nil
}

func (b *Bus) RequestData(addr, maxFrames int) (*mbus.Reply, error) {
	b.record(fmt.Sprintf("request %d %d", addr, maxFrames))
	if b.RequestHold != nil {
		<-b.RequestHold
	}
	for _, d := range b.devices {
		if (addr == mbus.AddressNetworkLayer && d.selected) || d.Primary == addr {
			return &mbus.Reply{Frames: []*mbus.Frame{d.Frame()}}, nil
		}
	}
	return nil, mbus.ErrTimeout
}

func (b *Bus) SetPrimaryAddress(addr, newAddr int) error {
	b.record("set-primary")
	for _, d := range b.devices {
		if (addr == mbus.AddressNetworkLayer && d.selected) || d.Primary == addr {
			d.Primary = newAddr
			break
		}
	}
	switch {
	case b.SetSilent:
		b.pending = nil
	case b.SetReply != nil:
		b.pending = b.SetReply
	default:
		b.pending = &mbus.Frame{Type: mbus.FrameTypeACK}
	}
	return nil
}

func (b *Bus) ReceiveFrame() (*mbus.Frame, error) {
	b.record("receive")
	f := b.pending
	b.pending = nil
	if f == nil {
		return nil, mbus.ErrTimeout
	}
	return f, nil
}

// Frame builds the variable data response of d: its secondary address as
// header and one energy record of 1234 Wh.
func (d *Device) Frame() *mbus.Frame {
	hdr, err := mbus.PackSecondaryMask(d.Secondary)
	if err != nil {
		panic(err)
	}
	ci := mbus.CIResponseVariable
	if d.BadData {
		ci = mbus.CIResponseFixed
	}
	data := append(hdr, 0x01, 0x00, 0x00, 0x00, 0x04, 0x03, 0xD2, 0x04, 0x00, 0x00)
	return &mbus.Frame{Type: mbus.FrameTypeLong, Control: mbus.ControlRspUd, Address: byte(d.Primary), CI: ci, Data: data}
}
