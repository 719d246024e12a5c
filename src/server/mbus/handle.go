package mbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProbeResult is the outcome of a secondary address selection.
type ProbeResult int

const (
	ProbeNothing ProbeResult = iota
	ProbeSingle
	ProbeCollision
	ProbeError
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeNothing:
		return "nothing"
	case ProbeSingle:
		return "single"
	case ProbeCollision:
		return "collision"
	}
	return "error"
}

// maxPurgeFrames bounds how long a chattering bus can keep PurgeFrames busy.
const maxPurgeFrames = 64

// Handle runs M-Bus primitives over a Transport. It is not safe for
// concurrent use; callers serialize access.
type Handle struct {
	transport Transport
	log       zerolog.Logger
	connected bool
}

func NewHandle(t Transport, logger zerolog.Logger) *Handle {
	return &Handle{
		transport: t,
		log:       logger.With().Str("link", t.String()).Logger(),
	}
}

// NewSerialHandle returns a handle for an 8E1 serial line at the default speed.
func NewSerialHandle(device string, logger zerolog.Logger) *Handle {
	return NewHandle(NewSerialTransport(device), logger)
}

// NewTCPHandle returns a handle for a TCP serial gateway.
func NewTCPHandle(host string, port int, logger zerolog.Logger) *Handle {
	return NewHandle(NewTCPTransport(host, port), logger)
}

func (h *Handle) Connect() error {
	if err := h.transport.Open(); err != nil {
		return err
	}
	h.connected = true
	h.log.Debug().Msg("link open")
	return nil
}

func (h *Handle) Disconnect() error {
	if !h.connected {
		return ErrNotConnected
	}
	h.connected = false
	h.log.Debug().Msg("link closed")
	return h.transport.Close()
}

// SetBaudRate changes the serial line speed.
func (h *Handle) SetBaudRate(baud int) error {
	bs, ok := h.transport.(BaudRateSetter)
	if !ok {
		return fmt.Errorf("%w: %s has no baud rate", ErrUnsupportedBaudRate, h.transport)
	}
	return bs.SetBaudRate(baud)
}

// SetResponseTimeout changes the TCP response timeout. Serial timeouts follow the baud rate.
func (h *Handle) SetResponseTimeout(d time.Duration) error {
	t, ok := h.transport.(*TCPTransport)
	if !ok {
		return fmt.Errorf("mbus: response timeout not configurable on %s", h.transport)
	}
	t.SetTimeout(d)
	return nil
}

func (h *Handle) String() string {
	return h.transport.String()
}

// SendFrame writes one frame to the link.
func (h *Handle) SendFrame(f *Frame) error {
	if !h.connected {
		return ErrNotConnected
	}
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := h.transport.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", f, err)
	}
	return nil
}

// ReceiveFrame reads one frame, returning ErrTimeout if the line stays idle.
func (h *Handle) ReceiveFrame() (*Frame, error) {
	if !h.connected {
		return nil, ErrNotConnected
	}
	f, err := ReadFrame(h.transport)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return f, nil
}

// PurgeFrames drains the line and reports whether anything was received.
func (h *Handle) PurgeFrames() bool {
	received := false
	for i := 0; i < maxPurgeFrames; i++ {
		_, err := h.ReceiveFrame()
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected) {
			break
		}
		received = true
	}
	return received
}

// SendPing sends SND_NKE to addr, optionally draining any reply.
func (h *Handle) SendPing(addr int, purge bool) error {
	if err := h.SendFrame(NewShortFrame(ControlSndNke, addr)); err != nil {
		return err
	}
	if purge {
		h.PurgeFrames()
	}
	return nil
}

// SelectSecondary selects the slaves matching mask for subsequent network layer requests.
func (h *Handle) SelectSecondary(mask string) (ProbeResult, error) {
	data, err := PackSecondaryMask(mask)
	if err != nil {
		return ProbeError, err
	}
	if err := h.SendFrame(NewLongFrame(ControlSndUd, AddressNetworkLayer, CISelectSecondary, data)); err != nil {
		return ProbeError, err
	}

	reply, err := h.ReceiveFrame()
	switch {
	case errors.Is(err, ErrTimeout):
		return ProbeNothing, nil
	case err != nil:
		// overlapping answers garble the frame
		h.PurgeFrames()
		h.log.Debug().Err(err).Str("mask", mask).Msg("select reply invalid")
		return ProbeCollision, nil
	}

	if reply.Type == FrameTypeACK {
		if h.PurgeFrames() {
			return ProbeCollision, nil
		}
		return ProbeSingle, nil
	}
	return ProbeError, fmt.Errorf("%w: select answered with %s", ErrUnsupportedFrame, reply)
}

// ProbeSecondary selects mask and, when exactly one slave matches, reads its
// full secondary address.
func (h *Handle) ProbeSecondary(mask string) (ProbeResult, string, error) {
	res, err := h.SelectSecondary(mask)
	if res != ProbeSingle {
		return res, "", err
	}

	if err := h.SendFrame(NewShortFrame(ControlReqUd2, AddressNetworkLayer)); err != nil {
		return ProbeError, "", err
	}
	reply, err := h.ReceiveFrame()
	switch {
	case errors.Is(err, ErrTimeout):
		return ProbeNothing, "", nil
	case err != nil:
		h.PurgeFrames()
		return ProbeCollision, "", nil
	}

	if reply.Type != FrameTypeLong {
		h.log.Warn().Str("mask", mask).Stringer("frame", reply).Msg("unexpected reply to probe request")
		return ProbeNothing, "", nil
	}
	addr, err := SecondaryAddressFromFrame(reply)
	if err != nil {
		return ProbeError, "", err
	}
	return ProbeSingle, addr, nil
}

// RequestData sends REQ_UD2 to addr and collects the reply chain, toggling
// FCB while the slave signals more records, up to maxFrames frames.
func (h *Handle) RequestData(addr, maxFrames int) (*Reply, error) {
	if maxFrames < 1 {
		maxFrames = 1
	}
	reply := &Reply{}
	fcb := true
	for len(reply.Frames) < maxFrames {
		ctrl := ControlReqUd2
		if fcb {
			ctrl |= ControlMaskFCB
		}
		if err := h.SendFrame(NewShortFrame(ctrl, addr)); err != nil {
			return nil, err
		}
		f, err := h.ReceiveFrame()
		if err != nil {
			return nil, fmt.Errorf("request data from %d: %w", addr, err)
		}
		if f.Type != FrameTypeLong {
			return nil, fmt.Errorf("%w: data request answered with %s", ErrUnsupportedFrame, f)
		}
		reply.Frames = append(reply.Frames, f)

		if f.CI != CIResponseVariable && f.CI != CIResponseVarMSB {
			break
		}
		vd, err := DecodeVariableData(f.Data)
		if err != nil || !vd.MoreRecordsFollow {
			break
		}
		fcb = !fcb
	}
	h.log.Debug().Int("address", addr).Int("frames", len(reply.Frames)).Msg("data received")
	return reply, nil
}

// SetPrimaryAddress asks the slave at addr to move to newAddr. The slave's
// acknowledgement is read separately with ReceiveFrame.
func (h *Handle) SetPrimaryAddress(addr, newAddr int) error {
	if !IsPrimaryAddress(newAddr) || IsReservedAddress(newAddr) {
		return fmt.Errorf("%w: %d is not assignable", ErrInvalidAddress, newAddr)
	}
	// DIF 0x01 (8 bit integer), VIF 0x7A (bus address)
	data := []byte{0x01, 0x7A, byte(newAddr)}
	return h.SendFrame(NewLongFrame(ControlSndUd, addr, CIDataSend, data))
}
