package mbus

import (
	"errors"
	"fmt"
	"io"
)

// FT1.2 framing (EN 13757-2)
const (
	FrameACK   byte = 0xE5
	StartShort byte = 0x10
	StartLong  byte = 0x68
	StopChar   byte = 0x16

	// MaxDataLen is the largest user data block a long frame can carry (L <= 255).
	MaxDataLen = 252
)

// Control field codes, master to slave.
const (
	ControlSndNke  byte = 0x40
	ControlSndUd   byte = 0x53
	ControlReqUd2  byte = 0x5B
	ControlReqUd1  byte = 0x5A
	ControlMaskFCB byte = 0x20
	ControlMaskFCV byte = 0x10
	ControlMaskDir byte = 0x40

	// ControlRspUd is the slave response code; ACD/DFC bits may be set on top.
	ControlRspUd byte = 0x08
)

// Control information field codes.
const (
	CIDataSend         byte = 0x51
	CISelectSecondary  byte = 0x52
	CIResponseVariable byte = 0x72
	CIResponseVarMSB   byte = 0x76
	CIResponseFixed    byte = 0x73
	CIResponseFixedMSB byte = 0x77
)

// Special primary addresses.
const (
	AddressNetworkLayer     = 0xFD
	AddressBroadcastReply   = 0xFE
	AddressBroadcastNoReply = 0xFF
	AddressMaxPrimary       = 0xFF
)

type FrameType int

const (
	FrameTypeACK FrameType = iota
	FrameTypeShort
	FrameTypeControl
	FrameTypeLong
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeACK:
		return "ack"
	case FrameTypeShort:
		return "short"
	case FrameTypeControl:
		return "control"
	case FrameTypeLong:
		return "long"
	}
	return "unknown"
}

var (
	ErrInvalidStartChar = errors.New("mbus: invalid start character")
	ErrInvalidStopChar  = errors.New("mbus: invalid stop character")
	ErrLengthMismatch   = errors.New("mbus: length fields do not match")
	ErrChecksumMismatch = errors.New("mbus: checksum mismatch")
	ErrFrameTooLong     = errors.New("mbus: frame data exceeds maximum length")
	ErrInvalidFrame     = errors.New("mbus: invalid frame")
)

// Frame is a single M-Bus link layer frame.
type Frame struct {
	Type    FrameType
	Control byte
	Address byte
	CI      byte
	Data    []byte
}

// NewShortFrame builds a short frame (10 C A CS 16).
func NewShortFrame(control byte, address int) *Frame {
	return &Frame{Type: FrameTypeShort, Control: control, Address: byte(address)}
}

// NewLongFrame builds a long frame; with no data it is encoded as a control frame.
func NewLongFrame(control byte, address int, ci byte, data []byte) *Frame {
	t := FrameTypeLong
	if len(data) == 0 {
		t = FrameTypeControl
	}
	return &Frame{Type: t, Control: control, Address: byte(address), CI: ci, Data: data}
}

func checksum(control, address, ci byte, data []byte, withCI bool) byte {
	sum := control + address
	if withCI {
		sum += ci
	}
	for _, b := range data {
		sum += b
	}
	return sum
}

// MarshalBinary encodes the frame to its wire representation.
func (f *Frame) MarshalBinary() ([]byte, error) {
	switch f.Type {
	case FrameTypeACK:
		return []byte{FrameACK}, nil
	case FrameTypeShort:
		return []byte{StartShort, f.Control, f.Address, checksum(f.Control, f.Address, 0, nil, false), StopChar}, nil
	case FrameTypeControl, FrameTypeLong:
		if len(f.Data) > MaxDataLen {
			return nil, ErrFrameTooLong
		}
		l := byte(3 + len(f.Data))
		out := make([]byte, 0, 9+len(f.Data))
		out = append(out, StartLong, l, l, StartLong, f.Control, f.Address, f.CI)
		out = append(out, f.Data...)
		out = append(out, checksum(f.Control, f.Address, f.CI, f.Data, true), StopChar)
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, f.Type)
}

// ReadFrame reads exactly one frame from r. Any error from the first read is
// returned unchanged so callers can distinguish a timeout on an idle line from
// a truncated or corrupt frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	var start [1]byte
	if _, err := io.ReadFull(r, start[:]); err != nil {
		return nil, err
	}

	switch start[0] {
	case FrameACK:
		return &Frame{Type: FrameTypeACK}, nil

	case StartShort:
		var rest [4]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return nil, fmt.Errorf("%w: short frame: %v", ErrInvalidFrame, err)
		}
		if rest[3] != StopChar {
			return nil, ErrInvalidStopChar
		}
		if checksum(rest[0], rest[1], 0, nil, false) != rest[2] {
			return nil, ErrChecksumMismatch
		}
		return &Frame{Type: FrameTypeShort, Control: rest[0], Address: rest[1]}, nil

	case StartLong:
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("%w: long frame header: %v", ErrInvalidFrame, err)
		}
		if hdr[0] != hdr[1] {
			return nil, ErrLengthMismatch
		}
		if hdr[2] != StartLong {
			return nil, ErrInvalidStartChar
		}
		l := int(hdr[0])
		if l < 3 {
			return nil, fmt.Errorf("%w: length %d", ErrInvalidFrame, l)
		}
		body := make([]byte, l+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: long frame body: %v", ErrInvalidFrame, err)
		}
		if body[l+1] != StopChar {
			return nil, ErrInvalidStopChar
		}
		f := &Frame{Control: body[0], Address: body[1], CI: body[2]}
		if l > 3 {
			f.Data = append([]byte(nil), body[3:l]...)
			f.Type = FrameTypeLong
		} else {
			f.Type = FrameTypeControl
		}
		if checksum(f.Control, f.Address, f.CI, f.Data, true) != body[l] {
			return nil, ErrChecksumMismatch
		}
		return f, nil
	}

	return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidStartChar, start[0])
}

func (f *Frame) String() string {
	switch f.Type {
	case FrameTypeACK:
		return "ACK"
	case FrameTypeShort:
		return fmt.Sprintf("SHORT<C=0x%02X A=%d>", f.Control, f.Address)
	}
	return fmt.Sprintf("%s<C=0x%02X A=%d CI=0x%02X len=%d>", f.Type, f.Control, f.Address, f.CI, len(f.Data))
}
