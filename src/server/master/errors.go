package master

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure of a master operation.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// connection
	KindAlreadyConnected
	KindNotConnected
	KindInvalidPort
	KindConnectFailed
	KindConfigFailed
	KindBusy

	// protocol
	KindInvalidAddress
	KindSlaveInitFailed
	KindPingFailed
	KindAddressCollision
	KindAddressNotFound
	KindSelectFailed
	KindRequestFailed
	KindSerializationFailed
	KindProbeFailed

	// address reassignment
	KindInvalidTargetAddress
	KindAddressInUse
	KindVerifyPingFailed
	KindSetAddressFailed
	KindNoReply
	KindUnexpectedReply
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "Unknown",
	KindAlreadyConnected:     "AlreadyConnected",
	KindNotConnected:         "NotConnected",
	KindInvalidPort:          "InvalidPort",
	KindConnectFailed:        "ConnectFailed",
	KindConfigFailed:         "ConfigFailed",
	KindBusy:                 "Busy",
	KindInvalidAddress:       "InvalidAddress",
	KindSlaveInitFailed:      "SlaveInitFailed",
	KindPingFailed:           "PingFailed",
	KindAddressCollision:     "AddressCollision",
	KindAddressNotFound:      "AddressNotFound",
	KindSelectFailed:         "SelectFailed",
	KindRequestFailed:        "RequestFailed",
	KindSerializationFailed:  "SerializationFailed",
	KindProbeFailed:          "ProbeFailed",
	KindInvalidTargetAddress: "InvalidTargetAddress",
	KindAddressInUse:         "AddressInUse",
	KindVerifyPingFailed:     "VerifyPingFailed",
	KindSetAddressFailed:     "SetAddressFailed",
	KindNoReply:              "NoReply",
	KindUnexpectedReply:      "UnexpectedReply",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every Master operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrBusy) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAlreadyConnected     = &Error{Kind: KindAlreadyConnected}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrInvalidPort          = &Error{Kind: KindInvalidPort}
	ErrConnectFailed        = &Error{Kind: KindConnectFailed}
	ErrConfigFailed         = &Error{Kind: KindConfigFailed}
	ErrBusy                 = &Error{Kind: KindBusy}
	ErrInvalidAddress       = &Error{Kind: KindInvalidAddress}
	ErrSlaveInitFailed      = &Error{Kind: KindSlaveInitFailed}
	ErrPingFailed           = &Error{Kind: KindPingFailed}
	ErrAddressCollision     = &Error{Kind: KindAddressCollision}
	ErrAddressNotFound      = &Error{Kind: KindAddressNotFound}
	ErrSelectFailed         = &Error{Kind: KindSelectFailed}
	ErrRequestFailed        = &Error{Kind: KindRequestFailed}
	ErrSerializationFailed  = &Error{Kind: KindSerializationFailed}
	ErrProbeFailed          = &Error{Kind: KindProbeFailed}
	ErrInvalidTargetAddress = &Error{Kind: KindInvalidTargetAddress}
	ErrAddressInUse         = &Error{Kind: KindAddressInUse}
	ErrVerifyPingFailed     = &Error{Kind: KindVerifyPingFailed}
	ErrSetAddressFailed     = &Error{Kind: KindSetAddressFailed}
	ErrNoReply              = &Error{Kind: KindNoReply}
	ErrUnexpectedReply      = &Error{Kind: KindUnexpectedReply}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown if it is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
