package mbus

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// scriptTransport answers each write with the next scripted reply.
// A nil reply leaves the line idle so the next read times out.
type scriptTransport struct {
	mu      sync.Mutex
	replies [][]byte
	written [][]byte
	rx      bytes.Buffer
	open    bool
}

func newScriptTransport(replies ...[]byte) *scriptTransport {
	return &scriptTransport{replies: replies}
}

func (s *scriptTransport) Open() error  { s.open = true; return nil }
func (s *scriptTransport) Close() error { s.open = false; return nil }
func (s *scriptTransport) String() string {
	return "script"
}

func (s *scriptTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), p...))
	if len(s.replies) > 0 {
		next := s.replies[0]
		s.replies = s.replies[1:]
		s.rx.Write(next)
	}
	return len(p), nil
}

func (s *scriptTransport) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx.Len() == 0 {
		return 0, ErrTimeout
	}
	return s.rx.Read(p)
}

func mustMarshal(f *Frame) []byte {
	b, err := f.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// meterHeader is a variable data header for id 12345678, manufacturer KAM,
// version 1, medium heat outlet, access number 42.
var meterHeader = []byte{0x78, 0x56, 0x34, 0x12, 0x2D, 0x2C, 0x01, 0x04, 0x2A, 0x00, 0x00, 0x00}

func responseFrame(records ...byte) []byte {
	return mustMarshal(NewLongFrame(ControlRspUd, 1, CIResponseVariable, concat(meterHeader, records)))
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
