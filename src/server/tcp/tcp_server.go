package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mbus-master-utils/src/server/master"
	"mbus-master-utils/src/server/meters"
)

const defaultOpTimeout = 10 * time.Minute

// TCPServer serves M-Bus commands as JSON lines to a single client
type TCPServer struct {
	listener   net.Listener
	clientConn *ClientConnection
	mu         sync.RWMutex
	meters     *meters.Service
	stopChan   chan struct{}
	port       string
	version    string
	localOnly  bool // If true, only accept connections from localhost
	opTimeout  time.Duration
	log        zerolog.Logger
}

// ClientConnection represents a connected TCP client
type ClientConnection struct {
	conn    net.Conn
	encoder *json.Encoder
	mu      sync.Mutex
}

// WelcomeMessage is sent to clients when they connect
type WelcomeMessage struct {
	Type        string `json:"type"`
	Server      string `json:"server"`
	Version     string `json:"version,omitempty"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

// Command is received from TCP clients, one per line
type Command struct {
	Type       string `json:"type"` // "get", "scan", "set-primary", "status"
	ID         string `json:"id,omitempty"`
	Address    string `json:"address,omitempty"`
	NewAddress *int   `json:"newAddress,omitempty"`
	Mask       string `json:"mask,omitempty"`      // scan only, defaults to all wildcards
	MaxFrames  int    `json:"maxFrames,omitempty"` // get only, defaults to master.MaxFrames
}

// Response answers one command
type Response struct {
	Type      string         `json:"type"` // "<command>-response" or "error"
	ID        string         `json:"id"`
	Status    string         `json:"status"` // "ok" or "error"
	Message   string         `json:"message,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Data      string         `json:"data,omitempty"`
	Addresses []string       `json:"addresses,omitempty"`
	State     *master.Status `json:"state,omitempty"`
}

// ProgressMessage is streamed while a scan runs
type ProgressMessage struct {
	Type     string `json:"type"` // "scan-progress"
	ID       string `json:"id"`
	Position int    `json:"position"`
	Mask     string `json:"mask"`
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(port string, svc *meters.Service, version string, serveExternally bool, logger zerolog.Logger) *TCPServer {
	return &TCPServer{
		meters:    svc,
		stopChan:  make(chan struct{}),
		port:      port,
		version:   version,
		localOnly: !serveExternally,
		opTimeout: defaultOpTimeout,
		log:       logger.With().Str("component", "tcp").Logger(),
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	var addr string
	if s.localOnly {
		addr = "127.0.0.1:" + s.port
	} else {
		addr = "0.0.0.0:" + s.port
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server on %s: %w", addr, err)
	}

	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Bool("localOnly", s.localOnly).Msg("listening")

	go s.acceptLoop()
	return nil
}

// Addr is the bound listener address, valid after Start.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop stops the TCP server
func (s *TCPServer) Stop() {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	if s.clientConn != nil {
		s.clientConn.conn.Close()
		s.clientConn = nil
	}
	s.mu.Unlock()
}

// IsConnected returns whether a TCP client is currently connected
func (s *TCPServer) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientConn != nil
}

// acceptLoop accepts incoming connections
func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.log.Warn().Err(err).Msg("accept")
				continue
			}
		}

		remoteAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
		if s.localOnly && (remoteAddr == nil || !remoteAddr.IP.IsLoopback()) {
			s.log.Warn().Stringer("remote", conn.RemoteAddr()).Msg("connection rejected: not localhost")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.clientConn != nil {
			s.mu.Unlock()
			s.log.Warn().Stringer("remote", conn.RemoteAddr()).Msg("connection rejected: client already connected")
			conn.Close()
			continue
		}
		clientConn := &ClientConnection{
			conn:    conn,
			encoder: json.NewEncoder(conn),
		}
		s.clientConn = clientConn
		s.mu.Unlock()

		s.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("client connected")
		s.sendWelcomeMessage(clientConn)
		go s.handleClient(clientConn)
	}
}

// handleClient runs the commands of one client in order
func (s *TCPServer) handleClient(clientConn *ClientConnection) {
	defer func() {
		s.mu.Lock()
		if s.clientConn == clientConn {
			s.clientConn = nil
		}
		s.mu.Unlock()
		clientConn.conn.Close()
		s.log.Info().Msg("client disconnected")
	}()

	scanner := bufio.NewScanner(clientConn.conn)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			s.log.Debug().Err(err).Msg("failed to parse command")
			s.send(clientConn, Response{Type: "error", Status: "error", Message: "invalid JSON command"})
			continue
		}
		if cmd.ID == "" {
			cmd.ID = uuid.NewString()
		}
		s.send(clientConn, s.processCommand(&cmd, clientConn))
	}

	if err := scanner.Err(); err != nil {
		s.log.Debug().Err(err).Msg("client read error")
	}
}

func (s *TCPServer) processCommand(cmd *Command, clientConn *ClientConnection) Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	resp := Response{Type: cmd.Type + "-response", ID: cmd.ID, Status: "ok"}
	var err error
	switch cmd.Type {
	case "get":
		resp.Data, err = s.meters.GetFrames(ctx, cmd.Address, cmd.MaxFrames)
	case "scan":
		mask := cmd.Mask
		if mask == "" {
			mask = master.FullMask
		}
		resp.Addresses, err = s.meters.ScanRange(ctx, mask, func(p master.ScanProgress) {
			s.send(clientConn, ProgressMessage{Type: "scan-progress", ID: cmd.ID, Position: p.Position, Mask: p.Mask})
		})
		if err == nil && resp.Addresses == nil {
			resp.Addresses = []string{}
		}
	case "set-primary":
		if cmd.NewAddress == nil {
			return Response{Type: resp.Type, ID: cmd.ID, Status: "error", Message: "newAddress is required"}
		}
		err = s.meters.SetPrimaryID(ctx, cmd.Address, *cmd.NewAddress)
	case "status":
		st := s.meters.Status()
		resp.State = &st
	default:
		return Response{Type: "error", ID: cmd.ID, Status: "error", Message: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}

	if err != nil {
		resp.Status = "error"
		resp.Message = err.Error()
		resp.Kind = master.KindOf(err).String()
		resp.Data = ""
		resp.Addresses = nil
	}
	return resp
}

// sendWelcomeMessage sends a welcome/identification message to newly connected client
func (s *TCPServer) sendWelcomeMessage(clientConn *ClientConnection) {
	s.send(clientConn, WelcomeMessage{
		Type:        "welcome",
		Server:      "M-Bus Master TCP Server",
		Version:     s.version,
		Protocol:    "JSON",
		Description: "M-Bus master - reads meters, scans secondary addresses and sets primary addresses",
	})
}

func (s *TCPServer) send(clientConn *ClientConnection, msg interface{}) {
	clientConn.mu.Lock()
	defer clientConn.mu.Unlock()
	if err := clientConn.encoder.Encode(msg); err != nil {
		s.log.Debug().Err(err).Msg("failed to send")
	}
}
