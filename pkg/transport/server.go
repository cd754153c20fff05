package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dftp-io/dftp/pkg/log"
	"github.com/dftp-io/dftp/pkg/metrics"
	"github.com/dftp-io/dftp/pkg/wire"
)

// Handler processes one inbound message. A nil return means no reply is
// sent (fire-and-forget messages).
type Handler func(msg *wire.Message) *wire.Message

// Server accepts control connections, reads exactly one message per
// connection, dispatches it to the registered handler and writes back
// the reply, if any.
type Server struct {
	ip   string
	port int

	mu       sync.RWMutex
	handlers map[string]Handler

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewServer creates a control server bound to ip:port.
func NewServer(ip string, port int) *Server {
	return &Server{
		ip:       ip,
		port:     port,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("transport"),
	}
}

// Handle registers the handler for a message type. Registering the same
// type twice replaces the previous handler.
func (s *Server) Handle(msgType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = h
}

// Start begins accepting connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.ip, s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", s.ip, s.port, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("control server stopped")
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	msg, err := wire.ReadMessage(bufio.NewReader(conn))
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping unreadable message")
		return
	}

	s.mu.RLock()
	handler := s.handlers[msg.Header.Type]
	s.mu.RUnlock()

	if handler == nil {
		s.logger.Debug().Str("type", msg.Header.Type).Msg("no handler for message type")
		metrics.MessagesHandled.WithLabelValues(msg.Header.Type, "unhandled").Inc()
		return
	}

	timer := metrics.NewTimer()
	reply := handler(msg)
	timer.ObserveDurationVec(metrics.MessageDuration, msg.Header.Type)

	status := "ok"
	if reply != nil && reply.Metadata.Status == wire.StatusError {
		status = "error"
	}
	metrics.MessagesHandled.WithLabelValues(msg.Header.Type, status).Inc()

	if reply == nil {
		return
	}
	if err := reply.Encode(conn); err != nil {
		s.logger.Warn().Err(err).Str("type", reply.Header.Type).Msg("failed to write reply")
	}
}
