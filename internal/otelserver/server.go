// Package otelserver is the local telemetry endpoint coding agents export
// to. It accepts raw TCP connections, frames a single HTTP-shaped request
// per connection, hands it to a Handler, and always answers with an empty
// 200 before closing. It is deliberately not a full HTTP server: there is no
// keep-alive, no pipelining, and no Content-Length continuation.
package otelserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHost is the interface the server binds to. Telemetry never leaves
// the machine.
const DefaultHost = "127.0.0.1"

// ErrInvalidPort is wrapped by a BindError for port 0.
var ErrInvalidPort = errors.New("invalid port")

// BindError reports that the listener could not be created. It is fatal to
// that server instance only.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind telemetry port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Handler receives every successfully framed request. It runs on the
// connection's goroutine, before the response is written.
type Handler func(req Request)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithHost overrides DefaultHost.
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// Server accepts telemetry connections on a TCP port.
type Server struct {
	Port int

	host     string
	handler  Handler
	logger   *zap.Logger
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New binds host:port and starts accepting connections in the background.
// Port 0 is rejected rather than letting the OS pick one, since agents are
// configured with a fixed endpoint.
func New(port uint16, handler Handler, opts ...Option) (*Server, error) {
	s := newServer(handler, opts)
	if port == 0 {
		return nil, &BindError{Port: port, Err: ErrInvalidPort}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, &BindError{Port: port, Err: err}
	}
	s.serve(ln)
	return s, nil
}

func newServer(handler Handler, opts []Option) *Server {
	s := &Server{
		host:    DefaultHost,
		handler: handler,
		logger:  zap.NewNop(),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// serve takes ownership of ln and starts the accept loop.
func (s *Server) serve(ln net.Listener) {
	s.listener = ln
	s.Port = ln.Addr().(*net.TCPAddr).Port
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and every live connection, then waits for all
// connection goroutines to finish. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures such as EMFILE; same backoff as net/http.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// track registers a live connection. It returns false once Stop has begun.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	connID := uuid.NewString()
	log := s.logger.With(zap.String("conn_id", connID), zap.Stringer("remote", conn.RemoteAddr()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("telemetry handler panicked", zap.Any("panic", r))
		}
	}()

	buf, err := readRequest(conn)
	switch {
	case errors.Is(err, errHeaderTooLarge):
		log.Warn("dropping oversized request", zap.Int("buffered", len(buf)))
		writeOK(conn) //nolint:errcheck // connection closes either way
		return
	case err != nil:
		if isExpectedCloseError(err) {
			log.Debug("connection closed before request completed", zap.Error(err))
		} else {
			log.Warn("read telemetry request", zap.Error(err))
		}
		return
	}

	req := ParseRequest(buf)
	req.ConnID = connID
	if req.Path != "" && s.handler != nil {
		log.Debug("telemetry request", zap.String("path", req.Path), zap.Int("body_bytes", len(req.Body)))
		s.handler(req)
	}

	if err := writeOK(conn); err != nil && !isExpectedCloseError(err) {
		log.Debug("write response", zap.Error(err))
	}
}

// isExpectedCloseError reports whether err is a normal way for a peer to go
// away: EOF, a closed socket, a reset, or a broken pipe.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
