package bolt

import (
	"context"
	"net"
	"sync"

	"github.com/go-logr/logr"
)

// Config controls a Server's network and buffering behavior. Values are
// normally populated by pkg/config from environment variables and an
// optional YAML file (SPEC_FULL ยง10.3), not constructed by hand outside
// of tests.
type Config struct {
	// ListenAddr is the TCP address to accept connections on.
	ListenAddr string
	// MaxConnections bounds concurrently served sessions; zero means
	// unbounded.
	MaxConnections int
	// WebSocketEnabled controls whether a session's handshake accepts
	// an HTTP Upgrade request (ยง4.2, P8). A client that attempts
	// WebSocket transport against a server with this false has its
	// connection closed during the handshake with no reply sent; the
	// session ends with a "websocket transport is disabled" error.
	WebSocketEnabled bool
}

// DefaultConfig returns a Config suitable for local development.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7687",
		MaxConnections:   0,
		WebSocketEnabled: true,
	}
}

// Server accepts TCP connections and runs one ClientSession per
// connection. It owns the collaborators every session needs but does
// not itself understand: the PackStream codec, the query engine, and
// the authenticator (ยง1).
type Server struct {
	cfg      Config
	decoder  RequestDecoder
	encoder  ReplyEncoder
	executor QueryExecutor
	auth     Authenticator
	logger   logr.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	sem      chan struct{}
	wg       sync.WaitGroup

	// OnSessionOpened/OnSessionClosed, when non-nil, are called around
	// each connection's lifetime with the session's ID and the peer's
	// address. OnAuthenticate is called after every LOGON attempt,
	// OnQuery after every RUN request. All four exist so a caller can
	// wire metrics or audit logging without this package importing an
	// instrumentation or audit library itself.
	OnSessionOpened func(sessionID, remoteAddr string)
	OnSessionClosed func(sessionID string)
	OnAuthenticate  func(sessionID, remoteAddr, principal string, success bool, reason string)
	OnQuery         func(sessionID, username, query string, success bool)
}

// New constructs a Server. executor, auth, decoder, and encoder must be
// non-nil; New does not validate this, matching the teacher's
// constructor style of trusting callers that are all internal to this
// module.
func New(cfg Config, decoder RequestDecoder, encoder ReplyEncoder, executor QueryExecutor, auth Authenticator, logger logr.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		decoder:  decoder,
		encoder:  encoder,
		executor: executor,
		auth:     auth,
		logger:   logger,
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// ListenAndServe binds cfg.ListenAddr and serves connections until ctx
// is canceled or the listener is closed via Close.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("bolt server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.IsClosed() {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			s.logger.V(1).Info("rejecting connection: at MaxConnections", "remote", conn.RemoteAddr().String())
			conn.Close()
			return
		}
	}

	remoteAddr := conn.RemoteAddr().String()
	logger := s.logger.WithValues("remote", remoteAddr)
	session := NewClientSession(conn, s.decoder, s.encoder, s.executor, s.auth, logger)
	session.SetWebSocketEnabled(s.cfg.WebSocketEnabled)

	if s.OnAuthenticate != nil {
		session.OnAuthenticate = func(principal string, success bool, reason string) {
			s.OnAuthenticate(session.ID(), remoteAddr, principal, success, reason)
		}
	}
	if s.OnQuery != nil {
		session.OnQuery = func(query string, success bool) {
			s.OnQuery(session.ID(), session.Username(), query, success)
		}
	}

	if s.OnSessionOpened != nil {
		s.OnSessionOpened(session.ID(), remoteAddr)
	}
	defer func() {
		if s.OnSessionClosed != nil {
			s.OnSessionClosed(session.ID())
		}
	}()

	if err := session.Serve(ctx); err != nil {
		logger.V(1).Info("session ended", "error", err.Error())
	}
}

// Close stops accepting new connections. In-flight sessions are allowed
// to drain; it does not forcibly close them.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the listener's bound address, or nil before
// ListenAndServe has started listening. Useful when ListenAddr ends in
// ":0" and the caller needs the actual chosen port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsClosed reports whether Close has been called.
func (s *Server) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
