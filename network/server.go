package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"relaychat/storage"
)

// ServerOptions configures the chat listener.
type ServerOptions struct {
	BufferSize     int
	MaxConnections int
	// AcceptRate limits new connections per remote IP; zero disables limiting.
	AcceptRate  rate.Limit
	AcceptBurst int

	// Registry is shared with the transfer listener; a fresh one is created when nil.
	Registry *Registry
	Store    *storage.Store
	Logger   *zap.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Server accepts chat connections and runs one Session per connection.
type Server struct {
	listener net.Listener
	options  ServerOptions
	registry *Registry
	logger   *zap.Logger

	slots   *semaphore.Weighted
	limiter *ipRateLimiter

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and chat accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		registry: opts.Registry,
		logger:   opts.Logger.With(zap.String("listener", "chat")),
		slots:    semaphore.NewWeighted(int64(opts.MaxConnections)),
		limiter:  newIPRateLimiter(opts.AcceptRate, opts.AcceptBurst),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the session registry backing this server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, tears down live sessions, and waits for them to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		for _, session := range s.registry.Sessions() {
			_ = session.Close()
		}
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if !s.limiter.Allow(conn.RemoteAddr()) {
			s.logger.Warn("connection rate limited", zap.String("remote_addr", conn.RemoteAddr().String()))
			s.refuse(conn, errTextRateLimited)
			continue
		}
		if !s.slots.TryAcquire(1) {
			s.logger.Warn("connection limit reached", zap.String("remote_addr", conn.RemoteAddr().String()))
			s.refuse(conn, errTextServerFull)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	session := newSession(conn, s.registry, s.options.Store, s.logger, s.options.BufferSize)
	s.registry.Add(session)

	select {
	case <-s.closed:
		_ = session.Close()
		return
	default:
	}

	session.serve()
	if err := session.Err(); err != nil && !isClosedConnError(err) {
		s.reportError(fmt.Errorf("session %s: %w", session.RemoteAddr(), err))
	}
}

func (s *Server) refuse(conn net.Conn, text string) {
	_ = WriteFrame(conn, TagERR, text)
	_ = conn.Close()
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
