package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler serves one bus connection after its kind byte has been read. The
// handler owns conn and must close it.
type Handler func(ctx context.Context, conn net.Conn)

// Server accepts bus connections and dispatches them by Kind.
type Server struct {
	addr   string
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a bus server bound to addr once started.
func NewServer(addr string, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		logger:   logger.Named("bus"),
		handlers: make(map[Kind]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for kind.
func (s *Server) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Info("cluster bus listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the listener and waits for the accept loop and every handler.
// Long-lived handlers must return once ctx is cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Debug("accept error", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(DialTimeout))
	var kind [1]byte
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.RLock()
	h, ok := s.handlers[Kind(kind[0])]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("no handler for bus kind", zap.Stringer("kind", Kind(kind[0])),
			zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	h(s.ctx, conn)
}
