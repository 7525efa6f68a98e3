package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/slotkv/internal/metrics"
)

// Server accepts RESP client connections and hands commands to a Handler.
type Server struct {
	addr    string
	handler *Handler
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

func NewServer(addr string, handler *Handler, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger.Named("protocol"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("client listener started", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.cancel()
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	conn.SetContext(&ConnState{})
	metrics.RecordConnection(1)
	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	metrics.RecordConnection(-1)
	s.logger.Debug("client disconnected", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}
	s.handler.Execute(s.ctx, conn, cmd.Args)

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(s.ctx, conn, p.Args)
	}
}
