package smppserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/andrsolo/numgate/internal/config"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/resolver"
)

// Server accepts SMPP connections on one or more ports, enforces the IP
// whitelist and runs one Session per connection.
type Server struct {
	cfg        config.SMPPConfig
	resolver   *resolver.Resolver
	decoder    Decoder
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func NewServer(cfg config.SMPPConfig, res *resolver.Resolver, decoder Decoder, dispatcher Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		resolver:   res,
		decoder:    decoder,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ListenAndServe opens every configured port and blocks until the context is
// cancelled. Accept loops run concurrently, one per port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ports := s.cfg.BindPorts()

	s.mu.Lock()
	for _, port := range ports {
		addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.mu.Unlock()
			s.closeListeners()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("SMPP listener started", "addr", addr)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	s.Shutdown()
	s.wg.Wait()
	s.logger.Info("SMPP server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		ip := remoteIP(conn)
		if ip == nil || !s.resolver.Allowed(ip) {
			// Refused before a single PDU is read.
			s.logger.WarnContext(
				logging.ContextWithRemoteAddr(ctx, conn.RemoteAddr().String()),
				"connection from non-whitelisted address refused")
			conn.Close()
			continue
		}

		providerID, _ := s.resolver.ProviderFor(ip)
		sess := newSession(conn, providerID, s.cfg.SystemID,
			s.decoder, s.dispatcher, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.logger)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve(ctx)
		}()
	}
}

// Shutdown closes the listeners; in-flight sessions finish on their own as
// their connections close via context cancellation.
func (s *Server) Shutdown() {
	s.stopOnce.Do(s.closeListeners)
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func remoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
