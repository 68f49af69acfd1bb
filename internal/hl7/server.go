package hl7

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ServerConfig configures the MLLP listener.
type ServerConfig struct {
	Addr        string
	Session     SessionConfig
	AcceptRate  float64 // connections per second, <= 0 means unlimited
	AcceptBurst int
}

// MLLPServer accepts instrument connections and runs one Session per
// connection.
type MLLPServer struct {
	cfg       ServerConfig
	processor Processor
	journal   Journal
	observer  Observer
	limiter   *rate.Limiter

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewMLLPServer(cfg ServerConfig, processor Processor, journal Journal, observer Observer) *MLLPServer {
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return &MLLPServer{
		cfg:       cfg,
		processor: processor,
		journal:   journal,
		observer:  observer,
		limiter:   rate.NewLimiter(limit, burst),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and serves connections in the background until
// ctx is cancelled or Stop is called.
func (s *MLLPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("port dinlenemedi %s: %w", s.cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = listener
	s.cancel = cancel
	s.mu.Unlock()

	slog.Info("HL7 MLLP sunucu başlatıldı", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections(ctx)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *MLLPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Bağlantı kabul hatası", "error", err)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			NewSession(conn, s.cfg.Session, s.processor, s.journal, s.observer).Run(ctx)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *MLLPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// ActiveConnections returns the number of open sessions.
func (s *MLLPServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open connection, then waits for the
// sessions to finish.
func (s *MLLPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		slog.Info("HL7 MLLP sunucu durduruldu", "address", s.cfg.Addr)
	})
	return err
}
