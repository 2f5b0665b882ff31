// Package ops serves the operations endpoint: health derived from
// supervisor snapshots, live broadcast status with cancel, and optional
// pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "castbot/internal/runtime/supervisor"
	logx "castbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:8089"

// Config controls the ops HTTP server. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	addr string
	cur  *instance
}

// instance is one running server; a reconfigure replaces it.
type instance struct {
	sup      *rtsup.Supervisor
	draining bool
	drained  chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

// Supervisor returns the running server's supervisor, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Addr is the bound listen address while serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the server so it matches cfg.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev != cfg) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start is a no-op when disabled or already serving. It waits for a
// server that is still draining.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.cur != nil && s.cur.draining {
		drained := s.cur.drained
		s.mu.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.cur != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	in := &instance{
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "ops")))),
		drained: make(chan struct{}),
	}
	s.cur = in
	s.mu.Unlock()

	in.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithMaxRestarts(20),
	)
}

// Stop shuts the server down and waits until it drained or ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	in := s.cur
	if in == nil {
		s.mu.Unlock()
		return
	}
	if !in.draining {
		in.draining = true
		go s.drain(in)
	}
	s.mu.Unlock()

	select {
	case <-in.drained:
	case <-ctx.Done():
	}
}

func (s *Service) drain(in *instance) {
	in.sup.Cancel()
	_ = in.sup.Wait(context.Background())
	s.mu.Lock()
	if s.cur == in {
		s.cur, s.addr = nil, ""
	}
	s.mu.Unlock()
	close(in.drained)
	s.log.Info("ops server stopped")
}

// listen binds cfg.Addr, refusing an open bind without a token unless
// AllowInsecure is set.
func (s *Service) listen(cfg Config) (net.Listener, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return nil, errInsecureBind
		}
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", addr))
	}
	return net.Listen("tcp", addr)
}

var errInsecureBind = errors.New("ops: insecure bind refused")

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg, src := s.cfg, s.src
	s.mu.Unlock()

	ln, err := s.listen(cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      Handler(cfg, src),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("ops server started", logx.String("addr", bound), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case errors.Is(err, http.ErrServerClosed):
		return errors.New("ops server exited unexpectedly")
	default:
		return err
	}
}
