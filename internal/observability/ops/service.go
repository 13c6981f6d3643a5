// Package ops serves the operator HTTP API: health, metrics, queue items,
// status and the resume signal.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "slotpost/internal/runtime/supervisor"
	logx "slotpost/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8090"

var ErrInsecureBind = errors.New("non-loopback ops addr needs a token or allow_insecure")

// Config controls the ops HTTP server. A non-loopback Addr is refused
// unless Token is set or AllowInsecure is on.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts /debug/ behind the same auth as the API.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// listenerChanged reports whether moving from a to b needs a new listener.
func listenerChanged(a, b Config) bool {
	return a.addr() != b.addr() || a.Pprof != b.Pprof ||
		a.Token != b.Token || a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

type Service struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr net.Addr
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "ops"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address while running, else nil.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg on reload, starting, stopping or rebinding the
// server as needed. Profiling rates apply even when the server is off.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev, running := s.cfg, s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return
	case running && !listenerChanged(prev, cfg):
		return
	case running:
		s.Stop(ctx)
	}
	if err := s.Start(ctx); err != nil {
		s.log.Error("ops server not started", logx.Err(err))
	}
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if !cfg.Enabled || s.srv != nil {
		return nil
	}

	addr := cfg.addr()
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			return fmt.Errorf("%s: %w", addr, ErrInsecureBind)
		}
		s.log.Warn("ops server has no token on a non-loopback addr", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}

	srv := &http.Server{
		Handler:      NewRouter(s.deps, cfg, s.log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server failed", logx.Err(err))
			return err
		}
		return nil
	})
	s.srv, s.sup, s.addr = srv, sup, ln.Addr()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop shuts the server down gracefully until ctx is done, then closes it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// isLoopbackAddr reports whether host:port binds only to loopback. An empty
// host means every interface.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
