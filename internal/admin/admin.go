// Package admin serves the read-only operator surface: tracking totals, the
// product table as JSON or CSV, recent notification outcomes and the latest
// tick summary. It never mutates state.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/notifier"
	"pricewatch/internal/registry"
	logx "pricewatch/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Security: prefer binding to localhost (default). A non-loopback bind
// requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	reg    *registry.Registry
	notify *notifier.Service
	bus    eventbus.Bus

	// lastTick holds the most recent tick summary seen on the bus.
	lastTick any
	tickSub  <-chan eventbus.Event
	unsub    func()

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, reg *registry.Registry, notify *notifier.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, reg: reg, notify: notify, bus: bus, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("admin server disabled")
		return nil
	}
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("admin: non-loopback addr requires a token")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(s.cfg.Token, h) }
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/summary", wrap(s.handleSummary))
	mux.HandleFunc("/api/products", wrap(s.handleProducts))
	mux.HandleFunc("/api/products.csv", wrap(s.handleProductsCSV))
	mux.HandleFunc("/api/notifications", wrap(s.handleNotifications))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.ln = ln
	s.srv = srv

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(8)
		s.tickSub = ch
		s.unsub = unsub
		go func() {
			for ev := range ch {
				if ev.Type != eventbus.TopicTickCompleted {
					continue
				}
				s.mu.Lock()
				s.lastTick = ev.Data
				s.mu.Unlock()
			}
		}()
	}

	go func() {
		s.log.Info("admin server started", logx.String("addr", ln.Addr().String()))
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("admin server exited", logx.Err(serr))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	unsub := s.unsub
	s.srv = nil
	s.ln = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("admin server stopped")
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		if got := r.URL.Query().Get("token"); got == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
