// Package monitor drives the price-check loop: a cron-triggered tick
// collects due products from the registry, prioritizes them against the
// source's rate budget, fans the fetches out to a bounded worker pool, and
// applies the results (snapshots, crossings, failure rescheduling).
//
// Tick boundaries are the only source of truth for "due". The one
// out-of-band path, user-initiated Refresh, still flows through the same
// rate-limited source client.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/notifier"
	"pricewatch/internal/product"
	"pricewatch/internal/registry"
	"pricewatch/internal/source"
	logx "pricewatch/pkg/logx"
)

// Config controls the scheduling loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration // default 1m
	TickTimeout  time.Duration // default TickInterval
	// SkipMargin defers due products priced further above target than
	// target*(1+margin). <= 0 disables the skip policy.
	SkipMargin float64
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.TickTimeout <= 0 || c.TickTimeout > c.TickInterval {
		c.TickTimeout = c.TickInterval
	}
	return c
}

// TickSummary is the operator-visible outcome of one tick.
type TickSummary struct {
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took"`
	Due       int           `json:"due"`
	Checked   int           `json:"checked"`
	Crossings int           `json:"crossings"`
	Failures  int           `json:"failures"`
	Paused    int           `json:"paused"`
	Abandoned int           `json:"abandoned"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	reg    *registry.Registry
	client *source.Client
	notify *notifier.Service
	bus    eventbus.Bus
	log    logx.Logger

	c       *cron.Cron
	running bool
	cancel  context.CancelFunc

	// tickMu makes ticks non-overlapping; a tick that is still running when
	// the next trigger fires wins and the trigger is skipped.
	tickMu sync.Mutex

	now func() time.Time
}

func New(cfg Config, reg *registry.Registry, client *source.Client, notify *notifier.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		client: client,
		notify: notify,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// SetClock injects a deterministic clock (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Apply updates runtime tunables. The tick cadence itself requires a
// restart; interval changes are picked up on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("monitor disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.c = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	_, err := s.c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		if runCtx.Err() != nil {
			return
		}
		if !s.tickMu.TryLock() {
			s.log.Warn("previous tick still running; skipping trigger")
			return
		}
		defer s.tickMu.Unlock()
		s.RunTick(runCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}

	s.c.Start()
	s.running = true
	s.log.Info("monitor started", logx.Duration("tick_interval", s.cfg.TickInterval))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("monitor stopped")
}

// Refresh is the user-initiated check path. It consumes a rate token like
// any scheduled fetch and applies the snapshot through the same registry and
// notifier flow.
func (s *Service) Refresh(ctx context.Context, productID string) (*product.Tracked, error) {
	snap, err := s.client.Fetch(ctx, productID)
	if err != nil {
		return nil, err
	}
	ev, err := s.reg.RecordSnapshot(ctx, productID, snap)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		if _, nerr := s.notify.Notify(ctx, *ev); nerr != nil {
			s.log.Error("notify failed after refresh", logx.String("product", productID), logx.Err(nerr))
		}
	}
	p, ok := s.reg.Get(productID)
	if !ok {
		return nil, registry.ErrNotFound
	}
	return p, nil
}
