// Package notifier turns crossing events into at-most-once subscriber
// notifications.
//
// The idempotency guard is the NotificationRecord keyed on
// (product, crossing epoch): the record is persisted before delivery is
// attempted, so a transport failure can lose a notification but never
// duplicate one. That trade is deliberate; lost deliveries are logged and
// published for operator visibility.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/product"
	"pricewatch/internal/registry"
	"pricewatch/internal/storage"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

// Config controls outbound delivery.
type Config struct {
	RatePerSec int // delivery throttle (messenger API etiquette)
}

type HistoryItem struct {
	At        time.Time
	ProductID string
	Delivered bool
	Error     string
}

const historyMax = 100

type Service struct {
	store   storage.Store
	reg     *registry.Registry
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store storage.Store, reg *registry.Registry, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, reg: reg, adapter: adapter, bus: bus, log: log}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

// Notify emits at most one notification for the given crossing. Replays of
// the same (product, epoch) are suppressed against the persisted record.
func (s *Service) Notify(ctx context.Context, ev product.CrossingEvent) (delivered bool, err error) {
	rec := product.NotificationRecord{
		ProductID:     ev.ProductID,
		Epoch:         ev.Epoch,
		CrossingPrice: ev.CrossingPrice,
		FiredAt:       ev.At,
	}
	inserted, err := s.store.PutNotification(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("notification record: %w", err)
	}
	if !inserted {
		s.log.Debug("crossing already notified; suppressed",
			logx.String("product", ev.ProductID),
			logx.Int64("epoch", ev.Epoch))
		return false, nil
	}

	// The record exists from here on: status flips and delivery is
	// best-effort, never rolled back.
	if err := s.reg.MarkNotified(ctx, ev.ProductID, ev.Epoch); err != nil {
		s.log.Warn("status transition failed", logx.String("product", ev.ProductID), logx.Err(err))
	}

	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		s.deliveryFailed(ev, err)
		return false, nil
	}

	text := renderCrossing(ev)
	sendErr := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: ev.OwnerID}, text, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: false,
	})
	if sendErr != nil {
		s.deliveryFailed(ev, sendErr)
		return false, nil
	}

	s.appendHistory(HistoryItem{At: time.Now(), ProductID: ev.ProductID, Delivered: true})
	s.log.Info("crossing notified",
		logx.String("product", ev.ProductID),
		logx.Int64("owner", ev.OwnerID),
		logx.String("price", ev.CrossingPrice.String()),
		logx.String("target", ev.TargetPrice.String()))
	return true, nil
}

func (s *Service) deliveryFailed(ev product.CrossingEvent, err error) {
	s.appendHistory(HistoryItem{At: time.Now(), ProductID: ev.ProductID, Error: err.Error()})
	s.log.Error("notification delivery failed (at-most-once; not retried)",
		logx.String("product", ev.ProductID),
		logx.Int64("owner", ev.OwnerID),
		logx.Err(err))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicNotifyFailed, Data: map[string]any{
			"product": ev.ProductID, "owner": ev.OwnerID, "err": err.Error(),
		}})
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// History returns recent delivery outcomes, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
