// Package bot is the subscriber-facing command surface. It consumes incoming
// chat messages from the transport adapter and drives the registry, source
// client and monitor on behalf of the sender.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/monitor"
	"pricewatch/internal/registry"
	"pricewatch/internal/source"
	"pricewatch/internal/transport"
	logx "pricewatch/pkg/logx"
)

// Config controls the command surface.
type Config struct {
	// AffiliateTag, when set, is appended to product links in replies.
	AffiliateTag string
	// CommandTimeout bounds one command end to end, lookup included.
	// Default 30s; /track can block on a rate token behind a busy tick.
	CommandTimeout time.Duration
	// QueueSize is the incoming message buffer. Default 64.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type Service struct {
	cfg     Config
	adapter transport.Adapter
	reg     *registry.Registry
	client  *source.Client
	mon     *monitor.Service
	log     logx.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopDone chan struct{}
}

func New(cfg Config, adapter transport.Adapter, reg *registry.Registry, client *source.Client, mon *monitor.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		reg:     reg,
		client:  client,
		mon:     mon,
		log:     log,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	msgs := make(chan transport.Message, s.cfg.QueueSize)
	rctx, cancel := context.WithCancel(ctx)
	if err := s.adapter.Start(rctx, msgs); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	s.cancel = cancel
	s.stopDone = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.stopDone)
		for {
			select {
			case <-rctx.Done():
				return
			case msg := <-msgs:
				s.handle(rctx, msg)
			}
		}
	}()

	s.log.Info("command loop started")
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.stopDone
	wasRunning := s.running
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if !wasRunning {
		return
	}
	cancel()
	if err := s.adapter.Stop(ctx); err != nil {
		s.log.Warn("transport stop", logx.Err(err))
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("command loop stopped")
}

func (s *Service) handle(ctx context.Context, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in command handler",
				logx.Any("panic", r),
				logx.String("text", msg.Text),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the @BotName suffix Telegram appends in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	var reply string
	var err error
	switch cmd {
	case "/start", "/help":
		reply = helpText
	case "/track":
		reply, err = s.cmdTrack(cctx, msg, args)
	case "/untrack":
		reply, err = s.cmdUntrack(cctx, msg, args)
	case "/list":
		reply = s.cmdList(msg)
	case "/pause":
		reply, err = s.cmdPause(cctx, msg, args)
	case "/resume":
		reply, err = s.cmdResume(cctx, msg, args)
	case "/refresh":
		reply, err = s.cmdRefresh(cctx, msg, args)
	case "/status":
		reply = s.cmdStatus(msg)
	default:
		return // not ours; stay quiet in group chats
	}
	if err != nil {
		s.log.Debug("command failed",
			logx.String("cmd", cmd),
			logx.Int64("from", msg.FromID),
			logx.Err(err))
		reply = userError(err)
	}
	if reply == "" {
		return
	}
	if serr := s.adapter.SendText(cctx, transport.ChatTarget{ChatID: msg.ChatID}, reply, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	}); serr != nil {
		s.log.Warn("reply send failed", logx.Int64("chat", msg.ChatID), logx.Err(serr))
	}
}

// resolveOwned maps a user-typed reference (product id or marketplace URL) to
// a product the sender owns.
func (s *Service) resolveOwned(msg transport.Message, ref string) (string, error) {
	id := ref
	if extracted, ok := source.ExtractProductID(ref); ok {
		id = extracted
	}
	p, ok := s.reg.Get(id)
	if !ok {
		return "", registry.ErrNotFound
	}
	if p.OwnerID != msg.FromID {
		return "", registry.ErrNotOwner
	}
	return id, nil
}

func userError(err error) string {
	var uerr usageErr
	if errors.As(err, &uerr) {
		return string(uerr)
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return "I'm not tracking that product. Use /list to see yours."
	case errors.Is(err, registry.ErrNotOwner):
		return "That product is tracked by someone else."
	case errors.Is(err, registry.ErrOwnerLimit):
		return "You've reached your product limit. /untrack one first."
	case errors.Is(err, context.DeadlineExceeded):
		return "The price source is busy right now. Please try again in a minute."
	}
	var serr *source.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case source.KindNotFound, source.KindDelisted:
			return "That product doesn't seem to exist on the marketplace anymore."
		case source.KindRateLimited:
			return "The price source is rate limiting us. Please try again shortly."
		}
	}
	return "Something went wrong. Please try again."
}

// usageErr carries a user-facing usage hint.
type usageErr string

func (e usageErr) Error() string { return string(e) }
