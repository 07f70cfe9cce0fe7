package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"pricewatch/internal/product"
	"pricewatch/internal/registry"
	"pricewatch/internal/source"
	"pricewatch/internal/transport"
)

const helpText = `👋 <b>Price tracker</b>

/track &lt;url&gt; &lt;target price&gt; — watch a product
/untrack &lt;id or url&gt; — stop watching
/list — your tracked products
/pause &lt;id&gt; / /resume &lt;id&gt; — suspend checks
/refresh &lt;id&gt; — check the price right now
/status — tracking overview

You'll get a message the moment a price drops to your target.`

func (s *Service) cmdTrack(ctx context.Context, msg transport.Message, args []string) (string, error) {
	if len(args) < 2 {
		return "", usageErr("Usage: /track <product url> <target price>\nExample: /track https://www.amazon.de/dp/B0ABCDEF12 49.99")
	}
	ref := args[0]
	target, err := parseCents(args[1])
	if err != nil {
		return "", usageErr("I couldn't read that price. Use a number like 49.99")
	}

	id, ok := source.ExtractProductID(ref)
	if !ok {
		return "", usageErr("That doesn't look like a product link I understand.")
	}

	info, err := s.client.Lookup(ctx, ref)
	if err != nil {
		return "", err
	}

	p, err := s.reg.Add(ctx, registry.AddRequest{
		OwnerID:      msg.FromID,
		ProductID:    id,
		ExternalRef:  info.ExternalRef,
		Title:        info.Title,
		ImageRef:     info.ImageRef,
		TargetPrice:  target,
		CurrentPrice: info.CurrentPrice,
		AllTimeMin:   info.AllTimeMin,
		History:      info.History,
	})
	if err != nil {
		return "", err
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, "✅ Tracking <b>%s</b>\n\n", html.EscapeString(p.Title))
	if p.CurrentPrice > 0 {
		fmt.Fprintf(b, "💰 Current: %s\n", p.CurrentPrice)
	} else {
		b.WriteString("💰 Currently unavailable\n")
	}
	fmt.Fprintf(b, "🎯 Target: %s\n", p.TargetPrice)
	if p.MinHistoricPrice > 0 {
		fmt.Fprintf(b, "📉 30-day low: %s\n", p.MinHistoricPrice)
	}
	fmt.Fprintf(b, "\n🔗 %s", s.productLink(p))
	return b.String(), nil
}

func (s *Service) cmdUntrack(ctx context.Context, msg transport.Message, args []string) (string, error) {
	if len(args) < 1 {
		return "", usageErr("Usage: /untrack <id or url>")
	}
	id, err := s.resolveOwned(msg, args[0])
	if err != nil {
		return "", err
	}
	if err := s.reg.Remove(ctx, id, msg.FromID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑 Stopped tracking <code>%s</code>.", html.EscapeString(id)), nil
}

func (s *Service) cmdList(msg transport.Message) string {
	items := s.reg.ListByOwner(msg.FromID)
	if len(items) == 0 {
		return "You aren't tracking anything yet. Add a product with /track."
	}
	b := &strings.Builder{}
	fmt.Fprintf(b, "📋 <b>Your products (%d)</b>\n", len(items))
	for _, p := range items {
		b.WriteString("\n")
		fmt.Fprintf(b, "%s <b>%s</b>\n", statusIcon(p.Status), html.EscapeString(p.Title))
		fmt.Fprintf(b, "   <code>%s</code>", html.EscapeString(p.ID))
		if p.CurrentPrice > 0 {
			fmt.Fprintf(b, " · %s now", p.CurrentPrice)
		}
		fmt.Fprintf(b, " · %s target\n", p.TargetPrice)
	}
	return b.String()
}

func (s *Service) cmdPause(ctx context.Context, msg transport.Message, args []string) (string, error) {
	if len(args) < 1 {
		return "", usageErr("Usage: /pause <id>")
	}
	id, err := s.resolveOwned(msg, args[0])
	if err != nil {
		return "", err
	}
	if err := s.reg.Pause(ctx, id, "paused by subscriber"); err != nil {
		return "", err
	}
	return fmt.Sprintf("⏸ Paused <code>%s</code>. /resume when you want checks again.", html.EscapeString(id)), nil
}

func (s *Service) cmdResume(ctx context.Context, msg transport.Message, args []string) (string, error) {
	if len(args) < 1 {
		return "", usageErr("Usage: /resume <id>")
	}
	id, err := s.resolveOwned(msg, args[0])
	if err != nil {
		return "", err
	}
	if err := s.reg.Resume(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("▶️ Resumed <code>%s</code>. It'll be checked on the next pass.", html.EscapeString(id)), nil
}

func (s *Service) cmdRefresh(ctx context.Context, msg transport.Message, args []string) (string, error) {
	if len(args) < 1 {
		return "", usageErr("Usage: /refresh <id>")
	}
	id, err := s.resolveOwned(msg, args[0])
	if err != nil {
		return "", err
	}
	p, err := s.mon.Refresh(ctx, id)
	if err != nil {
		return "", err
	}
	if p.CurrentPrice <= 0 {
		return fmt.Sprintf("🔄 <b>%s</b> is currently unavailable.", html.EscapeString(p.Title)), nil
	}
	return fmt.Sprintf("🔄 <b>%s</b>\n💰 %s now (target %s)",
		html.EscapeString(p.Title), p.CurrentPrice, p.TargetPrice), nil
}

func (s *Service) cmdStatus(msg transport.Message) string {
	items := s.reg.ListByOwner(msg.FromID)
	var active, reached, paused int
	for _, p := range items {
		switch p.Status {
		case product.StatusActive:
			active++
		case product.StatusTargetReached:
			reached++
		case product.StatusPaused:
			paused++
		}
	}
	return fmt.Sprintf("📊 <b>Status</b>\n\nTracked: %d\nActive: %d\nTarget reached: %d\nPaused: %d",
		len(items), active, reached, paused)
}

func (s *Service) productLink(p *product.Tracked) string {
	ref := source.AffiliateRef(p.ExternalRef, s.cfg.AffiliateTag)
	return fmt.Sprintf(`<a href="%s">View product</a>`, ref)
}

func statusIcon(st product.Status) string {
	switch st {
	case product.StatusActive:
		return "👀"
	case product.StatusTargetReached:
		return "🎯"
	case product.StatusPaused:
		return "⏸"
	default:
		return "•"
	}
}

// parseCents reads a user-typed price ("49.99", "49,99", "50") into minor
// units. Partial fractions are padded ("49.9" is 49.90).
func parseCents(raw string) (product.Cents, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	whole, frac, hasFrac := strings.Cut(raw, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("bad price %q", raw)
	}
	cents := w * 100
	if hasFrac {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("bad price %q", raw)
		}
		cents += f
	}
	if cents <= 0 {
		return 0, fmt.Errorf("price must be positive")
	}
	return product.Cents(cents), nil
}
