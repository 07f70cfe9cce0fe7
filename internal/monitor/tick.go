package monitor

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/product"
	"pricewatch/internal/source"
	logx "pricewatch/pkg/logx"
)

// RunTick executes one full scheduling pass: collect due products,
// prioritize them against the rate budget, dispatch fetches to a bounded
// worker pool, and apply the results. Exported so ticks can be driven
// directly in tests and from the operator surface.
func (s *Service) RunTick(ctx context.Context) TickSummary {
	s.mu.Lock()
	cfg := s.cfg
	now := s.now()
	s.mu.Unlock()

	sum := TickSummary{Started: now}
	tctx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
	defer cancel()

	due := s.reg.DueForCheck(now)
	sum.Due = len(due)
	if len(due) == 0 {
		s.finishTick(&sum)
		return sum
	}

	ordered := prioritize(due, cfg.SkipMargin)
	groups := groupByBatch(ordered, s.client.BatchSize())
	s.dispatch(tctx, groups, &sum)

	s.finishTick(&sum)
	return sum
}

// prioritize orders due products by closeness to target (ascending
// CurrentPrice - TargetPrice) so the scarce rate tokens go to the products
// most likely to cross. Products priced beyond the skip margin keep their
// relative order but move behind everything else; under pressure they are
// the ones a tick deadline abandons.
func prioritize(due []*product.Tracked, margin float64) []*product.Tracked {
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Distance() < due[j].Distance()
	})
	if margin <= 0 {
		return due
	}
	near := make([]*product.Tracked, 0, len(due))
	var far []*product.Tracked
	for _, p := range due {
		if p.CurrentPrice > 0 && float64(p.CurrentPrice) > float64(p.TargetPrice)*(1+margin) {
			far = append(far, p)
			continue
		}
		near = append(near, p)
	}
	return append(near, far...)
}

func groupByBatch(ordered []*product.Tracked, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var groups [][]string
	for start := 0; start < len(ordered); start += size {
		end := min(start+size, len(ordered))
		ids := make([]string, 0, end-start)
		for _, p := range ordered[start:end] {
			ids = append(ids, p.ID)
		}
		groups = append(groups, ids)
	}
	return groups
}

// dispatch fans the fetch groups out to at most Capacity workers. The bound
// matches the token bucket so no worker ever queues on a token behind an
// idle one; groups are consumed in priority order.
func (s *Service) dispatch(ctx context.Context, groups [][]string, sum *TickSummary) {
	workers := s.client.Capacity()
	if workers < 1 {
		workers = 1
	}
	if workers > len(groups) {
		workers = len(groups)
	}

	jobs := make(chan []string)
	var mu sync.Mutex // guards sum
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in fetch worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for ids := range jobs {
				snaps, errs := s.client.FetchBatch(ctx, ids)
				for _, id := range ids {
					if snap, ok := snaps[id]; ok {
						crossings := s.applySnapshot(ctx, id, snap)
						mu.Lock()
						sum.Checked++
						sum.Crossings += crossings
						mu.Unlock()
						continue
					}
					err := errs[id]
					if ctx.Err() != nil || errors.Is(err, source.ErrBudgetExhausted) {
						// The tick deadline or the rate budget ran out before
						// this product was fetched; it stays due for the next
						// tick, untouched.
						mu.Lock()
						sum.Abandoned++
						mu.Unlock()
						continue
					}
					paused := s.applyFailure(ctx, id, err)
					mu.Lock()
					sum.Failures++
					if paused {
						sum.Paused++
					}
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, g := range groups {
		select {
		case jobs <- g:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Whatever was never handed to a worker counts as abandoned too.
	mu.Lock()
	handled := sum.Checked + sum.Failures + sum.Abandoned
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if rest := total - handled; rest > 0 {
		sum.Abandoned += rest
	}
	mu.Unlock()
}

func (s *Service) applySnapshot(ctx context.Context, id string, snap product.Snapshot) (crossings int) {
	ev, err := s.reg.RecordSnapshot(ctx, id, snap)
	if err != nil {
		s.log.Error("snapshot apply failed", logx.String("product", id), logx.Err(err))
	}
	if ev == nil {
		return 0
	}
	if _, nerr := s.notify.Notify(ctx, *ev); nerr != nil {
		s.log.Error("crossing notification errored", logx.String("product", id), logx.Err(nerr))
	}
	return 1
}

// applyFailure routes a fetch error: transient failures requeue on the
// backoff schedule, permanent ones (gone/delisted upstream) pause the
// product outright.
func (s *Service) applyFailure(ctx context.Context, id string, err error) (paused bool) {
	reason := "fetch failed"
	if err != nil {
		reason = err.Error()
	}
	if !source.Transient(err) {
		s.log.Warn("product gone upstream; pausing",
			logx.String("product", id), logx.Err(err))
		if perr := s.reg.Pause(ctx, id, reason); perr != nil {
			s.log.Error("pause failed", logx.String("product", id), logx.Err(perr))
		}
		return true
	}
	paused, rerr := s.reg.RecordFailure(ctx, id, reason)
	if rerr != nil {
		s.log.Error("failure record failed", logx.String("product", id), logx.Err(rerr))
	}
	if paused {
		s.log.Warn("product paused after repeated failures",
			logx.String("product", id), logx.String("reason", reason))
	} else {
		s.log.Debug("transient fetch failure; requeued",
			logx.String("product", id), logx.String("reason", reason))
	}
	return paused
}

func (s *Service) finishTick(sum *TickSummary) {
	sum.Took = time.Since(sum.Started)
	if sum.Due > 0 || sum.Failures > 0 {
		s.log.Info("tick completed",
			logx.Int("due", sum.Due),
			logx.Int("checked", sum.Checked),
			logx.Int("crossings", sum.Crossings),
			logx.Int("failures", sum.Failures),
			logx.Int("paused", sum.Paused),
			logx.Int("abandoned", sum.Abandoned),
			logx.Duration("took", sum.Took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTickCompleted, Data: *sum})
	}
}
