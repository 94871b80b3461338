package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/config"
	"escrowcoord/core/mirror"
	"escrowcoord/native/escrow"
)

// PollScheduler starts and stops per-address poll loops.
type PollScheduler interface {
	Watch(ctx context.Context, kind escrow.Kind, addr common.Address) error
	Unwatch(addr common.Address) bool
	Watching() []common.Address
}

// streamViews keeps one poll loop alive per streamed address. Loops started
// elsewhere, such as configured watch targets, are left running when the
// last view closes.
type streamViews struct {
	scheduler PollScheduler

	mu    sync.Mutex
	views map[common.Address]int
	owned map[common.Address]bool
}

func newStreamViews(scheduler PollScheduler) *streamViews {
	return &streamViews{
		scheduler: scheduler,
		views:     make(map[common.Address]int),
		owned:     make(map[common.Address]bool),
	}
}

func (v *streamViews) open(kind escrow.Kind, addr common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.views[addr] == 0 && !slices.Contains(v.scheduler.Watching(), addr) {
		if err := v.scheduler.Watch(context.Background(), kind, addr); err != nil {
			return err
		}
		v.owned[addr] = true
	}
	v.views[addr]++
	return nil
}

func (v *streamViews) close(addr common.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.views[addr] == 0 {
		return
	}
	v.views[addr]--
	if v.views[addr] > 0 {
		return
	}
	delete(v.views, addr)
	if v.owned[addr] {
		delete(v.owned, addr)
		v.scheduler.Unwatch(addr)
	}
}

// startWatchTargets begins polling every configured address.
func startWatchTargets(ctx context.Context, scheduler PollScheduler, targets []config.WatchTarget, logger *slog.Logger) error {
	for _, target := range targets {
		kind, addr, err := target.Parse()
		if err != nil {
			return err
		}
		if err := scheduler.Watch(ctx, kind, addr); err != nil {
			return err
		}
		logger.Info("watching escrow",
			slog.String("kind", kind.String()),
			slog.String("address", addr.Hex()))
	}
	return nil
}

// runFlusher retries failed mirror writes until ctx is cancelled.
func runFlusher(ctx context.Context, m *mirror.Mirror, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = mirror.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Dirty() == 0 {
				continue
			}
			if err := m.Flush(ctx); err != nil {
				logger.Warn("mirror flush failed",
					slog.Int("dirty", m.Dirty()),
					slog.Any("error", err))
			}
		}
	}
}
