// Package engine assembles the coordination engine from configuration: the
// mirror store, the ledger client, the oracle adapter, the coordinator and
// the poll scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"escrowcoord/config"
	"escrowcoord/core/coordinator"
	"escrowcoord/core/mirror"
	"escrowcoord/core/pricing"
	"escrowcoord/integrations/evm"
	"escrowcoord/native/escrow"
	"escrowcoord/observability/logging"
	"escrowcoord/observability/metrics"
	"escrowcoord/storage"
)

// Engine bundles the wired components.
type Engine struct {
	Store       storage.Store
	Mirror      *mirror.Mirror
	Reader      *evm.Reader
	Oracle      *pricing.Adapter
	Confirmer   *evm.Confirmer
	Coordinator *coordinator.Coordinator
	Watcher     *mirror.Watcher

	closers []func(context.Context) error
}

// Options overrides pieces of the wiring. Client defaults to a dialled RPC
// client wrapped by Limit.
type Options struct {
	Client  evm.Client
	Logger  *slog.Logger
	Metrics *metrics.EscrowMetrics
	// Limit wraps the ledger client; nil leaves it untouched.
	Limit func(evm.Client) evm.Client
	// ReadLimiter throttles poll loops.
	ReadLimiter *rate.Limiter
	Gatekeeper  *escrow.Gatekeeper
}

// New builds an engine for cfg.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{}

	store, err := storage.Open(cfg.Mirror.Store)
	if err != nil {
		return nil, err
	}
	e.Store = store
	e.closers = append(e.closers, func(context.Context) error { return store.Close() })
	logger.Info("mirror store opened", logging.MaskField("store", cfg.Mirror.Store))

	client := opts.Client
	if client == nil {
		rpc, err := evm.Dial(cfg.Ledger.RPCURL)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("engine: dial ledger: %w", err), e.Close(context.Background()))
		}
		e.closers = append(e.closers, func(context.Context) error { rpc.Close(); return nil })
		client = rpc
	}
	if opts.Limit != nil {
		client = opts.Limit(client)
	}

	e.Mirror = mirror.New(mirror.Config{
		Store:       store,
		Logger:      logger,
		Metrics:     opts.Metrics,
		MaxDiscards: cfg.Mirror.MaxDiscards,
	})
	e.closers = append(e.closers, e.Mirror.Close)

	e.Reader, err = evm.NewReader(client,
		evm.WithFromBlock(cfg.Ledger.FromBlock),
		evm.WithReaderLogger(logger))
	if err != nil {
		return nil, errors.Join(err, e.Close(context.Background()))
	}

	pairs := make([]pricing.PairConfig, 0, len(cfg.Oracle.Pairs))
	for _, pair := range cfg.Oracle.Pairs {
		pc, err := pair.Pricing()
		if err != nil {
			return nil, errors.Join(err, e.Close(context.Background()))
		}
		pairs = append(pairs, pc)
	}
	e.Oracle, err = pricing.NewAdapter(evm.NewPoolSource(client), pairs,
		pricing.WithTimeout(cfg.Oracle.Timeout.Duration),
		pricing.WithLogger(logger),
		pricing.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, errors.Join(err, e.Close(context.Background()))
	}

	e.Confirmer = evm.NewConfirmer(client, cfg.Ledger.Confirmations, evm.DefaultConfirmPollInterval)

	e.Coordinator, err = coordinator.New(coordinator.Config{
		Reader:       e.Reader,
		Allowances:   e.Reader,
		Oracle:       e.Oracle,
		Confirmer:    e.Confirmer,
		Mirror:       e.Mirror,
		Gatekeeper:   opts.Gatekeeper,
		ToleranceBps: cfg.Oracle.DefaultToleranceBps,
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, errors.Join(err, e.Close(context.Background()))
	}

	e.Watcher, err = mirror.NewWatcher(mirror.WatcherConfig{
		Reader:        e.Reader,
		Mirror:        e.Mirror,
		Interval:      cfg.Mirror.PollInterval.Duration,
		MaxRetries:    cfg.Mirror.MaxRetries,
		RetryInterval: cfg.Mirror.RetryInterval.Duration,
		Limiter:       opts.ReadLimiter,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, errors.Join(err, e.Close(context.Background()))
	}
	e.closers = append(e.closers, func(context.Context) error { e.Watcher.Close(); return nil })
	return e, nil
}

// ReadLimiter builds the ledger read limiter described by the config.
// Non-positive rates disable limiting.
func ReadLimiter(cfg config.Ledger) *rate.Limiter {
	if cfg.ReadsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.ReadBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.ReadsPerSecond), burst)
}

// Close stops the poll loops and flushes the mirror before releasing the
// ledger client and the store.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil && !errors.Is(err, mirror.ErrClosed) {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
