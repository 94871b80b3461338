package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"escrowcoord/native/escrow"
	"escrowcoord/observability/metrics"
)

const (
	// DefaultPollInterval re-reads open escrows to catch counterparty
	// transitions.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxRetries bounds ledger read retries within one poll.
	DefaultMaxRetries = 3
	// DefaultRetryInterval is the first backoff step between retries.
	DefaultRetryInterval = 250 * time.Millisecond
)

// Reader reads escrow snapshots from the ledger.
type Reader interface {
	ReadEscrow(ctx context.Context, kind escrow.Kind, addr common.Address) (*escrow.Instance, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Reader        Reader
	Mirror        *Mirror
	Interval      time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	// Limiter is shared by every poll loop. Nil disables rate limiting.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Metrics *metrics.EscrowMetrics
}

type watchTask struct {
	kind   escrow.Kind
	cancel context.CancelFunc
	done   chan struct{}
}

// Watcher runs one poll loop per watched escrow address. Each loop owns its
// cancellation; a reconcile that is already running when the loop is
// cancelled still completes.
type Watcher struct {
	reader        Reader
	mirror        *Mirror
	interval      time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	limiter       *rate.Limiter
	logger        *slog.Logger
	metrics       *metrics.EscrowMetrics

	mu     sync.Mutex
	tasks  map[common.Address]*watchTask
	closed bool
}

// NewWatcher constructs a watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("mirror: watcher reader required")
	}
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("mirror: watcher mirror required")
	}
	w := &Watcher{
		reader:        cfg.Reader,
		mirror:        cfg.Mirror,
		interval:      cfg.Interval,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		limiter:       cfg.Limiter,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tasks:         make(map[common.Address]*watchTask),
	}
	if w.interval <= 0 {
		w.interval = DefaultPollInterval
	}
	if w.maxRetries == 0 {
		w.maxRetries = DefaultMaxRetries
	}
	if w.retryInterval <= 0 {
		w.retryInterval = DefaultRetryInterval
	}
	if w.limiter == nil {
		w.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("component", "watcher"))
	return w, nil
}

// Watch starts polling addr. Watching an address twice is a no-op. The loop
// stops when ctx is cancelled, Unwatch is called, the escrow turns terminal
// or the ledger reports an unrecognized status.
func (w *Watcher) Watch(ctx context.Context, kind escrow.Kind, addr common.Address) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", escrow.ErrUnknownKind, uint8(kind))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.tasks[addr]; ok {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	task := &watchTask{kind: kind, cancel: cancel, done: make(chan struct{})}
	w.tasks[addr] = task
	w.metrics.SetWatched(len(w.tasks))
	go w.run(loopCtx, addr, task)
	return nil
}

// Unwatch cancels the poll loop for addr and waits for it to exit.
func (w *Watcher) Unwatch(addr common.Address) bool {
	w.mu.Lock()
	task, ok := w.tasks[addr]
	w.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	<-task.done
	return true
}

// Watching lists the addresses currently polled.
func (w *Watcher) Watching() []common.Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]common.Address, 0, len(w.tasks))
	for addr := range w.tasks {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Close stops every poll loop and waits for them to exit.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	tasks := make([]*watchTask, 0, len(w.tasks))
	for _, task := range w.tasks {
		tasks = append(tasks, task)
	}
	w.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
		<-task.done
	}
}

// PollOnce reads addr from the ledger with retries and reconciles the
// result into the mirror.
func (w *Watcher) PollOnce(ctx context.Context, kind escrow.Kind, addr common.Address) (Outcome, error) {
	var snap *escrow.Instance
	read := func() error {
		if err := w.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		started := time.Now()
		got, err := w.reader.ReadEscrow(ctx, kind, addr)
		w.metrics.ObserveLedgerRead(kind.String(), err, time.Since(started))
		if err != nil {
			if errors.Is(err, escrow.ErrUnrecognizedStatus) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		snap = got
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryInterval
	policy.MaxInterval = w.interval
	policy.MaxElapsedTime = 0
	notify := func(err error, next time.Duration) {
		w.logger.Warn("ledger read failed, retrying",
			slog.String("address", addr.Hex()),
			slog.Duration("backoff", next),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(read, backoff.WithContext(backoff.WithMaxRetries(policy, w.maxRetries), ctx), notify); err != nil {
		return Outcome{}, err
	}
	// The read finished; apply it even if the loop was cancelled meanwhile.
	return w.mirror.Reconcile(context.WithoutCancel(ctx), snap)
}

func (w *Watcher) run(ctx context.Context, addr common.Address, task *watchTask) {
	defer func() {
		w.mu.Lock()
		if cur, ok := w.tasks[addr]; ok && cur == task {
			delete(w.tasks, addr)
		}
		w.metrics.SetWatched(len(w.tasks))
		w.mu.Unlock()
		task.cancel()
		close(task.done)
	}()
	log := w.logger.With(slog.String("address", addr.Hex()), slog.String("kind", task.kind.String()))
	log.Debug("poll loop started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		outcome, err := w.PollOnce(ctx, task.kind, addr)
		switch {
		case errors.Is(err, escrow.ErrUnrecognizedStatus):
			log.Error("poll loop stopped on unrecognized status", slog.Any("error", err))
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn("poll failed", slog.Any("error", err))
		case outcome.Record != nil && outcome.Record.Terminal:
			log.Info("escrow terminal, poll loop stopped",
				slog.String("status", escrow.StatusName(outcome.Record.Kind, outcome.Record.Status)))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
