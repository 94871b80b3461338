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

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
	"escrowcoord/observability/metrics"
)

// DefaultMaxDiscards bounds the discard log kept per record.
const DefaultMaxDiscards = 32

// Store persists mirror records. It is an eventually consistent cache and
// never the source of truth for status.
type Store interface {
	Get(ctx context.Context, addr common.Address) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, addr common.Address) error
	List(ctx context.Context) ([]*Record, error)
	ByParticipant(ctx context.Context, participant common.Address) ([]*Record, error)
}

// Config captures the dependencies of a Mirror.
type Config struct {
	// Store is optional; without it the mirror is a process-local cache.
	Store       Store
	Logger      *slog.Logger
	Metrics     *metrics.EscrowMetrics
	Now         func() time.Time
	MaxDiscards int
}

// Mirror keeps an off-chain view of escrow state consistent with the ledger.
// Writes for one address are serialised in arrival order; different
// addresses proceed in parallel.
type Mirror struct {
	store       Store
	logger      *slog.Logger
	metrics     *metrics.EscrowMetrics
	now         func() time.Time
	maxDiscards int
	locks       *addressLocks

	mu      sync.RWMutex
	records map[common.Address]*Record
	dirty   map[common.Address]struct{}
	subs    map[common.Address]map[uint64]chan *Record
	nextSub uint64
	closed  bool
}

// New constructs an empty mirror.
func New(cfg Config) *Mirror {
	m := &Mirror{
		store:       cfg.Store,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		maxDiscards: cfg.MaxDiscards,
		locks:       newAddressLocks(),
		records:     make(map[common.Address]*Record),
		dirty:       make(map[common.Address]struct{}),
		subs:        make(map[common.Address]map[uint64]chan *Record),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "mirror"))
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.maxDiscards <= 0 {
		m.maxDiscards = DefaultMaxDiscards
	}
	return m
}

// RecordOptimistic appends step -> txHash right after a transaction was
// accepted for submission. Repeating the same hash is a no-op; a different
// hash for the same step replaces the prior one and keeps it in Replaced.
func (m *Mirror) RecordOptimistic(ctx context.Context, key Key, step string, txHash common.Hash) (*Record, error) {
	if step == "" {
		return nil, fmt.Errorf("%w: step required", ErrInvalidHistory)
	}
	if txHash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: tx hash required", ErrInvalidHistory)
	}
	if key.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: escrow address required", ErrInvalidHistory)
	}
	release := m.locks.acquire(key.Address)
	defer release()

	rec, err := m.load(ctx, key.Address)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{Address: key.Address}
	}
	history := historyRef(rec, key.Milestone)
	now := m.now()
	outcome := "appended"
	idx := indexOfStep(*history, step)
	switch {
	case idx < 0:
		*history = append(*history, HistoryEntry{Step: step, TxHash: txHash, Source: SourceOptimistic, RecordedAt: now})
	case (*history)[idx].TxHash == txHash:
		outcome = "duplicate"
	default:
		entry := &(*history)[idx]
		entry.Replaced = append(entry.Replaced, entry.TxHash)
		entry.TxHash = txHash
		entry.RecordedAt = now
		outcome = "corrected"
	}
	m.metrics.ObserveOptimistic(outcome)
	if outcome == "duplicate" {
		m.cache(rec)
		return rec.Clone(), nil
	}
	rec.Version++
	rec.UpdatedAt = now
	m.commit(ctx, rec, "record_optimistic")
	m.logger.Debug("optimistic history recorded",
		slog.String("address", key.Address.Hex()),
		slog.Uint64("milestone", key.Milestone),
		slog.String("step", step),
		slog.String("tx", txHash.Hex()),
		slog.String("outcome", outcome))
	return rec.Clone(), nil
}

// Reconcile applies a freshly read ledger snapshot. It is the only path that
// changes status. Older snapshots are discarded unless they carry a terminal
// status over a non-terminal record; once terminal, a record only accepts
// history for the same terminal status.
func (m *Mirror) Reconcile(ctx context.Context, snap *escrow.Instance) (Outcome, error) {
	if err := snap.Validate(); err != nil {
		if errors.Is(err, escrow.ErrUnrecognizedStatus) {
			m.logger.Error("ledger snapshot with unrecognized status",
				slog.String("address", addressOf(snap)),
				slog.Any("error", err))
		}
		m.metrics.ObserveReconcile(kindOf(snap), "invalid")
		return Outcome{}, err
	}
	release := m.locks.acquire(snap.Address)
	defer release()

	rec, err := m.load(ctx, snap.Address)
	if err != nil {
		return Outcome{}, err
	}
	if rec == nil {
		rec = &Record{Address: snap.Address}
	}
	if rec.Reconciled() && rec.Kind != snap.Kind {
		return Outcome{}, fmt.Errorf("%w: %s escrow reported as %s", escrow.ErrInconsistentSnapshot, rec.Kind, snap.Kind)
	}
	now := m.now()
	previous := rec.Status

	if reason := staleness(rec, snap); reason != "" {
		rec.Discards = append(rec.Discards, Discard{
			Status:        snap.Status,
			CurrentStatus: rec.Status,
			BlockNumber:   snap.BlockNumber,
			Reason:        reason,
			At:            now,
		})
		if over := len(rec.Discards) - m.maxDiscards; over > 0 {
			rec.Discards = append([]Discard(nil), rec.Discards[over:]...)
		}
		rec.Version++
		rec.UpdatedAt = now
		m.commit(ctx, rec, "discard")
		m.metrics.ObserveReconcile(snap.Kind.String(), "stale")
		m.logger.Warn("stale reconciliation discarded",
			slog.String("address", snap.Address.Hex()),
			slog.String("kind", snap.Kind.String()),
			slog.Int("status", int(snap.Status)),
			slog.Int("current", int(rec.Status)),
			slog.Uint64("block", snap.BlockNumber),
			slog.String("reason", reason))
		return Outcome{
			Stale:    true,
			Previous: previous,
			Status:   rec.Status,
			Cause:    fmt.Errorf("%w: %s", ErrStaleReconciliation, reason),
			Record:   rec.Clone(),
		}, nil
	}

	rec.Kind = snap.Kind
	rec.Status = snap.Status
	rec.Terminal = snap.Terminal()
	rec.Snapshot = snap.Clone()
	rec.Participants = snap.ParticipantAddresses()
	if snap.BlockNumber > rec.BlockNumber {
		rec.BlockNumber = snap.BlockNumber
	}
	for _, ms := range snap.Milestones {
		if ms == nil {
			continue
		}
		sub := milestoneRef(rec, ms.ID)
		sub.Status = ms.Status
	}
	for _, step := range snap.History {
		mergeLedgerStep(historyRef(rec, step.MilestoneID), step, now)
	}
	rec.Version++
	rec.UpdatedAt = now
	rec.ReconciledAt = now
	m.commit(ctx, rec, "reconcile")
	m.metrics.ObserveReconcile(snap.Kind.String(), "applied")
	if previous != rec.Status {
		m.logger.Info("mirror status advanced",
			slog.String("address", snap.Address.Hex()),
			slog.String("kind", snap.Kind.String()),
			slog.String("from", escrow.StatusName(snap.Kind, previous)),
			slog.String("to", escrow.StatusName(snap.Kind, rec.Status)))
	}
	return Outcome{Applied: true, Previous: previous, Status: rec.Status, Record: rec.Clone()}, nil
}

// Read returns a copy of the record for addr.
func (m *Mirror) Read(ctx context.Context, addr common.Address) (*Record, error) {
	rec, err := m.load(ctx, addr)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ByParticipant lists records involving participant, ordered by address.
func (m *Mirror) ByParticipant(ctx context.Context, participant common.Address) ([]*Record, error) {
	return m.collect(ctx, func(r *Record) bool { return r.HasParticipant(participant) }, func(ctx context.Context) ([]*Record, error) {
		return m.store.ByParticipant(ctx, participant)
	})
}

// List returns every known record ordered by address.
func (m *Mirror) List(ctx context.Context) ([]*Record, error) {
	return m.collect(ctx, func(*Record) bool { return true }, func(ctx context.Context) ([]*Record, error) {
		return m.store.List(ctx)
	})
}

func (m *Mirror) collect(ctx context.Context, match func(*Record) bool, fromStore func(context.Context) ([]*Record, error)) ([]*Record, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	merged := make(map[common.Address]*Record)
	for addr, rec := range m.records {
		if match(rec) {
			merged[addr] = rec.Clone()
		}
	}
	m.mu.RUnlock()
	if m.store != nil {
		stored, err := fromStore(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if rec == nil {
				continue
			}
			if _, cached := merged[rec.Address]; cached {
				continue
			}
			if m.isCached(rec.Address) {
				continue
			}
			merged[rec.Address] = rec
		}
	}
	out := make([]*Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0 })
	return out, nil
}

// Subscribe delivers a copy of the record after every change to addr. Slow
// consumers miss intermediate updates rather than blocking writers. The
// returned function cancels the subscription and closes the channel.
func (m *Mirror) Subscribe(addr common.Address) (<-chan *Record, func()) {
	ch := make(chan *Record, 8)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	if m.subs[addr] == nil {
		m.subs[addr] = make(map[uint64]chan *Record)
	}
	m.subs[addr][id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.subs[addr]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(m.subs, addr)
				}
			}
		})
	}
}

// Flush retries persisting records whose previous store write failed. Each
// address is written under its lock with the version cached at that moment,
// so a concurrent commit can never be overwritten by an older copy.
func (m *Mirror) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	addrs := make([]common.Address, 0, len(m.dirty))
	for addr := range m.dirty {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	var errs []error
	for _, addr := range addrs {
		if err := m.flushOne(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) flushOne(ctx context.Context, addr common.Address) error {
	release := m.locks.acquire(addr)
	defer release()

	m.mu.RLock()
	_, dirty := m.dirty[addr]
	cur, ok := m.records[addr]
	var rec *Record
	if dirty && ok {
		rec = cur.Clone()
	}
	m.mu.RUnlock()
	if rec == nil {
		return nil
	}
	if err := m.store.Put(ctx, rec); err != nil {
		m.metrics.ObserveStoreWriteError("flush")
		return fmt.Errorf("flush %s: %w", addr.Hex(), err)
	}
	m.mu.Lock()
	delete(m.dirty, addr)
	m.mu.Unlock()
	return nil
}

// Close flushes pending writes, closes subscriptions and drops the cache.
// The store is owned by the caller and stays open.
func (m *Mirror) Close(ctx context.Context) error {
	err := m.Flush(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return err
	}
	m.closed = true
	for addr, subs := range m.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(m.subs, addr)
	}
	m.records = make(map[common.Address]*Record)
	m.dirty = make(map[common.Address]struct{})
	return err
}

// Dirty reports how many records await a successful store write.
func (m *Mirror) Dirty() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dirty)
}

func (m *Mirror) load(ctx context.Context, addr common.Address) (*Record, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	rec, ok := m.records[addr]
	m.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}
	if m.store == nil {
		return nil, nil
	}
	stored, err := m.store.Get(ctx, addr)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: load %s: %w", addr.Hex(), err)
	}
	return stored, nil
}

func (m *Mirror) isCached(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[addr]
	return ok
}

func (m *Mirror) cache(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.records[rec.Address]; !ok {
		m.records[rec.Address] = rec.Clone()
	}
}

// commit installs rec in the cache, persists it and notifies subscribers.
// Store failures leave the record dirty for Flush.
func (m *Mirror) commit(ctx context.Context, rec *Record, op string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.records[rec.Address] = rec.Clone()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Put(context.WithoutCancel(ctx), rec.Clone()); err != nil {
			m.metrics.ObserveStoreWriteError(op)
			m.logger.Warn("mirror store write failed",
				slog.String("address", rec.Address.Hex()),
				slog.String("op", op),
				slog.Any("error", err))
			m.mu.Lock()
			m.dirty[rec.Address] = struct{}{}
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			delete(m.dirty, rec.Address)
			m.mu.Unlock()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[rec.Address] {
		select {
		case ch <- rec.Clone():
		default:
		}
	}
}

// staleness returns a non-empty reason when snap must not replace rec.
func staleness(rec *Record, snap *escrow.Instance) string {
	if !rec.Reconciled() {
		return ""
	}
	incomingTerminal := snap.Terminal()
	if rec.Terminal {
		if !incomingTerminal {
			return fmt.Sprintf("record already terminal at %s", escrow.StatusName(rec.Kind, rec.Status))
		}
		if snap.Status != rec.Status {
			return fmt.Sprintf("conflicting terminal status %s after %s",
				escrow.StatusName(snap.Kind, snap.Status), escrow.StatusName(rec.Kind, rec.Status))
		}
		return ""
	}
	if incomingTerminal {
		return ""
	}
	// Milestone statuses can move backwards (revisions), so freelance
	// ordering rests on block numbers alone.
	if snap.Kind == escrow.KindFreelance && snap.BlockNumber == 0 && rec.BlockNumber > 0 {
		return fmt.Sprintf("unpinned snapshot over record at block %d", rec.BlockNumber)
	}
	if snap.BlockNumber > 0 && rec.BlockNumber > 0 && snap.BlockNumber < rec.BlockNumber {
		return fmt.Sprintf("snapshot block %d older than %d", snap.BlockNumber, rec.BlockNumber)
	}
	if snap.Status < rec.Status {
		return fmt.Sprintf("status %s behind %s",
			escrow.StatusName(snap.Kind, snap.Status), escrow.StatusName(rec.Kind, rec.Status))
	}
	return ""
}

// mergeLedgerStep folds a ledger-observed step into history. The ledger hash
// wins over an optimistic one; for repeated ledger events of the same step the
// most recent block wins.
func mergeLedgerStep(history *[]HistoryEntry, step escrow.LedgerStep, now time.Time) {
	if step.Step == "" || step.TxHash == (common.Hash{}) {
		return
	}
	idx := indexOfStep(*history, step.Step)
	if idx < 0 {
		*history = append(*history, HistoryEntry{
			Step:        step.Step,
			TxHash:      step.TxHash,
			Source:      SourceLedger,
			BlockNumber: step.BlockNumber,
			RecordedAt:  now,
		})
		return
	}
	entry := &(*history)[idx]
	if entry.TxHash == step.TxHash {
		entry.Source = SourceLedger
		if step.BlockNumber > 0 {
			entry.BlockNumber = step.BlockNumber
		}
		return
	}
	if entry.hasSeen(step.TxHash) {
		return
	}
	if entry.Source == SourceLedger && entry.BlockNumber > step.BlockNumber {
		entry.Replaced = append(entry.Replaced, step.TxHash)
		return
	}
	entry.Replaced = append(entry.Replaced, entry.TxHash)
	entry.TxHash = step.TxHash
	entry.Source = SourceLedger
	entry.BlockNumber = step.BlockNumber
	entry.RecordedAt = now
}

func historyRef(rec *Record, milestone uint64) *[]HistoryEntry {
	if milestone == 0 {
		return &rec.History
	}
	return &milestoneRef(rec, milestone).History
}

func milestoneRef(rec *Record, id uint64) *MilestoneRecord {
	if rec.Milestones == nil {
		rec.Milestones = make(map[uint64]*MilestoneRecord)
	}
	sub, ok := rec.Milestones[id]
	if !ok || sub == nil {
		sub = &MilestoneRecord{ID: id}
		rec.Milestones[id] = sub
	}
	return sub
}

func indexOfStep(history []HistoryEntry, step string) int {
	for i, entry := range history {
		if entry.Step == step {
			return i
		}
	}
	return -1
}

func addressOf(snap *escrow.Instance) string {
	if snap == nil {
		return ""
	}
	return snap.Address.Hex()
}

func kindOf(snap *escrow.Instance) string {
	if snap == nil {
		return ""
	}
	return snap.Kind.String()
}
