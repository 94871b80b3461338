package mirror

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
)

var (
	// ErrStaleReconciliation marks a ledger snapshot older than the mirrored
	// state. Stale snapshots are discarded and logged, never surfaced.
	ErrStaleReconciliation = errors.New("mirror: stale reconciliation")
	ErrNotFound            = errors.New("mirror: record not found")
	ErrClosed              = errors.New("mirror: closed")
	ErrInvalidHistory      = errors.New("mirror: invalid history entry")
)

// HistorySource tells whether a history entry was recorded locally after
// submission or observed in a ledger event.
type HistorySource string

const (
	SourceOptimistic HistorySource = "optimistic"
	SourceLedger     HistorySource = "ledger"
)

// HistoryEntry maps a lifecycle step to the transaction that performed it.
type HistoryEntry struct {
	Step        string        `json:"step"`
	TxHash      common.Hash   `json:"txHash"`
	Source      HistorySource `json:"source"`
	BlockNumber uint64        `json:"blockNumber,omitempty"`
	RecordedAt  time.Time     `json:"recordedAt"`
	// Replaced keeps superseded hashes for audit, oldest first.
	Replaced []common.Hash `json:"replaced,omitempty"`
}

func (e HistoryEntry) hasSeen(hash common.Hash) bool {
	if e.TxHash == hash {
		return true
	}
	for _, old := range e.Replaced {
		if old == hash {
			return true
		}
	}
	return false
}

// MilestoneRecord is the sub-record of a freelance milestone keyed by
// (address, milestone id).
type MilestoneRecord struct {
	ID      uint64                 `json:"id"`
	Status  escrow.MilestoneStatus `json:"status"`
	History []HistoryEntry         `json:"history,omitempty"`
}

// Discard documents a rejected reconciliation.
type Discard struct {
	Status        uint8     `json:"status"`
	CurrentStatus uint8     `json:"currentStatus"`
	BlockNumber   uint64    `json:"blockNumber,omitempty"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Key addresses a mirror record or one of its milestone sub-records.
// Milestone zero targets the escrow itself.
type Key struct {
	Address   common.Address
	Milestone uint64
}

// Record is the mirrored view of one escrow. Status changes only through
// reconciliation; history is additive.
type Record struct {
	Address      common.Address              `json:"address"`
	Kind         escrow.Kind                 `json:"kind,omitempty"`
	Status       uint8                       `json:"status"`
	Terminal     bool                        `json:"terminal"`
	Snapshot     *escrow.Instance            `json:"snapshot,omitempty"`
	Participants []common.Address            `json:"participants,omitempty"`
	History      []HistoryEntry              `json:"history,omitempty"`
	Milestones   map[uint64]*MilestoneRecord `json:"milestones,omitempty"`
	Discards     []Discard                   `json:"discards,omitempty"`
	Version      uint64                      `json:"version"`
	BlockNumber  uint64                      `json:"blockNumber,omitempty"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
	ReconciledAt time.Time                   `json:"reconciledAt,omitempty"`
}

// Reconciled reports whether the record carries at least one ledger
// snapshot.
func (r *Record) Reconciled() bool { return r != nil && r.Snapshot != nil }

// HistoryFor returns the history of the escrow (milestone 0) or of one
// milestone.
func (r *Record) HistoryFor(milestone uint64) []HistoryEntry {
	if r == nil {
		return nil
	}
	if milestone == 0 {
		return r.History
	}
	if m, ok := r.Milestones[milestone]; ok {
		return m.History
	}
	return nil
}

// Lookup returns the history entry recorded for step.
func (r *Record) Lookup(milestone uint64, step string) (HistoryEntry, bool) {
	for _, entry := range r.HistoryFor(milestone) {
		if entry.Step == step {
			return entry, true
		}
	}
	return HistoryEntry{}, false
}

// HasParticipant reports whether addr takes part in the escrow.
func (r *Record) HasParticipant(addr common.Address) bool {
	if r == nil {
		return false
	}
	for _, p := range r.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Snapshot = r.Snapshot.Clone()
	clone.Participants = append([]common.Address(nil), r.Participants...)
	clone.History = cloneHistory(r.History)
	clone.Discards = append([]Discard(nil), r.Discards...)
	if r.Milestones != nil {
		clone.Milestones = make(map[uint64]*MilestoneRecord, len(r.Milestones))
		for id, m := range r.Milestones {
			if m == nil {
				continue
			}
			copied := *m
			copied.History = cloneHistory(m.History)
			clone.Milestones[id] = &copied
		}
	}
	return &clone
}

func cloneHistory(in []HistoryEntry) []HistoryEntry {
	if in == nil {
		return nil
	}
	out := make([]HistoryEntry, len(in))
	for i, entry := range in {
		out[i] = entry
		out[i].Replaced = append([]common.Hash(nil), entry.Replaced...)
	}
	return out
}

// Outcome reports what a reconciliation did.
type Outcome struct {
	Applied  bool
	Stale    bool
	Previous uint8
	Status   uint8
	// Cause wraps ErrStaleReconciliation when the snapshot was discarded.
	Cause  error
	Record *Record
}
