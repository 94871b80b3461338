package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/core/mirror"
)

// MemStore keeps records in memory. Useful for tests and single-process
// deployments where the ledger can repopulate the mirror on restart.
type MemStore struct {
	mu      sync.RWMutex
	records map[common.Address]*mirror.Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[common.Address]*mirror.Record)}
}

func (s *MemStore) Get(_ context.Context, addr common.Address) (*mirror.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[addr]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemStore) Put(_ context.Context, rec *mirror.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Address] = rec.Clone()
	return nil
}

func (s *MemStore) Delete(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, addr)
	return nil
}

func (s *MemStore) List(_ context.Context) ([]*mirror.Record, error) {
	return s.filter(func(*mirror.Record) bool { return true }), nil
}

func (s *MemStore) ByParticipant(_ context.Context, participant common.Address) ([]*mirror.Record, error) {
	return s.filter(func(r *mirror.Record) bool { return r.HasParticipant(participant) }), nil
}

// Close satisfies Store. Nothing to release for an in-memory store.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) filter(match func(*mirror.Record) bool) []*mirror.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mirror.Record, 0, len(s.records))
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(records []*mirror.Record) {
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].Address[:], records[j].Address[:]) < 0
	})
}
