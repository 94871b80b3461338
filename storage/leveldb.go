package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"escrowcoord/core/mirror"
)

var (
	recordPrefix = []byte("rec:")
	indexPrefix  = []byte("idx:")
)

// LevelStore is a persistent mirror store on LevelDB. Records are stored as
// JSON under rec:<escrow>; idx:<participant><escrow> keys back the
// participant index.
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelStore creates or opens a LevelDB database at path.
func NewLevelStore(path string) (*LevelStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func recordKey(addr common.Address) []byte {
	return append(append([]byte{}, recordPrefix...), addr.Bytes()...)
}

func indexKey(participant, escrow common.Address) []byte {
	key := append(append([]byte{}, indexPrefix...), participant.Bytes()...)
	return append(key, escrow.Bytes()...)
}

func (s *LevelStore) Get(_ context.Context, addr common.Address) (*mirror.Record, error) {
	raw, err := s.db.Get(recordKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, mirror.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(raw)
}

func (s *LevelStore) Put(_ context.Context, rec *mirror.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if prev, err := s.db.Get(recordKey(rec.Address), nil); err == nil {
		if old, err := decodeRecord(prev); err == nil {
			for _, p := range old.Participants {
				if !rec.HasParticipant(p) {
					batch.Delete(indexKey(p, rec.Address))
				}
			}
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	batch.Put(recordKey(rec.Address), raw)
	for _, p := range rec.Participants {
		batch.Put(indexKey(p, rec.Address), nil)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelStore) Delete(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.db.Get(recordKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	if old, err := decodeRecord(prev); err == nil {
		for _, p := range old.Participants {
			batch.Delete(indexKey(p, addr))
		}
	}
	batch.Delete(recordKey(addr))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) List(_ context.Context) ([]*mirror.Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer iter.Release()
	var out []*mirror.Record
	for iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LevelStore) ByParticipant(ctx context.Context, participant common.Address) ([]*mirror.Record, error) {
	prefix := append(append([]byte{}, indexPrefix...), participant.Bytes()...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	var escrows []common.Address
	for iter.Next() {
		escrows = append(escrows, common.BytesToAddress(iter.Key()[len(prefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	out := make([]*mirror.Record, 0, len(escrows))
	for _, addr := range escrows {
		rec, err := s.Get(ctx, addr)
		if errors.Is(err, mirror.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the database connection.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func decodeRecord(raw []byte) (*mirror.Record, error) {
	var rec mirror.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode record: %w", err)
	}
	return &rec, nil
}
