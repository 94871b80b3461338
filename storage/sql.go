package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"escrowcoord/core/mirror"
)

// EscrowRow is the denormalized mirror record. Payload carries the full
// record as JSON; the other columns exist for querying.
type EscrowRow struct {
	Address     string `gorm:"primaryKey;size:42"`
	Kind        string `gorm:"size:16;index"`
	Status      uint8
	Terminal    bool `gorm:"index"`
	Version     uint64
	BlockNumber uint64
	Payload     string `gorm:"type:text"`
	UpdatedAt   time.Time
}

func (EscrowRow) TableName() string { return "escrow_records" }

// ParticipantRow indexes escrows by participant address.
type ParticipantRow struct {
	Escrow      string `gorm:"primaryKey;size:42"`
	Participant string `gorm:"primaryKey;size:42;index"`
}

func (ParticipantRow) TableName() string { return "escrow_participants" }

// HistoryRow is the audit trail of every transaction hash the mirror has
// associated with a step, including superseded ones.
type HistoryRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Escrow      string    `gorm:"size:42;index"`
	Milestone   uint64
	Step        string `gorm:"size:64"`
	TxHash      string `gorm:"size:66"`
	Source      string `gorm:"size:16"`
	BlockNumber uint64
	Superseded  bool
	RecordedAt  time.Time
}

func (HistoryRow) TableName() string { return "escrow_history" }

// AutoMigrate performs the schema migrations for the SQL store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EscrowRow{}, &ParticipantRow{}, &HistoryRow{})
}

// SQLStore persists mirror records through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path required")
	}
	return openSQL(sqlite.Open(path))
}

// OpenPostgres opens a PostgreSQL database.
func OpenPostgres(dsn string) (*SQLStore, error) {
	return openSQL(postgres.Open(dsn))
}

func openSQL(dialector gorm.Dialector) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, addr common.Address) (*mirror.Record, error) {
	var row EscrowRow
	err := s.db.WithContext(ctx).Where("address = ?", addr.Hex()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mirror.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord([]byte(row.Payload))
}

func (s *SQLStore) Put(ctx context.Context, rec *mirror.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}
	addr := rec.Address.Hex()
	row := EscrowRow{
		Address:     addr,
		Kind:        rec.Kind.String(),
		Status:      rec.Status,
		Terminal:    rec.Terminal,
		Version:     rec.Version,
		BlockNumber: rec.BlockNumber,
		Payload:     string(payload),
		UpdatedAt:   rec.UpdatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("escrow = ?", addr).Delete(&ParticipantRow{}).Error; err != nil {
			return err
		}
		if len(rec.Participants) > 0 {
			participants := make([]ParticipantRow, 0, len(rec.Participants))
			for _, p := range rec.Participants {
				participants = append(participants, ParticipantRow{Escrow: addr, Participant: p.Hex()})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("escrow = ?", addr).Delete(&HistoryRow{}).Error; err != nil {
			return err
		}
		if history := historyRows(rec); len(history) > 0 {
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Delete(ctx context.Context, addr common.Address) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&ParticipantRow{}, &HistoryRow{}} {
			if err := tx.Where("escrow = ?", addr.Hex()).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("address = ?", addr.Hex()).Delete(&EscrowRow{}).Error
	})
}

func (s *SQLStore) List(ctx context.Context) ([]*mirror.Record, error) {
	var rows []EscrowRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *SQLStore) ByParticipant(ctx context.Context, participant common.Address) ([]*mirror.Record, error) {
	var rows []EscrowRow
	err := s.db.WithContext(ctx).
		Where("address IN (?)", s.db.Model(&ParticipantRow{}).Select("escrow").Where("participant = ?", participant.Hex())).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

// Audit returns the history trail of addr ordered by recording time.
func (s *SQLStore) Audit(ctx context.Context, addr common.Address) ([]HistoryRow, error) {
	var rows []HistoryRow
	err := s.db.WithContext(ctx).
		Where("escrow = ?", addr.Hex()).
		Order("recorded_at, milestone, step, superseded DESC").
		Find(&rows).Error
	return rows, err
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeRows(rows []EscrowRow) ([]*mirror.Record, error) {
	out := make([]*mirror.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord([]byte(row.Payload))
		if err != nil {
			return nil, fmt.Errorf("storage: record %s: %w", row.Address, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func historyRows(rec *mirror.Record) []HistoryRow {
	var rows []HistoryRow
	add := func(milestone uint64, entries []mirror.HistoryEntry) {
		for _, entry := range entries {
			for _, old := range entry.Replaced {
				rows = append(rows, HistoryRow{
					ID:         uuid.New(),
					Escrow:     rec.Address.Hex(),
					Milestone:  milestone,
					Step:       entry.Step,
					TxHash:     old.Hex(),
					Superseded: true,
					RecordedAt: entry.RecordedAt,
				})
			}
			rows = append(rows, HistoryRow{
				ID:          uuid.New(),
				Escrow:      rec.Address.Hex(),
				Milestone:   milestone,
				Step:        entry.Step,
				TxHash:      entry.TxHash.Hex(),
				Source:      string(entry.Source),
				BlockNumber: entry.BlockNumber,
				RecordedAt:  entry.RecordedAt,
			})
		}
	}
	add(0, rec.History)
	for id, m := range rec.Milestones {
		if m != nil {
			add(id, m.History)
		}
	}
	return rows
}
