package storage

import (
	"fmt"
	"strings"

	"escrowcoord/core/mirror"
)

// Store is a mirror store that owns an underlying connection.
type Store interface {
	mirror.Store
	Close() error
}

// Open selects a store backend from a DSN:
//
//	memory              process-local map
//	leveldb://<path>    embedded LevelDB
//	sqlite://<path>     SQLite through gorm
//	postgres://...      PostgreSQL through gorm
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemStore(), nil
	case strings.HasPrefix(dsn, "leveldb://"):
		return NewLevelStore(strings.TrimPrefix(dsn, "leveldb://"))
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported dsn %q", redactDSN(dsn))
	}
}

func redactDSN(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		return dsn[:idx+3] + "..."
	}
	return dsn
}
