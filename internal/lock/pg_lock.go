package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"github.com/unclebandit/smsleopard-outreach/internal/logger"
)

// PGAdvisoryLocker uses session-scoped Postgres advisory locks. Each lock
// pins one pooled connection until released; if the connection drops the
// server frees the lock.
type PGAdvisoryLocker struct {
	db *sql.DB
}

func NewPGAdvisoryLocker(db *sql.DB) *PGAdvisoryLocker {
	return &PGAdvisoryLocker{db: db}
}

func (l *PGAdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	id := advisoryID(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
			logger.Warn("advisory unlock failed", "key", key, "error", err)
		}
		conn.Close()
	}, nil
}

func advisoryID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
