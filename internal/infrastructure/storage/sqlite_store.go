package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"KnowledgeScout/internal/domain"
	"KnowledgeScout/internal/ports"
)

const cacheTable = "cache_entries"

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	value       BLOB NOT NULL,
	size        INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	ttl         INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_accessed ON cache_entries (accessed_at);
`

// SQLiteConfig configures the durable cache.
type SQLiteConfig struct {
	Path     string
	MaxBytes int64
}

// SQLiteStore is a durable CacheStore. Expired rows are ignored on read and removed by the
// write pass that follows every Put; the same pass trims least-recently-used rows once the
// stored bytes exceed MaxBytes.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64
	locks    keyLocks
	evictMu  sync.Mutex
	now      func() time.Time
	logger   *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

var _ ports.CacheStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the cache database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig, log *slog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: cache path is empty", domain.ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		maxBytes: cfg.MaxBytes,
		now:      time.Now,
		logger:   log,
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the entry for key if present and fresh.
func (s *SQLiteStore) Get(ctx context.Context, key string) (domain.CacheEntry, bool, error) {
	query, args, err := sq.Select("value", "created_at", "ttl").
		From(cacheTable).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("build select: %w", err)
	}

	var (
		value     []byte
		createdAt int64
		ttl       int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value, &createdAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("select cache entry: %w", err)
	}

	entry := domain.CacheEntry{
		Key:       key,
		Value:     value,
		CreatedAt: time.Unix(0, createdAt),
		TTL:       time.Duration(ttl),
	}
	now := s.now()
	if entry.Expired(now) {
		s.misses.Add(1)
		return domain.CacheEntry{}, false, nil
	}
	s.hits.Add(1)

	if err := s.exec(ctx, sq.Update(cacheTable).Set("accessed_at", now.UnixNano()).Where(sq.Eq{"key": key})); err != nil {
		s.warn("touch cache entry failed", "error", err)
	}
	return entry, true, nil
}

// Put overwrites the entry for key wholesale and runs the write pass.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	unlock := s.locks.lock(key)
	defer unlock()

	now := s.now().UnixNano()
	insert := sq.Insert(cacheTable).
		Columns("key", "value", "size", "created_at", "ttl", "accessed_at").
		Values(key, value, len(key)+len(value), now, int64(ttl), now).
		Suffix(`ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			created_at = excluded.created_at,
			ttl = excluded.ttl,
			accessed_at = excluded.accessed_at`)
	if err := s.exec(ctx, insert); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}

	s.writePass(ctx, key)
	return nil
}

// Invalidate removes key.
func (s *SQLiteStore) Invalidate(ctx context.Context, key string) error {
	unlock := s.locks.lock(key)
	defer unlock()

	if err := s.exec(ctx, sq.Delete(cacheTable).Where(sq.Eq{"key": key})); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Purge removes every entry.
func (s *SQLiteStore) Purge(ctx context.Context) error {
	if err := s.exec(ctx, sq.Delete(cacheTable)); err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	return nil
}

// Stats reports lookups since the store was opened together with the stored footprint.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	query, args, err := sq.Select("COUNT(*)", "COALESCE(SUM(size), 0)").From(cacheTable).ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("build stats: %w", err)
	}

	st := Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Entries, &st.Bytes); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// writePass drops expired rows and then least-recently-accessed rows above the ceiling.
// The freshly written key is never evicted by its own pass. Concurrent passes are skipped.
func (s *SQLiteStore) writePass(ctx context.Context, keep string) {
	if !s.evictMu.TryLock() {
		return
	}
	defer s.evictMu.Unlock()

	now := s.now().UnixNano()
	expired := sq.Delete(cacheTable).Where(sq.And{
		sq.Gt{"ttl": 0},
		sq.Expr("created_at + ttl < ?", now),
		sq.NotEq{"key": keep},
	})
	if err := s.exec(ctx, expired); err != nil {
		s.warn("drop expired entries failed", "error", err)
		return
	}

	if s.maxBytes <= 0 {
		return
	}
	if err := s.trim(ctx, keep); err != nil {
		s.warn("trim cache failed", "error", err)
	}
}

func (s *SQLiteStore) trim(ctx context.Context, keep string) error {
	query, args, err := sq.Select("COALESCE(SUM(size), 0)").From(cacheTable).ToSql()
	if err != nil {
		return err
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return err
	}
	if total <= s.maxBytes {
		return nil
	}

	query, args, err = sq.Select("key", "size").
		From(cacheTable).
		Where(sq.NotEq{"key": keep}).
		OrderBy("accessed_at ASC").
		ToSql()
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}

	var victims []string
	for rows.Next() && total > s.maxBytes {
		var (
			key  string
			size int64
		)
		if err := rows.Scan(&key, &size); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, key)
		total -= size
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if len(victims) == 0 {
		return nil
	}
	s.debug("evicting cache entries", "count", len(victims))
	return s.exec(ctx, sq.Delete(cacheTable).Where(sq.Eq{"key": victims}))
}

func (s *SQLiteStore) exec(ctx context.Context, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *SQLiteStore) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
