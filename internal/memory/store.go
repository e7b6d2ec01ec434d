// Package memory provides durable per-user fact storage with a TTL
// read cache, confidence-filtered writes, and content-hash
// deduplication.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is a persisted fact.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StoreResult reports what happened on the write path. Rejections are
// outcomes, not errors; errors are reserved for storage failures.
type StoreResult struct {
	Stored  bool
	Updated bool   // An existing entry with the same key was refreshed
	Reason  string // Set when Stored is false
}

// Store manages fact persistence. Reads may run concurrently; writes
// are serialized by a mutex so the check-then-upsert dedup path never
// loses an update.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	cache     *searchCache
	threshold float64

	writeMu sync.Mutex
}

// Options configures a Store.
type Options struct {
	// ConfidenceThreshold rejects writes below it. Zero accepts all.
	ConfidenceThreshold float64
	CacheTTL            time.Duration
	CacheSize           int
}

// NewStore opens (or creates) the fact database at the given path.
func NewStore(path string, logger *slog.Logger, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, logger, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an existing database connection. Used by tests
// with an in-memory database.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}

	s := &Store{
		db:        db,
		logger:    logger,
		cache:     newSearchCache(opts.CacheTTL, opts.CacheSize),
		threshold: opts.ConfidenceThreshold,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, key)
		);

		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at DESC);
	`)
	return err
}

// Close closes the cache and the database connection.
func (s *Store) Close() error {
	s.cache.Close()
	return s.db.Close()
}

// Key derives the deduplication key for a fact. The same category and
// value always map to the same key, so re-deriving a fact updates the
// existing row instead of creating a duplicate.
func Key(category, value string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(value)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return category + ":" + hex.EncodeToString(sum[:])[:16]
}

// Store persists a fact for a user. Writes below the confidence
// threshold or with an empty value are rejected via the result, not an
// error. An existing entry with the same derived key is updated in
// place.
func (s *Store) Store(ctx context.Context, userID, category, value string, confidence float64) (StoreResult, error) {
	if strings.TrimSpace(value) == "" {
		return StoreResult{Reason: "empty value"}, nil
	}
	if confidence < s.threshold {
		s.logger.Debug("fact below confidence threshold",
			"user", userID, "category", category, "confidence", confidence)
		return StoreResult{Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, s.threshold)}, nil
	}

	key := Key(category, value)
	now := time.Now().UTC().Format(time.RFC3339)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return StoreResult{}, fmt.Errorf("generate id: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM memories WHERE user_id = ? AND key = ?)`,
		userID, key).Scan(&exists); err != nil {
		return StoreResult{}, fmt.Errorf("check existing memory: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, key, value, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`, id.String(), userID, key, value, confidence, now, now)
	if err != nil {
		return StoreResult{}, fmt.Errorf("store memory: %w", err)
	}

	s.cache.InvalidateUser(userID)

	s.logger.Debug("fact stored", "user", userID, "key", key, "updated", exists)
	return StoreResult{Stored: true, Updated: exists}, nil
}

// Search returns up to limit facts relevant to the query, ranked by
// keyword overlap then recency. Results go through the TTL cache;
// empty result sets are never cached so a fact stored moments later is
// visible on the next call.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}

	cacheKey := searchKey(userID, query)
	if entries, ok := s.cache.Get(cacheKey); ok {
		return capEntries(entries, limit), nil
	}

	all, err := s.fetchUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ranked := rank(all, query)
	if len(ranked) > 0 {
		s.cache.Put(cacheKey, userID, ranked)
	}
	return capEntries(ranked, limit), nil
}

// GetAll returns every fact for a user, newest first.
func (s *Store) GetAll(ctx context.Context, userID string) ([]Entry, error) {
	return s.fetchUser(ctx, userID)
}

// DeleteOlderThan removes entries not updated since the cutoff. Used by
// the retention sweep.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete expired memories: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.cache.Clear()
	}
	return n, nil
}

// fetchUser is the single bulk fetch behind every read path. Empty and
// whitespace-only values are filtered out.
func (s *Store) fetchUser(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key, value, confidence, created_at, updated_at
		FROM memories
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var idStr, createdAt, updatedAt string
		if err := rows.Scan(&idStr, &e.UserID, &e.Key, &e.Value, &e.Confidence, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if strings.TrimSpace(e.Value) == "" {
			continue
		}
		e.ID, _ = uuid.Parse(idStr)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// rank scores entries by containment and keyword overlap against the
// query. Zero-score entries drop out; ties break by recency, which the
// fetch order already provides.
func rank(entries []Entry, query string) []Entry {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	full := strings.Join(terms, " ")

	type scored struct {
		entry Entry
		score int
	}
	var matches []scored
	for _, e := range entries {
		value := strings.ToLower(e.Value)
		score := 0
		if strings.Contains(value, full) {
			score += 10
		}
		for _, t := range terms {
			if strings.Contains(value, t) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{e, score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	out := make([]Entry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

func searchKey(userID, query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if len(q) > 64 {
		q = q[:64]
	}
	return userID + "\x00" + q
}

func capEntries(entries []Entry, limit int) []Entry {
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]Entry(nil), entries...)
}
