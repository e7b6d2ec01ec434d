package memory

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	s, err := NewStoreWithDB(db, slog.Default(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreDedup(t *testing.T) {
	s := newTestStore(t, Options{ConfidenceThreshold: 0.4})
	ctx := context.Background()

	res, err := s.Store(ctx, "u1", "preference", "likes spicy food", 0.9)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.False(t, res.Updated)

	// Same fact again: update in place, not a second row.
	res, err = s.Store(ctx, "u1", "preference", "likes spicy food", 0.9)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.True(t, res.Updated)

	all, err := s.GetAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "likes spicy food", all[0].Value)
}

func TestStoreKeyNormalization(t *testing.T) {
	// Whitespace and case differences produce the same key.
	assert.Equal(t, Key("pref", "Likes  Spicy Food"), Key("pref", "likes spicy food"))
	assert.NotEqual(t, Key("pref", "likes spicy food"), Key("other", "likes spicy food"))
	assert.NotEqual(t, Key("pref", "likes spicy food"), Key("pref", "hates spicy food"))
}

func TestStoreConfidenceThreshold(t *testing.T) {
	s := newTestStore(t, Options{ConfidenceThreshold: 0.4})
	ctx := context.Background()

	res, err := s.Store(ctx, "u1", "fact", "maybe lives in Austin", 0.2)
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Contains(t, res.Reason, "below threshold")

	all, err := s.GetAll(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStoreRejectsEmptyValue(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	for _, v := range []string{"", "   ", "\n\t"} {
		res, err := s.Store(ctx, "u1", "fact", v, 0.9)
		require.NoError(t, err)
		assert.False(t, res.Stored, "value %q", v)
	}
}

func TestSearchRanking(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	facts := []string{
		"works as a nurse at the downtown hospital",
		"has two dogs named Biscuit and Gravy",
		"allergic to peanuts",
		"dog walker comes on Tuesdays",
	}
	for _, f := range facts {
		_, err := s.Store(ctx, "u1", "fact", f, 0.9)
		require.NoError(t, err)
	}

	got, err := s.Search(ctx, "u1", "dogs", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].Value, "dogs")

	// Limit applies after ranking.
	got, err = s.Search(ctx, "u1", "dog", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Other users see nothing.
	got, err = s.Search(ctx, "u2", "dogs", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchEmptyResultNotCached(t *testing.T) {
	s := newTestStore(t, Options{CacheTTL: time.Hour})
	ctx := context.Background()

	got, err := s.Search(ctx, "u1", "coffee", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	// A fact stored after the empty search must be visible
	// immediately on the identical query.
	_, err = s.Store(ctx, "u1", "preference", "drinks black coffee", 0.9)
	require.NoError(t, err)

	got, err = s.Search(ctx, "u1", "coffee", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drinks black coffee", got[0].Value)
}

func TestSearchCacheInvalidatedOnWrite(t *testing.T) {
	s := newTestStore(t, Options{CacheTTL: time.Hour})
	ctx := context.Background()

	_, err := s.Store(ctx, "u1", "fact", "has a cat", 0.9)
	require.NoError(t, err)

	got, err := s.Search(ctx, "u1", "cat", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = s.Store(ctx, "u1", "fact", "the cat is named Mochi", 0.9)
	require.NoError(t, err)

	got, err = s.Search(ctx, "u1", "cat", 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGetAllFiltersEmptyValues(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Store(ctx, "u1", "fact", "real fact", 0.9)
	require.NoError(t, err)

	// Simulate a legacy row with a whitespace value; the write path
	// rejects these but old data may contain them.
	_, err = s.db.Exec(`
		INSERT INTO memories (id, user_id, key, value, confidence, created_at, updated_at)
		VALUES ('x', 'u1', 'fact:deadbeef00000000', '   ', 1.0, '2020-01-01T00:00:00Z', '2020-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	all, err := s.GetAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "real fact", all[0].Value)
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Store(ctx, "u1", "fact", "fresh fact", 0.9)
	require.NoError(t, err)

	_, err = s.db.Exec(`
		INSERT INTO memories (id, user_id, key, value, confidence, created_at, updated_at)
		VALUES ('old', 'u1', 'fact:0123456789abcdef', 'stale fact', 1.0, '2020-01-01T00:00:00Z', '2020-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	n, err := s.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.GetAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh fact", all[0].Value)
}

func TestSweeper(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, key, value, confidence, created_at, updated_at)
		VALUES ('old', 'u1', 'fact:fedcba9876543210', 'ancient fact', 1.0, '2019-06-01T00:00:00Z', '2019-06-01T00:00:00Z')
	`)
	require.NoError(t, err)
	_, err = s.Store(ctx, "u1", "fact", "current fact", 0.9)
	require.NoError(t, err)

	sw := NewSweeper(s, slog.Default(), 365)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.GetAll(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "current fact", all[0].Value)

	// Disabled sweeper starts as a no-op.
	disabled := NewSweeper(s, slog.Default(), 0)
	require.NoError(t, disabled.Start())
	disabled.Stop()
}
