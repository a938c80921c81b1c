package sqlite

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/adapters/sqlite/migrations"
	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/es/estests"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(t.Context(), filepath.Join(t.TempDir(), "screeem.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore(t *testing.T) {
	estests.RunStoreSuite(t, func(t *testing.T) es.EventStore {
		return NewStore(openTestDB(t))
	})
}

func TestStore_SharedDatabase(t *testing.T) {
	db := openTestDB(t)
	estests.RunStoreSuite(t, func(t *testing.T) es.EventStore {
		return NewStore(db)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(t.Context(), " ", nil)
	require.Error(t, err)
}

func TestOpen_RunsMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screeem.db")

	db, err := Open(t.Context(), path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(t.Context(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"events", "subscription_cursors", "scheduled_posts"} {
		var name string
		require.NoError(t, db.QueryRowContext(t.Context(), `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name))
	}

	entries, err := migrations.FS.ReadDir(".")
	require.NoError(t, err)
	var applied int
	require.NoError(t, db.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, len(entries), applied)
}

func TestExtractUpMigration(t *testing.T) {
	require.Equal(t, "\nCREATE TABLE a (x INT);\n", ExtractUpMigration("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;"))
	require.Equal(t, "CREATE TABLE b (x INT);", ExtractUpMigration("CREATE TABLE b (x INT);"))
}

// Two stores on one file stand in for two processes. The database lock
// and the unique (stream_id, stream_sequence) index keep the stream
// consistent.
func TestStore_TwoWritersOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *Store {
		db, err := Open(t.Context(), path, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s := NewStore(db)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	a, b := open(), open()
	streamID := estests.NewStreamID("org")

	var wg sync.WaitGroup
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for committed := 0; committed < 10; {
				events, err := s.GetStream(t.Context(), streamID)
				if err != nil {
					continue
				}
				_, err = s.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(1), es.Version(len(events)), estests.Meta())
				if err == nil {
					committed++
					continue
				}
				if !es.IsConflict(err) && !es.IsUnavailable(err) {
					t.Errorf("append: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	events, err := a.GetStream(t.Context(), streamID)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		require.Equal(t, es.Version(i+1), ev.StreamSequence)
	}
}

func TestStore_ClosedStore(t *testing.T) {
	s := NewStore(openTestDB(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(t.Context(), "org-1", estests.TimelineStreamType, estests.Events(1), 0, estests.Meta())
	require.ErrorIs(t, err, es.ErrClosed)
}
