package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Migrate ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	recorded := func(t *testing.T, version string) bool {
		t.Helper()
		var ok bool
		require.NoError(t, testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&ok))
		return ok
	}

	t.Run("applies migration and records version", func(t *testing.T) {
		testFS := fstest.MapFS{
			"900_test_migrate.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_migrate_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_migrate_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "900_test_migrate.sql")
		})

		n, err := testStore.Migrate(ctx, testFS)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var exists bool
		require.NoError(t, testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'test_migrate_tbl')",
		).Scan(&exists))
		assert.True(t, exists)
		assert.True(t, recorded(t, "900_test_migrate.sql"))
	})

	t.Run("skips already-applied migrations", func(t *testing.T) {
		testFS := fstest.MapFS{
			"901_test_idempotent.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_idempotent_tbl (id INT);")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_idempotent_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "901_test_idempotent.sql")
		})

		n, err := testStore.Migrate(ctx, testFS)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// Second run would fail on CREATE TABLE if it re-applied.
		n, err = testStore.Migrate(ctx, testFS)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("rolls back on bad SQL", func(t *testing.T) {
		testFS := fstest.MapFS{
			"902_test_bad.sql": &fstest.MapFile{Data: []byte("THIS IS NOT VALID SQL;")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", "902_test_bad.sql")
		})

		_, err := testStore.Migrate(ctx, testFS)
		require.Error(t, err)
		assert.False(t, recorded(t, "902_test_bad.sql"))
	})

	t.Run("applies migrations in sorted order", func(t *testing.T) {
		// b depends on a; wrong order fails the ALTER.
		testFS := fstest.MapFS{
			"903_test_order_a.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_order_tbl (id INT);")},
			"904_test_order_b.sql": &fstest.MapFile{Data: []byte("ALTER TABLE test_order_tbl ADD COLUMN name TEXT;")},
		}
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_order_tbl")
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version LIKE '90%_test_order%'")
		})

		n, err := testStore.Migrate(ctx, testFS)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("handles empty filesystem", func(t *testing.T) {
		n, err := testStore.Migrate(ctx, fstest.MapFS{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
