package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phabbridge/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var tables []string
	require.NoError(t, conn.Select(&tables, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`))
	assert.Equal(t, []string{"api_keys", "events", "issue_links", "project_options", "schema_migrations"}, tables)
}

func TestStatusListsAppliedMigrations(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	applied, err := Status(conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	v, err := Version(conn)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, Migrate(conn))
	applied, err = Status(conn)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "001_init.sql", applied[0].Name)
	assert.NotEmpty(t, applied[0].AppliedAt)
}

func TestLoadMigrationsSorted(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}
