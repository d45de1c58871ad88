package migrate

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema file, named <version>_<name>.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int    `db:"version"`
	Name      string `db:"name"`
	AppliedAt string `db:"applied_at"`
}

func loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	seen := map[int]string{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, errors.Wrapf(err, "invalid migration filename %s", f.Name())
		}
		if prev, ok := seen[v]; ok {
			return nil, errors.Errorf("migrations %s and %s share version %d", prev, f.Name(), v)
		}
		seen[v] = f.Name()
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func ensureTable(db *sqlx.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	return errors.Wrap(err, "create schema_migrations")
}

// Migrate applies pending embedded migrations in version order, each in its
// own transaction.
func Migrate(db *sqlx.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	if err := ensureTable(db); err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sqlx.DB, m Migration) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.UpSQL); err != nil {
		return errors.Wrapf(err, "migration %s", m.Name)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`, m.Version, m.Name, now); err != nil {
		return errors.Wrapf(err, "record migration %s", m.Name)
	}
	return tx.Commit()
}

// Version reports the highest applied migration, 0 on a fresh database.
func Version(db *sqlx.DB) (int, error) {
	var v int
	if err := db.Get(&v, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return v, nil
}

// Status lists applied migrations, oldest first.
func Status(db *sqlx.DB) ([]Applied, error) {
	if err := ensureTable(db); err != nil {
		return nil, err
	}
	var out []Applied
	err := db.Select(&out, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	return out, errors.Wrap(err, "list migrations")
}
