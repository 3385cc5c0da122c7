// Package migrate applies versioned SQL migrations from an embedded
// filesystem. Each migration lives in a pair of files named
// 0001_name.up.sql / 0001_name.down.sql and runs in its own transaction.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Applied records one migration already present in the tracking table.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Migrator applies migrations against one database, tracking progress in its
// own table. Separate subsystems use separate tracking tables
// ("schema_migrations", "projection_<name>_schema_migrations") so their
// version sequences stay independent.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	tableName  string
}

// New creates a migrator tracking progress in tableName.
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{db: db, tableName: tableName}
}

// Add registers migrations defined in code.
func (m *Migrator) Add(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
	m.sortMigrations()
}

// LoadFromFS loads migrations from a filesystem directory. Files that do not
// match the <version>_<name>.(up|down).sql pattern are ignored.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		version, name, up, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration, exists := byVersion[version]
		if !exists {
			migration = &Migration{Version: version, Name: name}
			byVersion[version] = migration
		}
		if up {
			migration.Name = name
			migration.Up = string(content)
		} else {
			migration.Down = string(content)
		}
	}

	for _, migration := range byVersion {
		if migration.Up == "" {
			return fmt.Errorf("migration %d has no up script", migration.Version)
		}
		m.migrations = append(m.migrations, *migration)
	}
	m.sortMigrations()
	return nil
}

// parseFilename splits "0003_outbox.up.sql" into (3, "outbox", true).
func parseFilename(filename string) (version int, name string, up bool, ok bool) {
	var suffix string
	switch {
	case strings.HasSuffix(filename, ".up.sql"):
		suffix, up = ".up.sql", true
	case strings.HasSuffix(filename, ".down.sql"):
		suffix, up = ".down.sql", false
	default:
		return 0, "", false, false
	}

	base := strings.TrimSuffix(filename, suffix)
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return 0, "", false, false
	}

	version, err := strconv.Atoi(base[:idx])
	if err != nil || version <= 0 {
		return 0, "", false, false
	}
	return version, base[idx+1:], up, true
}

func (m *Migrator) sortMigrations() {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.tableName, err)
	}
	return nil
}

func (m *Migrator) currentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s", m.tableName,
	)).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up() error {
	return m.UpTo(0)
}

// UpTo applies pending migrations up to and including targetVersion.
// targetVersion <= 0 means all.
func (m *Migrator) UpTo(targetVersion int) error {
	if err := m.ensureTable(); err != nil {
		return err
	}
	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if targetVersion > 0 && migration.Version > targetVersion {
			break
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(
		"INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName,
	), migration.Version, migration.Name, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := m.ensureTable(); err != nil {
		return err
	}
	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}

	var target *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == current {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %d not found", current)
	}
	if target.Down == "" {
		return fmt.Errorf("migration %d has no down script", current)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(target.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE version = ?", m.tableName,
	), current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

// Version returns the current migration version; 0 when none applied.
func (m *Migrator) Version() (int, error) {
	if err := m.ensureTable(); err != nil {
		return 0, err
	}
	return m.currentVersion()
}

// Status lists applied migrations in order.
func (m *Migrator) Status() ([]Applied, error) {
	if err := m.ensureTable(); err != nil {
		return nil, err
	}

	rows, err := m.db.Query(fmt.Sprintf(
		"SELECT version, name, applied_at FROM %s ORDER BY version", m.tableName,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Applied
	for rows.Next() {
		var a Applied
		var appliedAt int64
		if err := rows.Scan(&a.Version, &a.Name, &appliedAt); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(appliedAt, 0).UTC()
		applied = append(applied, a)
	}
	return applied, rows.Err()
}
