package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/zjrosen/swarmd/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all embedded migrations to conn.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", &sqliteDriver{conn: conn})
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", verr)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; restore from the .bak backup", version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	if newVersion != version {
		log.Info(log.CatStore, "migrated schema", "from", version, "to", newVersion)
	}
	return nil
}

// sqliteDriver adapts our *sql.DB to the golang-migrate database.Driver
// interface. The upstream sqlite drivers pin their own CGO or wasm driver
// modules; this keeps the ncruces connection as the single database driver
// in the build.
type sqliteDriver struct {
	conn   *sql.DB
	locked atomic.Bool
}

var _ database.Driver = (*sqliteDriver)(nil)

func (d *sqliteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sqlite migrate driver must be constructed with an existing connection")
}

func (d *sqliteDriver) Close() error {
	// Connection is owned by the DB struct.
	return nil
}

// Lock guards against concurrent migrators in this process. Cross-process
// serialization relies on SQLite's write lock plus the busy timeout.
func (d *sqliteDriver) Lock() error {
	if !d.locked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *sqliteDriver) Unlock() error {
	d.locked.Store(false)
	return nil
}

func (d *sqliteDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := d.conn.Exec(string(stmts)); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return err
	}
	// database.NilVersion means no migrations applied; leave the table empty.
	if version >= 0 {
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`,
			version, dirty,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.conn.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).
		Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return database.NilVersion, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.conn.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.conn.Exec(`DROP TABLE IF EXISTS ` + quoteIdent(table)); err != nil {
			return err
		}
	}
	return nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.conn.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL PRIMARY KEY, dirty BOOLEAN NOT NULL)`)
	return err
}

func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
