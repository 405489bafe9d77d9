package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/swarmd/internal/log"
	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// DB owns the SQLite connection and hands out repositories bound to it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path, backs up any
// existing file to path+".bak", applies pragmas, and runs migrations.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, swarmerr.StoreConnectionErr(fmt.Sprintf("create database directory %s", dir)).WithCause(err)
	}

	// Snapshot the current file before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, swarmerr.StoreConnectionErr("backup existing database").WithCause(err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, swarmerr.StoreConnectionErr(fmt.Sprintf("open database %s", path)).WithCause(err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = wal",
		"PRAGMA foreign_keys = 1",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, swarmerr.StoreConnectionErr(fmt.Sprintf("apply %s", pragma)).WithCause(err)
		}
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, swarmerr.StoreConnectionErr("run migrations").WithCause(err)
	}

	log.Debug(log.CatStore, "database opened", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection exposes the raw *sql.DB for callers such as the file watcher
// and ad-hoc maintenance queries.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Workers returns the worker repository.
func (db *DB) Workers() *WorkerRepository {
	return &WorkerRepository{q: db.conn}
}

// Relationships returns the relationship repository.
func (db *DB) Relationships() *RelationshipRepository {
	return &RelationshipRepository{q: db.conn}
}

// ToolEvents returns the tool-event repository.
func (db *DB) ToolEvents() *ToolEventRepository {
	return &ToolEventRepository{q: db.conn}
}

// Issues returns the cached-issue repository.
func (db *DB) Issues() *IssueRepository {
	return &IssueRepository{q: db.conn}
}

// ConfigEntries returns the config repository.
func (db *DB) ConfigEntries() *ConfigRepository {
	return &ConfigRepository{q: db.conn}
}

// Tx exposes the repositories bound to one transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Workers() *WorkerRepository             { return &WorkerRepository{q: t.tx} }
func (t *Tx) Relationships() *RelationshipRepository { return &RelationshipRepository{q: t.tx} }
func (t *Tx) ToolEvents() *ToolEventRepository       { return &ToolEventRepository{q: t.tx} }
func (t *Tx) Issues() *IssueRepository               { return &IssueRepository{q: t.tx} }
func (t *Tx) ConfigEntries() *ConfigRepository       { return &ConfigRepository{q: t.tx} }

// InTx runs fn inside a single transaction. The transaction is rolled back
// when fn errors and committed otherwise. Multi-row protocol steps (review
// finalization, launch finalization) go through here so partial writes never
// become visible.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError("begin transaction", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError("commit transaction", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath.
func (db *DB) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return swarmerr.StoreConnectionErr("create backup directory").WithCause(err)
	}
	// VACUUM INTO produces a compact single-file snapshot even in WAL mode.
	if _, err := db.conn.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return mapSQLError("backup database", err)
	}
	log.Info(log.CatStore, "database backed up", "dest", destPath)
	return nil
}

// Vacuum rebuilds the database file, reclaiming space from deleted rows.
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `VACUUM`); err != nil {
		return mapSQLError("vacuum database", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- src is the configured database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
