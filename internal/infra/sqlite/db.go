// Package sqlite provides the SQLite-backed row-store for opsboard.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/sqlstore"
)

// DB wraps a SQLite connection with WAL mode and migrations.
// It implements domain.RowStore and domain.Transactor.
type DB struct {
	db   *sql.DB
	feed *sqlstore.Feed
	now  func() time.Time
}

// Open creates or opens the SQLite database at dir/opsboard.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "opsboard.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, feed: sqlstore.NewFeed(), now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Feed exposes the change feed for diagnostics.
func (d *DB) Feed() *sqlstore.Feed {
	return d.feed
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	for _, m := range sqlstore.Migrations(sqlstore.SQLite) {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Row-store ──────────────────────────────────────────────────────────────

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Select returns rows matching q within scope.
func (d *DB) Select(ctx context.Context, scope domain.Scope, q domain.Query) ([]domain.Row, error) {
	return selectRows(ctx, d.db, scope, q)
}

// Insert writes rows and publishes one change for the batch.
func (d *DB) Insert(ctx context.Context, scope domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	out, change, err := insertRows(ctx, d.db, scope, table, rows, d.now())
	if err != nil {
		return nil, err
	}
	d.feed.Publish(change)
	return out, nil
}

// Update patches matching rows.
func (d *DB) Update(ctx context.Context, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, error) {
	n, change, err := updateRows(ctx, d.db, scope, table, where, patch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.feed.Publish(change)
	}
	return n, nil
}

// Delete removes matching rows.
func (d *DB) Delete(ctx context.Context, scope domain.Scope, table string, where []domain.Cond) (int64, error) {
	n, change, err := deleteRows(ctx, d.db, scope, table, where)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.feed.Publish(change)
	}
	return n, nil
}

// Subscribe registers fn for committed changes to table within scope.
func (d *DB) Subscribe(scope domain.Scope, table string, fn func(domain.Change)) func() {
	return d.feed.Subscribe(scope, table, fn)
}

// InTx runs fn inside a transaction. Changes are published only after
// commit; a returned error rolls everything back.
func (d *DB) InTx(ctx context.Context, fn func(tx domain.RowStore) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &txStore{tx: sqlTx, feed: d.feed, now: d.now}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, c := range tx.pending {
		d.feed.Publish(c)
	}
	return nil
}

// txStore is the RowStore handed to InTx callbacks.
type txStore struct {
	tx      *sql.Tx
	feed    *sqlstore.Feed
	now     func() time.Time
	pending []domain.Change
}

func (t *txStore) Select(ctx context.Context, scope domain.Scope, q domain.Query) ([]domain.Row, error) {
	return selectRows(ctx, t.tx, scope, q)
}

func (t *txStore) Insert(ctx context.Context, scope domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	out, change, err := insertRows(ctx, t.tx, scope, table, rows, t.now())
	if err != nil {
		return nil, err
	}
	t.pending = append(t.pending, change)
	return out, nil
}

func (t *txStore) Update(ctx context.Context, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, error) {
	n, change, err := updateRows(ctx, t.tx, scope, table, where, patch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.pending = append(t.pending, change)
	}
	return n, nil
}

func (t *txStore) Delete(ctx context.Context, scope domain.Scope, table string, where []domain.Cond) (int64, error) {
	n, change, err := deleteRows(ctx, t.tx, scope, table, where)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.pending = append(t.pending, change)
	}
	return n, nil
}

func (t *txStore) Subscribe(scope domain.Scope, table string, fn func(domain.Change)) func() {
	return t.feed.Subscribe(scope, table, fn)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func selectRows(ctx context.Context, q querier, scope domain.Scope, query domain.Query) ([]domain.Row, error) {
	stmt, cols, err := sqlstore.BuildSelect(sqlstore.SQLite, scope, query)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", query.Table, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", query.Table, err)
		}
		out = append(out, sqlstore.Normalize(query.Table, cols, vals))
	}
	return out, rows.Err()
}

func insertRows(ctx context.Context, q querier, scope domain.Scope, table string, rows []domain.Row, now time.Time) ([]domain.Row, domain.Change, error) {
	change := domain.Change{Table: table, Op: domain.ChangeInsert, Scope: scope}
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		prepared, err := sqlstore.PrepareRow(scope, table, r, now)
		if err != nil {
			return nil, change, err
		}
		stmt, err := sqlstore.BuildInsert(sqlstore.SQLite, table, prepared)
		if err != nil {
			return nil, change, err
		}
		if _, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return nil, change, fmt.Errorf("insert %s: %w", table, err)
		}
		out = append(out, prepared)
		change.IDs = append(change.IDs, prepared.String("id"))
	}
	return out, change, nil
}

func updateRows(ctx context.Context, q querier, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, domain.Change, error) {
	change := domain.Change{Table: table, Op: domain.ChangeUpdate, Scope: scope, IDs: sqlstore.IDsFrom(where)}
	stmt, err := sqlstore.BuildUpdate(sqlstore.SQLite, scope, table, where, patch)
	if err != nil {
		return 0, change, err
	}
	res, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, change, fmt.Errorf("update %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, change, nil
}

func deleteRows(ctx context.Context, q querier, scope domain.Scope, table string, where []domain.Cond) (int64, domain.Change, error) {
	change := domain.Change{Table: table, Op: domain.ChangeDelete, Scope: scope, IDs: sqlstore.IDsFrom(where)}
	stmt, err := sqlstore.BuildDelete(sqlstore.SQLite, scope, table, where)
	if err != nil {
		return 0, change, err
	}
	res, err := q.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, change, fmt.Errorf("delete %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, change, nil
}
