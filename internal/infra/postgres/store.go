// Package postgres is the PostgreSQL row-store, for deployments that keep
// task data in a managed database instead of a local SQLite file.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/sqlstore"
)

// Store is a PostgreSQL-backed row-store.
// Change notifications are delivered in-process only; writes made by other
// processes are not observed.
type Store struct {
	pool *pgxpool.Pool
	feed *sqlstore.Feed
	now  func() time.Time
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, feed: sqlstore.NewFeed(), now: time.Now}
}

// EnsureSchema creates the row-store tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, m := range sqlstore.Migrations(sqlstore.Postgres) {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping() error {
	return s.pool.Ping(context.Background())
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// conn is satisfied by both *pgxpool.Pool and pgx.Tx.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) Select(ctx context.Context, scope domain.Scope, q domain.Query) ([]domain.Row, error) {
	return selectRows(ctx, s.pool, scope, q)
}

func (s *Store) Insert(ctx context.Context, scope domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	out, change, err := insertRows(ctx, s.pool, scope, table, rows, s.now())
	if err != nil {
		return nil, err
	}
	s.feed.Publish(change)
	return out, nil
}

func (s *Store) Update(ctx context.Context, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, error) {
	stmt, err := sqlstore.BuildUpdate(sqlstore.Postgres, scope, table, where, patch)
	if err != nil {
		return 0, err
	}
	n, err := exec(ctx, s.pool, stmt, "update "+table)
	if err == nil && n > 0 {
		s.feed.Publish(domain.Change{Table: table, Op: domain.ChangeUpdate, Scope: scope, IDs: sqlstore.IDsFrom(where)})
	}
	return n, err
}

func (s *Store) Delete(ctx context.Context, scope domain.Scope, table string, where []domain.Cond) (int64, error) {
	stmt, err := sqlstore.BuildDelete(sqlstore.Postgres, scope, table, where)
	if err != nil {
		return 0, err
	}
	n, err := exec(ctx, s.pool, stmt, "delete "+table)
	if err == nil && n > 0 {
		s.feed.Publish(domain.Change{Table: table, Op: domain.ChangeDelete, Scope: scope, IDs: sqlstore.IDsFrom(where)})
	}
	return n, err
}

func (s *Store) Subscribe(scope domain.Scope, table string, fn func(domain.Change)) func() {
	return s.feed.Subscribe(scope, table, fn)
}

// InTx runs fn in a transaction and publishes its changes after commit.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.RowStore) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &txStore{tx: pgTx, store: s}
	if err := fn(tx); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, c := range tx.pending {
		s.feed.Publish(c)
	}
	return nil
}

type txStore struct {
	tx      pgx.Tx
	store   *Store
	pending []domain.Change
}

func (t *txStore) Select(ctx context.Context, scope domain.Scope, q domain.Query) ([]domain.Row, error) {
	return selectRows(ctx, t.tx, scope, q)
}

func (t *txStore) Insert(ctx context.Context, scope domain.Scope, table string, rows ...domain.Row) ([]domain.Row, error) {
	out, change, err := insertRows(ctx, t.tx, scope, table, rows, t.store.now())
	if err != nil {
		return nil, err
	}
	t.pending = append(t.pending, change)
	return out, nil
}

func (t *txStore) Update(ctx context.Context, scope domain.Scope, table string, where []domain.Cond, patch domain.Row) (int64, error) {
	stmt, err := sqlstore.BuildUpdate(sqlstore.Postgres, scope, table, where, patch)
	if err != nil {
		return 0, err
	}
	n, err := exec(ctx, t.tx, stmt, "update "+table)
	if err == nil && n > 0 {
		t.pending = append(t.pending, domain.Change{Table: table, Op: domain.ChangeUpdate, Scope: scope, IDs: sqlstore.IDsFrom(where)})
	}
	return n, err
}

func (t *txStore) Delete(ctx context.Context, scope domain.Scope, table string, where []domain.Cond) (int64, error) {
	stmt, err := sqlstore.BuildDelete(sqlstore.Postgres, scope, table, where)
	if err != nil {
		return 0, err
	}
	n, err := exec(ctx, t.tx, stmt, "delete "+table)
	if err == nil && n > 0 {
		t.pending = append(t.pending, domain.Change{Table: table, Op: domain.ChangeDelete, Scope: scope, IDs: sqlstore.IDsFrom(where)})
	}
	return n, err
}

func (t *txStore) Subscribe(scope domain.Scope, table string, fn func(domain.Change)) func() {
	return t.store.Subscribe(scope, table, fn)
}

func selectRows(ctx context.Context, c conn, scope domain.Scope, q domain.Query) ([]domain.Row, error) {
	stmt, cols, err := sqlstore.BuildSelect(sqlstore.Postgres, scope, q)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Table, err)
		}
		out = append(out, sqlstore.Normalize(q.Table, cols, vals))
	}
	return out, rows.Err()
}

func insertRows(ctx context.Context, c conn, scope domain.Scope, table string, rows []domain.Row, now time.Time) ([]domain.Row, domain.Change, error) {
	change := domain.Change{Table: table, Op: domain.ChangeInsert, Scope: scope}
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		prepared, err := sqlstore.PrepareRow(scope, table, r, now)
		if err != nil {
			return nil, change, err
		}
		stmt, err := sqlstore.BuildInsert(sqlstore.Postgres, table, prepared)
		if err != nil {
			return nil, change, err
		}
		if _, err := exec(ctx, c, stmt, "insert "+table); err != nil {
			return nil, change, err
		}
		out = append(out, prepared)
		change.IDs = append(change.IDs, prepared.String("id"))
	}
	return out, change, nil
}

func exec(ctx context.Context, c conn, stmt sqlstore.Stmt, op string) (int64, error) {
	tag, err := c.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
