package domain

import (
	"context"
	"io"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// RowStore is tenant- and site-scoped table access. Every call takes a
// Scope; implementations reject an empty tenant with ErrMissingTenant
// before touching storage.
type RowStore interface {
	// Select returns rows of q.Table matching the scope and q.Where.
	Select(ctx context.Context, scope Scope, q Query) ([]Row, error)

	// Insert writes rows and returns them with generated IDs and scope
	// columns filled in.
	Insert(ctx context.Context, scope Scope, table string, rows ...Row) ([]Row, error)

	// Update applies patch to matching rows and returns the affected count.
	Update(ctx context.Context, scope Scope, table string, where []Cond, patch Row) (int64, error)

	// Delete removes matching rows and returns the affected count.
	Delete(ctx context.Context, scope Scope, table string, where []Cond) (int64, error)

	// Subscribe registers fn for changes to table within scope.
	// The returned function cancels the subscription.
	Subscribe(scope Scope, table string, fn func(Change)) (cancel func())
}

// Transactor is implemented by row-stores that can run several writes
// atomically. fn receives a RowStore bound to the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx RowStore) error) error
}

// ObjectStore holds uploaded files such as photo evidence.
type ObjectStore interface {
	// Upload stores r under bucket/path and returns its public URL.
	Upload(ctx context.Context, bucket, path string, r io.Reader) (string, error)

	// PublicURL returns the URL an object is served from.
	PublicURL(bucket, path string) string

	// Remove deletes an object. Removing a missing object is not an error.
	Remove(ctx context.Context, bucket, path string) error
}
