package sqlstore

import (
	"sync"

	"github.com/opsboard/opsboard/internal/domain"
)

// Feed fans committed row-store changes out to in-process subscribers.
// Subscribers are called synchronously after the write returns, so a
// slow callback delays the writer; callers that recompute should hand off
// to their own goroutine.
type Feed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	scope domain.Scope
	table string
	fn    func(domain.Change)
}

// NewFeed creates an empty change feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]subscription)}
}

// Subscribe registers fn for changes to table within scope. A scope
// without a site receives changes for every site of the tenant.
func (f *Feed) Subscribe(scope domain.Scope, table string, fn func(domain.Change)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = subscription{scope: scope, table: table, fn: fn}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers c to every matching subscriber.
func (f *Feed) Publish(c domain.Change) {
	f.mu.RLock()
	var targets []func(domain.Change)
	for _, s := range f.subs {
		if s.table != c.Table || s.scope.TenantID != c.Scope.TenantID {
			continue
		}
		if s.scope.SiteID != "" && c.Scope.SiteID != "" && s.scope.SiteID != c.Scope.SiteID {
			continue
		}
		targets = append(targets, s.fn)
	}
	f.mu.RUnlock()

	for _, fn := range targets {
		fn(c)
	}
}

// Len returns the number of active subscriptions.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
