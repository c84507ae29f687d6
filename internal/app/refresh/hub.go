// Package refresh carries "recompute the task list" signals between the
// parts of opsboard that change data and the ones that display it.
package refresh

import (
	"sync"
	"time"

	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/metrics"
)

// Reason says why a refresh was requested.
type Reason string

const (
	ReasonTaskCompleted   Reason = "task_completed"
	ReasonDataChanged     Reason = "data_changed"
	ReasonDaypartBoundary Reason = "daypart_boundary"
	ReasonDayRollover     Reason = "day_rollover"
	ReasonManual          Reason = "manual"
)

// Signal is one refresh request. An empty Scope.TenantID addresses every
// subscriber.
type Signal struct {
	Reason   Reason       `json:"reason"`
	Scope    domain.Scope `json:"scope"`
	TaskID   string       `json:"task_id,omitempty"`
	FollowUp bool         `json:"follow_up,omitempty"`
	At       time.Time    `json:"at"`
}

// Matches reports whether a subscriber scoped to s should see sig.
func (sig Signal) Matches(s domain.Scope) bool {
	if sig.Scope.TenantID == "" {
		return true
	}
	if sig.Scope.TenantID != s.TenantID {
		return false
	}
	return sig.Scope.SiteID == "" || s.SiteID == "" || sig.Scope.SiteID == s.SiteID
}

// Hub fans signals out to subscribers. Delivery never blocks the
// publisher; a subscriber that is behind misses signals, which is harmless
// because every refresh recomputes from scratch.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Signal]domain.Scope
	now  func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Signal]domain.Scope), now: time.Now}
}

// Subscribe returns a buffered channel receiving signals for scope.
func (h *Hub) Subscribe(scope domain.Scope) chan Signal {
	ch := make(chan Signal, 16)
	h.mu.Lock()
	h.subs[ch] = scope
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Signal) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers sig to every matching subscriber. A nil hub is a no-op.
func (h *Hub) Publish(sig Signal) {
	if h == nil {
		return
	}
	if sig.At.IsZero() {
		sig.At = h.now()
	}
	metrics.RefreshSignals.WithLabelValues(string(sig.Reason)).Inc()

	h.mu.RLock()
	for ch, scope := range h.subs {
		if !sig.Matches(scope) {
			continue
		}
		select {
		case ch <- sig:
		default:
		}
	}
	h.mu.RUnlock()
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
