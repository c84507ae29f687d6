package completion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/metrics"
	"github.com/opsboard/opsboard/internal/infra/records"
)

// Manager opens, tracks and closes completion sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	repo     *records.Repository
	resolver *resolver.Resolver
	pipeline *Pipeline
}

// NewManager creates a session manager.
func NewManager(repo *records.Repository, res *resolver.Resolver, pipeline *Pipeline) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		repo:     repo,
		resolver: res,
		pipeline: pipeline,
	}
}

// Open starts a completion session for one instance of taskID. daypart
// selects the instance of a multi-daypart row and may be empty for rows
// shown once.
func (m *Manager) Open(ctx context.Context, scope domain.Scope, taskID, daypart string) (*Session, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	task, err := m.repo.Task(ctx, scope, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return nil, err
		}
		return nil, &domain.PersistenceError{Op: "load task", Err: err}
	}
	if task.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskAlreadyComplete, task.ID)
	}
	if scope.SiteID == "" {
		scope = scope.WithSite(task.SiteID)
	}

	res, err := m.resolver.Resolve(ctx, scope, *task)
	if err != nil {
		return nil, err
	}

	instance, err := m.pickDaypart(ctx, scope, *task, res.Template, daypart)
	if err != nil {
		return nil, err
	}

	s := NewSession(uuid.NewString(), scope, res, instance)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	metrics.SessionsOpen.Inc()
	log.Printf("[completion] session %s opened for task %s (%s)", s.id, task.ID, instance)
	return s, nil
}

// pickDaypart resolves which instance a session completes and rejects
// instances that already have a completion.
func (m *Manager) pickDaypart(ctx context.Context, scope domain.Scope, task domain.Task, tmpl *domain.Template, requested string) (domain.Daypart, error) {
	slots := schedule.InstanceDayparts(task, tmpl)
	if len(slots) < 2 {
		return slots[0], nil
	}
	if requested == "" {
		return "", fmt.Errorf("%w: task %s has %d", domain.ErrDaypartRequired, task.ID, len(slots))
	}
	want, ok := domain.ParseDaypart(requested)
	found := false
	for _, d := range slots {
		if d == want {
			found = true
			break
		}
	}
	if !ok || !found {
		return "", fmt.Errorf("%w: %q", domain.ErrDaypartRequired, requested)
	}

	marks, err := m.repo.CompletionMarks(ctx, scope, []string{task.ID})
	if err != nil {
		return "", &domain.PersistenceError{Op: "load completions", Err: err}
	}
	for _, mk := range marks {
		if mk.Daypart != "" && domain.NormalizeDaypart(mk.Daypart) == want {
			return "", fmt.Errorf("%w: %s %s", domain.ErrTaskAlreadyComplete, task.ID, want)
		}
	}
	return want, nil
}

// Get returns an open session visible to scope.
func (m *Manager) Get(scope domain.Scope, id string) (*Session, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || s.scope.TenantID != scope.TenantID {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Submit runs the pipeline for a session and forgets it on success.
func (m *Manager) Submit(ctx context.Context, scope domain.Scope, id, completedBy string) (*Result, error) {
	s, err := m.Get(scope, id)
	if err != nil {
		return nil, err
	}
	res, err := m.pipeline.Submit(ctx, s, completedBy)
	if err != nil {
		return nil, err
	}
	m.remove(id)
	return res, nil
}

// Cancel discards a session with no persisted side effects.
func (m *Manager) Cancel(scope domain.Scope, id string) error {
	s, err := m.Get(scope, id)
	if err != nil {
		return err
	}
	if err := s.close(); err != nil {
		return err
	}
	m.remove(id)
	log.Printf("[completion] session %s cancelled", id)
	return nil
}

// Sweep cancels sessions opened longer than maxAge ago that are not
// submitting. It returns the number removed.
func (m *Manager) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.openedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, s := range stale {
		if s.close() == nil {
			m.remove(s.id)
			n++
		}
	}
	if n > 0 {
		log.Printf("[completion] swept %d stale session(s)", n)
	}
	return n
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		metrics.SessionsOpen.Dec()
	}
}
