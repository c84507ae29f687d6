// Package feed loads a site's task rows and expands them into the lists
// shown to staff, recomputing whenever something relevant changes.
package feed

import (
	"context"
	"log"
	"time"

	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/schedule"
	"github.com/opsboard/opsboard/internal/domain"
	"github.com/opsboard/opsboard/internal/infra/metrics"
	"github.com/opsboard/opsboard/internal/infra/records"
)

// Default fetch window around today, in days. Load widens it to the
// largest template visibility window in scope. Ad hoc rows stay visible
// from their due date onward, but only those due within the lookback are
// fetched.
const (
	DefaultLookbackDays  = 7
	DefaultLookaheadDays = 7
)

// watchedTables are the tables whose writes change the feed.
var watchedTables = []string{
	domain.TableTasks,
	domain.TableCompletions,
	domain.TableTemplates,
	domain.TableAssets,
}

// Feed is the expanded task list for one site and day.
type Feed struct {
	Date      string              `json:"date"`
	Scope     domain.Scope        `json:"scope"`
	Active    []schedule.Instance `json:"active"`
	Completed []schedule.Instance `json:"completed"`
	FollowUps []schedule.Instance `json:"follow_ups"`
	Warnings  []domain.Warning    `json:"warnings,omitempty"`
	LoadedAt  time.Time           `json:"loaded_at"`
}

// Service computes feeds.
type Service struct {
	repo      *records.Repository
	hub       *refresh.Hub
	lookback  int
	lookahead int
}

// NewService creates a feed service. Non-positive window sizes fall back to
// the defaults. hub may be nil, in which case Watch only reacts to store
// changes.
func NewService(repo *records.Repository, hub *refresh.Hub, lookback, lookahead int) *Service {
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	if lookahead <= 0 {
		lookahead = DefaultLookaheadDays
	}
	return &Service{repo: repo, hub: hub, lookback: lookback, lookahead: lookahead}
}

// Load fetches rows due around today and expands them. Store failures are
// returned as PersistenceError.
func (s *Service) Load(ctx context.Context, scope domain.Scope, today string) (*Feed, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	before, after, err := s.repo.VisibilitySpan(ctx, scope)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load templates", Err: err}
	}
	from, to := schedule.Window(today, max(s.lookback, after), max(s.lookahead, before))
	tasks, err := s.repo.TasksDue(ctx, scope, from, to)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load tasks", Err: err}
	}

	templateIDs := make([]string, 0, len(tasks))
	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
		if t.TemplateID != "" {
			templateIDs = append(templateIDs, t.TemplateID)
		}
	}
	templates, err := s.repo.TemplatesByID(ctx, scope, templateIDs)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load templates", Err: err}
	}
	archived, err := s.repo.ArchivedAssetIDs(ctx, scope)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load assets", Err: err}
	}
	marks, err := s.repo.CompletionMarks(ctx, scope, taskIDs)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load completions", Err: err}
	}

	res := schedule.Expand(schedule.Input{
		Tasks:          tasks,
		Templates:      templates,
		ArchivedAssets: archived,
		Completions:    marks,
		Today:          today,
	})

	metrics.FeedRefreshLatency.Observe(time.Since(start).Seconds())
	metrics.FeedInstances.WithLabelValues("active").Set(float64(len(res.Active)))
	metrics.FeedInstances.WithLabelValues("completed").Set(float64(len(res.Completed)))
	metrics.FeedInstances.WithLabelValues("follow_ups").Set(float64(len(res.FollowUps)))
	for _, w := range res.Warnings {
		metrics.FeedWarnings.WithLabelValues(string(w.Kind)).Inc()
	}

	return &Feed{
		Date:      today,
		Scope:     scope,
		Active:    res.Active,
		Completed: res.Completed,
		FollowUps: res.FollowUps,
		Warnings:  res.Warnings,
		LoadedAt:  time.Now(),
	}, nil
}

// Watch loads the feed once, then again after every refresh signal or
// store write affecting scope, passing each result to fn. Bursts of
// changes are coalesced into a single reload. today is evaluated on every
// reload so a day rollover picks up the new date. Watch returns when ctx
// is done.
func (s *Service) Watch(ctx context.Context, scope domain.Scope, today func() string, fn func(*Feed, error)) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	poke := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	store := s.repo.Store()
	for _, table := range watchedTables {
		cancel := store.Subscribe(scope, table, func(domain.Change) { poke() })
		defer cancel()
	}

	var signals chan refresh.Signal
	if s.hub != nil {
		signals = s.hub.Subscribe(scope)
		defer s.hub.Unsubscribe(signals)
	}

	reload := func() {
		fn(s.Load(ctx, scope, today()))
	}
	reload()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			log.Printf("[feed] refresh %s/%s: %s", scope.TenantID, scope.SiteID, sig.Reason)
			reload()
		case <-changed:
			reload()
		}
	}
}
