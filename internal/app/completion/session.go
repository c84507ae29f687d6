// Package completion holds the in-memory state of an open task-completion
// form, gates out-of-range readings behind a remediation choice, and turns
// a finished form into persisted completion rows.
package completion

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/domain"
)

// Photo is a pending photo attachment. URL is set once it has been
// uploaded, so a retried submit skips it.
type Photo struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
	URL         string `json:"url,omitempty"`
}

// Uploaded reports whether the photo already has a public URL.
func (p Photo) Uploaded() bool { return p.URL != "" }

// Draft is the mutable form state of one session.
type Draft struct {
	Checklist map[int]bool                        `json:"checklist"`
	YesNo     map[int]domain.Answer               `json:"yes_no"`
	Readings  map[string]*float64                 `json:"readings"`
	Notes     string                              `json:"notes"`
	Photos    []Photo                             `json:"photos"`
	Actions   map[string]domain.RemediationAction `json:"actions"`
}

func newDraft() Draft {
	return Draft{
		Checklist: make(map[int]bool),
		YesNo:     make(map[int]domain.Answer),
		Readings:  make(map[string]*float64),
		Actions:   make(map[string]domain.RemediationAction),
	}
}

// clone returns a deep copy.
func (d Draft) clone() Draft {
	out := newDraft()
	out.Notes = d.Notes
	for k, v := range d.Checklist {
		out.Checklist[k] = v
	}
	for k, v := range d.YesNo {
		out.YesNo[k] = v
	}
	for k, v := range d.Readings {
		if v != nil {
			out.Readings[k] = domain.Float(*v)
		} else {
			out.Readings[k] = nil
		}
	}
	for k, v := range d.Actions {
		out.Actions[k] = v
	}
	out.Photos = make([]Photo, len(d.Photos))
	copy(out.Photos, d.Photos)
	return out
}

// SubmitSuccess is passed to OnSubmitSuccess after a completion is saved.
type SubmitSuccess struct {
	CompletedTaskID     string `json:"completed_task_id"`
	FollowUpTaskCreated bool   `json:"follow_up_task_created"`
}

// Session is one open completion form. All methods are safe for concurrent
// use. While a submit is in flight every setter fails with
// domain.ErrSessionLocked.
type Session struct {
	mu         sync.Mutex
	id         string
	scope      domain.Scope
	task       domain.Task
	daypart    domain.Daypart
	res        *resolver.Resolution
	draft      Draft
	submitting bool
	closed     bool
	openedAt   time.Time

	// OnSubmitSuccess, when set, is called once after a successful submit.
	OnSubmitSuccess func(SubmitSuccess)
}

// NewSession creates a session over a resolved task. daypart names the
// instance being completed; it is empty for single-instance rows.
func NewSession(id string, scope domain.Scope, res *resolver.Resolution, daypart domain.Daypart) *Session {
	return &Session{
		id:       id,
		scope:    scope,
		task:     res.Task,
		daypart:  daypart,
		res:      res,
		draft:    newDraft(),
		openedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Scope returns the tenant and site the session writes to.
func (s *Session) Scope() domain.Scope { return s.scope }

// Task returns the task being completed.
func (s *Session) Task() domain.Task { return s.task }

// Daypart returns the instance daypart, or "" for a whole-row completion.
func (s *Session) Daypart() domain.Daypart { return s.daypart }

// Resolution returns the resolved form definition.
func (s *Session) Resolution() *resolver.Resolution { return s.res }

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// ─── Setters ────────────────────────────────────────────────────────────────

// edit runs fn under the lock when the session accepts edits.
func (s *Session) edit(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.submitting {
		return domain.ErrSessionLocked
	}
	return fn()
}

// SetTemperature records a reading for assetID; nil clears it. Clearing the
// reading or moving it back inside the band discards the asset's
// remediation action.
func (s *Session) SetTemperature(assetID string, value *float64) error {
	return s.edit(func() error {
		if !s.res.HasAsset(assetID) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownAsset, assetID)
		}
		if value == nil {
			s.draft.Readings[assetID] = nil
			delete(s.draft.Actions, assetID)
			return nil
		}
		v := *value
		s.draft.Readings[assetID] = &v
		if !s.res.Range(assetID).OutOfRange(v) {
			delete(s.draft.Actions, assetID)
		}
		return nil
	})
}

// SetTemperatureText parses operator input. Empty text clears the reading;
// a comma is accepted as the decimal separator.
func (s *Session) SetTemperatureText(assetID, text string) error {
	v, err := ParseReading(text)
	if err != nil {
		return err
	}
	return s.SetTemperature(assetID, v)
}

// ParseReading converts free text into a nullable reading.
func ParseReading(text string) (*float64, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(strings.TrimSuffix(text, "°C"), "°")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidReading, text)
	}
	return &v, nil
}

// SetChecklistItemCompleted ticks or unticks checklist item i.
func (s *Session) SetChecklistItemCompleted(i int, done bool) error {
	return s.edit(func() error {
		if i < 0 || i >= len(s.res.ChecklistItems) {
			return fmt.Errorf("%w: checklist item %d", domain.ErrIndexOutOfRange, i)
		}
		s.draft.Checklist[i] = done
		return nil
	})
}

// SetYesNoAnswer answers yes/no item i. AnswerUnset clears it.
func (s *Session) SetYesNoAnswer(i int, a domain.Answer) error {
	return s.edit(func() error {
		if i < 0 || i >= len(s.res.YesNoItems) {
			return fmt.Errorf("%w: yes/no item %d", domain.ErrIndexOutOfRange, i)
		}
		switch a {
		case domain.AnswerYes, domain.AnswerNo:
			s.draft.YesNo[i] = a
		case domain.AnswerUnset:
			delete(s.draft.YesNo, i)
		default:
			return fmt.Errorf("%w: %q", domain.ErrInvalidAnswer, a)
		}
		return nil
	})
}

// SetNotes replaces the free-text notes.
func (s *Session) SetNotes(notes string) error {
	return s.edit(func() error {
		s.draft.Notes = notes
		return nil
	})
}

// AddPhoto queues a photo for upload at submit time and returns its index.
func (s *Session) AddPhoto(p Photo) (int, error) {
	var idx int
	err := s.edit(func() error {
		p.Name = s.photoNameLocked(p.Name)
		p.URL = ""
		s.draft.Photos = append(s.draft.Photos, p)
		idx = len(s.draft.Photos) - 1
		return nil
	})
	return idx, err
}

// photoNameLocked returns name, or a generated one, made unique among the
// pending photos.
func (s *Session) photoNameLocked(name string) string {
	if name == "" {
		name = fmt.Sprintf("photo-%d", len(s.draft.Photos)+1)
	}
	taken := func(n string) bool {
		for _, p := range s.draft.Photos {
			if p.Name == n {
				return true
			}
		}
		return false
	}
	base := name
	for i := 2; taken(name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// RemovePhoto drops photo i.
func (s *Session) RemovePhoto(i int) error {
	return s.edit(func() error {
		if i < 0 || i >= len(s.draft.Photos) {
			return fmt.Errorf("%w: photo %d", domain.ErrIndexOutOfRange, i)
		}
		s.draft.Photos = append(s.draft.Photos[:i], s.draft.Photos[i+1:]...)
		return nil
	})
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	ID             string              `json:"id"`
	Task           domain.Task         `json:"task"`
	Daypart        domain.Daypart      `json:"daypart,omitempty"`
	Features       domain.FeatureFlags `json:"features"`
	ChecklistItems []string            `json:"checklist_items"`
	YesNoItems     []string            `json:"yes_no_items"`
	Assets         []AssetState        `json:"assets"`
	Draft          Draft               `json:"draft"`
	Submitting     bool                `json:"submitting"`
	Warnings       []domain.Warning    `json:"warnings,omitempty"`

	// Advisory only; submission does not require either.
	ChecklistComplete bool `json:"checklist_complete"`
	YesNoComplete     bool `json:"yes_no_complete"`
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.id,
		Task:           s.task,
		Daypart:        s.daypart,
		Features:       s.res.Features,
		ChecklistItems: s.res.ChecklistItems,
		YesNoItems:     s.res.YesNoItems,
		Assets:         s.assetStatesLocked(),
		Draft:          s.draft.clone(),
		Submitting:     s.submitting,
		Warnings:       s.res.Warnings,

		ChecklistComplete: s.draft.checklistComplete(len(s.res.ChecklistItems)),
		YesNoComplete:     s.draft.yesNoComplete(len(s.res.YesNoItems)),
	}
}

func (d Draft) checklistComplete(n int) bool {
	for i := 0; i < n; i++ {
		if !d.Checklist[i] {
			return false
		}
	}
	return true
}

func (d Draft) yesNoComplete(n int) bool {
	for i := 0; i < n; i++ {
		if d.YesNo[i] == domain.AnswerUnset {
			return false
		}
	}
	return true
}

// ─── Submit locking ─────────────────────────────────────────────────────────

// beginSubmit locks the session and returns a copy of the draft.
func (s *Session) beginSubmit() (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Draft{}, domain.ErrSessionClosed
	}
	if s.submitting {
		return Draft{}, domain.ErrSessionLocked
	}
	s.submitting = true
	return s.draft.clone(), nil
}

// endSubmit unlocks the session, keeping uploaded photo URLs on the draft.
func (s *Session) endSubmit(photos []Photo, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	for _, p := range photos {
		if !p.Uploaded() {
			continue
		}
		for i := range s.draft.Photos {
			if s.draft.Photos[i].Name == p.Name && !s.draft.Photos[i].Uploaded() {
				s.draft.Photos[i].URL = p.URL
				break
			}
		}
	}
	if done {
		s.closed = true
	}
}

// close discards the session. Later edits fail with ErrSessionClosed.
func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitting {
		return domain.ErrSessionLocked
	}
	s.closed = true
	return nil
}

// Closed reports whether the session was submitted or cancelled.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
