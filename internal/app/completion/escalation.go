package completion

import (
	"fmt"
	"strings"

	"github.com/opsboard/opsboard/internal/app/resolver"
	"github.com/opsboard/opsboard/internal/domain"
)

// ReadingState is where one asset's reading sits in the escalation flow.
type ReadingState string

const (
	StateMissing   ReadingState = "missing"
	StateInRange   ReadingState = "in_range"
	StateUnhandled ReadingState = "out_of_range_unhandled"
	StateHandled   ReadingState = "out_of_range_handled"
)

// AssetState is the derived per-asset view shown next to each input.
type AssetState struct {
	AssetID     string                    `json:"asset_id"`
	Name        string                    `json:"name"`
	Placeholder bool                      `json:"placeholder,omitempty"`
	Range       domain.TempRange          `json:"range"`
	RangeLabel  string                    `json:"range_label"`
	Reading     *float64                  `json:"reading"`
	State       ReadingState              `json:"state"`
	Action      *domain.RemediationAction `json:"action,omitempty"`
}

// classify derives the state of one reading.
func classify(rng domain.TempRange, reading *float64, hasAction bool) ReadingState {
	switch {
	case reading == nil:
		return StateMissing
	case !rng.OutOfRange(*reading):
		return StateInRange
	case hasAction:
		return StateHandled
	default:
		return StateUnhandled
	}
}

func (s *Session) stateLocked(assetID string) ReadingState {
	_, has := s.draft.Actions[assetID]
	return classify(s.res.Range(assetID), s.draft.Readings[assetID], has)
}

func (s *Session) assetStatesLocked() []AssetState {
	out := make([]AssetState, 0, len(s.res.AssetIDs))
	for _, id := range s.res.AssetIDs {
		a := s.res.Assets[id]
		rng := s.res.Range(id)
		st := AssetState{
			AssetID:     id,
			Name:        a.DisplayName(),
			Placeholder: a.Placeholder,
			Range:       rng,
			RangeLabel:  rng.String(),
			State:       s.stateLocked(id),
		}
		if r := s.draft.Readings[id]; r != nil {
			st.Reading = domain.Float(*r)
		}
		if act, ok := s.draft.Actions[id]; ok {
			st.Action = &act
		}
		out = append(out, st)
	}
	return out
}

// State returns the escalation state of assetID.
func (s *Session) State(assetID string) (ReadingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.res.HasAsset(assetID) {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownAsset, assetID)
	}
	return s.stateLocked(assetID), nil
}

// ChooseMonitor schedules a re-check of assetID after minutes. Zero picks
// the default delay. Replaces any earlier action.
func (s *Session) ChooseMonitor(assetID string, minutes int) error {
	if minutes == 0 {
		minutes = domain.DefaultRecheckMinutes
	}
	if !domain.ValidRecheckDelay(minutes) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidRecheckDelay, minutes)
	}
	return s.choose(assetID, domain.RemediationAction{
		AssetID:        assetID,
		Kind:           domain.ActionMonitor,
		RecheckMinutes: minutes,
	})
}

// ChooseCallout requests a physical intervention for assetID. Notes may be
// empty. Replaces any earlier action.
func (s *Session) ChooseCallout(assetID, notes string) error {
	return s.choose(assetID, domain.RemediationAction{
		AssetID: assetID,
		Kind:    domain.ActionCallout,
		Notes:   strings.TrimSpace(notes),
	})
}

// ChooseAction dispatches on kind.
func (s *Session) ChooseAction(assetID string, kind domain.ActionKind, minutes int, notes string) error {
	switch kind {
	case domain.ActionMonitor:
		return s.ChooseMonitor(assetID, minutes)
	case domain.ActionCallout:
		return s.ChooseCallout(assetID, notes)
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidActionKind, kind)
	}
}

func (s *Session) choose(assetID string, action domain.RemediationAction) error {
	return s.edit(func() error {
		if !s.res.HasAsset(assetID) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownAsset, assetID)
		}
		switch s.stateLocked(assetID) {
		case StateUnhandled, StateHandled:
			s.draft.Actions[assetID] = action
			return nil
		default:
			return fmt.Errorf("%w: %s", domain.ErrNotOutOfRange, assetID)
		}
	})
}

// RemoveAction discards the action for assetID, returning an out-of-range
// reading to unhandled. Removing a missing action is a no-op.
func (s *Session) RemoveAction(assetID string) error {
	return s.edit(func() error {
		if !s.res.HasAsset(assetID) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownAsset, assetID)
		}
		delete(s.draft.Actions, assetID)
		return nil
	})
}

// ─── Gate ───────────────────────────────────────────────────────────────────

// validate applies the submission gate to a draft copy: every configured
// asset needs a reading, then every out-of-range reading needs an action.
// Checklist and yes/no completeness are not enforced.
func validate(res *resolver.Resolution, d Draft) error {
	if !res.RequiresReadings() {
		return nil
	}
	var missing []string
	for _, id := range res.AssetIDs {
		if d.Readings[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &domain.ValidationError{Code: domain.ErrIncompleteReadings, Assets: missing}
	}
	var unhandled []string
	for _, id := range res.AssetIDs {
		_, has := d.Actions[id]
		if classify(res.Range(id), d.Readings[id], has) == StateUnhandled {
			unhandled = append(unhandled, id)
		}
	}
	if len(unhandled) > 0 {
		return &domain.ValidationError{Code: domain.ErrUnhandledOutOfRange, Assets: unhandled}
	}
	return nil
}

// Validate runs the submission gate against the current draft without
// locking the session.
func (s *Session) Validate() error {
	s.mu.Lock()
	d := s.draft.clone()
	s.mu.Unlock()
	return validate(s.res, d)
}
