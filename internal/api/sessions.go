package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opsboard/opsboard/internal/app/completion"
	"github.com/opsboard/opsboard/internal/domain"
)

// maxPhotoBytes caps one uploaded photo.
const maxPhotoBytes = 10 << 20

// session loads the {session} route parameter, writing the error response
// on failure.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*completion.Session, bool) {
	sess, err := s.sessions.Get(scopeFrom(r), chi.URLParam(r, "session"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return sess, true
}

// respond writes the session snapshot after a successful edit.
func respond(w http.ResponseWriter, sess *completion.Session, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func indexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("index %q is not a number", chi.URLParam(r, "index")))
		return 0, false
	}
	return i, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Cancel(scopeFrom(r), chi.URLParam(r, "session")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Readings and actions ───────────────────────────────────────────────────

// temperatureRequest sets a reading either as a number or as operator
// text. Both absent clears the reading.
type temperatureRequest struct {
	Value *float64 `json:"value"`
	Text  *string  `json:"text" validate:"omitempty,max=32"`
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req temperatureRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	asset := chi.URLParam(r, "asset")
	var err error
	if req.Text != nil {
		err = sess.SetTemperatureText(asset, *req.Text)
	} else {
		err = sess.SetTemperature(asset, req.Value)
	}
	respond(w, sess, err)
}

type actionRequest struct {
	Kind           domain.ActionKind `json:"kind" validate:"required,oneof=monitor callout"`
	RecheckMinutes int               `json:"recheck_minutes" validate:"omitempty,oneof=30 60 120 240"`
	Notes          string            `json:"notes" validate:"max=2000"`
}

func (s *Server) handleChooseAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respond(w, sess, sess.ChooseAction(chi.URLParam(r, "asset"), req.Kind, req.RecheckMinutes, req.Notes))
}

func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respond(w, sess, sess.RemoveAction(chi.URLParam(r, "asset")))
}

// ─── Checklist, yes/no, notes ───────────────────────────────────────────────

type checklistRequest struct {
	Completed bool `json:"completed"`
}

func (s *Server) handleSetChecklist(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	i, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req checklistRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respond(w, sess, sess.SetChecklistItemCompleted(i, req.Completed))
}

type yesNoRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleSetYesNo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	i, ok := indexParam(w, r)
	if !ok {
		return
	}
	var req yesNoRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	answer, valid := domain.ParseAnswer(req.Answer)
	if !valid {
		writeDomainError(w, fmt.Errorf("%w: %q", domain.ErrInvalidAnswer, req.Answer))
		return
	}
	respond(w, sess, sess.SetYesNoAnswer(i, answer))
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=10000"`
}

func (s *Server) handleSetNotes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req notesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respond(w, sess, sess.SetNotes(req.Notes))
}

// ─── Photos ─────────────────────────────────────────────────────────────────

func (s *Server) handleAddPhoto(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes+1<<20)
	file, hdr, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("multipart field \"photo\": %v", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxPhotoBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(data) > maxPhotoBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "photo exceeds 10 MiB")
		return
	}
	idx, err := sess.AddPhoto(completion.Photo{
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"index": idx, "session": sess.Snapshot()})
}

func (s *Server) handleRemovePhoto(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	i, ok := indexParam(w, r)
	if !ok {
		return
	}
	respond(w, sess, sess.RemovePhoto(i))
}

// ─── Submit ─────────────────────────────────────────────────────────────────

type submitRequest struct {
	CompletedBy string `json:"completed_by" validate:"required,max=200"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	res, err := s.sessions.Submit(r.Context(), scopeFrom(r), chi.URLParam(r, "session"), req.CompletedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
