package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsboard/opsboard/internal/app/feed"
	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/app/schedule"
)

// today returns the current date in the server's zone.
func (s *Server) today() string {
	return time.Now().In(s.loc).Format(schedule.DateLayout)
}

// dateParam reads ?date=, defaulting to today. ok is false after an error
// response has been written.
func (s *Server) dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return "", true
	}
	if _, err := time.Parse(schedule.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", fmt.Sprintf("date %q is not YYYY-MM-DD", date))
		return "", false
	}
	return date, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	date, ok := s.dateParam(w, r)
	if !ok {
		return
	}
	if date == "" {
		date = s.today()
	}
	f, err := s.feeds.Load(r.Context(), scopeFrom(r), date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleTaskStream pushes a fresh feed as a server-sent event whenever the
// site's data changes or a refresh signal fires. Without ?date= the stream
// follows the current day across midnight.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	date, ok := s.dateParam(w, r)
	if !ok {
		return
	}
	today := s.today
	if date != "" {
		today = func() string { return date }
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.drain:
			cancel()
		case <-ctx.Done():
		}
	}()

	scope := scopeFrom(r)
	err := s.feeds.Watch(ctx, scope, today, func(f *feed.Feed, err error) {
		if err != nil {
			log.Printf("[api] feed %s/%s: %v", scope.TenantID, scope.SiteID, err)
			writeEvent(w, "error", map[string]string{"message": err.Error()})
		} else {
			writeEvent(w, "feed", f)
		}
		flusher.Flush()
	})
	if err != nil {
		log.Printf("[api] stream %s/%s: %v", scope.TenantID, scope.SiteID, err)
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"message": err.Error()})
		event = "error"
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.hub.Publish(refresh.Signal{Reason: refresh.ReasonManual, Scope: scopeFrom(r)})
	w.WriteHeader(http.StatusAccepted)
}

type openSessionRequest struct {
	Daypart string `json:"daypart" validate:"omitempty,max=64"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Open(r.Context(), scopeFrom(r), chi.URLParam(r, "task"), req.Daypart)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}
