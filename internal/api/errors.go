package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opsboard/opsboard/internal/domain"
)

type scopeKey struct{}

// requireTenant rejects requests without a tenant header and stores the
// request scope in the context. The site comes from the {site} route
// parameter when present.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "missing_tenant", TenantHeader+" header is required")
			return
		}
		scope := domain.Scope{TenantID: tenant, SiteID: chi.URLParam(r, "site")}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
	})
}

func scopeFrom(r *http.Request) domain.Scope {
	scope, _ := r.Context().Value(scopeKey{}).(domain.Scope)
	return scope
}

// decodeBody reads a JSON body into dst and applies its validate tags.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, "invalid_body",
				fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    code,
		},
	})
}

// writeDomainError maps a domain error onto a status and a typed body.
// Validation and upload failures carry the affected assets or photos so
// the form can highlight them.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		pu *domain.PartialUploadError
		pe *domain.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		code := "incomplete_readings"
		if errors.Is(ve.Code, domain.ErrUnhandledOutOfRange) {
			code = "unhandled_out_of_range"
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{"message": err.Error(), "type": code, "assets": ve.Assets},
		})
	case errors.As(err, &pu):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{"message": err.Error(), "type": "partial_upload", "failed": pu.Failed, "retryable": true},
		})
	case errors.As(err, &pe):
		log.Printf("[api] %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]any{"message": err.Error(), "type": "persistence", "retryable": pe.Retryable()},
		})
	default:
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			log.Printf("[api] unexpected error: %v", err)
		}
		writeError(w, status, code, err.Error())
	}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingTenant):
		return http.StatusBadRequest, "missing_tenant"
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrSessionLocked):
		return http.StatusConflict, "session_locked"
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone, "session_closed"
	case errors.Is(err, domain.ErrTaskAlreadyComplete):
		return http.StatusConflict, "already_complete"
	case errors.Is(err, domain.ErrNotOutOfRange):
		return http.StatusConflict, "not_out_of_range"
	case errors.Is(err, domain.ErrDaypartRequired),
		errors.Is(err, domain.ErrIndexOutOfRange),
		errors.Is(err, domain.ErrUnknownAsset),
		errors.Is(err, domain.ErrInvalidReading),
		errors.Is(err, domain.ErrInvalidAnswer),
		errors.Is(err, domain.ErrInvalidRecheckDelay),
		errors.Is(err, domain.ErrInvalidActionKind):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
