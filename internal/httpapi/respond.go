package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/providers"
	"github.com/nextlevelbuilder/hearth/internal/registry"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/internal/store"
)

const maxBodyBytes = 1 << 20

// validationError produces a 400 with field detail.
type validationError struct {
	Field  string
	Detail string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("validation_failed: %s %s", e.Field, e.Detail)
}

func invalidField(field, detail string) error {
	return &validationError{Field: field, Detail: detail}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto the HTTP contract. Unrecognized errors
// become a sanitized 500; the detail goes to the log only.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *validationError
	var he *providers.HTTPError
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, identity.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission_denied"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrSkillNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, identity.ErrAlreadyInitialized), errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_failed", "field": ve.Field, "detail": ve.Detail,
		})
	case errors.Is(err, spoke.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting_down"})
	case errors.As(err, &he), errors.Is(err, providers.ErrNoProviders):
		// Provider chain exhausted or fatally rejected upstream.
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		a.logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return invalidField("body", "invalid JSON")
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
