package httpapi

import (
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/hearth/internal/identity"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	limit := a.listPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	list, total, err := a.sessions.List(r.Context(), p.UserID, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "total": total})
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req struct {
		DeviceID string `json:"device_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	deviceID := req.DeviceID
	if deviceID == "" && p.Kind == identity.PrincipalDevice {
		deviceID = p.Device.ID
	}
	sess, err := a.sessions.Create(r.Context(), p.UserID, deviceID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	sess, err := a.sessions.Get(r.Context(), p.UserID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleRenameSession(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Title == "" {
		a.writeError(w, r, invalidField("title", "is required"))
		return
	}
	if err := a.sessions.Rename(r.Context(), p.UserID, r.PathValue("id"), req.Title); err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, err := a.sessions.Get(r.Context(), p.UserID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	if err := a.sessions.Delete(r.Context(), p.UserID, r.PathValue("id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessionMessages(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := a.sessions.Messages(r.Context(), p.UserID, r.PathValue("id"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
