package httpapi

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/identity"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup bootstraps the first admin account. Succeeds exactly once.
func (a *API) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		a.writeError(w, r, invalidField("username", "username and password are required"))
		return
	}
	u, err := a.identity.Setup(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("initial admin created", "username", u.Username)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	token, expiry, err := a.identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiry.Format(time.RFC3339),
	})
}

// handleMe describes the authenticated principal, whichever kind it is.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	switch p.Kind {
	case identity.PrincipalDevice:
		writeJSON(w, http.StatusOK, map[string]any{"kind": p.Kind, "device": p.Device})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"kind": p.Kind, "user": p.User})
	}
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	users, err := a.stores.Users.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request, _ *identity.Principal) {
	var req struct {
		credentialsRequest
		IsAdmin bool `json:"is_admin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		a.writeError(w, r, invalidField("username", "username and password are required"))
		return
	}
	u, err := a.identity.CreateUser(r.Context(), req.Username, req.Password, req.IsAdmin)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	id := r.PathValue("id")
	if id == p.UserID {
		a.writeError(w, r, invalidField("id", "cannot delete your own account"))
		return
	}
	if err := a.stores.Users.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
