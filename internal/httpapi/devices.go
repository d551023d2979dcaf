package httpapi

import (
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/store"
)

// deviceView is a device row joined with its live state for listings.
type deviceView struct {
	store.Device
	Online     bool     `json:"online"`
	SkillCount int      `json:"skill_count"`
	Skills     []string `json:"skills,omitempty"`
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	devices, err := a.stores.Devices.ListByUser(r.Context(), p.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		skills, err := a.stores.Skills.ListByDevice(r.Context(), d.ID)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		view := deviceView{Device: d, Online: a.hub.IsOnline(d.ID), SkillCount: len(skills)}
		for _, sk := range skills {
			view.Skills = append(view.Skills, sk.ClassName+"."+sk.MethodName)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (a *API) handleCreateDevice(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		a.writeError(w, r, invalidField("display_name", "is required"))
		return
	}
	d, token, err := a.identity.CreateDevice(r.Context(), p.UserID, req.DisplayName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// The plaintext token is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":          d.ID,
		"display_name":       d.DisplayName,
		"plaintext_token":    token,
		"enrollment_command": a.enrollmentCommand(token),
	})
}

func (a *API) handleDeleteDevice(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	id := r.PathValue("id")
	d, err := a.stores.Devices.GetByID(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if d.UserID != p.UserID {
		a.writeError(w, r, store.ErrNotFound)
		return
	}
	if err := a.stores.Skills.DeleteByDevice(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.stores.Devices.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) enrollmentCommand(token string) string {
	host := a.enrollmentHost
	if host == "" {
		host = "http://localhost:18890"
	}
	return fmt.Sprintf("hearth-spoke connect --hub %s --token %s", host, token)
}
