package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

// handleRegisterSkills is the HTTP alternative to the register frame, for
// Spokes that enroll before opening their channel.
func (a *API) handleRegisterSkills(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req protocol.RegisterPayload
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	n, resolved, err := a.registry.Register(r.Context(), p.Device.ID, req.Skills)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterAck{Registered: n, ResolvedDisplayName: resolved})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	n, err := a.registry.Heartbeat(r.Context(), p.Device.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.HeartbeatAck{Skills: n})
}

func (a *API) handleListSkills(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	a.searchSkills(w, r, p, "")
}

func (a *API) handleSearchSkills(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	a.searchSkills(w, r, p, r.URL.Query().Get("q"))
}

func (a *API) searchSkills(w http.ResponseWriter, r *http.Request, p *identity.Principal, query string) {
	currentDevice := ""
	if p.Kind == identity.PrincipalDevice {
		currentDevice = p.Device.ID
	}
	hits, err := a.registry.Search(r.Context(), p.UserID, query, currentDevice)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": hits})
}

type executeRequest struct {
	DeviceID  string          `json:"device_id,omitempty"`
	Device    string          `json:"device,omitempty"` // display name
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// handleExecuteSkill forwards one tool call to a named device and returns
// the Spoke's response. Transport failures surface as success:false with
// the failure code, mirroring what the agent loop feeds the LLM.
func (a *API) handleExecuteSkill(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.ToolName == "" {
		a.writeError(w, r, invalidField("tool_name", "is required"))
		return
	}

	deviceID := req.DeviceID
	switch {
	case deviceID != "":
		d, err := a.stores.Devices.GetByID(r.Context(), deviceID)
		if err != nil || d.UserID != p.UserID {
			a.writeError(w, r, invalidField("device_id", "unknown device"))
			return
		}
	case req.Device != "":
		id, err := a.registry.ResolveDevice(r.Context(), p.UserID, req.Device)
		if err != nil {
			a.writeError(w, r, invalidField("device", "unknown device"))
			return
		}
		deviceID = id
	case p.Kind == identity.PrincipalDevice:
		deviceID = p.Device.ID
	default:
		a.writeError(w, r, invalidField("device", "device or device_id is required"))
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	resp, err := a.hub.ForwardToolCall(r.Context(), deviceID, req.ToolName, req.Arguments, timeout)
	if err != nil {
		if errors.Is(err, spoke.ErrShuttingDown) {
			a.writeError(w, r, err)
			return
		}
		if errors.Is(err, spoke.ErrDeviceOffline) || errors.Is(err, spoke.ErrBackpressure) ||
			errors.Is(err, spoke.ErrToolTimeout) {
			writeJSON(w, http.StatusOK, protocol.SkillCallResponse{Success: false, Error: err.Error()})
			return
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceChannel authenticates the bearer and hands the connection to
// the spoke hub for the WebSocket upgrade.
func (a *API) handleDeviceChannel(w http.ResponseWriter, r *http.Request) {
	p, err := a.identity.Authenticate(r.Context(), extractBearerToken(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if p.Kind != identity.PrincipalDevice {
		a.writeError(w, r, identity.ErrPermissionDenied)
		return
	}
	a.hub.ServeDevice(w, r, p.Device)
}
