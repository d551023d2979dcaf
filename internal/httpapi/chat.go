package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/agent"
	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/store"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// handleChatCompletions is the OpenAI-compatible chat endpoint. The last
// user message is the turn input; prior context comes from the session
// transcript, not the request body. stream:true switches to SSE.
func (a *API) handleChatCompletions(w http.ResponseWriter, r *http.Request, p *identity.Principal) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	input := lastUserMessage(req.Messages)
	if input == "" {
		a.writeError(w, r, invalidField("messages", "at least one user message is required"))
		return
	}

	sess, err := a.resolveSession(r, p, req.SessionID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	runReq := agent.RunRequest{
		SessionID: sess.ID,
		UserID:    p.UserID,
		Message:   input,
		Model:     req.Model,
		Stream:    req.Stream,
	}
	if p.Kind == identity.PrincipalDevice {
		runReq.DeviceID = p.Device.ID
	}

	if req.Stream {
		a.streamChat(w, r, runReq, sess.ID)
		return
	}

	result, err := a.loop.Run(r.Context(), runReq)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         "chatcmpl-" + store.NewID(),
		"object":     "chat.completion",
		"created":    time.Now().Unix(),
		"model":      req.Model,
		"session_id": sess.ID,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chatMessage{Role: "assistant", Content: result.Content},
			"finish_reason": "stop",
		}},
		"usage": result.Usage,
	})
}

// resolveSession picks the session for this turn: an explicit session_id
// (ownership checked), the device's active session, or a fresh one.
func (a *API) resolveSession(r *http.Request, p *identity.Principal, sessionID string) (*store.Session, error) {
	if sessionID != "" {
		return a.sessions.Get(r.Context(), p.UserID, sessionID)
	}
	if p.Kind == identity.PrincipalDevice {
		sess, err := a.sessions.ActiveForDevice(r.Context(), p.UserID, p.Device.ID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return a.sessions.Create(r.Context(), p.UserID, p.Device.ID)
	}
	return a.sessions.Create(r.Context(), p.UserID, "")
}

// streamChat runs the turn with SSE output: one data: line per event.
// The loop guarantees exactly one done event, emitted last.
func (a *API) streamChat(w http.ResponseWriter, r *http.Request, req agent.RunRequest, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req.OnEvent = func(ev agent.Event) {
		frame := make(map[string]any, len(ev.Fields)+1)
		for k, v := range ev.Fields {
			frame[k] = v
		}
		frame["type"] = ev.Type
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if _, err := a.loop.Run(r.Context(), req); err != nil {
		// The error already reached the client as an SSE error event.
		a.logger.Warn("chat turn failed", "session_id", sessionID, "error", err)
	}
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
