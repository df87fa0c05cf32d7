package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/session"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Handler holds dependencies for session HTTP handlers
type Handler struct {
	sessionMgr *session.Manager
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager) *Handler {
	return &Handler{
		sessionMgr: sessionMgr,
	}
}

// sessionView is the REST projection of a session
type sessionView struct {
	models.SessionState
	PendingPermissions []models.PermissionRequest `json:"pendingPermissions"`
	Alive              bool                       `json:"alive"`
	Clients            int                        `json:"clients"`
}

func (h *Handler) view(id string) (*sessionView, error) {
	b, err := h.sessionMgr.GetSession(id)
	if err != nil {
		return nil, err
	}
	snapshot := b.Snapshot()
	view := &sessionView{
		SessionState:       snapshot.State,
		PendingPermissions: make([]models.PermissionRequest, 0, len(snapshot.PendingPermissions)),
		Alive:              b.Alive(),
		Clients:            b.ClientCount(),
	}
	for _, req := range snapshot.PendingPermissions {
		view.PendingPermissions = append(view.PendingPermissions, req)
	}
	return view, nil
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	state, err := h.sessionMgr.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, state)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	statusFilter := models.SessionStatus(r.URL.Query().Get("status"))

	sessions := []models.SessionState{}
	for _, state := range h.sessionMgr.ListSessions(includeArchived) {
		if statusFilter != "" && state.Status != statusFilter {
			continue
		}
		sessions = append(sessions, state)
	}
	writeJSON(w, http.StatusOK, sessions)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionMgr.DeleteSession(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveSession handles POST /v1/sessions/{id}/archive and /unarchive
func (h *Handler) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	archived := !strings.HasSuffix(r.URL.Path, "/unarchive")

	if err := h.sessionMgr.SetArchived(id, archived); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionId": id, "archived": archived})
}

// RelaunchSession handles POST /v1/sessions/{id}/relaunch
func (h *Handler) RelaunchSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessionMgr.RelaunchSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// SendMessage handles POST /v1/sessions/{id}/message
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, apperr.Validation("content", "is required"))
		return
	}

	if err := h.sessionMgr.InjectUserMessage(mux.Vars(r)["id"], req.Content); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SetRecording handles PUT /v1/sessions/{id}/recording
func (h *Handler) SetRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, apperr.Validation("enabled", "is required"))
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.sessionMgr.SetRecording(id, *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionId": id, "recording": *req.Enabled})
}

// GetConnectURL handles GET /v1/sessions/{id}/connect
func (h *Handler) GetConnectURL(w http.ResponseWriter, r *http.Request) {
	view, err := h.view(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"websocketUrl": fmt.Sprintf("ws://%s/v1/sessions/%s/ws", r.Host, view.SessionID),
		"sessionId":    view.SessionID,
		"status":       string(view.Status),
	})
}
