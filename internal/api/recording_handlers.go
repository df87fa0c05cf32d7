package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/recorder"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// RecordingHandler exposes the wire recordings on disk
type RecordingHandler struct {
	recorder *recorder.Manager
}

// NewRecordingHandler creates a new recording HTTP handler
func NewRecordingHandler(recorderMgr *recorder.Manager) *RecordingHandler {
	return &RecordingHandler{
		recorder: recorderMgr,
	}
}

// ListRecordings handles GET /v1/recordings
func (h *RecordingHandler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := h.recorder.ListRecordings()
	if err != nil {
		writeError(w, err)
		return
	}
	if recordings == nil {
		recordings = []models.RecordingInfo{}
	}
	writeJSON(w, http.StatusOK, recordings)
}

// ExportRecordings handles GET /v1/recordings/{sessionId}/export
func (h *RecordingHandler) ExportRecordings(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	recordings, err := h.recorder.ListRecordings()
	if err != nil {
		writeError(w, err)
		return
	}
	found := false
	for _, rec := range recordings {
		if rec.SessionID == sessionID {
			found = true
			break
		}
	}
	if !found {
		writeError(w, apperr.NotFound("recording", sessionID))
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionID+"-recordings.tar.gz"))
	if err := h.recorder.Export(w, sessionID); err != nil {
		// headers are gone; all we can do is log
		log.WithError(err).WithField("session_id", sessionID).Error("Recording export failed")
	}
}

// SetGlobalRecording handles PUT /v1/recordings/enabled
func (h *RecordingHandler) SetGlobalRecording(w http.ResponseWriter, r *http.Request) {
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
	h.recorder.SetGlobalEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}
