package handlers

import (
	"net/http"

	"github.com/siteforge/engine/internal/services"
)

// StatusHandler serves the polling endpoints.
type StatusHandler struct {
	svc services.StatusService
}

func NewStatusHandler(svc services.StatusService) *StatusHandler {
	return &StatusHandler{svc: svc}
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, st)
}

func (h *StatusHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	id, err := projectID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.svc.GetArtifact(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, a)
}
