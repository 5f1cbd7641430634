// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/registry"
)

type cameraRequest struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	SourceURL string            `json:"source_url"`
	Position  registry.Position `json:"position,omitempty"`
	Autostart bool              `json:"autostart,omitempty"`
}

func (cr cameraRequest) validate() string {
	if strings.TrimSpace(cr.Name) == "" {
		return "name is required"
	}
	u, err := url.Parse(cr.SourceURL)
	if err != nil || (u.Scheme != "rtsp" && u.Scheme != "rtsps") || u.Host == "" {
		return "source_url must be a valid rtsp:// or rtsps:// URL"
	}
	if cr.Position != "" && !cr.Position.Valid() {
		return "unknown position"
	}
	return ""
}

func (cr cameraRequest) toCamera(id string) registry.Camera {
	pos := cr.Position
	if pos == "" {
		pos = registry.PositionOther
	}
	return registry.Camera{
		ID:        id,
		Name:      strings.TrimSpace(cr.Name),
		SourceURL: cr.SourceURL,
		Position:  pos,
		Autostart: cr.Autostart,
	}
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "listing cameras failed")
		return
	}
	if cams == nil {
		cams = []registry.Camera{}
	}
	writeJSON(w, r, http.StatusOK, cams)
}

func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !registry.IsValidID(req.ID) {
		writeError(w, r, http.StatusBadRequest, "invalid camera id")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	if _, err := s.reg.Get(r.Context(), req.ID); err == nil {
		writeError(w, r, http.StatusConflict, "camera already exists")
		return
	} else if !errors.Is(err, registry.ErrNotFound) {
		writeError(w, r, http.StatusInternalServerError, "registry lookup failed")
		return
	}

	cam := req.toCamera(req.ID)
	if err := s.reg.Put(r.Context(), cam); err != nil {
		writeError(w, r, http.StatusInternalServerError, "storing camera failed")
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldCameraID, cam.ID).
		Str("source", registry.MaskURL(cam.SourceURL)).
		Msg("camera registered")
	writeJSON(w, r, http.StatusCreated, cam)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.reg.Get(r.Context(), cameraID(r))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "camera not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "registry lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, cam)
}

func (s *Server) handlePutCamera(w http.ResponseWriter, r *http.Request) {
	id := cameraID(r)

	var req cameraRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID != "" && req.ID != id {
		writeError(w, r, http.StatusBadRequest, "camera id is immutable")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.reg.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "camera not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "registry lookup failed")
		return
	}

	cam := req.toCamera(id)
	cam.CreatedAt = existing.CreatedAt
	if err := s.reg.Put(r.Context(), cam); err != nil {
		writeError(w, r, http.StatusInternalServerError, "storing camera failed")
		return
	}
	writeJSON(w, r, http.StatusOK, cam)
}

// handleDeleteCamera stops the stream first so the deleted camera cannot
// leave an orphaned worker behind.
func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	id := cameraID(r)

	if err := s.sup.RequestStop(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, "stopping stream failed")
		return
	}

	if err := s.reg.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "camera not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "deleting camera failed")
		return
	}

	s.logs.Remove(id)
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldCameraID, id).
		Msg("camera deleted")
	w.WriteHeader(http.StatusNoContent)
}
