// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/beachvar/camagent/internal/stream"
)

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := cameraID(r)

	err := s.sup.RequestStart(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrUnknownCamera):
		writeError(w, r, http.StatusNotFound, "camera not found")
		return
	case errors.Is(err, stream.ErrStopInProgress):
		writeError(w, r, http.StatusConflict, "stop in progress, retry shortly")
		return
	case errors.Is(err, stream.ErrSupervisorClosed):
		writeError(w, r, http.StatusServiceUnavailable, "agent is shutting down")
		return
	default:
		// Fatal launch errors surface here; the state is FAILED and the
		// detail is in the status payload.
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}

	st, err := s.sup.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "reading stream status failed")
		return
	}
	writeJSON(w, r, http.StatusAccepted, st)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := cameraID(r)

	if err := s.sup.RequestStop(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	st, err := s.sup.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, stream.ErrUnknownCamera) {
			writeError(w, r, http.StatusNotFound, "camera not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "reading stream status failed")
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(r.Context(), cameraID(r))
	if err != nil {
		if errors.Is(err, stream.ErrUnknownCamera) {
			writeError(w, r, http.StatusNotFound, "camera not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "reading stream status failed")
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	states := s.sup.Statuses()
	if states == nil {
		states = []stream.StreamState{}
	}
	writeJSON(w, r, http.StatusOK, states)
}
