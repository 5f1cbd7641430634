// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/logfan"
)

const sseHeartbeat = 15 * time.Second

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	lines := s.logs.Recent(cameraID(r))
	if lines == nil {
		lines = []logfan.Line{}
	}
	writeJSON(w, r, http.StatusOK, lines)
}

// handleStreamLogs serves a camera's log lines as server-sent events: the
// retained backlog first, then live lines until the client disconnects.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := cameraID(r)

	// Subscribe before reading the backlog so no line can fall in between.
	sub := s.logs.Subscribe(id)
	defer sub.Close()
	backlog := s.logs.Recent(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seen := time.Time{}
	for _, line := range backlog {
		if err := writeEvent(w, line); err != nil {
			return
		}
		seen = line.Timestamp
	}
	flusher.Flush()

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Debug().Msg("log stream attached")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("log stream detached")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case line, ok := <-sub.C():
			if !ok {
				return
			}
			// The backlog may already contain the first live lines.
			if !line.Timestamp.After(seen) {
				continue
			}
			if err := writeEvent(w, line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, line logfan.Line) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
	return err
}
