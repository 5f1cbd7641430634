// SPDX-License-Identifier: MIT

package segstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beachvar/camagent/internal/log"
)

// Watch observes a prepared target directory and registers segments as the
// worker produces them. A segment counts as complete when the worker creates
// its successor, since the HLS muxer writes segments strictly in sequence.
// Watch blocks until ctx is cancelled; it returns early only on a store or
// watcher failure, which the caller treats as a transient stream failure.
func (s *Store) Watch(ctx context.Context, t Target) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := fw.Add(t.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", t.Dir, err)
	}

	logger := log.WithComponent("segstore")
	var pending string // newest segment, still being written

	flush := func(now time.Time) error {
		if pending == "" {
			return nil
		}
		path := pending
		pending = ""
		return s.OnSegmentProduced(t.CameraID, path, now)
	}

	for {
		select {
		case <-ctx.Done():
			// The worker is gone; whatever it last wrote is final.
			if err := flush(time.Now()); err != nil {
				logger.Warn().Err(err).
					Str(log.FieldCameraID, t.CameraID).
					Msg("failed to register final segment")
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher closed for %s", t.CameraID)
			}
			name := filepath.Base(ev.Name)
			if !IsSegmentFile(name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				s.Touch(t.CameraID)
				if err := flush(time.Now()); err != nil {
					return fmt.Errorf("register segment: %w", err)
				}
				pending = ev.Name
			case ev.Has(fsnotify.Write):
				s.Touch(t.CameraID)
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher closed for %s", t.CameraID)
			}
			logger.Warn().Err(werr).
				Str(log.FieldCameraID, t.CameraID).
				Msg("watcher error")
		}
	}
}
