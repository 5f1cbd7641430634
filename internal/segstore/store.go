// SPDX-License-Identifier: MIT

// Package segstore maintains the per-camera rolling DVR window: a bounded
// set of segment files plus an index playlist describing the current window.
//
// The index is the one piece of state shared with external readers (the HLS
// fileserver), so every rewrite is an atomic replace. Eviction order is
// strict: the index stops referencing a segment before its backing file is
// deleted, so a reader can never observe an index entry for a missing file.
package segstore

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beachvar/camagent/internal/log"
)

const (
	indexName     = "index.m3u8"
	segmentPrefix = "seg_"
	segmentSuffix = ".ts"
)

var (
	segmentsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camagent_segments_registered_total",
		Help: "Segments registered into the rolling window",
	}, []string{"camera_id"})

	segmentsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camagent_segments_evicted_total",
		Help: "Segments evicted from the rolling window",
	}, []string{"camera_id"})
)

var safeCameraID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// IsSafeCameraID reports whether id may be used as a path component.
func IsSafeCameraID(id string) bool {
	return safeCameraID.MatchString(id) && !strings.Contains(id, "..")
}

// Segment describes one entry of a camera's rolling window.
type Segment struct {
	Sequence  uint64
	Path      string
	CreatedAt time.Time
	Duration  float64 // seconds
}

// Target is a prepared per-camera output location handed to a worker.
type Target struct {
	CameraID  string
	Dir       string
	IndexPath string
	// SegmentPattern is the ffmpeg-style filename template for segments.
	SegmentPattern string
	// StartSequence is the sequence number the worker's first segment must
	// carry so a resumed window keeps numbering monotonic.
	StartSequence uint64
}

type window struct {
	segments     []Segment
	nextSeq      uint64
	lastProduced time.Time
}

// Store owns every camera's segment window. All methods are safe for
// concurrent use.
type Store struct {
	root           string
	capacity       int
	segmentSeconds int
	resumeMaxAge   time.Duration

	mu   sync.Mutex
	cams map[string]*window
}

// New creates a Store rooted at root. capacity is the fixed window length in
// segments; resumeMaxAge bounds how stale an on-disk window may be before a
// restart discards it instead of resuming.
func New(root string, capacity, segmentSeconds int, resumeMaxAge time.Duration) *Store {
	return &Store{
		root:           root,
		capacity:       capacity,
		segmentSeconds: segmentSeconds,
		resumeMaxAge:   resumeMaxAge,
		cams:           make(map[string]*window),
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// PrepareOutputTarget ensures a camera-scoped output directory exists and
// returns the target a worker should write into. If a previous window is
// still fresh enough it is resumed (viewers keep their playlist position);
// otherwise stale files are discarded and the window starts empty.
func (s *Store) PrepareOutputTarget(cameraID string) (Target, error) {
	if !IsSafeCameraID(cameraID) {
		return Target{}, fmt.Errorf("unsafe camera id %q", cameraID)
	}

	dir := filepath.Join(s.root, cameraID)
	// #nosec G301 -- segment files are served publicly
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Target{}, fmt.Errorf("create output dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.cams[cameraID]
	if !ok {
		var dropped []Segment
		var err error
		w, dropped, err = s.recoverWindow(cameraID, dir)
		if err != nil {
			return Target{}, err
		}
		s.cams[cameraID] = w
		if len(w.segments) > 0 {
			// Refresh the index before any dropped file disappears so a
			// reader never sees an entry for a deleted segment.
			if err := s.writeIndexLocked(cameraID, w); err != nil {
				return Target{}, err
			}
		}
		for _, seg := range dropped {
			_ = os.Remove(seg.Path)
		}
	}

	return Target{
		CameraID:       cameraID,
		Dir:            dir,
		IndexPath:      filepath.Join(dir, indexName),
		SegmentPattern: filepath.Join(dir, segmentPrefix+"%09d"+segmentSuffix),
		StartSequence:  w.nextSeq,
	}, nil
}

// recoverWindow rebuilds window state from files left by a previous run.
// Files older than resumeMaxAge are deleted instead of resumed. Files that
// no longer fit the capacity are returned as dropped; the caller deletes
// them after the index has been refreshed.
func (s *Store) recoverWindow(cameraID, dir string) (*window, []Segment, error) {
	logger := log.WithComponent("segstore")
	w := &window{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan output dir: %w", err)
	}

	var found []Segment
	var newest time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseSequence(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		found = append(found, Segment{
			Sequence:  seq,
			Path:      filepath.Join(dir, e.Name()),
			CreatedAt: info.ModTime(),
			Duration:  float64(s.segmentSeconds),
		})
	}

	if len(found) == 0 {
		return w, nil, nil
	}

	if time.Since(newest) > s.resumeMaxAge {
		logger.Info().
			Str(log.FieldCameraID, cameraID).
			Int("stale_segments", len(found)).
			Msg("discarding stale segment window")
		_ = os.Remove(filepath.Join(dir, indexName))
		for _, seg := range found {
			_ = os.Remove(seg.Path)
		}
		return w, nil, nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Sequence < found[j].Sequence })
	var dropped []Segment
	if len(found) > s.capacity {
		// The resumed tail still has to honour the capacity invariant.
		dropped = append(dropped, found[:len(found)-s.capacity]...)
		found = found[len(found)-s.capacity:]
	}
	w.segments = found
	w.nextSeq = found[len(found)-1].Sequence + 1
	w.lastProduced = newest

	logger.Info().
		Str(log.FieldCameraID, cameraID).
		Int("segments", len(found)).
		Uint64("next_seq", w.nextSeq).
		Msg("resumed segment window")
	return w, dropped, nil
}

// NextSequence returns the sequence number the next produced segment should
// carry for this camera.
func (s *Store) NextSequence(cameraID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.cams[cameraID]; ok {
		return w.nextSeq
	}
	return 0
}

// Touch records output activity for a camera without registering a segment.
// The liveness probe uses this to distinguish a producing worker from a
// silently hung one.
func (s *Store) Touch(cameraID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.cams[cameraID]; ok {
		w.lastProduced = time.Now()
	}
}

// LastProduced reports when the camera last produced output. ok is false if
// the camera has no window or has never produced anything.
func (s *Store) LastProduced(cameraID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.cams[cameraID]
	if !ok || w.lastProduced.IsZero() {
		return time.Time{}, false
	}
	return w.lastProduced, true
}

// OnSegmentProduced registers a completed segment file, evicts beyond the
// window capacity and rewrites the index. The evicted file is deleted only
// after the new index no longer references it.
func (s *Store) OnSegmentProduced(cameraID, path string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.cams[cameraID]
	if !ok {
		return fmt.Errorf("no window for camera %s", cameraID)
	}

	seq, ok := parseSequence(filepath.Base(path))
	if !ok {
		seq = w.nextSeq
	}
	if seq >= w.nextSeq {
		w.nextSeq = seq + 1
	}

	w.segments = append(w.segments, Segment{
		Sequence:  seq,
		Path:      path,
		CreatedAt: createdAt,
		Duration:  float64(s.segmentSeconds),
	})
	w.lastProduced = createdAt
	segmentsRegistered.WithLabelValues(cameraID).Inc()

	var evicted []Segment
	if n := len(w.segments) - s.capacity; n > 0 {
		evicted = append(evicted, w.segments[:n]...)
		w.segments = w.segments[n:]
	}

	if err := s.writeIndexLocked(cameraID, w); err != nil {
		return err
	}

	logger := log.WithComponent("segstore")
	for _, seg := range evicted {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn().
				Err(err).
				Str(log.FieldCameraID, cameraID).
				Str(log.FieldPath, seg.Path).
				Msg("failed to delete evicted segment")
		}
		segmentsEvicted.WithLabelValues(cameraID).Inc()
	}
	return nil
}

// writeIndexLocked atomically replaces the camera's index playlist so it
// references exactly the retained window.
func (s *Store) writeIndexLocked(cameraID string, w *window) error {
	dir := filepath.Join(s.root, cameraID)
	path := filepath.Join(dir, indexName)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending index: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	target := s.segmentSeconds
	for _, seg := range w.segments {
		if d := int(math.Ceil(seg.Duration)); d > target {
			target = d
		}
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	mediaSeq := uint64(0)
	if len(w.segments) > 0 {
		mediaSeq = w.segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)
	for _, seg := range w.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", seg.Duration, filepath.Base(seg.Path))
	}

	if _, err := pending.WriteString(b.String()); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// Window returns a copy of the camera's current window, oldest first.
func (s *Store) Window(cameraID string) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.cams[cameraID]
	if !ok {
		return nil
	}
	out := make([]Segment, len(w.segments))
	copy(out, w.segments)
	return out
}

// OnStop releases a camera's window once its worker has confirmed exited.
// With purge set, segment files and the index are deleted immediately to
// reclaim storage; otherwise the files stay on disk for a possible resume.
func (s *Store) OnStop(cameraID string, purge bool) {
	s.mu.Lock()
	w, ok := s.cams[cameraID]
	delete(s.cams, cameraID)
	s.mu.Unlock()

	if !ok || !purge {
		return
	}

	for _, seg := range w.segments {
		_ = os.Remove(seg.Path)
	}
	_ = os.Remove(filepath.Join(s.root, cameraID, indexName))
	// Remove the directory if nothing else is left in it.
	_ = os.Remove(filepath.Join(s.root, cameraID))
}

func parseSequence(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// IsSegmentFile reports whether name looks like a segment produced into a
// prepared target.
func IsSegmentFile(name string) bool {
	_, ok := parseSequence(name)
	return ok
}
