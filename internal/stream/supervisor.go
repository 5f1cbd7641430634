// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/registry"
)

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camagent_stream_transitions_total",
		Help: "Stream state transitions",
	}, []string{"from", "to"})

	workerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camagent_worker_exit_total",
		Help: "Worker process exits by classification",
	}, []string{"reason"})

	workerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camagent_worker_restarts_total",
		Help: "Scheduled worker restarts after transient failures",
	}, []string{"camera_id"})
)

// Config carries the supervision knobs.
type Config struct {
	Retry           RetryPolicy
	StabilityWindow time.Duration
	StaleAfter      time.Duration
	StopGrace       time.Duration
	// ProbeInterval is how often the liveness probe runs. Zero derives it
	// from StaleAfter.
	ProbeInterval time.Duration
	// PurgeOnStop deletes a camera's segments and index on explicit stop
	// instead of leaving them for a possible resume.
	PurgeOnStop bool
}

func (c Config) probeInterval() time.Duration {
	if c.ProbeInterval > 0 {
		return c.ProbeInterval
	}
	iv := c.StaleAfter / 3
	if iv < time.Second {
		iv = time.Second
	}
	if iv > 5*time.Second {
		iv = 5 * time.Second
	}
	return iv
}

// Supervisor reconciles the desired camera set with running workers. All
// mutating operations for one camera are serialized through that camera's
// event loop; different cameras never serialize on each other.
type Supervisor struct {
	cfg      Config
	reg      registry.Reader
	launcher Launcher
	store    SegmentStore
	logs     *logfan.Fanout

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	cams   map[string]*camera
	closed bool
}

// NewSupervisor creates a supervisor. Call Shutdown to release it.
func NewSupervisor(cfg Config, reg registry.Reader, launcher Launcher, store SegmentStore, logs *logfan.Fanout) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		reg:      reg,
		launcher: launcher,
		store:    store,
		logs:     logs,
		baseCtx:  ctx,
		cancel:   cancel,
		cams:     make(map[string]*camera),
	}
}

// RequestStart asks the supervisor to run a worker for the camera. It is
// idempotent: starting a STARTING or RUNNING camera is a no-op. An explicit
// start resets the failure count, so it also recovers a FAILED camera.
func (s *Supervisor) RequestStart(ctx context.Context, cameraID string) error {
	cam, err := s.reg.Get(ctx, cameraID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
		}
		return fmt.Errorf("registry lookup: %w", err)
	}

	for {
		c, err := s.actor(cameraID)
		if err != nil {
			return err
		}
		reply := make(chan error, 1)
		if !c.send(evStart{cam: cam, reply: reply}) {
			// The actor finished between lookup and send; retry with a
			// fresh one.
			continue
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RequestStop terminates the camera's worker (graceful, then force-killed
// after the grace period), cancels any pending retry and removes the state
// entry. Stopping an unknown or already stopped camera is a no-op.
func (s *Supervisor) RequestStop(ctx context.Context, cameraID string) error {
	s.mu.Lock()
	c := s.cams[cameraID]
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	reply := make(chan error, 1)
	if !c.send(evStop{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a consistent snapshot for one camera. Cameras that exist in
// the registry but have no live state report STOPPED.
func (s *Supervisor) Status(ctx context.Context, cameraID string) (StreamState, error) {
	s.mu.Lock()
	c := s.cams[cameraID]
	s.mu.Unlock()
	if c != nil {
		return c.snapshot(), nil
	}

	if _, err := s.reg.Get(ctx, cameraID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return StreamState{}, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
		}
		return StreamState{}, err
	}
	return StreamState{CameraID: cameraID, Status: StatusStopped}, nil
}

// Statuses returns snapshots of every camera with live supervision state,
// ordered by camera id.
func (s *Supervisor) Statuses() []StreamState {
	s.mu.Lock()
	cams := make([]*camera, 0, len(s.cams))
	for _, c := range s.cams {
		cams = append(cams, c)
	}
	s.mu.Unlock()

	out := make([]StreamState, 0, len(cams))
	for _, c := range cams {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Shutdown stops every camera and waits for all workers to exit, bounded by
// ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// actor returns the camera's event loop, creating it if needed.
func (s *Supervisor) actor(cameraID string) (*camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}
	if c, ok := s.cams[cameraID]; ok {
		return c, nil
	}
	c := newCamera(cameraID, s)
	s.cams[cameraID] = c
	s.wg.Add(1)
	go c.loop()
	return c, nil
}

func (s *Supervisor) remove(cameraID string, c *camera) {
	s.mu.Lock()
	if s.cams[cameraID] == c {
		delete(s.cams, cameraID)
	}
	s.mu.Unlock()
}
