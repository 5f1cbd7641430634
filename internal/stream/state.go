// SPDX-License-Identifier: MIT

// Package stream implements the supervision engine: one transcoding worker
// per camera, failure classification, progressive-backoff restarts and
// status reporting.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/segstore"
)

// Status is the client-visible lifecycle of one camera's stream.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusBackoff  Status = "BACKOFF"
	StatusFailed   Status = "FAILED"
)

// IsTerminal reports whether the status has no live process and no pending
// retry timer.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// StreamState is a consistent snapshot of one camera's supervision state.
type StreamState struct {
	CameraID            string    `json:"camera_id"`
	Status              Status    `json:"status"`
	PID                 int       `json:"pid,omitempty"`
	StartedAt           time.Time `json:"started_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// ExitInfo describes how a worker process ended.
type ExitInfo struct {
	Code       int
	Err        error
	StderrTail []string
}

var (
	// ErrUnknownCamera is returned when the requested id is not in the
	// registry. No stream state is created for it.
	ErrUnknownCamera = errors.New("unknown camera")

	// ErrStopInProgress is returned for a start request that overlaps an
	// in-flight stop of the same camera.
	ErrStopInProgress = errors.New("stop in progress")

	// ErrSupervisorClosed is returned once the supervisor has shut down.
	ErrSupervisorClosed = errors.New("supervisor closed")
)

// LaunchError marks a fatal spawn failure (executable missing, invalid
// configuration). It bypasses backoff: the camera goes straight to FAILED.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Process is an opaque handle to one live worker. Handles are never reused
// across restarts.
type Process interface {
	// Wait blocks until the process exits and returns its exit info. A
	// cancelled ctx aborts the wait, not the process.
	Wait(ctx context.Context) ExitInfo
	// Stop requests graceful termination and force-kills after the grace
	// period. It does not wait for the exit; observe that through Wait.
	Stop(ctx context.Context) error
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// PID returns the OS process id for diagnostics.
	PID() int
}

// Launcher spawns one transcoding worker for a camera.
type Launcher interface {
	Launch(ctx context.Context, cam registry.Camera, target segstore.Target) (Process, error)
}

// SegmentStore is the slice of the segment store the supervisor drives.
type SegmentStore interface {
	PrepareOutputTarget(cameraID string) (segstore.Target, error)
	Watch(ctx context.Context, t segstore.Target) error
	LastProduced(cameraID string) (time.Time, bool)
	OnStop(cameraID string, purge bool)
}
