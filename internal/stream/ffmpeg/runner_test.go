// SPDX-License-Identifier: MIT

//go:build unix

package ffmpeg_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/segstore"
	"github.com/beachvar/camagent/internal/stream"
	"github.com/beachvar/camagent/internal/stream/ffmpeg"
)

func testCam() registry.Camera {
	return registry.Camera{ID: "court1", SourceURL: "rtsp://cam.local/feed"}
}

// shFactory builds a Factory whose worker is a shell script instead of a
// real ffmpeg binary.
func shFactory(script string, grace time.Duration, logs *logfan.Fanout) *ffmpeg.Factory {
	return &ffmpeg.Factory{
		Bin:   "ffmpeg-not-used",
		Grace: grace,
		Logs:  logs,
		Command: func(ctx context.Context, _ registry.Camera, _ segstore.Target) *exec.Cmd {
			return exec.CommandContext(ctx, "sh", "-c", script)
		},
	}
}

func TestLaunch_MissingBinaryIsFatal(t *testing.T) {
	f := &ffmpeg.Factory{Bin: "/definitely/not/ffmpeg", SegmentSeconds: 2}

	_, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.Error(t, err)

	var le *stream.LaunchError
	assert.ErrorAs(t, err, &le)
}

func TestLaunch_EmptySourceURLIsFatal(t *testing.T) {
	f := &ffmpeg.Factory{Bin: "sh", SegmentSeconds: 2}

	cam := testCam()
	cam.SourceURL = ""
	_, err := f.Launch(context.Background(), cam, segstore.Target{})
	require.Error(t, err)

	var le *stream.LaunchError
	assert.ErrorAs(t, err, &le)
}

func TestWait_ReportsExitCodeAndStderr(t *testing.T) {
	logs := logfan.New(10)
	f := shFactory(`echo '[error] connection refused' 1>&2; exit 3`, time.Second, logs)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)

	info := proc.Wait(context.Background())
	assert.Equal(t, 3, info.Code)
	require.NotEmpty(t, info.StderrTail)
	assert.Contains(t, info.StderrTail[len(info.StderrTail)-1], "connection refused")

	assert.False(t, proc.Alive())

	// The stderr line reached the fan-out, classified as an error.
	require.Eventually(t, func() bool {
		return len(logs.Recent("court1")) > 0
	}, time.Second, 10*time.Millisecond)
	line := logs.Recent("court1")[0]
	assert.Equal(t, logfan.LevelError, line.Level)
	assert.Contains(t, line.Message, "connection refused")
}

func TestWait_CleanExit(t *testing.T) {
	f := shFactory(`exit 0`, time.Second, nil)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)

	info := proc.Wait(context.Background())
	assert.Equal(t, 0, info.Code)
	assert.NoError(t, info.Err)
}

func TestWait_CancelledContextAbandonsWait(t *testing.T) {
	f := shFactory(`sleep 30`, time.Second, nil)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)
	defer func() {
		_ = proc.Stop(context.Background())
		proc.Wait(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	info := proc.Wait(ctx)
	assert.True(t, errors.Is(info.Err, context.DeadlineExceeded))
	assert.True(t, proc.Alive(), "abandoning the wait must not touch the process")
}

func TestStop_TerminatesProcess(t *testing.T) {
	f := shFactory(`sleep 30`, 2*time.Second, nil)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)
	assert.True(t, proc.Alive())
	assert.NotZero(t, proc.PID())

	start := time.Now()
	require.NoError(t, proc.Stop(context.Background()))
	info := proc.Wait(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second, "SIGTERM should end sleep immediately")
	assert.NotEqual(t, 0, info.Code)
	assert.False(t, proc.Alive())
}

func TestStop_EscalatesToKill(t *testing.T) {
	// The worker ignores SIGTERM; only the SIGKILL escalation can end it.
	f := shFactory(`trap '' TERM; while true; do sleep 0.1; done`, 200*time.Millisecond, nil)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, proc.Stop(context.Background()))
	info := proc.Wait(context.Background())

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "kill must wait for the grace period")
	assert.Less(t, elapsed, 5*time.Second)
	assert.NotEqual(t, 0, info.Code)
}

func TestStop_IsIdempotent(t *testing.T) {
	f := shFactory(`sleep 30`, time.Second, nil)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)

	require.NoError(t, proc.Stop(context.Background()))
	require.NoError(t, proc.Stop(context.Background()))
	proc.Wait(context.Background())
}

func TestStderrClassification(t *testing.T) {
	logs := logfan.New(10)
	f := shFactory(`
echo '[rtsp @ 0x1] [warning] timestamp discontinuity' 1>&2
echo 'frame=  100 fps= 25' 1>&2
exit 0`, time.Second, logs)

	proc, err := f.Launch(context.Background(), testCam(), segstore.Target{})
	require.NoError(t, err)
	proc.Wait(context.Background())

	lines := logs.Recent("court1")
	require.Len(t, lines, 2)
	assert.Equal(t, logfan.LevelWarning, lines[0].Level)
	assert.Equal(t, logfan.LevelInfo, lines[1].Level)
}
