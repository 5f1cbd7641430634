// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/procutil"
	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/segstore"
	"github.com/beachvar/camagent/internal/stream"
)

const (
	stderrTailLines = 8
	// ffmpeg can emit very long filter/option dumps on a single line.
	maxStderrLine = 16 * 1024
)

// Factory builds ffmpeg worker processes. It implements stream.Launcher.
type Factory struct {
	// Bin is the ffmpeg executable, looked up in PATH if not absolute.
	Bin string
	// Grace is how long a stopped worker gets between SIGTERM and SIGKILL.
	Grace time.Duration
	// SegmentSeconds is the target duration of each produced segment.
	SegmentSeconds int
	// Logs receives the worker's classified stderr lines.
	Logs *logfan.Fanout

	// Command overrides worker construction in tests. Production code leaves
	// it nil and gets BuildArgs applied to Bin.
	Command func(ctx context.Context, cam registry.Camera, t segstore.Target) *exec.Cmd
}

// Launch starts one worker for the camera. A missing executable or an
// unusable source URL is a fatal stream.LaunchError; resource errors are
// returned plain so the supervisor retries them.
func (f *Factory) Launch(ctx context.Context, cam registry.Camera, t segstore.Target) (stream.Process, error) {
	var cmd *exec.Cmd
	if f.Command != nil {
		cmd = f.Command(ctx, cam, t)
	} else {
		bin, err := exec.LookPath(f.Bin)
		if err != nil {
			return nil, &stream.LaunchError{Err: fmt.Errorf("ffmpeg binary %q: %w", f.Bin, err)}
		}
		if cam.SourceURL == "" {
			return nil, &stream.LaunchError{Err: fmt.Errorf("camera %s has no source url", cam.ID)}
		}
		cmd = exec.CommandContext(ctx, bin, BuildArgs(cam, t, f.SegmentSeconds)...)
	}

	procutil.Setpgid(cmd)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &stream.LaunchError{Err: fmt.Errorf("start worker: %w", err)}
		}
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &process{
		cameraID: cam.ID,
		cmd:      cmd,
		grace:    f.Grace,
		logs:     f.Logs,
		logger: log.WithComponent("ffmpeg").With().
			Str(log.FieldCameraID, cam.ID).
			Int(log.FieldPID, cmd.Process.Pid).Logger(),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	p.logger.Debug().Str("source", registry.MaskURL(cam.SourceURL)).Msg("worker spawned")

	go p.consumeStderr(stderr)
	go p.wait()
	return p, nil
}

var _ stream.Launcher = (*Factory)(nil)

// process is a handle to one live ffmpeg run.
type process struct {
	cameraID string
	cmd      *exec.Cmd
	grace    time.Duration
	logs     *logfan.Fanout
	logger   zerolog.Logger

	stderrDone chan struct{}
	waitDone   chan struct{}
	exit       stream.ExitInfo

	stopOnce sync.Once

	tailMu sync.Mutex
	tail   []string
}

func (p *process) wait() {
	// The stderr pipe must be drained before Wait reaps the child.
	<-p.stderrDone
	err := p.cmd.Wait()

	info := stream.ExitInfo{Code: 0}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		info.Code = exitErr.ExitCode()
		info.Err = err
	default:
		info.Code = -1
		info.Err = err
	}
	p.tailMu.Lock()
	info.StderrTail = append([]string(nil), p.tail...)
	p.tailMu.Unlock()

	p.exit = info
	close(p.waitDone)
}

func (p *process) consumeStderr(r io.Reader) {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[1:]
		}
		p.tailMu.Unlock()

		if p.logs != nil {
			p.logs.Publish(p.cameraID, classify(line), line)
		}
	}
}

// classify maps an ffmpeg "level+" prefixed stderr line to a fan-out level.
func classify(line string) logfan.Level {
	switch {
	case strings.Contains(line, "[fatal]"), strings.Contains(line, "[error]"), strings.Contains(line, "[panic]"):
		return logfan.LevelError
	case strings.Contains(line, "[warning]"):
		return logfan.LevelWarning
	default:
		return logfan.LevelInfo
	}
}

// Wait blocks until the worker exits. A cancelled ctx abandons the wait
// without affecting the process.
func (p *process) Wait(ctx context.Context) stream.ExitInfo {
	select {
	case <-p.waitDone:
		return p.exit
	case <-ctx.Done():
		return stream.ExitInfo{Code: -1, Err: ctx.Err()}
	}
}

// Stop signals the worker's process group to terminate and escalates to
// SIGKILL after the grace period. Repeated calls are no-ops.
func (p *process) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Debug().Msg("terminating worker")
		err = procutil.SignalGroup(p.cmd, syscall.SIGTERM)

		grace := p.grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		go func() {
			select {
			case <-p.waitDone:
			case <-time.After(grace):
				p.logger.Warn().Msg("worker ignored SIGTERM, killing group")
				_ = procutil.SignalGroup(p.cmd, syscall.SIGKILL)
			}
		}()
	})
	return err
}

func (p *process) Alive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
