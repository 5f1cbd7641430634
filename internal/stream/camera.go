// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/registry"
)

// Events delivered to a camera's loop. External requests carry a reply
// channel; internal ones carry the generation of the run they belong to so
// the loop can discard leftovers from earlier runs.
type cameraEvent interface{}

type evStart struct {
	cam   registry.Camera
	reply chan error
}

type evStop struct {
	reply chan error
}

type evExited struct {
	gen  uint64
	info ExitInfo
}

type evRetry struct{ gen uint64 }

type evStable struct{ gen uint64 }

type evFirstOutput struct{ gen uint64 }

// camera owns all supervision state for one stream. Only the loop goroutine
// touches the mutable fields; everyone else communicates through events.
type camera struct {
	id     string
	sup    *Supervisor
	events chan cameraEvent
	done   chan struct{}
	logger zerolog.Logger

	gen           uint64
	st            StreamState
	cam           registry.Camera
	proc          Process
	runCancel     context.CancelFunc
	runStarted    time.Time
	retryTimer    *time.Timer
	stableTimer   *time.Timer
	stopRequested bool
	stopWaiters   []chan error

	snapMu sync.RWMutex
	snapSt StreamState
}

func newCamera(id string, sup *Supervisor) *camera {
	c := &camera{
		id:     id,
		sup:    sup,
		events: make(chan cameraEvent),
		done:   make(chan struct{}),
		logger: log.WithComponent("stream").With().Str(log.FieldCameraID, id).Logger(),
		st:     StreamState{CameraID: id, Status: StatusStopped},
	}
	c.publish()
	return c
}

// send delivers an event to the loop. It returns false once the loop has
// exited; callers then either give up (stop) or create a fresh actor (start).
func (c *camera) send(ev cameraEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// post is send for the loop's own helper goroutines; a dead loop just drops
// the event.
func (c *camera) post(ev cameraEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// publish copies the loop-owned state into the snapshot readers see.
func (c *camera) publish() {
	c.snapMu.Lock()
	c.snapSt = c.st
	c.snapMu.Unlock()
}

func (c *camera) snapshot() StreamState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapSt
}

func (c *camera) setStatus(next Status) {
	if c.st.Status == next {
		return
	}
	stateTransitions.WithLabelValues(string(c.st.Status), string(next)).Inc()
	c.logger.Info().
		Str(log.FieldOldState, string(c.st.Status)).
		Str(log.FieldNewState, string(next)).
		Str(log.FieldEvent, "state_change").
		Msg("stream state changed")
	c.st.Status = next
}

func (c *camera) loop() {
	defer c.sup.wg.Done()
	defer close(c.done)
	defer c.sup.remove(c.id, c)

	for {
		select {
		case <-c.sup.baseCtx.Done():
			c.teardown()
			return
		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		}
	}
}

// handle processes one event. A true return ends the actor; the camera is
// then STOPPED (or the supervisor is shutting down) and holds no resources.
func (c *camera) handle(ev cameraEvent) (finished bool) {
	switch ev := ev.(type) {
	case evStart:
		ev.reply <- c.onStart(ev.cam)
	case evStop:
		return c.onStop(ev.reply)
	case evExited:
		if ev.gen != c.gen {
			return false
		}
		return c.onExited(ev.info)
	case evRetry:
		if ev.gen != c.gen || c.st.Status != StatusBackoff || c.stopRequested {
			return false
		}
		c.retryTimer = nil
		workerRestarts.WithLabelValues(c.id).Inc()
		c.startRun()
	case evStable:
		if ev.gen != c.gen || c.st.Status != StatusRunning {
			return false
		}
		if c.st.ConsecutiveFailures > 0 {
			c.logger.Debug().Msg("stability window reached, failure count reset")
		}
		c.st.ConsecutiveFailures = 0
		c.publish()
	case evFirstOutput:
		if ev.gen != c.gen || c.st.Status != StatusStarting {
			return false
		}
		c.setStatus(StatusRunning)
		c.publish()
		c.sup.logs.Publish(c.id, logfan.LevelInfo, "stream is live")
		// The stability window starts counting once the stream is RUNNING.
		// A run that crashes before producing output never resets failures.
		gen := ev.gen
		c.stableTimer = time.AfterFunc(c.sup.cfg.StabilityWindow, func() {
			c.post(evStable{gen: gen})
		})
	}
	return false
}

func (c *camera) onStart(cam registry.Camera) error {
	if c.stopRequested {
		return fmt.Errorf("%w: %s", ErrStopInProgress, c.id)
	}
	switch c.st.Status {
	case StatusStarting, StatusRunning:
		return nil
	case StatusBackoff:
		c.cancelRetry()
	}
	// Explicit start: forget the failure history and pick up the latest
	// camera config.
	c.st.ConsecutiveFailures = 0
	c.st.LastError = ""
	c.cam = cam
	return c.startRun()
}

// startRun launches a new worker generation. Fatal launch errors are
// returned (the camera is FAILED); transient failures are absorbed into the
// backoff schedule and return nil.
func (c *camera) startRun() error {
	c.gen++
	gen := c.gen

	target, err := c.sup.store.PrepareOutputTarget(c.id)
	if err != nil {
		c.logger.Error().Err(err).Msg("preparing output target failed")
		c.sup.logs.Publish(c.id, logfan.LevelError, "output target: "+err.Error())
		c.scheduleRetry(gen, err)
		return nil
	}

	runCtx, cancel := context.WithCancel(c.sup.baseCtx)
	proc, err := c.sup.launcher.Launch(runCtx, c.cam, target)
	if err != nil {
		cancel()
		var le *LaunchError
		if errors.As(err, &le) {
			c.logger.Error().Err(err).Msg("worker launch failed permanently")
			c.sup.logs.Publish(c.id, logfan.LevelError, err.Error())
			workerExits.WithLabelValues("fatal").Inc()
			c.toFailed(err)
			return err
		}
		c.logger.Warn().Err(err).Msg("worker launch failed")
		c.sup.logs.Publish(c.id, logfan.LevelError, "launch: "+err.Error())
		c.scheduleRetry(gen, err)
		return nil
	}

	c.proc = proc
	c.runCancel = cancel
	c.runStarted = time.Now()
	c.st.PID = proc.PID()
	c.st.StartedAt = c.runStarted
	c.st.NextRetryAt = time.Time{}
	c.setStatus(StatusStarting)
	c.publish()

	c.logger.Info().Int(log.FieldPID, proc.PID()).Msg("worker started")

	c.sup.wg.Add(3)
	go func() {
		defer c.sup.wg.Done()
		info := proc.Wait(context.Background())
		c.post(evExited{gen: gen, info: info})
	}()
	go func() {
		defer c.sup.wg.Done()
		if err := c.sup.store.Watch(runCtx, target); err != nil && runCtx.Err() == nil {
			c.logger.Error().Err(err).Msg("segment watch failed, recycling worker")
			c.sup.logs.Publish(c.id, logfan.LevelError, "segment store: "+err.Error())
			_ = proc.Stop(context.Background())
		}
	}()
	go func() {
		defer c.sup.wg.Done()
		c.probe(runCtx, gen, proc, c.runStarted)
	}()
	return nil
}

// probe watches for a worker that is alive but no longer producing output
// and recycles it. It also reports the first produced segment, which flips
// the stream from STARTING to RUNNING.
func (c *camera) probe(ctx context.Context, gen uint64, proc Process, started time.Time) {
	ticker := time.NewTicker(c.sup.cfg.probeInterval())
	defer ticker.Stop()

	notified := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !proc.Alive() {
				return
			}
			last, ok := c.sup.store.LastProduced(c.id)
			if ok && last.After(started) && !notified {
				notified = true
				c.post(evFirstOutput{gen: gen})
			}
			ref := started
			if ok && last.After(ref) {
				ref = last
			}
			if time.Since(ref) > c.sup.cfg.StaleAfter {
				c.logger.Warn().
					Time("last_output", ref).
					Msg("worker stalled, recycling")
				c.sup.logs.Publish(c.id, logfan.LevelWarning,
					fmt.Sprintf("no output for %s, restarting worker", time.Since(ref).Round(time.Second)))
				workerExits.WithLabelValues("stalled").Inc()
				_ = proc.Stop(context.Background())
				return
			}
		}
	}
}

func (c *camera) onExited(info ExitInfo) (finished bool) {
	c.clearRun()

	if c.stopRequested {
		c.finishStop()
		return true
	}
	if c.sup.baseCtx.Err() != nil {
		return true
	}

	msg := exitSummary(info)
	c.logger.Warn().
		Int(log.FieldExitCode, info.Code).
		Str(log.FieldEvent, "worker_exit").
		Msg(msg)
	c.sup.logs.Publish(c.id, logfan.LevelError, msg)
	workerExits.WithLabelValues("crash").Inc()

	c.scheduleRetry(c.gen, errors.New(msg))
	return false
}

// scheduleRetry records one more failure and either arms the backoff timer
// or gives up and marks the camera FAILED.
func (c *camera) scheduleRetry(gen uint64, cause error) {
	c.st.ConsecutiveFailures++
	c.st.LastError = cause.Error()

	delay, ok := c.sup.cfg.Retry.NextDelay(c.st.ConsecutiveFailures)
	if !ok {
		c.toFailed(fmt.Errorf("retry attempts exhausted: %w", cause))
		return
	}

	c.st.NextRetryAt = time.Now().Add(delay)
	c.setStatus(StatusBackoff)
	c.publish()
	c.logger.Info().
		Dur("delay", delay).
		Int("failures", c.st.ConsecutiveFailures).
		Msg("restart scheduled")
	c.sup.logs.Publish(c.id, logfan.LevelWarning,
		fmt.Sprintf("restart in %s (failure %d)", delay, c.st.ConsecutiveFailures))
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(evRetry{gen: gen})
	})
}

func (c *camera) toFailed(cause error) {
	c.st.LastError = cause.Error()
	c.st.NextRetryAt = time.Time{}
	c.st.PID = 0
	c.setStatus(StatusFailed)
	c.publish()
	c.sup.logs.Publish(c.id, logfan.LevelError, "stream failed: "+cause.Error())
}

func (c *camera) onStop(reply chan error) (finished bool) {
	c.cancelRetry()
	if c.stableTimer != nil {
		c.stableTimer.Stop()
		c.stableTimer = nil
	}

	if c.proc != nil {
		c.stopRequested = true
		c.stopWaiters = append(c.stopWaiters, reply)
		if len(c.stopWaiters) == 1 {
			workerExits.WithLabelValues("stop").Inc()
			if err := c.proc.Stop(context.Background()); err != nil {
				c.logger.Warn().Err(err).Msg("stop signal failed")
			}
		}
		// Completion is reported from onExited once the process is gone.
		return false
	}

	// BACKOFF or FAILED: nothing is running, finish synchronously.
	c.sup.store.OnStop(c.id, c.sup.cfg.PurgeOnStop)
	c.setStatus(StatusStopped)
	c.publish()
	reply <- nil
	return true
}

func (c *camera) finishStop() {
	c.sup.store.OnStop(c.id, c.sup.cfg.PurgeOnStop)
	c.setStatus(StatusStopped)
	c.publish()
	for _, w := range c.stopWaiters {
		w <- nil
	}
	c.stopWaiters = nil
}

// teardown runs on supervisor shutdown: kill the worker and wait for it,
// bounded by the stop grace plus a margin.
func (c *camera) teardown() {
	c.cancelRetry()
	if c.stableTimer != nil {
		c.stableTimer.Stop()
		c.stableTimer = nil
	}
	if c.proc == nil {
		return
	}

	_ = c.proc.Stop(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), c.sup.cfg.StopGrace+2*time.Second)
	defer cancel()
	c.proc.Wait(ctx)
	c.clearRun()

	// Drain the exit event the waiter goroutine may still deliver.
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

func (c *camera) clearRun() {
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	if c.stableTimer != nil {
		c.stableTimer.Stop()
		c.stableTimer = nil
	}
	c.proc = nil
	c.st.PID = 0
}

func (c *camera) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.st.NextRetryAt = time.Time{}
}

func exitSummary(info ExitInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker exited (code %d)", info.Code)
	if info.Err != nil {
		fmt.Fprintf(&b, ": %v", info.Err)
	}
	if n := len(info.StderrTail); n > 0 {
		fmt.Fprintf(&b, ": %s", info.StderrTail[n-1])
	}
	return b.String()
}
