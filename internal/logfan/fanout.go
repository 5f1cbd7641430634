// SPDX-License-Identifier: MIT

// Package logfan retains the most recent log lines emitted by each camera's
// transcoding worker and fans new lines out to live subscribers.
//
// All storage is in memory only: a fixed-capacity ring per camera so a noisy
// worker can never fill the device's disk.
package logfan

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MaxMessageLength bounds a single log message; longer lines are truncated.
const MaxMessageLength = 500

const subscriberBuffer = 64

var linesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camagent_logfan_dropped_total",
	Help: "Log lines dropped because a subscriber could not keep up",
}, []string{"camera_id"})

// Level classifies a log line.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Line is a single log line attributed to a camera.
type Line struct {
	CameraID  string    `json:"camera_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

type buffer struct {
	lines []Line
	head  int // next write position
	count int
	subs  []chan Line
}

// Fanout buffers recent log lines per camera and delivers new lines to
// subscribers. Delivery to a subscriber preserves emission order; a slow
// subscriber loses lines rather than blocking the producer.
type Fanout struct {
	mu       sync.RWMutex
	capacity int
	cams     map[string]*buffer
}

// New creates a Fanout with the given per-camera ring capacity.
func New(capacity int) *Fanout {
	if capacity < 1 {
		capacity = 50
	}
	return &Fanout{
		capacity: capacity,
		cams:     make(map[string]*buffer),
	}
}

func (f *Fanout) bufferLocked(cameraID string) *buffer {
	b, ok := f.cams[cameraID]
	if !ok {
		b = &buffer{lines: make([]Line, f.capacity)}
		f.cams[cameraID] = b
	}
	return b
}

// truncate shortens a message to at most MaxMessageLength bytes without
// splitting a multi-byte rune.
func truncate(message string) string {
	if len(message) <= MaxMessageLength {
		return message
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "..."
}

// Publish records a line for the camera and pushes it to all subscribers.
func (f *Fanout) Publish(cameraID string, level Level, message string) {
	message = truncate(message)
	line := Line{
		CameraID:  cameraID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.bufferLocked(cameraID)
	b.lines[b.head] = line
	b.head = (b.head + 1) % f.capacity
	if b.count < f.capacity {
		b.count++
	}

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			linesDropped.WithLabelValues(cameraID).Inc()
		}
	}
}

// Recent returns the retained lines for a camera in chronological order,
// most-recent-last. It has no side effects.
func (f *Fanout) Recent(cameraID string) []Line {
	f.mu.RLock()
	defer f.mu.RUnlock()

	b, ok := f.cams[cameraID]
	if !ok {
		return nil
	}

	out := make([]Line, 0, b.count)
	start := (b.head - b.count + f.capacity*2) % f.capacity
	for i := 0; i < b.count; i++ {
		out = append(out, b.lines[(start+i)%f.capacity])
	}
	return out
}

// Subscription is a live feed of one camera's log lines.
type Subscription struct {
	f        *Fanout
	cameraID string
	ch       chan Line

	closeOnce sync.Once
}

// C returns the subscriber channel. It is closed when the subscription is
// closed.
func (s *Subscription) C() <-chan Line {
	return s.ch
}

// Close cancels the subscription. Safe to call more than once; the producer
// side is never blocked by a closed subscriber.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.f.mu.Lock()
		defer s.f.mu.Unlock()

		b, ok := s.f.cams[s.cameraID]
		if ok {
			subs := b.subs[:0]
			for _, c := range b.subs {
				if c != s.ch {
					subs = append(subs, c)
				}
			}
			b.subs = subs
		}
		close(s.ch)
	})
}

// Subscribe attaches a live subscriber to a camera's log stream.
func (f *Fanout) Subscribe(cameraID string) *Subscription {
	ch := make(chan Line, subscriberBuffer)

	f.mu.Lock()
	b := f.bufferLocked(cameraID)
	b.subs = append(b.subs, ch)
	f.mu.Unlock()

	return &Subscription{f: f, cameraID: cameraID, ch: ch}
}

// Remove discards a camera's buffer and detaches its subscribers. Detached
// subscribers stop receiving lines; closing them remains the subscriber's
// responsibility so delivery and cancellation cannot race.
func (f *Fanout) Remove(cameraID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cams, cameraID)
}
