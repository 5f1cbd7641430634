// SPDX-License-Identifier: MIT

package logfan_test

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beachvar/camagent/internal/logfan"
)

func TestRecent_EmptyForUnknownCamera(t *testing.T) {
	f := logfan.New(10)
	assert.Empty(t, f.Recent("court1"))
}

func TestPublishRecent_Order(t *testing.T) {
	f := logfan.New(10)

	for i := 0; i < 5; i++ {
		f.Publish("court1", logfan.LevelInfo, fmt.Sprintf("line %d", i))
	}

	lines := f.Recent("court1")
	require.Len(t, lines, 5)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("line %d", i), line.Message)
		assert.Equal(t, "court1", line.CameraID)
	}
}

func TestPublish_RingDropsOldest(t *testing.T) {
	f := logfan.New(3)

	for i := 0; i < 7; i++ {
		f.Publish("court1", logfan.LevelInfo, fmt.Sprintf("line %d", i))
	}

	lines := f.Recent("court1")
	require.Len(t, lines, 3)
	assert.Equal(t, "line 4", lines[0].Message)
	assert.Equal(t, "line 6", lines[2].Message)
}

func TestPublish_TruncatesLongLines(t *testing.T) {
	f := logfan.New(5)

	f.Publish("court1", logfan.LevelError, strings.Repeat("x", logfan.MaxMessageLength+100))

	lines := f.Recent("court1")
	require.Len(t, lines, 1)
	assert.Len(t, lines[0].Message, logfan.MaxMessageLength+len("..."))
	assert.True(t, strings.HasSuffix(lines[0].Message, "..."))
}

func TestPublish_TruncationKeepsValidUTF8(t *testing.T) {
	f := logfan.New(5)

	// Three-byte runes placed so the length cap falls inside a rune.
	f.Publish("court1", logfan.LevelError, strings.Repeat("日", logfan.MaxMessageLength))

	lines := f.Recent("court1")
	require.Len(t, lines, 1)
	assert.True(t, utf8.ValidString(lines[0].Message))
	assert.True(t, strings.HasSuffix(lines[0].Message, "..."))
	assert.LessOrEqual(t, len(lines[0].Message), logfan.MaxMessageLength+len("..."))
}

func TestPublish_CamerasAreIsolated(t *testing.T) {
	f := logfan.New(5)

	f.Publish("court1", logfan.LevelInfo, "one")
	f.Publish("court2", logfan.LevelInfo, "two")

	require.Len(t, f.Recent("court1"), 1)
	require.Len(t, f.Recent("court2"), 1)
	assert.Equal(t, "one", f.Recent("court1")[0].Message)
}

func TestSubscribe_ReceivesLiveLines(t *testing.T) {
	f := logfan.New(5)

	sub := f.Subscribe("court1")
	defer sub.Close()

	f.Publish("court1", logfan.LevelWarning, "restarting")
	f.Publish("court2", logfan.LevelInfo, "other camera")

	select {
	case line := <-sub.C():
		assert.Equal(t, "restarting", line.Message)
		assert.Equal(t, logfan.LevelWarning, line.Level)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published line")
	}

	// Nothing from the other camera may leak in.
	select {
	case line := <-sub.C():
		t.Fatalf("unexpected line for %s", line.CameraID)
	default:
	}
}

func TestSubscribe_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	f := logfan.New(5)

	sub := f.Subscribe("court1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish far beyond the subscriber buffer without draining it.
		for i := 0; i < 500; i++ {
			f.Publish("court1", logfan.LevelInfo, "flood")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	f := logfan.New(5)

	sub := f.Subscribe("court1")
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")

	// Publishing after close must not panic.
	f.Publish("court1", logfan.LevelInfo, "still fine")
}

func TestSubscription_CloseLeavesOtherSubscribersAttached(t *testing.T) {
	f := logfan.New(5)

	first := f.Subscribe("court1")
	second := f.Subscribe("court1")
	defer second.Close()

	first.Close()
	f.Publish("court1", logfan.LevelInfo, "still flowing")

	select {
	case line := <-second.C():
		assert.Equal(t, "still flowing", line.Message)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber never received the published line")
	}
}

func TestRemove_DropsBufferAndDetachesSubscribers(t *testing.T) {
	f := logfan.New(5)

	f.Publish("court1", logfan.LevelInfo, "before")
	sub := f.Subscribe("court1")
	defer sub.Close()

	f.Remove("court1")

	assert.Empty(t, f.Recent("court1"))

	// A detached subscriber receives nothing new.
	f.Publish("court1", logfan.LevelInfo, "after")
	select {
	case line := <-sub.C():
		t.Fatalf("detached subscriber received %q", line.Message)
	case <-time.After(50 * time.Millisecond):
	}
}
