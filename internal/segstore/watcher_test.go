// SPDX-License-Identifier: MIT

package segstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beachvar/camagent/internal/segstore"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestWatch_RegistersCompletedSegments(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- store.Watch(ctx, target)
	}()

	// Give the watcher a moment to attach before producing files.
	time.Sleep(50 * time.Millisecond)

	// A segment only counts once its successor appears; seg 0 is complete
	// when seg 1 is created.
	writeSegment(t, target.Dir, 0)
	writeSegment(t, target.Dir, 1)

	require.Eventually(t, func() bool {
		w := store.Window("court1")
		return len(w) == 1 && w[0].Sequence == 0
	}, 2*time.Second, 10*time.Millisecond, "first completed segment was not registered")

	// The trailing segment is flushed when the watch ends.
	cancel()
	require.NoError(t, <-watchDone)

	w := store.Window("court1")
	require.Len(t, w, 2)
	assert.Equal(t, uint64(1), w[1].Sequence)
}

func TestWatch_IgnoresForeignFiles(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- store.Watch(ctx, target)
	}()
	time.Sleep(50 * time.Millisecond)

	// Temp files and the index itself must not be treated as segments.
	writeFile(t, target.Dir, "index.m3u8", "#EXTM3U\n")
	writeFile(t, target.Dir, "seg_000000000.ts.tmp", "partial")
	writeFile(t, target.Dir, "notes.txt", "hello")

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-watchDone)

	assert.Empty(t, store.Window("court1"))
}

func TestWatch_UpdatesLivenessOnActivity(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- store.Watch(ctx, target)
	}()
	time.Sleep(50 * time.Millisecond)

	_, ok := store.LastProduced("court1")
	require.False(t, ok)

	writeSegment(t, target.Dir, 0)

	// Creating the first (still incomplete) segment already counts as
	// output activity for the liveness probe.
	require.Eventually(t, func() bool {
		_, ok := store.LastProduced("court1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-watchDone)
}
