// SPDX-License-Identifier: MIT

package segstore_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beachvar/camagent/internal/segstore"
)

func writeSegment(t *testing.T, dir string, seq uint64) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("seg_%09d.ts", seq))
	require.NoError(t, os.WriteFile(path, []byte("ts-payload"), 0o644))
	return path
}

func readIndex(t *testing.T, target segstore.Target) string {
	t.Helper()
	data, err := os.ReadFile(target.IndexPath)
	require.NoError(t, err)
	return string(data)
}

func TestPrepareOutputTarget_FreshCamera(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)

	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	assert.Equal(t, "court1", target.CameraID)
	assert.DirExists(t, target.Dir)
	assert.Equal(t, uint64(0), target.StartSequence)
	assert.Contains(t, target.SegmentPattern, "seg_%09d.ts")
}

func TestPrepareOutputTarget_RejectsUnsafeID(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)

	for _, id := range []string{"", "../escape", "a/b", ".hidden", strings.Repeat("x", 80)} {
		_, err := store.PrepareOutputTarget(id)
		assert.Error(t, err, "id %q must be rejected", id)
	}
}

func TestOnSegmentProduced_WindowAndIndex(t *testing.T) {
	store := segstore.New(t.TempDir(), 3, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	for seq := uint64(0); seq < 3; seq++ {
		path := writeSegment(t, target.Dir, seq)
		require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))
	}

	window := store.Window("court1")
	require.Len(t, window, 3)
	assert.Equal(t, uint64(0), window[0].Sequence)
	assert.Equal(t, uint64(2), window[2].Sequence)

	index := readIndex(t, target)
	assert.Contains(t, index, "#EXTM3U")
	assert.Contains(t, index, "#EXT-X-MEDIA-SEQUENCE:0")
	assert.Contains(t, index, "seg_000000000.ts")
	assert.Contains(t, index, "seg_000000002.ts")
}

func TestOnSegmentProduced_EvictsBeyondCapacity(t *testing.T) {
	store := segstore.New(t.TempDir(), 3, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	paths := make([]string, 0, 5)
	for seq := uint64(0); seq < 5; seq++ {
		path := writeSegment(t, target.Dir, seq)
		paths = append(paths, path)
		require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))
	}

	window := store.Window("court1")
	require.Len(t, window, 3, "window must never exceed capacity")
	assert.Equal(t, uint64(2), window[0].Sequence)
	assert.Equal(t, uint64(4), window[2].Sequence)

	// Evicted files are deleted, retained ones are not.
	assert.NoFileExists(t, paths[0])
	assert.NoFileExists(t, paths[1])
	assert.FileExists(t, paths[2])
	assert.FileExists(t, paths[4])

	// The index references exactly the retained window.
	index := readIndex(t, target)
	assert.NotContains(t, index, "seg_000000000.ts\n")
	assert.NotContains(t, index, "seg_000000001.ts\n")
	assert.Contains(t, index, "#EXT-X-MEDIA-SEQUENCE:2")
	for seq := 2; seq <= 4; seq++ {
		assert.Contains(t, index, fmt.Sprintf("seg_%09d.ts", seq))
	}
}

func TestIndexNeverReferencesMissingFile(t *testing.T) {
	store := segstore.New(t.TempDir(), 2, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	for seq := uint64(0); seq < 10; seq++ {
		path := writeSegment(t, target.Dir, seq)
		require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))

		index := readIndex(t, target)
		for _, line := range strings.Split(index, "\n") {
			if !strings.HasSuffix(line, ".ts") {
				continue
			}
			assert.FileExists(t, filepath.Join(target.Dir, line),
				"index references %s which does not exist", line)
		}
	}
}

func TestPrepareOutputTarget_ResumesFreshWindow(t *testing.T) {
	root := t.TempDir()
	store := segstore.New(root, 5, 2, time.Minute)

	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)
	for seq := uint64(0); seq < 3; seq++ {
		path := writeSegment(t, target.Dir, seq)
		require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))
	}

	// Simulate an agent restart: a new store over the same root.
	restarted := segstore.New(root, 5, 2, time.Minute)
	target2, err := restarted.PrepareOutputTarget("court1")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), target2.StartSequence, "numbering must continue after resume")
	window := restarted.Window("court1")
	require.Len(t, window, 3)
	assert.Equal(t, uint64(0), window[0].Sequence)
}

func TestPrepareOutputTarget_DiscardsStaleWindow(t *testing.T) {
	root := t.TempDir()
	store := segstore.New(root, 5, 2, 50*time.Millisecond)

	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)
	stale := writeSegment(t, target.Dir, 0)
	require.NoError(t, store.OnSegmentProduced("court1", stale, time.Now()))

	time.Sleep(80 * time.Millisecond)

	restarted := segstore.New(root, 5, 2, 50*time.Millisecond)
	target2, err := restarted.PrepareOutputTarget("court1")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), target2.StartSequence)
	assert.Empty(t, restarted.Window("court1"))
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, target2.IndexPath)
}

func TestPrepareOutputTarget_ResumeHonoursCapacity(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "court1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for seq := uint64(0); seq < 6; seq++ {
		writeSegment(t, dir, seq)
	}

	store := segstore.New(root, 3, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	assert.Equal(t, uint64(6), target.StartSequence)
	window := store.Window("court1")
	require.Len(t, window, 3)
	assert.Equal(t, uint64(3), window[0].Sequence)

	// Over-capacity leftovers are deleted.
	assert.NoFileExists(t, filepath.Join(dir, "seg_000000000.ts"))
	assert.NoFileExists(t, filepath.Join(dir, "seg_000000002.ts"))
	assert.FileExists(t, filepath.Join(dir, "seg_000000005.ts"))
}

func TestOnStop_PurgeDeletesWindow(t *testing.T) {
	root := t.TempDir()
	store := segstore.New(root, 5, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	path := writeSegment(t, target.Dir, 0)
	require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))

	store.OnStop("court1", true)

	assert.NoFileExists(t, path)
	assert.NoFileExists(t, target.IndexPath)
	assert.Empty(t, store.Window("court1"))
}

func TestOnStop_KeepsFilesWithoutPurge(t *testing.T) {
	root := t.TempDir()
	store := segstore.New(root, 5, 2, time.Minute)
	target, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)

	path := writeSegment(t, target.Dir, 0)
	require.NoError(t, store.OnSegmentProduced("court1", path, time.Now()))

	store.OnStop("court1", false)

	assert.FileExists(t, path)
	assert.FileExists(t, target.IndexPath)
	// The in-memory window is gone either way.
	assert.Empty(t, store.Window("court1"))
}

func TestLastProducedAndTouch(t *testing.T) {
	store := segstore.New(t.TempDir(), 5, 2, time.Minute)

	_, ok := store.LastProduced("court1")
	assert.False(t, ok)

	_, err := store.PrepareOutputTarget("court1")
	require.NoError(t, err)
	_, ok = store.LastProduced("court1")
	assert.False(t, ok, "a fresh window has produced nothing")

	store.Touch("court1")
	ts, ok := store.LastProduced("court1")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}

func TestIsSafeCameraID(t *testing.T) {
	assert.True(t, segstore.IsSafeCameraID("court1"))
	assert.True(t, segstore.IsSafeCameraID("court-1.side_a"))
	assert.False(t, segstore.IsSafeCameraID(""))
	assert.False(t, segstore.IsSafeCameraID("-leading"))
	assert.False(t, segstore.IsSafeCameraID("a/b"))
	assert.False(t, segstore.IsSafeCameraID("a..b"))
}
