// SPDX-License-Identifier: MIT

// Package ffmpeg launches and controls the per-camera transcoding workers.
// Each worker is one ffmpeg process pulling an RTSP source and writing
// fixed-length MPEG-TS segments into the camera's output directory.
package ffmpeg

import (
	"strconv"
	"strings"

	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/segstore"
)

// BuildArgs assembles the ffmpeg argument list for one camera run. Video is
// copied as-is (the cameras already deliver H.264); audio is normalized to
// AAC so every segment is HLS-compatible regardless of camera firmware.
func BuildArgs(cam registry.Camera, t segstore.Target, segmentSeconds int) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "level+warning",
	}

	if strings.HasPrefix(cam.SourceURL, "rtsp://") || strings.HasPrefix(cam.SourceURL, "rtsps://") {
		// TCP interleaving avoids UDP packet loss on congested site networks.
		args = append(args, "-rtsp_transport", "tcp")
	}

	args = append(args,
		"-i", cam.SourceURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-segment_format", "mpegts",
		"-reset_timestamps", "1",
		"-segment_start_number", strconv.FormatUint(t.StartSequence, 10),
		t.SegmentPattern,
	)
	return args
}
