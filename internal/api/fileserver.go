// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/unicode/norm"

	"github.com/beachvar/camagent/internal/log"
)

var hlsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "camagent_hls_requests_total",
	Help: "HLS file requests by outcome",
}, []string{"outcome"})

// hlsFileServer serves the per-camera playlists and segments. Only the two
// HLS file types are exposed, directory listings are refused, and the
// resolved path must stay inside the HLS root even through symlinks.
func hlsFileServer(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponentFromContext(r.Context(), "hls")

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			hlsRequests.WithLabelValues("method_not_allowed").Inc()
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		reqPath := strings.TrimPrefix(r.URL.Path, "/hls")
		if isPathTraversal(reqPath) {
			logger.Warn().Str(log.FieldPath, r.URL.Path).Msg("traversal sequence rejected")
			hlsRequests.WithLabelValues("path_escape").Inc()
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if reqPath == "" || strings.HasSuffix(reqPath, "/") {
			hlsRequests.WithLabelValues("directory_listing").Inc()
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		lower := strings.ToLower(reqPath)
		if !strings.HasSuffix(lower, ".m3u8") && !strings.HasSuffix(lower, ".ts") {
			hlsRequests.WithLabelValues("type_forbidden").Inc()
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		absRoot, err := filepath.Abs(root)
		if err != nil {
			hlsRequests.WithLabelValues("internal_error").Inc()
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		fullPath := filepath.Join(absRoot, filepath.FromSlash(reqPath))
		realPath, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			if os.IsNotExist(err) {
				hlsRequests.WithLabelValues("not_found").Inc()
				http.Error(w, "Not found", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Str(log.FieldPath, fullPath).Msg("resolving request path failed")
			hlsRequests.WithLabelValues("internal_error").Inc()
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			logger.Error().Err(err).Msg("resolving hls root failed")
			hlsRequests.WithLabelValues("internal_error").Inc()
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		rel, err := filepath.Rel(realRoot, realPath)
		if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			logger.Warn().
				Str(log.FieldPath, reqPath).
				Str("resolved", realPath).
				Msg("path escapes hls root")
			hlsRequests.WithLabelValues("path_escape").Inc()
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// #nosec G304 -- realPath is confined to the hls root above
		f, err := os.Open(realPath)
		if err != nil {
			hlsRequests.WithLabelValues("internal_error").Inc()
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		defer func() {
			_ = f.Close()
		}()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			hlsRequests.WithLabelValues("internal_error").Inc()
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		// Players poll the index; segments are immutable once written.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if strings.HasSuffix(lower, ".m3u8") {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache, no-store")
		} else {
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Cache-Control", "public, max-age=60")
		}

		hlsRequests.WithLabelValues("allowed").Inc()
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}

// isPathTraversal checks a request path for traversal attempts, including
// repeated URL decoding, overlong UTF-8 dots, NUL bytes and Unicode
// normalization tricks.
func isPathTraversal(p string) bool {
	decoded := p
	for i := 0; i < 3; i++ {
		prev := decoded
		if d, err := url.PathUnescape(decoded); err == nil {
			decoded = d
		} else if d, err := url.QueryUnescape(decoded); err == nil {
			decoded = d
		}
		if decoded == prev {
			break
		}
	}

	lower := strings.ToLower(decoded)
	for _, pat := range []string{"..", "%00", "%c0%ae", "%e0%80%ae"} {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	if strings.IndexByte(decoded, 0x00) >= 0 {
		return true
	}

	return strings.Contains(strings.ToLower(norm.NFC.String(decoded)), "..")
}
