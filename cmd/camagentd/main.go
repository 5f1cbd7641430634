// SPDX-License-Identifier: MIT

// camagentd is the on-site agent daemon: it keeps every registered camera's
// RTSP feed transcoded into a rolling HLS window and serves the admin API,
// the playlists and the metrics endpoint from one listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beachvar/camagent/internal/api"
	"github.com/beachvar/camagent/internal/config"
	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/segstore"
	"github.com/beachvar/camagent/internal/stream"
	"github.com/beachvar/camagent/internal/stream/ffmpeg"
)

// Version is injected at build time.
var Version = "dev"

const shutdownTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CAMAGENT_CONFIG"), "path to YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if err := run(*configPath); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("agent terminated")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "camagentd",
		Version: Version,
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("starting agent")

	reg, err := registry.OpenSqlite(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing registry failed")
		}
	}()

	logs := logfan.New(cfg.LogBuffer)
	store := segstore.New(cfg.HLSRoot(), cfg.SegmentWindow, cfg.SegmentSeconds, cfg.WindowResumeMaxAge)

	launcher := &ffmpeg.Factory{
		Bin:            cfg.FFmpegBin,
		Grace:          cfg.StopGrace,
		SegmentSeconds: cfg.SegmentSeconds,
		Logs:           logs,
	}

	sup := stream.NewSupervisor(stream.Config{
		Retry: stream.RetryPolicy{
			BaseDelay:   cfg.RetryBaseDelay,
			Multiplier:  cfg.RetryMultiplier,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		StabilityWindow: cfg.StabilityWindow,
		StaleAfter:      cfg.StaleAfter,
		StopGrace:       cfg.StopGrace,
		PurgeOnStop:     cfg.PurgeOnStop,
	}, reg, launcher, store, logs)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.New(cfg, reg, sup, logs).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		autostart(ctx, reg, sup)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		return sup.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// autostart launches every camera flagged for boot-time streaming. Failures
// are logged and do not prevent the agent from serving.
func autostart(ctx context.Context, reg registry.Reader, sup *stream.Supervisor) {
	logger := log.WithComponent("daemon")

	cams, err := reg.List(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("listing cameras for autostart failed")
		return
	}

	for _, cam := range cams {
		if !cam.Autostart {
			continue
		}
		if err := sup.RequestStart(ctx, cam.ID); err != nil {
			logger.Warn().Err(err).
				Str(log.FieldCameraID, cam.ID).
				Msg("autostart failed")
			continue
		}
		logger.Info().Str(log.FieldCameraID, cam.ID).Msg("autostarted stream")
	}
}
