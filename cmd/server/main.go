package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/studio/internal/adapters/http"
	sigadapter "github.com/dkeye/studio/internal/adapters/signal"
	"github.com/dkeye/studio/internal/adapters/transcoder"
	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/app/coord"
	"github.com/dkeye/studio/internal/app/ingest"
	"github.com/dkeye/studio/internal/app/merge"
	"github.com/dkeye/studio/internal/app/readiness"
	"github.com/dkeye/studio/internal/app/reassembly"
	"github.com/dkeye/studio/internal/app/workers"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("studio server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "studio.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another studio process", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	latest := &app.LatestArtifact{}
	ffmpeg := transcoder.New(transcoder.WithBinary(cfg.Transcoder.Binary))

	reg := app.NewRegistry()
	rooms := core.NewRoomManager()
	coordinator := coord.New(reg, rooms, app.NewDropBudgetPolicy(cfg.Signal.DropBudget), nil, 0)

	var (
		reassembler *reassembly.Worker
		merger      *merge.Worker
	)
	pool := workers.New(b.jobs, workers.Options{
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		RetryBackoff:      cfg.Queue.RetryBackoff,
	},
		workers.Lane{
			Kind:        domain.JobReassembleTrack,
			Concurrency: cfg.Workers.Reassembly,
			Handler: workers.HandlerFunc(func(ctx context.Context, job domain.Job) error {
				return reassembler.Handle(ctx, job)
			}),
		},
		workers.Lane{
			Kind:        domain.JobMergeConference,
			Concurrency: cfg.Workers.Merge,
			Handler: workers.HandlerFunc(func(ctx context.Context, job domain.Job) error {
				return merger.Handle(ctx, job)
			}),
		},
	)

	tracker := readiness.New(b.sessions, pool, coordinator, readiness.Options{
		AutoMerge: cfg.Recording.AutoMerge,
		AwaitStop: cfg.Recording.AwaitStop,
	})
	coordinator.Recording = tracker

	reassembler = reassembly.New(b.objects, ffmpeg, tracker, reassembly.Options{
		ScratchDir:       cfg.Recording.ScratchDir,
		Profile:          cfg.Transcoder.Track,
		MinArtifactBytes: cfg.Recording.MinArtifactBytes,
		Prefetch:         cfg.Workers.Prefetch,
		DeleteChunks:     cfg.Recording.DeleteChunks,
	})
	merger = merge.New(b.objects, ffmpeg, b.sessions, latest, merge.Options{
		ScratchDir:       cfg.Recording.ScratchDir,
		Profile:          cfg.Transcoder.Merged,
		MinArtifactBytes: cfg.Recording.MinArtifactBytes,
		Canvas:           cfg.Merge.Canvas,
		Cell:             cfg.Merge.Cell,
		FrameRate:        cfg.Merge.FrameRate,
		Prefetch:         cfg.Workers.Prefetch,
	})
	if err := os.MkdirAll(cfg.Recording.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	ingestor := ingest.New(b.objects, b.sessions, pool, ingest.Options{
		RequireOpenSession: cfg.Recording.RequireOpenSession,
	})
	api := router.NewAPI(ingestor, tracker, coordinator, b.sessions, latest, b.objects)
	sig := sigadapter.NewSignalWSController(coordinator, sigadapter.Options{
		ReadLimit:  cfg.Signal.ReadLimit,
		PingPeriod: cfg.Signal.PingPeriod,
		SendBuffer: cfg.Signal.SendBuffer,
		RateLimit:  cfg.Signal.RateLimit,
		RateWindow: cfg.Signal.RateWindow,
	})

	g, gctx := errgroup.WithContext(ctx)
	r := router.SetupRouter(gctx, cfg, api, sig)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Studio server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return coordinator.RunRecordingEvents(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
