package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// TrackSource reads a session's tracks and stores its merged artifact.
type TrackSource interface {
	Tracks(ctx context.Context, room domain.RoomID, id domain.SessionID) ([]domain.Track, error)
	SaveMergedArtifact(ctx context.Context, a domain.MergedArtifact) error
}

// ArtifactSink is told about every merged artifact.
type ArtifactSink interface {
	ArtifactMerged(a domain.MergedArtifact)
}

type Options struct {
	ScratchDir       string
	Profile          core.Profile
	MinArtifactBytes int64
	Canvas           Size
	Cell             Size
	FrameRate        int
	Prefetch         int
}

type Worker struct {
	store    core.ObjectStore
	tx       core.Transcoder
	sessions TrackSource
	sink     ArtifactSink
	opts     Options
	log      zerolog.Logger
}

func New(store core.ObjectStore, tx core.Transcoder, sessions TrackSource, sink ArtifactSink, opts Options) *Worker {
	if opts.Canvas.W == 0 || opts.Canvas.H == 0 {
		opts.Canvas = Size{W: 1280, H: 720}
	}
	if opts.Cell.W == 0 || opts.Cell.H == 0 {
		opts.Cell = Size{W: 640, H: 480}
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 4
	}
	return &Worker{
		store:    store,
		tx:       tx,
		sessions: sessions,
		sink:     sink,
		opts:     opts,
		log:      log.With().Str("module", "app.merge").Logger(),
	}
}

// Handle runs one merge_conference job. Nothing is recorded unless the upload succeeded.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	var p domain.MergePayload
	if err := domain.DecodePayload(job, &p); err != nil {
		return err
	}
	l := w.log.With().Str("job", job.Key).Str("room", string(p.Room)).Str("session", string(p.Session)).Logger()

	tracks, err := w.sessions.Tracks(ctx, p.Room, p.Session)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "merge", "load tracks", string(p.Session), err)
	}
	if len(tracks) == 0 {
		return domain.Wrap(domain.ErrValidation, "merge", "load tracks", string(p.Session), domain.ErrNoChunks)
	}
	if pending := lo.Reject(tracks, func(t domain.Track, _ int) bool { return t.Ready() }); len(pending) > 0 {
		ids := lo.Map(pending, func(t domain.Track, _ int) string { return string(t.ID) })
		return domain.Wrap(domain.ErrValidation, "merge", "load tracks", strings.Join(ids, ","), domain.ErrNotReady)
	}

	plan := NewPlan(tracks)
	cells := Grid(len(plan.Placements), w.opts.Canvas, w.opts.Cell)

	dir, err := os.MkdirTemp(w.opts.ScratchDir, "merge-*")
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "merge", "scratch", "", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			l.Warn().Err(err).Str("dir", dir).Msg("scratch cleanup failed")
		}
	}()

	inputs, err := w.fetch(ctx, plan, dir)
	if err != nil {
		return err
	}

	spec := core.TranscodeSpec{
		Inputs:        inputs,
		FilterComplex: Graph(plan, w.opts.Canvas, cells, w.opts.FrameRate),
		Maps:          []string{"[v_out]"},
		Profile:       w.opts.Profile,
		Shortest:      true,
		Output:        filepath.Join(dir, "conference.webm"),
	}
	audio := p.AudioSource
	if idx, ok := plan.AudioInput(p.AudioSource); ok {
		spec.Maps = append(spec.Maps, fmt.Sprintf("%d:a", idx))
	} else {
		spec.NoAudio = true
		spec.Shortest = false
		audio = ""
		l.Warn().Str("audio_source", string(p.AudioSource)).Msg("audio source track not in session, merging without audio")
	}

	started := time.Now()
	if err := w.tx.Transcode(ctx, spec); err != nil {
		return domain.Wrap(domain.ErrExternalTool, "merge", "transcode", string(p.Session), err)
	}
	size, err := app.CheckArtifactSize("merge", spec.Output, w.opts.MinArtifactBytes)
	if err != nil {
		l.Error().Err(err).Msg("merged artifact rejected")
		return err
	}

	key := domain.MergedArtifactKey(p.Room, p.Session)
	if err := app.UploadArtifact(ctx, w.store, "merge", spec.Output, key, size); err != nil {
		return err
	}
	artifact := domain.MergedArtifact{
		Room:        p.Room,
		Session:     p.Session,
		Key:         key,
		AudioSource: audio,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.sessions.SaveMergedArtifact(ctx, artifact); err != nil {
		return domain.Wrap(domain.ErrTransient, "merge", "save artifact", key, err)
	}
	if w.sink != nil {
		w.sink.ArtifactMerged(artifact)
	}
	l.Info().Int("tracks", len(tracks)).Float64("duration_s", plan.Duration).Str("audio_source", string(audio)).
		Str("size", humanize.Bytes(uint64(size))).Dur("elapsed", time.Since(started)).Str("key", key).Msg("conference merged")
	return nil
}

// fetch downloads each track artifact in plan order and returns the local paths.
func (w *Worker) fetch(ctx context.Context, plan Plan, dir string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Prefetch)
	paths := make([]string, len(plan.Placements))
	for i, pl := range plan.Placements {
		paths[i] = filepath.Join(dir, fmt.Sprintf("input-%02d.webm", i))
		g.Go(func() error { return download(gctx, w.store, pl.Track.ArtifactKey, paths[i]) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func download(ctx context.Context, store core.ObjectStore, key, dst string) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "merge", "get track", key, err)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "merge", "create input", dst, err)
	}
	if _, err := f.ReadFrom(rc); err != nil {
		_ = f.Close()
		return domain.Wrap(domain.ErrTransient, "merge", "download track", key, err)
	}
	return f.Close()
}
