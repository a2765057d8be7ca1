// Package reassembly turns one track's uploaded chunks into a canonical artifact.
package reassembly

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// Recorder receives finished tracks.
type Recorder interface {
	Record(ctx context.Context, c domain.Completion) error
}

type Options struct {
	ScratchDir       string
	Profile          core.Profile
	MinArtifactBytes int64
	// Prefetch bounds parallel chunk downloads.
	Prefetch     int
	DeleteChunks bool
}

type Worker struct {
	store    core.ObjectStore
	tx       core.Transcoder
	recorder Recorder
	opts     Options
	log      zerolog.Logger
}

func New(store core.ObjectStore, tx core.Transcoder, recorder Recorder, opts Options) *Worker {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 4
	}
	return &Worker{
		store:    store,
		tx:       tx,
		recorder: recorder,
		opts:     opts,
		log:      log.With().Str("module", "app.reassembly").Logger(),
	}
}

type chunk struct {
	index int
	key   string
	size  int64
}

// Handle runs one reassemble_track job. No artifact is reported unless every step succeeded.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	var p domain.ReassemblePayload
	if err := domain.DecodePayload(job, &p); err != nil {
		return err
	}
	l := w.log.With().Str("job", job.Key).Str("room", string(p.Room)).Str("session", string(p.Session)).
		Str("track", string(p.Track)).Logger()

	chunks, err := w.listChunks(ctx, p)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp(w.opts.ScratchDir, "reassemble-*")
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "scratch", "", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			l.Warn().Err(err).Str("dir", dir).Msg("scratch cleanup failed")
		}
	}()

	started := time.Now()
	raw := filepath.Join(dir, "raw.webm")
	if err := w.assemble(ctx, chunks, dir, raw); err != nil {
		return err
	}

	out := filepath.Join(dir, "track.webm")
	if err := w.tx.Transcode(ctx, core.TranscodeSpec{Inputs: []string{raw}, Profile: w.opts.Profile, Output: out}); err != nil {
		return domain.Wrap(domain.ErrExternalTool, "reassembly", "transcode", string(p.Track), err)
	}
	size, err := app.CheckArtifactSize("reassembly", out, w.opts.MinArtifactBytes)
	if err != nil {
		l.Error().Err(err).Msg("artifact rejected")
		return err
	}

	key := domain.TrackArtifactKey(p.Room, p.Session, p.Track)
	if err := app.UploadArtifact(ctx, w.store, "reassembly", out, key, size); err != nil {
		return err
	}

	completion := domain.Completion{
		Room:        p.Room,
		Session:     p.Session,
		Track:       p.Track,
		ArtifactKey: key,
		StartedAt:   domain.FromMillis(p.StartedAt),
		EndedAt:     domain.FromMillis(p.EndedAt),
	}
	if err := w.recorder.Record(ctx, completion); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	l.Info().Int("chunks", len(chunks)).Str("size", humanize.Bytes(uint64(size))).
		Dur("elapsed", time.Since(started)).Str("key", key).Msg("track reassembled")

	if w.opts.DeleteChunks {
		for _, c := range chunks {
			if err := w.store.Delete(ctx, c.key); err != nil {
				l.Warn().Err(err).Str("chunk", c.key).Msg("chunk cleanup failed")
			}
		}
	}
	return nil
}

// listChunks returns the track's non-empty chunks in index order.
func (w *Worker) listChunks(ctx context.Context, p domain.ReassemblePayload) ([]chunk, error) {
	prefix := domain.ChunkPrefix(p.Room, p.Track)
	objs, err := w.store.List(ctx, prefix)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransient, "reassembly", "list chunks", prefix, err)
	}
	chunks := make([]chunk, 0, len(objs))
	for _, o := range objs {
		idx, ok := domain.ParseChunkIndex(prefix, o.Key)
		if !ok || o.Size <= 0 {
			continue
		}
		chunks = append(chunks, chunk{index: idx, key: o.Key, size: o.Size})
	}
	if len(chunks) == 0 {
		return nil, domain.Wrap(domain.ErrValidation, "reassembly", "list chunks", prefix, domain.ErrNoChunks)
	}
	slices.SortFunc(chunks, func(a, b chunk) int { return a.index - b.index })
	return chunks, nil
}

// assemble downloads chunks in parallel, then concatenates them in index order.
func (w *Worker) assemble(ctx context.Context, chunks []chunk, dir, dst string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Prefetch)
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = filepath.Join(dir, fmt.Sprintf("chunk-%06d", c.index))
		g.Go(func() error { return download(gctx, w.store, c.key, parts[i]) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "create raw", "", err)
	}
	defer out.Close()
	for _, part := range parts {
		if err := appendFile(out, part); err != nil {
			return err
		}
	}
	if err := out.Sync(); err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "sync raw", "", err)
	}
	return nil
}

func download(ctx context.Context, store core.ObjectStore, key, dst string) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "get chunk", key, err)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "create chunk", key, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return domain.Wrap(domain.ErrTransient, "reassembly", "download chunk", key, err)
	}
	return f.Close()
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "open chunk", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return domain.Wrap(domain.ErrTransient, "reassembly", "concatenate", path, err)
	}
	return nil
}
