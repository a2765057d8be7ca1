// Package ingest persists uploaded chunks and dispatches one reassembly job per track.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// sniffLen is how much of a chunk is read to detect its container.
const sniffLen = 3072

// sweepGrace keeps chunks written this recently when a track restarts at index 0.
// Clients upload concurrently, so chunk 1 may land just before chunk 0.
const sweepGrace = 10 * time.Second

type Options struct {
	// RequireOpenSession rejects finalize for sessions no host has started.
	RequireOpenSession bool
}

type ChunkRequest struct {
	Room        domain.RoomID
	Track       domain.TrackID
	Session     domain.SessionID
	Participant domain.ParticipantID
	Index       int
	Payload     io.Reader
	Size        int64
}

type FinalizeRequest struct {
	Room        domain.RoomID        `validate:"required,id"`
	Track       domain.TrackID       `validate:"required,id"`
	Session     domain.SessionID     `validate:"required,id"`
	Participant domain.ParticipantID
	StartedAt   time.Time `validate:"required"`
	EndedAt     time.Time `validate:"required,gtefield=StartedAt"`
}

type Service struct {
	store    core.ObjectStore
	sessions core.SessionRepository
	queue    core.JobQueue
	opts     Options
	seen     sync.Map
	now      func() time.Time
	log      zerolog.Logger
}

func New(store core.ObjectStore, sessions core.SessionRepository, queue core.JobQueue, opts Options) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		queue:    queue,
		opts:     opts,
		now:      time.Now,
		log:      log.With().Str("module", "app.ingest").Logger(),
	}
}

// Ingest stores one chunk under its zero-padded index. Failures are returned
// to the caller and not retried here.
func (s *Service) Ingest(ctx context.Context, req ChunkRequest) (string, error) {
	if err := checkChunkIDs(req); err != nil {
		return "", domain.Wrap(domain.ErrValidation, "ingest", "chunk", "bad identifier", err)
	}
	if req.Index < 0 || req.Index > domain.MaxChunkIndex {
		return "", fmt.Errorf("%w: %d", domain.ErrChunkIndex, req.Index)
	}
	if req.Payload == nil {
		return "", domain.Wrap(domain.ErrValidation, "ingest", "chunk", "empty payload", nil)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(req.Payload, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", domain.Wrap(domain.ErrTransient, "ingest", "read chunk", "", err)
	}
	head = head[:n]
	contentType := mimetype.Detect(head).String()

	if req.Session != "" {
		if err := s.register(ctx, domain.Track{Room: req.Room, Session: req.Session, ID: req.Track, Participant: req.Participant}); err != nil {
			return "", err
		}
	}

	if req.Index == 0 {
		s.sweep(ctx, req.Room, req.Track)
	}

	key := domain.ChunkKey(req.Room, req.Track, req.Index)
	body := io.MultiReader(bytes.NewReader(head), req.Payload)
	if err := s.store.Put(ctx, key, body, req.Size, contentType); err != nil {
		s.log.Error().Err(err).Str("room", string(req.Room)).Str("track", string(req.Track)).Int("index", req.Index).Msg("chunk persist failed")
		return "", err
	}
	s.log.Debug().Str("room", string(req.Room)).Str("track", string(req.Track)).Int("index", req.Index).
		Str("content_type", contentType).Msg("chunk stored")
	return key, nil
}

// Finalize registers the track in its session and enqueues its reassembly.
// Duplicate calls enqueue nothing new.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (bool, error) {
	if err := domain.Validate(req); err != nil {
		return false, err
	}
	if _, err := s.sessions.Get(ctx, req.Room, req.Session); err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return false, err
		}
		if s.opts.RequireOpenSession {
			return false, err
		}
		if _, err := s.sessions.Open(ctx, req.Room, req.Session, ""); err != nil {
			return false, err
		}
	}

	track := domain.Track{
		Room:        req.Room,
		Session:     req.Session,
		ID:          req.Track,
		Participant: req.Participant,
		StartedAt:   req.StartedAt,
		EndedAt:     req.EndedAt,
	}
	if _, err := s.sessions.AddTrack(ctx, track); err != nil {
		return false, err
	}
	// No more chunks follow a finalize; the memo only serves in-flight uploads.
	s.seen.Delete(seenKey(track))

	payload := domain.ReassemblePayload{
		Room:        req.Room,
		Session:     req.Session,
		Track:       req.Track,
		Participant: req.Participant,
		StartedAt:   domain.Millis(req.StartedAt),
		EndedAt:     domain.Millis(req.EndedAt),
	}
	enqueued, err := s.queue.Enqueue(ctx, domain.JobReassembleTrack, payload.Key(), payload)
	if err != nil {
		return false, err
	}
	s.log.Info().Str("room", string(req.Room)).Str("session", string(req.Session)).Str("track", string(req.Track)).
		Bool("enqueued", enqueued).Msg("track finalized")
	return enqueued, nil
}

// sweep drops chunks left under the track prefix by an earlier recording.
// Chunk keys carry no session, so a new index 0 is the only restart marker.
func (s *Service) sweep(ctx context.Context, room domain.RoomID, track domain.TrackID) {
	l := s.log.With().Str("room", string(room)).Str("track", string(track)).Logger()
	objs, err := s.store.List(ctx, domain.ChunkPrefix(room, track))
	if err != nil {
		l.Warn().Err(err).Msg("stale chunk listing failed")
		return
	}
	cutoff := s.now().Add(-sweepGrace)
	removed := 0
	for _, o := range objs {
		if !o.LastModified.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, o.Key); err != nil {
			l.Warn().Err(err).Str("chunk", o.Key).Msg("stale chunk delete failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		l.Info().Int("removed", removed).Msg("stale chunks swept")
	}
}

// register adds the track to its session the first time a chunk is seen.
// A session no host has opened is left alone until finalize.
func (s *Service) register(ctx context.Context, track domain.Track) error {
	key := seenKey(track)
	if _, ok := s.seen.Load(key); ok {
		return nil
	}
	_, err := s.sessions.AddTrack(ctx, track)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil
	default:
		return err
	}
	s.seen.Store(key, struct{}{})
	return nil
}

func checkChunkIDs(req ChunkRequest) error {
	if err := domain.CheckID(string(req.Room)); err != nil {
		return fmt.Errorf("room: %w", err)
	}
	if err := domain.CheckID(string(req.Track)); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	if req.Session != "" {
		if err := domain.CheckID(string(req.Session)); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	return nil
}

func seenKey(t domain.Track) string {
	return string(t.Room) + "/" + string(t.Session) + "/" + string(t.ID)
}
