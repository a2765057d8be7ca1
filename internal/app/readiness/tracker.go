// Package readiness tracks per-session track completion and dispatches the merge job.
package readiness

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// HostResolver re-derives host status from live room state.
type HostResolver interface {
	CurrentHost(room domain.RoomID) (domain.ParticipantID, bool)
	IsHost(room domain.RoomID, pid domain.ParticipantID) bool
}

type Options struct {
	// AutoMerge dispatches the merge as soon as a session becomes ready.
	AutoMerge bool
	// AwaitStop holds the automatic merge until the host stopped recording.
	AwaitStop bool
}

type MergeRequest struct {
	Room        domain.RoomID
	Session     domain.SessionID
	AudioSource domain.TrackID
	Requester   domain.ParticipantID
}

// MergeOutcome reports the dispatched payload. Enqueued is false when the
// merge had already been dispatched for the session.
type MergeOutcome struct {
	Payload  domain.MergePayload
	Enqueued bool
}

type Tracker struct {
	sessions core.SessionRepository
	queue    core.JobQueue
	hosts    HostResolver
	opts     Options
	locks    *keyedMutex
	log      zerolog.Logger
}

func New(sessions core.SessionRepository, queue core.JobQueue, hosts HostResolver, opts Options) *Tracker {
	return &Tracker{
		sessions: sessions,
		queue:    queue,
		hosts:    hosts,
		opts:     opts,
		locks:    newKeyedMutex(),
		log:      log.With().Str("module", "app.readiness").Logger(),
	}
}

func sessionKey(room domain.RoomID, session domain.SessionID) string {
	return string(room) + "/" + string(session)
}

// Record stores a track's artifact. When this makes the session ready the
// merge is dispatched, at most once per session.
func (t *Tracker) Record(ctx context.Context, c domain.Completion) error {
	if err := domain.Validate(c); err != nil {
		return err
	}
	unlock := t.locks.Lock(sessionKey(c.Room, c.Session))
	defer unlock()

	updated, err := t.sessions.SetArtifact(ctx, c)
	if err != nil {
		return err
	}
	r, err := t.snapshot(ctx, c.Room, c.Session)
	if err != nil {
		return err
	}
	t.log.Info().Str("room", string(c.Room)).Str("session", string(c.Session)).Str("track", string(c.Track)).
		Bool("updated", updated).Int("ready", r.ReadyTracks).Int("total", r.TotalTracks).Msg("track recorded")

	if r.ReadyForMerge && t.autoMerge(r.State) {
		_, err = t.trigger(ctx, r, "")
		return err
	}
	return nil
}

func (t *Tracker) IsReady(ctx context.Context, room domain.RoomID, session domain.SessionID) (bool, error) {
	r, err := t.Snapshot(ctx, room, session)
	if err != nil {
		return false, err
	}
	return r.ReadyForMerge, nil
}

// Snapshot reports per-track readiness. An unknown session reads as uninitialized and empty.
func (t *Tracker) Snapshot(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.Readiness, error) {
	r, err := t.snapshot(ctx, room, session)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Readiness{Room: room, Session: session, State: domain.SessionUninitialized, Tracks: []domain.TrackStatus{}}, nil
	}
	return r, err
}

func (t *Tracker) snapshot(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.Readiness, error) {
	sess, err := t.sessions.Get(ctx, room, session)
	if err != nil {
		return domain.Readiness{}, err
	}
	tracks, err := t.sessions.Tracks(ctx, room, session)
	if err != nil {
		return domain.Readiness{}, err
	}
	statuses := lo.Map(tracks, func(tr domain.Track, _ int) domain.TrackStatus {
		return domain.TrackStatus{TrackID: tr.ID, Participant: tr.Participant, Ready: tr.Ready(), ArtifactKey: tr.ArtifactKey}
	})
	ready := lo.CountBy(tracks, domain.Track.Ready)
	return domain.Readiness{
		Room:          room,
		Session:       session,
		State:         sess.State,
		TotalTracks:   len(tracks),
		ReadyTracks:   ready,
		ReadyForMerge: len(tracks) > 0 && ready == len(tracks),
		Tracks:        statuses,
	}, nil
}

// RequestMerge is the explicit host-triggered merge. It is rejected with
// domain.ErrNotReady while any registered track lacks an artifact.
func (t *Tracker) RequestMerge(ctx context.Context, req MergeRequest) (MergeOutcome, error) {
	unlock := t.locks.Lock(sessionKey(req.Room, req.Session))
	defer unlock()

	sess, err := t.sessions.Get(ctx, req.Room, req.Session)
	if err != nil {
		return MergeOutcome{}, err
	}
	if !t.authorized(req, sess) {
		return MergeOutcome{}, core.ErrNotHost
	}
	r, err := t.snapshot(ctx, req.Room, req.Session)
	if err != nil {
		return MergeOutcome{}, err
	}
	if !r.ReadyForMerge {
		return MergeOutcome{}, fmt.Errorf("%w: %d of %d tracks ready", domain.ErrNotReady, r.ReadyTracks, r.TotalTracks)
	}
	if !r.State.CanMerge() {
		return MergeOutcome{Payload: domain.MergePayload{Room: req.Room, Session: req.Session}}, nil
	}
	return t.trigger(ctx, r, req.AudioSource)
}

// authorized requires the live host of the room; once the room is gone the
// host recorded at recording start stands in.
func (t *Tracker) authorized(req MergeRequest, sess domain.ConferenceSession) bool {
	if req.Requester == "" {
		return false
	}
	if _, live := t.hosts.CurrentHost(req.Room); live {
		return t.hosts.IsHost(req.Room, req.Requester)
	}
	return sess.Host != "" && sess.Host == req.Requester
}

// RecordingStarted opens the session with the commanding host.
func (t *Tracker) RecordingStarted(ctx context.Context, room domain.RoomID, session domain.SessionID, host domain.ParticipantID) error {
	sess, err := t.sessions.Open(ctx, room, session, host)
	if err != nil {
		return err
	}
	t.log.Info().Str("room", string(room)).Str("session", string(session)).Str("host", string(host)).
		Str("state", string(sess.State)).Msg("recording started")
	return nil
}

// RecordingStopped closes the recording window and merges if everything is in.
func (t *Tracker) RecordingStopped(ctx context.Context, room domain.RoomID, session domain.SessionID, _ domain.ParticipantID) error {
	unlock := t.locks.Lock(sessionKey(room, session))
	defer unlock()

	moved, err := t.sessions.Transition(ctx, room, session, []domain.SessionState{domain.SessionActive}, domain.SessionStopped)
	if err != nil {
		return err
	}
	r, err := t.snapshot(ctx, room, session)
	if err != nil {
		return err
	}
	t.log.Info().Str("room", string(room)).Str("session", string(session)).Bool("moved", moved).
		Int("ready", r.ReadyTracks).Int("total", r.TotalTracks).Msg("recording stopped")
	if r.ReadyForMerge && t.autoMerge(r.State) {
		_, err = t.trigger(ctx, r, "")
	}
	return err
}

func (t *Tracker) autoMerge(state domain.SessionState) bool {
	if !t.opts.AutoMerge {
		return false
	}
	if state == domain.SessionStopped {
		return true
	}
	return state == domain.SessionActive && !t.opts.AwaitStop
}

// trigger moves the session to merging and enqueues the merge job. Callers hold the session lock.
func (t *Tracker) trigger(ctx context.Context, r domain.Readiness, audio domain.TrackID) (MergeOutcome, error) {
	payload := domain.MergePayload{Room: r.Room, Session: r.Session}
	moved, err := t.sessions.Transition(ctx, r.Room, r.Session, []domain.SessionState{domain.SessionActive, domain.SessionStopped}, domain.SessionMerging)
	if err != nil {
		return MergeOutcome{}, err
	}
	if !moved {
		return MergeOutcome{Payload: payload}, nil
	}

	// Tracks can no longer be added; re-check against the frozen set.
	frozen, err := t.snapshot(ctx, r.Room, r.Session)
	if err == nil && !frozen.ReadyForMerge {
		err = fmt.Errorf("%w: track registered during dispatch", domain.ErrNotReady)
	}
	if err == nil {
		if audio == "" {
			audio, err = t.resolveAudio(ctx, r.Room, r.Session)
		}
		payload.AudioSource = audio
	}
	if err == nil {
		var enqueued bool
		enqueued, err = t.queue.Enqueue(ctx, domain.JobMergeConference, payload.Key(), payload)
		if err == nil {
			t.log.Info().Str("room", string(r.Room)).Str("session", string(r.Session)).
				Str("audio_source", string(audio)).Bool("enqueued", enqueued).Msg("merge dispatched")
			return MergeOutcome{Payload: payload, Enqueued: enqueued}, nil
		}
	}

	if _, rerr := t.sessions.Transition(ctx, r.Room, r.Session, []domain.SessionState{domain.SessionMerging}, r.State); rerr != nil {
		t.log.Error().Err(rerr).Str("room", string(r.Room)).Str("session", string(r.Session)).Msg("revert merging state")
	}
	return MergeOutcome{}, err
}

// resolveAudio picks the host's track: the live room host wins over the host recorded at start.
func (t *Tracker) resolveAudio(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.TrackID, error) {
	sess, err := t.sessions.Get(ctx, room, session)
	if err != nil {
		return "", err
	}
	tracks, err := t.sessions.Tracks(ctx, room, session)
	if err != nil {
		return "", err
	}
	candidates := make([]domain.ParticipantID, 0, 2)
	if host, ok := t.hosts.CurrentHost(room); ok {
		candidates = append(candidates, host)
	}
	if sess.Host != "" {
		candidates = append(candidates, sess.Host)
	}
	for _, host := range candidates {
		if tr, ok := lo.Find(tracks, func(tr domain.Track) bool {
			return tr.Participant == host || tr.ID == domain.TrackID(host)
		}); ok {
			return tr.ID, nil
		}
	}
	t.log.Warn().Str("room", string(room)).Str("session", string(session)).Msg("no track belongs to the host")
	return "", nil
}
