package core

import (
	"context"
	"time"

	"github.com/dkeye/studio/internal/domain"
)

// JobStore is the worker-side view of the job queue.
type JobStore interface {
	JobQueue
	// Claim leases the oldest available job of kind; nil when none is available.
	Claim(ctx context.Context, kind domain.JobKind) (*domain.Job, error)
	Complete(ctx context.Context, key string) error
	// Fail either reschedules the job after backoff or marks it dead.
	Fail(ctx context.Context, key string, cause error, retry bool, backoff time.Duration) (domain.JobStatus, error)
	Heartbeat(ctx context.Context, key string) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// SessionRepository owns conference sessions, their tracks and merged artifacts.
// A session that was never opened reads as domain.ErrSessionNotFound.
type SessionRepository interface {
	// Open creates the session in the active state; an existing session is returned unchanged.
	Open(ctx context.Context, room domain.RoomID, id domain.SessionID, host domain.ParticipantID) (domain.ConferenceSession, error)
	Get(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.ConferenceSession, error)
	// Transition moves the session to `to` only if its state is one of from.
	Transition(ctx context.Context, room domain.RoomID, id domain.SessionID, from []domain.SessionState, to domain.SessionState) (bool, error)
	// AddTrack registers a track once; it fails with domain.ErrSessionClosed outside active/stopped.
	AddTrack(ctx context.Context, track domain.Track) (bool, error)
	// SetArtifact records the artifact of a registered track. A set artifact is never replaced.
	SetArtifact(ctx context.Context, c domain.Completion) (bool, error)
	// Tracks lists tracks ordered by start time, then registration.
	Tracks(ctx context.Context, room domain.RoomID, id domain.SessionID) ([]domain.Track, error)
	// SaveMergedArtifact stores the artifact and archives the session.
	SaveMergedArtifact(ctx context.Context, a domain.MergedArtifact) error
	LatestArtifact(ctx context.Context) (domain.MergedArtifact, error)
}
