package domain

import "time"

type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionActive        SessionState = "active"
	SessionStopped       SessionState = "stopped"
	SessionMerging       SessionState = "merging"
	SessionArchived      SessionState = "archived"
)

// AcceptsTracks reports whether new tracks may join a session in this state.
func (s SessionState) AcceptsTracks() bool {
	return s == SessionActive || s == SessionStopped
}

// CanMerge reports whether a merge may be triggered from this state.
func (s SessionState) CanMerge() bool {
	return s == SessionActive || s == SessionStopped
}

// ConferenceSession groups the tracks merged into one output.
type ConferenceSession struct {
	Room      RoomID
	ID        SessionID
	State     SessionState
	Host      ParticipantID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MergedArtifact is written once on a successful merge and never changed.
type MergedArtifact struct {
	Room        RoomID    `json:"roomId"`
	Session     SessionID `json:"sessionId"`
	Key         string    `json:"key"`
	AudioSource TrackID   `json:"audioSource,omitempty"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}
