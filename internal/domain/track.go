package domain

import "time"

// Track is one participant's recorded segment for one conference session.
type Track struct {
	Room         RoomID
	Session      SessionID
	ID           TrackID
	Participant  ParticipantID
	StartedAt    time.Time
	EndedAt      time.Time
	RegisteredAt time.Time
	// ArtifactKey stays empty until reassembly completes.
	ArtifactKey string
}

// Ready reports whether the track has a reassembled artifact.
func (t Track) Ready() bool { return t.ArtifactKey != "" }

// Duration is the recorded span, never negative.
func (t Track) Duration() time.Duration {
	if t.EndedAt.Before(t.StartedAt) {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// TrackStatus is the per-track line of a readiness snapshot.
type TrackStatus struct {
	TrackID     TrackID       `json:"trackId"`
	Participant ParticipantID `json:"participantId,omitempty"`
	Ready       bool          `json:"isReady"`
	ArtifactKey string        `json:"artifactKey,omitempty"`
}

// Readiness is the observable state of one conference session.
type Readiness struct {
	Room          RoomID        `json:"roomId"`
	Session       SessionID     `json:"sessionId"`
	State         SessionState  `json:"state"`
	TotalTracks   int           `json:"totalTracks"`
	ReadyTracks   int           `json:"readyTracks"`
	ReadyForMerge bool          `json:"readyForMerge"`
	Tracks        []TrackStatus `json:"tracks"`
}

// Completion is what a reassembly reports back to the readiness tracker.
type Completion struct {
	Room        RoomID    `json:"roomId" validate:"required,id"`
	Session     SessionID `json:"sessionId" validate:"required,id"`
	Track       TrackID   `json:"trackId" validate:"required,id"`
	ArtifactKey string    `json:"artifactKey" validate:"required"`
	StartedAt   time.Time `json:"startedAt" validate:"required"`
	EndedAt     time.Time `json:"endedAt" validate:"required,gtefield=StartedAt"`
}
