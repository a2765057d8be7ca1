package domain

import "time"

// Participant is one connected endpoint. Rooms keep their own copy stamped
// at room join; host election only looks at that copy.
type Participant struct {
	ID       ParticipantID
	JoinedAt time.Time
	// Seq breaks JoinedAt ties in arrival order.
	Seq uint64
}

// NewParticipant avoids raw literals in adapters.
func NewParticipant(id ParticipantID, joinedAt time.Time, seq uint64) *Participant {
	return &Participant{ID: id, JoinedAt: joinedAt, Seq: seq}
}

// JoinedBefore orders participants by join time, then arrival sequence.
func (p *Participant) JoinedBefore(o *Participant) bool {
	if !p.JoinedAt.Equal(o.JoinedAt) {
		return p.JoinedAt.Before(o.JoinedAt)
	}
	return p.Seq < o.Seq
}

// RosterEntry is the read-only view of a participant sent to clients.
type RosterEntry struct {
	ClientID ParticipantID `json:"clientId"`
	IsHost   bool          `json:"isHost"`
}

type RoomInfo struct {
	ID           RoomID        `json:"id"`
	Host         ParticipantID `json:"host"`
	Participants int           `json:"participants"`
}
