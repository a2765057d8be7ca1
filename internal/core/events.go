package core

import (
	"encoding/json"

	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// Server to client event types.
const (
	EventParticipantJoined    = "participant_joined"
	EventExistingParticipants = "existing_participants"
	EventParticipantLeft      = "participant_left"
	EventHostStatusUpdate     = "host_status_update"
	EventHostLeave            = "host_leave"
)

type rosterEvent struct {
	Type     string               `json:"type"`
	ClientID domain.ParticipantID `json:"clientId"`
	RoomSize int                  `json:"roomSize"`
	IsHost   bool                 `json:"isHost"`
}

type existingEvent struct {
	Type         string               `json:"type"`
	ClientID     domain.ParticipantID `json:"clientId"`
	IsHost       bool                 `json:"isHost"`
	Participants []domain.RosterEntry `json:"participants"`
}

type hostStatusEvent struct {
	Type   string `json:"type"`
	IsHost bool   `json:"isHost"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// EncodeFrame marshals v; a marshal failure is logged and yields nil.
func EncodeFrame(v any) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "core.events").Msg("encode frame")
		return nil
	}
	return b
}
