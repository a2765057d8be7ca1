package coord

import (
	"encoding/json"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// RelayMessage is an offer, answer or candidate addressed to one participant.
// Payload fields are forwarded untouched.
type RelayMessage struct {
	Type      string
	Target    domain.ParticipantID
	SDP       json.RawMessage
	Candidate json.RawMessage
}

type relayFrame struct {
	Type           string               `json:"type"`
	SenderClientID domain.ParticipantID `json:"senderClientId"`
	SDP            json.RawMessage      `json:"sdp,omitempty"`
	Candidate      json.RawMessage      `json:"candidate,omitempty"`
}

// Relay forwards msg to its target if the target is connected in the sender's room.
// Nothing is queued for absent targets.
func (c *Coordinator) Relay(from domain.ParticipantID, msg RelayMessage) error {
	roomID, _, ok := c.Registry.RoomOf(from)
	if !ok {
		return core.ErrNotInRoom
	}
	room, ok := c.Rooms.Get(roomID)
	if !ok {
		return core.ErrNotInRoom
	}
	frame := core.EncodeFrame(relayFrame{Type: msg.Type, SenderClientID: from, SDP: msg.SDP, Candidate: msg.Candidate})
	err := room.SendTo(from, msg.Target, frame)
	if target, ok := c.Registry.Session(msg.Target); ok {
		return c.deliver(room, target, err)
	}
	return err
}
