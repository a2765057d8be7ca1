package signal

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/studio/internal/app/coord"
	"github.com/dkeye/studio/internal/domain"
)

var errBadRelayPayload = errors.New("malformed relay payload")

type relayPayload struct {
	Type      string          `json:"type"`
	Target    string          `json:"targetClientId"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

// handleRelay forwards offer, answer and candidate messages untouched after a shape check.
func (ctl *SignalWSController) handleRelay(pid domain.ParticipantID, typ string, data []byte) {
	var p relayPayload
	if err := json.Unmarshal(data, &p); err != nil {
		logProtocolError(pid, typ, err)
		return
	}
	if err := checkRelayShape(typ, p); err != nil {
		logProtocolError(pid, typ, err)
		return
	}
	err := ctl.Coord.Relay(pid, coord.RelayMessage{
		Type:      typ,
		Target:    domain.ParticipantID(p.Target),
		SDP:       p.SDP,
		Candidate: p.Candidate,
	})
	if err != nil {
		logProtocolError(pid, typ, err)
	}
}

// checkRelayShape verifies the payload decodes as the WebRTC type it claims to be.
func checkRelayShape(typ string, p relayPayload) error {
	if p.Target == "" {
		return errBadRelayPayload
	}
	switch typ {
	case "offer", "answer":
		if len(p.SDP) == 0 {
			return errBadRelayPayload
		}
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(p.SDP, &sd); err != nil {
			return errors.Join(errBadRelayPayload, err)
		}
		want := webrtc.SDPTypeOffer
		if typ == "answer" {
			want = webrtc.SDPTypeAnswer
		}
		if sd.Type != want || sd.SDP == "" {
			return errBadRelayPayload
		}
	case "candidate":
		if len(p.Candidate) == 0 {
			return errBadRelayPayload
		}
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Candidate, &ci); err != nil {
			return errors.Join(errBadRelayPayload, err)
		}
	}
	return nil
}
