package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

func (ctl *SignalWSController) handleJoin(pid domain.ParticipantID, conn *WsSignalConn, data []byte) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	room, err := domain.ParseRoomID(p.RoomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(pid)).Msg("join without valid roomId")
		ctl.sendError(conn, "invalid_room")
		return
	}

	res, err := ctl.Coord.Join(pid, room)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("participant", string(pid)).Str("room", string(room)).Msg("join failed")
		ctl.sendError(conn, "join_failed")
		return
	}
	log.Info().Str("module", "signal").Str("participant", string(pid)).Str("room", string(room)).
		Bool("host", res.IsHost).Int("size", res.RoomSize).Msg("join")
}

func (ctl *SignalWSController) handleLeave(pid domain.ParticipantID) {
	log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("leave")
	ctl.Coord.Leave(pid)
}

func (ctl *SignalWSController) handleHostLeave(pid domain.ParticipantID, conn *WsSignalConn) {
	err := ctl.Coord.HostLeave(pid)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotHost):
		logProtocolError(pid, "host_leave", err)
		ctl.sendError(conn, "not_host")
	default:
		logProtocolError(pid, "host_leave", err)
	}
}
