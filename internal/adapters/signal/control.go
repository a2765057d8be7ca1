package signal

import "github.com/dkeye/studio/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, struct {
		Type string `json:"type"`
	}{Type: "pong"})
}

func (ctl *SignalWSController) handleWhoAmI(pid domain.ParticipantID, conn *WsSignalConn) {
	resp := struct {
		Type     string               `json:"type"`
		ClientID domain.ParticipantID `json:"clientId"`
		Room     domain.RoomID        `json:"roomId,omitempty"`
		IsHost   bool                 `json:"isHost"`
	}{
		Type:     "whoami",
		ClientID: pid,
	}
	if room, _, ok := ctl.Coord.Registry.RoomOf(pid); ok {
		resp.Room = room
		resp.IsHost = ctl.Coord.IsHost(room, pid)
	}
	ctl.sendJSON(conn, resp)
}
