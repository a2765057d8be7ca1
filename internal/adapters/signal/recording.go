package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/studio/internal/app/coord"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

const (
	startRecording = coord.SignalStartRecording
	stopRecording  = coord.SignalStopRecording
)

func (ctl *SignalWSController) handleRecording(pid domain.ParticipantID, conn *WsSignalConn, typ string, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		logProtocolError(pid, typ, err)
		return
	}
	if err := ctl.Coord.RecordingSignal(pid, typ, fields); err != nil {
		logProtocolError(pid, typ, err)
		if errors.Is(err, core.ErrNotHost) {
			ctl.sendError(conn, "not_host")
		}
	}
}
