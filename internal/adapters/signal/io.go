package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess core.MemberSession, c *WsSignalConn) {
	pid := sess.Meta().ID
	defer func() {
		log.Info().Str("module", "signal").Str("participant", string(pid)).Msg("readPump closing")
		ctl.Coord.Disconnect(pid, sess)
		ctl.limiter.Forget(pid)
		c.Close()
		cancel()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("participant", string(pid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(pid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(pid domain.ParticipantID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(pid)).Msg("bad json")
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(pid, c, data)
	case "leave":
		ctl.handleLeave(pid)
	case "host_leave":
		ctl.handleHostLeave(pid, c)
	case "offer", "answer", "candidate":
		if ctl.limited(pid, env.Type) {
			return
		}
		ctl.handleRelay(pid, env.Type, data)
	case startRecording, stopRecording:
		if ctl.limited(pid, env.Type) {
			return
		}
		ctl.handleRecording(pid, c, env.Type, data)
	case "whoami":
		ctl.handleWhoAmI(pid, c)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("participant", string(pid)).Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) limited(pid domain.ParticipantID, typ string) bool {
	if ctl.limiter.Allow(pid) {
		return false
	}
	log.Warn().Str("module", "signal").Str("participant", string(pid)).Str("type", typ).Msg("rate limited")
	return true
}

// logProtocolError records a dropped message; the connection stays up.
func logProtocolError(pid domain.ParticipantID, typ string, err error) {
	ev := log.Warn()
	if errors.Is(err, core.ErrBackpressure) {
		ev = log.Debug()
	}
	ev.Err(err).Str("module", "signal").Str("participant", string(pid)).Str("type", typ).Msg("signal dropped")
}
