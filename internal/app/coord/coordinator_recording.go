package coord

import (
	"context"
	"encoding/json"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	SignalStartRecording = "start_recording_signal"
	SignalStopRecording  = "stop_recording_signal"
)

type recordingEvent struct {
	Kind    string
	Room    domain.RoomID
	Session domain.SessionID
	Host    domain.ParticipantID
}

// SessionIDOf extracts the conference session id carried by a recording signal.
func SessionIDOf(fields map[string]json.RawMessage) domain.SessionID {
	for _, name := range []string{"conferenceRecordingId", "conferenceSessionId"} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if id, err := domain.ParseSessionID(s); err == nil {
			return id
		}
	}
	return ""
}

// RecordingSignal fans a host start/stop command out to everyone but the sender.
// Client fields are forwarded as sent; sender and room are stamped by the server.
func (c *Coordinator) RecordingSignal(from domain.ParticipantID, kind string, fields map[string]json.RawMessage) error {
	roomID, _, ok := c.Registry.RoomOf(from)
	if !ok {
		return core.ErrNotInRoom
	}
	room, ok := c.Rooms.Get(roomID)
	if !ok {
		return core.ErrNotInRoom
	}
	if !room.IsHost(from) {
		return core.ErrNotHost
	}

	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = kind
	out["senderClientId"] = from
	out["roomId"] = roomID

	res := room.Broadcast(from, core.EncodeFrame(out))
	c.handleDropped(room, res)

	session := SessionIDOf(fields)
	if session == "" {
		log.Warn().Str("module", "app.coord").Str("room", string(roomID)).Str("type", kind).Msg("recording signal without session id")
		return nil
	}
	c.queueRecording(recordingEvent{Kind: kind, Room: roomID, Session: session, Host: from})
	return nil
}

// maxBacklog caps events parked behind a full channel.
const maxBacklog = 4096

// queueRecording never blocks the signaling path. Once the channel is full,
// later events wait in the backlog so start and stop keep their order.
func (c *Coordinator) queueRecording(ev recordingEvent) {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	if len(c.backlog) == 0 {
		select {
		case c.events <- ev:
			return
		default:
		}
	}
	l := log.With().Str("module", "app.coord").Str("room", string(ev.Room)).Str("session", string(ev.Session)).
		Str("type", ev.Kind).Logger()
	if len(c.backlog) >= maxBacklog {
		l.Error().Int("backlog", len(c.backlog)).Msg("recording backlog full, dropping")
		return
	}
	c.backlog = append(c.backlog, ev)
	l.Warn().Int("backlog", len(c.backlog)).Msg("recording event buffer full, deferring")
}

// refill moves backlogged events into the channel while it has room.
func (c *Coordinator) refill() {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	for len(c.backlog) > 0 {
		select {
		case c.events <- c.backlog[0]:
			c.backlog = c.backlog[1:]
		default:
			return
		}
	}
}

// RunRecordingEvents feeds queued recording commands to the sink until ctx ends.
func (c *Coordinator) RunRecordingEvents(ctx context.Context) error {
	l := log.With().Str("module", "app.coord").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.refill()
			if c.Recording == nil {
				continue
			}
			var err error
			switch ev.Kind {
			case SignalStartRecording:
				err = c.Recording.RecordingStarted(ctx, ev.Room, ev.Session, ev.Host)
			case SignalStopRecording:
				err = c.Recording.RecordingStopped(ctx, ev.Room, ev.Session, ev.Host)
			}
			if err != nil {
				l.Error().Err(err).Str("room", string(ev.Room)).Str("session", string(ev.Session)).
					Str("type", ev.Kind).Msg("recording event failed")
			}
		}
	}
}
