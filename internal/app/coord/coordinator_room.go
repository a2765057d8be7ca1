package coord

import (
	"errors"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join moves pid into room, leaving any previous room first.
func (c *Coordinator) Join(pid domain.ParticipantID, roomID domain.RoomID) (core.JoinResult, error) {
	if cur, _, ok := c.Registry.RoomOf(pid); ok {
		if cur == roomID {
			return core.JoinResult{}, nil
		}
		c.Leave(pid)
		log.Info().Str("module", "app.coord").Str("participant", string(pid)).Str("from_room", string(cur)).Msg("left previous room")
	}
	sess, ok := c.Registry.Session(pid)
	if !ok {
		return core.JoinResult{}, core.ErrNotInRoom
	}

	for {
		room := c.Rooms.GetOrCreate(roomID)
		res, err := room.Join(sess)
		if errors.Is(err, core.ErrRoomClosed) {
			// Lost a race with the last leaver; drop the dead room and retry.
			c.Rooms.Remove(roomID, room)
			continue
		}
		if err != nil {
			return core.JoinResult{}, err
		}
		c.Registry.SetRoom(pid, roomID)
		c.handleDropped(room, res.Published)
		return res, nil
	}
}

// Leave removes pid from its room; an emptied room is destroyed.
func (c *Coordinator) Leave(pid domain.ParticipantID) {
	roomID, _, ok := c.Registry.RoomOf(pid)
	if !ok {
		return
	}
	c.Registry.ClearRoom(pid)
	room, ok := c.Rooms.Get(roomID)
	if !ok {
		return
	}
	res, ok := room.Leave(pid)
	if !ok {
		return
	}
	if res.Empty {
		c.Rooms.Remove(roomID, room)
		return
	}
	c.handleDropped(room, res.Published)
}

// HostLeave ends the room: every other participant is notified and disconnected.
func (c *Coordinator) HostLeave(pid domain.ParticipantID) error {
	roomID, _, ok := c.Registry.RoomOf(pid)
	if !ok {
		return core.ErrNotInRoom
	}
	room, ok := c.Rooms.Get(roomID)
	if !ok {
		c.Registry.ClearRoom(pid)
		return core.ErrNotInRoom
	}
	others, err := room.CloseByHost(pid)
	if err != nil {
		return err
	}
	c.Rooms.Remove(roomID, room)
	c.Registry.ClearRoom(pid)
	for _, m := range others {
		c.Registry.ClearRoom(m.Meta().ID)
		m.Signal().Close()
	}
	log.Info().Str("module", "app.coord").Str("room", string(roomID)).Str("host", string(pid)).
		Int("disconnected", len(others)).Msg("host ended room")
	return nil
}
