// Package coord is the room coordinator: membership, host election and signal fan-out.
package coord

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// RecordingSink receives host recording commands off the signaling path.
type RecordingSink interface {
	RecordingStarted(ctx context.Context, room domain.RoomID, session domain.SessionID, host domain.ParticipantID) error
	RecordingStopped(ctx context.Context, room domain.RoomID, session domain.SessionID, host domain.ParticipantID) error
}

type Coordinator struct {
	Registry  *app.Registry
	Rooms     core.RoomManager
	Policy    app.Policy
	Recording RecordingSink

	events chan recordingEvent
	// backlog holds events that found the channel full, in arrival order.
	backlogMu sync.Mutex
	backlog   []recordingEvent
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy, sink RecordingSink, buffer int) *Coordinator {
	if buffer <= 0 {
		buffer = 256
	}
	return &Coordinator{
		Registry:  reg,
		Rooms:     rooms,
		Policy:    policy,
		Recording: sink,
		events:    make(chan recordingEvent, buffer),
	}
}

// CurrentHost reports the live host of room.
func (c *Coordinator) CurrentHost(room domain.RoomID) (domain.ParticipantID, bool) {
	r, ok := c.Rooms.Get(room)
	if !ok {
		return "", false
	}
	return r.Host()
}

// IsHost re-derives host status from room state.
func (c *Coordinator) IsHost(room domain.RoomID, pid domain.ParticipantID) bool {
	r, ok := c.Rooms.Get(room)
	return ok && r.IsHost(pid)
}

func (c *Coordinator) ListRooms() []domain.RoomInfo { return c.Rooms.List() }

// ParticipantFor resolves an HTTP client token to its signaling participant.
func (c *Coordinator) ParticipantFor(token string) (domain.ParticipantID, bool) {
	return c.Registry.ParticipantFor(token)
}

// Disconnect runs when the signal transport of pid goes away.
func (c *Coordinator) Disconnect(pid domain.ParticipantID, sess core.MemberSession) {
	if cur, ok := c.Registry.Session(pid); !ok || cur != sess {
		return
	}
	c.Leave(pid)
	c.Registry.Unbind(pid, sess)
	if c.Policy != nil {
		c.Policy.Forget(pid)
	}
}

// handleDropped applies the backpressure policy to members whose buffer was full.
func (c *Coordinator) handleDropped(room core.RoomService, res core.PublishResult) {
	if c.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch c.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			pid := slow.Meta().ID
			log.Warn().Str("module", "app.coord").Str("room", string(room.ID())).
				Str("participant", string(pid)).Msg("kicking slow participant")
			c.Registry.Cancel(pid)
			slow.Signal().Close()
		case app.DropFrame, app.NoAction:
		}
	}
}

func (c *Coordinator) deliver(room core.RoomService, to core.MemberSession, err error) error {
	if errors.Is(err, core.ErrBackpressure) {
		c.handleDropped(room, core.PublishResult{Dropped: []core.MemberSession{to}})
	}
	return err
}
