package core

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed bool
}

func (f *fakeConn) TrySend(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnClosed
	}
	if f.full {
		return ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, fr := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(fr, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	ev := f.events(t)
	require.NotEmpty(t, ev)
	return ev[len(ev)-1]
}

func member(id string, joinedAt time.Time, seq uint64) (MemberSession, *fakeConn) {
	c := &fakeConn{}
	return NewMemberSession(domain.NewParticipant(domain.ParticipantID(id), joinedAt, seq), c), c
}

func TestRoomFirstJoinerIsHost(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	t0 := time.Unix(0, 0)

	a, ca := member("a", t0, 1)
	res, err := room.Join(a)
	req.NoError(err)
	req.True(res.IsHost)
	req.Equal(1, res.RoomSize)

	ev := ca.last(t)
	req.Equal(EventExistingParticipants, ev["type"])
	req.Equal(true, ev["isHost"])
	req.Empty(ev["participants"])

	b, cb := member("b", t0.Add(time.Second), 2)
	res, err = room.Join(b)
	req.NoError(err)
	req.False(res.IsHost)
	req.Equal(2, res.RoomSize)

	joined := ca.last(t)
	req.Equal(EventParticipantJoined, joined["type"])
	req.Equal("b", joined["clientId"])
	req.EqualValues(2, joined["roomSize"])
	req.Equal(true, joined["isHost"])

	existing := cb.last(t)
	req.Equal(EventExistingParticipants, existing["type"])
	req.Equal(false, existing["isHost"])
	parts := existing["participants"].([]any)
	req.Len(parts, 1)
	req.Equal("a", parts[0].(map[string]any)["clientId"])
	req.Equal(true, parts[0].(map[string]any)["isHost"])
}

func TestRoomHostMigratesToEarliestSurvivor(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	t0 := time.Unix(0, 0)

	// Connection timestamps are deliberately inverted; only room join order counts.
	host, _ := member("host", t0.Add(9*time.Second), 1)
	early, cEarly := member("early", t0.Add(8*time.Second), 2)
	late, cLate := member("late", t0, 3)
	for _, m := range []MemberSession{host, early, late} {
		_, err := room.Join(m)
		req.NoError(err)
	}

	res, ok := room.Leave("host")
	req.True(ok)
	req.True(res.WasHost)
	req.Equal(domain.ParticipantID("early"), res.NewHost)
	req.Equal(2, res.Remaining)
	req.True(room.IsHost("early"))

	evs := cEarly.events(t)
	req.Equal(EventHostStatusUpdate, evs[len(evs)-2]["type"])
	req.Equal(EventParticipantLeft, evs[len(evs)-1]["type"])
	req.Equal(true, evs[len(evs)-1]["isHost"])

	left := cLate.last(t)
	req.Equal(EventParticipantLeft, left["type"])
	req.Equal("host", left["clientId"])
	req.EqualValues(2, left["roomSize"])
	req.Equal(false, left["isHost"])
}

func TestRoomLastLeaveClosesRoom(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	a, _ := member("a", time.Unix(0, 0), 1)
	_, err := room.Join(a)
	req.NoError(err)

	res, ok := room.Leave("a")
	req.True(ok)
	req.True(res.Empty)
	_, hasHost := room.Host()
	req.False(hasHost)

	_, err = room.Join(a)
	req.ErrorIs(err, ErrRoomClosed)

	_, ok = room.Leave("a")
	req.False(ok)
}

func TestRoomCloseByHost(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	t0 := time.Unix(0, 0)
	a, _ := member("a", t0, 1)
	b, cb := member("b", t0.Add(time.Second), 2)
	_, _ = room.Join(a)
	_, _ = room.Join(b)

	_, err := room.CloseByHost("b")
	req.ErrorIs(err, ErrNotHost)
	_, err = room.CloseByHost("zzz")
	req.ErrorIs(err, ErrNotInRoom)

	others, err := room.CloseByHost("a")
	req.NoError(err)
	req.Len(others, 1)
	req.Equal(domain.ParticipantID("b"), others[0].Meta().ID)
	req.Equal(EventHostLeave, cb.last(t)["type"])
	req.Zero(room.MemberCount())

	_, err = room.Join(b)
	req.ErrorIs(err, ErrRoomClosed)
}

func TestRoomSendToRequiresSameRoomTarget(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	t0 := time.Unix(0, 0)
	a, _ := member("a", t0, 1)
	b, cb := member("b", t0, 2)
	_, _ = room.Join(a)
	_, _ = room.Join(b)

	req.NoError(room.SendTo("a", "b", Frame(`{"type":"offer"}`)))
	req.Equal("offer", cb.last(t)["type"])

	req.ErrorIs(room.SendTo("a", "ghost", Frame(`{}`)), ErrUnknownTarget)
	req.ErrorIs(room.SendTo("ghost", "b", Frame(`{}`)), ErrNotInRoom)
	req.ErrorIs(room.SendTo("a", "a", Frame(`{}`)), ErrUnknownTarget)
}

func TestRoomBroadcastReportsDropped(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r1")
	t0 := time.Unix(0, 0)
	a, _ := member("a", t0, 1)
	b, _ := member("b", t0, 2)
	c, cc := member("c", t0, 3)
	_, _ = room.Join(a)
	_, _ = room.Join(b)
	_, _ = room.Join(c)
	cc.full = true

	res := room.Broadcast("a", Frame(`{"type":"start_recording_signal"}`))
	req.Equal(1, res.SentTo)
	req.Len(res.Dropped, 1)
	req.Equal(domain.ParticipantID("c"), res.Dropped[0].Meta().ID)
}

// Random join/leave sequences keep exactly one host, the earliest-joined survivor.
func TestRoomHostInvariantUnderRandomChurn(t *testing.T) {
	req := require.New(t)
	rng := rand.New(rand.NewPCG(7, 11))
	t0 := time.Unix(0, 0)

	for round := 0; round < 50; round++ {
		room := NewRoomService(domain.RoomID(fmt.Sprintf("r%d", round)))
		// arrival order in the room; connection times are random noise
		present := map[domain.ParticipantID]int{}
		arrivals := 0
		var seq uint64
		for step := 0; step < 60; step++ {
			if len(present) == 0 || rng.IntN(3) > 0 {
				seq++
				id := domain.ParticipantID(fmt.Sprintf("p%d", seq))
				m, _ := member(string(id), t0.Add(time.Duration(rng.IntN(5))*time.Second), uint64(rng.IntN(100)))
				if _, err := room.Join(m); err != nil {
					req.ErrorIs(err, ErrRoomClosed)
					break
				}
				arrivals++
				present[id] = arrivals
			} else {
				var victim domain.ParticipantID
				for id := range present {
					victim = id
					break
				}
				prevHost, _ := room.Host()
				res, ok := room.Leave(victim)
				req.True(ok)
				delete(present, victim)
				if res.Empty {
					req.Empty(present)
					break
				}
				if victim == prevHost {
					var earliest domain.ParticipantID
					for id, at := range present {
						if earliest == "" || at < present[earliest] {
							earliest = id
						}
					}
					req.Equal(earliest, res.NewHost)
				}
			}

			hosts := 0
			for _, e := range room.Roster() {
				if e.IsHost {
					hosts++
				}
			}
			req.Equal(1, hosts, "round %d step %d", round, step)
			req.Equal(len(present), room.MemberCount())
		}
	}
}

// A member that leaves and comes back ranks behind everyone already present.
func TestRoomRejoinTakesFreshJoinTime(t *testing.T) {
	req := require.New(t)
	room := NewRoomService("r")
	t0 := time.Unix(0, 0)

	a, _ := member("a", t0, 1)
	b, _ := member("b", t0.Add(time.Second), 2)
	c, _ := member("c", t0.Add(2*time.Second), 3)
	for _, m := range []MemberSession{a, b, c} {
		_, err := room.Join(m)
		req.NoError(err)
	}

	_, ok := room.Leave("a")
	req.True(ok)
	req.True(room.IsHost("b"))
	_, err := room.Join(a)
	req.NoError(err)

	res, ok := room.Leave("b")
	req.True(ok)
	req.Equal(domain.ParticipantID("c"), res.NewHost)

	roster := room.Roster()
	req.Equal(domain.ParticipantID("c"), roster[0].ClientID)
	req.Equal(domain.ParticipantID("a"), roster[1].ClientID)
}

func TestRoomManagerRemoveIsCompareAndDelete(t *testing.T) {
	req := require.New(t)
	rm := NewRoomManager()
	first := rm.GetOrCreate("r1")
	req.Same(first, rm.GetOrCreate("r1"))

	rm.Remove("r1", NewRoomService("r1"))
	_, ok := rm.Get("r1")
	req.True(ok)

	rm.Remove("r1", first)
	_, ok = rm.Get("r1")
	req.False(ok)
	req.NotSame(first, rm.GetOrCreate("r1"))

	a, _ := member("a", time.Unix(0, 0), 1)
	_, err := rm.GetOrCreate("r2").Join(a)
	req.NoError(err)
	list := rm.List()
	req.Len(list, 1)
	req.Equal(domain.RoomID("r2"), list[0].ID)
	req.Equal(domain.ParticipantID("a"), list[0].Host)
}
