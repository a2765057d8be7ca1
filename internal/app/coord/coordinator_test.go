package coord

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type recConn struct {
	mu     sync.Mutex
	frames []map[string]any
	full   bool
	closed bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *recConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	started []domain.SessionID
	stopped []domain.SessionID
	done    chan struct{}
}

func (s *fakeSink) RecordingStarted(_ context.Context, _ domain.RoomID, session domain.SessionID, _ domain.ParticipantID) error {
	s.mu.Lock()
	s.started = append(s.started, session)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func (s *fakeSink) RecordingStopped(_ context.Context, _ domain.RoomID, session domain.SessionID, _ domain.ParticipantID) error {
	s.mu.Lock()
	s.stopped = append(s.stopped, session)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

type fixture struct {
	c     *Coordinator
	conns map[domain.ParticipantID]*recConn
	sink  *fakeSink
	base  time.Time
	seq   uint64
}

func newFixture() *fixture {
	sink := &fakeSink{done: make(chan struct{}, 8)}
	return &fixture{
		c:     New(app.NewRegistry(), core.NewRoomManager(), app.NewDropBudgetPolicy(0), sink, 4),
		conns: make(map[domain.ParticipantID]*recConn),
		sink:  sink,
		base:  time.Unix(1_700_000_000, 0),
	}
}

func (f *fixture) connect(id string, joinedAt int) *recConn {
	pid := domain.ParticipantID(id)
	conn := &recConn{}
	f.seq++
	ms := core.NewMemberSession(domain.NewParticipant(pid, f.base.Add(time.Duration(joinedAt)*time.Second), f.seq), conn)
	f.c.Registry.Bind(pid, "tok-"+id, ms, func() {})
	f.conns[pid] = conn
	return conn
}

func (f *fixture) join(t *testing.T, id, room string) core.JoinResult {
	t.Helper()
	res, err := f.c.Join(domain.ParticipantID(id), domain.RoomID(room))
	require.NoError(t, err)
	return res
}

func TestJoinElectsFirstAsHost(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	a := f.connect("a", 0)
	b := f.connect("b", 1)

	res := f.join(t, "a", "r1")
	req.True(res.IsHost)
	res = f.join(t, "b", "r1")
	req.False(res.IsHost)
	req.Equal(2, res.RoomSize)

	req.Equal([]string{"existing_participants", "participant_joined"}, a.types())
	joined := a.last()
	req.Equal("b", joined["clientId"])
	req.Equal(true, joined["isHost"])

	existing := b.last()
	req.Equal("existing_participants", existing["type"])
	req.Equal(false, existing["isHost"])
	req.Len(existing["participants"], 1)

	host, ok := f.c.CurrentHost("r1")
	req.True(ok)
	req.Equal(domain.ParticipantID("a"), host)
	req.Len(f.c.ListRooms(), 1)
}

func TestHostDisconnectMigratesToEarliest(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.connect("host", 0)
	late := f.connect("late", 5)
	early := f.connect("early", 9)
	f.join(t, "host", "r")
	f.join(t, "early", "r")
	f.join(t, "late", "r")

	sess, _ := f.c.Registry.Session("host")
	f.c.Disconnect("host", sess)

	req.True(f.c.IsHost("r", "early"))
	req.Contains(early.types(), "host_status_update")
	req.NotContains(late.types(), "host_status_update")
	left := late.last()
	req.Equal("participant_left", left["type"])
	req.Equal(float64(2), left["roomSize"])

	_, ok := f.c.Registry.Session("host")
	req.False(ok)
}

func TestHostMigrationIgnoresTimeSpentInOtherRooms(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.connect("a", 0)
	f.connect("b", 1)
	f.connect("c", 2)
	f.join(t, "a", "lobby")
	f.join(t, "b", "r")
	f.join(t, "c", "r")
	f.join(t, "a", "r")

	f.c.Leave("b")

	host, ok := f.c.CurrentHost("r")
	req.True(ok)
	req.Equal(domain.ParticipantID("c"), host)
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	f := newFixture()
	f.connect("a", 0)
	f.join(t, "a", "r")
	f.c.Leave("a")
	_, ok := f.c.Rooms.Get("r")
	require.False(t, ok)

	res := f.join(t, "a", "r")
	require.True(t, res.IsHost)
}

func TestHostLeaveDisconnectsEveryone(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.connect("a", 0)
	b := f.connect("b", 1)
	f.join(t, "a", "r")
	f.join(t, "b", "r")

	req.ErrorIs(f.c.HostLeave("b"), core.ErrNotHost)
	req.NoError(f.c.HostLeave("a"))

	req.Equal("host_leave", b.last()["type"])
	req.True(b.closed)
	_, ok := f.c.Rooms.Get("r")
	req.False(ok)
	_, _, ok = f.c.Registry.RoomOf("b")
	req.False(ok)
}

func TestRelayOnlyToConnectedTarget(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.connect("a", 0)
	b := f.connect("b", 1)
	f.connect("c", 2)
	f.join(t, "a", "r")
	f.join(t, "b", "r")
	f.join(t, "c", "other")

	err := f.c.Relay("a", RelayMessage{Type: "offer", Target: "b", SDP: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	req.NoError(err)
	got := b.last()
	req.Equal("offer", got["type"])
	req.Equal("a", got["senderClientId"])
	req.Equal(map[string]any{"type": "offer", "sdp": "v=0"}, got["sdp"])

	req.ErrorIs(f.c.Relay("a", RelayMessage{Type: "offer", Target: "c"}), core.ErrUnknownTarget)
	req.ErrorIs(f.c.Relay("a", RelayMessage{Type: "offer", Target: "ghost"}), core.ErrUnknownTarget)
	req.ErrorIs(f.c.Relay("nobody", RelayMessage{Type: "offer", Target: "b"}), core.ErrNotInRoom)
}

func TestRecordingSignalHostOnly(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	a := f.connect("a", 0)
	b := f.connect("b", 1)
	f.join(t, "a", "r")
	f.join(t, "b", "r")

	fields := map[string]json.RawMessage{
		"type":                  json.RawMessage(`"start_recording_signal"`),
		"conferenceRecordingId": json.RawMessage(`"conf-1"`),
	}
	req.ErrorIs(f.c.RecordingSignal("b", SignalStartRecording, fields), core.ErrNotHost)

	before := len(a.types())
	req.NoError(f.c.RecordingSignal("a", SignalStartRecording, fields))
	req.Len(a.types(), before)
	got := b.last()
	req.Equal("start_recording_signal", got["type"])
	req.Equal("a", got["senderClientId"])
	req.Equal("conf-1", got["conferenceRecordingId"])
	req.Equal("r", got["roomId"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.RunRecordingEvents(ctx) }()
	select {
	case <-f.sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("recording event not delivered")
	}
	f.sink.mu.Lock()
	req.Equal([]domain.SessionID{"conf-1"}, f.sink.started)
	f.sink.mu.Unlock()
}

func TestRecordingEventsSurviveFullBuffer(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.c = New(f.c.Registry, f.c.Rooms, f.c.Policy, f.sink, 1)
	f.connect("a", 0)
	f.connect("b", 1)
	f.join(t, "a", "r")
	f.join(t, "b", "r")

	signal := func(kind, session string) {
		req.NoError(f.c.RecordingSignal("a", kind, map[string]json.RawMessage{
			"conferenceRecordingId": json.RawMessage(`"` + session + `"`),
		}))
	}
	signal(SignalStartRecording, "conf-1")
	signal(SignalStopRecording, "conf-1")
	signal(SignalStartRecording, "conf-2")
	signal(SignalStopRecording, "conf-2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.RunRecordingEvents(ctx) }()
	for range 4 {
		select {
		case <-f.sink.done:
		case <-time.After(2 * time.Second):
			t.Fatal("recording event lost")
		}
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	req.Equal([]domain.SessionID{"conf-1", "conf-2"}, f.sink.started)
	req.Equal([]domain.SessionID{"conf-1", "conf-2"}, f.sink.stopped)
}

func TestBackpressureKicksSlowMember(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.connect("a", 0)
	slow := f.connect("slow", 1)
	f.join(t, "a", "r")
	f.join(t, "slow", "r")
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	req.NoError(f.c.RecordingSignal("a", SignalStopRecording, map[string]json.RawMessage{
		"conferenceRecordingId": json.RawMessage(`"conf-1"`),
	}))
	req.True(slow.closed)
}

func TestSessionIDOf(t *testing.T) {
	require.Equal(t, domain.SessionID("x"), SessionIDOf(map[string]json.RawMessage{"conferenceSessionId": json.RawMessage(`"x"`)}))
	require.Equal(t, domain.SessionID(""), SessionIDOf(map[string]json.RawMessage{"conferenceRecordingId": json.RawMessage(`42`)}))
}
