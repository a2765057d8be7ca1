package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func member(id string) core.MemberSession {
	return core.NewMemberSession(domain.NewParticipant(domain.ParticipantID(id), time.Now(), 0), nopConn{})
}

func TestRegistryBindRoomAndToken(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	a := member("a")
	r.Bind("a", "tok-a", a, nil)

	_, _, ok := r.RoomOf("a")
	req.False(ok)
	req.True(r.SetRoom("a", "room1"))
	room, sess, ok := r.RoomOf("a")
	req.True(ok)
	req.Equal(domain.RoomID("room1"), room)
	req.Equal(a, sess)

	pid, ok := r.ParticipantFor("tok-a")
	req.True(ok)
	req.Equal(domain.ParticipantID("a"), pid)

	r.ClearRoom("a")
	_, _, ok = r.RoomOf("a")
	req.False(ok)
	req.False(r.SetRoom("ghost", "room1"))
}

func TestRegistryRebindCancelsPrevious(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	ctx1, cancel1 := context.WithCancel(context.Background())
	old := member("a")
	r.Bind("a", "tok", old, cancel1)

	fresh := member("a")
	r.Bind("a", "tok", fresh, func() {})
	req.Error(ctx1.Err())

	req.False(r.Unbind("a", old))
	got, ok := r.Session("a")
	req.True(ok)
	req.Equal(fresh, got)

	req.True(r.Unbind("a", fresh))
	_, ok = r.ParticipantFor("tok")
	req.False(ok)
	req.False(r.Cancel("a"))
}

func TestDropBudgetPolicy(t *testing.T) {
	p := NewDropBudgetPolicy(1)
	m := member("slow")
	require.Equal(t, DropFrame, p.OnBackPressure(nil, m))
	require.Equal(t, KickMember, p.OnBackPressure(nil, m))
	require.Equal(t, DropFrame, p.OnBackPressure(nil, m))
	p.Forget("slow")

	strict := NewDropBudgetPolicy(0)
	require.Equal(t, KickMember, strict.OnBackPressure(nil, m))
}

func TestLatestArtifact(t *testing.T) {
	var l LatestArtifact
	_, ok := l.Get()
	require.False(t, ok)
	l.ArtifactMerged(domain.MergedArtifact{Room: "r", Session: "s", Key: "k1"})
	l.ArtifactMerged(domain.MergedArtifact{Room: "r", Session: "s2", Key: "k2"})
	got, ok := l.Get()
	require.True(t, ok)
	require.Equal(t, "k2", got.Key)
}
