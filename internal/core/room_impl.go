package core

import (
	"slices"
	"sync"
	"time"

	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id      domain.RoomID
	mu      sync.RWMutex
	members map[domain.ParticipantID]MemberSession
	// joins holds the membership stamp taken when each member entered this room.
	joins  map[domain.ParticipantID]*domain.Participant
	seq    uint64
	now    func() time.Time
	host   domain.ParticipantID
	closed bool
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:      id,
		members: make(map[domain.ParticipantID]MemberSession),
		joins:   make(map[domain.ParticipantID]*domain.Participant),
		now:     time.Now,
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) Info() domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.RoomInfo{ID: r.id, Host: r.host, Participants: len(r.members)}
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Host() (domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host, r.host != ""
}

func (r *roomImpl) IsHost(pid domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return pid != "" && r.host == pid
}

func (r *roomImpl) Contains(pid domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[pid]
	return ok
}

func (r *roomImpl) Roster() []domain.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked("")
}

func (r *roomImpl) Join(ms MemberSession) (JoinResult, error) {
	pid := ms.Meta().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return JoinResult{}, ErrRoomClosed
	}

	if len(r.members) == 0 {
		r.host = pid
	}
	if _, ok := r.joins[pid]; !ok {
		r.seq++
		r.joins[pid] = domain.NewParticipant(pid, r.now(), r.seq)
	}
	r.members[pid] = ms
	size := len(r.members)

	res := JoinResult{IsHost: r.host == pid, RoomSize: size}
	for other, m := range r.members {
		if other == pid {
			continue
		}
		ev := rosterEvent{Type: EventParticipantJoined, ClientID: pid, RoomSize: size, IsHost: other == r.host}
		res.Published.merge(r.sendLocked(m, EncodeFrame(ev)))
	}
	existing := existingEvent{
		Type:         EventExistingParticipants,
		ClientID:     pid,
		IsHost:       res.IsHost,
		Participants: r.rosterLocked(pid),
	}
	res.Published.merge(r.sendLocked(ms, EncodeFrame(existing)))

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("participant", string(pid)).
		Bool("host", res.IsHost).Int("size", size).Msg("participant joined")
	return res, nil
}

func (r *roomImpl) Leave(pid domain.ParticipantID) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[pid]; !ok {
		return LeaveResult{}, false
	}
	delete(r.members, pid)
	delete(r.joins, pid)

	res := LeaveResult{WasHost: r.host == pid, Remaining: len(r.members)}
	if len(r.members) == 0 {
		r.host = ""
		r.closed = true
		res.Empty = true
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Msg("room empty")
		return res, true
	}

	if res.WasHost {
		next := r.earliestLocked()
		r.host = next.Meta().ID
		res.NewHost = r.host
		res.Published.merge(r.sendLocked(next, EncodeFrame(hostStatusEvent{Type: EventHostStatusUpdate, IsHost: true})))
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("host", string(r.host)).Msg("host migrated")
	}
	for other, m := range r.members {
		ev := rosterEvent{Type: EventParticipantLeft, ClientID: pid, RoomSize: res.Remaining, IsHost: other == r.host}
		res.Published.merge(r.sendLocked(m, EncodeFrame(ev)))
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("participant", string(pid)).
		Int("size", res.Remaining).Msg("participant left")
	return res, true
}

func (r *roomImpl) CloseByHost(pid domain.ParticipantID) ([]MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[pid]; !ok {
		return nil, ErrNotInRoom
	}
	if r.host != pid {
		return nil, ErrNotHost
	}
	frame := EncodeFrame(typeOnly{Type: EventHostLeave})
	others := make([]MemberSession, 0, len(r.members)-1)
	for other, m := range r.members {
		if other == pid {
			continue
		}
		_ = m.Signal().TrySend(frame)
		others = append(others, m)
	}
	clear(r.members)
	clear(r.joins)
	r.host = ""
	r.closed = true
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Int("evicted", len(others)).Msg("room closed by host")
	return others, nil
}

func (r *roomImpl) SendTo(from, to domain.ParticipantID, data Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[from]; !ok {
		return ErrNotInRoom
	}
	m, ok := r.members[to]
	if !ok || to == from {
		return ErrUnknownTarget
	}
	return m.Signal().TrySend(data)
}

func (r *roomImpl) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for pid, m := range r.members {
		if pid == from {
			continue
		}
		res.merge(r.sendLocked(m, data))
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) sendLocked(m MemberSession, data Frame) PublishResult {
	if data == nil {
		return PublishResult{}
	}
	if err := m.Signal().TrySend(data); err != nil {
		return PublishResult{Dropped: []MemberSession{m}}
	}
	return PublishResult{SentTo: 1}
}

func (r *roomImpl) ordered() []MemberSession {
	out := lo.Values(r.members)
	slices.SortFunc(out, func(a, b MemberSession) int {
		ja, jb := r.joins[a.Meta().ID], r.joins[b.Meta().ID]
		switch {
		case ja.JoinedBefore(jb):
			return -1
		case jb.JoinedBefore(ja):
			return 1
		default:
			return 0
		}
	})
	return out
}

func (r *roomImpl) earliestLocked() MemberSession {
	return r.ordered()[0]
}

func (r *roomImpl) rosterLocked(exclude domain.ParticipantID) []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(r.members))
	for _, m := range r.ordered() {
		id := m.Meta().ID
		if id == exclude {
			continue
		}
		out = append(out, domain.RosterEntry{ClientID: id, IsHost: id == r.host})
	}
	return out
}
