package app

import (
	"context"
	"sync"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Token   string
	Cancel  context.CancelFunc
}

// Registry maps live participants to their connection and current room.
// Client tokens are indexed so HTTP callers can be resolved to a participant.
type Registry struct {
	mu      sync.RWMutex
	members map[domain.ParticipantID]*memberEntry
	tokens  map[string]domain.ParticipantID
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[domain.ParticipantID]*memberEntry),
		tokens:  make(map[string]domain.ParticipantID),
	}
}

// Bind registers a connection. A previous binding of pid is canceled.
func (r *Registry) Bind(pid domain.ParticipantID, token string, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	prev := r.members[pid]
	r.members[pid] = &memberEntry{Session: sess, Token: token, Cancel: cancel}
	if token != "" {
		r.tokens[token] = pid
	}
	r.mu.Unlock()

	if prev != nil && prev.Cancel != nil {
		prev.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("bound signal")
}

func (r *Registry) Session(pid domain.ParticipantID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.members[pid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) RoomOf(pid domain.ParticipantID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[pid]
	if !ok || e.Room == "" {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

func (r *Registry) SetRoom(pid domain.ParticipantID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[pid]
	if !ok {
		return false
	}
	e.Room = room
	return true
}

func (r *Registry) ClearRoom(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.members[pid]; ok {
		e.Room = ""
	}
}

// ParticipantFor resolves a client token to its most recent participant.
func (r *Registry) ParticipantFor(token string) (domain.ParticipantID, bool) {
	if token == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.tokens[token]
	return pid, ok
}

// Unbind drops pid only while it is still bound to sess.
func (r *Registry) Unbind(pid domain.ParticipantID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[pid]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.members, pid)
	if e.Token != "" && r.tokens[e.Token] == pid {
		delete(r.tokens, e.Token)
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("unbind signal")
	return true
}

func (r *Registry) Cancel(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.members[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("canceled signal")
	return true
}
