package core

import "github.com/dkeye/studio/internal/domain"

// PublishResult reports delivery stats/backpressure to the coordinator.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

func (p *PublishResult) merge(o PublishResult) {
	p.SentTo += o.SentTo
	p.Dropped = append(p.Dropped, o.Dropped...)
}

type JoinResult struct {
	IsHost    bool
	RoomSize  int
	Published PublishResult
}

type LeaveResult struct {
	WasHost bool
	// NewHost is set only when the host role migrated.
	NewHost   domain.ParticipantID
	Remaining int
	Empty     bool
	Published PublishResult
}

// RoomService is the core-facing API of a room.
// It owns the membership set and the host flag but never touches transport resources.
// Membership changes and the resulting roster events happen under one lock.
type RoomService interface {
	ID() domain.RoomID
	Info() domain.RoomInfo
	MemberCount() int
	Roster() []domain.RosterEntry
	Host() (domain.ParticipantID, bool)
	IsHost(pid domain.ParticipantID) bool
	Contains(pid domain.ParticipantID) bool

	Join(ms MemberSession) (JoinResult, error)
	Leave(pid domain.ParticipantID) (LeaveResult, bool)
	CloseByHost(pid domain.ParticipantID) ([]MemberSession, error)

	SendTo(from, to domain.ParticipantID, data Frame) error
	Broadcast(from domain.ParticipantID, data Frame) PublishResult
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	// Remove deletes id only while it still maps to room.
	Remove(id domain.RoomID, room RoomService)
	List() []domain.RoomInfo
}
