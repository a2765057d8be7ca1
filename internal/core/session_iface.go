package core

import "github.com/dkeye/studio/internal/domain"

// MemberSession binds a participant and its signaling endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
}
