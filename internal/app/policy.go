package app

import (
	"sync"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
	Forget(pid domain.ParticipantID)
}

// DropBudgetPolicy tolerates up to Budget dropped frames per participant, then kicks.
// A zero budget kicks on the first drop.
type DropBudgetPolicy struct {
	Budget int

	mu    sync.Mutex
	drops map[domain.ParticipantID]int
}

func NewDropBudgetPolicy(budget int) *DropBudgetPolicy {
	return &DropBudgetPolicy{Budget: budget, drops: make(map[domain.ParticipantID]int)}
}

func (p *DropBudgetPolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	pid := member.Meta().ID
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drops[pid]++
	if p.drops[pid] > p.Budget {
		delete(p.drops, pid)
		return KickMember
	}
	return DropFrame
}

func (p *DropBudgetPolicy) Forget(pid domain.ParticipantID) {
	p.mu.Lock()
	delete(p.drops, pid)
	p.mu.Unlock()
}
