package signal

import (
	"sync"
	"time"

	"github.com/dkeye/studio/internal/domain"
)

// RoomRateLimiter is a sliding-window limiter keyed by participant.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RoomRateLimiter) Allow(pid domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[pid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[pid] = fresh
		return false
	}
	rl.history[pid] = append(fresh, now)
	return true
}

func (rl *RoomRateLimiter) Forget(pid domain.ParticipantID) {
	rl.mu.Lock()
	delete(rl.history, pid)
	rl.mu.Unlock()
}
