package core

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]RoomService
}

func NewRoomManager() RoomManager {
	return &roomManager{rooms: make(map[domain.RoomID]RoomService)}
}

func (rm *roomManager) GetOrCreate(id domain.RoomID) RoomService {
	rm.mu.RLock()
	room, ok := rm.rooms[id]
	rm.mu.RUnlock()
	if ok {
		return room
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if room, ok = rm.rooms[id]; !ok {
		room = NewRoomService(id)
		rm.rooms[id] = room
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room created")
	}
	return room
}

func (rm *roomManager) Get(id domain.RoomID) (RoomService, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[id]
	return room, ok
}

func (rm *roomManager) Remove(id domain.RoomID, room RoomService) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if cur, ok := rm.rooms[id]; ok && cur == room {
		delete(rm.rooms, id)
		log.Info().Str("module", "core.rooms").Str("room", string(id)).Msg("room removed")
	}
}

func (rm *roomManager) List() []domain.RoomInfo {
	rm.mu.RLock()
	rooms := make([]RoomService, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if info := r.Info(); info.Participants > 0 {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}
