package core

import "errors"

var (
	ErrNotHost       = errors.New("participant is not the host")
	ErrUnknownTarget = errors.New("target not connected in room")
	ErrNotInRoom     = errors.New("participant not in a room")
	ErrRoomClosed    = errors.New("room closed")
)
