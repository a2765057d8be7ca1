// Package domain contains entities and identifiers, without transport or storage logic.
package domain

import (
	"errors"
	"strings"
)

const MaxIDLen = 128

var (
	ErrIDEmpty   = errors.New("identifier empty")
	ErrIDTooLong = errors.New("identifier too long")
	ErrIDInvalid = errors.New("identifier contains a reserved character")
)

type (
	RoomID        string
	ParticipantID string
	TrackID       string
	SessionID     string
)

// CheckID validates an identifier that ends up inside object keys and job keys.
func CheckID(id string) error {
	if len(id) == 0 {
		return ErrIDEmpty
	}
	if len(id) > MaxIDLen {
		return ErrIDTooLong
	}
	if strings.ContainsAny(id, "/:#\\") || strings.Contains(id, "..") {
		return ErrIDInvalid
	}
	return nil
}

// ParseRoomID validates and converts a raw room identifier.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.TrimSpace(s)
	if err := CheckID(s); err != nil {
		return "", err
	}
	return RoomID(s), nil
}

func ParseTrackID(s string) (TrackID, error) {
	s = strings.TrimSpace(s)
	if err := CheckID(s); err != nil {
		return "", err
	}
	return TrackID(s), nil
}

func ParseSessionID(s string) (SessionID, error) {
	s = strings.TrimSpace(s)
	if err := CheckID(s); err != nil {
		return "", err
	}
	return SessionID(s), nil
}
