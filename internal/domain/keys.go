package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxChunkIndex keeps chunk keys fixed-width so lexicographic order is numeric order.
const MaxChunkIndex = 999999

const chunkIndexWidth = 6

func ChunkPrefix(room RoomID, track TrackID) string {
	return fmt.Sprintf("recordings/%s/%s/chunks/", room, track)
}

func ChunkKey(room RoomID, track TrackID, index int) string {
	return fmt.Sprintf("%s%0*d", ChunkPrefix(room, track), chunkIndexWidth, index)
}

// ParseChunkIndex extracts the sequence number from a chunk key under prefix.
func ParseChunkIndex(prefix, key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || len(rest) != chunkIndexWidth {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func TrackArtifactKey(room RoomID, session SessionID, track TrackID) string {
	return fmt.Sprintf("final_videos/%s/%s/%s.webm", room, session, track)
}

func MergedArtifactKey(room RoomID, session SessionID) string {
	return fmt.Sprintf("final_conference_videos/%s/conference_%s_merged.webm", room, session)
}
