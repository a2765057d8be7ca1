package app

import (
	"sync/atomic"

	"github.com/dkeye/studio/internal/domain"
	"github.com/rs/zerolog/log"
)

// LatestArtifact holds the most recently merged artifact of this process.
type LatestArtifact struct {
	v atomic.Pointer[domain.MergedArtifact]
}

func (l *LatestArtifact) ArtifactMerged(a domain.MergedArtifact) {
	l.v.Store(&a)
	log.Info().Str("module", "app.artifacts").Str("room", string(a.Room)).
		Str("session", string(a.Session)).Str("key", a.Key).Msg("latest artifact updated")
}

func (l *LatestArtifact) Get() (domain.MergedArtifact, bool) {
	p := l.v.Load()
	if p == nil {
		return domain.MergedArtifact{}, false
	}
	return *p, true
}
