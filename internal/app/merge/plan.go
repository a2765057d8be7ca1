// Package merge aligns finished tracks on one timeline and composites them into a conference artifact.
package merge

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/dkeye/studio/internal/domain"
)

// Placement is one track positioned on the conference timeline. Times are seconds.
type Placement struct {
	Track       domain.Track
	Input       int
	Offset      float64
	Duration    float64
	TrailingPad float64
}

type Plan struct {
	SessionStart time.Time
	// Duration is the conference length in seconds.
	Duration   float64
	Placements []Placement
}

// NewPlan anchors every track to the earliest start time. Clocks are taken as
// reported by each recorder; skew between devices is not corrected.
func NewPlan(tracks []domain.Track) Plan {
	if len(tracks) == 0 {
		return Plan{}
	}
	sorted := slices.Clone(tracks)
	slices.SortStableFunc(sorted, func(a, b domain.Track) int { return a.StartedAt.Compare(b.StartedAt) })

	start := sorted[0].StartedAt
	placements := lo.Map(sorted, func(t domain.Track, i int) Placement {
		return Placement{
			Track:    t,
			Input:    i,
			Offset:   seconds(t.StartedAt.Sub(start)),
			Duration: seconds(t.Duration()),
		}
	})
	duration := lo.Max(lo.Map(placements, func(p Placement, _ int) float64 { return p.Offset + p.Duration }))
	for i := range placements {
		placements[i].TrailingPad = max(0, duration-placements[i].Offset-placements[i].Duration)
	}
	return Plan{SessionStart: start, Duration: duration, Placements: placements}
}

// AudioInput returns the input index of the audio-source track.
func (p Plan) AudioInput(source domain.TrackID) (int, bool) {
	if source == "" {
		return 0, false
	}
	pl, ok := lo.Find(p.Placements, func(pl Placement) bool { return pl.Track.ID == source })
	return pl.Input, ok
}

func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
