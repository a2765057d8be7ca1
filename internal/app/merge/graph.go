package merge

import (
	"fmt"
	"strings"
)

// Graph renders the ffmpeg filter_complex for plan on canvas. The composited
// stream is labeled [v_out].
func Graph(plan Plan, canvas Size, cells []Cell, frameRate int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "color=c=black:s=%dx%d:d=%.3f:r=%d,format=yuv420p[base]", canvas.W, canvas.H, plan.Duration, frameRate)

	for i, pl := range plan.Placements {
		c := cells[i]
		fmt.Fprintf(&b, ";[%d:v]setpts=PTS-STARTPTS,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,"+
			"tpad=start_mode=clone:start_duration=%.3f:stop_mode=clone:stop_duration=%.3f,format=yuv420p[v%d]",
			pl.Input, c.W, c.H, c.W, c.H, pl.Offset, pl.TrailingPad, i)
	}

	prev := "base"
	for i := range plan.Placements {
		c := cells[i]
		next := fmt.Sprintf("tmp%d", i)
		if i == len(plan.Placements)-1 {
			next = "v_out"
		}
		fmt.Fprintf(&b, ";[%s][v%d]overlay=%d:%d:eof_action=pass", prev, i, c.X, c.Y)
		if next == "v_out" {
			b.WriteString(",format=yuv420p")
		}
		fmt.Fprintf(&b, "[%s]", next)
		prev = next
	}
	return b.String()
}
