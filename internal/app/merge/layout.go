package merge

import "math"

// Size is a frame size in pixels.
type Size struct {
	W int `mapstructure:"width"`
	H int `mapstructure:"height"`
}

// Cell is where one participant lands on the canvas.
type Cell struct {
	X, Y int
	W, H int
}

// Grid lays n participants out on canvas in near-square rows, each cell at
// most cell in size. The whole block is centered and a short last row is
// centered on its own.
func Grid(n int, canvas, cell Size) []Cell {
	if n <= 0 {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols

	scale := math.Min(1, math.Min(
		float64(canvas.W)/float64(cols*cell.W),
		float64(canvas.H)/float64(rows*cell.H),
	))
	w := even(float64(cell.W) * scale)
	h := even(float64(cell.H) * scale)

	top := (canvas.H - rows*h) / 2
	out := make([]Cell, 0, n)
	for i := range n {
		row, col := i/cols, i%cols
		inRow := min(cols, n-row*cols)
		left := (canvas.W - inRow*w) / 2
		out = append(out, Cell{X: left + col*w, Y: top + row*h, W: w, H: h})
	}
	return out
}

// even floors v to an even pixel count; yuv420p needs even dimensions.
func even(v float64) int {
	n := int(math.Floor(v))
	return n - n%2
}
