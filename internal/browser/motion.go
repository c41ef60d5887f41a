package browser

import "math/rand/v2"

// Point is a viewport coordinate.
type Point struct {
	X, Y float64
}

// Box is an element's rendered bounding box.
type Box struct {
	X, Y, Width, Height float64
}

// Center returns the midpoint of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// BezierPath returns steps points along a cubic Bézier curve from "from" to
// "to". The two control points sit at 30% and 70% of the straight line, each
// displaced by up to offset pixels per axis. The final point is exactly "to".
func BezierPath(rng *rand.Rand, from, to Point, steps int, offset float64) []Point {
	if steps < 1 {
		steps = 1
	}
	c1 := Point{
		X: from.X + (to.X-from.X)*0.3 + spread(rng, offset),
		Y: from.Y + (to.Y-from.Y)*0.3 + spread(rng, offset),
	}
	c2 := Point{
		X: from.X + (to.X-from.X)*0.7 + spread(rng, offset),
		Y: from.Y + (to.Y-from.Y)*0.7 + spread(rng, offset),
	}

	path := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		u := 1 - t
		path = append(path, Point{
			X: u*u*u*from.X + 3*u*u*t*c1.X + 3*u*t*t*c2.X + t*t*t*to.X,
			Y: u*u*u*from.Y + 3*u*u*t*c1.Y + 3*u*t*t*c2.Y + t*t*t*to.Y,
		})
	}
	path[len(path)-1] = to
	return path
}

// LinearPath returns steps evenly spaced points ending at "to".
func LinearPath(from, to Point, steps int) []Point {
	if steps < 1 {
		steps = 1
	}
	path := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		path = append(path, Point{
			X: from.X + (to.X-from.X)*t,
			Y: from.Y + (to.Y-from.Y)*t,
		})
	}
	return path
}

// Jitter displaces p by up to radius pixels per axis.
func Jitter(rng *rand.Rand, p Point, radius float64) Point {
	return Point{X: p.X + spread(rng, radius), Y: p.Y + spread(rng, radius)}
}

// spread is uniform in [-r, r].
func spread(rng *rand.Rand, r float64) float64 {
	if r <= 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * r
}

// startPoint is where a pointer path begins when no prior position is known.
func startPoint(rng *rand.Rand) Point {
	return Point{X: float64(between(rng, 400, 600)), Y: float64(between(rng, 300, 500))}
}
