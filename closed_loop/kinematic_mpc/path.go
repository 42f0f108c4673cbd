package kinematic

import (
	"fmt"
	"math"
)

// path is a waypoint polyline with cumulative arc length.
type path struct {
	pts  []Waypoint
	s    []float64 // arc length at each waypoint
	loop bool
}

func newPath(pts []Waypoint, loop bool) (*path, error) {
	if len(pts) < 2 {
		return nil, fmt.Errorf("path needs at least 2 waypoints")
	}
	p := &path{pts: append([]Waypoint(nil), pts...), loop: loop}
	if loop && (pts[0] != pts[len(pts)-1]) {
		p.pts = append(p.pts, pts[0])
	}
	p.s = make([]float64, len(p.pts))
	for i := 1; i < len(p.pts); i++ {
		seg := math.Hypot(p.pts[i].X-p.pts[i-1].X, p.pts[i].Y-p.pts[i-1].Y)
		p.s[i] = p.s[i-1] + seg
	}
	if p.length() == 0 {
		return nil, fmt.Errorf("path has zero length")
	}
	return p, nil
}

func (p *path) length() float64 { return p.s[len(p.s)-1] }

// project returns the arc length of the path point closest to (x, y).
func (p *path) project(x, y float64) float64 {
	best, bestS := math.Inf(1), 0.0
	for i := 0; i+1 < len(p.pts); i++ {
		a, b := p.pts[i], p.pts[i+1]
		segLen := p.s[i+1] - p.s[i]
		if segLen == 0 {
			continue
		}
		dx, dy := b.X-a.X, b.Y-a.Y
		t := clampFloat(((x-a.X)*dx+(y-a.Y)*dy)/(segLen*segLen), 0, 1)
		px, py := a.X+t*dx, a.Y+t*dy
		if d := math.Hypot(x-px, y-py); d < best {
			best, bestS = d, p.s[i]+t*segLen
		}
	}
	return bestS
}

// at returns the point and tangent heading at arc length s. ok is false
// past the end of an open path, where the last point is returned.
func (p *path) at(s float64) (x, y, heading float64, ok bool) {
	total := p.length()
	ok = true
	if p.loop {
		s = math.Mod(s, total)
		if s < 0 {
			s += total
		}
	} else if s >= total {
		s, ok = total, false
	} else if s < 0 {
		s = 0
	}

	i := 0
	for i+2 < len(p.s) && p.s[i+1] <= s {
		i++
	}
	// skip degenerate segments so the heading stays defined
	for i+2 < len(p.s) && p.s[i+1]-p.s[i] == 0 {
		i++
	}
	a, b := p.pts[i], p.pts[i+1]
	segLen := p.s[i+1] - p.s[i]
	t := 0.0
	if segLen > 0 {
		t = clampFloat((s-p.s[i])/segLen, 0, 1)
	}
	return a.X + t*(b.X-a.X), a.Y + t*(b.Y-a.Y), math.Atan2(b.Y-a.Y, b.X-a.X), ok
}

// reference samples n+1 reference states starting at the projection of x0,
// spaced by speed*dt. Headings are unwrapped so that the first is within pi
// of x0's heading and consecutive ones never jump by more than pi.
// Beyond the end of an open path the reference holds the end point at rest.
func (p *path) reference(x0 stateVec, n int, dt, speed float64) []stateVec {
	ref := make([]stateVec, n+1)
	s0 := p.project(x0[0], x0[1])
	prev := x0[2]
	for k := 0; k <= n; k++ {
		x, y, h, ok := p.at(s0 + speed*dt*float64(k))
		v := speed
		if !ok {
			v = 0
		}
		h = prev + wrapAngle(h-prev)
		ref[k] = stateVec{x, y, h, v}
		prev = h
	}
	return ref
}

// feedforwardSteer estimates the steering that follows the reference
// curvature between consecutive samples.
func feedforwardSteer(ref []stateVec, dt, wheelbase, maxSteer float64) []float64 {
	out := make([]float64, len(ref)-1)
	for k := range out {
		v := ref[k][3]
		if v <= 0 {
			continue
		}
		yawRate := (ref[k+1][2] - ref[k][2]) / dt
		out[k] = clampFloat(math.Atan(wheelbase*yawRate/v), -maxSteer, maxSteer)
	}
	return out
}
