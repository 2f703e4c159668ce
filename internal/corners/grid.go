package corners

import (
	"math"
	"sort"

	"github.com/banshee-data/multicam/internal/geometry"
)

// maxGridResidual is the largest distance, in grid units, between a
// candidate's mapped position and its nearest grid cell.
const maxGridResidual = 0.3

// orderGrid arranges exactly cols×rows candidates into row-major board order.
// img is used to break the 180° ambiguity by square colour.
func orderGrid(pts []geometry.Point2, cols, rows int, img *plane) ([]geometry.Point2, bool) {
	if len(pts) != cols*rows || len(pts) < 4 {
		return nil, false
	}
	hull := convexHull(pts)
	if len(hull) < 4 {
		return nil, false
	}
	quad, ok := maxAreaQuad(hull)
	if !ok {
		return nil, false
	}

	gridCorners := [4]geometry.Point2{
		{X: 0, Y: 0},
		{X: float64(cols - 1), Y: 0},
		{X: float64(cols - 1), Y: float64(rows - 1)},
		{X: 0, Y: float64(rows - 1)},
	}

	type assignment struct {
		ordered []geometry.Point2
		score   float64
	}
	var valid []assignment
	for start := 0; start < 4; start++ {
		for _, dir := range []int{1, -1} {
			var src [4]geometry.Point2
			for k := 0; k < 4; k++ {
				src[k] = quad[((start+dir*k)%4+4)%4]
			}
			ordered, ok := assignCells(pts, src[:], gridCorners[:], cols, rows)
			if !ok {
				continue
			}
			if !rightHanded(ordered, cols, rows) {
				continue
			}
			valid = append(valid, assignment{ordered: ordered, score: originColourScore(ordered, cols, rows, img)})
		}
	}
	if len(valid) == 0 {
		return nil, false
	}

	// Prefer origins whose diagonal squares are dark; among equals (symmetric
	// boards) take the origin closest to the image top-left.
	sort.SliceStable(valid, func(i, j int) bool {
		di, dj := valid[i].score > 0, valid[j].score > 0
		if di != dj {
			return di
		}
		oi, oj := valid[i].ordered[0], valid[j].ordered[0]
		return oi.X+oi.Y < oj.X+oj.Y
	})
	return valid[0].ordered, true
}

// assignCells maps every point through the homography taking the image quad
// src onto grid corners dst and requires each to land on a distinct cell.
func assignCells(pts, src, dst []geometry.Point2, cols, rows int) ([]geometry.Point2, bool) {
	h, err := geometry.EstimateHomography(src, dst)
	if err != nil {
		return nil, false
	}
	ordered := make([]geometry.Point2, cols*rows)
	filled := make([]bool, cols*rows)
	for _, p := range pts {
		g := geometry.ApplyHomography(h, p)
		i, j := math.Round(g.X), math.Round(g.Y)
		if math.Hypot(g.X-i, g.Y-j) > maxGridResidual {
			return nil, false
		}
		if i < 0 || j < 0 || int(i) >= cols || int(j) >= rows {
			return nil, false
		}
		idx := int(j)*cols + int(i)
		if filled[idx] {
			return nil, false
		}
		filled[idx] = true
		ordered[idx] = p
	}
	return ordered, true
}

// rightHanded requires grid X to lie on the right-hand side of grid Y in
// image coordinates (y down), as on a board seen from the front.
func rightHanded(ordered []geometry.Point2, cols, rows int) bool {
	o := ordered[0]
	vx := ordered[cols-1].Sub(o)
	vy := ordered[(rows-1)*cols].Sub(o)
	return vx.X*vy.Y-vx.Y*vy.X > 0
}

// originColourScore is mean(off-diagonal squares) − mean(diagonal squares)
// around grid corner (0,0); positive when the diagonal squares are dark.
func originColourScore(ordered []geometry.Point2, cols, rows int, img *plane) float64 {
	src := []geometry.Point2{{X: 0, Y: 0}, {X: float64(cols - 1), Y: 0}, {X: float64(cols - 1), Y: float64(rows - 1)}, {X: 0, Y: float64(rows - 1)}}
	dst := []geometry.Point2{ordered[0], ordered[cols-1], ordered[cols*rows-1], ordered[(rows-1)*cols]}
	h, err := geometry.EstimateHomography(src, dst)
	if err != nil {
		return 0
	}
	mean := func(cells [][2]float64) float64 {
		var sum float64
		n := 0
		for _, c := range cells {
			p := geometry.ApplyHomography(h, geometry.Point2{X: c[0], Y: c[1]})
			if !img.inside(p.X, p.Y, 1) {
				continue
			}
			sum += img.sample(p.X, p.Y)
			n++
		}
		if n == 0 {
			return math.NaN()
		}
		return sum / float64(n)
	}
	diag := mean([][2]float64{{-0.5, -0.5}, {0.5, 0.5}})
	off := mean([][2]float64{{0.5, -0.5}, {-0.5, 0.5}})
	if math.IsNaN(diag) || math.IsNaN(off) {
		return 0
	}
	return off - diag
}

// convexHull returns the hull vertices in counter-clockwise order (in a y-up
// sense) using Andrew's monotone chain; collinear points are dropped.
func convexHull(pts []geometry.Point2) []geometry.Point2 {
	sorted := append([]geometry.Point2(nil), pts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})
	if len(sorted) < 3 {
		return sorted
	}
	cross := func(o, a, b geometry.Point2) float64 {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}
	hull := make([]geometry.Point2, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

// maxAreaQuad picks the four hull vertices (kept in hull order) enclosing the
// largest area.
func maxAreaQuad(hull []geometry.Point2) ([4]geometry.Point2, bool) {
	n := len(hull)
	var best [4]geometry.Point2
	bestArea := 0.0
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			for c := b + 1; c < n; c++ {
				for d := c + 1; d < n; d++ {
					q := [4]geometry.Point2{hull[a], hull[b], hull[c], hull[d]}
					if area := quadArea(q); area > bestArea {
						bestArea = area
						best = q
					}
				}
			}
		}
	}
	return best, bestArea > 0
}

func quadArea(q [4]geometry.Point2) float64 {
	var s float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		s += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return math.Abs(s) / 2
}
