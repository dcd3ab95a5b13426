// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package region implements the rectangle sets used for clipping
// and damage tracking.
// A region is kept as a bounding extents box plus an optional list
// of disjoint boxes; a region whose list is empty covers its whole
// extents, mirroring how the display server stores clip lists.
package region

// Box is a half-open rectangle: a point (x, y) is inside when
// X1 <= x < X2 and Y1 <= y < Y2.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Empty returns whether b contains no points.
func (b Box) Empty() bool { return b.X1 >= b.X2 || b.Y1 >= b.Y2 }

// Intersect returns the intersection of b and o.
// The result may be empty.
func (b Box) Intersect(o Box) Box {
	if b.X1 < o.X1 {
		b.X1 = o.X1
	}
	if b.Y1 < o.Y1 {
		b.Y1 = o.Y1
	}
	if b.X2 > o.X2 {
		b.X2 = o.X2
	}
	if b.Y2 > o.Y2 {
		b.Y2 = o.Y2
	}
	if b.Empty() {
		return Box{}
	}
	return b
}

// Translate returns b offset by (dx, dy).
func (b Box) Translate(dx, dy int) Box {
	return Box{b.X1 + dx, b.Y1 + dy, b.X2 + dx, b.Y2 + dy}
}

// Width returns the horizontal extent of b.
func (b Box) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent of b.
func (b Box) Height() int { return b.Y2 - b.Y1 }

// Region is a set of points covered by zero or more boxes.
type Region struct {
	extents Box
	boxes   []Box
}

// FromBox returns a region covering exactly b.
func FromBox(b Box) Region {
	if b.Empty() {
		return Region{}
	}
	return Region{extents: b}
}

// FromBoxes returns a region covering the given boxes.
// The boxes must be disjoint; empty boxes are skipped.
func FromBoxes(boxes []Box) Region {
	var r Region
	for _, b := range boxes {
		if b.Empty() {
			continue
		}
		if r.extents.Empty() {
			r.extents = b
		} else {
			r.extents = union(r.extents, b)
		}
		r.boxes = append(r.boxes, b)
	}
	if len(r.boxes) == 1 {
		r.boxes = nil
	}
	return r
}

func union(a, b Box) Box {
	if b.X1 < a.X1 {
		a.X1 = b.X1
	}
	if b.Y1 < a.Y1 {
		a.Y1 = b.Y1
	}
	if b.X2 > a.X2 {
		a.X2 = b.X2
	}
	if b.Y2 > a.Y2 {
		a.Y2 = b.Y2
	}
	return a
}

// Empty returns whether r contains no points.
func (r *Region) Empty() bool { return r.extents.Empty() }

// Extents returns the bounding box of r.
func (r *Region) Extents() Box { return r.extents }

// Boxes returns the boxes comprising r.
// The result aliases the region's storage when r holds a box list.
func (r *Region) Boxes() []Box {
	if r.extents.Empty() {
		return nil
	}
	if r.boxes == nil {
		return []Box{r.extents}
	}
	return r.boxes
}

// Simple returns whether r is a single box covering its extents.
func (r *Region) Simple() bool { return r.boxes == nil }

// Translate offsets every box of r by (dx, dy).
func (r *Region) Translate(dx, dy int) {
	if r.extents.Empty() {
		return
	}
	r.extents = r.extents.Translate(dx, dy)
	for i := range r.boxes {
		r.boxes[i] = r.boxes[i].Translate(dx, dy)
	}
}

// Translated returns a copy of r offset by (dx, dy), leaving r
// and any storage it shares untouched.
func (r *Region) Translated(dx, dy int) Region {
	o := Region{extents: r.extents.Translate(dx, dy)}
	if r.extents.Empty() {
		return Region{}
	}
	if r.boxes != nil {
		o.boxes = make([]Box, len(r.boxes))
		for i := range r.boxes {
			o.boxes[i] = r.boxes[i].Translate(dx, dy)
		}
	}
	return o
}

// Intersect returns the intersection of a and b.
func Intersect(a, b *Region) Region {
	if a.Empty() || b.Empty() {
		return Region{}
	}
	if a.Simple() && b.Simple() {
		return FromBox(a.extents.Intersect(b.extents))
	}
	if a.extents.Intersect(b.extents).Empty() {
		return Region{}
	}
	var boxes []Box
	for _, x := range a.Boxes() {
		for _, y := range b.Boxes() {
			if i := x.Intersect(y); !i.Empty() {
				boxes = append(boxes, i)
			}
		}
	}
	return FromBoxes(boxes)
}

// Equal returns whether a and b cover the same set of points.
// Regions are compared structurally; box lists must match in order.
func Equal(a, b *Region) bool {
	if a.extents != b.extents {
		return false
	}
	if len(a.boxes) != len(b.boxes) {
		return false
	}
	for i := range a.boxes {
		if a.boxes[i] != b.boxes[i] {
			return false
		}
	}
	return true
}
