// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"gviegas/dri2/driver"
	"gviegas/dri2/region"
)

// Pixmap is GPU-backed pixel storage.
// A pixmap may back any number of drawables; the screen's
// scanout pixmap additionally backs the display.
type Pixmap struct {
	Width  int
	Height int
	BPP    int

	bo   *Handle
	refs int

	// DRI bookkeeping: flush counts how many front-buffer
	// attachments observe this pixmap externally; while
	// nonzero the allocation is pinned (its identity was
	// shared by name and must not be replaced).
	flush  int
	pinned bool

	// Head of the pending throttle chain for swaps whose
	// front is this pixmap.
	chain *frameEvent

	damage Damage
}

// NewPixmap allocates a pixmap on the given device.
func NewPixmap(dev driver.Device, width, height, bpp int, t driver.Tiling) (*Pixmap, error) {
	bo, err := dev.Alloc(width, height, bpp, t, false)
	if err != nil {
		return nil, err
	}
	return &Pixmap{
		Width:  width,
		Height: height,
		BPP:    bpp,
		bo:     newHandle(bo),
		refs:   1,
	}, nil
}

// BO returns the pixmap's current backing handle.
func (p *Pixmap) BO() *Handle { return p.bo }

// Destroy releases the creator's reference to the pixmap.
// Buffers still holding references keep it alive.
func (p *Pixmap) Destroy() { p.release() }

func (p *Pixmap) retain() *Pixmap {
	p.refs++
	return p
}

func (p *Pixmap) release() {
	p.refs--
	if p.refs > 0 {
		return
	}
	if p.refs < 0 {
		panic("dri2: pixmap over-released")
	}
	if p.bo != nil {
		p.bo.release()
		p.bo = nil
	}
}

// Damage accumulates the screen-space area whose content
// changed, either as a box list or, once saturated, as a
// whole-pixmap marker.
type Damage struct {
	all bool
	r   region.Region
}

// Add accumulates r.
func (d *Damage) Add(r *region.Region) {
	if d.all || r.Empty() {
		return
	}
	boxes := append(d.r.Boxes(), r.Boxes()...)
	d.r = region.FromBoxes(boxes)
}

// AddAll marks the whole pixmap damaged.
func (d *Damage) AddAll() {
	d.all = true
	d.r = region.Region{}
}

// All returns whether the whole pixmap is damaged.
func (d *Damage) All() bool { return d.all }

// Region returns the accumulated damage.
func (d *Damage) Region() region.Region { return d.r }

// Reset clears the accumulation.
func (d *Damage) Reset() { *d = Damage{} }

// Window is an on-screen drawable.
type Window struct {
	Pixmap *Pixmap

	// Origin and size in screen coordinates.
	X, Y          int
	Width, Height int

	// Visible clip list in screen coordinates.
	Clip region.Region

	// Deltas from drawable to pixmap coordinates (nonzero
	// under composite redirection).
	DX, DY int
}

// Drawable is the presentation target of a request: either a
// window or a bare off-screen pixmap.
type Drawable struct {
	ID uint32

	// Window is nil for a bare pixmap drawable.
	Window *Window

	// Pixmap backs a bare pixmap drawable; ignored when
	// Window is set.
	Pixmap *Pixmap

	X, Y          int
	Width, Height int
	BPP           int
}

func (d *Drawable) pixmap() *Pixmap {
	if d.Window != nil {
		return d.Window.Pixmap
	}
	return d.Pixmap
}

func (d *Drawable) deltas() (int, int) {
	if d.Window != nil {
		return d.Window.DX, d.Window.DY
	}
	return 0, 0
}

func (d *Drawable) bounds() region.Box {
	return region.Box{X1: d.X, Y1: d.Y, X2: d.X + d.Width, Y2: d.Y + d.Height}
}

// Output is one scanout pipe of the screen.
type Output struct {
	Pipe   int
	Bounds region.Box
	On     bool

	// The pending-flip slot: at most one frame event whose
	// hardware flip has been submitted but whose completion
	// event has not yet run. Only the scheduler writes it.
	flipPending *frameEvent
}

// FlipPending reports whether a hardware flip is outstanding
// on the output.
func (o *Output) FlipPending() bool { return o.flipPending != nil }

// Screen models the presentation surface the scheduler serves.
type Screen struct {
	Width  int
	Height int

	// The scanout pixmap.
	Front *Pixmap

	// Active is cleared while the display is not owned
	// (e.g. VT switched away); flips are refused then.
	Active bool

	// ShadowActive means scanout goes through a shadow
	// copy; flipping the real front buffer is pointless.
	ShadowActive bool

	Outputs []*Output

	// OnDamage, if set, is invoked after an executor updates
	// pixel content, with the affected area in pixmap
	// coordinates. Consumers such as output sniffers use it
	// to copy updated content along.
	OnDamage func(p *Pixmap, r region.Region)
}

// coveringOutput returns the enabled output covering the
// largest area of b, or nil.
func (s *Screen) coveringOutput(b region.Box) *Output {
	var best *Output
	bestArea := 0
	for _, o := range s.Outputs {
		if !o.On {
			continue
		}
		i := o.Bounds.Intersect(b)
		if i.Empty() {
			continue
		}
		if area := i.Width() * i.Height(); area > bestArea {
			best, bestArea = o, area
		}
	}
	return best
}

// pipeFor returns the pipe the drawable is scanned out on, or
// -1 for off-screen drawables.
func (s *Scheduler) pipeFor(d *Drawable) int {
	if d.Window == nil {
		return -1
	}
	o := s.screen.coveringOutput(d.bounds())
	if o == nil {
		return -1
	}
	return o.Pipe
}

func (s *Scheduler) output(pipe int) *Output {
	for _, o := range s.screen.Outputs {
		if o.Pipe == pipe {
			return o
		}
	}
	return nil
}

// damage accumulates GPU-side damage on p. A nil region means
// the whole pixmap.
func (s *Scheduler) damage(p *Pixmap, r *region.Region) {
	if r == nil {
		p.damage.AddAll()
		return
	}
	p.damage.Add(r)
}

// reportDamage posts updated content to external listeners.
func (s *Scheduler) reportDamage(p *Pixmap, r region.Region) {
	if s.screen.OnDamage != nil && !r.Empty() {
		s.screen.OnDamage(p, r)
	}
}

// setScanout replaces p's backing storage with h, saturating
// damage and reposting the full area so listeners take a copy
// from the new storage.
func (s *Scheduler) setScanout(p *Pixmap, h *Handle) {
	p.damage.AddAll()
	p.bo.release()
	p.bo = h.retain()
	full := region.FromBox(region.Box{X2: p.Width, Y2: p.Height})
	s.reportDamage(p, full)
}
