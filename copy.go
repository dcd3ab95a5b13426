// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"gviegas/dri2/driver"
	"gviegas/dri2/region"
)

// selectMode steers the copy at the engine that minimizes
// stalls: synchronized (scanline-waited) copies go to the
// render engine, which is also the one flips are issued from;
// otherwise a copy follows whichever engine last wrote the
// source, so it need not wait for a cross-engine flush.
func (s *Scheduler) selectMode(src *Handle, sync bool) {
	if !s.dev.Caps().CopyEngines {
		return
	}
	if sync {
		s.log.Debug().Msg("sync copy, forcing render engine")
		s.dev.SetMode(driver.EngineRender)
		return
	}
	if s.dev.Mode() != driver.EngineNone {
		// Work already queued; don't switch.
		return
	}
	switch src.bo.BusyOn() {
	case driver.EngineNone:
		// Idle source, defaults are fine.
	case driver.EngineBlt:
		s.dev.SetMode(driver.EngineBlt)
	default:
		s.dev.SetMode(driver.EngineRender)
	}
}

// copyToFront blits r (drawable-local, nil for the whole
// drawable) from src into the drawable's front storage,
// clipping against the window's visible area and accounting
// for composite offsets. When sync is set and the target is
// scanned out, the copy is fenced to scanline position and the
// returned fence tracks its completion; otherwise the return
// is nil. An area clipped to nothing is a no-op.
func (s *Scheduler) copyToFront(draw *Drawable, r *region.Region, dst, src *Handle, sync bool) driver.Fence {
	pix := draw.pixmap()
	clip := region.FromBox(draw.bounds())
	whole := true

	if r != nil {
		rr := r.Translated(draw.X, draw.Y)
		c := region.Intersect(&clip, &rr)
		if c.Empty() {
			s.log.Debug().Uint32("drawable", draw.ID).Msg("copy to front: all clipped")
			return nil
		}
		clip = c
		whole = false
	}

	dx, dy := 0, 0
	flush := false
	if win := draw.Window; win != nil {
		ext := win.Clip.Extents()
		if !win.Clip.Simple() ||
			ext.Width() != draw.Width || ext.Height() != draw.Height {
			c := region.Intersect(&win.Clip, &clip)
			if c.Empty() {
				s.log.Debug().Uint32("drawable", draw.ID).Msg("copy to front: all clipped")
				return nil
			}
			clip = c
			whole = false
		}
		if sync && pix == s.screen.Front {
			if o := s.screen.coveringOutput(clip.Extents()); o != nil {
				flush = s.dev.WaitForScanline(o.Pipe, clip.Extents())
			}
		}
		dx, dy = win.DX, win.DY
	}

	s.selectMode(src, flush)

	if whole {
		s.damage(pix, nil)
	} else {
		s.damage(pix, &clip)
	}

	s.dev.CopyBoxes(src.bo, -draw.X, -draw.Y, dst.bo, dx, dy, clip.Boxes())

	var fence driver.Fence
	if flush {
		fence = s.dev.Submit()
	}

	clip.Translate(dx, dy)
	s.reportDamage(pix, clip)

	return fence
}

// copyFromFront blits r from the drawable's front storage into
// dst, the reverse direction of copyToFront. No damage is
// posted: dst is a client buffer nobody else observes.
func (s *Scheduler) copyFromFront(draw *Drawable, r *region.Region, dst, src *Handle) {
	clip := region.FromBox(draw.bounds())

	if r != nil {
		rr := r.Translated(draw.X, draw.Y)
		c := region.Intersect(&clip, &rr)
		if c.Empty() {
			return
		}
		clip = c
	}

	dx, dy := 0, 0
	if win := draw.Window; win != nil {
		c := region.Intersect(&win.Clip, &clip)
		if c.Empty() {
			s.log.Debug().Uint32("drawable", draw.ID).Msg("copy from front: all clipped")
			return
		}
		clip = c
		dx, dy = win.DX, win.DY
	}

	s.selectMode(src, false)

	s.dev.CopyBoxes(src.bo, dx, dy, dst.bo, -draw.X, -draw.Y, clip.Boxes())
}

// copyOffscreen blits r between two client buffers of the same
// drawable, in drawable-local coordinates.
func (s *Scheduler) copyOffscreen(draw *Drawable, r *region.Region, dst, src *Handle) {
	clip := region.FromBox(region.Box{X2: draw.Width, Y2: draw.Height})

	if r != nil {
		c := region.Intersect(&clip, r)
		if c.Empty() {
			return
		}
		clip = c
	}

	s.selectMode(src, false)

	s.dev.CopyBoxes(src.bo, 0, 0, dst.bo, 0, 0, clip.Boxes())
}

// CopyRegion copies r (drawable-local coordinates) from src to
// dst, routing through the front-buffer paths when either end
// is the drawable's front attachment.
func (s *Scheduler) CopyRegion(draw *Drawable, r *region.Region, dst, src *Buffer) {
	pix := draw.pixmap()

	dstBO := dst.bo
	srcBO := src.bo
	toFront := dst.Attachment == FrontLeft
	fromFront := src.Attachment == FrontLeft
	if toFront {
		dstBO = pix.bo
	}
	if fromFront {
		srcBO = pix.bo
	}

	s.log.Debug().
		Uint32("drawable", draw.ID).
		Int("dst", int(dst.Attachment)).
		Int("src", int(src.Attachment)).
		Msg("copy region")

	switch {
	case toFront:
		s.copyToFront(draw, r, dstBO, srcBO, false)
	case fromFront:
		s.copyFromFront(draw, r, dstBO, srcBO)
	default:
		s.copyOffscreen(draw, r, dstBO, srcBO)
	}
}
