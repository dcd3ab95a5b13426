// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"fmt"

	"gviegas/dri2/driver"
)

// Handle is a reference-counted GPU allocation.
// Pixmaps, buffers and in-flight frame events share handles;
// the last release destroys the backing storage. Releasing a
// dead handle panics.
type Handle struct {
	bo   driver.BO
	refs int
}

func newHandle(bo driver.BO) *Handle { return &Handle{bo: bo, refs: 1} }

func (h *Handle) retain() *Handle {
	h.refs++
	return h
}

func (h *Handle) release() {
	h.refs--
	if h.refs > 0 {
		return
	}
	if h.refs < 0 {
		panic("dri2: buffer handle over-released")
	}
	h.bo.Destroy()
}

// Pitch returns the row stride in bytes.
func (h *Handle) Pitch() int { return h.bo.Pitch() }

// Size returns the allocation size in bytes.
func (h *Handle) Size() int { return h.bo.Size() }

// Tiling returns the allocation's memory layout.
func (h *Handle) Tiling() driver.Tiling { return h.bo.Tiling() }

// Name returns the allocation's global name.
func (h *Handle) Name() uint32 { return h.bo.Name() }

// Retile changes the allocation's memory layout if it differs.
// Content is not preserved across a layout change; preserving
// it is the caller's responsibility. The pitch*height bound is
// revalidated against the given height.
func (h *Handle) Retile(t driver.Tiling, height int) error {
	if h.bo.Tiling() == t {
		return nil
	}
	if err := h.bo.SetTiling(t); err != nil {
		return err
	}
	if h.bo.Pitch()*height > h.bo.Size() {
		return fmt.Errorf("dri2: retile shrank allocation below %dx%d: %w",
			h.bo.Pitch(), height, driver.ErrNoMemory)
	}
	return nil
}

// Buffer is a drawable attachment a client renders to or reads
// from: a Handle tagged with its DRI2-visible role, geometry
// and shareable name.
type Buffer struct {
	Attachment Attachment
	Name       uint32
	Pitch      int
	CPP        int
	Format     uint32

	refcnt int
	bo     *Handle

	// Set for front attachments only: the observed pixmap
	// and its geometry at attach time, used to validate the
	// per-drawable front cache.
	pixmap *Pixmap
	width  int
	height int
}

// BO returns the buffer's backing handle.
func (b *Buffer) BO() *Handle { return b.bo }

// Whether to prefer TilingY for buffers that will never be
// flip candidates. Kept off: the blitter path still handles
// X-tiled sources faster on the parts that matter here.
const colorPreferTilingY = false

func (s *Scheduler) colorTiling(width, height int) driver.Tiling {
	if colorPreferTilingY &&
		(width != s.screen.Front.Width || height != s.screen.Front.Height) {
		return driver.TilingY
	}
	return driver.TilingX
}

// pixmapSetDRI marks p as externally observed, pinning its
// allocation and steering it to the preferred scanout-capable
// tiling on the first attachment.
func (s *Scheduler) pixmapSetDRI(p *Pixmap) (*Handle, error) {
	if p.bo == nil {
		return nil, fmt.Errorf("dri2: pixmap has no backing storage: %w", driver.ErrNoMemory)
	}
	p.flush++
	if p.flush > 1 {
		return p.bo, nil
	}

	if t := s.colorTiling(p.Width, p.Height); p.bo.Tiling() != t {
		if err := p.bo.Retile(t, p.Height); err != nil {
			s.log.Debug().Err(err).Msg("dri2: front retile failed, keeping layout")
		}
	}

	// Modifications to this buffer must reach the GPU before
	// any reply exposes them; the host watches this count.
	s.flushWatch++

	// Don't allow the named allocation to be replaced.
	p.pinned = true

	return p.bo, nil
}

func align(x, a int) int { return (x + a - 1) &^ (a - 1) }

// CreateBuffer creates (or revalidates) the attachment buffer
// for a drawable. Front attachments are cached per drawable and
// shared while the backing pixmap and its size are unchanged.
func (s *Scheduler) CreateBuffer(draw *Drawable, att Attachment, format uint32) (*Buffer, error) {
	s.log.Debug().
		Uint32("drawable", draw.ID).
		Int("attachment", int(att)).
		Uint32("format", format).
		Int("width", draw.Width).
		Int("height", draw.Height).
		Msg("create buffer")

	var (
		h      *Handle
		pixmap *Pixmap
		bpp    int
		err    error
	)
	switch att {
	case FrontLeft:
		pixmap = draw.pixmap()
		if b := s.frontCache[draw.ID]; b != nil {
			if b.pixmap == pixmap && b.width == pixmap.Width && b.height == pixmap.Height {
				s.log.Debug().Uint32("drawable", draw.ID).Msg("reusing front buffer attachment")
				b.refcnt++
				return b, nil
			}
			delete(s.frontCache, draw.ID)
			s.destroyBuffer(b)
		}
		h, err = s.pixmapSetDRI(pixmap)
		if err != nil {
			return nil, err
		}
		h = h.retain()
		bpp = pixmap.BPP

	case BackLeft, BackRight, FrontRight, FakeFrontLeft, FakeFrontRight:
		bpp = draw.BPP
		h, err = s.alloc(draw.Width, draw.Height, bpp, s.colorTiling(draw.Width, draw.Height), true)

	case Stencil:
		// The stencil buffer interleaves two rows per line,
		// so it is laid out with doubled bpp and half height;
		// both dimensions are aligned to the tiled access
		// pattern. The device sees it as untiled because
		// W-layout cannot be fenced.
		bpp = int(format)
		if bpp == 0 {
			bpp = draw.BPP
		}
		bpp *= 2
		h, err = s.alloc(align(draw.Width, 64), align((draw.Height+1)/2, 64), bpp, driver.TilingNone, true)

	case Depth, DepthStencil, Hiz, Accum:
		bpp = int(format)
		if bpp == 0 {
			bpp = draw.BPP
		}
		h, err = s.alloc(draw.Width, draw.Height, bpp, driver.TilingY, true)

	default:
		return nil, fmt.Errorf("dri2: unknown attachment %d", att)
	}
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		Attachment: att,
		Name:       h.Name(),
		Pitch:      h.Pitch(),
		CPP:        bpp / 8,
		Format:     format,
		refcnt:     1,
		bo:         h,
	}
	if pixmap != nil {
		b.pixmap = pixmap.retain()
		b.width = pixmap.Width
		b.height = pixmap.Height
	}
	if b.Name == 0 {
		s.destroyBuffer(b)
		return nil, fmt.Errorf("dri2: buffer has no shareable name: %w", driver.ErrNoMemory)
	}
	if att == FrontLeft {
		b.refcnt++
		s.frontCache[draw.ID] = b
	}
	return b, nil
}

func (s *Scheduler) alloc(width, height, bpp int, t driver.Tiling, exact bool) (*Handle, error) {
	bo, err := s.dev.Alloc(width, height, bpp, t, exact)
	if err != nil {
		return nil, err
	}
	return newHandle(bo), nil
}

// ReferenceBuffer adds a reference to b.
func (s *Scheduler) ReferenceBuffer(b *Buffer) { b.refcnt++ }

// DestroyBuffer drops a reference to b, destroying it when the
// last reference goes away.
func (s *Scheduler) DestroyBuffer(b *Buffer) { s.destroyBuffer(b) }

func (s *Scheduler) destroyBuffer(b *Buffer) {
	if b == nil {
		return
	}
	b.refcnt--
	if b.refcnt > 0 {
		return
	}
	if b.refcnt < 0 {
		panic("dri2: buffer over-released")
	}

	if p := b.pixmap; p != nil {
		// Undo the DRI markings on the pixmap.
		p.flush--
		if p.flush == 0 {
			s.flushWatch--
			p.pinned = p == s.screen.Front
		}
		p.release()
	}
	b.bo.release()
	b.bo = nil
}
