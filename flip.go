// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"gviegas/dri2/driver"
	"gviegas/dri2/region"
)

// canFlip reports whether a swap of front/back on draw may be
// realized as a hardware page flip. Every miss falls back to
// exchange or blit; none is an error.
func (s *Scheduler) canFlip(draw *Drawable, front, back *Buffer) bool {
	win := draw.Window
	if win == nil {
		return false
	}
	if !s.screen.Active {
		s.log.Debug().Msg("no flip: display not owned")
		return false
	}
	if s.cfg.NoFlip {
		s.log.Debug().Msg("no flip: pageflips disabled")
		return false
	}
	if front.Format != back.Format {
		s.log.Debug().
			Uint32("front", front.Format).
			Uint32("back", back.Format).
			Msg("no flip: format mismatch")
		return false
	}
	if front.Attachment != FrontLeft {
		s.log.Debug().Int("attachment", int(front.Attachment)).
			Msg("no flip: front attachment is not FrontLeft")
		return false
	}
	if s.screen.ShadowActive {
		s.log.Debug().Msg("no flip: shadow scanout active")
		return false
	}

	pix := win.Pixmap
	if pix != s.screen.Front {
		s.log.Debug().Msg("no flip: window is not on the scanout buffer")
		return false
	}

	root := region.FromBox(region.Box{X2: s.screen.Width, Y2: s.screen.Height})
	if !region.Equal(&win.Clip, &root) {
		s.log.Debug().Msg("no flip: window is clipped")
		return false
	}

	if draw.X != 0 || draw.Y != 0 ||
		draw.X != win.DX || draw.Y != win.DY ||
		draw.Width != pix.Width || draw.Height != pix.Height {
		s.log.Debug().
			Int("width", draw.Width).
			Int("height", draw.Height).
			Msg("no flip: window does not cover its pixmap")
		return false
	}

	// Prevent an implicit tiling mode change.
	if front.bo.Tiling() != back.bo.Tiling() {
		s.log.Debug().
			Int("front", int(front.bo.Tiling())).
			Int("back", int(back.bo.Tiling())).
			Msg("no flip: tiling mismatch")
		return false
	}

	return true
}

// canExchange reports whether a swap of front/back on draw may
// be realized as a pointer exchange.
func (s *Scheduler) canExchange(draw *Drawable, front, back *Buffer) bool {
	win := draw.Window
	if win == nil {
		return true
	}
	if front.Format != back.Format {
		s.log.Debug().
			Uint32("front", front.Format).
			Uint32("back", back.Format).
			Msg("no exchange: format mismatch")
		return false
	}
	pix := win.Pixmap
	if pix == s.screen.Front {
		s.log.Debug().Msg("no exchange: window is attached to the scanout buffer")
		return false
	}
	if pix.Width != win.Width || pix.Height != win.Height {
		s.log.Debug().
			Int("width", win.Width).
			Int("height", win.Height).
			Msg("no exchange: window has been reparented")
		return false
	}
	return true
}

// pageFlip submits info's back buffer as the new scanout
// source. On success the logical front switches immediately:
// the old front handle moves into info's rotation slot, the
// screen's scanout pixmap re-homes to the back storage, and
// the front attachment takes over the back's handle and name.
// The optical switch is confirmed later by HandlePageFlip.
func (s *Scheduler) pageFlip(info *frameEvent) bool {
	h := info.back.bo

	n, err := s.dev.PageFlip(h.bo, info.pipe, info)
	if err != nil || n == 0 {
		s.log.Debug().Err(err).Int("pipe", info.pipe).Msg("page flip rejected")
		return false
	}
	info.count = n

	info.oldFront = boSlot{h: info.front.bo, name: info.front.Name}

	s.setScanout(s.screen.Front, h)

	info.front.Name = info.back.Name
	info.front.bo = h.retain()
	return true
}

// flipContinue chains the next flip of a flip-throttle event:
// the freshly rendered back buffer goes to scanout, the
// previous front returns to the client as the new back, and
// the event re-occupies the pending-flip slot.
func (s *Scheduler) flipContinue(draw *Drawable, info *frameEvent) bool {
	name := info.back.Name
	h := info.back.bo

	if draw.pixmap().Height*h.Pitch() > h.Size() {
		panic("dri2: flip source too small for scanout")
	}

	n, err := s.dev.PageFlip(h.bo, info.pipe, info)
	if err != nil || n == 0 {
		return false
	}
	info.count = n

	s.setScanout(s.screen.Front, h)

	info.back.bo = info.oldFront.h
	info.back.Name = info.oldFront.name

	info.oldFront = boSlot{h: info.front.bo, name: info.front.Name}

	info.front.Name = name
	info.front.bo = h

	info.nextFront = boSlot{}

	if o := s.output(info.pipe); o != nil {
		o.flipPending = info
	}
	return true
}

// HandlePageFlip is the driver.Handler flip sink. The device
// may coalesce several in-flight submissions; only the last
// completion advances the state machine, and only the primary
// pipe's event carries the reported timestamp.
func (s *Scheduler) HandlePageFlip(ev driver.FlipEvent) {
	info, ok := ev.Signal.(*frameEvent)
	if !ok {
		s.warn("unknown page-flip event received")
		return
	}

	s.log.Debug().Int("count", info.count).Msg("page flip event")

	if ev.Primary {
		info.feFrame = ev.Sequence
		info.feSec = ev.Sec
		info.feUsec = ev.Usec
	}

	info.count--
	if info.count > 0 {
		return
	}

	s.flipEvent(info)
}

// PageFlip implements driver.Handler.
func (s *Scheduler) PageFlip(ev driver.FlipEvent) { s.HandlePageFlip(ev) }

func (s *Scheduler) flipEvent(flip *frameEvent) {
	s.log.Debug().
		Uint32("frame", flip.feFrame).
		Uint32("sec", flip.feSec).
		Uint32("usec", flip.feUsec).
		Str("kind", flip.kind.String()).
		Msg("flip complete")

	out := s.output(flip.pipe)

	// Flips arrive in order, so the frame is not checked.
	switch flip.kind {
	case kindFlip:
		if draw := s.lookupDrawable(flip.drawableID); draw != nil {
			// A completion sequence below the target frame
			// usually means defective timestamping in the
			// flip path; report all-zero values rather than
			// bogus ones. Wraparound distances are let
			// through.
			if flip.feFrame < flip.frame && flip.frame-flip.feFrame < 5 {
				if s.mscWarn > 0 {
					s.warn("pageflip completion has impossible msc")
					s.mscWarn--
				}
				flip.feFrame, flip.feSec, flip.feUsec = 0, 0, 0
			}

			fn := flip.complete
			if flip.client == nil {
				fn = nil
			}
			s.notify.SwapComplete(flip.client, draw,
				flip.feFrame, flip.feSec, flip.feUsec,
				CompleteFlip, fn, flip.data)
		}
		s.freeFrameEvent(flip)

	case kindFlipThrottle:
		if out != nil && out.flipPending == flip {
			out.flipPending = nil
		}

		draw := s.lookupDrawable(flip.drawableID)
		if flip.nextFront.name != 0 && draw != nil {
			fn := flip.complete
			if flip.client == nil {
				fn = nil
			}
			if s.canFlip(draw, flip.front, flip.back) && s.flipContinue(draw, flip) {
				s.notify.SwapComplete(flip.client, draw, 0, 0, 0,
					CompleteFlip, fn, flip.data)
			} else {
				s.log.Debug().Msg("no longer able to flip")
				s.notify.SwapComplete(flip.client, draw, 0, 0, 0,
					CompleteExchange, fn, flip.data)
				s.freeFrameEvent(flip)
			}
		} else {
			s.freeFrameEvent(flip)
		}

	case kindAsyncFlip:
		s.asyncFlipEvent(flip, out)

	default:
		s.warn("unknown flip event received")
	}
}

// asyncFlipEvent advances a triple-buffered flip chain: flip to
// freshly rendered content when the client produced any, else
// keep the chain alive with no-op flips for a bounded number of
// frames before quiescing.
func (s *Scheduler) asyncFlipEvent(flip *frameEvent, out *Output) {
	s.log.Debug().
		Int("pipe", flip.pipe).
		Bool("new", flip.front.Name != flip.nextFront.name).
		Msg("async flip completed")

	if flip.front.Name != flip.nextFront.name {
		// The client delivered a new frame; rotate it in.
		if flip.cacheBO.h != nil {
			flip.cacheBO.h.release()
		}
		flip.cacheBO = flip.oldFront
		flip.oldFront = flip.nextFront
		flip.nextFront = boSlot{}

		n, err := s.dev.PageFlip(flip.front.bo.bo, flip.pipe, flip)
		if err != nil || n == 0 {
			s.finishAsyncFlip(flip, out)
			return
		}
		flip.count = n
		flip.nextFront = boSlot{h: flip.front.bo.retain(), name: flip.front.Name}
		flip.offDelay = s.cfg.FlipOffDelay
		return
	}

	flip.offDelay--
	if flip.offDelay > 0 {
		s.log.Debug().Int("delay", flip.offDelay).Msg("queueing no-op flip")
		// Just queue a no-op flip to trigger another event.
		n, err := s.dev.PageFlip(flip.front.bo.bo, flip.pipe, flip)
		if err != nil || n == 0 {
			s.finishAsyncFlip(flip, out)
			return
		}
		flip.count = n
		return
	}

	s.finishAsyncFlip(flip, out)
}

func (s *Scheduler) finishAsyncFlip(flip *frameEvent, out *Output) {
	if flip.nextFront.h != nil {
		flip.nextFront.h.release()
		flip.nextFront = boSlot{}
	}
	s.log.Debug().Msg("async flip chain quiesced")
	if out != nil && out.flipPending == flip {
		out.flipPending = nil
	}
	s.freeFrameEvent(flip)
}

func (s *Scheduler) warn(msg string) {
	s.log.Warn().Msg("dri2: " + msg)
}

// AsyncSwap presents back without waiting for vertical blank.
// It requires the AsyncFlip capability; on devices without it,
// or whenever flipping is ineligible, the swap degrades to an
// exchange or blit completed synchronously. A long-lived frame
// event is reused across frames: each completion either flips
// freshly rendered content in or re-submits a no-op flip,
// quiescing after Config.FlipOffDelay idle frames.
// It returns whether the swap was realized without copying.
func (s *Scheduler) AsyncSwap(client *Client, draw *Drawable, front, back *Buffer, fn SwapFunc, data any) bool {
	if !s.dev.Caps().AsyncFlip || !s.canFlip(draw, front, back) {
		return s.asyncFallback(client, draw, front, back, fn, data)
	}

	pipe := s.pipeFor(draw)
	if pipe < 0 {
		return s.asyncFallback(client, draw, front, back, fn, data)
	}
	out := s.output(pipe)
	if out == nil {
		return s.asyncFallback(client, draw, front, back, fn, data)
	}

	var taken boSlot

	info := out.flipPending
	switch {
	case info == nil:
		s.log.Debug().Msg("async swap: no pending flip, updating scanout")

		info = &frameEvent{
			drawableID: draw.ID,
			client:     client,
			kind:       kindAsyncFlip,
			pipe:       pipe,
			complete:   fn,
			data:       data,
			front:      front,
			back:       back,
		}
		if !s.addFrameEvent(info) {
			return s.asyncFallback(client, draw, front, back, fn, data)
		}
		s.ReferenceBuffer(front)
		s.ReferenceBuffer(back)

		if !s.pageFlip(info) {
			s.freeFrameEvent(info)
			return s.asyncFallback(client, draw, front, back, fn, data)
		}

		info.nextFront = boSlot{h: info.front.bo.retain(), name: info.front.Name}
		info.offDelay = s.cfg.FlipOffDelay

	case info.kind != kindAsyncFlip:
		// A vsync'ed client is finishing; wait for it to
		// unpin the old framebuffer before taking over.
		return s.asyncFallback(client, draw, front, back, fn, data)

	default:
		s.log.Debug().Msg("async swap: pending flip, chaining next")

		if info.nextFront.name == info.front.Name {
			// No flip happened since the last swap; recycle
			// the cached storage as the client's new back.
			taken = info.cacheBO
			info.cacheBO = boSlot{}
			info.front.bo.release()
		} else {
			taken = boSlot{h: info.front.bo, name: info.front.Name}
		}
		info.front.Name = info.back.Name
		info.front.bo = info.back.bo.retain()
	}

	// Hand the client storage to keep rendering into: the
	// taken slot when the rotation yielded one, else a fresh
	// allocation.
	if taken.h == nil {
		s.log.Debug().Msg("async swap: creating new back buffer")
		h, err := s.alloc(draw.Width, draw.Height, draw.BPP, driver.TilingX, true)
		if err != nil {
			// The flip itself already went through; the
			// client just keeps its current back buffer.
			s.log.Debug().Err(err).Msg("async swap: back allocation failed")
		} else {
			taken = boSlot{h: h, name: h.Name()}
		}
	}
	if taken.h != nil {
		info.back.bo.release()
		info.back.bo = taken.h
		info.back.Name = taken.name
	}

	s.setScanout(s.screen.Front, info.front.bo)
	out.flipPending = info

	s.notify.SwapComplete(client, draw, 0, 0, 0, CompleteExchange, fn, data)
	return true
}

// asyncFallback realizes an async swap without flipping.
func (s *Scheduler) asyncFallback(client *Client, draw *Drawable, front, back *Buffer, fn SwapFunc, data any) bool {
	var k CompleteKind
	if s.canExchange(draw, front, back) {
		s.log.Debug().Msg("async swap: unable to flip, exchanging")
		s.exchangeBuffers(draw, front, back)
		k = CompleteExchange
	} else {
		s.log.Debug().Msg("async swap: unable to flip, blitting")
		s.copyToFront(draw, nil, draw.pixmap().bo, back.bo, false)
		k = CompleteBlit
	}
	s.notify.SwapComplete(client, draw, 0, 0, 0, k, fn, data)
	return k == CompleteExchange
}
