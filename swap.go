// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"errors"

	"gviegas/dri2/driver"
)

// mscMask truncates frame counters to the interrupt hardware
// width. Wraparound can make a target miss, which is accepted.
const mscMask = 0xffffffff

// ScheduleSwap requests that back become visible on draw once
// the frame counter conditions are met, arming a vertical-blank
// event for the appropriate frame.
//
// A blit or exchange is armed for the requested frame itself; a
// page flip is armed one frame early, since the flip queued on
// that event takes effect at the following vertical blank.
//
// If divisor is zero the swap executes immediately. Otherwise
// the swap happens at the smallest frame count N greater than
// the current one with N % divisor == remainder, or at
// *targetMSC if that has not yet passed. On return *targetMSC
// holds the frame at which completion will be reported.
//
// The request always completes from the client's perspective:
// every internal failure degrades to a synchronous copy or
// exchange followed by an immediate completion notification.
func (s *Scheduler) ScheduleSwap(client *Client, draw *Drawable, front, back *Buffer, targetMSC *uint64, divisor, remainder uint64, fn SwapFunc, data any) error {
	if draw == nil || front == nil || back == nil || targetMSC == nil {
		return errors.New("dri2: invalid swap request")
	}

	s.log.Debug().
		Uint32("drawable", draw.ID).
		Uint64("target", *targetMSC).
		Uint64("divisor", divisor).
		Uint64("remainder", remainder).
		Msg("schedule swap")

	if s.canFlip(draw, front, back) {
		s.log.Debug().Msg("trying flip")
		if s.scheduleFlip(client, draw, front, back, targetMSC, divisor, remainder, fn, data) {
			return nil
		}
		s.swapFallback(client, draw, nil, front, back, targetMSC, fn, data)
		return nil
	}

	pipe := s.pipeFor(draw)
	if pipe < 0 {
		// Drawable not displayed; just complete the swap.
		if s.canExchange(draw, front, back) {
			s.log.Debug().Msg("unattached, exchanging")
			s.exchangeBuffers(draw, front, back)
			s.notify.SwapComplete(client, draw, 0, 0, 0, CompleteExchange, fn, data)
			return nil
		}
		s.log.Debug().Msg("off-screen, immediate blit")
		s.swapFallback(client, draw, nil, front, back, targetMSC, fn, data)
		return nil
	}

	*targetMSC &= mscMask
	divisor &= mscMask
	remainder &= mscMask

	info := &frameEvent{
		drawableID: draw.ID,
		client:     client,
		kind:       kindSwap,
		pipe:       pipe,
		complete:   fn,
		data:       data,
		front:      front,
		back:       back,
	}
	if !s.addFrameEvent(info) {
		s.log.Debug().Msg("failed to hook up frame event")
		s.swapFallback(client, draw, nil, front, back, targetMSC, fn, data)
		return nil
	}
	s.ReferenceBuffer(front)
	s.ReferenceBuffer(back)

	if divisor == 0 {
		if s.canExchange(draw, front, back) {
			s.immediateExchange(draw, info)
		} else {
			s.immediateBlit(draw, info)
		}
		return nil
	}

	// Get the current count.
	vbl := driver.VBlank{Type: driver.VBlankRelative, Pipe: pipe}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.swapFallback(client, draw, info, front, back, targetMSC, fn, data)
		return nil
	}
	current := uint64(vbl.ReplySequence)

	// If the target has not passed yet, wait for it.
	if current < *targetMSC {
		s.log.Debug().
			Uint64("current", current).
			Uint64("target", *targetMSC).
			Msg("waiting for swap")

		info.frame = uint32(*targetMSC)
		vbl = driver.VBlank{
			Type:     driver.VBlankAbsolute | driver.VBlankEventReply,
			Pipe:     pipe,
			Sequence: uint32(*targetMSC),
			Signal:   info,
		}
		if err := s.dev.WaitVBlank(&vbl); err != nil {
			s.swapFallback(client, draw, info, front, back, targetMSC, fn, data)
		}
		return nil
	}

	// The target already passed (or there was none); queue an
	// event satisfying the divisor/remainder equation.
	s.log.Debug().
		Uint64("current", current).
		Uint64("target", *targetMSC).
		Uint64("divisor", divisor).
		Msg("missed target, queueing event for next")

	seq := current - current%divisor + remainder
	// A deadline below the current count means the last frame
	// satisfying seq % divisor == remainder already began
	// scanning out; wait for the next one.
	if seq < current {
		seq += divisor
	}
	seq -= 1

	vbl = driver.VBlank{
		Type:     driver.VBlankAbsolute | driver.VBlankEventReply | driver.VBlankNextOnMiss,
		Pipe:     pipe,
		Sequence: uint32(seq),
		Signal:   info,
	}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.swapFallback(client, draw, info, front, back, targetMSC, fn, data)
		return nil
	}

	*targetMSC = uint64(vbl.ReplySequence)
	info.frame = uint32(*targetMSC)
	return nil
}

// swapFallback completes a swap synchronously after a scheduling
// failure, preferring exchange over blit.
func (s *Scheduler) swapFallback(client *Client, draw *Drawable, info *frameEvent, front, back *Buffer, targetMSC *uint64, fn SwapFunc, data any) {
	var k CompleteKind
	if s.canExchange(draw, front, back) {
		s.log.Debug().Msg("fallback: exchange")
		s.exchangeBuffers(draw, front, back)
		k = CompleteExchange
	} else {
		s.log.Debug().Msg("fallback: blit")
		s.copyToFront(draw, nil, front.bo, back.bo, false)
		k = CompleteBlit
	}
	if info != nil {
		s.freeFrameEvent(info)
	}
	s.notify.SwapComplete(client, draw, 0, 0, 0, k, fn, data)
	if targetMSC != nil {
		// Off-screen, so zero out the target vblank count.
		*targetMSC = 0
	}
}

// scheduleFlip schedules a swap as a page flip, returning false
// when the caller must fall back to a copy path.
func (s *Scheduler) scheduleFlip(client *Client, draw *Drawable, front, back *Buffer, targetMSC *uint64, divisor, remainder uint64, fn SwapFunc, data any) bool {
	pipe := s.pipeFor(draw)
	if pipe < 0 {
		return false
	}
	out := s.output(pipe)
	if out == nil {
		return false
	}

	divisor &= mscMask
	if divisor == 0 {
		kind := kindFlipThrottle

		s.log.Debug().
			Int("pipe", pipe).
			Bool("pending", out.flipPending != nil).
			Msg("immediate flip")

		if info := out.flipPending; info != nil {
			if info.drawableID == draw.ID {
				// A flip for this drawable is in flight;
				// mark that a fresh frame is ready and let
				// its completion pick it up.
				s.log.Debug().Msg("chaining flip")
				info.nextFront.name = 1
				return true
			}
			// Wait one vblank for the pending flip to
			// complete before this client takes over.
			kind = kindFlip
		}

		info := &frameEvent{
			drawableID: draw.ID,
			client:     client,
			kind:       kind,
			pipe:       pipe,
			complete:   fn,
			data:       data,
			front:      front,
			back:       back,
		}
		if !s.addFrameEvent(info) {
			s.log.Debug().Msg("failed to hook up frame event")
			return false
		}
		s.ReferenceBuffer(front)
		s.ReferenceBuffer(back)

		if !s.pageFlip(info) {
			s.log.Debug().Msg("failed to queue page flip")
			s.freeFrameEvent(info)
			return false
		}

		// Give the client a fresh back buffer to render the
		// next frame into while the flipped one scans out.
		if h, err := s.alloc(draw.Width, draw.Height, draw.BPP, info.front.bo.Tiling(), true); err == nil {
			info.back.bo.release()
			info.back.bo = h
			info.back.Name = h.Name()
		} else {
			s.log.Debug().Err(err).Msg("no fresh back buffer, client keeps old storage")
		}
		out.flipPending = info

		s.notify.SwapComplete(client, draw, 0, 0, 0, CompleteExchange, fn, data)
		return true
	}

	info := &frameEvent{
		drawableID: draw.ID,
		client:     client,
		kind:       kindFlip,
		pipe:       pipe,
		complete:   fn,
		data:       data,
		front:      front,
		back:       back,
	}
	if !s.addFrameEvent(info) {
		s.log.Debug().Msg("failed to hook up frame event")
		return false
	}
	s.ReferenceBuffer(front)
	s.ReferenceBuffer(back)

	// Get the current count.
	vbl := driver.VBlank{Type: driver.VBlankRelative, Pipe: pipe}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.freeFrameEvent(info)
		return false
	}
	current := uint64(vbl.ReplySequence)
	*targetMSC &= mscMask
	remainder &= mscMask

	var seq uint64
	if current < *targetMSC {
		s.log.Debug().
			Uint64("current", current).
			Uint64("target", *targetMSC).
			Msg("waiting for flip")
		seq = *targetMSC
	} else {
		s.log.Debug().
			Uint64("current", current).
			Uint64("target", *targetMSC).
			Msg("missed flip target, queueing event for next")

		seq = current - current%divisor + remainder
		// A deadline at or below the current count means the
		// last frame whose effective onset could satisfy
		// seq % divisor == remainder has passed; wait for
		// the next one. The comparison includes equality to
		// account for the one-frame swap delay of flips.
		if seq <= current {
			seq += divisor
		}

		// Adjust the reported target for the same one-frame
		// pageflip offset.
		*targetMSC = seq + 1
	}

	// The flip queued on this event takes effect one frame
	// later; arm the event a frame early.
	seq -= 1

	vbl = driver.VBlank{
		Type:     driver.VBlankAbsolute | driver.VBlankEventReply,
		Pipe:     pipe,
		Sequence: uint32(seq),
		Signal:   info,
	}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.freeFrameEvent(info)
		return false
	}

	info.frame = uint32(*targetMSC)
	return true
}

// immediateExchange realizes a divisor-0 swap as an exchange,
// throttling the client to the following vertical blank unless
// throttling is disabled.
func (s *Scheduler) immediateExchange(draw *Drawable, info *frameEvent) {
	pix := draw.pixmap()

	s.log.Debug().Msg("immediate exchange, throttling client")

	if s.cfg.NoThrottle {
		s.exchangeBuffers(draw, info.front, info.back)
		s.notify.SwapComplete(info.client, draw, 0, 0, 0,
			CompleteExchange, info.complete, info.data)
		s.freeFrameEvent(info)
		return
	}

	info.kind = kindExchangeThrottle
	if pix.chain == nil {
		s.log.Debug().Msg("no pending exchange, starting chain")

		s.exchangeBuffers(draw, info.front, info.back)
		s.notify.SwapComplete(info.client, draw, 0, 0, 0,
			CompleteExchange, info.complete, info.data)

		vbl := driver.VBlank{
			Type:   driver.VBlankRelative | driver.VBlankNextOnMiss | driver.VBlankEventReply,
			Pipe:   info.pipe,
			Signal: info,
		}
		if err := s.dev.WaitVBlank(&vbl); err == nil {
			pix.chain = info
		} else {
			s.freeFrameEvent(info)
		}
		return
	}

	s.log.Debug().Msg("attaching to vsync chain")
	chainAppend(pix, info)
}

// immediateBlit is the copy counterpart of immediateExchange.
func (s *Scheduler) immediateBlit(draw *Drawable, info *frameEvent) {
	pix := draw.pixmap()

	s.log.Debug().Msg("immediate blit, throttling client")

	if s.cfg.NoThrottle {
		s.copyToFront(draw, nil, info.front.bo, info.back.bo, true)
		s.notify.SwapComplete(info.client, draw, 0, 0, 0,
			CompleteBlit, info.complete, info.data)
		s.freeFrameEvent(info)
		return
	}

	info.kind = kindSwapThrottle
	if pix.chain == nil {
		s.log.Debug().Msg("no pending blit, starting chain")

		info.fence = s.copyToFront(draw, nil, info.front.bo, info.back.bo, true)
		s.notify.SwapComplete(info.client, draw, 0, 0, 0,
			CompleteBlit, info.complete, info.data)

		vbl := driver.VBlank{
			Type:   driver.VBlankRelative | driver.VBlankNextOnMiss | driver.VBlankEventReply,
			Pipe:   info.pipe,
			Signal: info,
		}
		if err := s.dev.WaitVBlank(&vbl); err == nil {
			pix.chain = info
		} else {
			s.freeFrameEvent(info)
		}
		return
	}

	s.log.Debug().Msg("attaching to vsync chain")
	chainAppend(pix, info)
}

// chainAppend queues info behind every swap already throttled
// on pix, so requests complete in submission order.
func chainAppend(pix *Pixmap, info *frameEvent) {
	c := pix.chain
	for c.chain != nil {
		c = c.chain
	}
	c.chain = info
}

// chainSwap executes a chained swap at the vertical blank that
// completed its predecessor, then re-arms for the next blank.
// Eligibility is re-checked: conditions may have changed while
// the request sat in the chain.
func (s *Scheduler) chainSwap(draw *Drawable, ev driver.VBlankEvent, chain *frameEvent) {
	pix := draw.pixmap()

	var k CompleteKind
	if chain.kind == kindExchangeThrottle {
		s.log.Debug().Msg("chained exchange")
		s.exchangeBuffers(draw, chain.front, chain.back)
		k = CompleteExchange
	} else {
		s.log.Debug().Msg("chained vsync'ed blit")
		chain.fence = s.copyToFront(draw, nil, chain.front.bo, chain.back.bo, true)
		k = CompleteBlit
	}

	fn := chain.complete
	if chain.client == nil {
		fn = nil
	}
	s.notify.SwapComplete(chain.client, draw, ev.Sequence, ev.Sec, ev.Usec, k, fn, chain.data)

	vbl := driver.VBlank{
		Type:   driver.VBlankRelative | driver.VBlankNextOnMiss | driver.VBlankEventReply,
		Pipe:   chain.pipe,
		Signal: chain,
	}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		// Cannot re-arm; advance the chain synchronously so
		// no queued swap is dropped.
		next := chain.chain
		chain.chain = nil
		s.freeFrameEvent(chain)
		pix.chain = next
		if next != nil {
			s.chainSwap(draw, ev, next)
		}
	}
}

// HandleVBlank is the driver.Handler vertical-blank sink: it
// completes (or advances) the frame event the blank was armed
// for.
func (s *Scheduler) HandleVBlank(ev driver.VBlankEvent) {
	info, ok := ev.Signal.(*frameEvent)
	if !ok {
		s.warn("unknown vblank event received")
		return
	}

	s.log.Debug().
		Uint32("drawable", info.drawableID).
		Str("kind", info.kind.String()).
		Msg("vblank event")

	draw := s.lookupDrawable(info.drawableID)
	if draw == nil {
		// Drawable gone; drop the notification but still
		// free the event.
		s.freeFrameEvent(info)
		return
	}

	switch info.kind {
	case kindFlip:
		// If we can still flip...
		if s.canFlip(draw, info.front, info.back) && s.pageFlip(info) {
			info.back.Name = info.oldFront.name
			info.back.bo.release()
			info.back.bo = info.oldFront.h
			info.oldFront = boSlot{}
			// Freed when the flip completion arrives.
			return
		}
		// ...else fall through to blit.
		fallthrough

	case kindSwap:
		info.fence = s.copyToFront(draw, nil, info.front.bo, info.back.bo, true)
		info.kind = kindSwapThrottle
		fallthrough

	case kindSwapThrottle:
		s.log.Debug().
			Uint32("frame", ev.Sequence).
			Uint32("sec", ev.Sec).
			Uint32("usec", ev.Usec).
			Msg("swap throttle complete")

		if info.fence != nil && info.fence.Busy() {
			s.dev.Retire()
			if info.fence.Busy() {
				s.log.Debug().Msg("vsync'ed blit still busy, postponing")
				vbl := driver.VBlank{
					Type:     driver.VBlankRelative | driver.VBlankEventReply,
					Pipe:     info.pipe,
					Sequence: 1,
					Signal:   info,
				}
				if err := s.dev.WaitVBlank(&vbl); err == nil {
					return
				}
			}
		}

		pix := draw.pixmap()
		switch {
		case info.chain != nil:
			chain := info.chain
			info.chain = nil
			pix.chain = chain
			s.chainSwap(draw, ev, chain)
		case pix.chain == info:
			s.log.Debug().Msg("chain complete")
			pix.chain = nil
		default:
			s.log.Debug().Msg("deferred blit complete, unblocking client")
			fn := info.complete
			if info.client == nil {
				fn = nil
			}
			s.notify.SwapComplete(info.client, draw,
				ev.Sequence, ev.Sec, ev.Usec,
				CompleteBlit, fn, info.data)
		}

	case kindExchangeThrottle:
		s.log.Debug().Msg("exchange throttle complete")

		pix := draw.pixmap()
		if info.chain != nil {
			chain := info.chain
			info.chain = nil
			pix.chain = chain
			s.chainSwap(draw, ev, chain)
		} else {
			s.log.Debug().Msg("chain complete")
			pix.chain = nil
		}

	case kindWaitMSC:
		if info.client != nil {
			s.notify.WaitMSCComplete(info.client, draw, ev.Sequence, ev.Sec, ev.Usec)
		}

	default:
		s.warn("unknown vblank event received")
	}

	s.freeFrameEvent(info)
}

// VBlank implements driver.Handler.
func (s *Scheduler) VBlank(ev driver.VBlankEvent) { s.HandleVBlank(ev) }

// GetMSC returns the drawable's current frame counter and its
// timestamp in microseconds. Off-screen drawables report zero
// for both.
func (s *Scheduler) GetMSC(draw *Drawable) (msc, ust uint64, err error) {
	pipe := s.pipeFor(draw)
	if pipe < 0 {
		// Drawable not displayed; make up a value.
		return 0, 0, nil
	}

	vbl := driver.VBlank{Type: driver.VBlankRelative, Pipe: pipe}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.log.Debug().Int("pipe", pipe).Err(err).Msg("get msc failed")
		return 0, 0, err
	}

	msc = uint64(vbl.ReplySequence)
	ust = uint64(vbl.ReplySec)*1000000 + uint64(vbl.ReplyUsec)
	return msc, ust, nil
}

// ScheduleWaitMSC blocks the client until the frame counter
// conditions are satisfied, waking it through the notifier.
// Targets already reached complete immediately with the current
// count, which also keeps clients from resubmitting targets
// from the past.
func (s *Scheduler) ScheduleWaitMSC(client *Client, draw *Drawable, targetMSC, divisor, remainder uint64) error {
	if draw == nil {
		return errors.New("dri2: invalid wait request")
	}

	targetMSC &= mscMask
	divisor &= mscMask
	remainder &= mscMask

	s.log.Debug().
		Uint32("drawable", draw.ID).
		Uint64("target", targetMSC).
		Uint64("divisor", divisor).
		Uint64("remainder", remainder).
		Msg("schedule wait msc")

	pipe := s.pipeFor(draw)
	if pipe < 0 {
		// Drawable not visible; wake the client right away.
		s.notify.WaitMSCComplete(client, draw, uint32(targetMSC), 0, 0)
		return nil
	}

	// Get the current count.
	vbl := driver.VBlank{Type: driver.VBlankRelative, Pipe: pipe}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.notify.WaitMSCComplete(client, draw, uint32(targetMSC), 0, 0)
		return nil
	}
	current := uint64(vbl.ReplySequence)

	if divisor == 0 && current >= targetMSC {
		s.notify.WaitMSCComplete(client, draw, uint32(current), 0, 0)
		return nil
	}

	info := &frameEvent{
		drawableID: draw.ID,
		client:     client,
		kind:       kindWaitMSC,
		pipe:       pipe,
	}
	if !s.addFrameEvent(info) {
		s.log.Debug().Msg("failed to hook up frame event")
		s.notify.WaitMSCComplete(client, draw, uint32(targetMSC), 0, 0)
		return nil
	}

	// A plain target that has not passed yet just waits for
	// the target frame.
	if divisor == 0 || current < targetMSC {
		vbl = driver.VBlank{
			Type:     driver.VBlankAbsolute | driver.VBlankEventReply,
			Pipe:     pipe,
			Sequence: uint32(targetMSC),
			Signal:   info,
		}
		if err := s.dev.WaitVBlank(&vbl); err != nil {
			s.freeFrameEvent(info)
			s.notify.WaitMSCComplete(client, draw, uint32(targetMSC), 0, 0)
			return nil
		}
		info.frame = vbl.ReplySequence
		s.notify.BlockClient(client, draw)
		return nil
	}

	// The target passed; queue an event satisfying the
	// divisor/remainder equation.
	seq := current - current%divisor + remainder
	// A computed remainder at or above the requested one means
	// the last frame with seq % divisor == remainder already
	// passed; wait for the next time it holds.
	if current%divisor >= remainder {
		seq += divisor
	}

	vbl = driver.VBlank{
		Type:     driver.VBlankAbsolute | driver.VBlankEventReply,
		Pipe:     pipe,
		Sequence: uint32(seq),
		Signal:   info,
	}
	if err := s.dev.WaitVBlank(&vbl); err != nil {
		s.freeFrameEvent(info)
		s.notify.WaitMSCComplete(client, draw, uint32(targetMSC), 0, 0)
		return nil
	}

	info.frame = vbl.ReplySequence
	s.notify.BlockClient(client, draw)
	return nil
}
