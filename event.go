// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"gviegas/dri2/driver"
)

// kind is the operation a frame event is waiting on.
type kind int

const (
	kindSwap kind = iota
	kindSwapThrottle
	kindExchangeThrottle
	kindAsyncFlip
	kindFlip
	kindFlipThrottle
	kindWaitMSC
)

func (k kind) String() string {
	switch k {
	case kindSwap:
		return "swap"
	case kindSwapThrottle:
		return "swap-throttle"
	case kindExchangeThrottle:
		return "exchange-throttle"
	case kindAsyncFlip:
		return "async-flip"
	case kindFlip:
		return "flip"
	case kindFlipThrottle:
		return "flip-throttle"
	case kindWaitMSC:
		return "wait-msc"
	}
	return "unknown"
}

// boSlot holds a handle together with the shareable name it was
// published under, for the front-buffer rotation slots.
type boSlot struct {
	h    *Handle
	name uint32
}

// frameEvent is the per-request record tracking one pending
// swap, flip or wait until its vertical-blank or flip-completion
// event fires.
type frameEvent struct {
	drawableID uint32
	client     *Client
	kind       kind
	frame      uint32
	pipe       int

	// In-flight flip submissions; the completion handler
	// runs when the last one's event arrives.
	count int

	// For swaps and flips only.
	complete SwapFunc
	data     any
	front    *Buffer
	back     *Buffer
	fence    driver.Fence

	chain *frameEvent

	// Timestamps cached from the primary flip event.
	feFrame uint32
	feSec   uint32
	feUsec  uint32

	oldFront  boSlot
	nextFront boSlot
	cacheBO   boSlot

	offDelay int
}

// AddDrawable registers a drawable so pending completions can
// find it. The host must call RemoveDrawable when it is
// destroyed.
func (s *Scheduler) AddDrawable(d *Drawable) {
	s.drawables[d.ID] = d
}

// RemoveDrawable unregisters a drawable, force-clearing the
// drawable reference of every frame event still pending on it
// and dropping its cached front attachment.
func (s *Scheduler) RemoveDrawable(id uint32) {
	for _, info := range s.byDrawable[id] {
		s.log.Debug().Uint32("drawable", id).Str("kind", info.kind.String()).
			Msg("marking drawable gone")
		info.drawableID = 0
	}
	delete(s.byDrawable, id)
	delete(s.drawables, id)

	if b := s.frontCache[id]; b != nil {
		delete(s.frontCache, id)
		s.destroyBuffer(b)
	}
}

// ClientGone force-clears the client reference of every frame
// event owned by the given client; their completions will be
// dropped quietly.
func (s *Scheduler) ClientGone(id uint32) {
	for _, info := range s.byClient[id] {
		s.log.Debug().Uint32("client", id).Str("kind", info.kind.String()).
			Msg("marking client gone")
		info.client = nil
	}
	delete(s.byClient, id)
}

func (s *Scheduler) lookupDrawable(id uint32) *Drawable {
	if id == 0 {
		return nil
	}
	return s.drawables[id]
}

// addFrameEvent hooks info into the per-client and per-drawable
// cleanup registries so client exit or drawable destruction can
// clear the dangling fields while the event is pending.
func (s *Scheduler) addFrameEvent(info *frameEvent) bool {
	if info.drawableID != 0 && s.drawables[info.drawableID] == nil {
		return false
	}
	if info.client != nil {
		s.byClient[info.client.ID] = append(s.byClient[info.client.ID], info)
	}
	if info.drawableID != 0 {
		s.byDrawable[info.drawableID] = append(s.byDrawable[info.drawableID], info)
	}
	return true
}

func removeEvent(events []*frameEvent, info *frameEvent) []*frameEvent {
	for i, e := range events {
		if e == info {
			return append(events[:i], events[i+1:]...)
		}
	}
	return events
}

// freeFrameEvent releases everything info owns.
// It must only run after info's vblank or flip event fired (or
// arming it failed); a pending device registration would
// otherwise deliver a dangling signal.
func (s *Scheduler) freeFrameEvent(info *frameEvent) {
	if info.client != nil {
		s.byClient[info.client.ID] = removeEvent(s.byClient[info.client.ID], info)
	}
	if info.drawableID != 0 {
		s.byDrawable[info.drawableID] = removeEvent(s.byDrawable[info.drawableID], info)
	}

	s.destroyBuffer(info.front)
	s.destroyBuffer(info.back)
	info.front = nil
	info.back = nil

	for _, slot := range []*boSlot{&info.oldFront, &info.nextFront, &info.cacheBO} {
		if slot.h != nil {
			slot.h.release()
			*slot = boSlot{}
		}
	}
	info.fence = nil

	// The pending-flip slot and throttle chains must never
	// point at a freed event.
	if o := s.output(info.pipe); o != nil && o.flipPending == info {
		o.flipPending = nil
	}
}
