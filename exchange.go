// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"fmt"
)

// exchangeBuffers swaps the backing storage of front and back
// in O(1): no pixel moves, the two buffers trade handles and
// shareable names. The drawable's pixmap is re-pointed at the
// incoming storage with its damage saturated, so trackers
// follow the storage rather than the logical slot.
func (s *Scheduler) exchangeBuffers(draw *Drawable, front, back *Buffer) {
	pix := draw.pixmap()

	if pix.Height*back.bo.Pitch() > back.bo.Size() {
		panic(fmt.Sprintf("dri2: back storage too small for %dx%d exchange",
			back.bo.Pitch(), pix.Height))
	}
	if pix.Height*front.bo.Pitch() > front.bo.Size() {
		panic(fmt.Sprintf("dri2: front storage too small for %dx%d exchange",
			front.bo.Pitch(), pix.Height))
	}

	s.log.Debug().
		Uint32("front", front.Name).
		Uint32("back", back.Name).
		Msg("exchange buffers")

	s.setScanout(pix, back.bo)

	front.bo, back.bo = back.bo, front.bo
	front.Name, back.Name = back.Name, front.Name
	front.Pitch, back.Pitch = back.Pitch, front.Pitch
}
