// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gviegas/dri2/driver"
	"gviegas/dri2/region"
)

func TestSwapOffscreenExchanges(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.offscreen(7, 640, 480)
	front, back := h.buffers(d)

	frontName := front.Name
	backName := back.Name
	frontBO := front.bo
	backBO := back.bo

	target := uint64(5)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))

	require.Equal(t, backName, front.Name)
	require.Equal(t, frontName, back.Name)
	require.Same(t, backBO, front.bo)
	require.Same(t, frontBO, back.bo)
	require.Same(t, front.bo, d.Pixmap.BO())

	// Exchanging twice restores the original assignment.
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))
	require.Equal(t, frontName, front.Name)
	require.Equal(t, backName, back.Name)

	// Off-screen swaps complete without touching the display.
	require.Empty(t, h.dev.armed)
	require.Zero(t, h.dev.queries)
	require.Len(t, h.n.swaps, 2)
	for _, c := range h.n.swaps {
		require.Equal(t, CompleteExchange, c.kind)
		require.Zero(t, c.frame)
	}
}

func TestSwapBlitWaitsForTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100

	target := uint64(110)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 5, 0, nil, nil))

	require.Equal(t, uint64(110), target)
	require.Len(t, h.dev.armed, 1)
	req := h.dev.armed[0]
	require.Equal(t, uint32(110), req.Sequence)
	require.Zero(t, req.Type&driver.VBlankRelative)
	require.NotZero(t, req.Type&driver.VBlankEventReply)
	require.Zero(t, req.Type&driver.VBlankNextOnMiss)
	require.Empty(t, h.n.swaps)

	h.dev.fireVBlank(t, 110, 3, 500)

	require.Equal(t, 1, h.dev.copies)
	require.Len(t, h.n.swaps, 1)
	c := h.n.swaps[0]
	require.Equal(t, CompleteBlit, c.kind)
	require.Equal(t, uint32(110), c.frame)
	require.Equal(t, uint32(3), c.sec)
	require.Equal(t, uint32(500), c.usec)
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestSwapBlitMissedTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100

	// current=100, divisor=5, remainder=2: the deadline is
	// 102, and the event is armed one frame early at 101.
	target := uint64(50)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 5, 2, nil, nil))

	require.Len(t, h.dev.armed, 1)
	req := h.dev.armed[0]
	require.Equal(t, uint32(101), req.Sequence)
	require.NotZero(t, req.Type&driver.VBlankNextOnMiss)
	require.Equal(t, uint64(101), target)
}

func TestSwapArmFailureFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100
	h.dev.vblankErr = driver.ErrRejected

	// Arming fails, but the request still completes: a
	// synchronous blit with an immediate notification and a
	// zeroed target.
	target := uint64(110)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 5, 0, nil, nil))

	require.Empty(t, h.dev.armed)
	require.Equal(t, 1, h.dev.copies)
	require.Len(t, h.n.swaps, 1)
	c := h.n.swaps[0]
	require.Equal(t, CompleteBlit, c.kind)
	require.Zero(t, c.frame)
	require.Zero(t, target)
	require.Empty(t, h.sched.byDrawable[d.ID])

	// A redirected window degrades to an exchange instead.
	r := h.redirectedWindow(8, 640, 480)
	rFront, rBack := h.buffers(r)
	target = 110
	require.NoError(t, h.sched.ScheduleSwap(nil, r, rFront, rBack, &target, 5, 0, nil, nil))

	require.Len(t, h.n.swaps, 2)
	require.Equal(t, CompleteExchange, h.n.swaps[1].kind)
	require.Zero(t, target)
	require.Empty(t, h.sched.byDrawable[r.ID])
}

func TestSwapFlipArithmetic(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100

	// current=100, divisor=5, remainder=2: the deadline is
	// 102, the event is armed at 101 so the flip queued on it
	// takes effect at 102, and the reported target carries the
	// extra one-frame pageflip offset.
	target := uint64(50)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 5, 2, nil, nil))

	require.Len(t, h.dev.armed, 1)
	req := h.dev.armed[0]
	require.Equal(t, uint32(101), req.Sequence)
	require.NotZero(t, req.Type&driver.VBlankEventReply)
	require.Zero(t, req.Type&driver.VBlankNextOnMiss)
	require.Equal(t, uint64(103), target)
	require.Empty(t, h.dev.flips)

	oldFrontName := front.Name
	h.dev.fireVBlank(t, 101, 0, 0)

	// The flip was submitted and the old front rotated to the
	// client as the new back.
	require.Len(t, h.dev.flips, 1)
	require.Equal(t, oldFrontName, back.Name)
	require.Empty(t, h.n.swaps)

	h.dev.completeFlip(t, 0, 103, 4, 200)

	require.Len(t, h.n.swaps, 1)
	c := h.n.swaps[0]
	require.Equal(t, CompleteFlip, c.kind)
	require.Equal(t, uint32(103), c.frame)
	require.Equal(t, uint32(4), c.sec)
}

func TestSwapImmediateFlip(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)

	oldBackName := back.Name
	oldBackBO := back.bo

	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))

	// The flip is submitted right away, no vblank involved.
	require.Len(t, h.dev.flips, 1)
	require.Empty(t, h.dev.armed)
	require.True(t, h.screen.Outputs[0].FlipPending())

	// Scanout re-homed to the flipped storage, the front
	// attachment took over the back's name and the client got
	// fresh back storage to render the next frame into.
	require.Same(t, oldBackBO, h.screen.Front.BO())
	require.Equal(t, oldBackName, front.Name)
	require.NotEqual(t, oldBackName, back.Name)
	require.NotSame(t, oldBackBO, back.bo)

	require.Len(t, h.n.swaps, 1)
	require.Equal(t, CompleteExchange, h.n.swaps[0].kind)
	require.Zero(t, h.n.swaps[0].frame)
}

func TestSwapFlipCoalescing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	out := h.screen.Outputs[0]

	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))
	require.Len(t, h.dev.flips, 1)
	require.Len(t, h.n.swaps, 1)

	// A second swap while the flip is in flight does not
	// submit another; it marks a fresh frame for the pending
	// event to pick up on completion.
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))
	require.Len(t, h.dev.flips, 1)
	require.Len(t, h.n.swaps, 1)
	require.True(t, out.FlipPending())

	// Completing the first flip chains the next one.
	h.dev.completeFlip(t, 0, 10, 0, 0)
	require.Len(t, h.dev.flips, 2)
	require.Len(t, h.n.swaps, 2)
	require.Equal(t, CompleteFlip, h.n.swaps[1].kind)
	require.True(t, out.FlipPending())

	// Completing the chained flip with no fresh frame marked
	// releases the slot.
	h.dev.completeFlip(t, 0, 11, 0, 0)
	require.False(t, out.FlipPending())
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestSwapSinglePendingFlipPerOutput(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.fullscreenWindow(7)
	aFront, aBack := h.buffers(a)
	b := h.fullscreenWindow(8)
	bFront, bBack := h.buffers(b)

	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, a, aFront, aBack, &target, 0, 0, nil, nil))
	require.Len(t, h.dev.flips, 1)

	// Another drawable cannot flip while the output slot is
	// taken; its swap degrades to a blit.
	target = 3
	require.NoError(t, h.sched.ScheduleSwap(nil, b, bFront, bBack, &target, 0, 0, nil, nil))
	require.Len(t, h.dev.flips, 1)
	require.Equal(t, 1, h.dev.copies)
	require.Zero(t, target)
	require.Len(t, h.n.swaps, 2)
	require.Equal(t, CompleteExchange, h.n.swaps[0].kind)
	require.Equal(t, CompleteBlit, h.n.swaps[1].kind)
}

func TestSwapFlipSubmitFallback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.flipErr = driver.ErrRejected

	// A rejected flip submission degrades to a blit, leaving
	// the output slot free and no frame event behind.
	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))

	require.Empty(t, h.dev.flips)
	require.Equal(t, 1, h.dev.copies)
	require.Len(t, h.n.swaps, 1)
	require.Equal(t, CompleteBlit, h.n.swaps[0].kind)
	require.Zero(t, target)
	require.Nil(t, h.screen.Outputs[0].flipPending)
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestSwapFlipAfterUnclipping(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	d.Window.Clip = region.FromBox(region.Box{X2: testWidth / 2, Y2: testHeight})
	front, back := h.buffers(d)

	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))
	require.Empty(t, h.dev.flips)
	require.Equal(t, CompleteBlit, h.n.swaps[0].kind)

	// Unobscuring the window restores flip eligibility.
	d.Window.Clip = rootClip()
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))
	require.Len(t, h.dev.flips, 1)
	require.Equal(t, CompleteExchange, h.n.swaps[1].kind)
}

func TestSwapChainOrdering(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.redirectedWindow(7, 640, 480)
	front, back := h.buffers(d)

	target := uint64(0)
	for _, data := range []string{"r1", "r2", "r3"} {
		require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, data))
	}

	// The first request completes immediately and throttles;
	// the rest queue up behind it.
	require.Len(t, h.n.swaps, 1)
	require.Equal(t, "r1", h.n.swaps[0].data)
	require.Len(t, h.dev.armed, 1)

	h.dev.fireVBlank(t, 1, 0, 0)
	require.Len(t, h.n.swaps, 2)
	require.Equal(t, "r2", h.n.swaps[1].data)

	h.dev.fireVBlank(t, 2, 0, 0)
	require.Len(t, h.n.swaps, 3)
	require.Equal(t, "r3", h.n.swaps[2].data)

	// The last event drains the chain.
	h.dev.fireVBlank(t, 3, 0, 0)
	require.Len(t, h.n.swaps, 3)
	require.Empty(t, h.dev.armed)
	require.Nil(t, d.Window.Pixmap.chain)
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestSwapChainRearmFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.redirectedWindow(7, 640, 480)
	front, back := h.buffers(d)

	target := uint64(0)
	for _, data := range []string{"r1", "r2", "r3"} {
		require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, data))
	}
	require.Len(t, h.n.swaps, 1)
	require.Len(t, h.dev.armed, 1)

	// The vblank completing r1 cannot re-arm the throttle; the
	// queued swaps still execute in order instead of dangling
	// on a chain nothing will ever advance.
	h.dev.vblankErr = driver.ErrRejected
	h.dev.fireVBlank(t, 1, 0, 0)

	require.Len(t, h.n.swaps, 3)
	require.Equal(t, "r2", h.n.swaps[1].data)
	require.Equal(t, "r3", h.n.swaps[2].data)
	require.Nil(t, d.Window.Pixmap.chain)
	require.Empty(t, h.dev.armed)
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestSwapThrottlePostponement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	h.dev.scanline = true
	h.dev.fence = &mockFence{busyPolls: 2}
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)

	target := uint64(0)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 0, 0, nil, nil))

	// The blit completed immediately and throttles the client
	// to the next vblank.
	require.Len(t, h.n.swaps, 1)
	require.Equal(t, CompleteBlit, h.n.swaps[0].kind)
	require.Len(t, h.dev.armed, 1)

	// The blit is still executing at the vblank: completed
	// work is reaped once and, still busy, the check is pushed
	// back a frame.
	h.dev.fireVBlank(t, 1, 0, 0)
	require.Equal(t, 1, h.dev.retires)
	require.Len(t, h.dev.armed, 1)
	require.NotNil(t, d.Window.Pixmap.chain)

	h.dev.fireVBlank(t, 2, 0, 0)
	require.Empty(t, h.dev.armed)
	require.Nil(t, d.Window.Pixmap.chain)
	require.Len(t, h.n.swaps, 1)
}

func TestSwapClientGone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100

	client := &Client{ID: 1}
	fn := func(c *Client, d *Drawable, frame, sec, usec uint32, kind CompleteKind, data any) {}

	target := uint64(110)
	require.NoError(t, h.sched.ScheduleSwap(client, d, front, back, &target, 5, 0, fn, nil))
	require.Len(t, h.sched.byClient[1], 1)

	h.sched.ClientGone(1)
	require.Empty(t, h.sched.byClient[1])

	// The swap still runs, but the notification is inert.
	h.dev.fireVBlank(t, 110, 0, 0)
	require.Equal(t, 1, h.dev.copies)
	require.Len(t, h.n.swaps, 1)
	require.Nil(t, h.n.swaps[0].client)
	require.Nil(t, h.n.swaps[0].fn)
}

func TestSwapDrawableGone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoFlip = true
	h := newHarness(t, cfg)
	d := h.fullscreenWindow(7)
	front, back := h.buffers(d)
	h.dev.msc = 100

	target := uint64(110)
	require.NoError(t, h.sched.ScheduleSwap(nil, d, front, back, &target, 5, 0, nil, nil))

	h.sched.RemoveDrawable(d.ID)

	// The event fires into a void: no copy, no notification.
	h.dev.fireVBlank(t, 110, 0, 0)
	require.Zero(t, h.dev.copies)
	require.Empty(t, h.n.swaps)
	require.Empty(t, h.sched.byDrawable[d.ID])
}

func TestGetMSC(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	h.dev.msc = 123
	h.dev.sec = 2
	h.dev.usec = 50

	msc, ust, err := h.sched.GetMSC(d)
	require.NoError(t, err)
	require.Equal(t, uint64(123), msc)
	require.Equal(t, uint64(2000050), ust)

	// Off-screen drawables report a made-up zero count.
	o := h.offscreen(8, 64, 64)
	msc, ust, err = h.sched.GetMSC(o)
	require.NoError(t, err)
	require.Zero(t, msc)
	require.Zero(t, ust)
}

func TestWaitMSC(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.fullscreenWindow(7)
	client := &Client{ID: 1}
	h.dev.msc = 100

	// A target in the past completes at the current count
	// without blocking.
	require.NoError(t, h.sched.ScheduleWaitMSC(client, d, 50, 0, 0))
	require.Len(t, h.n.waits, 1)
	require.Equal(t, uint32(100), h.n.waits[0].frame)
	require.Zero(t, h.n.blocked)

	// A future target blocks until its frame.
	require.NoError(t, h.sched.ScheduleWaitMSC(client, d, 110, 0, 0))
	require.Len(t, h.dev.armed, 1)
	require.Equal(t, uint32(110), h.dev.armed[0].Sequence)
	require.Equal(t, 1, h.n.blocked)

	h.dev.fireVBlank(t, 110, 7, 0)
	require.Len(t, h.n.waits, 2)
	require.Equal(t, uint32(110), h.n.waits[1].frame)
	require.Equal(t, uint32(7), h.n.waits[1].sec)

	// current=110, divisor=16, remainder=4: the last frame
	// satisfying the equation just passed, so the wait lands
	// on the next one.
	require.NoError(t, h.sched.ScheduleWaitMSC(client, d, 50, 16, 4))
	require.Len(t, h.dev.armed, 1)
	require.Equal(t, uint32(116), h.dev.armed[0].Sequence)
	require.Equal(t, 2, h.n.blocked)
	h.dev.fireVBlank(t, 116, 0, 0)

	// Off-screen drawables complete at the requested target.
	o := h.offscreen(8, 64, 64)
	require.NoError(t, h.sched.ScheduleWaitMSC(client, o, 42, 0, 0))
	require.Equal(t, uint32(42), h.n.waits[len(h.n.waits)-1].frame)
	require.Equal(t, 2, h.n.blocked)
}
