// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package dri2

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gviegas/dri2/driver"
	"gviegas/dri2/region"
)

// mockBO implements driver.BO over plain counters.
type mockBO struct {
	handle    uint32
	name      uint32
	width     int
	height    int
	bpp       int
	pitch     int
	size      int
	tiling    driver.Tiling
	busy      driver.Engine
	destroyed bool
}

func (b *mockBO) Handle() uint32        { return b.handle }
func (b *mockBO) Name() uint32          { return b.name }
func (b *mockBO) Size() int             { return b.size }
func (b *mockBO) Pitch() int            { return b.pitch }
func (b *mockBO) BPP() int              { return b.bpp }
func (b *mockBO) Tiling() driver.Tiling { return b.tiling }

func (b *mockBO) SetTiling(t driver.Tiling) error {
	b.tiling = t
	return nil
}

func (b *mockBO) BusyOn() driver.Engine { return b.busy }

func (b *mockBO) Destroy() {
	if b.destroyed {
		panic("mockBO destroyed twice")
	}
	b.destroyed = true
}

// mockFence reports busy for a fixed number of polls.
type mockFence struct{ busyPolls int }

func (f *mockFence) Busy() bool {
	if f.busyPolls > 0 {
		f.busyPolls--
		return true
	}
	return false
}

// mockDevice is a scripted driver.Device: it records every
// request and lets tests deliver the matching events by hand.
type mockDevice struct {
	caps    driver.Caps
	handler driver.Handler

	// Current frame counter and timestamp reported by
	// blocking vblank queries.
	msc  uint32
	sec  uint32
	usec uint32

	nextHandle uint32
	nextName   uint32
	allocs     []*mockBO
	allocErr   error

	armed     []driver.VBlank
	queries   int
	vblankErr error

	flips   []*mockBO
	pending map[int]any
	flipRet int
	flipErr error

	copies    int
	mode      driver.Engine
	retires   int
	fence     driver.Fence
	scanline  bool
	scanWaits int
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		caps:       driver.Caps{Pipes: 1},
		nextHandle: 1,
		nextName:   100,
		pending:    make(map[int]any),
		flipRet:    1,
	}
}

func (m *mockDevice) Alloc(width, height, bpp int, t driver.Tiling, exact bool) (driver.BO, error) {
	if m.allocErr != nil {
		return nil, m.allocErr
	}
	bo := &mockBO{
		handle: m.nextHandle,
		name:   m.nextName,
		width:  width,
		height: height,
		bpp:    bpp,
		pitch:  width * bpp / 8,
		tiling: t,
	}
	bo.size = bo.pitch * height
	m.nextHandle++
	m.nextName++
	m.allocs = append(m.allocs, bo)
	return bo, nil
}

func (m *mockDevice) CopyBoxes(src driver.BO, srcDX, srcDY int, dst driver.BO, dstDX, dstDY int, boxes []region.Box) error {
	m.copies++
	return nil
}

func (m *mockDevice) Submit() driver.Fence { return m.fence }
func (m *mockDevice) Retire()              { m.retires++ }
func (m *mockDevice) Mode() driver.Engine  { return m.mode }

func (m *mockDevice) SetMode(e driver.Engine) { m.mode = e }

func (m *mockDevice) WaitVBlank(req *driver.VBlank) error {
	if m.vblankErr != nil {
		return m.vblankErr
	}
	if req.Type&driver.VBlankEventReply == 0 {
		// Blocking query.
		m.queries++
		req.ReplySequence = m.msc
		req.ReplySec = m.sec
		req.ReplyUsec = m.usec
		return nil
	}
	target := req.Sequence
	if req.Type&driver.VBlankRelative != 0 {
		target = m.msc + req.Sequence
	} else if target < m.msc && req.Type&driver.VBlankNextOnMiss != 0 {
		target = m.msc
	}
	req.ReplySequence = target
	m.armed = append(m.armed, *req)
	return nil
}

func (m *mockDevice) PageFlip(bo driver.BO, pipe int, signal any) (int, error) {
	if m.flipErr != nil {
		return 0, m.flipErr
	}
	if m.pending[pipe] != nil {
		return 0, driver.ErrRejected
	}
	m.pending[pipe] = signal
	m.flips = append(m.flips, bo.(*mockBO))
	return m.flipRet, nil
}

func (m *mockDevice) WaitForScanline(pipe int, b region.Box) bool {
	m.scanWaits++
	return m.scanline
}

func (m *mockDevice) SetHandler(h driver.Handler) { m.handler = h }
func (m *mockDevice) Dispatch() error             { return nil }
func (m *mockDevice) Caps() driver.Caps           { return m.caps }
func (m *mockDevice) Close()                      {}

// fireVBlank delivers the oldest armed vblank event at the
// given sequence.
func (m *mockDevice) fireVBlank(t *testing.T, seq, sec, usec uint32) {
	t.Helper()
	require.NotEmpty(t, m.armed, "no vblank event armed")
	req := m.armed[0]
	m.armed = m.armed[1:]
	m.msc = seq
	m.handler.VBlank(driver.VBlankEvent{
		Signal:   req.Signal,
		Sequence: seq,
		Sec:      sec,
		Usec:     usec,
	})
}

// completeFlip delivers the primary completion event for the
// flip pending on a pipe.
func (m *mockDevice) completeFlip(t *testing.T, pipe int, seq, sec, usec uint32) {
	t.Helper()
	sig := m.pending[pipe]
	require.NotNil(t, sig, "no flip pending on pipe %d", pipe)
	delete(m.pending, pipe)
	m.msc = seq
	m.handler.PageFlip(driver.FlipEvent{
		Signal:   sig,
		Primary:  true,
		Sequence: seq,
		Sec:      sec,
		Usec:     usec,
	})
}

// completion is one recorded notification.
type completion struct {
	client *Client
	draw   *Drawable
	frame  uint32
	sec    uint32
	usec   uint32
	kind   CompleteKind
	fn     SwapFunc
	data   any
}

// mockNotifier records notifications without acting on them.
type mockNotifier struct {
	swaps   []completion
	waits   []completion
	blocked int
}

func (n *mockNotifier) SwapComplete(c *Client, d *Drawable, frame, sec, usec uint32, kind CompleteKind, fn SwapFunc, data any) {
	n.swaps = append(n.swaps, completion{c, d, frame, sec, usec, kind, fn, data})
}

func (n *mockNotifier) WaitMSCComplete(c *Client, d *Drawable, frame, sec, usec uint32) {
	n.waits = append(n.waits, completion{client: c, draw: d, frame: frame, sec: sec, usec: usec})
}

func (n *mockNotifier) BlockClient(c *Client, d *Drawable) { n.blocked++ }

// harness wires a Scheduler to a mock device over a 1024x768
// screen with a single output.
type harness struct {
	t      *testing.T
	dev    *mockDevice
	screen *Screen
	sched  *Scheduler
	n      *mockNotifier
}

const (
	testWidth  = 1024
	testHeight = 768
	testBPP    = 32
)

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	dev := newMockDevice()
	front, err := NewPixmap(dev, testWidth, testHeight, testBPP, driver.TilingX)
	require.NoError(t, err)
	screen := &Screen{
		Width:  testWidth,
		Height: testHeight,
		Front:  front,
		Active: true,
		Outputs: []*Output{{
			Pipe:   0,
			Bounds: region.Box{X2: testWidth, Y2: testHeight},
			On:     true,
		}},
	}
	n := &mockNotifier{}
	sched, err := New(dev, screen, n, cfg)
	require.NoError(t, err)
	return &harness{t: t, dev: dev, screen: screen, sched: sched, n: n}
}

func rootClip() region.Region {
	return region.FromBox(region.Box{X2: testWidth, Y2: testHeight})
}

// fullscreenWindow registers a flip-eligible drawable: an
// unclipped window covering the scanout pixmap.
func (h *harness) fullscreenWindow(id uint32) *Drawable {
	d := &Drawable{
		ID: id,
		Window: &Window{
			Pixmap: h.screen.Front,
			Width:  testWidth,
			Height: testHeight,
			Clip:   rootClip(),
		},
		Width:  testWidth,
		Height: testHeight,
		BPP:    testBPP,
	}
	h.sched.AddDrawable(d)
	return d
}

// redirectedWindow registers an on-screen window backed by its
// own pixmap, as under composite redirection. It is exchange
// eligible but never flips.
func (h *harness) redirectedWindow(id uint32, w, ht int) *Drawable {
	pix, err := NewPixmap(h.dev, w, ht, testBPP, driver.TilingX)
	require.NoError(h.t, err)
	d := &Drawable{
		ID: id,
		Window: &Window{
			Pixmap: pix,
			Width:  w,
			Height: ht,
			Clip:   region.FromBox(region.Box{X2: w, Y2: ht}),
		},
		Width:  w,
		Height: ht,
		BPP:    testBPP,
	}
	h.sched.AddDrawable(d)
	return d
}

// offscreen registers a bare pixmap drawable.
func (h *harness) offscreen(id uint32, w, ht int) *Drawable {
	pix, err := NewPixmap(h.dev, w, ht, testBPP, driver.TilingX)
	require.NoError(h.t, err)
	d := &Drawable{
		ID:     id,
		Pixmap: pix,
		Width:  w,
		Height: ht,
		BPP:    testBPP,
	}
	h.sched.AddDrawable(d)
	return d
}

// buffers creates the front and back attachments of a drawable.
func (h *harness) buffers(d *Drawable) (front, back *Buffer) {
	var err error
	front, err = h.sched.CreateBuffer(d, FrontLeft, testBPP)
	require.NoError(h.t, err)
	back, err = h.sched.CreateBuffer(d, BackLeft, testBPP)
	require.NoError(h.t, err)
	return front, back
}
