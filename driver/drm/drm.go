// Copyright 2023 Gustavo C. Viegas. All rights reserved.

//go:build linux

// Package drm implements driver interfaces using the DRM/KMS API.
// Allocations are dumb buffers, so copies run on the CPU through
// mappings; vertical-blank waits, events and page flips go through
// the kernel ioctls.
package drm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"gviegas/dri2/driver"
	"gviegas/dri2/internal/bitm"
	"gviegas/dri2/region"
)

const driverName = "drm"

// maxCards is the highest minor searched for a usable node.
const maxCards = 16

// Driver implements driver.Driver.
type Driver struct {
	dev *Device
}

func init() {
	driver.Register(&Driver{})
}

// Open initializes the driver.
// It opens the first card node that exposes KMS resources.
func (d *Driver) Open() (driver.Device, error) {
	if d.dev != nil {
		return d.dev, nil
	}
	for i := 0; i < maxCards; i++ {
		path := fmt.Sprintf("/dev/dri/card%d", i)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
		if err != nil {
			continue
		}
		crtcs, err := getCRTCs(fd)
		if err != nil || len(crtcs) == 0 {
			unix.Close(fd)
			continue
		}
		d.dev = &Device{
			fd:    fd,
			crtcs: crtcs,
			evbuf: make([]byte, 4096),
		}
		return d.dev, nil
	}
	return nil, driver.ErrNoDevice
}

// Name returns the name of the driver.
func (d *Driver) Name() string { return driverName }

// Close deinitializes the driver.
func (d *Driver) Close() {
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
}

// sigTable maps event signals to the uint64 tokens the kernel
// carries in user_data. Tokens are indices into a bitmap-managed
// slot array, offset by one so 0 never names a live signal.
type sigTable struct {
	m    bitm.Bitm[uint32]
	sigs []any
}

func (t *sigTable) put(sig any) uint64 {
	i := t.m.Search()
	if i < 0 {
		i = t.m.Grow(1)
		t.sigs = append(t.sigs, make([]any, t.m.Cap()-len(t.sigs))...)
	}
	t.m.Set(i)
	t.sigs[i] = sig
	return uint64(i) + 1
}

func (t *sigTable) take(tok uint64) any {
	i := int(tok) - 1
	if i < 0 || i >= len(t.sigs) || !t.m.IsSet(i) {
		return nil
	}
	sig := t.sigs[i]
	t.sigs[i] = nil
	t.m.Unset(i)
	return sig
}

// Device implements driver.Device over a DRM card node.
type Device struct {
	fd      int
	crtcs   []uint32
	handler driver.Handler
	sigs    sigTable
	mode    driver.Engine
	evbuf   []byte
}

// Alloc creates a dumb buffer.
// Dumb buffers are always linear; the requested tiling is
// ignored and the BO reports TilingNone.
func (d *Device) Alloc(width, height, bpp int, t driver.Tiling, exact bool) (driver.BO, error) {
	c := createDumb{
		height: uint32(height),
		width:  uint32(width),
		bpp:    uint32(bpp),
	}
	if err := ioctl(d.fd, ioctlModeCreateDumb, unsafe.Pointer(&c)); err != nil {
		return nil, fmt.Errorf("drm: create dumb: %w", driver.ErrNoMemory)
	}
	f := gemFlink{handle: c.handle}
	if err := ioctl(d.fd, ioctlGemFlink, unsafe.Pointer(&f)); err != nil {
		dd := destroyDumb{handle: c.handle}
		ioctl(d.fd, ioctlModeDestroyDumb, unsafe.Pointer(&dd))
		return nil, fmt.Errorf("drm: flink: %w", err)
	}
	return &boImpl{
		dev:    d,
		handle: c.handle,
		name:   f.name,
		width:  width,
		height: height,
		bpp:    bpp,
		pitch:  int(c.pitch),
		size:   int(c.size),
	}, nil
}

// CopyBoxes copies the given boxes on the CPU through dumb
// buffer mappings. Boxes falling outside either surface are
// clipped away.
func (d *Device) CopyBoxes(src driver.BO, srcDX, srcDY int, dst driver.BO, dstDX, dstDY int, boxes []region.Box) error {
	s, ok := src.(*boImpl)
	if !ok {
		return driver.ErrRejected
	}
	t, ok := dst.(*boImpl)
	if !ok {
		return driver.ErrRejected
	}
	sp, err := s.mapped()
	if err != nil {
		return err
	}
	tp, err := t.mapped()
	if err != nil {
		return err
	}
	cpp := s.bpp / 8
	for _, b := range boxes {
		sb := b.Translate(srcDX, srcDY).Intersect(region.Box{X2: s.width, Y2: s.height})
		tb := b.Translate(dstDX, dstDY).Intersect(region.Box{X2: t.width, Y2: t.height})
		w := min(sb.Width(), tb.Width())
		h := min(sb.Height(), tb.Height())
		if w <= 0 || h <= 0 {
			continue
		}
		for y := 0; y < h; y++ {
			so := (sb.Y1+y)*s.pitch + sb.X1*cpp
			to := (tb.Y1+y)*t.pitch + tb.X1*cpp
			copy(tp[to:to+w*cpp], sp[so:so+w*cpp])
		}
	}
	return nil
}

// Submit returns nil: CPU copies complete synchronously.
func (d *Device) Submit() driver.Fence { return nil }

// Retire is a no-op; see Submit.
func (d *Device) Retire() {}

func (d *Device) Mode() driver.Engine     { return d.mode }
func (d *Device) SetMode(e driver.Engine) { d.mode = e }

// WaitVBlank executes a vertical-blank request.
func (d *Device) WaitVBlank(req *driver.VBlank) error {
	var tok uint64
	v := waitVBlank{
		typ:      encodeVBlankType(req.Type, req.Pipe),
		sequence: req.Sequence,
	}
	if req.Type&driver.VBlankEventReply != 0 {
		tok = d.sigs.put(req.Signal)
		v.a = tok
	}
	if err := ioctl(d.fd, ioctlWaitVBlank, unsafe.Pointer(&v)); err != nil {
		if tok != 0 {
			d.sigs.take(tok)
		}
		return fmt.Errorf("drm: wait vblank: %w", driver.ErrRejected)
	}
	req.ReplySequence = v.sequence
	if req.Type&driver.VBlankEventReply == 0 {
		req.ReplySec = uint32(v.a)
		req.ReplyUsec = uint32(v.b)
	}
	return nil
}

// PageFlip requests a flip of the pipe's CRTC to bo, delivering
// a flip-complete event carrying the signal.
func (d *Device) PageFlip(bo driver.BO, pipe int, signal any) (int, error) {
	b, ok := bo.(*boImpl)
	if !ok {
		return 0, driver.ErrRejected
	}
	if pipe < 0 || pipe >= len(d.crtcs) {
		return 0, driver.ErrRejected
	}
	fb, err := b.framebuffer()
	if err != nil {
		return 0, err
	}
	tok := d.sigs.put(signal)
	f := pageFlip{
		crtcID:   d.crtcs[pipe],
		fbID:     fb,
		flags:    pageFlipEvent,
		userData: tok,
	}
	if err := ioctl(d.fd, ioctlModePageFlip, unsafe.Pointer(&f)); err != nil {
		d.sigs.take(tok)
		return 0, fmt.Errorf("drm: page flip: %w", driver.ErrRejected)
	}
	return 1, nil
}

// WaitForScanline reports that it did not wait; the KMS API has
// no portable scanline fence.
func (d *Device) WaitForScanline(pipe int, b region.Box) bool { return false }

// SetHandler registers the sink for asynchronous events.
func (d *Device) SetHandler(h driver.Handler) { d.handler = h }

// Dispatch drains pending events from the card node, invoking
// the registered handler for each.
func (d *Device) Dispatch() error {
	for {
		n, err := unix.Read(d.fd, d.evbuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return nil
			}
			return fmt.Errorf("drm: event read: %w", driver.ErrFatal)
		}
		if n <= 0 {
			return nil
		}
		d.dispatchBuf(d.evbuf[:n])
	}
}

func (d *Device) dispatchBuf(buf []byte) {
	for _, ev := range parseEvents(buf) {
		sig := d.sigs.take(ev.userData)
		switch ev.typ {
		case eventVBlank:
			if d.handler != nil {
				d.handler.VBlank(driver.VBlankEvent{
					Signal:   sig,
					Sequence: ev.sequence,
					Sec:      ev.sec,
					Usec:     ev.usec,
				})
			}
		case eventFlipComplete:
			if d.handler != nil {
				d.handler.PageFlip(driver.FlipEvent{
					Signal:   sig,
					Primary:  true,
					Sequence: ev.sequence,
					Sec:      ev.sec,
					Usec:     ev.usec,
				})
			}
		}
	}
}

// Caps returns the device capabilities.
func (d *Device) Caps() driver.Caps {
	return driver.Caps{
		AsyncFlip:   d.getCap(capAsyncPageFlip) != 0,
		CopyEngines: false,
		Pipes:       len(d.crtcs),
	}
}

func (d *Device) getCap(c uint64) uint64 {
	g := getCap{capability: c}
	if err := ioctl(d.fd, ioctlGetCap, unsafe.Pointer(&g)); err != nil {
		return 0
	}
	return g.value
}

// Close releases the device.
func (d *Device) Close() {
	if d.fd >= 0 {
		unix.Close(d.fd)
		d.fd = -1
	}
}

// boImpl implements driver.BO over a dumb buffer.
type boImpl struct {
	dev    *Device
	handle uint32
	name   uint32
	width  int
	height int
	bpp    int
	pitch  int
	size   int
	fb     uint32
	mem    []byte
}

func (b *boImpl) Handle() uint32        { return b.handle }
func (b *boImpl) Name() uint32          { return b.name }
func (b *boImpl) Size() int             { return b.size }
func (b *boImpl) Pitch() int            { return b.pitch }
func (b *boImpl) BPP() int              { return b.bpp }
func (b *boImpl) Tiling() driver.Tiling { return driver.TilingNone }

// SetTiling accepts only the linear layout; dumb buffers
// cannot be tiled.
func (b *boImpl) SetTiling(t driver.Tiling) error {
	if t == driver.TilingNone {
		return nil
	}
	return driver.ErrRejected
}

func (b *boImpl) BusyOn() driver.Engine { return driver.EngineNone }

func (b *boImpl) mapped() ([]byte, error) {
	if b.mem != nil {
		return b.mem, nil
	}
	m := mapDumb{handle: b.handle}
	if err := ioctl(b.dev.fd, ioctlModeMapDumb, unsafe.Pointer(&m)); err != nil {
		return nil, fmt.Errorf("drm: map dumb: %w", err)
	}
	mem, err := unix.Mmap(b.dev.fd, int64(m.offset), b.size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("drm: mmap: %w", err)
	}
	b.mem = mem
	return b.mem, nil
}

// framebuffer returns the KMS framebuffer id of the BO,
// registering it on first use.
func (b *boImpl) framebuffer() (uint32, error) {
	if b.fb != 0 {
		return b.fb, nil
	}
	depth := uint32(24)
	if b.bpp <= 16 {
		depth = uint32(b.bpp)
	}
	c := fbCmd{
		width:  uint32(b.width),
		height: uint32(b.height),
		pitch:  uint32(b.pitch),
		bpp:    uint32(b.bpp),
		depth:  depth,
		handle: b.handle,
	}
	if err := ioctl(b.dev.fd, ioctlModeAddFB, unsafe.Pointer(&c)); err != nil {
		return 0, fmt.Errorf("drm: add fb: %w", driver.ErrRejected)
	}
	b.fb = c.fbID
	return b.fb, nil
}

// Destroy releases the allocation, its mapping and its
// framebuffer registration.
func (b *boImpl) Destroy() {
	if b.mem != nil {
		unix.Munmap(b.mem)
		b.mem = nil
	}
	if b.fb != 0 {
		fb := b.fb
		ioctl(b.dev.fd, ioctlModeRmFB, unsafe.Pointer(&fb))
		b.fb = 0
	}
	dd := destroyDumb{handle: b.handle}
	ioctl(b.dev.fd, ioctlModeDestroyDumb, unsafe.Pointer(&dd))
	b.handle = 0
}
