// Copyright 2023 Gustavo C. Viegas. All rights reserved.

//go:build linux

package drm

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"gviegas/dri2/driver"
)

// ioctl request encoding (asm-generic/ioctl.h).
const (
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// drmBase is the DRM ioctl type ('d').
const drmBase = 0x64

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | drmBase<<iocTypeShift | nr<<iocNRShift
}

func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// Kernel structures, laid out as drm.h and drm_mode.h define
// them on 64-bit targets.
type (
	// drm_gem_flink
	gemFlink struct {
		handle uint32
		name   uint32
	}

	// drm_get_cap
	getCap struct {
		capability uint64
		value      uint64
	}

	// union drm_wait_vblank; a and b cover the request's
	// signal and the reply's timestamp.
	waitVBlank struct {
		typ      uint32
		sequence uint32
		a        uint64
		b        uint64
	}

	// drm_mode_create_dumb
	createDumb struct {
		height uint32
		width  uint32
		bpp    uint32
		flags  uint32
		handle uint32
		pitch  uint32
		size   uint64
	}

	// drm_mode_map_dumb
	mapDumb struct {
		handle uint32
		_      uint32
		offset uint64
	}

	// drm_mode_destroy_dumb
	destroyDumb struct {
		handle uint32
	}

	// drm_mode_fb_cmd
	fbCmd struct {
		fbID   uint32
		width  uint32
		height uint32
		pitch  uint32
		bpp    uint32
		depth  uint32
		handle uint32
	}

	// drm_mode_crtc_page_flip
	pageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		_        uint32
		userData uint64
	}

	// drm_mode_card_res
	cardRes struct {
		fbIDPtr        uint64
		crtcIDPtr      uint64
		connectorIDPtr uint64
		encoderIDPtr   uint64
		countFBs       uint32
		countCRTCs     uint32
		countConns     uint32
		countEncoders  uint32
		minWidth       uint32
		maxWidth       uint32
		minHeight      uint32
		maxHeight      uint32
	}
)

// DRM ioctl requests.
var (
	ioctlGemFlink         = iowr(0x0a, unsafe.Sizeof(gemFlink{}))
	ioctlGetCap           = iowr(0x0c, unsafe.Sizeof(getCap{}))
	ioctlWaitVBlank       = iowr(0x3a, unsafe.Sizeof(waitVBlank{}))
	ioctlModeGetResources = iowr(0xa0, unsafe.Sizeof(cardRes{}))
	ioctlModeAddFB        = iowr(0xae, unsafe.Sizeof(fbCmd{}))
	ioctlModeRmFB         = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip     = iowr(0xb0, unsafe.Sizeof(pageFlip{}))
	ioctlModeCreateDumb   = iowr(0xb2, unsafe.Sizeof(createDumb{}))
	ioctlModeMapDumb      = iowr(0xb3, unsafe.Sizeof(mapDumb{}))
	ioctlModeDestroyDumb  = iowr(0xb4, unsafe.Sizeof(destroyDumb{}))
)

// Vertical-blank request flags (drm.h).
const (
	vblankAbsolute      = 0x0
	vblankRelative      = 0x1
	vblankEvent         = 0x4000000
	vblankNextOnMiss    = 0x10000000
	vblankSecondary     = 0x20000000
	vblankHighCRTCMask  = 0x0000003e
	vblankHighCRTCShift = 1
)

// Capabilities (drm.h).
const capAsyncPageFlip = 7

// Page-flip flags (drm_mode.h).
const pageFlipEvent = 0x01

// pipeSelect encodes the pipe into the vblank request type:
// the first extra pipe uses the legacy secondary flag, higher
// ones go in the high-CRTC field.
func pipeSelect(pipe int) uint32 {
	switch {
	case pipe > 1:
		return uint32(pipe<<vblankHighCRTCShift) & vblankHighCRTCMask
	case pipe == 1:
		return vblankSecondary
	default:
		return 0
	}
}

func encodeVBlankType(t driver.VBlankType, pipe int) uint32 {
	var v uint32
	if t&driver.VBlankRelative != 0 {
		v |= vblankRelative
	}
	if t&driver.VBlankEventReply != 0 {
		v |= vblankEvent
	}
	if t&driver.VBlankNextOnMiss != 0 {
		v |= vblankNextOnMiss
	}
	return v | pipeSelect(pipe)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch e {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return e
		}
	}
}

// getCRTCs returns the card's CRTC ids, one per pipe.
func getCRTCs(fd int) ([]uint32, error) {
	var res cardRes
	if err := ioctl(fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, err
	}
	if res.countCRTCs == 0 {
		return nil, nil
	}
	ids := make([]uint32, res.countCRTCs)
	res = cardRes{
		crtcIDPtr:  uint64(uintptr(unsafe.Pointer(&ids[0]))),
		countCRTCs: uint32(len(ids)),
	}
	if err := ioctl(fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, err
	}
	if int(res.countCRTCs) < len(ids) {
		ids = ids[:res.countCRTCs]
	}
	return ids, nil
}
