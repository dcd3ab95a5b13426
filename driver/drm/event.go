// Copyright 2023 Gustavo C. Viegas. All rights reserved.

//go:build linux

package drm

import "encoding/binary"

// Event types (drm.h).
const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02
)

// struct drm_event is an 8-byte header; vblank and flip
// completions share the drm_event_vblank payload.
const (
	eventHeaderLen = 8
	eventVBlankLen = 32
)

// event is one decoded drm_event_vblank record.
type event struct {
	typ      uint32
	userData uint64
	sec      uint32
	usec     uint32
	sequence uint32
}

// parseEvents decodes the records in one read from the card
// node. Unknown or truncated records are skipped; the kernel
// never splits a record across reads.
func parseEvents(buf []byte) []event {
	var evs []event
	for len(buf) >= eventHeaderLen {
		typ := binary.LittleEndian.Uint32(buf)
		length := int(binary.LittleEndian.Uint32(buf[4:]))
		if length < eventHeaderLen || length > len(buf) {
			break
		}
		if (typ == eventVBlank || typ == eventFlipComplete) && length >= eventVBlankLen {
			evs = append(evs, event{
				typ:      typ,
				userData: binary.LittleEndian.Uint64(buf[8:]),
				sec:      binary.LittleEndian.Uint32(buf[16:]),
				usec:     binary.LittleEndian.Uint32(buf[20:]),
				sequence: binary.LittleEndian.Uint32(buf[24:]),
			})
		}
		buf = buf[length:]
	}
	return evs
}
