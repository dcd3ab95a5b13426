// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package driver defines the interfaces between the presentation
// engine and the display hardware back-end.
// It is designed to allow platform-specific APIs to be implemented
// in a mostly straightforward manner; the engine holds exactly one
// Device and drives it from a single dispatch thread.
package driver

import (
	"errors"
	"log"
	"sync"

	"gviegas/dri2/region"
)

// Driver is the interface that provides methods for
// loading and unloading an underlying implementation.
type Driver interface {
	// Open initializes the driver.
	// If it succeeds, further calls with the same receiver
	// have no effect and must return the same Device.
	// Callers should assume that Open is not safe for
	// parallel execution.
	Open() (Device, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be opened.
	Name() string

	// Close deinitializes the driver.
	// Closing a driver that is not open has no effect.
	Close()
}

// ErrNotInstalled means that a platform-specific facility
// required for the driver to work is not present in the
// system.
var ErrNotInstalled = errors.New("driver: missing required facility")

// ErrNoDevice means that no suitable device could be
// found.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNoMemory means that a buffer allocation was refused.
var ErrNoMemory = errors.New("driver: out of memory")

// ErrRejected means that the device refused a vertical-blank
// or page-flip request.
var ErrRejected = errors.New("driver: request rejected")

// ErrFatal means that the device is in an unrecoverable
// state. The engine must destroy everything it created and
// close the driver before trying again.
var ErrFatal = errors.New("driver: fatal error")

// Tiling identifies the memory layout of a 2D allocation.
// Buffers that will scan out or flip against one another must
// agree on tiling.
type Tiling int

// Tiling modes.
const (
	TilingNone Tiling = iota
	TilingX
	TilingY
)

// Engine identifies a hardware unit that can execute copies.
// Devices whose copy paths are split across engines report the
// unit a buffer is busy on so the engine can batch copies on
// the same unit and avoid inter-engine stalls.
type Engine int

// Engines.
const (
	// EngineNone means idle (or "no preference" when setting).
	EngineNone Engine = iota
	EngineRender
	EngineBlt
)

// Caps describes optional device capabilities.
type Caps struct {
	// The device supports asynchronous (unsynced) page flips,
	// enabling the triple-buffered presentation mode.
	AsyncFlip bool

	// The device has distinct copy engines worth steering
	// (see Device.SetMode).
	CopyEngines bool

	// The number of scanout pipes.
	Pipes int
}

// BO is a device memory allocation backing pixel storage.
type BO interface {
	// Handle returns the device-local identity of the
	// allocation. It is never 0 for a live BO.
	Handle() uint32

	// Name returns the global, shareable name of the
	// allocation, or 0 if it has none.
	Name() uint32

	// Size returns the allocation size in bytes.
	Size() int

	// Pitch returns the row stride in bytes.
	Pitch() int

	// BPP returns the bits per pixel the allocation was
	// created with.
	BPP() int

	// Tiling returns the current memory layout.
	Tiling() Tiling

	// SetTiling changes the memory layout, reallocating the
	// backing pages if the device requires it. Content is
	// not preserved; preserving it is the caller's concern.
	SetTiling(t Tiling) error

	// BusyOn returns the engine the allocation is currently
	// busy on, or EngineNone when idle.
	BusyOn() Engine

	// Destroy releases the allocation.
	Destroy()
}

// Fence tracks completion of previously submitted work.
type Fence interface {
	// Busy returns whether the fenced work is still
	// executing.
	Busy() bool
}

// VBlank is a vertical-blank request/reply, patterned after the
// kernel interface: the caller fills Type, Pipe, Sequence and
// (for event requests) Signal; the device fills the Reply fields
// with the current or queued sequence and its timestamp.
type VBlank struct {
	Type     VBlankType
	Pipe     int
	Sequence uint32

	// Signal is delivered back in the VBlankEvent when Type
	// includes VBlankEventReply. It must be nil for blocking
	// queries.
	Signal any

	ReplySequence uint32
	ReplySec      uint32
	ReplyUsec     uint32
}

// VBlankType is a bitmask of vertical-blank request flags.
type VBlankType uint32

// Vertical-blank request flags.
// Absolute targeting is the zero value.
const (
	VBlankAbsolute   VBlankType = 0x0
	VBlankRelative   VBlankType = 0x1
	VBlankEventReply VBlankType = 0x4000000
	VBlankNextOnMiss VBlankType = 0x10000000
)

// VBlankEvent is delivered when a requested frame boundary is
// reached.
type VBlankEvent struct {
	Signal   any
	Sequence uint32
	Sec      uint32
	Usec     uint32
}

// FlipEvent is delivered when a submitted page flip completes.
// A flip spanning several pipes delivers one event per pipe;
// Primary is set on the reference pipe's event, whose timestamp
// is the one to report.
type FlipEvent struct {
	Signal   any
	Primary  bool
	Sequence uint32
	Sec      uint32
	Usec     uint32
}

// Handler receives asynchronous device events.
// Devices invoke it from Dispatch, never concurrently.
type Handler interface {
	VBlank(VBlankEvent)
	PageFlip(FlipEvent)
}

// Device is the capability set the engine drives.
// Devices need not be safe for concurrent use; all calls are
// made from the event-dispatch thread.
type Device interface {
	// Alloc creates a 2D allocation. When exact is set the
	// device must not round the requested size up to a
	// bucket (the allocation will be shared by name).
	Alloc(width, height, bpp int, t Tiling, exact bool) (BO, error)

	// CopyBoxes enqueues a copy of the given boxes from src
	// to dst. Box coordinates are offset by the respective
	// deltas. Completion is asynchronous; see Submit.
	CopyBoxes(src BO, srcDX, srcDY int, dst BO, dstDX, dstDY int, boxes []region.Box) error

	// Submit flushes enqueued work and returns a fence for
	// the last request, or nil if nothing was pending.
	Submit() Fence

	// Retire reaps completed work, updating BO busyness.
	Retire()

	// Mode returns the engine queued work is directed at,
	// or EngineNone when the queue is empty.
	Mode() Engine

	// SetMode directs subsequently enqueued work at the
	// given engine.
	SetMode(e Engine)

	// WaitVBlank executes a vertical-blank request.
	// Blocking queries return with the reply filled in;
	// event requests return once the event is queued.
	WaitVBlank(req *VBlank) error

	// PageFlip requests that bo become the scanout source of
	// the given pipe at the next vertical blank, returning
	// the number of in-flight flip submissions (one per pipe
	// involved). It fails with ErrRejected while a flip is
	// already pending on the pipe.
	PageFlip(bo BO, pipe int, signal any) (int, error)

	// WaitForScanline blocks until the scanout position of
	// the pipe is outside the given box, as a tearing
	// mitigation for front-buffer copies. It returns whether
	// it actually waited.
	WaitForScanline(pipe int, b region.Box) bool

	// SetHandler registers the sink for asynchronous events.
	SetHandler(h Handler)

	// Dispatch processes pending device events, invoking the
	// registered handler synchronously.
	Dispatch() error

	// Caps returns the device capabilities.
	Caps() Caps

	// Close releases the device.
	Close()
}

// Drivers returns the registered Drivers.
// Client code imports specific driver packages, and then
// calls this function from init. As such, drivers that do
// not register themselves on init will not be considered
// for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver.
// Driver implementations are expected to call Register
// exactly once, from an init function.
// If a driver with the same name has already been
// registered, it will be replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			log.Printf("[!] driver '%s' replaced", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	log.Printf("driver '%s' registered", drv.Name())
}

// Variables used for driver registration.
var (
	// NOTE: Currently, this mutex is unnecessary.
	mu      sync.Mutex
	drivers []Driver = make([]Driver, 0, 1)
)
