// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package dri2 implements buffer-swap scheduling and presentation
// for a display driver.
// For every swap request it decides between a hardware page flip
// synced to vertical blank, a zero-copy buffer exchange, and a GPU
// blit, and it tracks in-flight flips and blits across the
// asynchronous vertical-blank events that complete them.
//
// The package follows a single-threaded cooperative model: every
// method of Scheduler, including the event handlers the device
// invokes through driver.Handler, must run on the host's event
// dispatch thread. Handlers may reenter the scheduler (arming new
// vertical-blank waits or submitting new flips) before returning.
package dri2

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"gviegas/dri2/driver"
)

// ErrStale means that the drawable or client of a request vanished
// before the operation could be carried out.
var ErrStale = errors.New("dri2: stale drawable or client reference")

// Attachment identifies the role of a buffer within a drawable.
type Attachment int

// Attachments.
const (
	FrontLeft Attachment = iota
	BackLeft
	BackRight
	FrontRight
	FakeFrontLeft
	FakeFrontRight
	Depth
	Stencil
	DepthStencil
	Hiz
	Accum
)

// CompleteKind tells a client how its swap was realized.
type CompleteKind int

// Completion kinds.
const (
	CompleteExchange CompleteKind = iota
	CompleteBlit
	CompleteFlip
)

// Client identifies the display-server client a request belongs
// to. The scheduler clears its reference when the client goes
// away; completion is then dropped quietly.
type Client struct {
	ID uint32
}

// SwapFunc is a client-supplied swap completion callback.
type SwapFunc func(c *Client, d *Drawable, frame, sec, usec uint32, kind CompleteKind, data any)

// Notifier is the host collaborator that delivers completion
// notifications and controls client flow.
type Notifier interface {
	// SwapComplete reports that a swap finished. fn may be
	// nil (the client is gone or supplied no callback).
	SwapComplete(c *Client, d *Drawable, frame, sec, usec uint32, kind CompleteKind, fn SwapFunc, data any)

	// WaitMSCComplete wakes a client blocked on a frame
	// counter target.
	WaitMSCComplete(c *Client, d *Drawable, frame, sec, usec uint32)

	// BlockClient suspends the client until a completion
	// for the drawable is delivered.
	BlockClient(c *Client, d *Drawable)
}

// Config is used to configure a Scheduler.
type Config struct {
	// Never page flip, even when a request is eligible.
	//
	// Default is false.
	NoFlip bool

	// Complete immediate swaps without throttling the
	// client to vertical blank.
	//
	// Default is false.
	NoThrottle bool

	// The number of frames an idle asynchronous flip chain
	// keeps itself armed before quiescing.
	//
	// Default is 5.
	FlipOffDelay int

	// Logger receives debug traces of scheduling decisions.
	//
	// Default is a no-op logger.
	Logger zerolog.Logger
}

const dflFlipOffDelay = 5

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NoFlip:       false,
		NoThrottle:   false,
		FlipOffDelay: dflFlipOffDelay,
		Logger:       zerolog.Nop(),
	}
}

// Scheduler is the swap-scheduling state machine.
// It owns the frame-event bookkeeping for one screen and drives
// one driver.Device. It implements driver.Handler; the host must
// register it with the device (New does so) and invoke the
// device's Dispatch from the same thread that submits requests.
type Scheduler struct {
	dev    driver.Device
	screen *Screen
	notify Notifier
	cfg    Config
	log    zerolog.Logger

	// Cleanup registries: frame events indexed by the client
	// and drawable that own them, so either going away can
	// clear the dangling references.
	byClient   map[uint32][]*frameEvent
	byDrawable map[uint32][]*frameEvent

	drawables  map[uint32]*Drawable
	frontCache map[uint32]*Buffer

	// Host-visible count of pinned front buffers; while
	// nonzero, rendering must be flushed before replies are
	// sent to clients (the buffers are externally observed).
	flushWatch int

	// Rate limit for impossible-msc warnings.
	mscWarn int
}

// New creates a Scheduler for the given device and screen and
// registers it as the device's event handler.
func New(dev driver.Device, screen *Screen, notify Notifier, cfg Config) (*Scheduler, error) {
	if dev == nil {
		return nil, fmt.Errorf("dri2: nil device: %w", driver.ErrNoDevice)
	}
	if screen == nil || screen.Front == nil {
		return nil, errors.New("dri2: screen has no scanout pixmap")
	}
	if notify == nil {
		return nil, errors.New("dri2: nil notifier")
	}
	if cfg.FlipOffDelay <= 0 {
		cfg.FlipOffDelay = dflFlipOffDelay
	}
	s := &Scheduler{
		dev:        dev,
		screen:     screen,
		notify:     notify,
		cfg:        cfg,
		log:        cfg.Logger,
		byClient:   make(map[uint32][]*frameEvent),
		byDrawable: make(map[uint32][]*frameEvent),
		drawables:  make(map[uint32]*Drawable),
		frontCache: make(map[uint32]*Buffer),
		mscWarn:    5,
	}
	dev.SetHandler(s)
	return s, nil
}

// Caps reports the device capabilities relevant to callers,
// such as whether AsyncSwap is available.
func (s *Scheduler) Caps() driver.Caps { return s.dev.Caps() }

// FlushWatch returns the number of pinned, externally observed
// front buffers. The host flushes rendering before client
// replies while this is nonzero.
func (s *Scheduler) FlushWatch() int { return s.flushWatch }
