// Package platform abstracts the local display server: input grabs, pointer
// control, clipboard, brightness, and global hotkeys.
package platform

import (
	"errors"

	"kvmux/internal/proto"
)

// ErrUnsupportedPlatform is returned when no driver exists for this OS.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// EdgeFunc is invoked by the driver whenever the local pointer's edge mask
// changes, with the old and new masks and the pointer's screen-relative
// position.
type EdgeFunc func(oldMask, newMask uint32, x, y float32)

// HotkeyContext is an opaque handle passed to hotkey callbacks; the driver
// can recover the modifier state at the moment the combination fired.
type HotkeyContext interface{}

// HotkeyFunc is invoked when a bound key combination fires.
type HotkeyFunc func(ctx HotkeyContext)

// Point is a pixel position on the local display.
type Point struct {
	X, Y int32
}

// Driver is the interface to the local windowing system. All methods are
// called from the event-loop thread only. ProcessEvents must be invoked
// whenever the descriptor returned by Init becomes readable; it drains pending events and delivers
// edge and hotkey callbacks synchronously.
type Driver interface {
	// Init prepares the driver and registers the edge callback. It returns
	// the descriptor the event loop watches for readability.
	Init(onEdge EdgeFunc) (eventFD int, err error)

	// ProcessEvents drains all pending windowing-system events.
	ProcessEvents()

	// GrabInputs takes exclusive ownership of keyboard and pointer.
	GrabInputs() error

	// UngrabInputs releases a previous grab.
	UngrabInputs()

	MousePos() Point
	SetMousePos(p Point)
	SetMousePosScreenRel(x, y float32)
	ScreenCenter() Point

	// MoveMousePos applies relative motion (used in subordinate mode).
	MoveMousePos(dx, dy int32)

	// DoKeyEvent and DoClickEvent synthesize input (subordinate mode).
	DoKeyEvent(kc proto.Keycode, pr proto.PressRel)
	DoClickEvent(btn proto.Button, pr proto.PressRel)

	// ClipboardText reads the local clipboard, blocking at most ~100ms.
	ClipboardText() string
	SetClipboard(text string)

	DisplayBrightness() float32
	SetDisplayBrightness(level float32)

	// BindHotkey registers a key combination such as "Ctrl+Alt+Right".
	// Collisions with existing bindings are an error.
	BindHotkey(combo string, cb HotkeyFunc) error

	// CurrentModifiers returns the modifier keys held right now.
	CurrentModifiers() []proto.Keycode

	// HotkeyModifiers returns the modifiers held when the hotkey in ctx
	// fired, excluding keys consumed by the combination itself.
	HotkeyModifiers(ctx HotkeyContext) []proto.Keycode

	Close()
}
