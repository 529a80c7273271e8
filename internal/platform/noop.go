package platform

import (
	"fmt"

	"golang.org/x/sys/unix"

	"kvmux/internal/proto"
)

// Noop is a headless Driver. It tracks the state the master expects a real
// driver to hold (pointer, clipboard, brightness, grabs) without touching
// any display server. Used for tests and for running on hosts with no
// display attached.
type Noop struct {
	pipeR, pipeW int

	onEdge   EdgeFunc
	hotkeys  map[string]HotkeyFunc
	grabbed  bool
	pos      Point
	center   Point
	clip     string
	bright   float32
	mods     []proto.Keycode
}

// NewNoop returns a driver backed by a 1024x768 imaginary screen.
func NewNoop() *Noop {
	return &Noop{
		hotkeys: make(map[string]HotkeyFunc),
		center:  Point{X: 512, Y: 384},
		bright:  1.0,
	}
}

// Init creates the wake pipe whose read end is returned as the event fd.
func (n *Noop) Init(onEdge EdgeFunc) (int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, fmt.Errorf("platform: pipe: %w", err)
	}
	n.pipeR, n.pipeW = fds[0], fds[1]
	n.onEdge = onEdge
	return n.pipeR, nil
}

// InjectEdge simulates the pointer crossing an edge; the edge callback runs
// immediately, before InjectEdge returns.
func (n *Noop) InjectEdge(oldMask, newMask uint32, x, y float32) {
	if n.onEdge != nil {
		n.onEdge(oldMask, newMask, x, y)
	}
}

// FireHotkey invokes a bound combination as if the user pressed it.
func (n *Noop) FireHotkey(combo string, ctx HotkeyContext) {
	if cb, ok := n.hotkeys[combo]; ok {
		cb(ctx)
	}
}

// SetModifiers sets what CurrentModifiers and HotkeyModifiers report.
func (n *Noop) SetModifiers(mods []proto.Keycode) { n.mods = mods }

// Grabbed reports whether inputs are currently grabbed.
func (n *Noop) Grabbed() bool { return n.grabbed }

func (n *Noop) ProcessEvents() {
	var buf [64]byte
	for {
		if _, err := unix.Read(n.pipeR, buf[:]); err != nil {
			return
		}
	}
}

func (n *Noop) GrabInputs() error {
	n.grabbed = true
	return nil
}

func (n *Noop) UngrabInputs() { n.grabbed = false }

func (n *Noop) MousePos() Point     { return n.pos }
func (n *Noop) SetMousePos(p Point) { n.pos = p }

func (n *Noop) SetMousePosScreenRel(x, y float32) {
	n.pos = Point{
		X: int32(x * float32(n.center.X*2)),
		Y: int32(y * float32(n.center.Y*2)),
	}
}

func (n *Noop) ScreenCenter() Point { return n.center }

func (n *Noop) MoveMousePos(dx, dy int32) {
	n.pos.X += dx
	n.pos.Y += dy
}

func (n *Noop) DoKeyEvent(proto.Keycode, proto.PressRel)  {}
func (n *Noop) DoClickEvent(proto.Button, proto.PressRel) {}

func (n *Noop) ClipboardText() string    { return n.clip }
func (n *Noop) SetClipboard(text string) { n.clip = text }

func (n *Noop) DisplayBrightness() float32         { return n.bright }
func (n *Noop) SetDisplayBrightness(level float32) { n.bright = level }

func (n *Noop) BindHotkey(combo string, cb HotkeyFunc) error {
	if _, dup := n.hotkeys[combo]; dup {
		return fmt.Errorf("platform: hotkey %q already bound", combo)
	}
	n.hotkeys[combo] = cb
	return nil
}

func (n *Noop) CurrentModifiers() []proto.Keycode {
	return append([]proto.Keycode(nil), n.mods...)
}

func (n *Noop) HotkeyModifiers(HotkeyContext) []proto.Keycode {
	return append([]proto.Keycode(nil), n.mods...)
}

func (n *Noop) Close() {
	unix.Close(n.pipeR)
	unix.Close(n.pipeW)
}
