// Package proto defines the framed messages exchanged between the master
// and its remotes over the shell transport.
package proto

// ProtVersion is the protocol version carried in the SETUP handshake.
// Both ends must agree exactly.
const ProtVersion uint32 = 1

// MsgType identifies the kind of a wire message.
type MsgType uint8

const (
	// MsgSetup is sent by the master immediately after spawning the
	// transport; carries the protocol version and the remote's parameter map.
	MsgSetup MsgType = 0x01

	// MsgReady is the remote's response to a successful SETUP.
	MsgReady MsgType = 0x02

	// MsgKeyEvent delivers a key press or release.
	MsgKeyEvent MsgType = 0x03

	// MsgMoveRel delivers relative mouse motion.
	MsgMoveRel MsgType = 0x04

	// MsgClickEvent delivers a mouse button press or release.
	MsgClickEvent MsgType = 0x05

	// MsgSetMousePosScreenRel warps the pointer to a screen-relative position.
	MsgSetMousePosScreenRel MsgType = 0x06

	// MsgGetClipboard asks the peer to send back its clipboard contents.
	MsgGetClipboard MsgType = 0x07

	// MsgSetClipboard carries clipboard contents in the extra payload.
	MsgSetClipboard MsgType = 0x08

	// MsgSetBrightness sets the peer's display brightness.
	MsgSetBrightness MsgType = 0x09

	// MsgEdgeMaskChange reports a screen-edge mask transition on the
	// sender's display.
	MsgEdgeMaskChange MsgType = 0x0A

	// MsgLogMsg carries a log line from a remote in the extra payload.
	MsgLogMsg MsgType = 0x0B
)

// String returns a short name for the message type.
func (t MsgType) String() string {
	switch t {
	case MsgSetup:
		return "SETUP"
	case MsgReady:
		return "READY"
	case MsgKeyEvent:
		return "KEYEVENT"
	case MsgMoveRel:
		return "MOVEREL"
	case MsgClickEvent:
		return "CLICKEVENT"
	case MsgSetMousePosScreenRel:
		return "SETMOUSEPOSSCREENREL"
	case MsgGetClipboard:
		return "GETCLIPBOARD"
	case MsgSetClipboard:
		return "SETCLIPBOARD"
	case MsgSetBrightness:
		return "SETBRIGHTNESS"
	case MsgEdgeMaskChange:
		return "EDGEMASKCHANGE"
	case MsgLogMsg:
		return "LOGMSG"
	default:
		return "UNKNOWN"
	}
}

// Direction is one of the four screen edges / neighbor slots.
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down

	NumDirections
)

// String returns the lowercase direction name.
func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "invalid"
	}
}

// Mask returns the edge-mask bit for the direction.
func (d Direction) Mask() uint32 {
	return 1 << uint(d)
}

// AllDirsMask covers the four defined direction bits; anything outside it in
// an edge mask is a protocol violation.
const AllDirsMask uint32 = 1<<uint(NumDirections) - 1

// PressRel distinguishes press from release in key and click events.
type PressRel uint8

const (
	Release PressRel = 0
	Press   PressRel = 1
)

// String returns "press" or "release".
func (p PressRel) String() string {
	if p == Press {
		return "press"
	}
	return "release"
}

// Keycode is a device-independent key identifier. Both ends of the wire
// speak this enumeration; each platform driver maps it to hardware codes.
type Keycode uint32

// Modifier keycodes. The focus controller replays these across a switch so
// that a combination held during the switch stays held on the new node.
const (
	KeyNull Keycode = iota
	KeyShiftL
	KeyShiftR
	KeyCtrlL
	KeyCtrlR
	KeyAltL
	KeyAltR
	KeySuperL
	KeySuperR
)

// Button identifies a mouse button in click events.
type Button uint8

const (
	ButtonLeft      Button = 1
	ButtonMiddle    Button = 2
	ButtonRight     Button = 3
	ButtonWheelUp   Button = 4
	ButtonWheelDown Button = 5
)

// Message is the decoded form of one wire frame. Fixed fields are valid
// according to Type; Extra holds the variable payload (clipboard text,
// flattened parameter maps, log lines).
//
// SendTime is master-side scheduling metadata and never crosses the wire:
// a message with a future SendTime sits in its remote's scheduled queue
// until due.
type Message struct {
	Type     MsgType
	SendTime uint64

	ProtVers   uint32   // SETUP
	Keycode    Keycode  // KEYEVENT
	PressRel   PressRel // KEYEVENT, CLICKEVENT
	Dx, Dy     int32    // MOVEREL
	Button     Button   // CLICKEVENT
	X, Y       float32  // SETMOUSEPOSSCREENREL, EDGEMASKCHANGE
	Brightness float32  // SETBRIGHTNESS
	OldMask    uint32   // EDGEMASKCHANGE
	NewMask    uint32   // EDGEMASKCHANGE

	Extra []byte
}
